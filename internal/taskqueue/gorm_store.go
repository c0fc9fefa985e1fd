package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	taskPending   = "pending"
	taskRunning   = "running"
	taskDone      = "done"
	taskFailed    = "failed"
	taskCancelled = "cancelled"

	defaultLockTTL = 10 * time.Minute
)

// queueTask is a row of the local task table.
type queueTask struct {
	ID          string     `gorm:"primaryKey;size:36"`
	Queue       string     `gorm:"index;size:64;not null"`
	AnalysisID  string     `gorm:"index;size:64;not null"`
	Priority    int        `gorm:"index;default:2"`
	Payload     []byte     `gorm:"not null"`
	Status      string     `gorm:"index;size:20;default:'pending'"`
	Attempt     int        `gorm:"default:0"`
	MaxRetries  int        `gorm:"not null"`
	LastError   string     `gorm:"type:text"`
	RunAt       time.Time  `gorm:"index"`
	LockedBy    string     `gorm:"size:255"`
	LockedUntil *time.Time `gorm:"index"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (queueTask) TableName() string { return "queue_tasks" }

// queueState tracks the pause flag of a queue.
type queueState struct {
	Queue     string `gorm:"primaryKey;size:64"`
	Paused    bool   `gorm:"default:false"`
	UpdatedAt time.Time
}

func (queueState) TableName() string { return "queue_states" }

// Task is a dequeued delivery owned by one worker until settled.
type Task struct {
	Handle     Handle
	Message    Message
	Attempt    int
	MaxRetries int
}

// GormQueue is a database-backed Client with a stored priority column that is
// consumed in pull order (priority, then run_at, then creation).
type GormQueue struct {
	db      *gorm.DB
	queue   string
	LockTTL time.Duration
	Now     func() time.Time
}

// NewGormQueue returns a queue named name stored in db.
func NewGormQueue(db *gorm.DB, name string) *GormQueue {
	if name == "" {
		name = "analysis"
	}
	return &GormQueue{db: db, queue: name, LockTTL: defaultLockTTL, Now: time.Now}
}

// Migrate creates the task and state tables.
func (q *GormQueue) Migrate(ctx context.Context) error {
	return q.db.WithContext(ctx).AutoMigrate(&queueTask{}, &queueState{})
}

// Name returns the queue name used in handles.
func (q *GormQueue) Name() string { return q.queue }

func (q *GormQueue) now() time.Time {
	if q.Now != nil {
		return q.Now().UTC()
	}
	return time.Now().UTC()
}

// Enqueue stores msg for dispatch after opts.Delay.
func (q *GormQueue) Enqueue(ctx context.Context, msg Message, opts EnqueueOptions) (Handle, error) {
	if msg.Priority == "" {
		msg.Priority = PriorityNormal
	}
	if !msg.Priority.Valid() {
		return Handle{}, Permanent(fmt.Errorf("unknown priority %q", msg.Priority))
	}
	payload, err := EncodeMessage(msg)
	if err != nil {
		return Handle{}, Permanent(fmt.Errorf("encode task: %w", err))
	}
	now := q.now()
	task := queueTask{
		ID:         uuid.NewString(),
		Queue:      q.queue,
		AnalysisID: msg.AnalysisID,
		Priority:   msg.Priority.Rank(),
		Payload:    payload,
		Status:     taskPending,
		MaxRetries: opts.maxRetries(),
		RunAt:      now.Add(opts.Delay),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := q.db.WithContext(ctx).Create(&task).Error; err != nil {
		return Handle{}, fmt.Errorf("insert task: %w", err)
	}
	return Handle{Queue: q.queue, ID: task.ID}, nil
}

// Cancel removes a task that has not been pulled yet.
func (q *GormQueue) Cancel(ctx context.Context, h Handle) error {
	res := q.db.WithContext(ctx).
		Model(&queueTask{}).
		Where("id = ? AND queue = ? AND status = ?", h.ID, q.queue, taskPending).
		Updates(map[string]any{"status": taskCancelled, "updated_at": q.now()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}

	var task queueTask
	err := q.db.WithContext(ctx).Where("id = ? AND queue = ?", h.ID, q.queue).First(&task).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrTaskNotFound
	}
	if err != nil {
		return err
	}
	if task.Status == taskCancelled {
		return nil
	}
	return ErrAlreadyDispatched
}

// Pause stops Dequeue from handing out tasks.
func (q *GormQueue) Pause(ctx context.Context) error {
	return q.SetPaused(ctx, q.queue, true)
}

// Resume re-enables Dequeue.
func (q *GormQueue) Resume(ctx context.Context) error {
	return q.SetPaused(ctx, q.queue, false)
}

// SetPaused upserts the pause flag of queue. GormQueue also serves as the
// shared PauseStore for the SQS backend.
func (q *GormQueue) SetPaused(ctx context.Context, queue string, paused bool) error {
	state := queueState{Queue: queue, Paused: paused, UpdatedAt: q.now()}
	return q.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "queue"}},
		DoUpdates: clause.AssignmentColumns([]string{"paused", "updated_at"}),
	}).Create(&state).Error
}

// IsPaused reports the pause flag of queue; unknown queues are not paused.
func (q *GormQueue) IsPaused(ctx context.Context, queue string) (bool, error) {
	var state queueState
	err := q.db.WithContext(ctx).Where("queue = ?", queue).First(&state).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return state.Paused, nil
}

// ListPending returns undispatched tasks in the order they will be pulled.
func (q *GormQueue) ListPending(ctx context.Context, limit int) ([]PendingTask, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var tasks []queueTask
	err := q.db.WithContext(ctx).
		Where("queue = ? AND status = ?", q.queue, taskPending).
		Order("priority DESC, run_at ASC, created_at ASC").
		Limit(limit).
		Find(&tasks).Error
	if err != nil {
		return nil, err
	}
	out := make([]PendingTask, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, PendingTask{
			Handle:     Handle{Queue: t.Queue, ID: t.ID}.String(),
			AnalysisID: t.AnalysisID,
			Priority:   priorityFromRank(t.Priority),
			Attempt:    t.Attempt,
			MaxRetries: t.MaxRetries,
			RunAt:      t.RunAt,
			CreatedAt:  t.CreatedAt,
		})
	}
	return out, nil
}

// Stats counts tasks by status and pending tasks by priority.
func (q *GormQueue) Stats(ctx context.Context) (Stats, error) {
	paused, err := q.IsPaused(ctx, q.queue)
	if err != nil {
		return Stats{}, err
	}
	type row struct {
		Status   string
		Priority int
		Count    int64
	}
	var rows []row
	err = q.db.WithContext(ctx).
		Model(&queueTask{}).
		Select("status, priority, count(*) AS count").
		Where("queue = ?", q.queue).
		Group("status, priority").
		Find(&rows).Error
	if err != nil {
		return Stats{}, err
	}
	var delayed int64
	err = q.db.WithContext(ctx).
		Model(&queueTask{}).
		Where("queue = ? AND status = ? AND run_at > ?", q.queue, taskPending, q.now()).
		Count(&delayed).Error
	if err != nil {
		return Stats{}, err
	}

	st := Stats{Backend: "local", Paused: paused, Delayed: int(delayed), ByPriority: make(map[Priority]int, len(Priorities))}
	for _, r := range rows {
		n := int(r.Count)
		switch r.Status {
		case taskPending:
			st.Pending += n
			st.ByPriority[priorityFromRank(r.Priority)] += n
		case taskRunning:
			st.InFlight += n
		case taskFailed:
			st.Failed += n
		}
	}
	st.Pending -= st.Delayed
	return st, nil
}

// Dequeue locks the next due task for workerID. It returns nil when the queue
// is paused or nothing is due.
func (q *GormQueue) Dequeue(ctx context.Context, workerID string) (*Task, error) {
	paused, err := q.IsPaused(ctx, q.queue)
	if err != nil {
		return nil, err
	}
	if paused {
		return nil, nil
	}

	var task queueTask
	now := q.now()
	lockUntil := now.Add(q.LockTTL)

	err = q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query := tx.
			Where("queue = ?", q.queue).
			Where("status = ?", taskPending).
			Where("run_at <= ?", now).
			Order("priority DESC, run_at ASC, created_at ASC")
		if q.db.Dialector.Name() == "postgres" {
			query = query.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}
		result := query.First(&task)
		if result.Error != nil {
			if errors.Is(result.Error, gorm.ErrRecordNotFound) {
				return nil
			}
			return result.Error
		}

		task.Status = taskRunning
		task.LockedBy = workerID
		task.LockedUntil = &lockUntil
		task.Attempt++
		task.UpdatedAt = now

		return tx.Save(&task).Error
	})
	if err != nil {
		return nil, err
	}
	if task.ID == "" {
		return nil, nil
	}

	msg, err := DecodeMessage(task.Payload)
	if err != nil {
		_ = q.Fail(ctx, Handle{Queue: q.queue, ID: task.ID}, workerID, err)
		return nil, Permanent(fmt.Errorf("decode task %s: %w", task.ID, err))
	}
	return &Task{
		Handle:     Handle{Queue: q.queue, ID: task.ID},
		Message:    msg,
		Attempt:    task.Attempt,
		MaxRetries: task.MaxRetries,
	}, nil
}

// Complete marks a task done. The worker must still hold the lock.
func (q *GormQueue) Complete(ctx context.Context, h Handle, workerID string) error {
	return q.settle(ctx, h, workerID, map[string]any{
		"status": taskDone,
	})
}

// Retry puts a task back after delay, or fails it once its retries are spent.
func (q *GormQueue) Retry(ctx context.Context, t *Task, workerID string, delay time.Duration, cause error) error {
	if t.Attempt > t.MaxRetries {
		return q.Fail(ctx, t.Handle, workerID, cause)
	}
	return q.settle(ctx, t.Handle, workerID, map[string]any{
		"status":     taskPending,
		"run_at":     q.now().Add(delay),
		"last_error": errText(cause),
	})
}

// Fail marks a task as permanently failed.
func (q *GormQueue) Fail(ctx context.Context, h Handle, workerID string, cause error) error {
	return q.settle(ctx, h, workerID, map[string]any{
		"status":     taskFailed,
		"last_error": errText(cause),
	})
}

func (q *GormQueue) settle(ctx context.Context, h Handle, workerID string, updates map[string]any) error {
	updates["locked_by"] = ""
	updates["locked_until"] = nil
	updates["updated_at"] = q.now()
	result := q.db.WithContext(ctx).
		Model(&queueTask{}).
		Where("id = ? AND locked_by = ? AND status = ?", h.ID, workerID, taskRunning).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrTaskNotOwned
	}
	return nil
}

// ReleaseExpired returns tasks whose worker lock lapsed to the pending pool.
func (q *GormQueue) ReleaseExpired(ctx context.Context) (int, error) {
	now := q.now()
	result := q.db.WithContext(ctx).
		Model(&queueTask{}).
		Where("queue = ? AND status = ?", q.queue, taskRunning).
		Where("locked_until < ?", now).
		Updates(map[string]any{
			"status":       taskPending,
			"locked_by":    "",
			"locked_until": nil,
			"run_at":       now,
			"updated_at":   now,
		})
	return int(result.RowsAffected), result.Error
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	n := 500
	if len(msg) <= n {
		return msg
	}
	for n > 0 && !utf8.RuneStart(msg[n]) {
		n--
	}
	return msg[:n]
}

var (
	_ Client     = (*GormQueue)(nil)
	_ PauseStore = (*GormQueue)(nil)
)
