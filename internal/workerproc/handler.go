package workerproc

import (
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"compliance-backend/internal/shared/server/respond"
	"compliance-backend/internal/taskqueue"
)

// TaskPath is where the local dispatcher delivers analysis tasks.
const TaskPath = "/tasks/analysis"

const maxTaskBody = 64 << 10

// TaskHandler receives pushed tasks. Mount it behind middleware.Signature.
type TaskHandler struct {
	Processor Processor
}

// RegisterRoutes attaches the task endpoint to the router group.
func (h *TaskHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST(TaskPath, h.handle)
}

// handle answers 200 when the task settled, 422 when it can never succeed and
// 503 when the dispatcher should redeliver.
func (h *TaskHandler) handle(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxTaskBody))
	if err != nil {
		respond.Error(c, http.StatusBadRequest, "VALIDATION_ERROR", "unreadable body", nil)
		return
	}
	attempt, _ := strconv.Atoi(c.GetHeader(taskqueue.AttemptHeader))

	err = HandleMessage(c.Request.Context(), h.Processor, body, attempt)
	switch {
	case err == nil:
		respond.OK(c, gin.H{"status": "processed"})
	case taskqueue.IsPermanent(err):
		respond.Error(c, http.StatusUnprocessableEntity, "UNPROCESSABLE_TASK", err.Error(), nil)
	default:
		c.Header("Retry-After", "5")
		respond.Error(c, http.StatusServiceUnavailable, "RETRY_LATER", err.Error(), nil)
	}
}
