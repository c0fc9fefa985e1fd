package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	gormpostgres "gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"compliance-backend/internal/analyses"
	"compliance-backend/internal/analyzer"
	"compliance-backend/internal/documents"
	"compliance-backend/internal/notify"
	"compliance-backend/internal/orgconfig"
	"compliance-backend/internal/parameters"
	"compliance-backend/internal/results"
	"compliance-backend/internal/services/health"
	"compliance-backend/internal/shared/auth"
	"compliance-backend/internal/shared/config"
	"compliance-backend/internal/shared/httpauth"
	"compliance-backend/internal/shared/server"
	"compliance-backend/internal/shared/storage/db"
	"compliance-backend/internal/shared/telemetry"
	"compliance-backend/internal/sweeper"
	"compliance-backend/internal/taskqueue"
	"compliance-backend/internal/workerproc"
)

const (
	notifyTimeout   = 5 * time.Second
	dispatchTimeout = 10 * time.Minute
)

// App holds shared dependencies.
type App struct {
	Config config.Config
	Router *gin.Engine
	DB     *sql.DB
	Gorm   *gorm.DB

	// Queue is the retrying client used by the orchestrator. LocalQueue and
	// SQS expose the concrete backend to the worker binaries; one of them is nil.
	Queue      taskqueue.Client
	LocalQueue *taskqueue.GormQueue
	SQS        *taskqueue.SQSClient

	ConfigService   *orgconfig.Service
	Engine          *parameters.Engine
	ResultsService  *results.Service
	AnalysesService *analyses.Service
	Notifier        *notify.Async
	Sweeper         *sweeper.Sweeper
	Health          *health.Service
}

// Build prepares shared dependencies and the API router.
func Build(cfg config.Config) (*App, error) {
	if strings.TrimSpace(cfg.Env) == "" {
		cfg.Env = "dev"
	}
	ctx := context.Background()

	sqlDB, err := buildDB(ctx, cfg)
	if err != nil {
		return nil, err
	}
	app := &App{Config: cfg, DB: sqlDB, Health: health.NewService()}

	if err := buildQueue(ctx, app); err != nil {
		return nil, err
	}
	if err := buildServices(ctx, app); err != nil {
		return nil, err
	}
	buildHealth(app)

	tokens, err := auth.NewVerifier(cfg.JWTSecret, cfg.Env)
	if err != nil {
		return nil, err
	}

	app.Router = server.NewRouter(server.RouterDeps{
		Config:            cfg,
		Health:            app.Health,
		AnalysisHandler:   analyses.NewHandler(app.AnalysesService),
		CallbackHandler:   analyses.NewCallbackHandler(app.AnalysesService),
		TaskHandler:       &workerproc.TaskHandler{Processor: app.AnalysesService},
		ConfigHandler:     orgconfig.NewHandler(app.ConfigService),
		ParametersHandler: parameters.NewHandler(app.Engine),
		ResultsHandler:    results.NewHandler(app.ResultsService),
		QueueHandler:      taskqueue.NewHandler(app.Queue),
		Tokens:            tokens,
	})
	return app, nil
}

func buildDB(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		if cfg.IsDevLike() {
			log.Printf("bootstrap: DATABASE_URL empty; using in-memory repositories")
			return nil, nil
		}
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	var (
		sqlDB *sql.DB
		err   error
	)
	if db.IsLambdaRuntime() {
		opts := db.OptionsFromEnv(db.DefaultOptions(db.ProfileLambda))
		sqlDB, err = db.Shared(ctx, cfg.DatabaseURL, opts)
	} else {
		opts := db.OptionsFromEnv(db.DefaultOptions(dbProfile(cfg)))
		sqlDB, err = db.Connect(ctx, cfg.DatabaseURL, opts)
	}
	if err != nil {
		if cfg.IsDevLike() {
			log.Printf("bootstrap: database connect failed; using in-memory repositories: %v", err)
			return nil, nil
		}
		return nil, err
	}
	return sqlDB, nil
}

// openGorm shares the Postgres pool when one exists and otherwise opens the
// local SQLite file named by LOCAL_QUEUE_DSN.
func openGorm(cfg config.Config, sqlDB *sql.DB) (*gorm.DB, error) {
	gcfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	if sqlDB != nil {
		return gorm.Open(gormpostgres.New(gormpostgres.Config{Conn: sqlDB}), gcfg)
	}
	dsn := strings.TrimSpace(cfg.LocalQueueDSN)
	if dsn == "" {
		return nil, errors.New("LOCAL_QUEUE_DSN is required without DATABASE_URL")
	}
	if path := sqliteFilePath(dsn); path != "" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create queue dir: %w", err)
			}
		}
	}
	gdb, err := gorm.Open(sqlite.Open(dsn), gcfg)
	if err != nil {
		return nil, err
	}
	raw, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	raw.SetMaxOpenConns(1)
	return gdb, nil
}

func buildQueue(ctx context.Context, app *App) error {
	cfg := app.Config
	needGorm := cfg.QueueBackend == "local" || app.DB != nil
	if needGorm {
		gdb, err := openGorm(cfg, app.DB)
		if err != nil {
			return fmt.Errorf("open queue store: %w", err)
		}
		app.Gorm = gdb
	}

	var client taskqueue.Client
	switch cfg.QueueBackend {
	case "sqs":
		var pause taskqueue.PauseStore = taskqueue.NewMemoryPauseState()
		if app.Gorm != nil {
			// Pause state lives in queue_states so every worker sees it.
			states := taskqueue.NewGormQueue(app.Gorm, cfg.QueueName)
			if err := states.Migrate(ctx); err != nil {
				return fmt.Errorf("migrate queue store: %w", err)
			}
			pause = states
		}
		urls := make(map[taskqueue.Priority]string, len(cfg.SQSQueueURLs))
		for raw, u := range cfg.SQSQueueURLs {
			if p, err := taskqueue.ParsePriority(raw); err == nil {
				urls[p] = u
			}
		}
		sqsClient, err := taskqueue.NewSQSClient(ctx, taskqueue.SQSConfig{
			Region:    cfg.AWSRegion,
			QueueURLs: urls,
			QueueURL:  cfg.SQSQueueURL,
		}, pause)
		if err != nil {
			return err
		}
		app.SQS = sqsClient
		client = sqsClient
	default:
		q := taskqueue.NewGormQueue(app.Gorm, cfg.QueueName)
		if err := q.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate queue store: %w", err)
		}
		app.LocalQueue = q
		client = q
	}

	app.Queue = taskqueue.WithRetry(client, taskqueue.DefaultRetryPolicy())
	telemetry.Info("bootstrap.queue", map[string]any{"backend": cfg.QueueBackend, "queue": cfg.QueueName})
	return nil
}

func buildServices(ctx context.Context, app *App) error {
	cfg := app.Config

	var (
		docRepo      documents.Reader
		configRepo   orgconfig.Repo
		tenants      orgconfig.TenantDirectory
		resultsRepo  results.Repo
		analysisRepo analyses.Repo
	)
	if app.DB != nil {
		docRepo = &documents.PGRepo{DB: app.DB}
		configRepo = &orgconfig.PGRepo{DB: app.DB}
		tenants = &orgconfig.PGTenants{DB: app.DB}
		resultsRepo = &results.PGRepo{DB: app.DB}
		analysisRepo = &analyses.PGRepo{DB: app.DB}
	} else {
		docRepo = documents.NewMemoryRepo()
		configRepo = orgconfig.NewMemoryRepo()
		tenants = orgconfig.NewMemoryTenants()
		resultsRepo = results.NewMemoryRepo()
		analysisRepo = analyses.NewMemoryRepo()
	}

	engineCfg, err := config.LoadEngineConfig(cfg.EngineConfigPath)
	if err != nil {
		return err
	}

	configSvc := &orgconfig.Service{
		Repo:    configRepo,
		Tenants: tenants,
		Catalog: orgconfig.NewPresetCatalog(engineCfg.Presets),
		Now:     time.Now,
	}
	engine := parameters.NewEngine(configSvc, resultsRepo, parameters.OptionsFromConfig(engineCfg))
	configSvc.OnChange = engine.ClearCache

	emitters := notify.Multi{notify.LogEmitter{}}
	if cfg.NotifyWebhookURL != "" {
		emitters = append(emitters, &notify.WebhookEmitter{
			URL:    cfg.NotifyWebhookURL,
			Secret: cfg.CallbackSecret,
			Client: &http.Client{Timeout: notifyTimeout},
		})
	}
	app.Notifier = notify.NewAsync(emitters, notifyTimeout)

	analyzerClient, err := buildAnalyzer(ctx, cfg)
	if err != nil {
		return err
	}

	app.ConfigService = configSvc
	app.Engine = engine
	app.ResultsService = &results.Service{Repo: resultsRepo, Now: time.Now}
	app.AnalysesService = &analyses.Service{
		Repo:      analysisRepo,
		Documents: docRepo,
		Params:    engine,
		Queue:     app.Queue,
		Analyzer:  analyzerClient,
		Results:   resultsRepo,
		Notifier:  app.Notifier,
		InFlight:  analyses.InFlightPolicy(cfg.InFlightPolicy),
		Now:       time.Now,
	}
	if app.SQS != nil {
		app.AnalysesService.RedeliveryWindow = taskqueue.DefaultConsumerOptions().Visibility
	} else {
		app.AnalysesService.RedeliveryWindow = taskqueue.DefaultRetryPolicy().MaxBackoff
	}

	var leases sweeper.LeaseReleaser
	if app.LocalQueue != nil {
		leases = app.LocalQueue
	}
	app.Sweeper = sweeper.New(app.AnalysesService, engine, leases, sweeper.Options{
		PendingGrace: cfg.PendingGrace,
		RunningGrace: cfg.RunningGrace,
	})
	return nil
}

func buildAnalyzer(ctx context.Context, cfg config.Config) (analyzer.Client, error) {
	if strings.TrimSpace(cfg.AnalyzerURL) == "" {
		telemetry.Warn("bootstrap.analyzer_unconfigured", map[string]any{"reason": "ANALYZER_URL empty"})
		return analyzer.Unconfigured{}, nil
	}
	client, err := analyzer.NewHTTPClient(cfg.AnalyzerURL, cfg.CallbackSecret,
		httpauth.NewClient(ctx, oauthConfig(cfg), cfg.AnalyzerTimeout))
	if err != nil {
		return nil, fmt.Errorf("analyzer client: %w", err)
	}
	return client, nil
}

func buildHealth(app *App) {
	if app.DB != nil {
		app.Health.Register("database", func(ctx context.Context) error {
			return db.Ping(ctx, app.DB, 2*time.Second)
		})
	}
	if app.Gorm != nil {
		if raw, err := app.Gorm.DB(); err == nil && raw != app.DB {
			app.Health.Register("queue_store", raw.PingContext)
		}
	}
	app.Health.Register("queue", func(ctx context.Context) error {
		_, err := app.Queue.Stats(ctx)
		return err
	})
}

// Processes that run the dispatcher hold extra connections for in-flight jobs.
func dbProfile(cfg config.Config) db.Profile {
	if cfg.EmbeddedWorker {
		return db.ProfileWorker
	}
	return db.ProfileServer
}

func oauthConfig(cfg config.Config) httpauth.Config {
	return httpauth.Config{
		TokenURL:     cfg.OAuthTokenURL,
		ClientID:     cfg.OAuthClientID,
		ClientSecret: cfg.OAuthClientSecret,
		Scopes:       cfg.OAuthScopes,
	}
}

// Deliverer returns how the local dispatcher hands tasks over: a signed POST
// to WORKER_URL when set, otherwise an in-process call.
func (a *App) Deliverer(ctx context.Context) taskqueue.Deliverer {
	if url := strings.TrimSpace(a.Config.WorkerURL); url != "" {
		return &taskqueue.HTTPDeliverer{
			URL:    url,
			Secret: a.Config.CallbackSecret,
			Client: httpauth.NewClient(ctx, oauthConfig(a.Config), dispatchTimeout),
		}
	}
	return taskqueue.DelivererFunc(func(ctx context.Context, msg taskqueue.Message, attempt int) error {
		return a.AnalysesService.ProcessTask(analyses.WithRequestID(ctx, msg.RequestID), msg, attempt)
	})
}

// Dispatcher drains the local queue. It returns nil for the SQS backend.
func (a *App) Dispatcher(ctx context.Context, workerID string) *taskqueue.Dispatcher {
	if a.LocalQueue == nil {
		return nil
	}
	return taskqueue.NewDispatcher(a.LocalQueue, a.Deliverer(ctx), workerID, a.Config.WorkerConcur)
}

// Consumer polls the SQS priority queues. It returns nil for the local backend.
func (a *App) Consumer() *taskqueue.SQSConsumer {
	if a.SQS == nil {
		return nil
	}
	opts := taskqueue.DefaultConsumerOptions()
	opts.Concurrency = a.Config.WorkerConcur
	opts.ShutdownTimeout = a.Config.ShutdownTimeout
	return taskqueue.NewSQSConsumer(a.SQS, a.HandleTask, opts)
}

// HandleTask processes one raw queue body.
func (a *App) HandleTask(ctx context.Context, body []byte, attempt int) error {
	return workerproc.HandleMessage(ctx, a.AnalysesService, body, attempt)
}

// Close waits for pending notifications and releases connections.
func (a *App) Close() {
	if a.Sweeper != nil {
		a.Sweeper.Stop()
	}
	if a.Notifier != nil {
		a.Notifier.Wait()
	}
	if a.Gorm != nil {
		if raw, err := a.Gorm.DB(); err == nil && raw != a.DB {
			_ = raw.Close()
		}
	}
	if a.DB != nil && !db.IsLambdaRuntime() {
		_ = a.DB.Close()
	}
}

func sqliteFilePath(dsn string) string {
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" || path == ":memory:" {
		return ""
	}
	return path
}
