// Package cascade is the engine's public entry point. It wires the
// scheduler, cell loop, candidate engine, tool executor, analytics worker,
// branch manager, and checkpoint broker behind a small factory-function
// surface, in the same style as the teacher's NewExecutor(*ExecutorConfig):
// one Config struct, one constructor, defaults filled in for anything the
// embedder left zero-valued.
package cascade

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/smilemakc/cascade/internal/analytics"
	"github.com/smilemakc/cascade/internal/branch"
	"github.com/smilemakc/cascade/internal/candidate"
	"github.com/smilemakc/cascade/internal/cellloop"
	"github.com/smilemakc/cascade/internal/checkpoint"
	"github.com/smilemakc/cascade/internal/config"
	"github.com/smilemakc/cascade/internal/contextasm"
	"github.com/smilemakc/cascade/internal/domain"
	"github.com/smilemakc/cascade/internal/echo"
	"github.com/smilemakc/cascade/internal/logging"
	"github.com/smilemakc/cascade/internal/obslog"
	"github.com/smilemakc/cascade/internal/prompt"
	"github.com/smilemakc/cascade/internal/provider"
	"github.com/smilemakc/cascade/internal/provider/openai"
	"github.com/smilemakc/cascade/internal/scheduler"
	"github.com/smilemakc/cascade/internal/store"
	"github.com/smilemakc/cascade/internal/store/postgres"
	"github.com/smilemakc/cascade/internal/toolexec"
)

// Store bundles the persistence ports the engine needs: Logger's row
// writer, AnalyticsWorker's reader/baselines/writer, and BranchManager's
// session reader. MemoryStore and store/postgres.Store both satisfy it.
type Store interface {
	logging.RowWriter
	analytics.LogReader
	analytics.BaselineSource
	analytics.Writer
	branch.SessionReader
}

// Config configures a new Engine. Any zero-valued field gets a sensible
// default; only OpenAIAPIKey is required unless Provider is set directly.
type Config struct {
	// Provider overrides the default OpenAI ModelProvider entirely (tests,
	// or a non-OpenAI backend). If nil, OpenAIAPIKey builds one.
	Provider     provider.ModelProvider
	OpenAIAPIKey string
	Pricing      map[string]openai.Pricing
	DefaultModel string

	// CircuitBreaker configures the transient-failure breaker wrapping
	// Provider. Zero value uses provider.DefaultCircuitBreakerConfig().
	CircuitBreaker   provider.CircuitBreakerConfig
	NoCircuitBreaker bool

	// PostgresDSN selects the Postgres-backed store (§6.4). Empty uses an
	// in-memory store, fine for tests and single-process embedders.
	PostgresDSN string
	// Store overrides PostgresDSN entirely, e.g. to share a store instance
	// across multiple Engines in tests.
	Store Store

	// ExternalTools resolves python:/sql:/shell: tool targets (§4.5); nil
	// disables that tool kind without otherwise affecting builtin tools.
	ExternalTools toolexec.ExternalToolLoader

	AnalyticsPoolSize int
	LogHighWaterMark  int
	LogBatchSize      int
	LogFlushInterval  time.Duration

	CheckpointNotifier checkpoint.Notifier
	CheckpointStore    checkpoint.Store
}

// Engine is one wired instance of the cascade execution engine, ready to
// run cascades registered with it.
type Engine struct {
	cfg         Config
	cascades    *Registry
	sessions    *echo.SessionManager
	store       Store
	logger      *logging.Logger
	prompt      *prompt.Engine
	tools       *toolexec.Registry
	scheduler   *scheduler.Scheduler
	analytics   *analytics.Worker
	checkpoints *checkpoint.Broker
	branches    *branch.Manager
}

// New builds an Engine from cfg, filling defaults and wiring every
// component named in §5. It never blocks on I/O beyond what constructing a
// client entails.
func New(cfg Config) (*Engine, error) {
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "gpt-4o-mini"
	}
	if cfg.AnalyticsPoolSize == 0 {
		cfg.AnalyticsPoolSize = analytics.DefaultPoolSize
	}

	st := cfg.Store
	if st == nil {
		if cfg.PostgresDSN != "" {
			pg := postgres.New(cfg.PostgresDSN)
			if err := pg.InitSchema(context.Background()); err != nil {
				return nil, fmt.Errorf("cascade: init postgres schema: %w", err)
			}
			st = pg
		} else {
			st = store.NewMemoryStore()
		}
	}

	mp := cfg.Provider
	if mp == nil {
		if cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("cascade: Config.Provider or Config.OpenAIAPIKey is required")
		}
		mp = openai.New(cfg.OpenAIAPIKey, cfg.Pricing)
	}
	if !cfg.NoCircuitBreaker {
		cbCfg := cfg.CircuitBreaker
		if cbCfg == (provider.CircuitBreakerConfig{}) {
			cbCfg = provider.DefaultCircuitBreakerConfig()
		}
		mp = provider.WithCircuitBreaker(mp, cbCfg)
	}

	logOpts := []logging.Option{}
	if cfg.LogHighWaterMark > 0 {
		logOpts = append(logOpts, logging.WithHighWaterMark(cfg.LogHighWaterMark))
	}
	if cfg.LogBatchSize > 0 {
		logOpts = append(logOpts, logging.WithBatchSize(cfg.LogBatchSize))
	}
	if cfg.LogFlushInterval > 0 {
		logOpts = append(logOpts, logging.WithFlushInterval(cfg.LogFlushInterval))
	}
	logger := logging.New(st, logOpts...)

	promptEngine := prompt.New()
	toolRegistry := toolexec.NewRegistry()
	toolExecutor := toolexec.NewExecutor(toolRegistry, promptEngine, cfg.ExternalTools)
	ctxAsm := contextasm.New()
	candidates := candidate.New(promptEngine)

	cpStore := cfg.CheckpointStore
	if cpStore == nil {
		cpStore = checkpoint.NewMemoryStore()
	}
	broker := checkpoint.New(cpStore, cfg.CheckpointNotifier)

	loop := cellloop.New(cellloop.Deps{
		Provider:     mp,
		DefaultModel: cfg.DefaultModel,
		Tools:        toolRegistry,
		Prompt:       promptEngine,
		Context:      ctxAsm,
		Logger:       logger,
		Checkpoints:  broker,
	})

	cascades := NewRegistry()

	sched := scheduler.New(scheduler.Deps{
		CellLoop:    loop,
		Executor:    toolExecutor,
		Candidates:  candidates,
		Logger:      logger,
		Prompt:      promptEngine,
		SubCascades: cascades,
	})

	analyticsWorker := analytics.New(st, st, st, cfg.AnalyticsPoolSize)

	sessions := echo.NewSessionManager()
	branches := branch.New(st, cpStore, cascades, sched, uuid.NewString)

	return &Engine{
		cfg:         cfg,
		cascades:    cascades,
		sessions:    sessions,
		store:       st,
		logger:      logger,
		prompt:      promptEngine,
		tools:       toolRegistry,
		scheduler:   sched,
		analytics:   analyticsWorker,
		checkpoints: broker,
		branches:    branches,
	}, nil
}

// NewFromEnv builds an Engine using internal/config.Load() for ambient
// defaults (log store DSN, default model, pool sizes) and initializes the
// ambient structured logger from the same settings. Credentials are never
// read from the environment by the engine itself, per internal/config's own
// contract, so apiKey/pricing are still supplied explicitly.
func NewFromEnv(apiKey string, pricing map[string]openai.Pricing) (*Engine, error) {
	envCfg := config.Load()
	obslog.Init(envCfg.LogLevel, false)
	return New(Config{
		OpenAIAPIKey:      apiKey,
		Pricing:           pricing,
		DefaultModel:      envCfg.DefaultModel,
		PostgresDSN:       envCfg.LogStoreDSN,
		AnalyticsPoolSize: envCfg.AnalyticsWorkerPoolSize,
		LogHighWaterMark:  envCfg.LoggerHighWaterMark,
	})
}

// RegisterCascade makes cascade available both for direct Run calls (by
// its CascadeID) and as a sub-cascade target from any other registered
// cascade (§4.9's "cascade:" dispatch convention).
func (e *Engine) RegisterCascade(c *domain.Cascade) error {
	if err := c.Validate(); err != nil {
		return err
	}
	e.cascades.Register(c)
	return nil
}

// RegisterTool adds t to the tool catalog available to deterministic cells
// and LLM-cell tool calls (§4.5, §4.7 item 1).
func (e *Engine) RegisterTool(t toolexec.Tool) {
	e.tools.Register(t)
}

// Run executes cascadeID as a new session for callerID, returning the
// user-visible result (§7). inputs seeds the Echo's initial state and is
// logged verbatim in the cascade_start row.
func (e *Engine) Run(ctx context.Context, cascadeID, callerID string, inputs map[string]any) (domain.CascadeResult, error) {
	c, err := e.cascades.Load(ctx, cascadeID)
	if err != nil {
		return domain.CascadeResult{}, err
	}
	ec := e.sessions.GetOrCreate("", callerID, "")
	ec.UpdateState("__inputs", inputs)
	for k, v := range inputs {
		ec.UpdateState(k, v)
	}
	result := e.scheduler.Run(ctx, c, ec)
	e.analytics.Enqueue(ec.SessionID)
	return result, nil
}

// CreateBranch forks a new session off parentSessionID at checkpointID,
// substituting newResponse for the answer the checkpoint was waiting on,
// and resumes scheduling from the next cell (§4.11).
func (e *Engine) CreateBranch(ctx context.Context, parentSessionID, checkpointID string, newResponse any) (domain.CascadeResult, error) {
	result, err := e.branches.CreateBranch(ctx, parentSessionID, checkpointID, newResponse)
	if err == nil {
		e.analytics.Enqueue(parentSessionID)
	}
	return result, err
}

// RespondCheckpoint delivers an operator's decision to the cell suspended
// on checkpointID (§4.12).
func (e *Engine) RespondCheckpoint(ctx context.Context, checkpointID string, value any, reasoning string, confidence float64) error {
	return e.checkpoints.Respond(ctx, checkpointID, value, reasoning, confidence)
}

// CancelCheckpoint aborts a pending checkpoint, delivering a
// KindCheckpointCancelled error to the waiting cell.
func (e *Engine) CancelCheckpoint(ctx context.Context, checkpointID, reason string) error {
	return e.checkpoints.Cancel(ctx, checkpointID, reason)
}

// PendingCheckpoints lists checkpoints awaiting an operator response.
func (e *Engine) PendingCheckpoints(ctx context.Context) ([]domain.Checkpoint, error) {
	return e.checkpoints.ListPending(ctx)
}

// Analytics runs the §4.10 aggregation pass for sessionID synchronously,
// for embedders that want the computed row rather than fire-and-forget.
func (e *Engine) Analytics(ctx context.Context, sessionID string) error {
	return e.analytics.Process(ctx, sessionID)
}

// Close drains the logger's queue and stops its writer goroutine. Callers
// should invoke this before process exit so recently enqueued rows aren't
// lost.
func (e *Engine) Close() {
	e.logger.Close()
}
