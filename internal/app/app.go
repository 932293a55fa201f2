package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/lukasbauer/intake/internal/decision"
	"github.com/lukasbauer/intake/internal/eventlog"
	"github.com/lukasbauer/intake/internal/httpapi"
	"github.com/lukasbauer/intake/internal/jobs"
	"github.com/lukasbauer/intake/internal/metrics"
	"github.com/lukasbauer/intake/internal/notifications"
	"github.com/lukasbauer/intake/internal/orchestrator"
	"github.com/lukasbauer/intake/internal/session"
	"github.com/lukasbauer/intake/internal/stages"
	"github.com/lukasbauer/intake/internal/store"
	"github.com/lukasbauer/intake/internal/stt"
)

type App struct {
	cfg      Config
	logger   *log.Logger
	store    store.Store
	ledger   *stages.Ledger
	sessions *session.Manager
	eventLog *eventlog.Logger
	discord  *notifications.Discord
	metrics  *metrics.Metrics
	router   *httpapi.Router
	sweeper  *jobs.IdleSweeper
}

// OpenStore connects to the configured backend and applies migrations.
func OpenStore(ctx context.Context, cfg Config, logger *log.Logger) (store.Store, error) {
	st, err := store.Open(ctx, store.Config{
		Driver:      cfg.StoreDriver,
		DatabaseURL: cfg.DatabaseURL,
		SQLitePath:  cfg.SQLitePath,
	}, logger.WithPrefix("store"))
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return st, nil
}

func New(ctx context.Context, cfg Config, logger *log.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	st, err := OpenStore(initCtx, cfg, logger)
	if err != nil {
		return nil, err
	}

	ledger, err := LoadLedger(initCtx, st, cfg.StagesFile, logger)
	if err != nil {
		st.Close()
		return nil, err
	}

	engine, err := NewDecisionEngine(initCtx, cfg)
	if err != nil {
		st.Close()
		return nil, err
	}

	m := metrics.New("intake")
	manager := session.NewManager(st, ledger, logger, session.ManagerConfig{
		PersistTimeout: cfg.PersistTimeout,
		OnActiveChange: m.SetSessionsActive,
	})
	orch := orchestrator.New(metrics.InstrumentEngine(engine, m), ledger, logger, orchestrator.Config{
		MaxFollowUps:    cfg.MaxFollowUps,
		DecisionTimeout: cfg.DecisionTimeout,
	})

	// A typed nil *FluxDialer would not compare equal to nil in the router.
	var dialer stt.Dialer
	if cfg.DeepgramAPIKey != "" {
		dialer = stt.NewFluxDialer(stt.FluxConfig{
			APIKey:     cfg.DeepgramAPIKey,
			SampleRate: cfg.STTSampleRate,
			EOTThresh:  cfg.STTEOTThreshold,
		}, logger)
	} else {
		logger.Warn("DEEPGRAM_API_KEY not set, audio input disabled")
	}

	el := eventlog.New(st)
	discord := notifications.NewDiscord(cfg.DiscordWebhookURL, logger)

	router := httpapi.NewRouter(httpapi.RouterConfig{
		ReorderWindow: cfg.ReorderWindow,
		StallTimeout:  cfg.STTStallTimeout,
	}, httpapi.Deps{
		Logger:       logger,
		Store:        st,
		Manager:      manager,
		Orchestrator: orch,
		Dialer:       dialer,
		EventLog:     el,
		Discord:      discord,
		Metrics:      m,
	})

	sweeper := jobs.NewIdleSweeper(manager, logger, cfg.SessionIdleTTL, cfg.SweepInterval, m.RecordSwept)

	logger.Info("app initialized",
		"store", cfg.StoreDriver,
		"stages", ledger.Len(),
		"decision", cfg.DecisionProvider,
		"audio", dialer != nil,
		"discord", discord.Enabled())

	return &App{
		cfg:      cfg,
		logger:   logger,
		store:    st,
		ledger:   ledger,
		sessions: manager,
		eventLog: el,
		discord:  discord,
		metrics:  m,
		router:   router,
		sweeper:  sweeper,
	}, nil
}

// LoadLedger builds the stage ledger from the store. An empty store is seeded
// from stagesFile, or from the built-in catalog when no file is given.
func LoadLedger(ctx context.Context, st store.Store, stagesFile string, logger *log.Logger) (*stages.Ledger, error) {
	stored, err := st.ListStages(ctx)
	if err != nil {
		return nil, fmt.Errorf("list stages: %w", err)
	}
	if len(stored) == 0 {
		seed, err := CatalogStages(stagesFile)
		if err != nil {
			return nil, err
		}
		if err := SeedStages(ctx, st, seed); err != nil {
			return nil, err
		}
		logger.Info("seeded stage catalog", "stages", len(seed), "file", stagesFile)
		stored = seed
	}

	ledger, err := stages.NewLedger(stored)
	if err != nil {
		return nil, fmt.Errorf("build stage ledger: %w", err)
	}
	return ledger, nil
}

// CatalogStages reads a catalog file, or the built-in catalog when path is
// empty.
func CatalogStages(path string) ([]stages.Stage, error) {
	if path == "" {
		return stages.DefaultCatalog()
	}
	return stages.LoadFile(path)
}

// SeedStages upserts every stage of a catalog.
func SeedStages(ctx context.Context, st store.Store, catalog []stages.Stage) error {
	// Validate as a whole before writing anything.
	if _, err := stages.NewLedger(catalog); err != nil && !errors.Is(err, stages.ErrEmptyLedger) {
		return fmt.Errorf("invalid stage catalog: %w", err)
	}
	for _, s := range catalog {
		if err := st.UpsertStage(ctx, s); err != nil {
			return fmt.Errorf("seed stage %s: %w", s.Name, err)
		}
	}
	return nil
}

// NewDecisionEngine builds the configured decision provider.
func NewDecisionEngine(ctx context.Context, cfg Config) (orchestrator.DecisionEngine, error) {
	switch cfg.DecisionProvider {
	case decision.ProviderOpenAI:
		return decision.NewOpenAIClient(decision.OpenAIConfig{
			APIKey:  cfg.DecisionAPIKey,
			BaseURL: cfg.DecisionBaseURL,
			Model:   cfg.DecisionModel,
		}), nil
	case decision.ProviderGemini:
		client, err := decision.NewGeminiClient(ctx, decision.GeminiConfig{
			APIKey:  cfg.DecisionAPIKey,
			BaseURL: cfg.DecisionBaseURL,
			Model:   cfg.DecisionModel,
		})
		if err != nil {
			return nil, err
		}
		return client, nil
	default:
		return nil, fmt.Errorf("unknown decision provider %q", cfg.DecisionProvider)
	}
}

func (a *App) Handler() http.Handler {
	return a.router.Handler()
}

// StartJobs starts the background jobs.
func (a *App) StartJobs() {
	a.sweeper.Start()
}

// Shutdown stops accepting channels, waits for open ones to finish, and
// persists every live session.
func (a *App) Shutdown(ctx context.Context, srv *http.Server) error {
	channels := a.router.Channels()
	channels.StartDraining()
	a.logger.Info("draining conversation channels", "active", channels.ActiveCount())

	var errs []error
	if err := srv.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := channels.Wait(ctx); err != nil {
		a.logger.Warn("channels still open at shutdown", "active", channels.ActiveCount())
		errs = append(errs, err)
	}

	a.sweeper.Stop()
	if err := a.sessions.Flush(ctx); err != nil {
		errs = append(errs, fmt.Errorf("flush sessions: %w", err))
	}
	a.eventLog.Wait()
	a.discord.Wait()
	return errors.Join(errs...)
}

func (a *App) Close() error {
	if a.store != nil {
		return a.store.Close()
	}
	return nil
}
