package app

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/pai/internal/config"
	"github.com/ent0n29/pai/internal/httpapi"
	"github.com/ent0n29/pai/internal/llm"
	"github.com/ent0n29/pai/internal/memory"
	"github.com/ent0n29/pai/internal/observability"
	"github.com/ent0n29/pai/internal/resolver"
	"github.com/ent0n29/pai/internal/session"
	"github.com/ent0n29/pai/internal/voice"
)

// defaultScripted seeds the scripted table when no file exists yet.
var defaultScripted = map[string]string{"hello": "Hi there!"}

type Info struct {
	Backend string
	Store   string
	Speech  string
	Plugins []resolver.PluginStatus
}

type BuildResult struct {
	Config   config.Config
	Logger   *zap.Logger
	API      *httpapi.Server
	Sessions *session.Manager
	Hub      *voice.Hub
	Scripted *resolver.ScriptedResolver
	Plugins  *resolver.PluginRegistry
	Model    *resolver.ModelResolver
	Metrics  *observability.Metrics
	Info     Info

	// Cleanup should be called on shutdown to stop runtimes and close the history store.
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	store, storeName, err := memory.NewStore(ctx, memory.StoreConfig{
		DatabaseURL: cfg.DatabaseURL,
		SQLitePath:  cfg.HistorySQLitePath,
		Dir:         cfg.HistoryDir,
	}, logger.Named("memory"))
	if err != nil {
		return nil, fmt.Errorf("history store init failed: %w", err)
	}

	backend, backendName, err := llm.NewBackend(llm.Config{
		Mode:       cfg.LLMMode,
		Model:      cfg.LLMModel,
		APIKey:     cfg.LLMAPIKey,
		BaseURL:    cfg.LLMBaseURL,
		HTTPURL:    cfg.LLMHTTPURL,
		OllamaURL:  cfg.LLMOllamaURL,
		Timeout:    cfg.LLMTimeout,
		Retries:    cfg.LLMRetries,
		SocksProxy: cfg.LLMSocksProxy,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("model backend init failed: %w", err)
	}

	plugins, err := buildPlugins(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	speech, err := resolveSpeaker(cfg, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	scripted := resolver.NewScriptedResolver(cfg.ScriptedPath, defaultScripted, logger.Named("scripted"))
	if err := scripted.LoadFile(); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			logger.Warn("scripted responses unavailable, using defaults", zap.Error(err))
		}
	}

	model := resolver.NewModelResolver(backend, resolver.ModelConfig{
		Persona:     resolver.Persona{Name: cfg.PersonaName, Traits: cfg.Traits()},
		PromptTurns: cfg.HistoryPromptTurns,
		MaxTokens:   cfg.LLMMaxTokens,
		Timeout:     cfg.LLMTimeout,
	}, logger.Named("model"))

	resolvers := append([]resolver.Resolver{scripted}, plugins.Resolvers()...)
	chain := resolver.NewChain(model, logger.Named("resolver"), metrics, resolvers...)

	hub, err := voice.NewHub(voice.HubConfig{
		WakePhrase:      cfg.WakePhrase,
		EndPhrase:       cfg.EndPhrase,
		AdminPrefix:     cfg.AdminPrefix,
		ArmTimeout:      cfg.WakeArmTimeout,
		Resolver:        chain,
		Plugins:         plugins,
		NewHistory:      historyFactory(cfg, store, metrics, logger),
		Speaker:         speech.speaker,
		SpeechQueueSize: cfg.SpeechQueueSize,
		Logger:          logger,
		Metrics:         metrics,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("turn controller init failed: %w", err)
	}

	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	sessions.SetExpireHook(func(s *session.Session) {
		if err := hub.Close(s.ID); err != nil {
			logger.Warn("expired session runtime stopped with error", zap.String("session_id", s.ID), zap.Error(err))
		}
		metrics.ObserveSession("expired", sessions.ActiveCount())
	})

	api := httpapi.New(cfg, sessions, hub, httpapi.Services{
		Generator: model,
		Plugins:   plugins,
		Scripted:  scripted,
	}, metrics, logger.Named("http"))

	cleanup := func() error {
		return errors.Join(hub.CloseAll(), store.Close())
	}

	return &BuildResult{
		Config:   cfg,
		Logger:   logger,
		API:      api,
		Sessions: sessions,
		Hub:      hub,
		Scripted: scripted,
		Plugins:  plugins,
		Model:    model,
		Metrics:  metrics,
		Info: Info{
			Backend: backendName,
			Store:   storeName,
			Speech:  speech.detail,
			Plugins: plugins.List(),
		},
		Cleanup: cleanup,
	}, nil
}

// historyFactory restores the persisted tail into every new session window.
func historyFactory(cfg config.Config, store memory.Store, metrics *observability.Metrics, logger *zap.Logger) func(context.Context, string) *memory.History {
	return func(ctx context.Context, sessionID string) *memory.History {
		hl := logger.Named("history").With(zap.String("session_id", sessionID))
		h := memory.NewHistory(store, memory.HistoryConfig{
			UserID:     cfg.UserID,
			MaxEntries: cfg.HistoryMax,
			RedactPII:  cfg.HistoryRedactPII,
			OnPersistFailure: func(error) {
				metrics.ObservePersistFailure()
			},
		}, hl)

		rctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		n, err := h.Restore(rctx)
		if err != nil {
			hl.Warn("history restore failed, starting empty", zap.Error(err))
			return h
		}
		if n > 0 {
			hl.Info("history restored", zap.Int("entries", n))
		}
		return h
	}
}

// Start runs the background workers on g until ctx is done: the session
// janitor and, when enabled, the scripted-file watcher.
func (b *BuildResult) Start(ctx context.Context, g *errgroup.Group) {
	b.Sessions.StartJanitor(ctx, 5*time.Second)
	if b.Config.ScriptedWatch {
		g.Go(func() error {
			if err := b.Scripted.Watch(ctx); err != nil {
				b.Logger.Warn("scripted watcher stopped", zap.Error(err))
			}
			return nil
		})
	}
}
