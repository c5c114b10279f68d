package daemon

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/carewire/carewire/internal/api"
	"github.com/carewire/carewire/internal/auth"
	"github.com/carewire/carewire/internal/bus"
	"github.com/carewire/carewire/internal/config"
	"github.com/carewire/carewire/internal/conn"
	"github.com/carewire/carewire/internal/engine"
	"github.com/carewire/carewire/internal/lock"
	"github.com/carewire/carewire/internal/logging"
	"github.com/carewire/carewire/internal/messages"
	"github.com/carewire/carewire/internal/presence"
	"github.com/carewire/carewire/internal/profile"
	"github.com/carewire/carewire/internal/rooms"
	"github.com/carewire/carewire/internal/store"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	Profile string
	// Token overrides the credential file; used by tests and one-off runs.
	Token string
	// DirOverride replaces the profile directory; empty = use default.
	DirOverride string
}

func (p Params) dir() string {
	if p.DirOverride != "" {
		return p.DirOverride
	}
	return profile.Dir(p.Profile)
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideCredential,
			provideTokenSource,
			provideAPIClient,
			provideManager,
			provideRegistry,
			provideMessageLog,
			providePresence,
			provideEngine,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	path := profile.ConfigPath()
	if p.DirOverride != "" {
		path = filepath.Join(p.DirOverride, "config.toml")
	}
	cfg, err := config.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		cfg = &config.Config{}
		cfg.Normalize()
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func provideLogger(p Params) (*zap.Logger, error) {
	logPath := profile.LogPath(p.Profile)
	if p.DirOverride != "" {
		logPath = filepath.Join(p.DirOverride, "carewired.log")
	}
	return logging.New(logPath, p.Profile)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *conn.Machine {
	return conn.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if p.DirOverride == "" {
		if err := profile.EnsureDir(p.Profile); err != nil {
			return nil, err
		}
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(p.dir())
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := filepath.Join(p.dir(), "carewire.db")
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

// provideCredential resolves the bearer token: an explicit override wins,
// otherwise the profile's credential file. Opaque tokens are accepted; the
// parsed claims just stay empty.
func provideCredential(p Params) (auth.Credential, error) {
	token := p.Token
	if token == "" {
		credPath := profile.CredentialPath(p.Profile)
		if p.DirOverride != "" {
			credPath = filepath.Join(p.DirOverride, "credential")
		}
		data, err := os.ReadFile(credPath)
		if err != nil {
			return auth.Credential{}, fmt.Errorf("read credential: %w", err)
		}
		token = strings.TrimSpace(string(data))
	}
	if token == "" {
		return auth.Credential{}, errors.New("no credential configured")
	}
	cred, err := auth.ParseCredential(token)
	if err != nil {
		return auth.Credential{Token: token}, nil
	}
	return cred, nil
}

func provideTokenSource(cred auth.Credential) auth.TokenSource {
	return auth.Static(cred)
}

func provideAPIClient(cfg *config.Config, ts auth.TokenSource, logger *zap.Logger) *api.Client {
	return api.NewClient(cfg.Server.BaseURL, ts, logger)
}

func provideManager(cfg *config.Config, ts auth.TokenSource, m *conn.Machine, b *bus.Bus, logger *zap.Logger) *conn.Manager {
	return conn.NewManager(conn.Config{
		URL:               cfg.Server.WSURL,
		BackoffBase:       cfg.Sync.BackoffBase(),
		BackoffMax:        cfg.Sync.BackoffMax(),
		HeartbeatInterval: cfg.Sync.HeartbeatInterval(),
		QueueSize:         cfg.Sync.OutboundQueueSize,
	}, conn.NewWSDialer(), ts, m, b, logger)
}

func provideRegistry(cred auth.Credential, client *api.Client, logger *zap.Logger) *rooms.Registry {
	return rooms.NewRegistry(client, cred.Subject, logger)
}

func provideMessageLog(cfg *config.Config, b *bus.Bus, logger *zap.Logger) *messages.Log {
	return messages.NewLog(b, cfg.Sync.SendTimeout(), logger)
}

func providePresence(cfg *config.Config, client *api.Client, b *bus.Bus, logger *zap.Logger) *presence.Tracker {
	return presence.NewTracker(b, client, cfg.Sync.PresencePoll(), logger)
}

func provideEngine(cred auth.Credential, db *store.DB, reg *rooms.Registry, log *messages.Log, tracker *presence.Tracker, mgr *conn.Manager, b *bus.Bus, logger *zap.Logger) *engine.Context {
	return engine.New(cred.Subject, db, reg, log, tracker, mgr, b, logger)
}

func registerLifecycle(lc fx.Lifecycle, lk *lock.Lock, db *store.DB, mgr *conn.Manager, eng *engine.Context, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Load persisted state and start dispatching before the first
			// server event can arrive.
			if err := eng.Start(context.Background()); err != nil {
				return err
			}

			go func() {
				if err := mgr.Connect(context.Background()); err != nil {
					logger.Error("connect failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(_ context.Context) error {
			mgr.Disconnect()
			eng.Stop()
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
