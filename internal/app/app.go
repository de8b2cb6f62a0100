// Package app wires the stores, relay, services and storage selected by configuration.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"github.com/partycast/backend/config"
	"github.com/partycast/backend/internal/memstore"
	"github.com/partycast/backend/internal/negotiation"
	"github.com/partycast/backend/internal/presence"
	"github.com/partycast/backend/internal/recorder"
	"github.com/partycast/backend/internal/recordings"
	"github.com/partycast/backend/internal/relay"
	"github.com/partycast/backend/internal/sessions"
	"github.com/partycast/backend/internal/signaling"
	"github.com/partycast/backend/pkg/database"
	"github.com/partycast/backend/pkg/queue"
	"github.com/partycast/backend/pkg/redis"
	"github.com/partycast/backend/pkg/storage"
)

// App holds the wired services of one process.
type App struct {
	Config *config.Config
	Logger *zap.Logger

	Pool  *pgxpool.Pool // nil with the memory store
	Redis *redis.Client // nil with the memory relay
	Queue *queue.Queue  // nil without Redis
	Relay relay.Channel

	Sessions   *sessions.Manager
	Signaling  *signaling.Service
	Presence   *presence.Service
	Recordings recordings.Store
	Objects    storage.ObjectStore
	Pipeline   *recorder.Pipeline

	closers []func()
}

type stores struct {
	sessions   sessions.Store
	signals    signaling.Store
	presence   presence.Store
	recordings recordings.Store
}

// New connects to the configured backends and builds the services.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{Config: cfg, Logger: logger}

	st, err := a.openStores(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	if err := a.openRelay(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.openObjects(ctx); err != nil {
		a.Close()
		return nil, err
	}

	a.Sessions = sessions.NewManager(st.sessions, a.Relay, logger)
	a.Signaling = signaling.NewService(st.signals, a.Relay, logger)
	a.Presence = presence.NewService(st.presence, a.Relay, presence.Config{
		ActiveWindow:      cfg.Presence.ActiveWindow,
		ExpiryWindow:      cfg.Presence.ExpiryWindow,
		HeartbeatInterval: cfg.Presence.HeartbeatInterval,
	}, logger)
	a.Recordings = st.recordings

	var retry recorder.RetryQueue
	if a.Queue != nil {
		retry = a.Queue
	}
	a.Pipeline = recorder.NewPipeline(a.Objects, st.recordings, retry, recorder.Config{
		SpoolDir: cfg.Recording.SpoolDir,
		MaxBytes: cfg.Recording.MaxBytes,
	}, logger)
	return a, nil
}

func (a *App) openStores(ctx context.Context) (stores, error) {
	cfg := a.Config
	if cfg.Server.StoreDriver == config.DriverMemory {
		m := memstore.New()
		a.Logger.Warn("using in-process store; state is lost on restart")
		return stores{sessions: m, signals: m, presence: m, recordings: m}, nil
	}
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), cfg.Database.MaxConns, a.Logger)
	if err != nil {
		return stores{}, fmt.Errorf("database: %w", err)
	}
	a.Pool = pool
	a.closers = append(a.closers, pool.Close)
	if err := database.Migrate(ctx, pool, a.Logger); err != nil {
		return stores{}, fmt.Errorf("migrate: %w", err)
	}
	return stores{
		sessions:   sessions.NewRepository(pool),
		signals:    signaling.NewRepository(pool),
		presence:   presence.NewRepository(pool),
		recordings: recordings.NewRepository(pool),
	}, nil
}

func (a *App) openRelay(ctx context.Context) error {
	cfg := a.Config
	if cfg.Server.RelayDriver == config.DriverMemory {
		a.Relay = relay.NewMemory(a.Logger)
		return nil
	}
	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, a.Logger)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	a.Redis = rdb
	a.closers = append(a.closers, func() { _ = rdb.Close() })
	a.Relay = relay.NewRedis(rdb.Client, a.Logger)
	a.Queue = queue.NewQueue(rdb.Client, a.Logger)
	return nil
}

func (a *App) openObjects(ctx context.Context) error {
	cfg := a.Config
	if cfg.AWS.S3Enabled() {
		s3, err := storage.NewS3(ctx, storage.S3Config{
			Region:          cfg.AWS.Region,
			AccessKeyID:     cfg.AWS.AccessKeyID,
			SecretAccessKey: cfg.AWS.SecretAccessKey,
			Bucket:          cfg.AWS.RecordingsBucket,
			Endpoint:        cfg.AWS.Endpoint,
			PresignExpire:   time.Duration(cfg.AWS.PresignExpireMinutes) * time.Minute,
		}, a.Logger)
		if err != nil {
			return fmt.Errorf("s3: %w", err)
		}
		a.Objects = s3
		return nil
	}
	local, err := storage.NewLocal(cfg.Recording.LocalDir, cfg.Recording.LocalBaseURL)
	if err != nil {
		return fmt.Errorf("local storage: %w", err)
	}
	a.Logger.Info("recordings stored on local disk", zap.String("dir", cfg.Recording.LocalDir))
	a.Objects = local
	return nil
}

// ICEServers converts the configured URLs for pion.
func (a *App) ICEServers() []webrtc.ICEServer {
	servers := make([]webrtc.ICEServer, 0, len(a.Config.WebRTC.ICEUrls))
	for _, u := range a.Config.WebRTC.ICEUrls {
		if u != "" {
			servers = append(servers, webrtc.ICEServer{URLs: []string{u}})
		}
	}
	return servers
}

// PeerFactory creates the pion negotiation factory.
func (a *App) PeerFactory() (*negotiation.PionFactory, error) {
	return negotiation.NewPionFactory(a.ICEServers(), a.Logger)
}

// Close releases connections in reverse order of opening.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
