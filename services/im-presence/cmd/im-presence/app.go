package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sony/sonyflake"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"yuim/libs/core-push-go/pkg/producer"
	redisstore "yuim/libs/core-push-go/pkg/store/redis"
	"yuim/libs/core-push-go/pkg/store/storeiface"
	"yuim/services/im-presence/internal/auth"
	"yuim/services/im-presence/internal/breaker"
	"yuim/services/im-presence/internal/chat"
	"yuim/services/im-presence/internal/config"
	"yuim/services/im-presence/internal/datagram"
	"yuim/services/im-presence/internal/db"
	"yuim/services/im-presence/internal/fanout"
	"yuim/services/im-presence/internal/httpapi"
	"yuim/services/im-presence/internal/ingest"
	"yuim/services/im-presence/internal/metrics"
	"yuim/services/im-presence/internal/progress"
	"yuim/services/im-presence/internal/registry"
	"yuim/services/im-presence/internal/repo"
	"yuim/services/im-presence/internal/stream"
	"yuim/services/im-presence/internal/titlecache"
)

const shutdownTimeout = 10 * time.Second

type app struct {
	cfg *config.Config
	log *zap.Logger

	reg      *registry.Registry
	fan      *fanout.Engine
	mirror   *progress.Mirror
	stream   *stream.Server
	datagram *datagram.Server
	consumer *ingest.Consumer
	http     *http.Server

	closers []func() error
}

func build(ctx context.Context, cfg *config.Config, log *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	a.reg = registry.New()
	onChange := func() { metrics.ObserveRegistry(a.reg.Counts()) }
	a.fan = fanout.New(a.reg, log, fanout.Options{Partitions: cfg.Fanout.Partitions, QueueSize: cfg.Fanout.QueueSize})

	sfs := sonyflake.Settings{}
	if cfg.NodeID != 0 {
		id := cfg.NodeID
		sfs.MachineID = func() (uint16, error) { return id, nil }
	}
	ids := sonyflake.NewSonyflake(sfs)
	if ids == nil {
		return nil, errors.New("sonyflake init failed (set node_id when no private IP is available)")
	}

	var rds *redisstore.Store
	if cfg.Redis.On() {
		s, err := redisstore.New(cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		a.closers = append(a.closers, s.Close)
		pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err = s.Ping(pctx)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		rds = s
	}

	var mysql *db.MySQL
	if cfg.MySQL.DSN != "" {
		m, err := db.Open(ctx, db.Options{DSN: cfg.MySQL.DSN, MaxOpenConns: cfg.MySQL.MaxOpenConns, MaxIdleConns: cfg.MySQL.MaxIdleConns})
		if err != nil {
			return nil, fmt.Errorf("mysql: %w", err)
		}
		a.closers = append(a.closers, m.Close)
		if err := repo.Migrate(ctx, m.DB); err != nil {
			return nil, fmt.Errorf("mysql migrate: %w", err)
		}
		mysql = m
	}

	validator, err := newValidator(cfg, rds)
	if err != nil {
		return nil, err
	}

	var store storeiface.ProgressStore
	switch cfg.Progress.Store {
	case config.StoreRedis:
		store = rds
	case config.StoreMySQL:
		store = repo.NewProgressRepo(mysql.DB)
	default:
		log.Warn("progress store is in-memory; records are lost on restart")
		store = progress.NewMemoryStore()
	}

	authz := auth.AllowAll()
	if cfg.Progress.RequireLibrary {
		authz = repo.NewLibraryRepo(mysql.DB)
	}

	var titles *titlecache.Cache
	if mysql != nil {
		titles = titlecache.New(repo.NewMangaRepo(mysql.DB), titlecache.Options{
			TTL:      cfg.TitleCache.TTL,
			MaxSize:  cfg.TitleCache.MaxSize,
			NotFound: repo.ErrNotFound,
			Log:      log,
		})
	}

	brk := breaker.New(breaker.Options{
		Threshold: cfg.Breaker.Threshold,
		Window:    cfg.Breaker.Window,
		OpenFor:   cfg.Breaker.OpenFor,
		OnOpen: func(key string) {
			metrics.BreakerOpen.WithLabelValues(key).Inc()
			log.Warn("breaker open", zap.String("key", key))
		},
	})

	if cfg.Progress.Mirror {
		prod, err := producer.NewRocketMQ(cfg.RocketMQ)
		if err != nil {
			return nil, fmt.Errorf("rocketmq producer: %w", err)
		}
		a.closers = append(a.closers, prod.Close)
		a.mirror = progress.NewMirror(prod, log, progress.MirrorOptions{})
	}

	pd := progress.Deps{
		Store:   store,
		Authz:   authz,
		Pub:     a.fan,
		IDs:     ids,
		Breaker: brk,
		Mirror:  a.mirror,
		Log:     log,
	}
	if titles != nil {
		pd.Titles = titles
	}
	svc := progress.NewService(pd, progress.Options{
		PersistRetries: cfg.Progress.PersistRetries,
		RetryBase:      cfg.Progress.RetryBase,
		RetryMax:       cfg.Progress.RetryMax,
	})

	rooms := chat.NewRouter(a.reg, a.fan, ids, nil, log, chat.Options{MaxBody: cfg.Chat.MaxBody, MaxRooms: cfg.Chat.MaxRooms})

	a.stream = stream.NewServer(stream.Config{
		AuthTimeout:  cfg.Stream.AuthTimeout,
		PingInterval: cfg.Stream.PingInterval,
		PongTimeout:  cfg.Stream.PongTimeout,
		WriteTimeout: cfg.Stream.WriteTimeout,
		SendBuffer:   cfg.Stream.SendBuffer,
		MaxFrame:     cfg.Stream.MaxFrame,
		RateLimit:    cfg.Stream.RateLimit,
		RateBurst:    cfg.Stream.RateBurst,
		TokenHeader:  cfg.Auth.Header,
		BearerPrefix: cfg.Auth.BearerPrefix,
		TokenQuery:   cfg.Auth.QueryKey,
	}, stream.Deps{
		Validator:        validator,
		Registry:         a.reg,
		Progress:         svc,
		Chat:             rooms,
		Log:              log,
		OnRegistryChange: onChange,
	})

	a.datagram = datagram.NewServer(datagram.Config{
		TTL:           cfg.Datagram.TTL,
		SweepInterval: cfg.Datagram.SweepInterval,
		AuthTimeout:   cfg.Datagram.AuthTimeout,
		Workers:       cfg.Datagram.Workers,
		QueueSize:     cfg.Datagram.QueueSize,
		Retries:       cfg.Datagram.Retries,
		RetryBase:     cfg.Datagram.RetryBase,
		RetryMax:      cfg.Datagram.RetryMax,
		MaxPending:    cfg.Datagram.MaxPending,
	}, datagram.Deps{
		Validator:        validator,
		Registry:         a.reg,
		Log:              log,
		OnRegistryChange: onChange,
	})

	id := ingest.Deps{Pub: a.fan, IDs: ids, Log: log}
	if rds != nil {
		id.Dedupe = rds
	}
	if titles != nil {
		id.Titles = titles
	}
	chapters := ingest.NewHandler(id, ingest.Options{DedupeTTL: cfg.Ingest.DedupeTTL})
	if cfg.RocketMQ.On() {
		c, err := ingest.NewConsumer(cfg.RocketMQ, chapters, log)
		if err != nil {
			return nil, fmt.Errorf("rocketmq consumer: %w", err)
		}
		a.consumer = c
	}

	a.http = &http.Server{
		Addr: cfg.HTTP.Addr,
		Handler: httpapi.NewRouter(httpapi.Deps{
			WS:       http.HandlerFunc(a.stream.ServeWS),
			Presence: a.reg,
			Ingest:   chapters,
			Log:      log,
		}),
		ReadHeaderTimeout: 2 * time.Second,
	}

	ok = true
	return a, nil
}

func newValidator(cfg *config.Config, rds *redisstore.Store) (auth.TokenValidator, error) {
	var v auth.TokenValidator
	if cfg.Auth.Secret != "" {
		jv, err := auth.NewJWTValidator(cfg.Auth.Secret)
		if err != nil {
			return nil, err
		}
		v = jv
	} else {
		tokens := make(map[string]auth.Identity, len(cfg.Auth.Static))
		for tok, u := range cfg.Auth.Static {
			tokens[tok] = auth.Identity{UserID: u.UserID, Username: u.Username}
		}
		v = auth.NewStaticValidator(tokens)
	}
	if cfg.Auth.SessionCheck {
		v = auth.NewSessionCheck(v, rds)
	}
	return v, nil
}

// run serves every listener until ctx is cancelled or one of them fails, then
// shuts everything down in reverse dependency order.
func (a *app) run(ctx context.Context) error {
	a.fan.Start()
	if a.mirror != nil {
		a.mirror.Start()
	}
	if a.consumer != nil {
		if err := a.consumer.Start(); err != nil {
			a.shutdown()
			return fmt.Errorf("rocketmq consumer start: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	if addr := a.cfg.Stream.Addr; addr != "" {
		g.Go(func() error {
			if err := a.stream.ListenAndServe(addr); !errors.Is(err, stream.ErrServerClosed) {
				return fmt.Errorf("stream: %w", err)
			}
			return nil
		})
	}
	if addr := a.cfg.Datagram.Addr; addr != "" {
		g.Go(func() error {
			if err := a.datagram.ListenAndServe(addr); !errors.Is(err, datagram.ErrServerClosed) {
				return fmt.Errorf("datagram: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		a.log.Info("http listening", zap.String("addr", a.http.Addr))
		if err := a.http.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.shutdown()
		return nil
	})
	return g.Wait()
}

func (a *app) shutdown() {
	a.log.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if a.consumer != nil {
		if err := a.consumer.Shutdown(); err != nil {
			a.log.Warn("rocketmq consumer shutdown", zap.Error(err))
		}
	}
	if err := a.http.Shutdown(ctx); err != nil {
		a.log.Warn("http shutdown", zap.Error(err))
	}
	if err := a.stream.Shutdown(ctx); err != nil {
		a.log.Warn("stream shutdown", zap.Error(err))
	}
	if err := a.datagram.Shutdown(ctx); err != nil {
		a.log.Warn("datagram shutdown", zap.Error(err))
	}
	a.fan.Stop()
	if a.mirror != nil {
		a.mirror.Stop()
	}
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn("close", zap.Error(err))
		}
	}
	a.closers = nil
}
