// Command chatd keeps a chat session synchronized, archives and relays its events.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/chatsync/internal/archive"
	"github.com/and161185/chatsync/internal/config"
	"github.com/and161185/chatsync/internal/credential"
	"github.com/and161185/chatsync/internal/crypto/archivecrypto"
	"github.com/and161185/chatsync/internal/migrate"
	"github.com/and161185/chatsync/internal/relay"
	"github.com/and161185/chatsync/internal/repository/postgres"
	grpcserver "github.com/and161185/chatsync/internal/server/grpc"
	"github.com/and161185/chatsync/internal/service"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

func main() {
	cfgName := flag.String("config", "chatsync", "config file name without extension")
	token := flag.String("token", "", "bearer credential (overrides config and stored token)")
	dev := flag.Bool("dev", false, "development logging and grpc reflection")
	flag.Parse()

	boot, _ := zap.NewProduction()
	cfg, err := config.Load(boot, *cfgName)
	if err != nil {
		boot.Fatal("load config", zap.Error(err))
	}
	if *dev {
		cfg.Log.Dev = true
	}

	logger := newLogger(cfg.Log.Dev)
	defer func() { _ = logger.Sync() }()
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("baseURL", cfg.BaseURL),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *token, logger); err != nil {
		logger.Error("chatd failed", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func newLogger(dev bool) *zap.Logger {
	var (
		l   *zap.Logger
		err error
	)
	if dev {
		l, err = zap.NewDevelopment()
	} else {
		l, err = zap.NewProduction()
	}
	if err != nil {
		return zap.NewNop()
	}
	return l
}

// run wires the engine with its optional sinks and blocks until ctx is done.
func run(ctx context.Context, cfg *config.Config, token string, logger *zap.Logger) error {
	cred := credential.Chain{
		credential.Static(token),
		credential.Static(cfg.Token),
		credential.NewFileStore(credential.DefaultDir()),
	}

	engine, err := service.NewEngine(service.Options{Config: cfg, Credential: cred, Logger: logger})
	if err != nil {
		return err
	}
	engine.Subscribe(logEvents(logger))

	var sink *archive.Sink
	if cfg.Archive.DSN != "" {
		db, s, err := openArchive(ctx, cfg, cred, logger)
		if err != nil {
			return err
		}
		defer db.Close()
		sink = s
	}

	pub, err := openPublisher(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = pub.Close() }()

	// workers drain after the engine stops and before their backends close
	var workers sync.WaitGroup
	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer func() {
		cancelWork()
		workers.Wait()
	}()

	if sink != nil {
		engine.Subscribe(sink.Observe)
		workers.Add(1)
		go func() {
			defer workers.Done()
			sink.Run(workCtx)
		}()
	}

	rel := relay.New(pub, cfg.Relay.Queue, logger)
	engine.Subscribe(rel.Observe)
	workers.Add(1)
	go func() {
		defer workers.Done()
		rel.Run(workCtx)
	}()

	health := grpcserver.NewHealth(logger)
	engine.Subscribe(health.Observe)
	if cfg.Health.Addr != "" {
		lis, err := net.Listen("tcp", cfg.Health.Addr)
		if err != nil {
			return fmt.Errorf("health listen: %w", err)
		}
		srv := grpcserver.NewServer(logger, health, cfg.Log.Dev)
		go func() {
			logger.Info("health listening", zap.String("addr", cfg.Health.Addr))
			if err := srv.Serve(lis); err != nil {
				logger.Warn("health server stopped", zap.Error(err))
			}
		}()
		defer gracefulStop(srv.GracefulStop, srv.Stop)
	}

	if err := engine.Connect(ctx, ""); err != nil {
		if service.IsFatal(err) {
			return fmt.Errorf("connect: %w (run `cli login -token ...` or set CHATSYNC_TOKEN)", err)
		}
		logger.Warn("initial connect failed, reconnecting in background", zap.Error(err))
	}

	<-ctx.Done()
	health.Shutdown()
	engine.Disconnect()
	return nil
}

func gracefulStop(graceful, hard func()) {
	done := make(chan struct{})
	go func() {
		graceful()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		hard()
	}
}

func openArchive(ctx context.Context, cfg *config.Config, cred credential.Accessor, logger *zap.Logger) (*postgres.DB, *archive.Sink, error) {
	if cfg.Archive.Secret == "" {
		return nil, nil, errors.New("archive.secret is required when archive.dsn is set")
	}
	tok, err := cred.Token(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("archive needs the account identity: %w", err)
	}
	master, err := archivecrypto.DeriveMaster(cfg.Archive.Secret, credential.ParseIdentity(tok).Username)
	if err != nil {
		return nil, nil, err
	}
	sealer, err := archivecrypto.NewSealer(master)
	if err != nil {
		return nil, nil, err
	}

	if err := migrate.Up(ctx, cfg.Archive.DSN); err != nil {
		return nil, nil, err
	}
	db, err := postgres.New(ctx, cfg.Archive.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("archive pool: %w", err)
	}
	sink := archive.NewSink(postgres.NewArchiveRepo(db), sealer, archive.Options{}, logger)
	if n, err := sink.Count(ctx); err == nil {
		logger.Info("archive ready", zap.Int64("messages", n))
	}
	return db, sink, nil
}

func openPublisher(ctx context.Context, cfg *config.Config, logger *zap.Logger) (relay.Publisher, error) {
	if cfg.Relay.URL == "" {
		return relay.LogPublisher{Logger: logger.Named("relay")}, nil
	}
	return relay.Dial(ctx, relay.DialOptions{
		URL:       cfg.Relay.URL,
		Exchange:  cfg.Relay.Exchange,
		Retries:   cfg.Notifications.Retries,
		RetryBase: cfg.Notifications.RetryBase,
		Logger:    logger,
	})
}
