package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lalith-99/echolink/internal/api"
	"github.com/lalith-99/echolink/internal/auth"
	"github.com/lalith-99/echolink/internal/config"
	"github.com/lalith-99/echolink/internal/history"
	"github.com/lalith-99/echolink/internal/models"
	"github.com/lalith-99/echolink/internal/observ"
	"github.com/lalith-99/echolink/internal/repository"
	"github.com/lalith-99/echolink/internal/repository/memory"
	"github.com/lalith-99/echolink/internal/repository/redis"
	"github.com/lalith-99/echolink/internal/session"
	"github.com/lalith-99/echolink/internal/socket"
	"go.uber.org/zap"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// ---------------------------------------------------------------
	// 1. Config and logger
	// ---------------------------------------------------------------
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---------------------------------------------------------------
	// 2. REST client and access token
	//
	// The token source refreshes through the REST client, and the
	// client authenticates with the token source, so the client is
	// built first and handed its tokens afterwards.
	// ---------------------------------------------------------------
	client := history.NewClient(cfg.APIURL, nil)
	tokens := auth.NewTokenSource(cfg.AuthToken, cfg.TokenRefreshSkew, client.RefreshToken)
	client.SetTokens(tokens)

	// ---------------------------------------------------------------
	// 3. Presence store: Redis when configured, memory otherwise
	// ---------------------------------------------------------------
	var presenceRepo repository.PresenceRepository = memory.NewPresenceStore()
	if cfg.RedisURL != "" {
		rdb, err := redis.Connect(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		defer rdb.Close()
		presenceRepo = redis.NewPresenceStore(rdb)
	}

	// ---------------------------------------------------------------
	// 4. Socket and session
	// ---------------------------------------------------------------
	transport := socket.New(socket.Options{
		URL:          cfg.SocketURL,
		Tokens:       tokens,
		ReconnectMin: cfg.ReconnectMin,
		ReconnectMax: cfg.ReconnectMax,
		Logger:       logger,
	})

	sess := session.New(session.Deps{
		Config:    cfg,
		Transport: transport,
		History:   client,
		Presence:  presenceRepo,
		Logger:    logger,
	})
	sess.OnNotice(func(n models.Notice) {
		logger.Info("notice",
			zap.String("level", string(n.Level)),
			zap.String("room_id", n.RoomID),
			zap.String("message", n.Message),
		)
	})
	if err := sess.Start(ctx); err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer sess.Close()

	// ---------------------------------------------------------------
	// 5. Control API
	// ---------------------------------------------------------------
	srv := &http.Server{
		Addr:              "127.0.0.1:" + cfg.ControlPort,
		Handler:           api.NewRouter(sess, cfg.ControlSecret, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Info("starting echolink",
		zap.String("user_id", cfg.UserID),
		zap.String("socket_url", cfg.SocketURL),
		zap.String("control_addr", srv.Addr),
		zap.String("env", cfg.Env),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("control api: %w", err)
		}
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown control api: %w", err)
	}
	return nil
}
