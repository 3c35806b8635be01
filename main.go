package main

import (
	"context"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	oshttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"duet/internal/api"
	"duet/internal/auth"
	"duet/internal/chat"
	"duet/internal/commands"
	"duet/internal/config"
	"duet/internal/directory"
	"duet/internal/events"
	"duet/internal/http"
	"duet/internal/logger"
	"duet/internal/media"
	"duet/internal/presence"
	"duet/internal/storage"
	"duet/internal/tracing"
	"duet/internal/ws"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("duet", flag.ContinueOnError)
	addUser := fs.String("add-user", "", "Full name of an account to create on a running server (prints its token)")
	email := fs.String("email", "", "Email of the account created with -add-user")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*addUser != "")
	if err != nil {
		return err
	}

	if *addUser != "" {
		return commands.AddUser(*addUser, *email, cfg)
	}

	log, err := logger.NewForEnv(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	shutdownTracing, err := tracing.Setup(ctx, cfg.TracingEnabled, cfg.TracingEndpoint)
	if err != nil {
		log.Warn("failed to initialize tracing", zap.Error(err))
	} else {
		defer func() { _ = shutdownTracing(context.Background()) }()
	}

	db, err := storage.NewBboltStorage(cfg.DBFile)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	files, err := media.NewLocalFileStore(cfg.UploadsPath)
	if err != nil {
		return err
	}
	images := media.NewService(files, db, cfg.MaxImageBytes)

	authService, err := auth.NewAuthService(ctx, auth.Config{
		Secret:      base64.StdEncoding.EncodeToString([]byte(cfg.AuthSecret)),
		TokenExpiry: cfg.TokenExpiry,
	})
	if err != nil {
		return err
	}

	users := directory.New(ctx, db, log)
	registry := presence.NewRegistry(log)
	chatService := chat.New(chat.Config{
		Store:        db,
		Users:        users,
		Events:       events.NewBus(registry, log),
		Images:       images,
		Disconnector: registry,
		Logger:       log,
	})

	hub := ws.NewHub(chatService, registry, log)
	wsServer := ws.NewServer(authService, users, hub, ws.Config{
		AllowedOrigins:    cfg.FrontendURLs,
		MessagesPerSecond: cfg.WSMessagesPerSecond,
		Burst:             cfg.WSBurst,
		Keepalive: ws.Keepalive{
			PongWait:   cfg.WSPongWait,
			PingPeriod: cfg.WSPingPeriod,
		},
	}, log)

	adminServer := http.NewAdminServer(api.NewAdminHandler(users, authService, log), cfg.AdminAddr, log)
	apiServer := http.NewAPIServer(
		api.New(chatService, images, authService, log),
		authService,
		users,
		wsServer,
		http.APIConfig{
			Addr:         cfg.APIAddr,
			FrontendURLs: cfg.FrontendURLs,
			RateLimit:    cfg.RateLimitRequests,
			RateWindow:   cfg.RateLimitWindow,
		},
		log,
	)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := adminServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		err := apiServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return err
		}
		return nil
	})

	// Wait for context cancellation (signal) or a failed listener.
	g.Go(func() error {
		<-gCtx.Done()
		log.Info("Shutting down servers")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			log.Error("Admin server shutdown error", zap.Error(err))
		}
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			log.Error("API server shutdown error", zap.Error(err))
		}
		return nil
	})

	return g.Wait()
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:]); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "Application error: %v\n", err)
		os.Exit(1)
	}
}
