package main

import (
	"context"
	"errors"
	"flag"
	"log"
	oshttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"quad/internal/auth"
	"quad/internal/chat"
	"quad/internal/commands"
	"quad/internal/config"
	"quad/internal/http"
	"quad/internal/presence"
	"quad/internal/pubsub"
	"quad/internal/push"
	"quad/internal/storage"

	"golang.org/x/sync/errgroup"
)

func run(ctx context.Context, addUser, displayName string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	if addUser != "" {
		return commands.AddUser(addUser, displayName, cfg)
	}

	store, err := storage.NewBboltStorage(cfg.DBFile)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	authService := auth.NewService(ctx, store, cfg.TokenExpiry)
	broker := pubsub.NewBroker()
	tracker := presence.NewTracker(broker, cfg.PresenceTTL)
	pushService := push.NewService(store, cfg.VAPIDPublicKey, cfg.VAPIDPrivateKey, cfg.PushContact)

	chatService := chat.NewService(ctx, chat.Config{
		Store:             store,
		Broker:            broker,
		Presence:          tracker,
		Push:              pushService,
		MaxMessageBytes:   cfg.MaxMessageBytes,
		IdempotencyWindow: cfg.IdempotencyWindow,
	})

	adminServer := http.NewAdminServer(authService, cfg.AdminAddr)
	apiServer := http.NewAPIServer(authService, chatService, store, broker, tracker, pushService, cfg.APIAddr)

	g, gCtx := errgroup.WithContext(ctx)

	// Reap presence entries whose heartbeat stopped.
	g.Go(func() error {
		if err := tracker.Run(gCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	// Start Admin Server
	g.Go(func() error {
		err := adminServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return err
		}
		return nil
	})

	// Start API Server
	g.Go(func() error {
		err := apiServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return err
		}
		return nil
	})

	// Wait for context cancellation (signal)
	g.Go(func() error {
		<-gCtx.Done()
		log.Println("Shutting down servers...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("Admin server shutdown error: %v", err)
		}
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("API server shutdown error: %v", err)
		}
		return nil
	})

	return g.Wait()
}

func main() {
	addUser := flag.String("add-user", "", "Username to create (mints an API token and prints it)")
	displayName := flag.String("display-name", "", "Display name for -add-user (defaults to the username)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *addUser, *displayName); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Application error: %v", err)
	}
}
