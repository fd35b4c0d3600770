package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"chattr/internal/attachments"
	"chattr/internal/auth"
	"chattr/internal/blob"
	"chattr/internal/client"
	"chattr/internal/commands"
	"chattr/internal/config"
	"chattr/internal/friends"
	"chattr/internal/http"
	"chattr/internal/notify"
	"chattr/internal/store"
	"chattr/internal/ws"
)

func run(ctx context.Context, addUser string) error {
	cfg, err := config.Load(addUser != "")
	if err != nil {
		return err
	}

	if addUser != "" {
		return commands.AddUser(ctx, addUser, cfg)
	}

	st, err := store.NewBbolt(cfg.DBFile)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	blobs, err := blob.NewLocal(cfg.UploadsPath, cfg.BaseURL, cfg.URLSignSecret)
	if err != nil {
		return err
	}

	resolver := attachments.NewResolver(ctx, blobs, cfg.SignedURLTTL)
	authService := auth.NewService(ctx, auth.Config{TokenExpiry: cfg.TokenExpiry}, st)
	friendsService := friends.NewService(st)

	sessions := client.NewRegistry(st, blobs, resolver, authService, friendsService, client.Options{
		MaxUploadSize: cfg.MaxUploadSize,
	})
	defer sessions.Close()

	hub := ws.NewHub(st, st, friendsService)

	pushConfig := notify.Config{
		VAPIDPublicKey:  cfg.VAPIDPublicKey,
		VAPIDPrivateKey: cfg.VAPIDPrivateKey,
		Subject:         cfg.VAPIDSubject,
	}
	notifier := notify.New(pushConfig, st, hub)

	apiServer := http.NewAPIServer(cfg, authService, sessions, notifier, hub, blobs)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return apiServer.Start()
	})

	g.Go(func() error {
		return hub.Run(gCtx)
	})

	if pushConfig.Enabled() {
		g.Go(func() error {
			return notifier.Run(gCtx)
		})
	} else {
		slog.Info("web push disabled, VAPID keys not configured")
	}

	// Wait for context cancellation (signal)
	g.Go(func() error {
		<-gCtx.Done()
		slog.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
		return nil
	})

	return g.Wait()
}

func main() {
	addUser := flag.String("add-user", "", "Username to create (creates user with random password and prints details)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *addUser); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Application error: %v", err)
	}
}
