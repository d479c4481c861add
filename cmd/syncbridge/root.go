package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/syncbridge/internal/activity"
	"github.com/hyperengineering/syncbridge/internal/api"
	"github.com/hyperengineering/syncbridge/internal/blob"
	"github.com/hyperengineering/syncbridge/internal/config"
	"github.com/hyperengineering/syncbridge/internal/job"
	"github.com/hyperengineering/syncbridge/internal/objects"
	"github.com/hyperengineering/syncbridge/internal/pull"
	"github.com/hyperengineering/syncbridge/internal/push"
	"github.com/hyperengineering/syncbridge/internal/remote"
	"github.com/hyperengineering/syncbridge/internal/store"
	"github.com/hyperengineering/syncbridge/internal/webhook"
)

// Version is set at build time via ldflags: -ldflags "-X main.Version=1.0.0"
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "syncbridge",
	Short: "SyncBridge - bidirectional record synchronization engine",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	// 1. Signal handling
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	// 2. Load configuration
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// 3. Initialize logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Log.Level),
	}))
	slog.SetDefault(logger)
	slog.Info("logger initialized", "level", cfg.Log.Level)

	// 4. Initialize store (migrations, WAL mode for sqlite)
	db, err := store.Open(cfg.Database.Driver, cfg.Database.Path, cfg.Database.DSN)
	if err != nil {
		return err
	}
	slog.Info("store initialized", "driver", cfg.Database.Driver)

	// 5. Object type registry
	registry, err := objects.NewRegistry()
	if err != nil {
		return err
	}
	slog.Info("object registry initialized", "types", registry.Keys())

	// 6. Remote client bound to the server's own token
	client := remote.NewHTTPClient(remote.HTTPClientOptions{
		BaseURL:       cfg.Remote.BaseURL,
		TokenProvider: remote.StaticToken(cfg.Remote.Token),
		UserAgent:     "syncbridge/" + Version,
		CallTimeout:   time.Duration(cfg.Remote.CallTimeout),
	})

	// 7. Activity recorder + durable job runtime
	recorder := activity.NewRecorder(db, cfg.Activity.QueueSize)
	runtime := job.NewRuntime(db, cfg.Remote.MaxAttempts, time.Duration(cfg.Remote.BaseBackoff))

	// 8. Pipelines. The pull pipeline builds a per-event client because the
	// trigger event carries its own token.
	clients := func(token string) remote.Client {
		return remote.NewHTTPClient(remote.HTTPClientOptions{
			BaseURL:       cfg.Remote.BaseURL,
			TokenProvider: remote.StaticToken(token),
			UserAgent:     "syncbridge/" + Version,
			CallTimeout:   time.Duration(cfg.Remote.CallTimeout),
		})
	}
	pulls := pull.New(db, clients, recorder, runtime, cfg.Pull.MaxRecords)
	pushes := push.New(db, client, recorder, registry)

	// 9. Blob storage for the document side channel
	uploader, err := blob.NewUploader(cfg.Blob)
	if err != nil {
		return err
	}

	// 10. HTTP router
	handler := api.NewHandler(api.HandlerOptions{
		Store:       db,
		Push:        pushes,
		Pull:        pulls,
		Client:      client,
		Registry:    registry,
		Activities:  recorder,
		Uploader:    uploader,
		APIKey:      cfg.Auth.APIKey,
		RemoteToken: cfg.Remote.Token,
		Version:     Version,
	})
	webhooks, err := webhook.NewHandler(db, recorder)
	if err != nil {
		return err
	}
	router := api.NewRouter(handler, webhooks, cfg.Auth.WebhookSecret)

	// 11. Configure HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout),
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout),
	}

	// 12. Worker lifecycle
	var wg sync.WaitGroup
	startWorker(ctx, &wg, "activity-recorder", recorder.Run)

	// 13. Start HTTP server in goroutine
	go func() {
		slog.Info("server starting", "address", addr)
		// ErrServerClosed is the expected error when Shutdown() is called
		// gracefully; anything else is a real failure.
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	// 14. Block until signal received
	<-ctx.Done()
	slog.Info("shutdown initiated")

	// 15. Graceful shutdown sequence
	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.Server.ShutdownTimeout))
	defer shutdownCancel()

	// 15a. Stop HTTP server (drains in-flight requests)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	// 15b. Wait for workers; the recorder drains its queue on cancel
	wg.Wait()

	// 15c. Close store
	if err := db.Close(); err != nil {
		slog.Error("store close error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// startWorker launches a background worker goroutine that respects context
// cancellation. Workers are tracked via WaitGroup for graceful shutdown.
func startWorker(ctx context.Context, wg *sync.WaitGroup, name string, fn func(ctx context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("worker started", "worker", name)
		fn(ctx)
		slog.Info("worker stopped", "worker", name)
	}()
}
