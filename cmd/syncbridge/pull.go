package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/syncbridge/internal/activity"
	"github.com/hyperengineering/syncbridge/internal/config"
	"github.com/hyperengineering/syncbridge/internal/job"
	"github.com/hyperengineering/syncbridge/internal/pull"
	"github.com/hyperengineering/syncbridge/internal/remote"
	"github.com/hyperengineering/syncbridge/internal/store"
	"github.com/hyperengineering/syncbridge/internal/types"
)

var (
	pullUserID    string
	pullSyncID    string
	pullActionKey string
	pullToken     string
)

var pullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Run one pull for a sync and exit",
	Long:  "Triggers the batch import pipeline for a single sync without running the server.",
	RunE:  runPull,
}

func init() {
	pullCmd.Flags().StringVar(&pullUserID, "user", "default", "User id owning the sync")
	pullCmd.Flags().StringVar(&pullSyncID, "sync", "", "Sync id to pull (required)")
	pullCmd.Flags().StringVar(&pullActionKey, "action", "", "Remote list action key (required)")
	pullCmd.Flags().StringVar(&pullToken, "token", "", "Remote token override (defaults to SYNCBRIDGE_REMOTE_TOKEN)")
	_ = pullCmd.MarkFlagRequired("sync")
	_ = pullCmd.MarkFlagRequired("action")
}

func runPull(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Log.Level),
	})))

	db, err := store.Open(cfg.Database.Driver, cfg.Database.Path, cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer db.Close()

	token := pullToken
	if token == "" {
		token = cfg.Remote.Token
	}

	clients := func(token string) remote.Client {
		return remote.NewHTTPClient(remote.HTTPClientOptions{
			BaseURL:       cfg.Remote.BaseURL,
			TokenProvider: remote.StaticToken(token),
			UserAgent:     "syncbridge/" + Version,
			CallTimeout:   time.Duration(cfg.Remote.CallTimeout),
		})
	}

	recorder := activity.NewRecorder(db, cfg.Activity.QueueSize)
	runtime := job.NewRuntime(db, cfg.Remote.MaxAttempts, time.Duration(cfg.Remote.BaseBackoff))
	pulls := pull.New(db, clients, recorder, runtime, cfg.Pull.MaxRecords)

	// Drain the recorder alongside the pull; cancel once the run returns.
	ctx, cancel := context.WithCancel(cmd.Context())
	done := make(chan struct{})
	go func() {
		recorder.Run(ctx)
		close(done)
	}()

	sy, err := db.GetSync(ctx, pullUserID, pullSyncID)
	if err != nil {
		cancel()
		<-done
		return fmt.Errorf("resolve sync: %w", err)
	}

	result, runErr := pulls.Run(ctx, types.PullEvent{
		UserID:         pullUserID,
		Token:          token,
		IntegrationKey: sy.IntegrationKey,
		ActionKey:      pullActionKey,
		SyncID:         pullSyncID,
	})

	cancel()
	<-done

	if runErr != nil {
		return runErr
	}
	return json.NewEncoder(os.Stdout).Encode(result)
}
