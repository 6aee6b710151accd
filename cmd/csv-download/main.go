package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/heliotrack/heliotrack/pkg/download"
	"github.com/heliotrack/heliotrack/pkg/log"
	"github.com/heliotrack/heliotrack/pkg/monitor"
	"github.com/heliotrack/heliotrack/pkg/storage"
	"github.com/heliotrack/heliotrack/pkg/types"

	"github.com/joho/godotenv"
	"github.com/levenlabs/go-lflag"
	"github.com/oklog/ulid/v2"
)

const stage = "csv-download"

func main() {
	// .env is optional; real environment and flags win.
	_ = godotenv.Load()

	client := monitor.Configured()
	db := storage.Configured()
	dl := download.Configured(client, db)
	limit := lflag.Int("download-limit", 0, "maximum sites to export, 0 for all")
	log.Configured()
	lflag.Configure()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	runID := ulid.Make().String()
	ctx = log.With(ctx, log.Ctx(ctx).With(
		slog.String("runID", runID),
		slog.String("stage", stage),
	))

	defer func() {
		if err := db.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close storage", "error", err)
		}
	}()

	started := time.Now().UTC()
	sum, runErr := dl.Run(ctx, *limit)

	record := types.RunRecord{
		ID:         runID,
		Stage:      stage,
		StartedAt:  started,
		FinishedAt: time.Now().UTC(),
		Summary:    sum,
	}
	if runErr != nil {
		record.Error = runErr.Error()
	}
	// Record even interrupted runs; the run context may already be
	// canceled at this point.
	if err := db.RecordRun(context.WithoutCancel(ctx), record); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to record run", "error", err)
	}

	if runErr != nil {
		log.Ctx(ctx).ErrorContext(ctx, "download failed", "error", runErr)
		os.Exit(1)
	}
}
