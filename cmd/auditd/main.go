package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/segmentio/kafka-go"

	"github.com/example/iolta-ledger/internal/audit"
	"github.com/example/iolta-ledger/internal/config"
)

// auditd consumes mirrored audit entries from Kafka and archives them to
// SQLite. The archive is a secondary, queryable copy; the authoritative log
// lives in the primary store.
func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if len(cfg.KafkaBrokers) == 0 {
		logger.Error("KAFKA_BROKERS is required")
		os.Exit(1)
	}

	archive, err := audit.OpenArchive(cfg.AuditDBPath)
	if err != nil {
		logger.Error("failed to open audit archive", "error", err)
		os.Exit(1)
	}
	defer archive.Close()

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: cfg.KafkaBrokers,
		Topic:   cfg.KafkaTopic,
		GroupID: "auditd",
	})
	defer reader.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("auditd consuming", "topic", cfg.KafkaTopic, "db", cfg.AuditDBPath)

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				logger.Info("auditd shutting down")
				return
			}
			logger.Error("fetch failed", "error", err)
			continue
		}

		var entry audit.Entry
		if err := json.Unmarshal(msg.Value, &entry); err != nil {
			// A malformed message will never parse on retry; log and skip.
			logger.Error("malformed audit message", "offset", msg.Offset, "error", err)
		} else if err := archive.Append(ctx, &entry); err != nil {
			logger.Error("archive append failed", "entry_id", entry.ID, "error", err)
			continue
		}

		if err := reader.CommitMessages(ctx, msg); err != nil {
			logger.Error("commit failed", "offset", msg.Offset, "error", err)
		}
	}
}
