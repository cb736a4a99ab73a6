// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Ingest License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package server monta e executa o servidor de ingestão (ningest-server).
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/nishisan-dev/n-ingest/internal/auth"
	"github.com/nishisan-dev/n-ingest/internal/config"
	"github.com/nishisan-dev/n-ingest/internal/httpapi"
	"github.com/nishisan-dev/n-ingest/internal/ingest"
	"github.com/nishisan-dev/n-ingest/internal/offload"
	"github.com/nishisan-dev/n-ingest/internal/progress"
)

// statsInterval é o período do log de estatísticas operacionais.
const statsInterval = 15 * time.Second

// Run monta as dependências e bloqueia até o context ser cancelado.
func Run(ctx context.Context, cfg *config.ServerConfig, logger *slog.Logger) error {
	ln, err := net.Listen("tcp", cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Server.Listen, err)
	}
	return RunWithListener(ctx, ln, cfg, logger)
}

// RunWithListener executa o servidor sobre um listener já aberto (testes).
func RunWithListener(ctx context.Context, ln net.Listener, cfg *config.ServerConfig, logger *slog.Logger) error {
	bus := progress.NewBus(progress.BusOptions{
		SubscriberBuffer: cfg.Push.SubscriberBuffer,
		EventRingSize:    cfg.Push.EventRingSize,
		ActiveTTL:        cfg.Uploads.SessionTTL,
	}, logger)

	store, err := ingest.NewChunkStore(cfg.Uploads.Path, cfg.Uploads.ChunkCompression, logger)
	if err != nil {
		return fmt.Errorf("creating chunk store: %w", err)
	}

	orch := ingest.NewOrchestrator(bus, logger)
	defer orch.Close()

	recovery := ingest.NewRecoveryController(cfg.Retry.Base, cfg.Retry.Max, cfg.Retry.MaxAttempts, bus, logger)
	defer recovery.Stop()

	manager := ingest.NewManager(ingest.ManagerOptions{
		UploadsPath:   cfg.Uploads.Path,
		ChunkSize:     cfg.Uploads.ChunkSize,
		MaxChunks:     cfg.Uploads.MaxChunks,
		ChunkTimeout:  cfg.Uploads.ChunkTimeout,
		SessionTTL:    cfg.Uploads.SessionTTL,
		Checksum:      cfg.Uploads.Checksum,
		MaxSessionBps: cfg.Uploads.MaxSessionMBps * 1024 * 1024,
		DiskGuard:     diskGuard(cfg.Uploads.Path, cfg.Uploads.DiskMaxUsedPercent),
	}, store, bus, orch, recovery, logger)

	if cfg.Offload.Enabled {
		off, err := offload.New(ctx, offload.Options{
			Bucket:    cfg.Offload.Bucket,
			Prefix:    cfg.Offload.Prefix,
			Region:    cfg.Offload.Region,
			Endpoint:  cfg.Offload.Endpoint,
			AccessKey: cfg.Offload.AccessKey,
			SecretKey: cfg.Offload.SecretKey,
		})
		if err != nil {
			return fmt.Errorf("configuring offload: %w", err)
		}
		orch.RegisterHandler(ingest.StageStorage, ingest.StageHandlerFunc(
			func(ctx context.Context, sc ingest.StageContext) error {
				return off.Upload(ctx, sc.OwnerID, sc.FileID, sc.FilePath)
			}))
		logger.Info("s3 offload enabled", "bucket", cfg.Offload.Bucket)
	}

	verifier, err := auth.NewVerifier(cfg.Auth.JWTSecret)
	if err != nil {
		return fmt.Errorf("configuring auth: %w", err)
	}

	handler := httpapi.NewHandler(manager, bus, verifier,
		cfg.Server.PathPrefix, cfg.Uploads.MaxChunkBytes, diskReporter(cfg.Uploads.Path), logger)

	// Sweep periódico de sessões expiradas
	sweeper := cron.New()
	if _, err := sweeper.AddFunc(fmt.Sprintf("@every %s", cfg.Uploads.SweepInterval), func() {
		if n := manager.Sweep(time.Now()); n > 0 {
			logger.Info("session sweep", "swept", n)
		}
	}); err != nil {
		return fmt.Errorf("scheduling sweep: %w", err)
	}
	sweeper.Start()
	defer sweeper.Stop()

	// Log periódico de estatísticas
	go func() {
		ticker := time.NewTicker(statsInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats := manager.Stats()
				if stats.ActiveSessions > 0 {
					logger.Info("ingest stats", "active", stats.ActiveSessions,
						"chunks", stats.ChunksReceived, "bytes", stats.BytesReceived,
						"completed", stats.SessionsCompleted, "failed", stats.SessionsFailed)
				}
			}
		}
	}()

	srv := &http.Server{
		Handler:      handler.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("graceful shutdown failed", "error", err)
		}
	}()

	logger.Info("server listening", "address", ln.Addr().String(), "prefix", cfg.Server.PathPrefix)
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving: %w", err)
	}
	logger.Info("server shutdown complete")
	return nil
}

// diskGuard recusa bytes novos quando a ocupação do volume de uploads
// ultrapassa a marca d'água configurada. maxUsedPercent 0 desativa a guarda.
func diskGuard(path string, maxUsedPercent float64) ingest.DiskGuard {
	if maxUsedPercent <= 0 {
		return nil
	}
	return func() error {
		usage, err := disk.Usage(path)
		if err != nil {
			// Falha ao medir não bloqueia a ingestão
			return nil
		}
		if usage.UsedPercent >= maxUsedPercent {
			return fmt.Errorf("disk usage %.1f%% above watermark %.1f%%", usage.UsedPercent, maxUsedPercent)
		}
		return nil
	}
}

// diskReporter alimenta o endpoint de métricas com a ocupação do volume.
func diskReporter(path string) httpapi.DiskInfo {
	return func() (float64, uint64, error) {
		usage, err := disk.Usage(path)
		if err != nil {
			return 0, 0, err
		}
		return usage.UsedPercent, usage.Free, nil
	}
}
