package service

import (
	"context"
	"os"
	"time"

	"go.uber.org/zap"
)

// Sweeper runs ArchiveExpired for every tenant on a fixed interval.
type Sweeper struct {
	svc      *Service
	interval time.Duration
	logger   *zap.Logger
}

// NewSweeper creates a Sweeper. A zero interval defaults to one hour.
func NewSweeper(svc *Service, interval time.Duration, logger *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Sweeper{svc: svc, interval: interval, logger: logger}
}

// Start runs the sweep loop until quit is signalled.
func (w *Sweeper) Start(quit <-chan os.Signal) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), w.interval)
			w.SweepAll(ctx)
			cancel()
		case <-quit:
			return
		}
	}
}

// SweepAll archives expired entries in every tenant and returns the total
// moved. A failing tenant is logged and does not stop the others.
func (w *Sweeper) SweepAll(ctx context.Context) int {
	tenants, err := w.svc.Tenants(ctx)
	if err != nil {
		w.logger.Error("sweeper: list tenants", zap.Error(err))
		return 0
	}

	total := 0
	for _, t := range tenants {
		n, err := w.svc.ArchiveExpired(ctx, t)
		total += n
		if err != nil {
			w.logger.Error("sweeper: archive expired",
				zap.String("tenant_id", t),
				zap.Error(err),
			)
		}
	}
	return total
}
