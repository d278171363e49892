// Package health re-verifies tenant hash chains in the background and keeps
// the latest outcome per tenant for the daemon's health endpoint.
package health

import (
	"context"
	"os"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/ReportLedger/internal/ledger/service"
)

// Config holds integrity check configuration.
type Config struct {
	CheckInterval time.Duration
	Concurrency   int
}

// ChainVerifier is the part of the ledger service the checker needs.
type ChainVerifier interface {
	Tenants(ctx context.Context) ([]string, error)
	VerifyChain(ctx context.Context, tenantID string) (*service.Report, error)
}

// MetricsRecordFunc is an optional callback invoked after each tenant check.
type MetricsRecordFunc func(tenantID string, intact bool)

// TenantStatus is the most recent verification outcome for one tenant.
type TenantStatus struct {
	TenantID    string    `json:"tenant_id"`
	Intact      bool      `json:"chain_intact"`
	Entries     int       `json:"entries"`
	BrokenLinks int       `json:"broken_links"`
	Error       string    `json:"error,omitempty"`
	CheckedAt   time.Time `json:"checked_at"`
}

// Checker runs periodic chain verification across all tenants.
type Checker struct {
	verifier  ChainVerifier
	cfg       Config
	onMetrics MetricsRecordFunc
	logger    *zap.Logger

	mu     sync.RWMutex
	status map[string]TenantStatus
}

// New creates a Checker.
func New(verifier ChainVerifier, cfg Config, logger *zap.Logger) *Checker {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 6 * time.Hour
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &Checker{
		verifier: verifier,
		cfg:      cfg,
		logger:   logger,
		status:   make(map[string]TenantStatus),
	}
}

// SetMetricsRecord configures the metrics recording callback.
func (h *Checker) SetMetricsRecord(fn MetricsRecordFunc) {
	h.onMetrics = fn
}

// Start runs the check loop until quit is signalled.
func (h *Checker) Start(quit <-chan os.Signal) {
	ticker := time.NewTicker(h.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), h.cfg.CheckInterval)
			h.CheckAll(ctx)
			cancel()
		case <-quit:
			return
		}
	}
}

// CheckAll verifies every tenant chain with bounded concurrency.
func (h *Checker) CheckAll(ctx context.Context) {
	tenants, err := h.verifier.Tenants(ctx)
	if err != nil {
		h.logger.Error("health: list tenants", zap.Error(err))
		return
	}

	sem := make(chan struct{}, h.cfg.Concurrency)
	var wg sync.WaitGroup

	for _, t := range tenants {
		wg.Add(1)
		go func(tenantID string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			h.record(h.check(ctx, tenantID))
		}(t)
	}

	wg.Wait()
}

func (h *Checker) check(ctx context.Context, tenantID string) TenantStatus {
	st := TenantStatus{TenantID: tenantID, CheckedAt: time.Now().UTC()}
	report, err := h.verifier.VerifyChain(ctx, tenantID)
	if err != nil {
		st.Error = err.Error()
		return st
	}
	st.Intact = report.ChainIntact
	st.Entries = report.TotalChecked
	st.BrokenLinks = len(report.BrokenLinks)
	return st
}

func (h *Checker) record(st TenantStatus) {
	if st.Error != "" {
		// A failed run says nothing about the chain; keep the last outcome.
		h.logger.Warn("health: verification failed",
			zap.String("tenant_id", st.TenantID),
			zap.String("error", st.Error),
		)
		return
	}
	if h.onMetrics != nil {
		h.onMetrics(st.TenantID, st.Intact)
	}

	h.mu.Lock()
	prev, seen := h.status[st.TenantID]
	h.status[st.TenantID] = st
	h.mu.Unlock()

	switch {
	case !st.Intact && (!seen || prev.Intact):
		h.logger.Warn("health: tenant chain integrity check FAILED",
			zap.String("tenant_id", st.TenantID),
			zap.Int("broken", st.BrokenLinks),
		)
	case st.Intact && seen && !prev.Intact:
		h.logger.Info("health: tenant chain intact again", zap.String("tenant_id", st.TenantID))
	case st.Intact && !seen:
		h.logger.Info("health: tenant chain verified",
			zap.String("tenant_id", st.TenantID),
			zap.Int("entries", st.Entries),
		)
	}
}

// Snapshot returns the latest status of every checked tenant, sorted by
// tenant id, and whether all of them are intact.
func (h *Checker) Snapshot() ([]TenantStatus, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]TenantStatus, 0, len(h.status))
	healthy := true
	for _, st := range h.status {
		out = append(out, st)
		healthy = healthy && st.Intact
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out, healthy
}
