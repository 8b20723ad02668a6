package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ocx/ledger/internal/events"
	"github.com/ocx/ledger/internal/ledgercore"
	"github.com/ocx/ledger/internal/storage"
	"github.com/ocx/ledger/internal/webhooks"
)

// Monitor runs the periodic full-scan described in spec.md §4.7 and serves
// as the optional real-time per-append checker the ledger service injects
// as a ledger.RealTimeChecker. It never mutates a ledger: a finding becomes
// an alert, and for CRITICAL findings, a write-block — it does not attempt
// repair.
//
// Grounded on the teacher's internal/reputation/wallet.go for the
// single-struct-plus-mutex shape of a background integrity component, and
// on internal/monitoring/monitoring_system.go for the ticker-driven scan
// loop idiom.
type Monitor struct {
	store    storage.Storage
	bus      events.EventEmitter
	webhooks webhooks.WebhookEmitter
	interval time.Duration
	logger   *slog.Logger

	mu      sync.RWMutex
	blocked map[string]bool

	invalidate func(ledgerID string) // hook back into ledger.Service's tree cache
}

// New constructs a Monitor. invalidate, if non-nil, is called whenever a
// scan or real-time check finds a ledger has diverged, so the service's
// tree cache is never trusted after a detected inconsistency (spec.md §9).
func New(store storage.Storage, bus events.EventEmitter, hooks webhooks.WebhookEmitter, interval time.Duration, invalidate func(string)) *Monitor {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Monitor{
		store:      store,
		bus:        bus,
		webhooks:   hooks,
		interval:   interval,
		logger:     slog.Default().With("component", "monitor.Monitor"),
		blocked:    make(map[string]bool),
		invalidate: invalidate,
	}
}

// Run blocks, scanning every ledger once per interval, until ctx is
// cancelled. Callers typically launch it with `go monitor.Run(ctx)`.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.scanAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.scanAll(ctx)
		}
	}
}

func (m *Monitor) scanAll(ctx context.Context) {
	ledgers, err := m.store.ListLedgers(ctx, 0, 0, true)
	if err != nil {
		m.logger.Error("full scan failed to list ledgers", "error", err)
		return
	}
	for _, meta := range ledgers {
		m.scanOne(ctx, meta.ID)
	}
}

func (m *Monitor) scanOne(ctx context.Context, ledgerID string) {
	report, err := m.store.VerifyIntegrity(ctx, ledgerID)
	if err != nil {
		m.logger.Error("full scan failed on ledger", "ledger_id", ledgerID, "error", err)
		return
	}
	if report.IsValid {
		m.drainCold(ctx, ledgerID)
		return
	}

	if m.invalidate != nil {
		m.invalidate(ledgerID)
	}

	severity := SeverityWarning
	if !report.ChainValid {
		severity = SeverityCritical
	}
	for _, msg := range report.Errors {
		kind := KindSequenceGap
		switch {
		case containsToken(msg, "CHAIN_BREAK"):
			kind = KindChainBreak
			severity = SeverityCritical
		case containsToken(msg, "MERKLE_MISMATCH"):
			kind = KindMerkleMismatch
			severity = SeverityCritical
		}
		a := newAlert(ledgerID, severity, kind, msg)
		m.raise(eventSourceFullScan, a)
	}
}

// CheckEntry is the real-time per-append hook: it re-reads the entry that
// was just committed and confirms storage actually persisted what the
// append pipeline computed, catching a storage layer that silently
// corrupts writes between Put returning and the bytes landing durably.
func (m *Monitor) CheckEntry(ctx context.Context, ledgerID string, hash, parentHash ledgercore.Hash, position uint64) error {
	entry, err := m.store.GetByPosition(ctx, ledgerID, position)
	if err != nil {
		return fmt.Errorf("monitor: re-read entry at position %d: %w", position, err)
	}
	if entry.Hash != hash {
		a := withExpectedActual(withPosition(newAlert(ledgerID, SeverityCritical, KindTreeDivergence,
			fmt.Sprintf("entry at position %d does not match what was written", position)), position), hash, entry.Hash)
		m.raise(eventSourceRealTime, a)
		return fmt.Errorf("monitor: hash mismatch at position %d", position)
	}
	if entry.ParentHash != parentHash {
		a := withExpectedActual(withPosition(newAlert(ledgerID, SeverityCritical, KindChainBreak,
			fmt.Sprintf("parent_hash at position %d does not match what was written", position)), position), parentHash, entry.ParentHash)
		m.raise(eventSourceRealTime, a)
		return fmt.Errorf("monitor: parent_hash mismatch at position %d", position)
	}
	return nil
}

// IsBlocked satisfies ledger.RealTimeChecker.
func (m *Monitor) IsBlocked(ledgerID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.blocked[ledgerID]
}

// Clear lifts a write-block, for an operator who has reviewed and resolved
// the underlying CRITICAL alert.
func (m *Monitor) Clear(ledgerID string) {
	m.mu.Lock()
	delete(m.blocked, ledgerID)
	m.mu.Unlock()
}

func (m *Monitor) raise(source string, a Alert) {
	if a.Severity == SeverityCritical {
		m.mu.Lock()
		m.blocked[a.LedgerID] = true
		m.mu.Unlock()
	}

	m.logger.Warn("integrity alert", "ledger_id", a.LedgerID, "severity", a.Severity, "type", a.Type, "message", a.Message)
	dispatch(m.bus, source, a)

	if a.Severity == SeverityCritical && m.webhooks != nil {
		m.webhooks.Emit(webhooks.EventAlertCritical, "", map[string]interface{}{
			"id":          a.ID,
			"ledger_id":   a.LedgerID,
			"type":        string(a.Type),
			"message":     a.Message,
			"detected_at": a.DetectedAt.Format(time.RFC3339Nano),
		})
	}
}

// coldDrainer is implemented by storage dialects that tier old entries out
// to a cold store (internal/storage.Blob). Checked via type assertion so
// Monitor never needs to import a concrete dialect package.
type coldDrainer interface {
	DrainCold(ctx context.Context, ledgerID string) (int, error)
}

// drainCold runs the cold-tier sweep after a clean integrity verification —
// never before one, so a corrupt ledger is never drained while its hot
// copies are the only evidence of what went wrong.
func (m *Monitor) drainCold(ctx context.Context, ledgerID string) {
	drainer, ok := m.store.(coldDrainer)
	if !ok {
		return
	}
	moved, err := drainer.DrainCold(ctx, ledgerID)
	if err != nil {
		m.logger.Error("cold tier drain failed", "ledger_id", ledgerID, "error", err)
		return
	}
	if moved > 0 {
		m.logger.Info("cold tier drain complete", "ledger_id", ledgerID, "moved", moved)
	}
}

func containsToken(s, token string) bool {
	for i := 0; i+len(token) <= len(s); i++ {
		if s[i:i+len(token)] == token {
			return true
		}
	}
	return false
}
