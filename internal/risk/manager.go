package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"cryptoPositionEngine/internal/domain"
)

// Config holds configuration for risk management.
type Config struct {
	MaxPositionSize  decimal.Decimal
	MaxDailyLoss     decimal.Decimal
	MaxOpenPositions int
	MaxDailyTrades   int
	StopLossPercent  decimal.Decimal
}

// Stats holds risk management statistics.
type Stats struct {
	DailyPnL      decimal.Decimal
	OpenPositions int
	TotalExposure decimal.Decimal
	DailyTrades   int
	LastResetTime time.Time
}

// Manager gates new entries against position-count, size, and daily-loss
// limits and tracks realized results.
type Manager struct {
	mu     sync.Mutex
	config Config
	stats  Stats
}

// NewManager creates a new risk manager instance.
func NewManager(config Config) *Manager {
	if config.MaxOpenPositions <= 0 {
		config.MaxOpenPositions = 1
	}
	if config.MaxDailyTrades <= 0 {
		config.MaxDailyTrades = 100
	}
	return &Manager{config: config}
}

// ApproveEntry validates whether a new position of the given size and entry
// price may be opened.
func (r *Manager) ApproveEntry(ctx context.Context, size, entryPrice decimal.Decimal) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.config.MaxPositionSize.IsZero() && size.GreaterThan(r.config.MaxPositionSize) {
		return fmt.Errorf("position size %s exceeds maximum allowed %s", size, r.config.MaxPositionSize)
	}
	if r.stats.OpenPositions >= r.config.MaxOpenPositions {
		return fmt.Errorf("number of open positions %d exceeds maximum allowed %d", r.stats.OpenPositions, r.config.MaxOpenPositions)
	}
	if r.stats.DailyTrades >= r.config.MaxDailyTrades {
		return fmt.Errorf("daily trades %d exceeds maximum allowed %d", r.stats.DailyTrades, r.config.MaxDailyTrades)
	}

	// The worst case for this entry is a full stop-out; the projected loss
	// must not breach the daily limit.
	if !r.config.MaxDailyLoss.IsZero() {
		worstCase := size.Mul(entryPrice).Mul(r.config.StopLossPercent)
		if r.stats.DailyPnL.Sub(worstCase).LessThan(r.config.MaxDailyLoss.Neg()) {
			return fmt.Errorf("potential daily loss would exceed maximum allowed %s", r.config.MaxDailyLoss)
		}
	}
	return nil
}

// RecordOpen registers a newly opened position's exposure.
func (r *Manager) RecordOpen(ctx context.Context, size, entryPrice decimal.Decimal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.OpenPositions++
	r.stats.DailyTrades++
	r.stats.TotalExposure = r.stats.TotalExposure.Add(size.Mul(entryPrice))
}

// RecordExit registers a terminal position's realized result and releases its
// exposure.
func (r *Manager) RecordExit(ctx context.Context, pos *domain.ManagedPosition) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stats.OpenPositions > 0 {
		r.stats.OpenPositions--
	}
	entryValue := pos.FilledEntryQty().Mul(pos.AvgEntryPrice())
	r.stats.TotalExposure = r.stats.TotalExposure.Sub(entryValue)
	if r.stats.TotalExposure.IsNegative() {
		r.stats.TotalExposure = decimal.Zero
	}
	r.stats.DailyPnL = r.stats.DailyPnL.Add(realizedPnL(pos))
}

// CheckRiskLimits reports whether any running limit has been breached.
func (r *Manager) CheckRiskLimits(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.config.MaxDailyLoss.IsZero() && r.stats.DailyPnL.LessThan(r.config.MaxDailyLoss.Neg()) {
		return fmt.Errorf("daily loss %s exceeds maximum allowed %s", r.stats.DailyPnL, r.config.MaxDailyLoss)
	}
	if r.stats.DailyTrades >= r.config.MaxDailyTrades {
		return fmt.Errorf("daily trades %d exceeds maximum allowed %d", r.stats.DailyTrades, r.config.MaxDailyTrades)
	}
	return nil
}

// ResetDailyStats resets the daily counters, typically at UTC midnight.
func (r *Manager) ResetDailyStats(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.DailyPnL = decimal.Zero
	r.stats.DailyTrades = 0
	r.stats.LastResetTime = time.Now().UTC()
}

// GetStats returns a copy of the current statistics.
func (r *Manager) GetStats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// realizedPnL computes the signed result of a position from its fills.
func realizedPnL(pos *domain.ManagedPosition) decimal.Decimal {
	var entryValue, exitValue decimal.Decimal
	for _, f := range pos.EntryFills {
		entryValue = entryValue.Add(f.Quantity.Mul(f.Price))
	}
	for _, f := range pos.ExitFills {
		exitValue = exitValue.Add(f.Quantity.Mul(f.Price))
	}
	if pos.Side == domain.Short {
		return entryValue.Sub(exitValue)
	}
	return exitValue.Sub(entryValue)
}
