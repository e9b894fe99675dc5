package ports

import (
	"context"
	"time"

	"cryptoPositionEngine/internal/domain"
)

// PositionStore persists managed-position snapshots and their fills for crash
// recovery. Decimal values are stored as exact-precision strings.
type PositionStore interface {
	// SavePosition upserts the position snapshot, including its fills.
	SavePosition(ctx context.Context, pos *domain.ManagedPosition) error
	// LoadPosition retrieves one position with its fill history.
	// Returns nil, nil if not found.
	LoadPosition(ctx context.Context, id string) (*domain.ManagedPosition, error)
	// LoadActivePositions retrieves every non-terminal position.
	LoadActivePositions(ctx context.Context) ([]*domain.ManagedPosition, error)
}

// IntentLog is the write-ahead log of action intents. Append must be durable
// (flushed) before the corresponding network call begins.
type IntentLog interface {
	Append(ctx context.Context, intent *domain.ActionIntent) error
	MarkSent(ctx context.Context, id, exchangeOrderID string) error
	MarkCompleted(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id, reason string) error
	// PendingIntents lists intents never confirmed sent or failed, for
	// inspection after a crash.
	PendingIntents(ctx context.Context) ([]domain.ActionIntent, error)
}

// ReconciliationAudit is the append-only trail of synthetic adjustments.
type ReconciliationAudit interface {
	// Record writes the entry unless its fingerprint already exists.
	// Returns true if a new row was written.
	Record(ctx context.Context, entry domain.AuditEntry) (bool, error)
}

// KillSwitchStore persists the trading halt so a restart does not silently
// resume trading.
type KillSwitchStore interface {
	EngageKillSwitch(ctx context.Context, reason string, at time.Time) error
	DisengageKillSwitch(ctx context.Context) error
	KillSwitchState(ctx context.Context) (engaged bool, reason string, err error)
}
