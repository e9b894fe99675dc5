package safety

import (
	"context"
	"sync"
	"time"

	"cryptoPositionEngine/internal/ports"
)

// KillSwitch halts all new order submission. The engaged flag is persisted
// through the store so a process restart does not silently resume trading.
type KillSwitch struct {
	mu      sync.Mutex
	store   ports.KillSwitchStore
	logger  ports.Logger
	engaged bool
	reason  string
}

// NewKillSwitch creates a disengaged kill switch. Call Load before use to
// restore the persisted state.
func NewKillSwitch(store ports.KillSwitchStore, logger ports.Logger) *KillSwitch {
	if logger == nil {
		logger = ports.NopLogger{}
	}
	return &KillSwitch{store: store, logger: logger}
}

// Load restores the persisted halt state.
func (k *KillSwitch) Load(ctx context.Context) error {
	engaged, reason, err := k.store.KillSwitchState(ctx)
	if err != nil {
		return err
	}
	k.mu.Lock()
	k.engaged = engaged
	k.reason = reason
	k.mu.Unlock()
	if engaged {
		k.logger.Warn(ctx, "Kill switch restored engaged from persistent state",
			map[string]interface{}{"reason": reason})
	}
	return nil
}

// Engage halts trading and persists the halt. The in-memory flag is set even
// if persistence fails; better to halt un-durably than not at all.
func (k *KillSwitch) Engage(ctx context.Context, reason string) {
	k.mu.Lock()
	k.engaged = true
	k.reason = reason
	k.mu.Unlock()
	k.logger.Error(ctx, nil, "KILL SWITCH ENGAGED", map[string]interface{}{"reason": reason})
	if err := k.store.EngageKillSwitch(ctx, reason, time.Now().UTC()); err != nil {
		k.logger.Error(ctx, err, "Failed to persist kill switch state")
	}
}

// Disengage resumes trading after operator intervention.
func (k *KillSwitch) Disengage(ctx context.Context) error {
	if err := k.store.DisengageKillSwitch(ctx); err != nil {
		return err
	}
	k.mu.Lock()
	k.engaged = false
	k.reason = ""
	k.mu.Unlock()
	k.logger.Info(ctx, "Kill switch disengaged")
	return nil
}

// Engaged reports whether trading is halted.
func (k *KillSwitch) Engaged() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.engaged
}

// Reason returns the halt reason, if engaged.
func (k *KillSwitch) Reason() string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.reason
}
