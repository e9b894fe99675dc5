package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"

	"cryptoPositionEngine/internal/domain"
	"cryptoPositionEngine/internal/ports"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Repository implements ports.PositionStore, ports.IntentLog,
// ports.ReconciliationAudit, and ports.KillSwitchStore using SQLite.
type Repository struct {
	db     *sql.DB
	logger ports.Logger
}

// Config holds configuration for the SQLite repository.
type Config struct {
	DBPath string
	Logger ports.Logger
}

// NewRepository creates a new SQLite repository instance.
func NewRepository(cfg Config) (*Repository, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for SQLite repository")
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = "./data/position_engine.db"
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		err = fmt.Errorf("failed to create data directory '%s': %w", filepath.Dir(dbPath), err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	// WAL mode: the intent log must be durable before the network call starts.
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=FULL")
	if err != nil {
		err = fmt.Errorf("failed to open database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		err = fmt.Errorf("failed to ping database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	repo := &Repository{db: db, logger: cfg.Logger}
	if err := repo.initializeSchema(context.Background()); err != nil {
		db.Close()
		err = fmt.Errorf("failed to initialize database schema: %w", err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}
	cfg.Logger.Info(context.Background(), "SQLite database ready", map[string]interface{}{"path": dbPath})
	return repo, nil
}

func (r *Repository) initializeSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS positions (
		id TEXT PRIMARY KEY,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		initial_size TEXT NOT NULL,
		initial_entry_price TEXT NOT NULL,
		initial_stop_price TEXT NOT NULL,
		tp1_price TEXT NOT NULL,
		tp2_price TEXT NOT NULL,
		final_target TEXT NOT NULL,
		setup TEXT NOT NULL,
		state TEXT NOT NULL,
		current_stop TEXT NOT NULL,
		entry_acked INTEGER NOT NULL DEFAULT 0,
		tp1_filled INTEGER NOT NULL DEFAULT 0,
		tp2_filled INTEGER NOT NULL DEFAULT 0,
		break_even_triggered INTEGER NOT NULL DEFAULT 0,
		trailing_active INTEGER NOT NULL DEFAULT 0,
		intent_confirmed INTEGER NOT NULL DEFAULT 0,
		entry_order_id TEXT NOT NULL DEFAULT '',
		entry_client_order_id TEXT NOT NULL DEFAULT '',
		stop_order_id TEXT NOT NULL DEFAULT '',
		tp1_order_id TEXT NOT NULL DEFAULT '',
		tp2_order_id TEXT NOT NULL DEFAULT '',
		pending_exit_order_id TEXT NOT NULL DEFAULT '',
		exit_reason TEXT NOT NULL DEFAULT '',
		exit_time TIMESTAMP DEFAULT NULL,
		created_at TIMESTAMP NOT NULL,
		processed_fingerprints TEXT NOT NULL DEFAULT '[]'
	);

	CREATE TABLE IF NOT EXISTS fills (
		position_id TEXT NOT NULL,
		fill_id TEXT NOT NULL,
		order_id TEXT NOT NULL,
		side TEXT NOT NULL,
		quantity TEXT NOT NULL,
		price TEXT NOT NULL,
		fill_time TIMESTAMP NOT NULL,
		is_entry INTEGER NOT NULL,
		seq INTEGER NOT NULL,
		PRIMARY KEY (position_id, fill_id),
		FOREIGN KEY (position_id) REFERENCES positions(id)
	);

	CREATE TABLE IF NOT EXISTS action_intents (
		id TEXT PRIMARY KEY,
		position_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		action TEXT NOT NULL,
		client_order_id TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		exchange_order_id TEXT NOT NULL DEFAULT '',
		fail_reason TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS reconciliation_audit (
		fingerprint TEXT PRIMARY KEY,
		symbol TEXT NOT NULL,
		kind TEXT NOT NULL,
		local_qty TEXT NOT NULL,
		exchange_qty TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		recorded_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS kill_switch (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		engaged INTEGER NOT NULL DEFAULT 0,
		reason TEXT NOT NULL DEFAULT '',
		engaged_at TIMESTAMP DEFAULT NULL
	);
	INSERT OR IGNORE INTO kill_switch (id, engaged, reason) VALUES (1, 0, '');

	CREATE INDEX IF NOT EXISTS idx_positions_symbol_state ON positions (symbol, state);
	CREATE INDEX IF NOT EXISTS idx_intents_status ON action_intents (status);
	CREATE INDEX IF NOT EXISTS idx_fills_position ON fills (position_id, seq);
	`
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to execute schema initialization: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// --- PositionStore ---

// SavePosition upserts the position snapshot and its fills in one transaction.
func (r *Repository) SavePosition(ctx context.Context, pos *domain.ManagedPosition) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	processed, err := json.Marshal(pos.ProcessedFingerprints())
	if err != nil {
		return fmt.Errorf("failed to encode processed fingerprints: %w", err)
	}
	var exitTime sql.NullTime
	if !pos.ExitTime.IsZero() {
		exitTime = sql.NullTime{Time: pos.ExitTime, Valid: true}
	}

	const upsert = `
	INSERT OR REPLACE INTO positions (
		id, symbol, side,
		initial_size, initial_entry_price, initial_stop_price,
		tp1_price, tp2_price, final_target, setup,
		state, current_stop,
		entry_acked, tp1_filled, tp2_filled, break_even_triggered, trailing_active, intent_confirmed,
		entry_order_id, entry_client_order_id, stop_order_id, tp1_order_id, tp2_order_id, pending_exit_order_id,
		exit_reason, exit_time, created_at, processed_fingerprints
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	if _, err := tx.ExecContext(ctx, upsert,
		pos.ID, pos.Symbol, string(pos.Side),
		pos.InitialSize.String(), pos.InitialEntryPrice.String(), pos.InitialStopPrice.String(),
		pos.TP1Price.String(), pos.TP2Price.String(), pos.FinalTarget.String(), string(pos.Setup),
		string(pos.State), pos.CurrentStop.String(),
		pos.EntryAcked, pos.TP1Filled, pos.TP2Filled, pos.BreakEvenTriggered, pos.TrailingActive, pos.IntentConfirmed,
		pos.EntryOrderID, pos.EntryClientOrderID, pos.StopOrderID, pos.TP1OrderID, pos.TP2OrderID, pos.PendingExitOrderID,
		string(pos.ExitReason), exitTime, pos.CreatedAt, string(processed),
	); err != nil {
		return fmt.Errorf("failed to upsert position %s: %w", pos.ID, err)
	}

	const insertFill = `
	INSERT OR REPLACE INTO fills (position_id, fill_id, order_id, side, quantity, price, fill_time, is_entry, seq)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	seq := 0
	for _, f := range pos.EntryFills {
		if _, err := tx.ExecContext(ctx, insertFill,
			pos.ID, f.FillID, f.OrderID, string(f.Side), f.Quantity.String(), f.Price.String(), f.Time, true, seq,
		); err != nil {
			return fmt.Errorf("failed to insert entry fill %s: %w", f.FillID, err)
		}
		seq++
	}
	for _, f := range pos.ExitFills {
		if _, err := tx.ExecContext(ctx, insertFill,
			pos.ID, f.FillID, f.OrderID, string(f.Side), f.Quantity.String(), f.Price.String(), f.Time, false, seq,
		); err != nil {
			return fmt.Errorf("failed to insert exit fill %s: %w", f.FillID, err)
		}
		seq++
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit position %s: %w", pos.ID, err)
	}
	return nil
}

// LoadPosition retrieves one position with its fill history.
// Returns nil, nil if not found.
func (r *Repository) LoadPosition(ctx context.Context, id string) (*domain.ManagedPosition, error) {
	row := r.db.QueryRowContext(ctx, selectPosition+" WHERE id = ?", id)
	pos, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query position %s: %w", id, err)
	}
	if err := r.loadFills(ctx, pos); err != nil {
		return nil, err
	}
	return pos, nil
}

// LoadActivePositions retrieves every non-terminal position.
func (r *Repository) LoadActivePositions(ctx context.Context) ([]*domain.ManagedPosition, error) {
	rows, err := r.db.QueryContext(ctx, selectPosition+" WHERE state NOT IN (?, ?, ?, ?) ORDER BY created_at",
		string(domain.StateClosed), string(domain.StateCancelled), string(domain.StateError), string(domain.StateOrphaned))
	if err != nil {
		return nil, fmt.Errorf("failed to query active positions: %w", err)
	}
	defer rows.Close()

	positions := make([]*domain.ManagedPosition, 0)
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		positions = append(positions, pos)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating position rows: %w", err)
	}
	for _, pos := range positions {
		if err := r.loadFills(ctx, pos); err != nil {
			return nil, err
		}
	}
	return positions, nil
}

const selectPosition = `
	SELECT id, symbol, side,
	       initial_size, initial_entry_price, initial_stop_price,
	       tp1_price, tp2_price, final_target, setup,
	       state, current_stop,
	       entry_acked, tp1_filled, tp2_filled, break_even_triggered, trailing_active, intent_confirmed,
	       entry_order_id, entry_client_order_id, stop_order_id, tp1_order_id, tp2_order_id, pending_exit_order_id,
	       exit_reason, exit_time, created_at, processed_fingerprints
	FROM positions`

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPosition(row rowScanner) (*domain.ManagedPosition, error) {
	var pos domain.ManagedPosition
	var side, setup, state, exitReason, processed string
	var initialSize, initialEntry, initialStop, tp1, tp2, finalTarget, currentStop string
	var exitTime sql.NullTime

	if err := row.Scan(
		&pos.ID, &pos.Symbol, &side,
		&initialSize, &initialEntry, &initialStop,
		&tp1, &tp2, &finalTarget, &setup,
		&state, &currentStop,
		&pos.EntryAcked, &pos.TP1Filled, &pos.TP2Filled, &pos.BreakEvenTriggered, &pos.TrailingActive, &pos.IntentConfirmed,
		&pos.EntryOrderID, &pos.EntryClientOrderID, &pos.StopOrderID, &pos.TP1OrderID, &pos.TP2OrderID, &pos.PendingExitOrderID,
		&exitReason, &exitTime, &pos.CreatedAt, &processed,
	); err != nil {
		return nil, err
	}

	pos.Side = domain.Side(side)
	pos.Setup = domain.SetupKind(setup)
	pos.State = domain.PositionState(state)
	pos.ExitReason = domain.ExitReason(exitReason)
	if exitTime.Valid {
		pos.ExitTime = exitTime.Time
	}

	var err error
	if pos.InitialSize, err = parseDecimal(initialSize); err != nil {
		return nil, fmt.Errorf("position %s initial_size: %w", pos.ID, err)
	}
	if pos.InitialEntryPrice, err = parseDecimal(initialEntry); err != nil {
		return nil, fmt.Errorf("position %s initial_entry_price: %w", pos.ID, err)
	}
	if pos.InitialStopPrice, err = parseDecimal(initialStop); err != nil {
		return nil, fmt.Errorf("position %s initial_stop_price: %w", pos.ID, err)
	}
	if pos.TP1Price, err = parseDecimal(tp1); err != nil {
		return nil, fmt.Errorf("position %s tp1_price: %w", pos.ID, err)
	}
	if pos.TP2Price, err = parseDecimal(tp2); err != nil {
		return nil, fmt.Errorf("position %s tp2_price: %w", pos.ID, err)
	}
	if pos.FinalTarget, err = parseDecimal(finalTarget); err != nil {
		return nil, fmt.Errorf("position %s final_target: %w", pos.ID, err)
	}
	if pos.CurrentStop, err = parseDecimal(currentStop); err != nil {
		return nil, fmt.Errorf("position %s current_stop: %w", pos.ID, err)
	}

	var fingerprints []string
	if err := json.Unmarshal([]byte(processed), &fingerprints); err != nil {
		return nil, fmt.Errorf("position %s processed fingerprints: %w", pos.ID, err)
	}
	pos.RestoreProcessedFingerprints(fingerprints)
	return &pos, nil
}

func (r *Repository) loadFills(ctx context.Context, pos *domain.ManagedPosition) error {
	const query = `
	SELECT fill_id, order_id, side, quantity, price, fill_time, is_entry
	FROM fills WHERE position_id = ? ORDER BY seq`

	rows, err := r.db.QueryContext(ctx, query, pos.ID)
	if err != nil {
		return fmt.Errorf("failed to query fills for position %s: %w", pos.ID, err)
	}
	defer rows.Close()

	pos.EntryFills = nil
	pos.ExitFills = nil
	for rows.Next() {
		var f domain.Fill
		var side, quantity, price string
		if err := rows.Scan(&f.FillID, &f.OrderID, &side, &quantity, &price, &f.Time, &f.IsEntry); err != nil {
			return fmt.Errorf("failed to scan fill for position %s: %w", pos.ID, err)
		}
		f.Side = domain.OrderSide(side)
		if f.Quantity, err = parseDecimal(quantity); err != nil {
			return fmt.Errorf("fill %s quantity: %w", f.FillID, err)
		}
		if f.Price, err = parseDecimal(price); err != nil {
			return fmt.Errorf("fill %s price: %w", f.FillID, err)
		}
		if f.IsEntry {
			pos.EntryFills = append(pos.EntryFills, f)
		} else {
			pos.ExitFills = append(pos.ExitFills, f)
		}
	}
	return rows.Err()
}

func parseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

// --- IntentLog ---

// Append durably writes a pending intent before any network call.
func (r *Repository) Append(ctx context.Context, intent *domain.ActionIntent) error {
	const query = `
	INSERT INTO action_intents (id, position_id, symbol, action, client_order_id, detail, status, exchange_order_id, fail_reason, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := r.db.ExecContext(ctx, query,
		intent.ID, intent.PositionID, intent.Symbol, string(intent.Action), intent.ClientOrderID,
		intent.Detail, string(intent.Status), intent.ExchangeOrderID, intent.FailReason,
		intent.CreatedAt, intent.UpdatedAt,
	); err != nil {
		return fmt.Errorf("failed to append intent %s: %w", intent.ID, err)
	}
	return nil
}

// MarkSent records the exchange order id after a successful submission.
func (r *Repository) MarkSent(ctx context.Context, id, exchangeOrderID string) error {
	return r.updateIntent(ctx, id, domain.IntentSent, exchangeOrderID, "")
}

// MarkCompleted marks an intent resolved.
func (r *Repository) MarkCompleted(ctx context.Context, id string) error {
	return r.updateIntent(ctx, id, domain.IntentCompleted, "", "")
}

// MarkFailed records a submission failure.
func (r *Repository) MarkFailed(ctx context.Context, id, reason string) error {
	return r.updateIntent(ctx, id, domain.IntentFailed, "", reason)
}

func (r *Repository) updateIntent(ctx context.Context, id string, status domain.IntentStatus, exchangeOrderID, failReason string) error {
	const query = `
	UPDATE action_intents
	SET status = ?,
	    exchange_order_id = CASE WHEN ? != '' THEN ? ELSE exchange_order_id END,
	    fail_reason = CASE WHEN ? != '' THEN ? ELSE fail_reason END,
	    updated_at = ?
	WHERE id = ?`
	result, err := r.db.ExecContext(ctx, query,
		string(status), exchangeOrderID, exchangeOrderID, failReason, failReason, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update intent %s to %s: %w", id, status, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for intent %s: %w", id, err)
	}
	if affected == 0 {
		return fmt.Errorf("intent %s not found: %w", id, ports.ErrNotFound)
	}
	return nil
}

// PendingIntents lists intents never confirmed completed or failed.
func (r *Repository) PendingIntents(ctx context.Context) ([]domain.ActionIntent, error) {
	const query = `
	SELECT id, position_id, symbol, action, client_order_id, detail, status, exchange_order_id, fail_reason, created_at, updated_at
	FROM action_intents
	WHERE status IN (?, ?)
	ORDER BY created_at`

	rows, err := r.db.QueryContext(ctx, query, string(domain.IntentPending), string(domain.IntentSent))
	if err != nil {
		return nil, fmt.Errorf("failed to query pending intents: %w", err)
	}
	defer rows.Close()

	intents := make([]domain.ActionIntent, 0)
	for rows.Next() {
		var in domain.ActionIntent
		var action, status string
		if err := rows.Scan(
			&in.ID, &in.PositionID, &in.Symbol, &action, &in.ClientOrderID,
			&in.Detail, &status, &in.ExchangeOrderID, &in.FailReason,
			&in.CreatedAt, &in.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan intent: %w", err)
		}
		in.Action = domain.ActionType(action)
		in.Status = domain.IntentStatus(status)
		intents = append(intents, in)
	}
	return intents, rows.Err()
}

// --- ReconciliationAudit ---

// Record writes the entry unless its fingerprint already exists.
// Returns true if a new row was written.
func (r *Repository) Record(ctx context.Context, entry domain.AuditEntry) (bool, error) {
	const query = `
	INSERT OR IGNORE INTO reconciliation_audit (fingerprint, symbol, kind, local_qty, exchange_qty, detail, recorded_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)`
	result, err := r.db.ExecContext(ctx, query,
		entry.Fingerprint, entry.Symbol, string(entry.Kind),
		entry.LocalQty.String(), entry.ExchangeQty.String(), entry.Detail, entry.Time)
	if err != nil {
		return false, fmt.Errorf("failed to record audit entry %s: %w", entry.Fingerprint, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected for audit entry: %w", err)
	}
	return affected > 0, nil
}

// --- KillSwitchStore ---

// EngageKillSwitch persists the trading halt.
func (r *Repository) EngageKillSwitch(ctx context.Context, reason string, at time.Time) error {
	const query = `UPDATE kill_switch SET engaged = 1, reason = ?, engaged_at = ? WHERE id = 1`
	if _, err := r.db.ExecContext(ctx, query, reason, at); err != nil {
		return fmt.Errorf("failed to engage kill switch: %w", err)
	}
	return nil
}

// DisengageKillSwitch clears the persisted halt.
func (r *Repository) DisengageKillSwitch(ctx context.Context) error {
	const query = `UPDATE kill_switch SET engaged = 0, reason = '', engaged_at = NULL WHERE id = 1`
	if _, err := r.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to disengage kill switch: %w", err)
	}
	return nil
}

// KillSwitchState reports the persisted halt state.
func (r *Repository) KillSwitchState(ctx context.Context) (bool, string, error) {
	const query = `SELECT engaged, reason FROM kill_switch WHERE id = 1`
	var engaged bool
	var reason string
	if err := r.db.QueryRowContext(ctx, query).Scan(&engaged, &reason); err != nil {
		return false, "", fmt.Errorf("failed to read kill switch state: %w", err)
	}
	return engaged, reason, nil
}
