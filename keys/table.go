// Package keys stores the API keys which are allowed to register relay sessions.
package keys

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lcyt/lcyt-relay/sqlutil"
)

var (
	ErrNotFound  = errors.New("api key not found")
	ErrExists    = errors.New("api key already exists")
	ErrBadExpiry = errors.New("invalid expiry date")
)

// Reason explains why a key failed validation.
type Reason string

const (
	ReasonUnknown Reason = "unknown_key"
	ReasonRevoked Reason = "revoked"
	ReasonExpired Reason = "expired"
)

// Record is one persisted API key.
type Record struct {
	Key       string
	Owner     string
	CreatedAt time.Time
	ExpiresAt *time.Time
	Active    bool
}

// Validation is the outcome of Table.Validate. Owner and ExpiresAt are only set when Valid.
type Validation struct {
	Valid     bool
	Reason    Reason
	Owner     string
	ExpiresAt *time.Time
}

// Update is a partial update to a key. A nil Owner leaves the owner unchanged. ExpiresAt is
// only applied when SetExpiry is true, in which case nil clears the expiry.
type Update struct {
	Owner     *string
	SetExpiry bool
	ExpiresAt *time.Time
}

type row struct {
	Key       string         `db:"key"`
	Owner     string         `db:"owner"`
	CreatedAt string         `db:"created_at"`
	ExpiresAt sql.NullString `db:"expires_at"`
	Active    bool           `db:"active"`
}

func (r row) record() Record {
	rec := Record{
		Key:    r.Key,
		Owner:  r.Owner,
		Active: r.Active,
	}
	if t, err := ParseExpiry(r.CreatedAt); err == nil {
		rec.CreatedAt = t
	} else {
		logger.Warn().Str("owner", r.Owner).Str("created_at", r.CreatedAt).Msg("unparseable created_at")
	}
	if r.ExpiresAt.Valid && r.ExpiresAt.String != "" {
		if t, err := ParseExpiry(r.ExpiresAt.String); err == nil {
			rec.ExpiresAt = &t
		} else {
			logger.Warn().Str("owner", r.Owner).Str("expires_at", r.ExpiresAt.String).Msg("unparseable expires_at")
		}
	}
	return rec
}

// Table is the api_keys table. All times are stored as RFC3339 UTC strings so the same
// queries work on sqlite and postgres.
type Table struct {
	db    *sqlx.DB
	clock clock.Clock
}

func NewTable(db *sqlx.DB) *Table {
	return &Table{
		db:    db,
		clock: clock.New(),
	}
}

// WithClock replaces the clock used for creation stamps and expiry checks.
func (t *Table) WithClock(clk clock.Clock) *Table {
	t.clock = clk
	return t
}

const selectColumns = `SELECT key, owner, created_at, expires_at, active FROM api_keys`

func (t *Table) get(ctx context.Context, q sqlx.QueryerContext, key string) (*row, error) {
	var r row
	err := sqlx.GetContext(ctx, q, &r, t.db.Rebind(selectColumns+` WHERE key = ?`), key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("keys.get: %w", err)
	}
	return &r, nil
}

// Validate checks that the key exists, is active and has not expired, in that order.
func (t *Table) Validate(ctx context.Context, key string) (Validation, error) {
	r, err := t.get(ctx, t.db, key)
	if errors.Is(err, ErrNotFound) {
		return Validation{Reason: ReasonUnknown}, nil
	}
	if err != nil {
		return Validation{}, err
	}
	if !r.Active {
		return Validation{Reason: ReasonRevoked}, nil
	}
	rec := r.record()
	if rec.ExpiresAt != nil && rec.ExpiresAt.Before(t.clock.Now().UTC()) {
		return Validation{Reason: ReasonExpired}, nil
	}
	return Validation{
		Valid:     true,
		Owner:     rec.Owner,
		ExpiresAt: rec.ExpiresAt,
	}, nil
}

// Create inserts a new active key. An empty key is replaced with a random UUID. Returns
// ErrExists if the key is already present, active or not.
func (t *Table) Create(ctx context.Context, owner, key string, expiresAt *time.Time) (*Record, error) {
	if key == "" {
		key = uuid.NewString()
	}
	createdAt := t.clock.Now().UTC().Truncate(time.Second)
	var expires sql.NullString
	if expiresAt != nil {
		expires = sql.NullString{String: formatTime(*expiresAt), Valid: true}
	}
	err := sqlutil.WithTransaction(ctx, t.db, func(txn *sqlx.Tx) error {
		_, err := t.get(ctx, txn, key)
		if err == nil {
			return ErrExists
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		_, err = txn.ExecContext(ctx, t.db.Rebind(
			`INSERT INTO api_keys (key, owner, created_at, expires_at, active) VALUES (?, ?, ?, ?, ?)`,
		), key, owner, formatTime(createdAt), expires, true)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrExists) {
			return nil, ErrExists
		}
		return nil, fmt.Errorf("keys.Create: %w", err)
	}
	rec := &Record{
		Key:       key,
		Owner:     owner,
		CreatedAt: createdAt,
		Active:    true,
	}
	if expiresAt != nil {
		e := expiresAt.UTC().Truncate(time.Second)
		rec.ExpiresAt = &e
	}
	return rec, nil
}

// Revoke clears the active flag. Returns false if the key does not exist.
func (t *Table) Revoke(ctx context.Context, key string) (bool, error) {
	res, err := t.db.ExecContext(ctx, t.db.Rebind(`UPDATE api_keys SET active = ? WHERE key = ?`), false, key)
	if err != nil {
		return false, fmt.Errorf("keys.Revoke: %w", err)
	}
	return affected(res)
}

// Delete permanently removes the key. Returns false if the key does not exist.
func (t *Table) Delete(ctx context.Context, key string) (bool, error) {
	res, err := t.db.ExecContext(ctx, t.db.Rebind(`DELETE FROM api_keys WHERE key = ?`), key)
	if err != nil {
		return false, fmt.Errorf("keys.Delete: %w", err)
	}
	return affected(res)
}

// Update applies a partial update. Returns false if the key does not exist. An update which
// changes nothing still reports whether the key exists.
func (t *Table) Update(ctx context.Context, key string, upd Update) (bool, error) {
	var exists bool
	err := sqlutil.WithTransaction(ctx, t.db, func(txn *sqlx.Tx) error {
		if _, err := t.get(ctx, txn, key); err != nil {
			return err
		}
		exists = true
		if upd.Owner != nil {
			if _, err := txn.ExecContext(ctx, t.db.Rebind(`UPDATE api_keys SET owner = ? WHERE key = ?`), *upd.Owner, key); err != nil {
				return err
			}
		}
		if upd.SetExpiry {
			var expires sql.NullString
			if upd.ExpiresAt != nil {
				expires = sql.NullString{String: formatTime(*upd.ExpiresAt), Valid: true}
			}
			if _, err := txn.ExecContext(ctx, t.db.Rebind(`UPDATE api_keys SET expires_at = ? WHERE key = ?`), expires, key); err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("keys.Update: %w", err)
	}
	return exists, nil
}

// GetAll returns every key, revoked ones included, in creation order.
func (t *Table) GetAll(ctx context.Context) ([]Record, error) {
	var rows []row
	if err := t.db.SelectContext(ctx, &rows, selectColumns+` ORDER BY id ASC`); err != nil {
		return nil, fmt.Errorf("keys.GetAll: %w", err)
	}
	records := make([]Record, len(rows))
	for i := range rows {
		records[i] = rows[i].record()
	}
	return records, nil
}

// Get returns the key or ErrNotFound.
func (t *Table) Get(ctx context.Context, key string) (*Record, error) {
	r, err := t.get(ctx, t.db, key)
	if err != nil {
		return nil, err
	}
	rec := r.record()
	return &rec, nil
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(time.RFC3339)
}

var expiryLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseExpiry parses an ISO 8601 date or date-time. Inputs without a zone are UTC.
func ParseExpiry(s string) (time.Time, error) {
	for _, layout := range expiryLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrBadExpiry, s)
}
