// Package store is the Postgres-backed persistence layer: the
// prioritized work source (C3) and verdict writer (C4) of spec.md
// §4.3/§4.4, plus the account/proxy/snipe readers the rest of the
// system is built on.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/namewatch/sniper/internal/status"
)

// ErrNoRows is sql.ErrNoRows itself; Submit wraps it when the name row
// does not exist. AcquireSnipeSlot and ActiveSnipe return (nil, nil)
// instead of an error when no row matches.
var ErrNoRows = sql.ErrNoRows

// Tier identifies one of the three frequency-banded work queues C3 draws from.
type Tier int

const (
	TierHigh Tier = iota
	TierMedium
	TierLow
)

// TierForWorker maps a worker's index to its assigned tier per
// spec.md §4.3: 0-4 -> High, 5-7 -> Medium, 8-9 -> Low.
func TierForWorker(workerIndex int) Tier {
	switch m := workerIndex % 10; {
	case m <= 4:
		return TierHigh
	case m <= 7:
		return TierMedium
	default:
		return TierLow
	}
}

const refillLimit = 100

var tierQuery = map[Tier]string{
	TierHigh: `
		UPDATE names SET updating = TRUE
		 WHERE username IN (
		   SELECT username FROM names
		    WHERE updating = FALSE
		      AND frequency >= 15
		    ORDER BY verified_at ASC, frequency DESC
		    LIMIT $1 FOR UPDATE
		 )
		 RETURNING username`,
	TierMedium: `
		UPDATE names SET updating = TRUE
		 WHERE username IN (
		   SELECT username FROM names
		    WHERE updating = FALSE
		      AND frequency >= 0.01 AND frequency < 15
		      AND status != $2
		    ORDER BY verified_at ASC, frequency DESC
		    LIMIT $1 FOR UPDATE
		 )
		 RETURNING username`,
	TierLow: `
		UPDATE names SET updating = TRUE
		 WHERE username IN (
		   SELECT username FROM names
		    WHERE updating = FALSE
		      AND frequency < 0.01
		      AND (frequency >= 0.001 OR definition IS NOT NULL)
		      AND status != $2
		    ORDER BY verified_at ASC, frequency DESC
		    LIMIT $1 FOR UPDATE
		 )
		 RETURNING username`,
}

// Account is a Microsoft/Xbox login credential pair for one worker.
type Account struct {
	Username string
	Password string
}

// Proxy is one upstream HTTPS proxy row.
type Proxy struct {
	Address  string
	Port     int
	Username sql.NullString
	Password sql.NullString
}

// Snipe is an active racing target.
type Snipe struct {
	Username  string
	CreatedAt time.Time
	Needed    int16
	Count     int16
	Email     string
	Password  string
}

// Store wraps a Postgres connection pool with the queries C3/C4 and
// the account/proxy/snipe readers need.
type Store struct {
	db *sql.DB
}

// Open connects to Postgres and verifies the connection.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return &Store{db: db}, nil
}

// OpenDB wraps an already-open *sql.DB, for callers that manage their
// own connection pool (tests, or a process sharing one pool across
// stores).
func OpenDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Reset clears orphaned in-flight claims and snipe slot counts at
// process start (spec.md §4.3 "orphaned claims", E6).
func (s *Store) Reset(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE names SET updating = FALSE WHERE updating = TRUE`); err != nil {
		return fmt.Errorf("store: reset names: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE snipes SET count = 0 WHERE count != 0`); err != nil {
		return fmt.Errorf("store: reset snipes: %w", err)
	}
	return nil
}

// ClaimBatch atomically claims up to refillLimit names from the given
// tier and marks them updating=TRUE, returning their usernames.
func (s *Store) ClaimBatch(ctx context.Context, tier Tier) ([]string, error) {
	query := tierQuery[tier]

	var rows *sql.Rows
	var err error
	if tier == TierHigh {
		rows, err = s.db.QueryContext(ctx, query, refillLimit)
	} else {
		rows, err = s.db.QueryContext(ctx, query, refillLimit, status.BatchTaken)
	}
	if err != nil {
		return nil, fmt.Errorf("store: claim batch: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("store: scan claimed name: %w", err)
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// Submit persists a probe verdict following the transition rules
// centralized in internal/status, and reports whether updated_at
// advanced along with the name's frequency (spec.md §4.4).
func (s *Store) Submit(ctx context.Context, username string, incoming status.Status) (changed bool, frequency float64, err error) {
	row := s.db.QueryRowContext(ctx, `SELECT status, frequency FROM names WHERE username = $1 FOR UPDATE`, username)

	var currentRaw int
	if err := row.Scan(&currentRaw, &frequency); err != nil {
		return false, 0, fmt.Errorf("store: submit read: %w", err)
	}
	current := status.Status(currentRaw)
	changed = status.AdvancesUpdatedAt(current, incoming)

	const q = `
		UPDATE names SET
		  status = $2,
		  verified_at = now(),
		  updating = FALSE,
		  updated_at = CASE WHEN $3 THEN now() ELSE updated_at END
		WHERE username = $1`

	if _, err := s.db.ExecContext(ctx, q, username, int(incoming), changed); err != nil {
		return false, 0, fmt.Errorf("store: submit write: %w", err)
	}

	return changed, frequency, nil
}

// submitBucket is one half of the screener's bulk write -- either the
// available or the taken classification, computed in one HEAD pass.
type submitBucket struct {
	usernames []string
	newStatus status.Status
}

// SubmitBatchAvailable bulk-applies BatchAvailable to every name in
// usernames, guarded per-row by ScreenerAvailableAllowed so a prior
// Available/Banned is never overwritten.
func (s *Store) SubmitBatchAvailable(ctx context.Context, usernames []string) error {
	return s.submitBulk(ctx, submitBucket{usernames: lowercaseAll(usernames), newStatus: status.BatchAvailable})
}

// SubmitBatchTaken bulk-applies BatchTaken; unlike BatchAvailable this
// may always be set (spec.md §3 transition rules).
func (s *Store) SubmitBatchTaken(ctx context.Context, usernames []string) error {
	return s.submitBulk(ctx, submitBucket{usernames: lowercaseAll(usernames), newStatus: status.BatchTaken})
}

func (s *Store) submitBulk(ctx context.Context, bucket submitBucket) error {
	if len(bucket.usernames) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: submit bulk begin: %w", err)
	}
	defer tx.Rollback()

	if bucket.newStatus == status.BatchAvailable {
		const q = `
			UPDATE names SET checked_at = now(),
			  status = CASE WHEN status IN ($2, $3) THEN status ELSE $4 END
			WHERE username = ANY($1)`
		if _, err := tx.ExecContext(ctx, q, pqStringArray(bucket.usernames), int(status.Available), int(status.Banned), int(status.BatchAvailable)); err != nil {
			return fmt.Errorf("store: submit available: %w", err)
		}
	} else {
		const q = `UPDATE names SET checked_at = now(), status = $2 WHERE username = ANY($1)`
		if _, err := tx.ExecContext(ctx, q, pqStringArray(bucket.usernames), int(status.BatchTaken)); err != nil {
			return fmt.Errorf("store: submit taken: %w", err)
		}
	}

	return tx.Commit()
}

func lowercaseAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}

// pqStringArray renders a Go string slice as a Postgres text array
// literal for use with = ANY($1), avoiding a direct dependency on
// lib/pq's pq.Array helper so the query stays driver-agnostic.
func pqStringArray(in []string) string {
	var b strings.Builder
	b.WriteString("{")
	for i, s := range in {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString(`"`)
		b.WriteString(strings.ReplaceAll(s, `"`, `\"`))
		b.WriteString(`"`)
	}
	b.WriteString("}")
	return b.String()
}

// Accounts returns every worker account row.
func (s *Store) Accounts(ctx context.Context) ([]Account, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT username, password FROM accounts`)
	if err != nil {
		return nil, fmt.Errorf("store: accounts: %w", err)
	}
	defer rows.Close()

	var out []Account
	for rows.Next() {
		var a Account
		if err := rows.Scan(&a.Username, &a.Password); err != nil {
			return nil, fmt.Errorf("store: scan account: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Proxies returns every configured proxy row.
func (s *Store) Proxies(ctx context.Context) ([]Proxy, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT address, port, username, password FROM proxies`)
	if err != nil {
		return nil, fmt.Errorf("store: proxies: %w", err)
	}
	defer rows.Close()

	var out []Proxy
	for rows.Next() {
		var p Proxy
		if err := rows.Scan(&p.Address, &p.Port, &p.Username, &p.Password); err != nil {
			return nil, fmt.Errorf("store: scan proxy: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CreateSnipe idempotently inserts a racing target (SUPPLEMENTED
// FEATURES #4 -- ON CONFLICT DO NOTHING, matching
// server/src/handlers/snipe.rs). Returns whether a row was inserted.
func (s *Store) CreateSnipe(ctx context.Context, username, email, password string, needed int16) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO snipes (username, needed, count, email, password, created_at)
		VALUES ($1, $2, 0, $3, $4, now())
		ON CONFLICT (username) DO NOTHING`, username, needed, email, password)
	if err != nil {
		return false, fmt.Errorf("store: create snipe: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: create snipe rows affected: %w", err)
	}
	return n > 0, nil
}

// AcquireSnipeSlot performs the single atomic slot-acquisition UPDATE
// from spec.md §4.5/§5: count = count+1 WHERE count < needed RETURNING *.
// Returns (nil, nil) if no slot was available (needed already met or
// row is gone).
func (s *Store) AcquireSnipeSlot(ctx context.Context, username string) (*Snipe, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE snipes SET count = count + 1
		 WHERE username = $1 AND count < needed
		 RETURNING username, created_at, needed, count, email, password`, username)

	var sn Snipe
	err := row.Scan(&sn.Username, &sn.CreatedAt, &sn.Needed, &sn.Count, &sn.Email, &sn.Password)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: acquire snipe slot: %w", err)
	}
	return &sn, nil
}

// ActiveSnipe looks up a snipe row by username without acquiring a
// slot, used by the snipe coordinator to tell whether a target it
// holds a slot for still exists.
func (s *Store) ActiveSnipe(ctx context.Context, username string) (*Snipe, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT username, created_at, needed, count, email, password
		  FROM snipes WHERE username = $1`, username)

	var sn Snipe
	err := row.Scan(&sn.Username, &sn.CreatedAt, &sn.Needed, &sn.Count, &sn.Email, &sn.Password)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: active snipe: %w", err)
	}
	return &sn, nil
}

// ActiveSnipeUsernames returns every snipe row that still has a free
// slot, for a worker deciding whether to attempt acquisition.
func (s *Store) ActiveSnipeUsernames(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT username FROM snipes WHERE count < needed`)
	if err != nil {
		return nil, fmt.Errorf("store: active snipe usernames: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("store: scan active snipe username: %w", err)
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// DeleteSnipe removes a snipe row once claimed (or abandoned),
// releasing any workers still holding a slot for it.
func (s *Store) DeleteSnipe(ctx context.Context, username string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM snipes WHERE username = $1`, username); err != nil {
		return fmt.Errorf("store: delete snipe: %w", err)
	}
	return nil
}

// PendingScreenerBatch returns up to limit names ordered by
// checked_at ASC for the batch screener's next pass (spec.md §4.7).
func (s *Store) PendingScreenerBatch(ctx context.Context, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username FROM names ORDER BY checked_at ASC NULLS FIRST LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: pending screener batch: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("store: scan pending name: %w", err)
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// LogReset logs the outcome of Reset at the slog.Info level.
func (s *Store) LogReset(ctx context.Context, logger *slog.Logger) {
	if err := s.Reset(ctx); err != nil {
		logger.Warn("store reset failed", "error", err)
		return
	}
	logger.Info("store reset orphaned claims")
}
