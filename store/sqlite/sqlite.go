/*
Package sqlite provides the SQLite-backed implementation of the storage
interfaces.

PURPOSE:
  Implements ledger.Store, ledger.EventLog, grant.RuleStore and
  ledger.MemberDirectory on SQLite. The same patterns apply to PostgreSQL -
  only minor SQL dialect differences.

APPEND-ONLY ENFORCEMENT:
  - point_lots rows are inserted, never deleted. The only UPDATE in this
    package decrements remaining_points, guarded so it can never go below
    zero.
  - redemptions and redemption_items are insert-only.

KEY TABLES:
  point_lots:        The lot ledger; grant_key UNIQUE enforces idempotency
  redemptions:       One row per spend transaction
  redemption_items:  Which lots each redemption drew from
  grant_rules:       Rule definitions (JSON config, validated before write)
  members:           Member directory records (owned elsewhere; mirrored
                     here for the dev server)
  processed_events:  Event delivery log for replay responses

CONCURRENCY:
  WAL mode for read concurrency. The conditional decrement in
  ApplyRedemption turns a lost race into ledger.ErrConcurrencyConflict,
  which callers retry with backoff.

USAGE:
  store, err := sqlite.New("./data/loyalty.db")
  defer store.Close()
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/warp/loyalty-engine/grant"
	"github.com/warp/loyalty-engine/ledger"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
}

var (
	_ ledger.Store           = (*Store)(nil)
	_ ledger.EventLog        = (*Store)(nil)
	_ ledger.MemberDirectory = (*Store)(nil)
	_ grant.RuleStore        = (*Store)(nil)
)

// New creates a SQLite store at the given path. Use ":memory:" for an
// in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	-- Point lots (append-only; remaining_points is the single mutable field)
	CREATE TABLE IF NOT EXISTS point_lots (
		id TEXT PRIMARY KEY,
		member_id TEXT NOT NULL,
		rule_id TEXT NOT NULL,
		grant_key TEXT NOT NULL UNIQUE,
		points_granted INTEGER NOT NULL CHECK (points_granted > 0),
		remaining_points INTEGER NOT NULL CHECK (remaining_points >= 0 AND remaining_points <= points_granted),
		reason TEXT,
		created_at TEXT NOT NULL,
		expires_at TEXT NOT NULL
	);

	-- FIFO-by-expiry selection (hot path)
	CREATE INDEX IF NOT EXISTS idx_lots_member_expiry
		ON point_lots(member_id, expires_at, created_at);

	-- Budget accounting per rule
	CREATE INDEX IF NOT EXISTS idx_lots_rule
		ON point_lots(rule_id);

	-- Per-user monthly limit accounting
	CREATE INDEX IF NOT EXISTS idx_lots_rule_member_created
		ON point_lots(rule_id, member_id, created_at);

	-- Redemptions (insert-only)
	CREATE TABLE IF NOT EXISTS redemptions (
		id TEXT PRIMARY KEY,
		member_id TEXT NOT NULL,
		total_used_points INTEGER NOT NULL CHECK (total_used_points > 0),
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_redemptions_member
		ON redemptions(member_id, created_at);

	CREATE TABLE IF NOT EXISTS redemption_items (
		redemption_id TEXT NOT NULL REFERENCES redemptions(id),
		lot_id TEXT NOT NULL REFERENCES point_lots(id),
		used_points INTEGER NOT NULL CHECK (used_points > 0),
		PRIMARY KEY (redemption_id, lot_id)
	);

	CREATE INDEX IF NOT EXISTS idx_items_lot
		ON redemption_items(lot_id);

	-- Grant rules (definition stored as validated JSON config)
	CREATE TABLE IF NOT EXISTS grant_rules (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		status TEXT NOT NULL,
		config_json TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_rules_status
		ON grant_rules(status);

	-- Members (read model of the external directory)
	CREATE TABLE IF NOT EXISTS members (
		id TEXT PRIMARY KEY,
		created_at TEXT NOT NULL,
		is_active INTEGER NOT NULL DEFAULT 1,
		birth_month INTEGER NOT NULL DEFAULT 0,
		birth_day INTEGER NOT NULL DEFAULT 0
	);

	-- Event delivery log
	CREATE TABLE IF NOT EXISTS processed_events (
		event_key TEXT PRIMARY KEY,
		affected INTEGER NOT NULL,
		processed_at TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// timeFormat is fixed-width: the fractional second is always nine digits,
// never trimmed. Timestamps are stored as UTC text and compared with string
// operators in SQL, so every encoded instant must be lexicographically
// orderable. RFC3339Nano would strip trailing zeros and break that.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeFormat, s)
}

// =============================================================================
// LEDGER STORE
// =============================================================================

func (s *Store) AppendLot(ctx context.Context, lot ledger.PointLot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO point_lots
			(id, member_id, rule_id, grant_key, points_granted, remaining_points, reason, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(lot.ID), string(lot.MemberID), string(lot.RuleID), lot.GrantKey,
		lot.PointsGranted, lot.RemainingPoints, lot.Reason,
		lot.CreatedAt.UTC().Format(timeFormat), lot.ExpiresAt.UTC().Format(timeFormat),
	)
	if isUniqueViolation(err) {
		return ledger.ErrDuplicateGrant
	}
	return err
}

func (s *Store) GrantKeyExists(ctx context.Context, key string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM point_lots WHERE grant_key = ?`, key).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *Store) EligibleLots(ctx context.Context, memberID ledger.MemberID, now time.Time) ([]ledger.PointLot, error) {
	return s.queryLots(ctx, `
		SELECT id, member_id, rule_id, grant_key, points_granted, remaining_points, reason, created_at, expires_at
		FROM point_lots
		WHERE member_id = ? AND remaining_points > 0 AND expires_at > ?
		ORDER BY expires_at ASC, created_at ASC`,
		string(memberID), now.UTC().Format(timeFormat))
}

func (s *Store) ExpiringLots(ctx context.Context, memberID ledger.MemberID, now, cutoff time.Time) ([]ledger.PointLot, error) {
	return s.queryLots(ctx, `
		SELECT id, member_id, rule_id, grant_key, points_granted, remaining_points, reason, created_at, expires_at
		FROM point_lots
		WHERE member_id = ? AND remaining_points > 0 AND expires_at > ? AND expires_at <= ?
		ORDER BY expires_at ASC, created_at ASC`,
		string(memberID), now.UTC().Format(timeFormat), cutoff.UTC().Format(timeFormat))
}

func (s *Store) queryLots(ctx context.Context, query string, args ...any) ([]ledger.PointLot, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lots []ledger.PointLot
	for rows.Next() {
		var lot ledger.PointLot
		var id, memberID, ruleID, createdAt, expiresAt string
		var reason sql.NullString
		if err := rows.Scan(&id, &memberID, &ruleID, &lot.GrantKey,
			&lot.PointsGranted, &lot.RemainingPoints, &reason, &createdAt, &expiresAt); err != nil {
			return nil, err
		}
		lot.ID = ledger.LotID(id)
		lot.MemberID = ledger.MemberID(memberID)
		lot.RuleID = ledger.RuleID(ruleID)
		lot.Reason = reason.String
		if lot.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("lot %s: bad created_at: %w", id, err)
		}
		if lot.ExpiresAt, err = parseTime(expiresAt); err != nil {
			return nil, fmt.Errorf("lot %s: bad expires_at: %w", id, err)
		}
		lots = append(lots, lot)
	}
	return lots, rows.Err()
}

func (s *Store) MemberBalance(ctx context.Context, memberID ledger.MemberID, now time.Time) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(remaining_points), 0)
		FROM point_lots
		WHERE member_id = ? AND remaining_points > 0 AND expires_at > ?`,
		string(memberID), now.UTC().Format(timeFormat)).Scan(&balance)
	return balance, err
}

// ApplyRedemption commits all lot decrements and the redemption rows in one
// transaction. A decrement that would overdraw a lot rolls everything back
// with ledger.ErrConcurrencyConflict.
func (s *Store) ApplyRedemption(ctx context.Context, red ledger.Redemption, items []ledger.RedemptionItem) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, it := range items {
		res, err := tx.ExecContext(ctx, `
			UPDATE point_lots
			SET remaining_points = remaining_points - ?
			WHERE id = ? AND remaining_points >= ?`,
			it.UsedPoints, string(it.LotID), it.UsedPoints)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n != 1 {
			return &ledger.ConflictError{LotID: it.LotID}
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO redemptions (id, member_id, total_used_points, created_at)
		VALUES (?, ?, ?, ?)`,
		string(red.ID), string(red.MemberID), red.TotalUsedPoints,
		red.CreatedAt.UTC().Format(timeFormat)); err != nil {
		return err
	}

	for _, it := range items {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO redemption_items (redemption_id, lot_id, used_points)
			VALUES (?, ?, ?)`,
			string(it.RedemptionID), string(it.LotID), it.UsedPoints); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) GrantedTotal(ctx context.Context, ruleID ledger.RuleID) (int64, error) {
	var total int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(points_granted), 0) FROM point_lots WHERE rule_id = ?`,
		string(ruleID)).Scan(&total)
	return total, err
}

func (s *Store) GrantedToMemberInRange(ctx context.Context, ruleID ledger.RuleID, memberID ledger.MemberID, from, to time.Time) (int64, error) {
	var total int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(points_granted), 0)
		FROM point_lots
		WHERE rule_id = ? AND member_id = ? AND created_at >= ? AND created_at < ?`,
		string(ruleID), string(memberID),
		from.UTC().Format(timeFormat), to.UTC().Format(timeFormat)).Scan(&total)
	return total, err
}

// =============================================================================
// EVENT LOG
// =============================================================================

func (s *Store) SeenEvent(ctx context.Context, key string) (bool, int, error) {
	var affected int
	err := s.db.QueryRowContext(ctx,
		`SELECT affected FROM processed_events WHERE event_key = ?`, key).Scan(&affected)
	if errors.Is(err, sql.ErrNoRows) {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, err
	}
	return true, affected, nil
}

func (s *Store) RecordEvent(ctx context.Context, key string, affected int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO processed_events (event_key, affected, processed_at)
		VALUES (?, ?, ?)
		ON CONFLICT(event_key) DO NOTHING`,
		key, affected, time.Now().UTC().Format(timeFormat))
	return err
}

// =============================================================================
// RULE STORE
// =============================================================================

func (s *Store) CreateRule(ctx context.Context, r grant.GrantRule) error {
	config, err := json.Marshal(r)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(timeFormat)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO grant_rules (id, name, status, config_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		string(r.ID), r.Name, string(r.Status), string(config), now, now)
	if isUniqueViolation(err) {
		return &ledger.ValidationError{Field: "id", Message: "rule already exists"}
	}
	return err
}

func (s *Store) UpdateRule(ctx context.Context, r grant.GrantRule) error {
	config, err := json.Marshal(r)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE grant_rules SET name = ?, status = ?, config_json = ?, updated_at = ?
		WHERE id = ?`,
		r.Name, string(r.Status), string(config),
		time.Now().UTC().Format(timeFormat), string(r.ID))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ledger.ErrRuleNotFound
	}
	return nil
}

func (s *Store) Rule(ctx context.Context, id ledger.RuleID) (grant.GrantRule, error) {
	var config string
	err := s.db.QueryRowContext(ctx,
		`SELECT config_json FROM grant_rules WHERE id = ?`, string(id)).Scan(&config)
	if errors.Is(err, sql.ErrNoRows) {
		return grant.GrantRule{}, ledger.ErrRuleNotFound
	}
	if err != nil {
		return grant.GrantRule{}, err
	}

	var rule grant.GrantRule
	if err := json.Unmarshal([]byte(config), &rule); err != nil {
		return grant.GrantRule{}, fmt.Errorf("rule %s: bad config: %w", id, err)
	}
	return rule, nil
}

func (s *Store) ListRules(ctx context.Context) ([]grant.GrantRule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT config_json FROM grant_rules ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []grant.GrantRule
	for rows.Next() {
		var config string
		if err := rows.Scan(&config); err != nil {
			return nil, err
		}
		var rule grant.GrantRule
		if err := json.Unmarshal([]byte(config), &rule); err != nil {
			return nil, fmt.Errorf("bad rule config: %w", err)
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// =============================================================================
// MEMBER DIRECTORY
// =============================================================================

// UpsertMember mirrors a member record from the external directory.
func (s *Store) UpsertMember(ctx context.Context, m ledger.Member) error {
	active := 0
	if m.IsActive {
		active = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO members (id, created_at, is_active, birth_month, birth_day)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			is_active = excluded.is_active,
			birth_month = excluded.birth_month,
			birth_day = excluded.birth_day`,
		string(m.ID), m.CreatedAt.UTC().Format(timeFormat), active, int(m.BirthMonth), m.BirthDay)
	return err
}

func (s *Store) Member(ctx context.Context, id ledger.MemberID) (ledger.Member, error) {
	var m ledger.Member
	var createdAt string
	var active, birthMonth int
	err := s.db.QueryRowContext(ctx, `
		SELECT id, created_at, is_active, birth_month, birth_day
		FROM members WHERE id = ?`, string(id)).
		Scan(&m.ID, &createdAt, &active, &birthMonth, &m.BirthDay)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Member{}, ledger.ErrMemberNotFound
	}
	if err != nil {
		return ledger.Member{}, err
	}
	m.IsActive = active != 0
	m.BirthMonth = time.Month(birthMonth)
	if m.CreatedAt, err = parseTime(createdAt); err != nil {
		return ledger.Member{}, fmt.Errorf("member %s: bad created_at: %w", id, err)
	}
	return m, nil
}

func (s *Store) ListActive(ctx context.Context) ([]ledger.Member, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, created_at, is_active, birth_month, birth_day
		FROM members WHERE is_active = 1 ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []ledger.Member
	for rows.Next() {
		var m ledger.Member
		var createdAt string
		var active, birthMonth int
		if err := rows.Scan(&m.ID, &createdAt, &active, &birthMonth, &m.BirthDay); err != nil {
			return nil, err
		}
		m.IsActive = active != 0
		m.BirthMonth = time.Month(birthMonth)
		if m.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("member %s: bad created_at: %w", m.ID, err)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
