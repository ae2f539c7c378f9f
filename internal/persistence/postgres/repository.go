package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/runpledge/internal/domain"
	"example.com/runpledge/internal/observability"
	"example.com/runpledge/internal/outbox"
)

// Repository provides Postgres-backed persistence for activities, rules, the
// pledge ledger, and outbox events.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// ensureUser creates the user row if the identity service has not seeded it
// yet. Activities, rules, and ledger entries all reference users.
func (r *Repository) ensureUser(ctx context.Context, q execer, userID string) error {
	_, err := q.Exec(ctx, `INSERT INTO users (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`, userID)
	return err
}

// UpsertActivity inserts the activity keyed by its provider-assigned ID.
// Existing rows win; re-import never overwrites fields.
func (r *Repository) UpsertActivity(ctx context.Context, activity domain.Activity) error {
	if err := r.ensureUser(ctx, r.pool, activity.UserID); err != nil {
		return err
	}

	const stmt = `INSERT INTO activities (activity_id, user_id, name, distance_m, moving_time_s, started_at, summary_polyline, created_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
        ON CONFLICT (activity_id) DO NOTHING`

	_, err := r.pool.Exec(ctx, stmt,
		activity.ID,
		activity.UserID,
		activity.Name,
		activity.DistanceMeters,
		activity.MovingTimeSec,
		activity.StartedAt,
		nullIfEmpty(activity.SummaryPolyline),
		activity.CreatedAt,
	)
	return err
}

// UnpledgedActivities returns activities for the user with no ledger entry,
// newest first. The anti-join runs fresh on every call.
func (r *Repository) UnpledgedActivities(ctx context.Context, userID string) ([]domain.Activity, error) {
	const query = `SELECT a.activity_id, a.user_id, a.name, a.distance_m, a.moving_time_s, a.started_at, COALESCE(a.summary_polyline, ''), a.created_at
        FROM activities a
        WHERE a.user_id = $1
          AND NOT EXISTS (
            SELECT 1 FROM ledger l WHERE l.activity_id = a.activity_id AND l.user_id = a.user_id
          )
        ORDER BY a.started_at DESC, a.activity_id DESC`

	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := make([]domain.Activity, 0)
	for rows.Next() {
		var activity domain.Activity
		if err := rows.Scan(&activity.ID, &activity.UserID, &activity.Name, &activity.DistanceMeters, &activity.MovingTimeSec, &activity.StartedAt, &activity.SummaryPolyline, &activity.CreatedAt); err != nil {
			return nil, err
		}
		results = append(results, activity)
	}
	return results, rows.Err()
}

// PledgedActivityIDs returns the distinct activity IDs in the user's ledger.
func (r *Repository) PledgedActivityIDs(ctx context.Context, userID string) (map[string]struct{}, error) {
	rows, err := r.pool.Query(ctx, `SELECT DISTINCT activity_id FROM ledger WHERE user_id = $1`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids[id] = struct{}{}
	}
	return ids, rows.Err()
}

// RulesByUser returns all of the user's rules.
func (r *Repository) RulesByUser(ctx context.Context, userID string) ([]domain.PledgeRule, error) {
	return r.queryRules(ctx, `SELECT rule_id, user_id, cause_id, percent, enabled, created_at, updated_at
        FROM pledge_rules WHERE user_id = $1 ORDER BY cause_id`, userID)
}

// EnabledRules returns the user's enabled rules.
func (r *Repository) EnabledRules(ctx context.Context, userID string) ([]domain.PledgeRule, error) {
	return r.queryRules(ctx, `SELECT rule_id, user_id, cause_id, percent, enabled, created_at, updated_at
        FROM pledge_rules WHERE user_id = $1 AND enabled ORDER BY cause_id`, userID)
}

func (r *Repository) queryRules(ctx context.Context, query, userID string) ([]domain.PledgeRule, error) {
	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := make([]domain.PledgeRule, 0)
	for rows.Next() {
		var rule domain.PledgeRule
		if err := rows.Scan(&rule.ID, &rule.UserID, &rule.CauseID, &rule.Percent, &rule.Enabled, &rule.CreatedAt, &rule.UpdatedAt); err != nil {
			return nil, err
		}
		results = append(results, rule)
	}
	return results, rows.Err()
}

// SaveRule upserts keyed by (user_id, cause_id). Conflicting saves update
// percent, enabled and updated_at in place and keep the original rule_id.
func (r *Repository) SaveRule(ctx context.Context, rule domain.PledgeRule) error {
	if err := r.ensureUser(ctx, r.pool, rule.UserID); err != nil {
		return err
	}

	const stmt = `INSERT INTO pledge_rules (rule_id, user_id, cause_id, percent, enabled, created_at, updated_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7)
        ON CONFLICT (user_id, cause_id) DO UPDATE
        SET percent = EXCLUDED.percent, enabled = EXCLUDED.enabled, updated_at = EXCLUDED.updated_at`

	_, err := r.pool.Exec(ctx, stmt, rule.ID, rule.UserID, rule.CauseID, rule.Percent, rule.Enabled, rule.CreatedAt, rule.UpdatedAt)
	return err
}

// GetCause retrieves a cause by ID, returning (nil, nil) when absent.
func (r *Repository) GetCause(ctx context.Context, causeID string) (*domain.Cause, error) {
	const query = `SELECT cause_id, title, COALESCE(description, ''), target_miles, current_miles, is_global, owner_id, verification, created_at
        FROM causes WHERE cause_id = $1`

	row := r.pool.QueryRow(ctx, query, causeID)
	var cause domain.Cause
	if err := row.Scan(&cause.ID, &cause.Title, &cause.Description, &cause.TargetMiles, &cause.CurrentMiles, &cause.IsGlobal, &cause.OwnerID, &cause.Verification, &cause.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &cause, nil
}

// ListGlobalCauses returns verified public causes.
func (r *Repository) ListGlobalCauses(ctx context.Context) ([]domain.Cause, error) {
	const query = `SELECT cause_id, title, COALESCE(description, ''), target_miles, current_miles, is_global, owner_id, verification, created_at
        FROM causes WHERE is_global AND verification = 'verified' ORDER BY title`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := make([]domain.Cause, 0)
	for rows.Next() {
		var cause domain.Cause
		if err := rows.Scan(&cause.ID, &cause.Title, &cause.Description, &cause.TargetMiles, &cause.CurrentMiles, &cause.IsGlobal, &cause.OwnerID, &cause.Verification, &cause.CreatedAt); err != nil {
			return nil, err
		}
		results = append(results, cause)
	}
	return results, rows.Err()
}

// AppendEntry inserts the ledger row, increments both aggregates, and records
// the outbox event inside a single transaction. A failure anywhere rolls the
// whole unit back, so aggregates never drift from the ledger.
func (r *Repository) AppendEntry(ctx context.Context, entry domain.LedgerEntry) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback(ctx)
		}
	}()

	if err = r.ensureUser(ctx, tx, entry.UserID); err != nil {
		return err
	}

	const insertEntry = `INSERT INTO ledger (entry_id, activity_id, cause_id, user_id, miles_applied, applied_at)
        VALUES ($1,$2,$3,$4,$5,$6)`
	if _, err = tx.Exec(ctx, insertEntry, entry.ID, entry.ActivityID, entry.CauseID, entry.UserID, entry.MilesApplied, entry.AppliedAt); err != nil {
		return err
	}

	tag, execErr := tx.Exec(ctx, `UPDATE causes SET current_miles = current_miles + $1 WHERE cause_id = $2`, entry.MilesApplied, entry.CauseID)
	if execErr != nil {
		err = execErr
		return err
	}
	if tag.RowsAffected() == 0 {
		err = fmt.Errorf("cause %s missing during aggregate update", entry.CauseID)
		return err
	}

	if _, err = tx.Exec(ctx, `UPDATE users SET total_miles = total_miles + $1 WHERE user_id = $2`, entry.MilesApplied, entry.UserID); err != nil {
		return err
	}

	if err = r.insertOutbox(ctx, tx, entry); err != nil {
		return err
	}

	err = tx.Commit(ctx)
	if err != nil {
		return err
	}
	observability.RecordPledgeApplied(entry.AppliedAt, entry.MilesApplied)
	return nil
}

func (r *Repository) insertOutbox(ctx context.Context, tx pgx.Tx, entry domain.LedgerEntry) error {
	body, err := json.Marshal(outbox.PledgeRecorded{
		EntryID:      entry.ID,
		ActivityID:   entry.ActivityID,
		CauseID:      entry.CauseID,
		UserID:       entry.UserID,
		MilesApplied: entry.MilesApplied,
		AppliedAt:    entry.AppliedAt,
	})
	if err != nil {
		return err
	}

	dedupeKey := fmt.Sprintf("%s:%s", entry.ID, outbox.EventPledgeRecorded)

	const stmt = `INSERT INTO outbox (aggregate_type, aggregate_id, event_type, topic, partition_key, payload, dedupe_key)
        VALUES ($1,$2,$3,$4,$5,$6,$7)`

	_, err = tx.Exec(ctx, stmt,
		"ledger_entry",
		entry.ID,
		outbox.EventPledgeRecorded,
		outbox.TopicPledgeEvents,
		entry.UserID,
		body,
		dedupeKey,
	)
	return err
}

// HistoryByUser returns the user's ledger newest first with display joins,
// keyset-paginated on (applied_at, entry_id).
func (r *Repository) HistoryByUser(ctx context.Context, userID string, cursor *domain.Cursor, limit int) ([]domain.PledgeRecord, *domain.Cursor, error) {
	args := []interface{}{userID, limit}
	query := `SELECT l.entry_id, l.activity_id, l.cause_id, l.user_id, l.miles_applied, l.applied_at,
               COALESCE(a.name, ''), COALESCE(c.title, '')
        FROM ledger l
        LEFT JOIN activities a ON a.activity_id = l.activity_id
        LEFT JOIN causes c ON c.cause_id = l.cause_id
        WHERE l.user_id = $1`

	if cursor != nil {
		query += ` AND (l.applied_at, l.entry_id) < ($3, $4)`
		args = append(args, cursor.AppliedAt, cursor.ID)
	}

	query += ` ORDER BY l.applied_at DESC, l.entry_id DESC LIMIT $2`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	results := make([]domain.PledgeRecord, 0, limit)
	for rows.Next() {
		var record domain.PledgeRecord
		if err := rows.Scan(&record.ID, &record.ActivityID, &record.CauseID, &record.UserID, &record.MilesApplied, &record.AppliedAt, &record.ActivityName, &record.CauseTitle); err != nil {
			return nil, nil, err
		}
		results = append(results, record)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	var nextCursor *domain.Cursor
	if len(results) == limit {
		last := results[len(results)-1]
		nextCursor = &domain.Cursor{AppliedAt: last.AppliedAt, ID: last.ID}
	}
	return results, nextCursor, nil
}

// ImpactByUser sums applied miles per cause for the user.
func (r *Repository) ImpactByUser(ctx context.Context, userID string) ([]domain.ImpactRow, error) {
	const query = `SELECT l.cause_id, COALESCE(c.title, ''), SUM(l.miles_applied)
        FROM ledger l
        LEFT JOIN causes c ON c.cause_id = l.cause_id
        WHERE l.user_id = $1
        GROUP BY l.cause_id, c.title
        ORDER BY l.cause_id`

	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := make([]domain.ImpactRow, 0)
	for rows.Next() {
		var row domain.ImpactRow
		if err := rows.Scan(&row.CauseID, &row.CauseTitle, &row.TotalMiles); err != nil {
			return nil, err
		}
		results = append(results, row)
	}
	return results, rows.Err()
}

// GetUser retrieves a user by ID, returning (nil, nil) when absent.
func (r *Repository) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	const query = `SELECT user_id, COALESCE(name, ''), total_miles, created_at FROM users WHERE user_id = $1`

	row := r.pool.QueryRow(ctx, query, userID)
	var user domain.User
	if err := row.Scan(&user.ID, &user.Name, &user.TotalMiles, &user.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &user, nil
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}
