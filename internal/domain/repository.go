package domain

import (
	"context"
	"time"
)

// Cursor models the pagination token for pledge history.
type Cursor struct {
	AppliedAt time.Time
	ID        string
}

// Repository captures persistence operations required by the allocation core.
type Repository interface {
	// UpsertActivity inserts the activity keyed by its external ID. On
	// conflict the existing row wins and no error is returned.
	UpsertActivity(ctx context.Context, activity Activity) error
	// UnpledgedActivities returns the user's activities with no ledger entry,
	// newest first. The set difference is recomputed on every call.
	UnpledgedActivities(ctx context.Context, userID string) ([]Activity, error)
	// PledgedActivityIDs returns the distinct activity IDs referenced by the
	// user's ledger entries.
	PledgedActivityIDs(ctx context.Context, userID string) (map[string]struct{}, error)

	RulesByUser(ctx context.Context, userID string) ([]PledgeRule, error)
	EnabledRules(ctx context.Context, userID string) ([]PledgeRule, error)
	// SaveRule upserts keyed by (user, cause), updating percent, enabled and
	// updated_at in place when a rule already exists.
	SaveRule(ctx context.Context, rule PledgeRule) error

	GetCause(ctx context.Context, causeID string) (*Cause, error)
	ListGlobalCauses(ctx context.Context) ([]Cause, error)

	// AppendEntry inserts the ledger entry and increments the cause and user
	// aggregates by MilesApplied as a single unit.
	AppendEntry(ctx context.Context, entry LedgerEntry) error
	HistoryByUser(ctx context.Context, userID string, cursor *Cursor, limit int) ([]PledgeRecord, *Cursor, error)
	ImpactByUser(ctx context.Context, userID string) ([]ImpactRow, error)
}
