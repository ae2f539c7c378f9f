package domain

import "time"

// LedgerEntry is an immutable record of miles allocated from one activity to
// one cause. Entries are append-only; aggregates on Cause and User are
// derived from them.
type LedgerEntry struct {
	ID           string
	ActivityID   string
	CauseID      string
	UserID       string
	MilesApplied int
	AppliedAt    time.Time
}

// PledgeRecord is a ledger entry joined with display fields for history views.
type PledgeRecord struct {
	LedgerEntry
	ActivityName string
	CauseTitle   string
}

// ImpactRow is the per-cause mile sum for one user's impact summary.
type ImpactRow struct {
	CauseID    string
	CauseTitle string
	TotalMiles int
}
