package outbox

import "time"

// Topic and event identifiers for pledge domain events.
const (
	TopicPledgeEvents   = "pledge_events"
	EventPledgeRecorded = "pledge.recorded"
)

// PledgeRecorded is published after a ledger entry and its aggregate
// increments commit. Downstream consumers (streaks, leaderboards) key off
// the user via the partition key.
type PledgeRecorded struct {
	EntryID      string    `json:"entry_id"`
	ActivityID   string    `json:"activity_id"`
	CauseID      string    `json:"cause_id"`
	UserID       string    `json:"user_id"`
	MilesApplied int       `json:"miles_applied"`
	AppliedAt    time.Time `json:"applied_at"`
}
