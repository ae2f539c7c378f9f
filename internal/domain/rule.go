package domain

import "time"

// PledgeRule is a standing instruction to auto-allocate a percentage of
// future distance to a cause. At most one rule exists per (user, cause);
// saves overwrite in place rather than appending.
type PledgeRule struct {
	ID        string
	UserID    string
	CauseID   string
	Percent   int
	Enabled   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}
