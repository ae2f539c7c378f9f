package domain

import "time"

// VerificationState tracks cause moderation status.
type VerificationState string

const (
	VerificationPending  VerificationState = "pending"
	VerificationVerified VerificationState = "verified"
	VerificationRejected VerificationState = "rejected"
)

// Cause is a fundraising target measured in cumulative miles. CurrentMiles is
// a derived cache of the ledger, mutated only by the append+aggregate path;
// it is never the source of truth when reconciling.
type Cause struct {
	ID           string
	Title        string
	Description  string
	TargetMiles  int
	CurrentMiles int
	IsGlobal     bool
	OwnerID      *string // nil means a global/public cause
	Verification VerificationState
	CreatedAt    time.Time
}
