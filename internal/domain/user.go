package domain

import "time"

// User carries the fields the core touches. TotalMiles is a derived cache of
// the user's ledger entries, incremented alongside every append.
type User struct {
	ID         string
	Name       string
	TotalMiles int
	CreatedAt  time.Time
}
