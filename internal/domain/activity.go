package domain

import "time"

// ExternalActivity is the provider-shaped record as fetched from the fitness
// API, validated at the boundary before it enters the core.
type ExternalActivity struct {
	ID              string
	Name            string
	DistanceMeters  int
	MovingTimeSec   int
	StartedAt       time.Time
	SummaryPolyline string
}

// Activity is the stored import. ID is the provider-assigned external
// identifier kept verbatim; re-import correctness depends on matching it
// exactly. Rows are immutable after first write.
type Activity struct {
	ID              string
	UserID          string
	Name            string
	DistanceMeters  int
	MovingTimeSec   int
	StartedAt       time.Time
	SummaryPolyline string
	CreatedAt       time.Time
}

// toActivity pins an external record to its owner for storage.
func (e ExternalActivity) toActivity(userID string, now time.Time) Activity {
	return Activity{
		ID:              e.ID,
		UserID:          userID,
		Name:            e.Name,
		DistanceMeters:  e.DistanceMeters,
		MovingTimeSec:   e.MovingTimeSec,
		StartedAt:       e.StartedAt.UTC(),
		SummaryPolyline: e.SummaryPolyline,
		CreatedAt:       now,
	}
}
