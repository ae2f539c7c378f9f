package api

import (
	"time"

	"example.com/runpledge/internal/domain"
)

// ActivityDTO mirrors the provider's activity shape as accepted over the API.
type ActivityDTO struct {
	ID         string    `json:"id" validate:"required"`
	Name       string    `json:"name"`
	Distance   int       `json:"distance" validate:"gte=0"`
	MovingTime int       `json:"moving_time" validate:"gte=0"`
	StartDate  time.Time `json:"start_date" validate:"required"`
	Map        *struct {
		SummaryPolyline string `json:"summary_polyline"`
	} `json:"map"`
}

func (d ActivityDTO) toExternal() domain.ExternalActivity {
	ext := domain.ExternalActivity{
		ID:             d.ID,
		Name:           d.Name,
		DistanceMeters: d.Distance,
		MovingTimeSec:  d.MovingTime,
		StartedAt:      d.StartDate,
	}
	if d.Map != nil {
		ext.SummaryPolyline = d.Map.SummaryPolyline
	}
	return ext
}

// PledgeRequest is the payload for POST /v1/pledges.
type PledgeRequest struct {
	Activity ActivityDTO `json:"activity" validate:"required"`
	CauseID  string      `json:"cause_id" validate:"required"`
}

// PledgeResponse describes a recorded pledge.
type PledgeResponse struct {
	EntryID      string    `json:"entry_id"`
	ActivityID   string    `json:"activity_id"`
	CauseID      string    `json:"cause_id"`
	MilesApplied int       `json:"miles_applied"`
	AppliedAt    time.Time `json:"applied_at"`
}

// SaveRuleRequest is the payload for PUT /v1/rules.
type SaveRuleRequest struct {
	CauseID    string `json:"cause_id" validate:"required"`
	Percentage int    `json:"percentage" validate:"gte=0,lte=100"`
	Enabled    bool   `json:"enabled"`
}

// SyncRequest is the payload for POST /v1/sync.
type SyncRequest struct {
	Activities []ActivityDTO `json:"activities" validate:"dive"`
}

// SyncResponse reports how many activities were auto-pledged.
type SyncResponse struct {
	Pledged int `json:"pledged"`
}

// SyncActivitiesResponse packages a provider fetch plus auto-pledge result.
type SyncActivitiesResponse struct {
	Items          []ActivityView `json:"items"`
	Pledged        int            `json:"pledged"`
	UpstreamStatus int            `json:"upstream_status,omitempty"`
}

// ActivityView exposes a stored or fetched activity in provider shape.
type ActivityView struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Distance        int       `json:"distance"`
	MovingTime      int       `json:"moving_time"`
	StartDate       time.Time `json:"start_date"`
	SummaryPolyline string    `json:"summary_polyline,omitempty"`
}

// ActivitiesResponse packages an activity list.
type ActivitiesResponse struct {
	Items []ActivityView `json:"items"`
}

// CauseView exposes a cause with its running total.
type CauseView struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	Description  string `json:"description,omitempty"`
	TargetMiles  int    `json:"target_miles"`
	CurrentMiles int    `json:"current_miles"`
}

// CausesResponse packages the global cause list.
type CausesResponse struct {
	Items []CauseView `json:"items"`
}

// RuleView exposes one pledge rule.
type RuleView struct {
	CauseID    string    `json:"cause_id"`
	Percentage int       `json:"percentage"`
	Enabled    bool      `json:"enabled"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// RulesResponse packages the caller's rules.
type RulesResponse struct {
	Items []RuleView `json:"items"`
}

// HistoryItem is one ledger entry with display joins.
type HistoryItem struct {
	EntryID      string    `json:"entry_id"`
	ActivityID   string    `json:"activity_id"`
	ActivityName string    `json:"activity_name,omitempty"`
	CauseID      string    `json:"cause_id"`
	CauseTitle   string    `json:"cause_title,omitempty"`
	MilesApplied int       `json:"miles_applied"`
	AppliedAt    time.Time `json:"applied_at"`
}

// HistoryResponse packages pledge history with a pagination cursor.
type HistoryResponse struct {
	Items      []HistoryItem `json:"items"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

// ImpactItem is the per-cause mile sum for the caller.
type ImpactItem struct {
	CauseID    string `json:"cause_id"`
	CauseTitle string `json:"cause_title,omitempty"`
	TotalMiles int    `json:"total_miles"`
}

// ImpactResponse packages the caller's impact summary.
type ImpactResponse struct {
	Items []ImpactItem `json:"items"`
}

func toActivityView(activity domain.Activity) ActivityView {
	return ActivityView{
		ID:              activity.ID,
		Name:            activity.Name,
		Distance:        activity.DistanceMeters,
		MovingTime:      activity.MovingTimeSec,
		StartDate:       activity.StartedAt,
		SummaryPolyline: activity.SummaryPolyline,
	}
}

func toCauseView(cause domain.Cause) CauseView {
	return CauseView{
		ID:           cause.ID,
		Title:        cause.Title,
		Description:  cause.Description,
		TargetMiles:  cause.TargetMiles,
		CurrentMiles: cause.CurrentMiles,
	}
}
