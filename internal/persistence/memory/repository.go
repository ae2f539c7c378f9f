// Package memory provides an in-memory Repository for unit tests and local
// development runs without Postgres.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"example.com/runpledge/internal/domain"
)

// Repository stores all pledge state in process memory.
type Repository struct {
	mu         sync.RWMutex
	activities map[string]domain.Activity
	causes     map[string]domain.Cause
	users      map[string]domain.User
	rules      map[string]domain.PledgeRule // keyed user|cause
	ledger     []domain.LedgerEntry
}

// NewRepository constructs an empty Repository.
func NewRepository() *Repository {
	return &Repository{
		activities: make(map[string]domain.Activity),
		causes:     make(map[string]domain.Cause),
		users:      make(map[string]domain.User),
		rules:      make(map[string]domain.PledgeRule),
	}
}

func ruleKey(userID, causeID string) string {
	return userID + "|" + causeID
}

// SeedCause registers a cause, generating an ID when absent.
func (r *Repository) SeedCause(cause domain.Cause) domain.Cause {
	r.mu.Lock()
	defer r.mu.Unlock()

	if strings.TrimSpace(cause.ID) == "" {
		cause.ID = uuid.NewString()
	}
	if cause.Verification == "" {
		cause.Verification = domain.VerificationVerified
	}
	if cause.CreatedAt.IsZero() {
		cause.CreatedAt = time.Now().UTC()
	}
	r.causes[cause.ID] = cause
	return cause
}

// UpsertActivity implements domain.Repository. First write wins.
func (r *Repository) UpsertActivity(ctx context.Context, activity domain.Activity) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.activities[activity.ID]; exists {
		return nil
	}
	if activity.CreatedAt.IsZero() {
		activity.CreatedAt = time.Now().UTC()
	}
	r.activities[activity.ID] = activity
	return nil
}

// UnpledgedActivities implements domain.Repository.
func (r *Repository) UnpledgedActivities(ctx context.Context, userID string) ([]domain.Activity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	pledged := r.pledgedIDsLocked(userID)
	out := make([]domain.Activity, 0)
	for _, activity := range r.activities {
		if activity.UserID != userID {
			continue
		}
		if _, done := pledged[activity.ID]; done {
			continue
		}
		out = append(out, activity)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out, nil
}

// PledgedActivityIDs implements domain.Repository.
func (r *Repository) PledgedActivityIDs(ctx context.Context, userID string) (map[string]struct{}, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.pledgedIDsLocked(userID), nil
}

func (r *Repository) pledgedIDsLocked(userID string) map[string]struct{} {
	ids := make(map[string]struct{})
	for _, entry := range r.ledger {
		if entry.UserID == userID {
			ids[entry.ActivityID] = struct{}{}
		}
	}
	return ids
}

// RulesByUser implements domain.Repository.
func (r *Repository) RulesByUser(ctx context.Context, userID string) ([]domain.PledgeRule, error) {
	return r.rulesByUser(userID, false), nil
}

// EnabledRules implements domain.Repository.
func (r *Repository) EnabledRules(ctx context.Context, userID string) ([]domain.PledgeRule, error) {
	return r.rulesByUser(userID, true), nil
}

func (r *Repository) rulesByUser(userID string, enabledOnly bool) []domain.PledgeRule {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.PledgeRule, 0)
	for _, rule := range r.rules {
		if rule.UserID != userID {
			continue
		}
		if enabledOnly && !rule.Enabled {
			continue
		}
		out = append(out, rule)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CauseID < out[j].CauseID
	})
	return out
}

// SaveRule implements domain.Repository: upsert keyed by (user, cause),
// preserving the original ID and creation time on update.
func (r *Repository) SaveRule(ctx context.Context, rule domain.PledgeRule) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := ruleKey(rule.UserID, rule.CauseID)
	if existing, ok := r.rules[key]; ok {
		existing.Percent = rule.Percent
		existing.Enabled = rule.Enabled
		existing.UpdatedAt = rule.UpdatedAt
		r.rules[key] = existing
		return nil
	}
	r.rules[key] = rule
	return nil
}

// GetCause implements domain.Repository. Missing causes return (nil, nil).
func (r *Repository) GetCause(ctx context.Context, causeID string) (*domain.Cause, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cause, ok := r.causes[causeID]
	if !ok {
		return nil, nil
	}
	return &cause, nil
}

// ListGlobalCauses implements domain.Repository.
func (r *Repository) ListGlobalCauses(ctx context.Context) ([]domain.Cause, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.Cause, 0)
	for _, cause := range r.causes {
		if cause.IsGlobal && cause.Verification == domain.VerificationVerified {
			out = append(out, cause)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Title < out[j].Title })
	return out, nil
}

// AppendEntry implements domain.Repository: ledger insert plus both aggregate
// increments under one lock hold.
func (r *Repository) AppendEntry(ctx context.Context, entry domain.LedgerEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.ledger = append(r.ledger, entry)

	cause := r.causes[entry.CauseID]
	cause.CurrentMiles += entry.MilesApplied
	r.causes[entry.CauseID] = cause

	user, ok := r.users[entry.UserID]
	if !ok {
		user = domain.User{ID: entry.UserID, CreatedAt: entry.AppliedAt}
	}
	user.TotalMiles += entry.MilesApplied
	r.users[entry.UserID] = user
	return nil
}

// HistoryByUser implements domain.Repository.
func (r *Repository) HistoryByUser(ctx context.Context, userID string, cursor *domain.Cursor, limit int) ([]domain.PledgeRecord, *domain.Cursor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := make([]domain.LedgerEntry, 0)
	for _, entry := range r.ledger {
		if entry.UserID == userID {
			entries = append(entries, entry)
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].AppliedAt.Equal(entries[j].AppliedAt) {
			return entries[i].AppliedAt.After(entries[j].AppliedAt)
		}
		return entries[i].ID > entries[j].ID
	})

	if cursor != nil {
		trimmed := entries[:0]
		for _, entry := range entries {
			if entry.AppliedAt.Before(cursor.AppliedAt) ||
				(entry.AppliedAt.Equal(cursor.AppliedAt) && entry.ID < cursor.ID) {
				trimmed = append(trimmed, entry)
			}
		}
		entries = trimmed
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}

	records := make([]domain.PledgeRecord, 0, len(entries))
	for _, entry := range entries {
		records = append(records, domain.PledgeRecord{
			LedgerEntry:  entry,
			ActivityName: r.activities[entry.ActivityID].Name,
			CauseTitle:   r.causes[entry.CauseID].Title,
		})
	}

	var next *domain.Cursor
	if limit > 0 && len(records) == limit {
		last := records[len(records)-1]
		next = &domain.Cursor{AppliedAt: last.AppliedAt, ID: last.ID}
	}
	return records, next, nil
}

// ImpactByUser implements domain.Repository.
func (r *Repository) ImpactByUser(ctx context.Context, userID string) ([]domain.ImpactRow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	totals := make(map[string]int)
	for _, entry := range r.ledger {
		if entry.UserID == userID {
			totals[entry.CauseID] += entry.MilesApplied
		}
	}

	out := make([]domain.ImpactRow, 0, len(totals))
	for causeID, miles := range totals {
		out = append(out, domain.ImpactRow{
			CauseID:    causeID,
			CauseTitle: r.causes[causeID].Title,
			TotalMiles: miles,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CauseID < out[j].CauseID })
	return out, nil
}

// Cause returns the stored cause snapshot for assertions.
func (r *Repository) Cause(causeID string) domain.Cause {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.causes[causeID]
}

// User returns the stored user snapshot for assertions.
func (r *Repository) User(userID string) domain.User {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.users[userID]
}

// Entries returns a copy of the ledger for assertions.
func (r *Repository) Entries() []domain.LedgerEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.LedgerEntry, len(r.ledger))
	copy(out, r.ledger)
	return out
}

// Activity returns the stored activity and whether it exists.
func (r *Repository) Activity(id string) (domain.Activity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	activity, ok := r.activities[id]
	return activity, ok
}
