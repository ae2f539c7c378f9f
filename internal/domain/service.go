// Package domain defines the pledge-allocation core: unit conversion, the
// allocation engine, and the append-only ledger semantics.
package domain

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrUnauthorized indicates the operation was invoked without an
	// authenticated principal.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrCauseNotFound is returned when a referenced cause does not exist.
	ErrCauseNotFound = errors.New("cause not found")
	// ErrPercentOutOfRange is returned for rule percentages outside [0,100].
	ErrPercentOutOfRange = errors.New("percentage must be between 0 and 100")
	// ErrRuleBudgetExceeded is returned under the reject policy when a save
	// would push the user's enabled-rule percentage sum over 100.
	ErrRuleBudgetExceeded = errors.New("enabled rule percentages exceed 100")
)

// RuleSumPolicy governs whether SaveRule enforces the cross-rule percentage
// budget. The original product trusted the UI, so allow is the default.
type RuleSumPolicy string

const (
	RuleSumAllow  RuleSumPolicy = "allow"
	RuleSumReject RuleSumPolicy = "reject"
)

// Service orchestrates pledge workflows over a Repository.
type Service struct {
	repo      Repository
	sumPolicy RuleSumPolicy
	locks     *userLocks
}

// NewService constructs a Service.
func NewService(repo Repository, sumPolicy RuleSumPolicy) *Service {
	if sumPolicy == "" {
		sumPolicy = RuleSumAllow
	}
	return &Service{repo: repo, sumPolicy: sumPolicy, locks: newUserLocks()}
}

// Pledge allocates an activity's full distance to a single cause: idempotent
// activity upsert, one ledger entry, and matching aggregate increments.
//
// Precondition: callers select the activity from the unpledged list. Pledge
// does not check for prior entries; invoking it twice for the same activity
// writes two entries and double-counts the aggregates.
func (s *Service) Pledge(ctx context.Context, userID string, ext ExternalActivity, causeID string) (*LedgerEntry, error) {
	if userID == "" {
		return nil, ErrUnauthorized
	}

	lock := s.locks.forUser(userID)
	lock.Lock()
	defer lock.Unlock()

	cause, err := s.repo.GetCause(ctx, causeID)
	if err != nil {
		return nil, fmt.Errorf("load cause: %w", err)
	}
	if cause == nil {
		return nil, ErrCauseNotFound
	}

	now := time.Now().UTC()
	if err := s.repo.UpsertActivity(ctx, ext.toActivity(userID, now)); err != nil {
		return nil, fmt.Errorf("upsert activity: %w", err)
	}

	entry := LedgerEntry{
		ID:           uuid.NewString(),
		ActivityID:   ext.ID,
		CauseID:      causeID,
		UserID:       userID,
		MilesApplied: RoundedMiles(ext.DistanceMeters),
		AppliedAt:    now,
	}
	if err := s.repo.AppendEntry(ctx, entry); err != nil {
		return nil, fmt.Errorf("append ledger entry: %w", err)
	}
	return &entry, nil
}

// AutoPledge applies the user's enabled rules across the not-yet-pledged
// subset of the supplied activities. Returns the number of activities
// processed, not the number of ledger entries written.
//
// Each rule's share is rounded independently, so the shares for one activity
// may not sum to the rounded whole-activity miles. Shares that round to zero
// write nothing.
func (s *Service) AutoPledge(ctx context.Context, userID string, activities []ExternalActivity) (int, error) {
	if userID == "" {
		return 0, ErrUnauthorized
	}

	lock := s.locks.forUser(userID)
	lock.Lock()
	defer lock.Unlock()

	return s.autoPledgeLocked(ctx, userID, activities)
}

func (s *Service) autoPledgeLocked(ctx context.Context, userID string, activities []ExternalActivity) (int, error) {
	rules, err := s.repo.EnabledRules(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("load rules: %w", err)
	}
	if len(rules) == 0 {
		return 0, nil
	}

	pledged, err := s.repo.PledgedActivityIDs(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("load pledged ids: %w", err)
	}

	count := 0
	for _, ext := range activities {
		if _, done := pledged[ext.ID]; done {
			continue
		}

		now := time.Now().UTC()
		if err := s.repo.UpsertActivity(ctx, ext.toActivity(userID, now)); err != nil {
			return count, fmt.Errorf("upsert activity %s: %w", ext.ID, err)
		}

		totalMiles := ToMiles(ext.DistanceMeters)
		for _, rule := range rules {
			share := int(math.Round(totalMiles * float64(rule.Percent) / 100))
			if share <= 0 {
				continue
			}
			entry := LedgerEntry{
				ID:           uuid.NewString(),
				ActivityID:   ext.ID,
				CauseID:      rule.CauseID,
				UserID:       userID,
				MilesApplied: share,
				AppliedAt:    now,
			}
			if err := s.repo.AppendEntry(ctx, entry); err != nil {
				return count, fmt.Errorf("append ledger entry for cause %s: %w", rule.CauseID, err)
			}
		}
		count++
	}
	return count, nil
}

// SyncAndAutoPledge persists every fetched activity, then auto-pledges over
// the same list. Safe to trigger on every page load: the upserts are
// idempotent and auto-pledge filters to unpledged activities under the
// per-user lock.
func (s *Service) SyncAndAutoPledge(ctx context.Context, userID string, activities []ExternalActivity) (int, error) {
	if userID == "" {
		return 0, ErrUnauthorized
	}

	lock := s.locks.forUser(userID)
	lock.Lock()
	defer lock.Unlock()

	now := time.Now().UTC()
	for _, ext := range activities {
		if err := s.repo.UpsertActivity(ctx, ext.toActivity(userID, now)); err != nil {
			return 0, fmt.Errorf("upsert activity %s: %w", ext.ID, err)
		}
	}
	return s.autoPledgeLocked(ctx, userID, activities)
}

// SaveRule upserts a rule keyed by (user, cause). Percent is bounds-checked
// per rule; the cross-rule budget is enforced only under RuleSumReject.
func (s *Service) SaveRule(ctx context.Context, userID, causeID string, percent int, enabled bool) error {
	if userID == "" {
		return ErrUnauthorized
	}
	if percent < 0 || percent > 100 {
		return ErrPercentOutOfRange
	}

	cause, err := s.repo.GetCause(ctx, causeID)
	if err != nil {
		return fmt.Errorf("load cause: %w", err)
	}
	if cause == nil {
		return ErrCauseNotFound
	}

	if s.sumPolicy == RuleSumReject && enabled {
		rules, err := s.repo.EnabledRules(ctx, userID)
		if err != nil {
			return fmt.Errorf("load rules: %w", err)
		}
		sum := percent
		for _, rule := range rules {
			if rule.CauseID != causeID {
				sum += rule.Percent
			}
		}
		if sum > 100 {
			return ErrRuleBudgetExceeded
		}
	}

	now := time.Now().UTC()
	return s.repo.SaveRule(ctx, PledgeRule{
		ID:        uuid.NewString(),
		UserID:    userID,
		CauseID:   causeID,
		Percent:   percent,
		Enabled:   enabled,
		CreatedAt: now,
		UpdatedAt: now,
	})
}

// Rules returns all of the user's rules, enabled or not.
func (s *Service) Rules(ctx context.Context, userID string) ([]PledgeRule, error) {
	if userID == "" {
		return nil, ErrUnauthorized
	}
	return s.repo.RulesByUser(ctx, userID)
}

// GlobalCauses lists verified public causes.
func (s *Service) GlobalCauses(ctx context.Context) ([]Cause, error) {
	return s.repo.ListGlobalCauses(ctx)
}

// UnpledgedActivities lists the user's activities with no ledger entry,
// newest first. Supplementary display data: storage failures degrade to an
// empty list rather than failing the page.
func (s *Service) UnpledgedActivities(ctx context.Context, userID string) ([]Activity, error) {
	if userID == "" {
		return nil, ErrUnauthorized
	}
	activities, err := s.repo.UnpledgedActivities(ctx, userID)
	if err != nil {
		log.Printf("unpledged activities for %s: %v", userID, err)
		return []Activity{}, nil
	}
	return activities, nil
}

// History returns the user's ledger entries newest first with display joins.
// Degrades to empty on storage failure.
func (s *Service) History(ctx context.Context, userID string, cursor *Cursor, limit int) ([]PledgeRecord, *Cursor, error) {
	if userID == "" {
		return nil, nil, ErrUnauthorized
	}
	records, next, err := s.repo.HistoryByUser(ctx, userID, cursor, limit)
	if err != nil {
		log.Printf("pledge history for %s: %v", userID, err)
		return []PledgeRecord{}, nil, nil
	}
	return records, next, nil
}

// ImpactSummary returns per-cause summed miles for the user. Degrades to
// empty on storage failure.
func (s *Service) ImpactSummary(ctx context.Context, userID string) ([]ImpactRow, error) {
	if userID == "" {
		return nil, ErrUnauthorized
	}
	rows, err := s.repo.ImpactByUser(ctx, userID)
	if err != nil {
		log.Printf("impact summary for %s: %v", userID, err)
		return []ImpactRow{}, nil
	}
	return rows, nil
}
