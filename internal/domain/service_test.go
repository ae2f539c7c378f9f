package domain_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/runpledge/internal/domain"
	"example.com/runpledge/internal/persistence/memory"
)

func seededService(t *testing.T, policy domain.RuleSumPolicy) (*domain.Service, *memory.Repository, domain.Cause, domain.Cause) {
	t.Helper()
	repo := memory.NewRepository()
	causeA := repo.SeedCause(domain.Cause{Title: "Clean Water", TargetMiles: 1000, IsGlobal: true})
	causeB := repo.SeedCause(domain.Cause{Title: "Reforestation", TargetMiles: 500, IsGlobal: true})
	return domain.NewService(repo, policy), repo, causeA, causeB
}

func tenMileRun(id string, startedAt time.Time) domain.ExternalActivity {
	return domain.ExternalActivity{
		ID:             id,
		Name:           "Morning Run",
		DistanceMeters: 16093, // ~10.0 miles
		MovingTimeSec:  3600,
		StartedAt:      startedAt,
	}
}

func TestPledgeAppendsEntryAndAggregates(t *testing.T) {
	svc, repo, causeA, _ := seededService(t, domain.RuleSumAllow)
	ctx := context.Background()

	entry, err := svc.Pledge(ctx, "user-1", tenMileRun("act-1", time.Now().UTC()), causeA.ID)
	require.NoError(t, err)
	require.Equal(t, 10, entry.MilesApplied)
	require.Equal(t, "act-1", entry.ActivityID)

	require.Equal(t, 10, repo.Cause(causeA.ID).CurrentMiles)
	require.Equal(t, 10, repo.User("user-1").TotalMiles)

	stored, ok := repo.Activity("act-1")
	require.True(t, ok)
	require.Equal(t, "Morning Run", stored.Name)
	require.Equal(t, "user-1", stored.UserID)
}

func TestPledgeRequiresPrincipal(t *testing.T) {
	svc, _, causeA, _ := seededService(t, domain.RuleSumAllow)

	_, err := svc.Pledge(context.Background(), "", tenMileRun("act-1", time.Now().UTC()), causeA.ID)
	require.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestPledgeUnknownCause(t *testing.T) {
	svc, _, _, _ := seededService(t, domain.RuleSumAllow)

	_, err := svc.Pledge(context.Background(), "user-1", tenMileRun("act-1", time.Now().UTC()), "missing")
	require.ErrorIs(t, err, domain.ErrCauseNotFound)
}

// Pledge does not guard against re-pledging; callers must feed it unpledged
// activities. Calling it twice writes two entries and double-counts. This
// asserts the documented behavior, not correctness.
func TestPledgeTwiceDoubleCounts(t *testing.T) {
	svc, repo, causeA, _ := seededService(t, domain.RuleSumAllow)
	ctx := context.Background()
	run := tenMileRun("act-1", time.Now().UTC())

	_, err := svc.Pledge(ctx, "user-1", run, causeA.ID)
	require.NoError(t, err)
	_, err = svc.Pledge(ctx, "user-1", run, causeA.ID)
	require.NoError(t, err)

	require.Len(t, repo.Entries(), 2)
	require.Equal(t, 20, repo.Cause(causeA.ID).CurrentMiles)
	require.Equal(t, 20, repo.User("user-1").TotalMiles)
}

func TestAutoPledgeSplitsAcrossRules(t *testing.T) {
	svc, repo, causeA, causeB := seededService(t, domain.RuleSumAllow)
	ctx := context.Background()

	require.NoError(t, svc.SaveRule(ctx, "user-1", causeA.ID, 50, true))
	require.NoError(t, svc.SaveRule(ctx, "user-1", causeB.ID, 50, true))

	count, err := svc.AutoPledge(ctx, "user-1", []domain.ExternalActivity{tenMileRun("act-1", time.Now().UTC())})
	require.NoError(t, err)
	require.Equal(t, 1, count)

	entries := repo.Entries()
	require.Len(t, entries, 2)
	for _, entry := range entries {
		require.Equal(t, 5, entry.MilesApplied)
	}
	require.Equal(t, 5, repo.Cause(causeA.ID).CurrentMiles)
	require.Equal(t, 5, repo.Cause(causeB.ID).CurrentMiles)
	require.Equal(t, 10, repo.User("user-1").TotalMiles)
}

func TestAutoPledgeSuppressesZeroShares(t *testing.T) {
	svc, repo, causeA, _ := seededService(t, domain.RuleSumAllow)
	ctx := context.Background()

	require.NoError(t, svc.SaveRule(ctx, "user-1", causeA.ID, 10, true))

	tiny := domain.ExternalActivity{ID: "act-tiny", Name: "Warmup", DistanceMeters: 160, StartedAt: time.Now().UTC()}
	count, err := svc.AutoPledge(ctx, "user-1", []domain.ExternalActivity{tiny})
	require.NoError(t, err)

	// The activity counts as processed even though its share rounded to zero.
	require.Equal(t, 1, count)
	require.Empty(t, repo.Entries())
	require.Equal(t, 0, repo.Cause(causeA.ID).CurrentMiles)
	require.Equal(t, 0, repo.User("user-1").TotalMiles)
}

func TestAutoPledgeNoRulesIsNoOp(t *testing.T) {
	svc, repo, _, _ := seededService(t, domain.RuleSumAllow)

	count, err := svc.AutoPledge(context.Background(), "user-1", []domain.ExternalActivity{
		tenMileRun("act-1", time.Now().UTC()),
		tenMileRun("act-2", time.Now().UTC()),
	})
	require.NoError(t, err)
	require.Equal(t, 0, count)
	require.Empty(t, repo.Entries())
	_, stored := repo.Activity("act-1")
	require.False(t, stored)
}

func TestAutoPledgeSkipsAlreadyPledged(t *testing.T) {
	svc, repo, causeA, _ := seededService(t, domain.RuleSumAllow)
	ctx := context.Background()

	_, err := svc.Pledge(ctx, "user-1", tenMileRun("act-1", time.Now().UTC()), causeA.ID)
	require.NoError(t, err)

	require.NoError(t, svc.SaveRule(ctx, "user-1", causeA.ID, 100, true))

	count, err := svc.AutoPledge(ctx, "user-1", []domain.ExternalActivity{
		tenMileRun("act-1", time.Now().UTC()),
		tenMileRun("act-2", time.Now().UTC()),
	})
	require.NoError(t, err)
	require.Equal(t, 1, count)

	require.Len(t, repo.Entries(), 2) // one explicit pledge + one auto
	require.Equal(t, 20, repo.User("user-1").TotalMiles)
}

func TestSyncPersistsActivitiesEvenWithoutRules(t *testing.T) {
	svc, repo, _, _ := seededService(t, domain.RuleSumAllow)

	count, err := svc.SyncAndAutoPledge(context.Background(), "user-1", []domain.ExternalActivity{
		tenMileRun("act-1", time.Now().UTC()),
	})
	require.NoError(t, err)
	require.Equal(t, 0, count)

	_, stored := repo.Activity("act-1")
	require.True(t, stored)
	require.Empty(t, repo.Entries())
}

func TestSyncIsSafeToRepeat(t *testing.T) {
	svc, repo, causeA, _ := seededService(t, domain.RuleSumAllow)
	ctx := context.Background()

	require.NoError(t, svc.SaveRule(ctx, "user-1", causeA.ID, 100, true))
	list := []domain.ExternalActivity{tenMileRun("act-1", time.Now().UTC())}

	for i := 0; i < 3; i++ {
		_, err := svc.SyncAndAutoPledge(ctx, "user-1", list)
		require.NoError(t, err)
	}

	require.Len(t, repo.Entries(), 1)
	require.Equal(t, 10, repo.Cause(causeA.ID).CurrentMiles)
	require.Equal(t, 10, repo.User("user-1").TotalMiles)
}

func TestConcurrentAutoPledgeDoesNotDoubleAllocate(t *testing.T) {
	svc, repo, causeA, _ := seededService(t, domain.RuleSumAllow)
	ctx := context.Background()

	require.NoError(t, svc.SaveRule(ctx, "user-1", causeA.ID, 100, true))
	list := []domain.ExternalActivity{tenMileRun("act-1", time.Now().UTC())}

	errs := make(chan error, 8)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.AutoPledge(ctx, "user-1", list)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.Len(t, repo.Entries(), 1)
	require.Equal(t, 10, repo.Cause(causeA.ID).CurrentMiles)
	require.Equal(t, 10, repo.User("user-1").TotalMiles)
}

func TestUnpledgedFiltering(t *testing.T) {
	svc, _, causeA, _ := seededService(t, domain.RuleSumAllow)
	ctx := context.Background()

	base := time.Date(2026, time.August, 1, 8, 0, 0, 0, time.UTC)
	runs := make([]domain.ExternalActivity, 0, 5)
	for i := 0; i < 5; i++ {
		run := tenMileRun("act-"+string(rune('a'+i)), base.Add(time.Duration(i)*time.Hour))
		runs = append(runs, run)
	}
	_, err := svc.SyncAndAutoPledge(ctx, "user-1", runs)
	require.NoError(t, err)

	_, err = svc.Pledge(ctx, "user-1", runs[1], causeA.ID)
	require.NoError(t, err)
	_, err = svc.Pledge(ctx, "user-1", runs[3], causeA.ID)
	require.NoError(t, err)

	unpledged, err := svc.UnpledgedActivities(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, unpledged, 3)
	// Most recent first.
	require.Equal(t, "act-e", unpledged[0].ID)
	require.Equal(t, "act-c", unpledged[1].ID)
	require.Equal(t, "act-a", unpledged[2].ID)
}

func TestAggregateConservation(t *testing.T) {
	svc, repo, causeA, causeB := seededService(t, domain.RuleSumAllow)
	ctx := context.Background()

	require.NoError(t, svc.SaveRule(ctx, "user-1", causeA.ID, 30, true))
	require.NoError(t, svc.SaveRule(ctx, "user-1", causeB.ID, 60, true))

	base := time.Date(2026, time.August, 1, 8, 0, 0, 0, time.UTC)
	_, err := svc.Pledge(ctx, "user-1", tenMileRun("act-1", base), causeA.ID)
	require.NoError(t, err)
	_, err = svc.AutoPledge(ctx, "user-1", []domain.ExternalActivity{
		tenMileRun("act-2", base.Add(time.Hour)),
		{ID: "act-3", Name: "Half", DistanceMeters: 8047, StartedAt: base.Add(2 * time.Hour)},
	})
	require.NoError(t, err)

	sums := map[string]int{}
	userTotal := 0
	for _, entry := range repo.Entries() {
		sums[entry.CauseID] += entry.MilesApplied
		userTotal += entry.MilesApplied
	}
	require.Equal(t, sums[causeA.ID], repo.Cause(causeA.ID).CurrentMiles)
	require.Equal(t, sums[causeB.ID], repo.Cause(causeB.ID).CurrentMiles)
	require.Equal(t, userTotal, repo.User("user-1").TotalMiles)
}

func TestSaveRuleUpsertsInPlace(t *testing.T) {
	svc, _, causeA, _ := seededService(t, domain.RuleSumAllow)
	ctx := context.Background()

	require.NoError(t, svc.SaveRule(ctx, "user-1", causeA.ID, 40, true))
	require.NoError(t, svc.SaveRule(ctx, "user-1", causeA.ID, 70, false))

	rules, err := svc.Rules(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, rules, 1)
	require.Equal(t, 70, rules[0].Percent)
	require.False(t, rules[0].Enabled)
}

func TestSaveRulePercentBounds(t *testing.T) {
	svc, _, causeA, _ := seededService(t, domain.RuleSumAllow)

	err := svc.SaveRule(context.Background(), "user-1", causeA.ID, 101, true)
	require.ErrorIs(t, err, domain.ErrPercentOutOfRange)
	err = svc.SaveRule(context.Background(), "user-1", causeA.ID, -1, true)
	require.ErrorIs(t, err, domain.ErrPercentOutOfRange)
}

func TestSaveRuleAllowPolicyPermitsOverAllocation(t *testing.T) {
	svc, _, causeA, causeB := seededService(t, domain.RuleSumAllow)
	ctx := context.Background()

	require.NoError(t, svc.SaveRule(ctx, "user-1", causeA.ID, 80, true))
	require.NoError(t, svc.SaveRule(ctx, "user-1", causeB.ID, 80, true))
}

func TestSaveRuleRejectPolicyEnforcesBudget(t *testing.T) {
	svc, _, causeA, causeB := seededService(t, domain.RuleSumReject)
	ctx := context.Background()

	require.NoError(t, svc.SaveRule(ctx, "user-1", causeA.ID, 60, true))

	err := svc.SaveRule(ctx, "user-1", causeB.ID, 50, true)
	require.ErrorIs(t, err, domain.ErrRuleBudgetExceeded)

	// Replacing the existing rule is measured against the other rules only.
	require.NoError(t, svc.SaveRule(ctx, "user-1", causeA.ID, 100, true))
	// Disabled rules never count against the budget.
	require.NoError(t, svc.SaveRule(ctx, "user-1", causeB.ID, 50, false))
}

func TestHistoryNewestFirst(t *testing.T) {
	svc, _, causeA, _ := seededService(t, domain.RuleSumAllow)
	ctx := context.Background()

	base := time.Date(2026, time.August, 1, 8, 0, 0, 0, time.UTC)
	_, err := svc.Pledge(ctx, "user-1", tenMileRun("act-1", base), causeA.ID)
	require.NoError(t, err)
	_, err = svc.Pledge(ctx, "user-1", tenMileRun("act-2", base.Add(time.Hour)), causeA.ID)
	require.NoError(t, err)

	records, _, err := svc.History(ctx, "user-1", nil, 10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.False(t, records[0].AppliedAt.Before(records[1].AppliedAt))
	require.Equal(t, "Clean Water", records[0].CauseTitle)
	require.Equal(t, "Morning Run", records[0].ActivityName)
}

func TestImpactSummaryGroupsByCause(t *testing.T) {
	svc, _, causeA, causeB := seededService(t, domain.RuleSumAllow)
	ctx := context.Background()

	require.NoError(t, svc.SaveRule(ctx, "user-1", causeA.ID, 50, true))
	require.NoError(t, svc.SaveRule(ctx, "user-1", causeB.ID, 50, true))
	_, err := svc.AutoPledge(ctx, "user-1", []domain.ExternalActivity{tenMileRun("act-1", time.Now().UTC())})
	require.NoError(t, err)
	_, err = svc.Pledge(ctx, "user-1", tenMileRun("act-2", time.Now().UTC()), causeA.ID)
	require.NoError(t, err)

	rows, err := svc.ImpactSummary(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, rows, 2)

	byID := map[string]int{}
	for _, row := range rows {
		byID[row.CauseID] = row.TotalMiles
	}
	require.Equal(t, 15, byID[causeA.ID])
	require.Equal(t, 5, byID[causeB.ID])
}

// failingRepo wraps a Repository and fails its read-model queries.
type failingRepo struct {
	domain.Repository
}

var errStorage = errors.New("storage down")

func (f *failingRepo) UnpledgedActivities(ctx context.Context, userID string) ([]domain.Activity, error) {
	return nil, errStorage
}

func (f *failingRepo) HistoryByUser(ctx context.Context, userID string, cursor *domain.Cursor, limit int) ([]domain.PledgeRecord, *domain.Cursor, error) {
	return nil, nil, errStorage
}

func (f *failingRepo) ImpactByUser(ctx context.Context, userID string) ([]domain.ImpactRow, error) {
	return nil, errStorage
}

func TestReadPathsDegradeToEmpty(t *testing.T) {
	svc := domain.NewService(&failingRepo{Repository: memory.NewRepository()}, domain.RuleSumAllow)
	ctx := context.Background()

	unpledged, err := svc.UnpledgedActivities(ctx, "user-1")
	require.NoError(t, err)
	require.Empty(t, unpledged)

	records, next, err := svc.History(ctx, "user-1", nil, 10)
	require.NoError(t, err)
	require.Empty(t, records)
	require.Nil(t, next)

	rows, err := svc.ImpactSummary(ctx, "user-1")
	require.NoError(t, err)
	require.Empty(t, rows)
}
