package strava

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubStore struct {
	token *Token
	saved []Token
}

func (s *stubStore) Load(ctx context.Context, userID string) (*Token, error) {
	return s.token, nil
}

func (s *stubStore) Save(ctx context.Context, userID string, token Token) error {
	s.saved = append(s.saved, token)
	s.token = &token
	return nil
}

const activityListBody = `[
  {"id": 987654321, "name": "Morning Run", "distance": 16093.4, "moving_time": 3600,
   "start_date": "2026-08-01T08:00:00Z", "map": {"summary_polyline": "abc"}},
  {"id": 987654322, "name": "Broken", "distance": 100, "start_date": "not-a-date"},
  {"id": 987654323, "name": "Evening Jog", "distance": 805.1, "moving_time": 600,
   "start_date": "2026-08-01T18:30:00Z"}
]`

func TestRecentActivitiesMapsProviderPayload(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/athlete/activities", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(activityListBody))
	}))
	defer server.Close()

	store := &stubStore{token: &Token{
		AccessToken: "fresh-token",
		ExpiresAt:   time.Now().Add(time.Hour),
	}}
	client := NewClient(Config{BaseURL: server.URL}, store)

	activities, err := client.RecentActivities(context.Background(), "user-1")
	require.NoError(t, err)

	assert.Equal(t, "Bearer fresh-token", gotAuth)
	// Malformed entries are skipped, not fatal.
	require.Len(t, activities, 2)
	assert.Equal(t, "987654321", activities[0].ID)
	assert.Equal(t, "Morning Run", activities[0].Name)
	assert.Equal(t, 16093, activities[0].DistanceMeters)
	assert.Equal(t, 3600, activities[0].MovingTimeSec)
	assert.Equal(t, "abc", activities[0].SummaryPolyline)
	assert.Equal(t, "987654323", activities[1].ID)
	assert.Equal(t, 805, activities[1].DistanceMeters)
	assert.Empty(t, store.saved, "token far from expiry should not be refreshed")
}

func TestRecentActivitiesRefreshesNearExpiry(t *testing.T) {
	newExpiry := time.Now().Add(6 * time.Hour).Unix()

	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		assert.Equal(t, "old-refresh", r.Form.Get("refresh_token"))
		assert.Equal(t, "client-1", r.Form.Get("client_id"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"new-token","refresh_token":"new-refresh","expires_at":` +
			strconv.FormatInt(newExpiry, 10) + `}`))
	}))
	defer tokenServer.Close()

	var gotAuth string
	apiServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`[]`))
	}))
	defer apiServer.Close()

	store := &stubStore{token: &Token{
		AccessToken:  "old-token",
		RefreshToken: "old-refresh",
		ExpiresAt:    time.Now().Add(time.Minute),
	}}
	client := NewClient(Config{
		BaseURL:      apiServer.URL,
		TokenURL:     tokenServer.URL,
		ClientID:     "client-1",
		ClientSecret: "secret",
	}, store)

	_, err := client.RecentActivities(context.Background(), "user-1")
	require.NoError(t, err)

	assert.Equal(t, "Bearer new-token", gotAuth)
	require.Len(t, store.saved, 1, "refreshed token must be persisted before the fetch")
	assert.Equal(t, "new-token", store.saved[0].AccessToken)
	assert.Equal(t, "new-refresh", store.saved[0].RefreshToken)
}

func TestRecentActivitiesFallsBackWhenRefreshFails(t *testing.T) {
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer tokenServer.Close()

	var gotAuth string
	apiServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`[]`))
	}))
	defer apiServer.Close()

	store := &stubStore{token: &Token{
		AccessToken:  "stored-token",
		RefreshToken: "stored-refresh",
		ExpiresAt:    time.Now().Add(time.Minute),
	}}
	client := NewClient(Config{BaseURL: apiServer.URL, TokenURL: tokenServer.URL}, store)

	activities, err := client.RecentActivities(context.Background(), "user-1")
	require.NoError(t, err)

	assert.Empty(t, activities)
	assert.Equal(t, "Bearer stored-token", gotAuth)
	assert.Empty(t, store.saved)
}

func TestRecentActivitiesSurfacesUpstreamStatus(t *testing.T) {
	apiServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer apiServer.Close()

	store := &stubStore{token: &Token{
		AccessToken: "token",
		ExpiresAt:   time.Now().Add(time.Hour),
	}}
	client := NewClient(Config{BaseURL: apiServer.URL}, store)

	_, err := client.RecentActivities(context.Background(), "user-1")
	var upstream *UpstreamError
	require.ErrorAs(t, err, &upstream)
	assert.Equal(t, http.StatusTooManyRequests, upstream.Status)
}

func TestRecentActivitiesRequiresStoredToken(t *testing.T) {
	client := NewClient(Config{BaseURL: "http://unused"}, &stubStore{})

	_, err := client.RecentActivities(context.Background(), "user-1")
	require.ErrorIs(t, err, ErrNoToken)
}
