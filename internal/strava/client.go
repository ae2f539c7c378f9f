// Package strava fetches recent activities from the external fitness
// provider, refreshing the bearer credential when it is close to expiry.
package strava

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"example.com/runpledge/internal/domain"
)

// Token is the persisted credential state for one user.
type Token struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// TokenStore persists provider credentials per user.
type TokenStore interface {
	Load(ctx context.Context, userID string) (*Token, error)
	Save(ctx context.Context, userID string, token Token) error
}

// ErrNoToken indicates the user has no stored provider credential.
var ErrNoToken = errors.New("no provider token for user")

// UpstreamError carries the provider's non-success HTTP status.
type UpstreamError struct {
	Status int
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("activity provider returned status %d", e.Status)
}

// refreshWindow is how close to expiry a token may get before it is
// refreshed ahead of a fetch.
const refreshWindow = 5 * time.Minute

// Config holds provider endpoints and OAuth client credentials.
type Config struct {
	BaseURL      string
	TokenURL     string
	ClientID     string
	ClientSecret string
}

// Client talks to the activity provider on behalf of one user at a time.
type Client struct {
	cfg        Config
	store      TokenStore
	httpClient *http.Client
}

// NewClient constructs a Client.
func NewClient(cfg Config, store TokenStore) *Client {
	return &Client{
		cfg:        cfg,
		store:      store,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// RecentActivities fetches the user's recent activity list. The stored token
// is refreshed first when within the refresh window; a failed refresh is
// logged and the stored token is used as-is. The new token state is persisted
// before any fetch proceeds.
func (c *Client) RecentActivities(ctx context.Context, userID string) ([]domain.ExternalActivity, error) {
	token, err := c.store.Load(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load token: %w", err)
	}
	if token == nil {
		return nil, ErrNoToken
	}

	if time.Until(token.ExpiresAt) < refreshWindow {
		refreshed, refreshErr := c.refresh(ctx, *token)
		if refreshErr != nil {
			log.Printf("strava token refresh for %s failed, using stored token: %v", userID, refreshErr)
		} else {
			if err := c.store.Save(ctx, userID, *refreshed); err != nil {
				return nil, fmt.Errorf("persist refreshed token: %w", err)
			}
			token = refreshed
		}
	}

	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/api/v3/athlete/activities"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &UpstreamError{Status: resp.StatusCode}
	}

	var payload []activityPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode activity list: %w", err)
	}

	activities := make([]domain.ExternalActivity, 0, len(payload))
	for _, item := range payload {
		ext, err := item.toExternal()
		if err != nil {
			log.Printf("skipping malformed activity %s: %v", item.ID.String(), err)
			continue
		}
		activities = append(activities, ext)
	}
	return activities, nil
}

func (c *Client) refresh(ctx context.Context, token Token) (*Token, error) {
	form := url.Values{}
	form.Set("client_id", c.cfg.ClientID)
	form.Set("client_secret", c.cfg.ClientSecret)
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", token.RefreshToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &UpstreamError{Status: resp.StatusCode}
	}

	var body struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresAt    int64  `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	if body.AccessToken == "" {
		return nil, errors.New("token response missing access_token")
	}

	refreshed := Token{
		AccessToken:  body.AccessToken,
		RefreshToken: body.RefreshToken,
		ExpiresAt:    time.Unix(body.ExpiresAt, 0).UTC(),
	}
	if refreshed.RefreshToken == "" {
		refreshed.RefreshToken = token.RefreshToken
	}
	return &refreshed, nil
}

// activityPayload mirrors the provider's list-endpoint shape. IDs arrive as
// numbers and are stored verbatim as text.
type activityPayload struct {
	ID         json.Number `json:"id"`
	Name       string      `json:"name"`
	Distance   float64     `json:"distance"`
	MovingTime int         `json:"moving_time"`
	StartDate  string      `json:"start_date"`
	Map        struct {
		SummaryPolyline string `json:"summary_polyline"`
	} `json:"map"`
}

func (p activityPayload) toExternal() (domain.ExternalActivity, error) {
	if p.ID.String() == "" {
		return domain.ExternalActivity{}, errors.New("missing id")
	}
	startedAt, err := time.Parse(time.RFC3339, p.StartDate)
	if err != nil {
		return domain.ExternalActivity{}, fmt.Errorf("parse start_date: %w", err)
	}
	return domain.ExternalActivity{
		ID:              p.ID.String(),
		Name:            p.Name,
		DistanceMeters:  int(math.Round(p.Distance)),
		MovingTimeSec:   p.MovingTime,
		StartedAt:       startedAt,
		SummaryPolyline: p.Map.SummaryPolyline,
	}, nil
}
