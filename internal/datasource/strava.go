package datasource

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/daa-project/daa/internal/httpkit"
)

const stravaAPIURL = "https://www.strava.com/api/v3"

// StravaFetcher retrieves the athlete's most recent activities.
type StravaFetcher struct {
	baseURL    string
	tokens     TokenSource
	limit      int
	httpClient *http.Client
}

// NewStravaFetcher creates a Strava activity fetcher reporting the
// given number of recent activities.
func NewStravaFetcher(tokens TokenSource, limit int) *StravaFetcher {
	if limit <= 0 {
		limit = 3
	}
	return &StravaFetcher{
		baseURL: stravaAPIURL,
		tokens:  tokens,
		limit:   limit,
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(10 * time.Second),
		),
	}
}

// Domain implements Fetcher.
func (f *StravaFetcher) Domain() string { return "träning" }

type stravaActivity struct {
	Name           string  `json:"name"`
	Type           string  `json:"type"`
	Distance       float64 `json:"distance"`
	MovingTime     int     `json:"moving_time"`
	StartDateLocal string  `json:"start_date_local"`
	AverageHR      float64 `json:"average_heartrate"`
}

// FetchLive implements Fetcher.
func (f *StravaFetcher) FetchLive(ctx context.Context) (string, error) {
	token, err := f.tokens.AccessToken(ctx)
	if err != nil {
		return "", err
	}

	url := fmt.Sprintf("%s/athlete/activities?per_page=%d", f.baseURL, f.limit)
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 512)
		return "", fmt.Errorf("strava returned %d: %s", resp.StatusCode, errBody)
	}

	var activities []stravaActivity
	if err := json.NewDecoder(resp.Body).Decode(&activities); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(activities) == 0 {
		return "", ErrNoData
	}

	lines := make([]string, 0, len(activities))
	for _, a := range activities {
		lines = append(lines, formatActivity(a))
	}
	return strings.Join(lines, "\n"), nil
}

func formatActivity(a stravaActivity) string {
	km := a.Distance / 1000
	mins := a.MovingTime / 60

	var sb strings.Builder
	date := a.StartDateLocal
	if t, err := time.Parse(time.RFC3339, a.StartDateLocal); err == nil {
		date = t.Format("2006-01-02")
	}
	fmt.Fprintf(&sb, "%s (%s, %s): %.1f km på %d min", a.Name, a.Type, date, km, mins)

	if km > 0 && a.MovingTime > 0 {
		if a.Type == "Run" {
			// Pace in min/km for runs.
			pace := float64(a.MovingTime) / 60 / km
			paceMin := int(pace)
			paceSec := int((pace - float64(paceMin)) * 60)
			fmt.Fprintf(&sb, ", tempo %d:%02d min/km", paceMin, paceSec)
		} else {
			speed := km / (float64(a.MovingTime) / 3600)
			fmt.Fprintf(&sb, ", snittfart %.1f km/h", speed)
		}
	}
	if a.AverageHR > 0 {
		fmt.Fprintf(&sb, ", snittpuls %.0f", a.AverageHR)
	}
	sb.WriteString(".")
	return sb.String()
}
