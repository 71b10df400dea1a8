package datasource

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/daa-project/daa/internal/httpkit"
)

const withingsAPIURL = "https://wbsapi.withings.net"

// TokenSource provides a valid OAuth access token for a gated domain.
// Satisfied by oauth.Manager.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// WithingsFetcher retrieves the day's activity and the latest weight
// measurement from the Withings API.
type WithingsFetcher struct {
	baseURL    string
	tokens     TokenSource
	clock      func() time.Time
	httpClient *http.Client
}

// NewWithingsFetcher creates a Withings health fetcher.
func NewWithingsFetcher(tokens TokenSource) *WithingsFetcher {
	return &WithingsFetcher{
		baseURL: withingsAPIURL,
		tokens:  tokens,
		clock:   time.Now,
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(10 * time.Second),
		),
	}
}

// Domain implements Fetcher.
func (f *WithingsFetcher) Domain() string { return "hälsa" }

type withingsActivityResponse struct {
	Status int `json:"status"`
	Body   struct {
		Activities []struct {
			Date     string `json:"date"`
			Steps    int    `json:"steps"`
			Calories float64 `json:"calories"`
		} `json:"activities"`
	} `json:"body"`
}

type withingsMeasureResponse struct {
	Status int `json:"status"`
	Body   struct {
		MeasureGroups []struct {
			Date     int64 `json:"date"`
			Measures []struct {
				Value int `json:"value"`
				Type  int `json:"type"`
				Unit  int `json:"unit"`
			} `json:"measures"`
		} `json:"measuregrps"`
	} `json:"body"`
}

// FetchLive implements Fetcher.
func (f *WithingsFetcher) FetchLive(ctx context.Context) (string, error) {
	token, err := f.tokens.AccessToken(ctx)
	if err != nil {
		return "", err
	}

	var parts []string

	// Activity for today (query from yesterday for timezone safety; the
	// last row is the most recent day).
	now := f.clock()
	today := now.Format("2006-01-02")
	yesterday := now.AddDate(0, 0, -1).Format("2006-01-02")

	actForm := url.Values{}
	actForm.Set("action", "getactivity")
	actForm.Set("startdateymd", yesterday)
	actForm.Set("enddateymd", today)
	actForm.Set("data_fields", "steps,calories")

	var act withingsActivityResponse
	if err := f.post(ctx, token, "/v2/measure", actForm, &act); err != nil {
		return "", err
	}
	if act.Status != 0 {
		return "", fmt.Errorf("withings activity returned status %d", act.Status)
	}
	if n := len(act.Body.Activities); n > 0 {
		latest := act.Body.Activities[n-1]
		parts = append(parts, fmt.Sprintf("Aktivitet %s: %d steg, %.0f kalorier.",
			latest.Date, latest.Steps, latest.Calories))
	}

	// Latest weight measurement (type 1 = weight, category 1 = real).
	measForm := url.Values{}
	measForm.Set("action", "getmeas")
	measForm.Set("meastype", "1")
	measForm.Set("category", "1")
	measForm.Set("limit", "1")

	var meas withingsMeasureResponse
	if err := f.post(ctx, token, "/measure", measForm, &meas); err != nil {
		return "", err
	}
	if meas.Status == 0 && len(meas.Body.MeasureGroups) > 0 {
		grp := meas.Body.MeasureGroups[0]
		for _, m := range grp.Measures {
			if m.Type == 1 {
				// Stored as value * 10^unit (75500 * 10^-3 = 75.5 kg).
				weight := float64(m.Value) * math.Pow10(m.Unit)
				when := time.Unix(grp.Date, 0).Format("2006-01-02")
				parts = append(parts, fmt.Sprintf("Senaste vikt: %.1f kg (%s).", weight, when))
			}
		}
	}

	// No activity and no measurement means the day hasn't synced yet.
	if len(parts) == 0 {
		return "", ErrNoData
	}

	return strings.Join(parts, " "), nil
}

func (f *WithingsFetcher) post(ctx context.Context, token, path string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, "POST", f.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 512)
		return fmt.Errorf("withings returned %d: %s", resp.StatusCode, errBody)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
