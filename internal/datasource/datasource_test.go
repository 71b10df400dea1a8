package datasource

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/daa-project/daa/internal/events"
	"github.com/daa-project/daa/internal/memgate"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeFetcher is a scriptable Fetcher: each call pops the next result.
type fakeFetcher struct {
	domain  string
	results []fakeResult
	calls   int
}

type fakeResult struct {
	payload string
	err     error
}

func (f *fakeFetcher) Domain() string { return f.domain }

func (f *fakeFetcher) FetchLive(ctx context.Context) (string, error) {
	if f.calls >= len(f.results) {
		return "", errors.New("unscripted call")
	}
	r := f.results[f.calls]
	f.calls++
	return r.payload, r.err
}

// blockingFetcher never returns until its context is cancelled.
type blockingFetcher struct{}

func (blockingFetcher) Domain() string { return "väder" }

func (blockingFetcher) FetchLive(ctx context.Context) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func TestProviderLiveThenCache(t *testing.T) {
	now := time.Date(2025, 8, 30, 10, 0, 0, 0, time.UTC)
	f := &fakeFetcher{domain: "väder", results: []fakeResult{
		{payload: "soligt, 21 grader"},
		{err: errors.New("api down")},
	}}
	p := NewProvider(f, Options{
		TTL:   15 * time.Minute,
		Clock: func() time.Time { return now },
	}, discardLogger())

	snap := p.Fetch(context.Background())
	if snap.Source != SourceLive || snap.Payload != "soligt, 21 grader" {
		t.Fatalf("first fetch = %+v, want live", snap)
	}

	now = now.Add(5 * time.Minute)
	snap = p.Fetch(context.Background())
	if snap.Source != SourceCache {
		t.Fatalf("second fetch source = %q, want cache", snap.Source)
	}
	if snap.Payload != "soligt, 21 grader" {
		t.Fatalf("cached payload = %q", snap.Payload)
	}
}

func TestProviderPublishesFetchEvent(t *testing.T) {
	bus := events.New()
	sub := bus.Subscribe(4)

	f := &fakeFetcher{domain: "väder", results: []fakeResult{
		{payload: "mulet, 14 grader"},
	}}
	p := NewProvider(f, Options{Bus: bus}, discardLogger())

	p.Fetch(context.Background())

	select {
	case ev := <-sub:
		if ev.Kind != events.KindFetch || ev.Source != events.SourceData {
			t.Fatalf("event = %s/%s, want %s/%s", ev.Source, ev.Kind, events.SourceData, events.KindFetch)
		}
		if ev.Data["domain"] != "väder" || ev.Data["source"] != SourceLive {
			t.Fatalf("event data = %v", ev.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no fetch event published")
	}
}

func TestProviderCacheExpiresAfterTTL(t *testing.T) {
	now := time.Date(2025, 8, 30, 10, 0, 0, 0, time.UTC)
	f := &fakeFetcher{domain: "väder", results: []fakeResult{
		{payload: "regn"},
		{err: errors.New("api down")},
	}}
	p := NewProvider(f, Options{
		TTL:   15 * time.Minute,
		Clock: func() time.Time { return now },
	}, discardLogger())

	p.Fetch(context.Background())

	now = now.Add(16 * time.Minute)
	snap := p.Fetch(context.Background())
	if !snap.Unavailable {
		t.Fatalf("fetch after TTL = %+v, want unavailable", snap)
	}
}

func TestProviderCacheInvalidatedOnDateRollover(t *testing.T) {
	// Fetched at 23:55, asked again at 00:05 next day. Still inside the
	// TTL window but the calendar day changed, so the entry is stale.
	now := time.Date(2025, 8, 30, 23, 55, 0, 0, time.UTC)
	f := &fakeFetcher{domain: "hälsa", results: []fakeResult{
		{payload: "8000 steg"},
		{err: errors.New("api down")},
	}}
	p := NewProvider(f, Options{
		TTL:   15 * time.Minute,
		Clock: func() time.Time { return now },
	}, discardLogger())

	p.Fetch(context.Background())

	now = time.Date(2025, 8, 31, 0, 5, 0, 0, time.UTC)
	snap := p.Fetch(context.Background())
	if snap.Source == SourceCache {
		t.Fatal("prior-day entry served as cache after rollover")
	}
	if !snap.Unavailable {
		t.Fatalf("snapshot = %+v, want unavailable", snap)
	}
}

func TestProviderNoDataIsNotCached(t *testing.T) {
	now := time.Date(2025, 8, 30, 10, 0, 0, 0, time.UTC)
	f := &fakeFetcher{domain: "hälsa", results: []fakeResult{
		{err: ErrNoData},
		{err: errors.New("api down")},
	}}
	p := NewProvider(f, Options{
		Clock: func() time.Time { return now },
	}, discardLogger())

	snap := p.Fetch(context.Background())
	if !snap.Unavailable {
		t.Fatalf("no-data fetch = %+v, want unavailable", snap)
	}

	snap = p.Fetch(context.Background())
	if snap.Source == SourceCache {
		t.Fatal("empty no-data result was served from cache")
	}
}

func TestProviderTimeoutBoundsHungFetch(t *testing.T) {
	p := NewProvider(blockingFetcher{}, Options{
		Timeout: 50 * time.Millisecond,
	}, discardLogger())

	start := time.Now()
	snap := p.Fetch(context.Background())
	elapsed := time.Since(start)

	if elapsed > 2*time.Second {
		t.Fatalf("fetch took %v with a 50ms budget", elapsed)
	}
	if !snap.Unavailable {
		t.Fatalf("snapshot = %+v, want unavailable", snap)
	}
}

func TestProviderMemoryRecall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/memories/search" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]any{
				{"text": "[träning 2025-08-29] Långpass 15 km", "updated_at": "2025-08-29T18:30:00Z"},
			},
		})
	}))
	defer srv.Close()

	mem := memgate.New(memgate.Config{URL: srv.URL}, discardLogger())
	f := &fakeFetcher{domain: "träning", results: []fakeResult{
		{err: errors.New("api down")},
	}}
	p := NewProvider(f, Options{Memory: mem, SubjectID: "anders"}, discardLogger())

	snap := p.Fetch(context.Background())
	if snap.Unavailable {
		t.Fatalf("snapshot = %+v, want memory recall", snap)
	}
	if !strings.HasPrefix(snap.Source, "memory(2025-08-29") {
		t.Fatalf("source = %q, want memory tag with recall date", snap.Source)
	}
	if snap.Payload != "[träning 2025-08-29] Långpass 15 km" {
		t.Fatalf("payload = %q", snap.Payload)
	}
}

func TestProviderUnavailableMarker(t *testing.T) {
	f := &fakeFetcher{domain: "väder", results: []fakeResult{
		{err: errors.New("api down")},
	}}
	p := NewProvider(f, Options{}, discardLogger())

	snap := p.Fetch(context.Background())
	if !snap.Unavailable || snap.Source != SourceUnavailable {
		t.Fatalf("snapshot = %+v, want unavailable", snap)
	}
	if !strings.Contains(snap.Payload, "väder") {
		t.Fatalf("marker %q does not name the domain", snap.Payload)
	}
}

type staticTokens struct{ token string }

func (s staticTokens) AccessToken(ctx context.Context) (string, error) {
	return s.token, nil
}

func TestWeatherFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("latitude") == "" || q.Get("timezone") != "auto" {
			t.Errorf("missing query params: %v", q)
		}
		io.WriteString(w, `{
			"current": {"temperature_2m": 18.4, "weather_code": 61, "wind_speed_10m": 3.2},
			"daily": {"temperature_2m_max": [21.0], "temperature_2m_min": [12.5]}
		}`)
	}))
	defer srv.Close()

	f := NewWeatherFetcher(59.33, 18.06)
	f.baseURL = srv.URL

	report, err := f.FetchLive(context.Background())
	if err != nil {
		t.Fatalf("FetchLive: %v", err)
	}
	for _, want := range []string{"lätt regn", "18.4", "21.0", "12.5"} {
		if !strings.Contains(report, want) {
			t.Errorf("report %q missing %q", report, want)
		}
	}
}

func TestWeatherFetcherNoCoordinates(t *testing.T) {
	f := NewWeatherFetcher(0, 0)
	if _, err := f.FetchLive(context.Background()); err == nil {
		t.Fatal("expected error without coordinates")
	}
}

func TestWithingsFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok-1" {
			t.Errorf("Authorization = %q", got)
		}
		r.ParseForm()
		switch r.Form.Get("action") {
		case "getactivity":
			io.WriteString(w, `{"status": 0, "body": {"activities": [
				{"date": "2025-08-30", "steps": 9421, "calories": 2310}
			]}}`)
		case "getmeas":
			io.WriteString(w, `{"status": 0, "body": {"measuregrps": [
				{"date": 1756500000, "measures": [{"value": 78200, "type": 1, "unit": -3}]}
			]}}`)
		default:
			t.Errorf("unexpected action %q", r.Form.Get("action"))
		}
	}))
	defer srv.Close()

	f := NewWithingsFetcher(staticTokens{token: "tok-1"})
	f.baseURL = srv.URL

	report, err := f.FetchLive(context.Background())
	if err != nil {
		t.Fatalf("FetchLive: %v", err)
	}
	for _, want := range []string{"9421 steg", "2310 kalorier", "78.2 kg"} {
		if !strings.Contains(report, want) {
			t.Errorf("report %q missing %q", report, want)
		}
	}
}

func TestWithingsFetcherNoData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		if r.Form.Get("action") == "getactivity" {
			io.WriteString(w, `{"status": 0, "body": {"activities": []}}`)
			return
		}
		io.WriteString(w, `{"status": 0, "body": {"measuregrps": []}}`)
	}))
	defer srv.Close()

	f := NewWithingsFetcher(staticTokens{token: "tok-1"})
	f.baseURL = srv.URL

	if _, err := f.FetchLive(context.Background()); !errors.Is(err, ErrNoData) {
		t.Fatalf("err = %v, want ErrNoData", err)
	}
}

func TestStravaFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/athlete/activities" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("per_page"); got != "2" {
			t.Errorf("per_page = %q", got)
		}
		io.WriteString(w, `[
			{"name": "Morgonlöpning", "type": "Run", "distance": 10000,
			 "moving_time": 3000, "start_date_local": "2025-08-30T06:30:00Z",
			 "average_heartrate": 152},
			{"name": "Kvällstur", "type": "Ride", "distance": 30000,
			 "moving_time": 3600, "start_date_local": "2025-08-29T18:00:00Z"}
		]`)
	}))
	defer srv.Close()

	f := NewStravaFetcher(staticTokens{token: "tok-2"}, 2)
	f.baseURL = srv.URL

	report, err := f.FetchLive(context.Background())
	if err != nil {
		t.Fatalf("FetchLive: %v", err)
	}
	// 10 km in 50 min is a 5:00 min/km pace; 30 km in an hour is 30 km/h.
	for _, want := range []string{"tempo 5:00 min/km", "snittpuls 152", "snittfart 30.0 km/h"} {
		if !strings.Contains(report, want) {
			t.Errorf("report %q missing %q", report, want)
		}
	}
}

func TestStravaFetcherEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `[]`)
	}))
	defer srv.Close()

	f := NewStravaFetcher(staticTokens{token: "tok-2"}, 3)
	f.baseURL = srv.URL

	if _, err := f.FetchLive(context.Background()); !errors.Is(err, ErrNoData) {
		t.Fatalf("err = %v, want ErrNoData", err)
	}
}
