package memgate

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestNilClientIsNoOp(t *testing.T) {
	var c *Client

	if c.Enabled() {
		t.Error("nil client reports enabled")
	}
	if err := c.Add(context.Background(), []string{"fact"}, "anders"); err != nil {
		t.Errorf("Add on nil client: %v", err)
	}
	facts, err := c.Search(context.Background(), "weather", "anders", 5)
	if err != nil {
		t.Errorf("Search on nil client: %v", err)
	}
	if facts != nil {
		t.Errorf("Search on nil client = %v, want nil", facts)
	}
}

func TestNewDisabledWhenNoURL(t *testing.T) {
	if c := New(Config{}, nil); c != nil {
		t.Error("New with empty URL should return nil")
	}
}

func TestAdd(t *testing.T) {
	var got struct {
		Facts     []string `json:"facts"`
		SubjectID string   `json:"subject_id"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/memories" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer secret" {
			t.Errorf("Authorization = %q", auth)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := New(Config{URL: srv.URL, APIKey: "secret"}, nil)
	if err := c.Add(context.Background(), []string{"sov 7 timmar"}, "anders"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if len(got.Facts) != 1 || got.Facts[0] != "sov 7 timmar" || got.SubjectID != "anders" {
		t.Errorf("payload = %+v", got)
	}
}

func TestAddEmptyFactsSkipsNetwork(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("unexpected request for empty facts")
	}))
	defer srv.Close()

	c := New(Config{URL: srv.URL}, nil)
	if err := c.Add(context.Background(), nil, "anders"); err != nil {
		t.Errorf("Add: %v", err)
	}
}

func TestSearch(t *testing.T) {
	updated := time.Date(2025, 11, 2, 8, 30, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/memories/search" {
			t.Errorf("path = %q", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]any{
				{"text": "steg igår: 9000", "updated_at": updated},
			},
		})
	}))
	defer srv.Close()

	c := New(Config{URL: srv.URL}, nil)
	facts, err := c.Search(context.Background(), "hur gick jag igår", "anders", 3)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(facts) != 1 || facts[0].Text != "steg igår: 9000" {
		t.Errorf("facts = %+v", facts)
	}
	if !facts[0].UpdatedAt.Equal(updated) {
		t.Errorf("UpdatedAt = %v", facts[0].UpdatedAt)
	}
}

func TestSearchGatewayError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(Config{URL: srv.URL}, nil)
	if _, err := c.Search(context.Background(), "q", "anders", 3); err == nil {
		t.Error("expected error on 500")
	}
}
