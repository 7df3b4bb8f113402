package catfacts

import (
	"encoding/json"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newHandler() *Handler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewHandler(rand.New(rand.NewPCG(1, 2)), logger)
}

func get(t *testing.T, h *Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	mux := http.NewServeMux()
	h.Register(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("%s: status %d", target, rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("%s: content type %q", target, ct)
	}
	return rec
}

func TestSingle(t *testing.T) {
	rec := get(t, newHandler(), "/api/cat-facts/single")
	var resp SingleResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Source != "demo" || resp.Note == "" {
		t.Fatalf("unexpected response %+v", resp)
	}
	found := false
	for _, fact := range facts[:singlePool] {
		if fact == resp.Fact {
			found = true
		}
	}
	if !found {
		t.Fatalf("fact %q not in the single pool", resp.Fact)
	}
}

func TestMultipleLimits(t *testing.T) {
	cases := map[string]int{
		"/api/cat-facts/multiple":           3,
		"/api/cat-facts/multiple?limit=3":   3,
		"/api/cat-facts/multiple?limit=1":   1,
		"/api/cat-facts/multiple?limit=15":  15,
		"/api/cat-facts/multiple?limit=100": 15,
		"/api/cat-facts/multiple?limit=abc": 3,
		"/api/cat-facts/multiple?limit=0":   0,
		"/api/cat-facts/multiple?limit=-4":  0,
		"/api/cat-facts/multiple?limit=5abc": 5,
		"/api/cat-facts/multiple?limit=2.9":  2,
		"/api/cat-facts/multiple?limit=99999999999999999999": 15,
	}
	h := newHandler()
	for target, want := range cases {
		rec := get(t, h, target)
		var resp MultipleResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("%s: decode: %v", target, err)
		}
		if len(resp.Facts) != want || resp.Count != want {
			t.Fatalf("%s: got %d facts, count %d, want %d", target, len(resp.Facts), resp.Count, want)
		}
		seen := map[string]bool{}
		for _, fact := range resp.Facts {
			if seen[fact] {
				t.Fatalf("%s: duplicate fact %q", target, fact)
			}
			seen[fact] = true
		}
	}
}

func TestParseLimit(t *testing.T) {
	cases := map[string]int{
		"":        DefaultLimit,
		"abc":     DefaultLimit,
		" 7 ":     7,
		"+4":      4,
		"-0":      0,
		"12px":    12,
		"-3items": 0,
	}
	for raw, want := range cases {
		if got := ParseLimit(raw); got != want {
			t.Fatalf("ParseLimit(%q) = %d, want %d", raw, got, want)
		}
	}
}

func TestMultipleEmptyIsArray(t *testing.T) {
	rec := get(t, newHandler(), "/api/cat-facts/multiple?limit=0")
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(rec.Body.Bytes(), &raw); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(raw["facts"]) != "[]" {
		t.Fatalf("expected empty array, got %s", raw["facts"])
	}
}
