// Package catfacts serves the demo fact endpoints.
package catfacts

import (
	"encoding/json"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"sync"
)

const (
	DefaultLimit = 3
	source       = "demo"
	singleNote   = "This is a demo fact. In production, this would come from the cat-facts MCP server."
	multipleNote = "These are demo facts. In production, these would come from the cat-facts MCP server."
)

var facts = []string{
	"Cats have been companions to humans for over 4,000 years! 🐱",
	"A group of cats is called a 'clowder' 🐾",
	"Cats spend 70% of their lives sleeping 😴",
	"A cat's purr vibrates at 20-140 Hz, which can help heal bones! 🦴",
	"Cats have over 30 muscles controlling their ears 👂",
	"A cat's nose print is unique, just like human fingerprints 🔍",
	"Cats can rotate their ears 180 degrees 🔄",
	"The oldest known pet cat existed 9,500 years ago 🏺",
	"Cats have a third eyelid called a 'nictitating membrane' 👁️",
	"A cat's heart beats twice as fast as a human's 💓",
	"Cats can jump up to 6 times their body length 🦘",
	"A cat's whiskers are roughly as wide as their body 🐭",
	"Cats have a specialized collarbone that allows them to always land on their feet 🦴",
	"The richest cat in the world inherited $13 million from its owner 💰",
	"Cats can make over 100 different sounds 🎵",
}

// singlePool is the smaller list the single-fact endpoint draws from.
const singlePool = 10

type SingleResponse struct {
	Fact   string `json:"fact"`
	Source string `json:"source"`
	Note   string `json:"note"`
}

type MultipleResponse struct {
	Facts  []string `json:"facts"`
	Count  int      `json:"count"`
	Source string   `json:"source"`
	Note   string   `json:"note"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type Handler struct {
	log *slog.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// NewHandler uses rng for selection; a nil rng seeds a fresh one.
func NewHandler(rng *rand.Rand, log *slog.Logger) *Handler {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Handler{rng: rng, log: log.With(slog.String("component", "catfacts"))}
}

// Register mounts both endpoints on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/cat-facts/single", h.Single)
	mux.HandleFunc("GET /api/cat-facts/multiple", h.Multiple)
}

// Single returns one random fact.
func (h *Handler) Single(w http.ResponseWriter, _ *http.Request) {
	h.mu.Lock()
	fact := facts[h.rng.IntN(singlePool)]
	h.mu.Unlock()
	h.write(w, SingleResponse{Fact: fact, Source: source, Note: singleNote}, "Failed to fetch cat fact")
}

// Multiple returns up to limit shuffled facts.
func (h *Handler) Multiple(w http.ResponseWriter, r *http.Request) {
	n := min(ParseLimit(r.URL.Query().Get("limit")), len(facts))
	h.mu.Lock()
	shuffled := append([]string(nil), facts...)
	h.rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
	h.mu.Unlock()
	selected := shuffled[:n]
	h.write(w, MultipleResponse{Facts: selected, Count: len(selected), Source: source, Note: multipleNote}, "Failed to fetch cat facts")
}

// ParseLimit reads the limit query value the way parseInt does: leading
// digits count and trailing junk is ignored ("5abc" is 5). No digits at
// all means DefaultLimit, negative means none.
func ParseLimit(raw string) int {
	raw = strings.TrimSpace(raw)
	neg := false
	if raw != "" && (raw[0] == '+' || raw[0] == '-') {
		neg = raw[0] == '-'
		raw = raw[1:]
	}
	end := 0
	for end < len(raw) && raw[end] >= '0' && raw[end] <= '9' {
		end++
	}
	if end == 0 {
		return DefaultLimit
	}
	if neg {
		return 0
	}
	n, err := strconv.Atoi(raw[:end])
	if err != nil {
		// out of range: more than any list holds
		return math.MaxInt
	}
	return n
}

func (h *Handler) write(w http.ResponseWriter, body any, failure string) {
	data, err := json.Marshal(body)
	if err != nil {
		h.log.Error("encode response", slog.String("error", err.Error()))
		data, _ = json.Marshal(errorResponse{Error: failure})
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write(data)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}
