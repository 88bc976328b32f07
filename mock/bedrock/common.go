package main

import (
	"encoding/json"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"
)

var vocabulary = strings.Fields(`
	the model answers every prompt with a short plausible sentence built from
	this small vocabulary so that clients can tell replies apart while
	exercising the gateway without reaching Bedrock`)

// faker produces the random parts of mock replies.
type faker struct {
	cfg Config
}

func newFaker(cfg Config) *faker { return &faker{cfg: cfg} }

// sentence returns cfg.Words random words ending in a period.
func (f *faker) sentence() string {
	var b strings.Builder
	for i := range f.cfg.Words {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(vocabulary[rand.IntN(len(vocabulary))])
	}
	b.WriteByte('.')
	return b.String()
}

// vector returns cfg.EmbedDim values in [-1, 1).
func (f *faker) vector() []float64 {
	v := make([]float64, f.cfg.EmbedDim)
	for i := range v {
		v[i] = 2*rand.Float64() - 1
	}
	return v
}

// stall waits out the configured latency or until the request goes away.
func (f *faker) stall(r *http.Request) {
	if f.cfg.Latency <= 0 {
		return
	}
	t := time.NewTimer(f.cfg.Latency)
	defer t.Stop()
	select {
	case <-t.C:
	case <-r.Context().Done():
	}
}

// fail reports whether this reply should be a simulated failure.
func (f *faker) fail() bool {
	return f.cfg.ErrorRate > 0 && rand.Float64() < f.cfg.ErrorRate
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeBedrockError mirrors the service's error envelope, including the
// X-Amzn-ErrorType header.
func writeBedrockError(w http.ResponseWriter, status int, errType, msg string) {
	w.Header().Set("X-Amzn-ErrorType", errType)
	writeJSON(w, status, map[string]string{"__type": errType, "message": msg})
}
