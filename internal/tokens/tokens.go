// Package tokens estimates token counts of prompts and completions for the
// invocation log and the token metrics. Counts are estimates: the backend
// models use their own tokenizers and InvokeModel does not report usage in
// a uniform shape.
package tokens

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

const (
	ModeTiktoken  = "tiktoken"
	ModeHeuristic = "heuristic"

	encodingName = "cl100k_base"
)

// Counter counts tokens. It is safe for concurrent use.
type Counter struct {
	mode string
	log  *slog.Logger

	once sync.Once
	enc  *tiktoken.Tiktoken
}

// New returns a Counter for mode ("tiktoken" or "heuristic"). The tiktoken
// encoding is loaded on first use; if it cannot be loaded the counter falls
// back to the heuristic for the rest of the process lifetime.
func New(mode string, log *slog.Logger) (*Counter, error) {
	switch mode {
	case "", ModeTiktoken:
		mode = ModeTiktoken
	case ModeHeuristic:
	default:
		return nil, fmt.Errorf("tokens: unknown mode %q", mode)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Counter{mode: mode, log: log}, nil
}

// Count returns the token count of text. Empty text is zero tokens.
func (c *Counter) Count(text string) int {
	if text == "" {
		return 0
	}
	if c == nil || c.mode == ModeHeuristic {
		return Estimate(text)
	}

	c.once.Do(func() {
		enc, err := tiktoken.GetEncoding(encodingName)
		if err != nil {
			c.log.Warn("tiktoken_unavailable",
				slog.String("encoding", encodingName),
				slog.String("error", err.Error()),
			)
			return
		}
		c.enc = enc
	})
	if c.enc == nil {
		return Estimate(text)
	}
	return len(c.enc.Encode(text, nil, nil))
}

// Mode reports the configured mode.
func (c *Counter) Mode() string { return c.mode }

// Estimate is the ~4 characters per token heuristic. Non-empty text is at
// least one token.
func Estimate(text string) int {
	if text == "" {
		return 0
	}
	n := len(text) / 4
	if n == 0 {
		n = 1
	}
	return n
}
