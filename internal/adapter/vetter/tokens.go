package vetter

import (
	"sync"

	"log/slog"

	tiktoken "github.com/pkoukk/tiktoken-go"
)

var (
	encOnce sync.Once
	enc     *tiktoken.Tiktoken
)

// encoding returns the shared cl100k_base tokenizer. Claude and the other
// OpenRouter chat models are close enough to it for budgeting purposes.
func encoding() *tiktoken.Tiktoken {
	encOnce.Do(func() {
		var err error
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			slog.Error("tiktoken encoding unavailable", slog.Any("error", err))
		}
	})
	return enc
}

// countTokens returns the token count of s, falling back to a bytes/4
// estimate when the tokenizer failed to load.
func countTokens(s string) int {
	e := encoding()
	if e == nil {
		return len(s) / 4
	}
	return len(e.Encode(s, nil, nil))
}

// truncateTokens cuts s to at most budget tokens, keeping the head of the
// submission. Oversized code still gets vetted rather than rejected; the
// prompt tells the model the tail was elided.
func truncateTokens(s string, budget int) (string, bool) {
	if budget <= 0 {
		return s, false
	}
	e := encoding()
	if e == nil {
		if len(s) <= budget*4 {
			return s, false
		}
		return s[:budget*4], true
	}
	ids := e.Encode(s, nil, nil)
	if len(ids) <= budget {
		return s, false
	}
	return e.Decode(ids[:budget]), true
}
