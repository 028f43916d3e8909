package vetter

import (
	"encoding/json"
	"strings"

	"github.com/fairyhunter13/gpu-dispatch/internal/domain"
)

// parseVerdict decodes the model's reply into a verdict. Models wrap JSON in
// markdown fences or chat around it, so the payload is located by brace
// matching before decoding. An unparseable reply fails closed.
func parseVerdict(content string) domain.VetVerdict {
	var raw struct {
		Safe        bool     `json:"safe"`
		Relevant    bool     `json:"relevant"`
		Issues      []string `json:"issues"`
		Confidence  float64  `json:"confidence"`
		Explanation string   `json:"explanation"`
	}
	payload := extractJSON(stripFences(content))
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		return domain.VetVerdict{
			Safe:        false,
			Relevant:    true,
			Issues:      []string{"Unable to parse security analysis"},
			Confidence:  0.0,
			Explanation: "Failed to parse LLM response",
		}
	}
	return domain.VetVerdict{
		Safe:        raw.Safe,
		Relevant:    raw.Relevant,
		Issues:      raw.Issues,
		Confidence:  raw.Confidence,
		Explanation: raw.Explanation,
	}
}

// stripFences removes markdown code-block markers around the reply.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.Index(s, "```json"); i >= 0 {
		s = s[i+len("```json"):]
	} else if i := strings.Index(s, "```"); i >= 0 {
		s = s[i+len("```"):]
	}
	if i := strings.Index(s, "```"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

// extractJSON returns the first balanced {...} object in s, or s unchanged
// when none is found.
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	if start == -1 {
		return s
	}
	depth := 0
	for i := start; i < len(s); i++ {
		switch s[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return s
}
