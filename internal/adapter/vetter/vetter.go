// Package vetter screens submitted Python code before it reaches a GPU node.
// A fast AST pass catches the obvious abuse locally; everything that survives
// it is judged by an LLM through OpenRouter. The pipeline fails closed: when
// the provider is down, rate limited, or returns garbage, the submission is
// rejected rather than waved through.
package vetter

import (
	"fmt"
	"strings"
	"time"

	"log/slog"

	"github.com/fairyhunter13/gpu-dispatch/internal/adapter/observability"
	"github.com/fairyhunter13/gpu-dispatch/internal/config"
	"github.com/fairyhunter13/gpu-dispatch/internal/domain"
)

const systemPrompt = "You are a security expert analyzing Python code for ML competitions."

// Service implements domain.CodeVetter.
type Service struct {
	cfg     config.Config
	chat    *chatClient
	breaker *Breaker
}

// New builds the vetting pipeline from config. The chat leg stays nil when no
// API key is configured; Vet then degrades to static-only results.
func New(cfg config.Config) *Service {
	s := &Service{
		cfg:     cfg,
		breaker: NewBreaker("openrouter"),
	}
	if cfg.VetterConfigured() {
		s.chat = newChatClient(cfg.OpenRouterAPIKey, cfg.OpenRouterBaseURL, cfg.VetterModel, cfg.VetterTimeout)
	}
	return s
}

// Vet analyzes one submission. The returned error is reserved for context
// cancellation; every provider failure is folded into a fail-closed verdict
// so callers get a uniform rejection path.
func (s *Service) Vet(ctx domain.Context, code, competitionID string) (domain.VetVerdict, error) {
	start := time.Now()

	rep := analyze(code)
	if len(rep.critical) > 0 {
		observability.VetObserved("static", "rejected", time.Since(start))
		return domain.VetVerdict{
			Safe:        false,
			Relevant:    true,
			Issues:      rep.critical,
			Confidence:  1.0,
			Explanation: "Static analysis detected critical security issues",
		}, nil
	}

	if s.cfg.VetterQuickMode || s.chat == nil {
		observability.VetObserved("quick", "accepted", time.Since(start))
		return domain.VetVerdict{
			Safe:        true,
			Relevant:    true,
			Issues:      rep.warnings,
			Confidence:  0.7,
			Explanation: "Static analysis only (LLM check skipped)",
		}, nil
	}

	if !s.breaker.ShouldAttempt() {
		slog.Warn("vet provider circuit open, failing closed",
			slog.String("competition_id", competitionID))
		observability.VetObserved("llm", "breaker_open", time.Since(start))
		return failClosed(rep.warnings, "Security scan unavailable - manual review required"), nil
	}

	verdict, err := s.llmAnalysis(ctx, code, competitionID)
	if err != nil {
		if ctx.Err() != nil {
			return domain.VetVerdict{}, ctx.Err()
		}
		s.breaker.RecordFailure()
		slog.Warn("vet provider call failed, failing closed",
			slog.String("competition_id", competitionID), slog.Any("error", err))
		observability.VetObserved("llm", "error", time.Since(start))
		v := failClosed(rep.warnings, "Security scan failed - manual review required")
		v.Issues = append([]string{fmt.Sprintf("Unable to complete security scan: %v", err)}, v.Issues...)
		return v, nil
	}
	s.breaker.RecordSuccess()

	// Static warnings ride along so reviewers see both passes.
	verdict.Issues = append(append([]string{}, rep.warnings...), verdict.Issues...)

	outcome := "accepted"
	if !verdict.Safe || !verdict.Relevant {
		outcome = "rejected"
	}
	observability.VetObserved("llm", outcome, time.Since(start))
	return verdict, nil
}

func (s *Service) llmAnalysis(ctx domain.Context, code, competitionID string) (domain.VetVerdict, error) {
	prompt, truncated := buildPrompt(code, competitionID, s.cfg.VetterPromptBudget)
	if truncated {
		slog.Info("submission truncated for vet prompt",
			slog.String("competition_id", competitionID),
			slog.Int("budget_tokens", s.cfg.VetterPromptBudget))
	}
	content, err := s.chat.Chat(ctx, systemPrompt, prompt, s.cfg.VetterMaxTokens)
	if err != nil {
		return domain.VetVerdict{}, err
	}
	return parseVerdict(content), nil
}

func failClosed(warnings []string, explanation string) domain.VetVerdict {
	return domain.VetVerdict{
		Safe:        false,
		Relevant:    true,
		Issues:      warnings,
		Confidence:  0.0,
		Explanation: explanation,
	}
}

// buildPrompt renders the analysis request. The code block is trimmed to the
// token budget so a huge submission cannot blow the provider's context
// window.
func buildPrompt(code, competitionID string, budget int) (string, bool) {
	trimmed, truncated := truncateTokens(code, budget)
	var b strings.Builder
	b.WriteString("Analyze the following Python code submission for a machine learning competition.\n\n")
	fmt.Fprintf(&b, "Competition ID: %s\n\n", competitionID)
	b.WriteString("Code to analyze:\n```python\n")
	b.WriteString(trimmed)
	if truncated {
		b.WriteString("\n# ... (submission truncated for analysis)")
	}
	b.WriteString("\n```\n\n")
	b.WriteString(`Please analyze for:
1. SECURITY: Any malicious code, system access, network calls, file operations outside /tmp
2. RELEVANCE: Is this legitimate ML/data science code for a competition?
3. RESOURCE ABUSE: Infinite loops, excessive memory allocation, fork bombs

Respond in JSON format:
{
    "safe": true/false,
    "relevant": true/false,
    "issues": ["list of specific issues found"],
    "confidence": 0.0-1.0,
    "explanation": "brief explanation of your assessment"
}

Only mark as safe=true if code:
- Contains no system/network access
- Has no malicious intent
- Follows ML competition patterns
- Won't abuse resources

Only mark as relevant=true if code:
- Appears to be legitimate ML/data science
- Fits pattern of competition submission
- Not random/test code`)
	return b.String(), truncated
}
