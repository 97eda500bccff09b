// Package security is the Security Gate: a pure function over text plus a
// small persistent audit sink. It classifies commands before dispatch, masks
// sensitive output as it streams, and tags subprocess error text for the
// failure taxonomy. It never blocks retroactively — a task already
// dispatched is never killed by a later re-scan; only a finding is recorded.
package security

import (
	"fmt"
	"strings"

	"github.com/basket/taskwarden/internal/store"
)

// Finding mirrors store.SecurityFinding without the persistence-layer ID, so
// callers can build one before it has been written.
type Finding struct {
	Kind        string
	Span        string
	Severity    string
	MaskedValue string
}

// Gate implements ScanCommand, MaskOutput and Classify.
type Gate struct {
	maskPatterns []maskPattern
}

// New builds a Gate with the fixed baseline patterns merged with operator
// configured ones (sensitive_patterns).
func New(extraPatterns []string) (*Gate, error) {
	patterns, err := CompilePatterns(extraPatterns)
	if err != nil {
		return nil, fmt.Errorf("compile sensitive patterns: %w", err)
	}
	return &Gate{maskPatterns: patterns}, nil
}

// ScanCommand classifies a command before dispatch. Allowed means no rule
// matched; NeedsReview and Blocked both carry the triggering Finding.
func (g *Gate) ScanCommand(cmd string) (Verdict, *Finding) {
	var best *commandRiskRule
	for i := range commandRiskRules {
		rule := &commandRiskRules[i]
		if !rule.re.MatchString(cmd) {
			continue
		}
		if best == nil || verdictRank(rule.verdict) > verdictRank(best.verdict) {
			best = rule
		}
	}
	if best == nil {
		return Allowed, nil
	}
	return best.verdict, &Finding{Kind: best.kind, Span: best.re.FindString(cmd), Severity: best.severity}
}

// StoreVerdict maps the Gate's three-way scan verdict onto the task's
// persisted security_verdict field. NeedsReview and Blocked both route the
// task to needs_human_review in the state machine, so both persist as
// blocked for audit purposes; Masked is reserved for tasks whose output was
// redacted by MaskOutput rather than whose command was refused outright.
func StoreVerdict(v Verdict) store.SecurityVerdict {
	switch v {
	case Blocked, NeedsReview:
		return store.VerdictBlocked
	default:
		return store.VerdictAllowed
	}
}

func verdictRank(v Verdict) int {
	switch v {
	case Blocked:
		return 2
	case NeedsReview:
		return 1
	default:
		return 0
	}
}

const redactionSentinel = "***"

// MaskOutput replaces sensitive substrings with a stable redacted token
// (sentinel prefix, last four characters of the match kept for
// disambiguation), and returns one Finding per replacement. It is
// deterministic and idempotent: MaskOutput(MaskOutput(x)) == MaskOutput(x),
// since a fully-masked match no longer satisfies any pattern.
func (g *Gate) MaskOutput(input string) (string, []Finding) {
	if input == "" {
		return input, nil
	}
	result := input
	var findings []Finding
	for _, pat := range g.maskPatterns {
		result = pat.re.ReplaceAllStringFunc(result, func(match string) string {
			masked := maskValue(match)
			findings = append(findings, Finding{
				Kind:        pat.kind,
				Span:        match,
				Severity:    "info",
				MaskedValue: masked,
			})
			return masked
		})
	}
	return result, findings
}

func maskValue(match string) string {
	if len(match) > 4 {
		return redactionSentinel + match[len(match)-4:]
	}
	return redactionSentinel
}

// Classify tags subprocess error text for the failure taxonomy. It
// never returns FailureSecurity — security dispositions come from
// ScanCommand, not from error-text classification.
func Classify(errorText string) store.FailureKind {
	msg := strings.ToLower(errorText)

	switch {
	case containsAny(msg, "rate limit", "rate_limit", "429", "too many requests", "quota exceeded", "5-hour limit", "session limit"):
		return store.FailureRateLimited
	case containsAny(msg, "connection reset", "connection refused", "network is unreachable", "dns", "econnrefused", "no route to host", "timeout while connecting"):
		return store.FailureNetwork
	case containsAny(msg, "no space left", "disk full", "out of memory", "cannot allocate memory", "permission denied"):
		return store.FailureResource
	case containsAny(msg, "deadline exceeded", "timed out", "timeout"):
		return store.FailureProcessHang
	default:
		return store.FailureProcessCrash
	}
}

func containsAny(haystack string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}
