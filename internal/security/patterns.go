package security

import "regexp"

// maskPattern is one sensitive-data shape MaskOutput looks for. kind labels
// the SecurityFinding it produces.
type maskPattern struct {
	re   *regexp.Regexp
	kind string
}

// defaultMaskPatterns is the fixed baseline, merged at Gate construction
// time with any configured sensitive_patterns.
var defaultMaskPatterns = []maskPattern{
	{re: regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`), kind: "email"},
	{re: regexp.MustCompile(`\b\+?1?[-.\s]?\(?\d{3}\)?[-.\s]?\d{3}[-.\s]?\d{4}\b`), kind: "phone"},
	{re: regexp.MustCompile(`\b(?:\d{4}[-\s]?){3}\d{4}\b`), kind: "credit_card"},
	{re: regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), kind: "ssn"},
	{re: regexp.MustCompile(`(?i)(api[_-]?key|apikey)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{16,})"?`), kind: "api_key"},
	{re: regexp.MustCompile(`sk-[A-Za-z0-9]{48}`), kind: "openai_key"},
	{re: regexp.MustCompile(`sk-ant-[A-Za-z0-9\-]{95}`), kind: "anthropic_key"},
	{re: regexp.MustCompile(`AIza[A-Za-z0-9_\-]{30,}`), kind: "google_api_key"},
	{re: regexp.MustCompile(`(?i)Bearer\s+[A-Za-z0-9_\-./+=]{16,}`), kind: "bearer_token"},
	{re: regexp.MustCompile(`AKIA[0-9A-Z]{16}`), kind: "aws_access_key"},
	{re: regexp.MustCompile(`(?i)aws_secret_access_key\s*[:=]\s*"?([A-Za-z0-9/+=]{40})"?`), kind: "aws_secret_key"},
	{re: regexp.MustCompile(`-----BEGIN\s+(RSA|EC|OPENSSH|DSA)?\s*PRIVATE\s+KEY-----[\s\S]+?-----END\s+(RSA|EC|OPENSSH|DSA)?\s*PRIVATE\s+KEY-----`), kind: "private_key"},
	{re: regexp.MustCompile(`(?i)(mysql|postgres|postgresql|mongodb)://[^:\s]+:[^@\s]+@[^\s/]+`), kind: "db_connection"},
	{re: regexp.MustCompile(`(?i)(password|passwd|pwd)\s*[:=]\s*"?[^\s"]{8,}"?`), kind: "password"},
}

// CompilePatterns merges defaultMaskPatterns with operator-supplied regexes
// (config's sensitive_patterns), tagging the latter with kind "custom".
func CompilePatterns(extra []string) ([]maskPattern, error) {
	out := make([]maskPattern, len(defaultMaskPatterns))
	copy(out, defaultMaskPatterns)
	for _, raw := range extra {
		re, err := regexp.Compile(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, maskPattern{re: re, kind: "custom"})
	}
	return out, nil
}
