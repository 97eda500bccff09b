package security

import "regexp"

// Verdict is the Gate's disposition for a scanned command.
type Verdict string

const (
	Allowed     Verdict = "allowed"
	NeedsReview Verdict = "needs_review"
	Blocked     Verdict = "blocked"
)

type commandRiskRule struct {
	re       *regexp.Regexp
	kind     string
	verdict  Verdict
	severity string
}

// commandRiskRules classifies high-risk command shapes independent of the
// task's class tool allow-list. Destructive filesystem operations and
// privilege escalation are outright blocked; broad network egress and
// process/service control are flagged for human review rather than blocked
// outright, since legitimate tasks (package installs, service restarts) use
// them too.
var commandRiskRules = []commandRiskRule{
	{re: regexp.MustCompile(`\brm\s+(-\w*r\w*f\w*|-\w*f\w*r\w*)\s+/`), kind: "destructive_fs", verdict: Blocked, severity: "critical"},
	{re: regexp.MustCompile(`\b(rm|shred|wipe)\b.*\s-\w*[rf]`), kind: "destructive_fs", verdict: NeedsReview, severity: "high"},
	{re: regexp.MustCompile(`\bsudo\s+rm\b`), kind: "privilege_escalation", verdict: Blocked, severity: "critical"},
	{re: regexp.MustCompile(`\b(sudo|su)\b`), kind: "privilege_escalation", verdict: NeedsReview, severity: "high"},
	{re: regexp.MustCompile(`\bchmod\s+777\b`), kind: "privilege_escalation", verdict: Blocked, severity: "critical"},
	{re: regexp.MustCompile(`\b(chown|usermod|passwd)\b`), kind: "privilege_escalation", verdict: NeedsReview, severity: "high"},
	{re: regexp.MustCompile(`\b(curl|wget)\b.*\|\s*(sh|bash)\b`), kind: "network_exfiltration", verdict: Blocked, severity: "critical"},
	{re: regexp.MustCompile(`\b(curl|wget|nc|netcat|ssh|scp|rsync)\b`), kind: "network_egress", verdict: NeedsReview, severity: "medium"},
	{re: regexp.MustCompile(`\b(kill\s+-9|killall|pkill)\b`), kind: "process_control", verdict: NeedsReview, severity: "medium"},
	{re: regexp.MustCompile(`\b(apt|apt-get|yum|dnf|pip|pip3|npm)\s+install\b`), kind: "package_install", verdict: NeedsReview, severity: "medium"},
	{re: regexp.MustCompile(`\b(systemctl|service)\b`), kind: "service_control", verdict: NeedsReview, severity: "medium"},
	{re: regexp.MustCompile(`\b(tar|zip|unzip|gunzip)\b.*\s-`), kind: "archive_extraction", verdict: NeedsReview, severity: "low"},
	{re: regexp.MustCompile(`(?i)\b(eval|exec)\s*\(`), kind: "code_execution", verdict: Blocked, severity: "critical"},
	{re: regexp.MustCompile(`;\s*(rm|cat\s+/etc/passwd|cat\s+/etc/shadow)\b`), kind: "shell_injection", verdict: Blocked, severity: "critical"},
	{re: regexp.MustCompile(`\bbash\s+-i\b|/dev/tcp/`), kind: "reverse_shell", verdict: Blocked, severity: "critical"},
	{re: regexp.MustCompile(`(?i)\bbase64\s+(-d|--decode)\b.*\|`), kind: "encoded_payload", verdict: NeedsReview, severity: "high"},
	{re: regexp.MustCompile(`(?i)\b(union\s+select|drop\s+table|;\s*delete\s+from)\b`), kind: "sql_injection", verdict: NeedsReview, severity: "high"},
}
