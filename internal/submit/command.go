package submit

import (
	"strconv"
	"strings"
)

// classPermissionMode mirrors the original command generator's per-class
// permission_mode table. Every class currently maps to the same mode; it
// stays a table, not a constant, because the class is what the original
// keyed on and a future class-specific mode only needs an entry here.
var classPermissionMode = map[string]string{
	"lightweight":    "acceptEdits",
	"medium_context": "acceptEdits",
	"heavy_context":  "acceptEdits",
}

// BuildCommand derives the Agent CLI invocation from a task's description
// and class, per the data model's "command ... derived from description +
// class". The description becomes the CLI's prompt; the class selects a
// --permission-mode and the --allowedTools the class is permitted to use.
// Grounded on command_generator.py's generate_command, which assembles the
// same "claude -p ... --permission-mode ... --allowedTools ..." argv shape
// from a task-type-to-permissions table.
func BuildCommand(agentCLIPath string, classToolAllowlist map[string][]string, class, description, workingDir string) string {
	parts := []string{agentCLIPath, "-p", strconv.Quote(description), "--verbose", "--output-format", "json"}

	mode := classPermissionMode[class]
	if mode == "" {
		mode = "acceptEdits"
	}
	parts = append(parts, "--permission-mode", mode)

	if tools := classToolAllowlist[class]; len(tools) > 0 {
		quoted := make([]string, len(tools))
		for i, t := range tools {
			quoted[i] = strconv.Quote(t)
		}
		parts = append(parts, "--allowedTools", strings.Join(quoted, " "))
	}

	if workingDir != "" {
		parts = append(parts, "--cwd", strconv.Quote(workingDir))
	}

	return strings.Join(parts, " ")
}
