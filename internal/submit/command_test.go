package submit

import "testing"

func TestBuildCommand_EmbedsPermissionModeAndAllowlistedTools(t *testing.T) {
	allowlist := map[string][]string{
		"lightweight": {"Read", "Grep"},
	}

	got := BuildCommand("claude", allowlist, "lightweight", "fix the flaky test", "")

	want := `claude -p "fix the flaky test" --verbose --output-format json --permission-mode acceptEdits --allowedTools "Read" "Grep"`
	if got != want {
		t.Fatalf("command mismatch:\n got:  %s\n want: %s", got, want)
	}
}

func TestBuildCommand_OmitsAllowedToolsFlagWhenClassHasNoAllowlist(t *testing.T) {
	got := BuildCommand("claude", nil, "heavy_context", "refactor the parser", "")

	want := `claude -p "refactor the parser" --verbose --output-format json --permission-mode acceptEdits`
	if got != want {
		t.Fatalf("command mismatch:\n got:  %s\n want: %s", got, want)
	}
}

func TestBuildCommand_AppendsWorkingDirAsCwdFlag(t *testing.T) {
	got := BuildCommand("claude", nil, "medium_context", "run the migration", "/srv/tasks/task-1")

	want := `claude -p "run the migration" --verbose --output-format json --permission-mode acceptEdits --cwd "/srv/tasks/task-1"`
	if got != want {
		t.Fatalf("command mismatch:\n got:  %s\n want: %s", got, want)
	}
}

func TestBuildCommand_UnknownClassFallsBackToAcceptEdits(t *testing.T) {
	got := BuildCommand("claude", nil, "some_future_class", "do the thing", "")

	want := `claude -p "do the thing" --verbose --output-format json --permission-mode acceptEdits`
	if got != want {
		t.Fatalf("command mismatch:\n got:  %s\n want: %s", got, want)
	}
}
