package main

import (
	"context"
	"os"
	"testing"
)

func TestRunSubmit_RejectsInvalidPayload(t *testing.T) {
	home := t.TempDir()
	t.Setenv("TASKWARDEN_HOME", home)

	code := runSubmit(context.Background(), []string{"--name", "", "--description", "", "--class", "lightweight", "--priority", "normal"})
	if code != 2 {
		t.Fatalf("got exit code %d, want 2 for validation failure", code)
	}
}

func TestRunSubmit_RejectsUnknownClass(t *testing.T) {
	home := t.TempDir()
	t.Setenv("TASKWARDEN_HOME", home)

	code := runSubmit(context.Background(), []string{"--name", "x", "--description", "y", "--class", "ultra_heavy", "--priority", "normal"})
	if code != 2 {
		t.Fatalf("got exit code %d, want 2 for unknown class", code)
	}
}

func TestRunSubmit_AcceptsValidPayload(t *testing.T) {
	home := t.TempDir()
	t.Setenv("TASKWARDEN_HOME", home)

	code := runSubmit(context.Background(), []string{"--name", "nightly sweep", "--description", "run the sweep", "--class", "lightweight", "--priority", "normal"})
	if code != 0 {
		t.Fatalf("got exit code %d, want 0 for a valid submission", code)
	}
}

func TestRunList_EmptyQueueSucceeds(t *testing.T) {
	home := t.TempDir()
	t.Setenv("TASKWARDEN_HOME", home)

	code := runList(context.Background(), nil)
	if code != 0 {
		t.Fatalf("got exit code %d, want 0", code)
	}
}

func TestRunCancel_MissingArgReturnsUsageError(t *testing.T) {
	home := t.TempDir()
	t.Setenv("TASKWARDEN_HOME", home)

	code := runCancel(context.Background(), nil)
	if code != 2 {
		t.Fatalf("got exit code %d, want 2 for missing task id", code)
	}
}

func TestRunCancel_UnknownTaskReturnsStoreError(t *testing.T) {
	home := t.TempDir()
	t.Setenv("TASKWARDEN_HOME", home)

	code := runCancel(context.Background(), []string{"does-not-exist"})
	if code != 3 {
		t.Fatalf("got exit code %d, want 3 for an unknown task id", code)
	}
}

func TestRunDoctor_TextOutput(t *testing.T) {
	home := t.TempDir()
	t.Setenv("TASKWARDEN_HOME", home)

	code := runDoctor(context.Background(), nil)
	if code == 2 {
		t.Fatalf("unexpected exit code 2 from doctor")
	}
}

func TestRunDoctor_JSONOutput(t *testing.T) {
	home := t.TempDir()
	t.Setenv("TASKWARDEN_HOME", home)

	code := runDoctor(context.Background(), []string{"-json"})
	if code != 0 && code != 1 {
		t.Fatalf("got exit code %d, want 0 or 1 for JSON doctor output", code)
	}
}

func TestRunSchedule_AddListRemove(t *testing.T) {
	home := t.TempDir()
	t.Setenv("TASKWARDEN_HOME", home)
	installFakeCrontab(t)

	addCode := runSchedule(context.Background(), []string{
		"add", "--name", "nightly", "--description", "nightly sweep",
		"--class", "lightweight", "--priority", "normal", "--cron", "0 2 * * *",
	})
	if addCode != 0 {
		t.Fatalf("schedule add: got exit code %d, want 0", addCode)
	}

	listCode := runSchedule(context.Background(), []string{"list"})
	if listCode != 0 {
		t.Fatalf("schedule list: got exit code %d, want 0", listCode)
	}
}

// installFakeCrontab puts a shell-script "crontab" on PATH backed by a
// plain state file, so schedule subcommands exercise cron.Manager's
// crontab read/write path without touching the real system crontab.
func installFakeCrontab(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	statePath := dir + "/state"
	script := `#!/bin/sh
if [ "$1" = "-l" ]; then
  if [ -f "$CRON_TEST_STATE" ]; then
    cat "$CRON_TEST_STATE"
    exit 0
  fi
  echo "no crontab for tester" 1>&2
  exit 1
elif [ "$1" = "-" ]; then
  cat > "$CRON_TEST_STATE"
  exit 0
fi
exit 1
`
	scriptPath := dir + "/crontab"
	if err := os.WriteFile(scriptPath, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake crontab: %v", err)
	}
	t.Setenv("CRON_TEST_STATE", statePath)
	t.Setenv("PATH", dir+string(os.PathListSeparator)+os.Getenv("PATH"))
}
