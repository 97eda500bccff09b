package worker

import (
	"os"
	"testing"
)

func TestReadProcCPUTicks_SelfProcessSucceeds(t *testing.T) {
	ticks, err := readProcCPUTicks(os.Getpid())
	if err != nil {
		t.Fatalf("readProcCPUTicks: %v", err)
	}
	// a process that has run at all has spent at least a few clock ticks by
	// the time the test harness gets around to calling this.
	if ticks == 0 {
		t.Log("warning: zero cumulative CPU ticks observed for the test process; not necessarily a bug on a very fast run")
	}
}

func TestReadProcRSSBytes_SelfProcessSucceeds(t *testing.T) {
	rss, err := readProcRSSBytes(os.Getpid())
	if err != nil {
		t.Fatalf("readProcRSSBytes: %v", err)
	}
	if rss <= 0 {
		t.Fatalf("expected a positive RSS for the running test process, got %d", rss)
	}
}

func TestReadProcCPUTicks_UnknownPidErrors(t *testing.T) {
	if _, err := readProcCPUTicks(999999); err == nil {
		t.Fatal("expected an error reading /proc/<pid>/stat for a pid that does not exist")
	}
}
