package testutil

import (
	"strings"
	"testing"
)

func TestAddress(t *testing.T) {
	a := Address(7)
	for i, b := range a {
		if b != 7 {
			t.Fatalf("byte %d = %d, want 7", i, b)
		}
	}
	if Address(7) != a {
		t.Error("Address should be deterministic")
	}
}

func TestInvoke(t *testing.T) {
	p := Address(1)
	logs := Invoke(p, "Program data: AA==")

	if len(logs) != 4 {
		t.Fatalf("len(logs) = %d, want 4", len(logs))
	}
	if !strings.HasSuffix(logs[0], "invoke [1]") {
		t.Errorf("first line = %q", logs[0])
	}
	if !strings.HasSuffix(logs[3], "success") {
		t.Errorf("last line = %q", logs[3])
	}
}

func TestProgramData(t *testing.T) {
	line := ProgramData(t, "escrow", "TaskFunded", map[string]any{
		"task_pubkey":       Address(2),
		"total_contributed": uint64(10),
	})
	if !strings.HasPrefix(line, "Program data: ") {
		t.Errorf("line = %q", line)
	}
}
