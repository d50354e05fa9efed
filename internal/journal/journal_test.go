package journal

import (
	"bytes"
	"encoding/json"
	"io"
	"log"
	"strings"
	"testing"
)

func captureLog(t *testing.T, fn func()) string {
	t.Helper()
	var buf bytes.Buffer
	orig := log.Writer()
	log.SetOutput(&buf)
	defer log.SetOutput(orig)

	fn()

	out, err := io.ReadAll(&buf)
	if err != nil {
		t.Fatalf("reading captured log: %v", err)
	}
	return string(out)
}

func TestRecordOutputsValidJSON(t *testing.T) {
	output := captureLog(t, func() {
		Record(Entry{TrailID: "trail-1", UserID: "user-1", Method: "unlock", Action: ActionEnter, State: StateEntryCreated})
	})

	var line logLine
	if err := json.Unmarshal([]byte(strings.TrimSpace(output)), &line); err != nil {
		t.Fatalf("Record() output is not valid JSON: %v\noutput: %s", err, output)
	}
	if line.Trail.TrailID != "trail-1" {
		t.Errorf("Trail.TrailID = %q, want %q", line.Trail.TrailID, "trail-1")
	}
	if line.Trail.Action != ActionEnter {
		t.Errorf("Trail.Action = %q, want %q", line.Trail.Action, ActionEnter)
	}
}

func TestEnterExitRecordsBothEntries(t *testing.T) {
	output := captureLog(t, func() {
		done := EnterExit("trail-2", "user-2", "createLease")
		done(nil)
	})

	lines := strings.Split(strings.TrimSpace(output), "\n")
	if len(lines) != 2 {
		t.Fatalf("EnterExit() produced %d log lines, want 2", len(lines))
	}

	var enter, exit logLine
	if err := json.Unmarshal([]byte(lines[0]), &enter); err != nil {
		t.Fatalf("unmarshaling enter line: %v", err)
	}
	if err := json.Unmarshal([]byte(lines[1]), &exit); err != nil {
		t.Fatalf("unmarshaling exit line: %v", err)
	}

	if enter.Trail.Action != ActionEnter {
		t.Errorf("first entry Action = %q, want %q", enter.Trail.Action, ActionEnter)
	}
	if exit.Trail.Action != ActionExit {
		t.Errorf("second entry Action = %q, want %q", exit.Trail.Action, ActionExit)
	}
	if exit.Trail.State != StateSuccess {
		t.Errorf("exit State = %q, want %q", exit.Trail.State, StateSuccess)
	}
}

func TestEnterExitRecordsError(t *testing.T) {
	output := captureLog(t, func() {
		done := EnterExit("trail-3", "user-3", "unlock")
		done(errInjected{})
	})

	lines := strings.Split(strings.TrimSpace(output), "\n")
	var exit logLine
	if err := json.Unmarshal([]byte(lines[1]), &exit); err != nil {
		t.Fatalf("unmarshaling exit line: %v", err)
	}
	if exit.Trail.State != StateErrored {
		t.Errorf("exit State = %q, want %q", exit.Trail.State, StateErrored)
	}
	if exit.Trail.Err != "injected" {
		t.Errorf("exit Err = %q, want %q", exit.Trail.Err, "injected")
	}
}

type errInjected struct{}

func (errInjected) Error() string { return "injected" }
