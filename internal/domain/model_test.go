package domain

import "testing"

func TestParseOperationKind(t *testing.T) {
	tests := []struct {
		in      string
		want    OperationKind
		wantErr bool
	}{
		{"scan", KindScan, false},
		{"normal", KindScan, false},
		{"orphan", KindCleanup, false},
		{"Cleanup", KindCleanup, false},
		{"file-changes", KindFileChanges, false},
		{"file_changes", KindFileChanges, false},
		{"rescan", "", true},
	}
	for _, tt := range tests {
		got, err := ParseOperationKind(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseOperationKind(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseOperationKind(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPhaseOrder_EndsWithCompleted(t *testing.T) {
	for _, kind := range AllKinds {
		order := PhaseOrder(kind)
		if len(order) < 3 {
			t.Fatalf("%s: expected at least 3 phases, got %v", kind, order)
		}
		if order[len(order)-1] != PhaseCompleted {
			t.Errorf("%s: last phase = %s, want completed", kind, order[len(order)-1])
		}
	}
}

func TestFileStatus_Valid(t *testing.T) {
	for _, s := range []FileStatus{StatusHealthy, StatusCorrupted, StatusWarning, StatusPending, StatusError} {
		if !s.Valid() {
			t.Errorf("%q should be valid", s)
		}
	}
	if FileStatus("broken").Valid() {
		t.Error("unknown status should be invalid")
	}
}

func TestOperationState_Active(t *testing.T) {
	if (OperationState{Phase: PhaseIdle}).Active() {
		t.Error("idle state is not active")
	}
	if !(OperationState{ID: "x", Phase: PhaseScanning}).Active() {
		t.Error("scanning state should be active")
	}
	if (OperationState{ID: "x", Phase: PhaseCancelled}).Active() {
		t.Error("terminal state is not active")
	}
}
