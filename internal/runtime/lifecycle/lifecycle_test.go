package lifecycle

import (
	"errors"
	"strings"
	"testing"
)

func recordingNotifier(out *[]string) Notifier {
	return func(state string) (bool, error) {
		*out = append(*out, state)
		return true, nil
	}
}

func TestTransitions(t *testing.T) {
	t.Parallel()
	var sent []string
	l := New(WithNotifier(recordingNotifier(&sent)))
	if l.Ready() {
		t.Fatal("new lifecycle must not be ready")
	}
	l.MarkReady()
	if !l.Ready() || l.Snapshot().State != StateReady {
		t.Fatalf("expected ready, got %+v", l.Snapshot())
	}
	if len(sent) == 0 || sent[0] != "READY=1" {
		t.Fatalf("expected READY=1 notify, got %v", sent)
	}
	l.MarkStopping(StopSIGTERM)
	if l.Ready() {
		t.Fatal("stopping lifecycle must not be ready")
	}
}

func TestMarkFailedKeepsReason(t *testing.T) {
	t.Parallel()
	var sent []string
	l := New(WithNotifier(recordingNotifier(&sent)))
	l.MarkFailed(errors.New("store open: disk full"))
	snap := l.Snapshot()
	if snap.Ready || snap.State != StateFailed || snap.Reason != "store open: disk full" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if !strings.Contains(strings.Join(sent, "|"), "scheduling disabled") {
		t.Fatalf("expected status notify, got %v", sent)
	}
}

func TestNilLifecycleIsNotReady(t *testing.T) {
	t.Parallel()
	var l *Lifecycle
	if l.Ready() {
		t.Fatal("nil lifecycle reported ready")
	}
}
