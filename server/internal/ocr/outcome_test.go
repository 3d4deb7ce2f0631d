package ocr

import (
	"errors"
	"testing"
)

// TestOutcomeTransitionTable 逐一验证状态迁移表。
// 场景：枚举所有 from/to 组合，只有 idle→running、running→done/error、done/error→running 合法。
func TestOutcomeTransitionTable(t *testing.T) {
	states := []State{StateIdle, StateRunning, StateDone, StateError}
	allowed := map[[2]State]bool{
		{StateIdle, StateRunning}:  true,
		{StateRunning, StateDone}:  true,
		{StateRunning, StateError}: true,
		{StateDone, StateRunning}:  true,
		{StateError, StateRunning}: true,
	}

	for _, from := range states {
		for _, to := range states {
			want := allowed[[2]State{from, to}]
			if got := CanTransition(from, to); got != want {
				t.Fatalf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}

			next, err := Outcome{State: from}.Transition(to, "boom")
			if want {
				if err != nil {
					t.Fatalf("transition %s -> %s: %v", from, to, err)
				}
				if next.State != to {
					t.Fatalf("expected state %s, got %s", to, next.State)
				}
				continue
			}
			if !errors.Is(err, ErrInvalidTransition) {
				t.Fatalf("expected ErrInvalidTransition for %s -> %s, got %v", from, to, err)
			}
			if next.State != from {
				t.Fatalf("expected state unchanged on invalid transition, got %s", next.State)
			}
		}
	}
}

// TestOutcomeMessageOnlyOnError 验证只有 error 状态携带 message。
func TestOutcomeMessageOnlyOnError(t *testing.T) {
	running, _ := Outcome{}.Transition(StateRunning, "ignored")
	if running.Message != "" {
		t.Fatalf("expected no message on running, got %q", running.Message)
	}
	failed, _ := running.Transition(StateError, "引擎崩溃")
	if failed.Message != "引擎崩溃" {
		t.Fatalf("expected error message kept, got %q", failed.Message)
	}
	again, _ := failed.Transition(StateRunning, "")
	if again.Message != "" {
		t.Fatalf("expected message cleared on re-run, got %q", again.Message)
	}
	if failed.String() != "error: 引擎崩溃" {
		t.Fatalf("unexpected String(): %s", failed.String())
	}
}
