package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"testing"
)

func TestEngineError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *EngineError
		want string
	}{
		{
			name: "without cause",
			err:  New(KindStateAccess, CodeReadOnlyTier, "cannot write to inputs tier"),
			want: "[STATE_001] cannot write to inputs tier",
		},
		{
			name: "with cause",
			err:  New(KindEvaluation, CodeExprRuntime, "transform failed").WithCause(fmt.Errorf("boom")),
			want: "[EVAL_002] transform failed: boom",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEngineError_Unwrap(t *testing.T) {
	cause := fmt.Errorf("underlying")
	err := New(KindInternal, CodeInternal, "wrapper").WithCause(cause)

	if !stderrors.Is(err, cause) {
		t.Error("errors.Is should find the cause")
	}
}

func TestEngineError_WithDetail(t *testing.T) {
	err := New(KindControlFlow, CodeBreakOutsideLoop, "break outside loop").
		WithDetail("step_id", "step_003").
		WithDetail("depth", 0)

	if err.Details["step_id"] != "step_003" {
		t.Errorf("Details[step_id] = %v, want step_003", err.Details["step_id"])
	}
	if err.Details["depth"] != 0 {
		t.Errorf("Details[depth] = %v, want 0", err.Details["depth"])
	}
}

func TestEngineError_JSON(t *testing.T) {
	err := New(KindTimeout, CodeSubAgentTimeout, "sub-agent timed out").
		WithStep("step_007").
		WithDetail("task_id", "lint.item2")

	var decoded map[string]any
	if uerr := json.Unmarshal([]byte(err.JSON()), &decoded); uerr != nil {
		t.Fatalf("JSON() produced invalid JSON: %v", uerr)
	}

	if decoded["kind"] != "Timeout" {
		t.Errorf("kind = %v, want Timeout", decoded["kind"])
	}
	if decoded["code"] != CodeSubAgentTimeout {
		t.Errorf("code = %v, want %s", decoded["code"], CodeSubAgentTimeout)
	}
	if decoded["step_id"] != "step_007" {
		t.Errorf("step_id = %v, want step_007", decoded["step_id"])
	}
}

func TestWrap(t *testing.T) {
	t.Run("nil", func(t *testing.T) {
		if Wrap(nil) != nil {
			t.Error("Wrap(nil) should be nil")
		}
	})

	t.Run("already engine error", func(t *testing.T) {
		orig := New(KindValidation, CodeMissingInput, "missing input: name")
		if got := Wrap(orig); got != orig {
			t.Error("Wrap should return the original EngineError")
		}
	})

	t.Run("wrapped engine error", func(t *testing.T) {
		orig := New(KindCancelled, CodeCancelled, "cancelled")
		wrapped := fmt.Errorf("during poll: %w", orig)
		if got := Wrap(wrapped); got != orig {
			t.Error("Wrap should unwrap to the inner EngineError")
		}
	})

	t.Run("plain error", func(t *testing.T) {
		got := Wrap(fmt.Errorf("plain"))
		if got.Kind != KindInternal {
			t.Errorf("Kind = %v, want Internal", got.Kind)
		}
		if !strings.Contains(got.Message, "plain") {
			t.Errorf("Message = %q, should contain original text", got.Message)
		}
	})
}

func TestKind_Retryable(t *testing.T) {
	retryable := []Kind{KindStepExecution, KindTimeout}
	for _, k := range retryable {
		if !k.Retryable() {
			t.Errorf("%s should be retryable", k)
		}
	}

	fatal := []Kind{KindValidation, KindEvaluation, KindStateAccess, KindControlFlow, KindSubAgent, KindCancelled, KindInternal}
	for _, k := range fatal {
		if k.Retryable() {
			t.Errorf("%s should not be retryable", k)
		}
	}
}

func TestIsKind(t *testing.T) {
	err := New(KindStateAccess, CodeComputedCycle, "cycle: a -> b -> a")

	if !IsKind(err, KindStateAccess) {
		t.Error("IsKind should match StateAccess")
	}
	if IsKind(err, KindTimeout) {
		t.Error("IsKind should not match Timeout")
	}
	if IsKind(fmt.Errorf("plain"), KindStateAccess) {
		t.Error("IsKind should not match plain errors")
	}
}

func TestHasCode(t *testing.T) {
	err := fmt.Errorf("outer: %w", New(KindStateAccess, CodeReadOnlyTier, "read-only"))

	if !HasCode(err, CodeReadOnlyTier) {
		t.Error("HasCode should find the code through wrapping")
	}
	if HasCode(err, CodeMissingKey) {
		t.Error("HasCode should not match a different code")
	}
}
