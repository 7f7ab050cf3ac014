package engine

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/openvhm/openvhm/pkg/store"
)

// TestErrorClassPredicates tests that each classifier matches exactly
// its class.
func TestErrorClassPredicates(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		conflict   bool
		fatal      bool
		app        bool
		retryLimit bool
	}{
		{"conflict", NewConflictError("stale", nil), true, false, false, false},
		{"fatal", NewFatalError("misuse", nil), false, true, false, false},
		{"application", NewApplicationError("domain", nil), false, false, true, false},
		{"retry limit", NewRetryLimitError(3, nil), false, false, false, true},
		{"store conflict", &store.ConflictError{Op: "commit"}, true, false, false, false},
		{"plain", errors.New("plain"), false, false, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsConflict(tt.err); got != tt.conflict {
				t.Errorf("IsConflict = %v", got)
			}
			if got := IsFatal(tt.err); got != tt.fatal {
				t.Errorf("IsFatal = %v", got)
			}
			if got := IsApplication(tt.err); got != tt.app {
				t.Errorf("IsApplication = %v", got)
			}
			if got := IsRetryLimit(tt.err); got != tt.retryLimit {
				t.Errorf("IsRetryLimit = %v", got)
			}
		})
	}
}

// TestClassify tests the class mapping, including wrapped errors and
// the application fallback.
func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"conflict", NewConflictError("stale", nil), ErrorClassConflict},
		{"fatal", NewFatalError("misuse", nil), ErrorClassFatal},
		{"application", NewApplicationError("domain", nil), ErrorClassApplication},
		{"retry limit", NewRetryLimitError(2, nil), ErrorClassRetryLimit},
		{"store conflict", &store.ConflictError{Op: "load"}, ErrorClassConflict},
		{"wrapped conflict", fmt.Errorf("outer: %w", NewConflictError("stale", nil)), ErrorClassConflict},
		{"plain", errors.New("anything"), ErrorClassApplication},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify = %s, expected %s", got, tt.want)
			}
		})
	}
}

// TestErrorMessageFormats tests the rendered message for each shape of
// TxError.
func TestErrorMessageFormats(t *testing.T) {
	base := NewConflictError("stale view", errors.New("version moved"))
	if got := base.Error(); got != "[conflict] stale view: version moved" {
		t.Errorf("message = %q", got)
	}

	oid := store.NewOID()
	withOID := NewConflictError("stale view", errors.New("version moved")).WithOID(oid)
	if got := withOID.Error(); !strings.Contains(got, "oid="+oid.String()) {
		t.Errorf("message = %q", got)
	}

	exhausted := NewRetryLimitError(4, errors.New("last conflict"))
	if got := exhausted.Error(); !strings.Contains(got, "attempts=4") {
		t.Errorf("message = %q", got)
	}
}

// TestErrorUnwrap tests that the cause chain stays inspectable.
func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := NewFatalError("wrapper", cause)

	if !errors.Is(err, cause) {
		t.Error("cause must be reachable via errors.Is")
	}
	if errors.Unwrap(err) != cause {
		t.Error("Unwrap must return the cause")
	}
}

// TestErrorsIsByClass tests that two TxErrors compare by class, which
// lets callers match against a prototype.
func TestErrorsIsByClass(t *testing.T) {
	if !errors.Is(NewConflictError("a", nil), NewConflictError("b", nil)) {
		t.Error("conflicts of different messages must match by class")
	}
	if errors.Is(NewConflictError("a", nil), NewFatalError("a", nil)) {
		t.Error("different classes must not match")
	}
}

// TestRetryLimitWrapsLastConflict tests that exhaustion errors keep the
// final conflict reachable.
func TestRetryLimitWrapsLastConflict(t *testing.T) {
	last := NewConflictError("stale", &store.ConflictError{Op: "commit"})
	err := NewRetryLimitError(5, last)

	if !IsRetryLimit(err) {
		t.Error("expected retry-limit class")
	}
	if !IsConflict(errors.Unwrap(err)) {
		t.Error("unwrapped error must be the conflict")
	}
	var ce *store.ConflictError
	if !errors.As(err, &ce) {
		t.Error("store conflict must stay reachable through the chain")
	}
}
