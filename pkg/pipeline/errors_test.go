package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestIsTransientClassification(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"explicit transient", Transientf("endpoint returned 503"), true},
		{"explicit permanent", Permanentf("no code section"), false},
		{"wrapped permanent", fmt.Errorf("stage failed: %w", Permanent(errors.New("bad script"))), false},
		{"wrapped transient", fmt.Errorf("stage failed: %w", Transient(errors.New("timeout"))), true},
		{"deadline exceeded", context.DeadlineExceeded, true},
		{"cancellation", context.Canceled, true},
		{"unclassified", errors.New("something broke"), true},
		{"lease expiry", ErrLeaseExpired, true},
	}

	for _, c := range cases {
		if got := IsTransient(c.err); got != c.want {
			t.Errorf("%s: IsTransient = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestTransientPermanentPreserveNil(t *testing.T) {
	if Transient(nil) != nil {
		t.Error("Transient(nil) should stay nil")
	}
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) should stay nil")
	}
}

func TestClassifiedErrorsUnwrap(t *testing.T) {
	cause := errors.New("root cause")
	if !errors.Is(Transient(cause), cause) {
		t.Error("Transient should unwrap to its cause")
	}
	if !errors.Is(Permanent(cause), cause) {
		t.Error("Permanent should unwrap to its cause")
	}
}
