package faults

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestSourceErrorMatchesSentinel(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := fmt.Errorf("collect: %w", &SourceError{Tenant: "devops", Source: "metrics", Err: cause})

	if !errors.Is(err, ErrSourceUnavailable) {
		t.Fatalf("expected errors.Is to match ErrSourceUnavailable")
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected wrapped cause to remain reachable")
	}
	if errors.Is(err, ErrDispatchFailure) {
		t.Fatalf("source error must not match dispatch failure")
	}
}

func TestTenantConfigErrorMessageIsStable(t *testing.T) {
	err := &TenantConfigError{
		Tenant: "qa",
		Fields: map[string]string{
			"weights": "must sum to 100",
			"actions": "unknown action \"reboot\"",
		},
	}
	if !errors.Is(err, ErrConfigInvalid) {
		t.Fatalf("expected errors.Is to match ErrConfigInvalid")
	}
	msg := err.Error()
	if !strings.Contains(msg, "qa") {
		t.Fatalf("message missing tenant: %q", msg)
	}
	// Sorted field order keeps startup logs diffable.
	if strings.Index(msg, "actions") > strings.Index(msg, "weights") {
		t.Fatalf("expected fields in sorted order: %q", msg)
	}
}
