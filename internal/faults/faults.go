package faults

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Sentinel kinds for the engine's failure taxonomy. Callers match with
// errors.Is; the typed errors below carry the structured detail.
var (
	ErrSourceUnavailable = errors.New("source unavailable")
	ErrDispatchFailure   = errors.New("dispatch failure")
	ErrAttemptTimeout    = errors.New("attempt timeout")
	ErrConfigInvalid     = errors.New("config invalid")
	ErrPersistence       = errors.New("persistence failure")
)

// SourceError marks one collector source as degraded for one tenant.
// Non-fatal: the sample is invalidated and its weight redistributed.
type SourceError struct {
	Tenant string
	Source string
	Err    error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("source %s unavailable for tenant %s: %v", e.Source, e.Tenant, e.Err)
}

func (e *SourceError) Unwrap() error { return e.Err }

func (e *SourceError) Is(target error) bool { return target == ErrSourceUnavailable }

// TenantConfigError invalidates a single tenant's configuration. The tenant
// is excluded from evaluation; other tenants are unaffected.
type TenantConfigError struct {
	Tenant string
	Fields map[string]string
}

func (e *TenantConfigError) Error() string {
	if len(e.Fields) == 0 {
		return fmt.Sprintf("tenant %s: invalid configuration", e.Tenant)
	}
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, e.Fields[k]))
	}
	return fmt.Sprintf("tenant %s: invalid configuration (%s)", e.Tenant, strings.Join(parts, "; "))
}

func (e *TenantConfigError) Is(target error) bool { return target == ErrConfigInvalid }
