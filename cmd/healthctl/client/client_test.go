package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"triage/internal/domain"
	"triage/internal/engine"
)

func testEvaluation() engine.Evaluation {
	return engine.Evaluation{
		Tenant: "payments",
		Result: engine.ResultDegraded,
		Score: domain.CompositeScore{
			Tenant:      "payments",
			EvaluatedAt: time.Unix(1700000000, 0).UTC(),
			Value:       63.4,
			Breached:    []string{"error_rate"},
		},
		Breaker: domain.BreakerState{Tenant: "payments", Status: domain.BreakerClosed},
	}
}

func TestStateCodes(t *testing.T) {
	cases := map[string]int{
		engine.ResultHealthy:        CodeOK,
		engine.ResultDegraded:       CodeDegraded,
		engine.ResultNoData:         CodeDegraded,
		engine.ResultUnhealthy:      CodeDegraded,
		engine.ResultDispatchFailed: CodeDegraded,
		engine.ResultSkipped:        CodeDegraded,
		engine.ResultDispatched:     CodeDispatched,
		engine.ResultPending:        CodeDispatched,
		engine.ResultSuppressed:     CodeSuppressed,
	}
	for result, want := range cases {
		if got := StateCode(result); got != want {
			t.Errorf("StateCode(%s) = %d, want %d", result, got, want)
		}
	}
}

func TestWorseCodeKeepsSeverest(t *testing.T) {
	code := CodeOK
	for _, next := range []int{CodeDegraded, CodeOK, CodeSuppressed, CodeDispatched} {
		code = WorseCode(code, next)
	}
	if code != CodeSuppressed {
		t.Fatalf("worst code = %d, want %d", code, CodeSuppressed)
	}
}

func TestExitZeroIsNil(t *testing.T) {
	if err := Exit(CodeOK); err != nil {
		t.Fatalf("Exit(0) = %v, want nil", err)
	}
	err := Exit(CodeDispatched)
	var xe *ExitError
	if !errors.As(err, &xe) || xe.Code != CodeDispatched || xe.Err != nil {
		t.Fatalf("Exit(3) = %#v, want bare code 3", err)
	}
}

func TestAssessDecodesAndAuthenticates(t *testing.T) {
	var gotMethod, gotPath, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath, gotAuth = r.Method, r.URL.Path, r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(testEvaluation())
	}))
	defer srv.Close()

	c := New(srv.URL, "sekrit", time.Second)
	ev, err := c.Assess(context.Background(), "payments")
	if err != nil {
		t.Fatalf("Assess: %v", err)
	}
	if gotMethod != http.MethodPost || gotPath != "/v1/tenants/payments/assess" {
		t.Fatalf("request was %s %s", gotMethod, gotPath)
	}
	if gotAuth != "Bearer sekrit" {
		t.Fatalf("authorization = %q", gotAuth)
	}
	if ev.Result != engine.ResultDegraded || ev.Score.Value != 63.4 {
		t.Fatalf("unexpected evaluation: %+v", ev)
	}
}

func TestNotFoundIsConfigError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"error": "tenant not found"})
	}))
	defer srv.Close()

	_, err := New(srv.URL, "", time.Second).Score(context.Background(), "ghost")
	var xe *ExitError
	if !errors.As(err, &xe) {
		t.Fatalf("want ExitError, got %v", err)
	}
	if xe.Code != CodeConfig {
		t.Fatalf("code = %d, want %d", xe.Code, CodeConfig)
	}
	if xe.Err == nil || xe.Err.Error() != "tenant not found" {
		t.Fatalf("message = %v", xe.Err)
	}
}

func TestServerFaultIsNotExitCoded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := New(srv.URL, "", time.Second).Status(context.Background())
	if err == nil {
		t.Fatal("want error for 500 response")
	}
	var xe *ExitError
	if errors.As(err, &xe) {
		t.Fatalf("500 mapped to exit code %d, want plain error", xe.Code)
	}
}

func TestUnreachableEngineIsConfigError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	addr := srv.URL
	srv.Close()

	_, err := New(addr, "", time.Second).Status(context.Background())
	var xe *ExitError
	if !errors.As(err, &xe) || xe.Code != CodeConfig {
		t.Fatalf("want config exit error for refused connection, got %v", err)
	}
}

func TestTenantPathEscapes(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		json.NewEncoder(w).Encode(domain.BreakerState{})
	}))
	defer srv.Close()

	if _, err := New(srv.URL, "", time.Second).Breaker(context.Background(), "a/b"); err != nil {
		t.Fatalf("Breaker: %v", err)
	}
	if gotPath != "/v1/tenants/a%2Fb/breaker" {
		t.Fatalf("path = %q", gotPath)
	}
}
