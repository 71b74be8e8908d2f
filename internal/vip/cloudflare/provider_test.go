package cloudflare

import (
	"context"
	"errors"
	"strings"
	"testing"

	cf "github.com/cloudflare/cloudflare-go"

	"triage/internal/config"
	"triage/internal/logging"
)

type mockDNSAPI struct {
	listFn   func(ctx context.Context, rc *cf.ResourceContainer, params cf.ListDNSRecordsParams) ([]cf.DNSRecord, *cf.ResultInfo, error)
	updateFn func(ctx context.Context, rc *cf.ResourceContainer, params cf.UpdateDNSRecordParams) (cf.DNSRecord, error)
}

func (m *mockDNSAPI) ListDNSRecords(ctx context.Context, rc *cf.ResourceContainer, params cf.ListDNSRecordsParams) ([]cf.DNSRecord, *cf.ResultInfo, error) {
	return m.listFn(ctx, rc, params)
}

func (m *mockDNSAPI) UpdateDNSRecord(ctx context.Context, rc *cf.ResourceContainer, params cf.UpdateDNSRecordParams) (cf.DNSRecord, error) {
	return m.updateFn(ctx, rc, params)
}

func testProvider(api dnsAPI) *Provider {
	return newProvider(logging.New("test"), api, config.CloudflareConfig{
		ZoneID:        "zone123",
		RecordName:    "edge.example.com",
		PrimaryTarget: "primary.example.net",
		StandbyTarget: "standby.example.net",
	})
}

func recordOn(content string) []cf.DNSRecord {
	proxied := false
	return []cf.DNSRecord{
		{
			ID:      "rec1",
			Type:    "CNAME",
			Name:    "edge.example.com",
			Content: content,
			TTL:     60,
			Proxied: &proxied,
		},
	}
}

func TestFailoverRepointsRecord(t *testing.T) {
	var captured *cf.UpdateDNSRecordParams
	api := &mockDNSAPI{
		listFn: func(ctx context.Context, rc *cf.ResourceContainer, params cf.ListDNSRecordsParams) ([]cf.DNSRecord, *cf.ResultInfo, error) {
			if params.Name != "edge.example.com" {
				t.Errorf("list name = %q, want edge.example.com", params.Name)
			}
			return recordOn("primary.example.net"), &cf.ResultInfo{}, nil
		},
		updateFn: func(ctx context.Context, rc *cf.ResourceContainer, params cf.UpdateDNSRecordParams) (cf.DNSRecord, error) {
			captured = &params
			return cf.DNSRecord{}, nil
		},
	}

	p := testProvider(api)
	if err := p.Failover(context.Background()); err != nil {
		t.Fatalf("Failover: %v", err)
	}
	if captured == nil {
		t.Fatal("no update sent")
	}
	if captured.ID != "rec1" {
		t.Errorf("update id = %q, want rec1", captured.ID)
	}
	if captured.Content != "standby.example.net" {
		t.Errorf("content = %q, want standby.example.net", captured.Content)
	}
	if captured.TTL != 60 || captured.Type != "CNAME" {
		t.Errorf("record shape not carried over: ttl=%d type=%q", captured.TTL, captured.Type)
	}
}

func TestFailbackRepointsToPrimary(t *testing.T) {
	var captured *cf.UpdateDNSRecordParams
	api := &mockDNSAPI{
		listFn: func(ctx context.Context, rc *cf.ResourceContainer, params cf.ListDNSRecordsParams) ([]cf.DNSRecord, *cf.ResultInfo, error) {
			return recordOn("standby.example.net"), &cf.ResultInfo{}, nil
		},
		updateFn: func(ctx context.Context, rc *cf.ResourceContainer, params cf.UpdateDNSRecordParams) (cf.DNSRecord, error) {
			captured = &params
			return cf.DNSRecord{}, nil
		},
	}

	p := testProvider(api)
	if err := p.Failback(context.Background()); err != nil {
		t.Fatalf("Failback: %v", err)
	}
	if captured == nil || captured.Content != "primary.example.net" {
		t.Fatalf("update = %+v, want content primary.example.net", captured)
	}
}

func TestAlreadyOnTargetSkipsUpdate(t *testing.T) {
	updates := 0
	api := &mockDNSAPI{
		listFn: func(ctx context.Context, rc *cf.ResourceContainer, params cf.ListDNSRecordsParams) ([]cf.DNSRecord, *cf.ResultInfo, error) {
			return recordOn("standby.example.net"), &cf.ResultInfo{}, nil
		},
		updateFn: func(ctx context.Context, rc *cf.ResourceContainer, params cf.UpdateDNSRecordParams) (cf.DNSRecord, error) {
			updates++
			return cf.DNSRecord{}, nil
		},
	}

	p := testProvider(api)
	if err := p.Failover(context.Background()); err != nil {
		t.Fatalf("Failover: %v", err)
	}
	if updates != 0 {
		t.Fatalf("updates = %d, want 0 when already on standby", updates)
	}
}

func TestForeignRecordRefused(t *testing.T) {
	api := &mockDNSAPI{
		listFn: func(ctx context.Context, rc *cf.ResourceContainer, params cf.ListDNSRecordsParams) ([]cf.DNSRecord, *cf.ResultInfo, error) {
			return recordOn("203.0.113.9"), &cf.ResultInfo{}, nil
		},
		updateFn: func(ctx context.Context, rc *cf.ResourceContainer, params cf.UpdateDNSRecordParams) (cf.DNSRecord, error) {
			t.Fatal("update must not run against an unrecognized record")
			return cf.DNSRecord{}, nil
		},
	}

	p := testProvider(api)
	err := p.Failover(context.Background())
	if err == nil {
		t.Fatal("expected error for a record pointing elsewhere")
	}
	if !strings.Contains(err.Error(), "known target") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestListErrorPropagates(t *testing.T) {
	api := &mockDNSAPI{
		listFn: func(ctx context.Context, rc *cf.ResourceContainer, params cf.ListDNSRecordsParams) ([]cf.DNSRecord, *cf.ResultInfo, error) {
			return nil, nil, errors.New("api unavailable")
		},
	}

	p := testProvider(api)
	if err := p.Failover(context.Background()); err == nil {
		t.Fatal("expected list failure to propagate")
	}
}

func TestNewProviderValidatesConfig(t *testing.T) {
	log := logging.New("test")
	cases := []config.CloudflareConfig{
		{},
		{APIToken: "t"},
		{APIToken: "t", ZoneID: "z"},
		{APIToken: "t", ZoneID: "z", RecordName: "r"},
		{APIToken: "t", ZoneID: "z", RecordName: "r", PrimaryTarget: "p"},
	}
	for i, cfg := range cases {
		if _, err := NewProvider(cfg, log); err == nil {
			t.Errorf("case %d: expected config error, got nil", i)
		}
	}
}
