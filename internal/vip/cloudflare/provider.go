// Package cloudflare repoints a DNS record between the primary and standby
// targets through the Cloudflare API.
package cloudflare

import (
	"context"
	"fmt"

	cf "github.com/cloudflare/cloudflare-go"

	"triage/internal/config"
	"triage/internal/logging"
	"triage/internal/vip"
)

// dnsAPI captures the subset of the Cloudflare client we use so it can be
// mocked in tests.
type dnsAPI interface {
	ListDNSRecords(ctx context.Context, rc *cf.ResourceContainer, params cf.ListDNSRecordsParams) ([]cf.DNSRecord, *cf.ResultInfo, error)
	UpdateDNSRecord(ctx context.Context, rc *cf.ResourceContainer, params cf.UpdateDNSRecordParams) (cf.DNSRecord, error)
}

// Provider flips one record's content between the primary and standby
// targets. The record is recognized by pointing at one of the two, so a
// hand-edited record aimed elsewhere is refused rather than overwritten.
type Provider struct {
	log     *logging.Logger
	api     dnsAPI
	zoneID  string
	record  string
	primary string
	standby string
}

var _ vip.Provider = (*Provider)(nil)

func NewProvider(cfg config.CloudflareConfig, log *logging.Logger) (*Provider, error) {
	switch {
	case cfg.APIToken == "":
		return nil, fmt.Errorf("cloudflare api token missing")
	case cfg.ZoneID == "":
		return nil, fmt.Errorf("cloudflare zone id missing")
	case cfg.RecordName == "":
		return nil, fmt.Errorf("cloudflare record name missing")
	case cfg.PrimaryTarget == "" || cfg.StandbyTarget == "":
		return nil, fmt.Errorf("cloudflare primary and standby targets are required")
	}

	api, err := cf.NewWithAPIToken(cfg.APIToken)
	if err != nil {
		return nil, fmt.Errorf("init cloudflare client: %w", err)
	}
	return newProvider(log, api, cfg), nil
}

func newProvider(log *logging.Logger, api dnsAPI, cfg config.CloudflareConfig) *Provider {
	return &Provider{
		log:     log,
		api:     api,
		zoneID:  cfg.ZoneID,
		record:  cfg.RecordName,
		primary: cfg.PrimaryTarget,
		standby: cfg.StandbyTarget,
	}
}

func (p *Provider) Failover(ctx context.Context) error {
	return p.point(ctx, p.standby)
}

func (p *Provider) Failback(ctx context.Context) error {
	return p.point(ctx, p.primary)
}

func (p *Provider) point(ctx context.Context, target string) error {
	rc := cf.ZoneIdentifier(p.zoneID)
	records, _, err := p.api.ListDNSRecords(ctx, rc, cf.ListDNSRecordsParams{Name: p.record})
	if err != nil {
		return fmt.Errorf("list dns records for %s: %w", p.record, err)
	}

	rec, ok := p.managedRecord(records)
	if !ok {
		return fmt.Errorf("record %s does not point at a known target", p.record)
	}
	if rec.Content == target {
		p.log.Info("cloudflare record already on target", "record", p.record, "target", target)
		return nil
	}

	_, err = p.api.UpdateDNSRecord(ctx, rc, cf.UpdateDNSRecordParams{
		ID:      rec.ID,
		Type:    rec.Type,
		Name:    rec.Name,
		Content: target,
		TTL:     rec.TTL,
		Proxied: rec.Proxied,
	})
	if err != nil {
		return fmt.Errorf("update dns record %s: %w", p.record, err)
	}

	p.log.Info("cloudflare record repointed", "record", p.record, "from", rec.Content, "to", target)
	return nil
}

func (p *Provider) managedRecord(records []cf.DNSRecord) (cf.DNSRecord, bool) {
	for _, rec := range records {
		if rec.Content == p.primary || rec.Content == p.standby {
			return rec, true
		}
	}
	return cf.DNSRecord{}, false
}
