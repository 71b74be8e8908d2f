package vip

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/route53"
	route53types "github.com/aws/aws-sdk-go-v2/service/route53/types"

	"triage/internal/config"
	"triage/internal/logging"
)

// Weighted-record identifiers the entry record pair must carry.
const (
	setIdentifierPrimary = "primary"
	setIdentifierStandby = "standby"
)

// route53API captures the subset of the AWS SDK we use so it can be mocked
// in tests.
type route53API interface {
	ListHostedZonesByName(ctx context.Context, params *route53.ListHostedZonesByNameInput, optFns ...func(*route53.Options)) (*route53.ListHostedZonesByNameOutput, error)
	ListResourceRecordSets(ctx context.Context, params *route53.ListResourceRecordSetsInput, optFns ...func(*route53.Options)) (*route53.ListResourceRecordSetsOutput, error)
	ChangeResourceRecordSets(ctx context.Context, params *route53.ChangeResourceRecordSetsInput, optFns ...func(*route53.Options)) (*route53.ChangeResourceRecordSetsOutput, error)
}

// Route53 flips the weights on a primary/standby weighted record pair.
// Failover drains the primary to zero; failback restores it and drains the
// standby. The zone lookup is cached for the provider's lifetime.
type Route53 struct {
	log         *logging.Logger
	client      route53API
	domain      string
	maxAttempts int
	sleep       func(time.Duration)

	cacheMu   sync.RWMutex
	zoneCache map[string]string
}

// NewRoute53 builds the provider from AWS configuration. Static credentials
// are optional; without them the SDK's default chain applies.
func NewRoute53(ctx context.Context, cfg config.Route53Config, log *logging.Logger) (*Route53, error) {
	if cfg.Region == "" {
		return nil, errors.New("route53 region is required")
	}
	if strings.TrimSpace(cfg.Domain) == "" {
		return nil, errors.New("route53 domain is required")
	}

	loadOpts := []func(*awscfg.LoadOptions) error{awscfg.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awscfg.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)))
	}

	awsCfg, err := awscfg.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return newRoute53(log, route53.NewFromConfig(awsCfg), cfg), nil
}

func newRoute53(log *logging.Logger, client route53API, cfg config.Route53Config) *Route53 {
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	return &Route53{
		log:         log,
		client:      client,
		domain:      strings.TrimSuffix(strings.TrimSpace(cfg.Domain), "."),
		maxAttempts: attempts,
		sleep:       time.Sleep,
		zoneCache:   make(map[string]string),
	}
}

func (p *Route53) Failover(ctx context.Context) error {
	return p.setWeights(ctx, 0, 100)
}

func (p *Route53) Failback(ctx context.Context) error {
	return p.setWeights(ctx, 100, 0)
}

func (p *Route53) setWeights(ctx context.Context, primaryWeight, standbyWeight int) error {
	var lastErr error
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		if err := p.setWeightsOnce(ctx, primaryWeight, standbyWeight); err != nil {
			lastErr = err
			p.log.Warn("route53 weight change failed",
				"domain", p.domain,
				"attempt", attempt,
				"max_attempts", p.maxAttempts,
				"error", err)
			if attempt < p.maxAttempts {
				backoff := time.Duration(1<<uint(attempt-1)) * 200 * time.Millisecond
				p.sleep(backoff)
			}
			continue
		}
		p.log.Info("route53 weights updated",
			"domain", p.domain,
			"primary", primaryWeight,
			"standby", standbyWeight)
		return nil
	}
	return fmt.Errorf("route53 set weights for %s: %w", p.domain, lastErr)
}

func (p *Route53) setWeightsOnce(ctx context.Context, primaryWeight, standbyWeight int) error {
	zoneID, err := p.lookupHostedZone(ctx, p.domain)
	if err != nil {
		return err
	}

	primary, standby, err := p.fetchWeightedRecords(ctx, zoneID, p.domain)
	if err != nil {
		return err
	}

	primaryUpdate := cloneRecordSet(primary)
	standbyUpdate := cloneRecordSet(standby)
	primaryUpdate.Weight = aws.Int64(int64(primaryWeight))
	standbyUpdate.Weight = aws.Int64(int64(standbyWeight))

	_, err = p.client.ChangeResourceRecordSets(ctx, &route53.ChangeResourceRecordSetsInput{
		HostedZoneId: aws.String(zoneID),
		ChangeBatch: &route53types.ChangeBatch{
			Comment: aws.String(fmt.Sprintf("triage vip weights %s", time.Now().UTC().Format(time.RFC3339))),
			Changes: []route53types.Change{
				{Action: route53types.ChangeActionUpsert, ResourceRecordSet: primaryUpdate},
				{Action: route53types.ChangeActionUpsert, ResourceRecordSet: standbyUpdate},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("change record sets: %w", err)
	}
	return nil
}

func (p *Route53) lookupHostedZone(ctx context.Context, domain string) (string, error) {
	p.cacheMu.RLock()
	if id, ok := p.zoneCache[domain]; ok {
		p.cacheMu.RUnlock()
		return id, nil
	}
	p.cacheMu.RUnlock()

	resp, err := p.client.ListHostedZonesByName(ctx, &route53.ListHostedZonesByNameInput{DNSName: aws.String(domain)})
	if err != nil {
		return "", fmt.Errorf("list hosted zones: %w", err)
	}

	// The record's zone is the longest zone suffix of the domain, so a
	// delegated sub-zone wins over its parent.
	var bestID, bestName string
	for _, zone := range resp.HostedZones {
		zoneName := strings.TrimSuffix(aws.ToString(zone.Name), ".")
		if zoneName == "" {
			continue
		}
		if !strings.HasSuffix(domain, zoneName) {
			continue
		}
		if len(zoneName) > len(bestName) {
			bestName = zoneName
			bestID = strings.TrimPrefix(aws.ToString(zone.Id), "/hostedzone/")
		}
	}
	if bestID == "" {
		return "", fmt.Errorf("no hosted zone for %s", domain)
	}

	p.cacheMu.Lock()
	p.zoneCache[domain] = bestID
	p.cacheMu.Unlock()

	return bestID, nil
}

func (p *Route53) fetchWeightedRecords(ctx context.Context, zoneID, domain string) (*route53types.ResourceRecordSet, *route53types.ResourceRecordSet, error) {
	input := &route53.ListResourceRecordSetsInput{
		HostedZoneId:    aws.String(zoneID),
		StartRecordName: aws.String(domain),
	}

	var primary, standby *route53types.ResourceRecordSet
	for {
		resp, err := p.client.ListResourceRecordSets(ctx, input)
		if err != nil {
			return nil, nil, fmt.Errorf("list record sets: %w", err)
		}

		for i := range resp.ResourceRecordSets {
			rr := resp.ResourceRecordSets[i]
			name := strings.TrimSuffix(aws.ToString(rr.Name), ".")
			if name != domain {
				continue
			}
			if rr.SetIdentifier == nil || rr.Weight == nil {
				continue
			}
			switch strings.ToLower(aws.ToString(rr.SetIdentifier)) {
			case setIdentifierPrimary:
				copy := rr
				primary = &copy
			case setIdentifierStandby:
				copy := rr
				standby = &copy
			}
		}

		if primary != nil && standby != nil {
			break
		}
		if !resp.IsTruncated {
			break
		}
		input.StartRecordName = resp.NextRecordName
		input.StartRecordType = resp.NextRecordType
		input.StartRecordIdentifier = resp.NextRecordIdentifier
	}

	if primary == nil || standby == nil {
		return nil, nil, fmt.Errorf("weighted primary/standby records for %s not found", domain)
	}
	return primary, standby, nil
}

func cloneRecordSet(in *route53types.ResourceRecordSet) *route53types.ResourceRecordSet {
	if in == nil {
		return nil
	}
	copy := *in
	if in.ResourceRecords != nil {
		copy.ResourceRecords = append([]route53types.ResourceRecord{}, in.ResourceRecords...)
	}
	return &copy
}
