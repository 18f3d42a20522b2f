package enrich

import (
	"context"
	"fmt"
	"sort"
	"time"

	"offensesync/internal/logger"
	"offensesync/internal/qradar"
	"offensesync/internal/rules"
	"offensesync/pkg/models"
)

// UsernameOffenseType is the offense type whose source is a user name.
const UsernameOffenseType = "Username"

// ObservableDataTypes are the observable kinds the destination understands, in scan order.
var ObservableDataTypes = []string{
	"autonomous-system", "domain", "file", "filename", "fqdn", "hash", "ip", "mail",
	"mail_subject", "other", "regexp", "registry", "uri_path", "url", "user-agent",
}

// Source is the SIEM capability set enrichment needs.
type Source interface {
	OffenseTypeName(ctx context.Context, typeID int) (string, bool, error)
	ResolveAddresses(ctx context.Context, kind qradar.AddressKind, ids []int64) ([]string, error)
	RuleName(ctx context.Context, ruleID int64) (string, bool, error)
	RunAnalyticQuery(ctx context.Context, aql string) (*models.SearchResult, error)
}

// Config controls enrichment bounds.
type Config struct {
	AddressTimeout time.Duration
	LogDelay       time.Duration
	LogLimit       int
	SearchTimeout  time.Duration
	Location       *time.Location
	Rules          rules.Engine

	// OnDegraded is called when an address lookup is abandoned or fails.
	OnDegraded func(side string)
}

// Enricher builds enriched offenses.
type Enricher struct {
	source         Source
	addressTimeout time.Duration
	logDelay       time.Duration
	logLimit       int
	searchTimeout  time.Duration
	location       *time.Location
	rules          rules.Engine
	onDegraded     func(side string)
}

// NewEnricher creates an enricher. A zero LogDelay or SearchTimeout is kept
// as is; the command layer applies the production defaults.
func NewEnricher(source Source, cfg Config) *Enricher {
	if cfg.AddressTimeout <= 0 {
		cfg.AddressTimeout = 3 * time.Second
	}
	if cfg.LogLimit <= 0 {
		cfg.LogLimit = 3
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Rules == nil {
		cfg.Rules = &rules.NoopEngine{}
	}
	if cfg.OnDegraded == nil {
		cfg.OnDegraded = func(string) {}
	}
	return &Enricher{
		source:         source,
		addressTimeout: cfg.AddressTimeout,
		logDelay:       cfg.LogDelay,
		logLimit:       cfg.LogLimit,
		searchTimeout:  cfg.SearchTimeout,
		location:       cfg.Location,
		rules:          cfg.Rules,
		onDegraded:     cfg.OnDegraded,
	}
}

// Enrich resolves the offense context. Lookups that only add detail degrade
// to placeholders or empty sets; a failed log search fails the offense.
func (e *Enricher) Enrich(ctx context.Context, offense *models.Offense) (*models.EnrichedOffense, error) {
	enriched := &models.EnrichedOffense{Offense: *offense.Clone()}
	enriched.OffenseTypeName = e.offenseTypeName(ctx, offense.OffenseType)

	artifacts := []models.Artifact{SourceArtifact(enriched.OffenseTypeName, offense.OffenseSource)}

	srcIPs := e.resolveBounded(ctx, "src", qradar.SourceAddresses, offense.SourceAddressIDs)
	dstIPs := e.resolveBounded(ctx, "dst", qradar.LocalDestinationAddresses, offense.LocalDestinationAddressIDs)
	artifacts = append(artifacts, AddressArtifacts(srcIPs, dstIPs)...)
	artifacts = append(artifacts, ObservableArtifacts(offense)...)
	enriched.Artifacts = artifacts

	enriched.RuleNames = e.ruleNames(ctx, offense)
	enriched.RuleTags = e.rules.Apply(offense)

	logs, err := e.offenseLogs(ctx, offense)
	if err != nil {
		return nil, fmt.Errorf("fetch offense logs: %w", err)
	}
	enriched.Logs = logs

	return enriched, nil
}

// UnknownOffenseType is the name used when a type id cannot be resolved.
func UnknownOffenseType(typeID int) string {
	return fmt.Sprintf("Unknown offense_type name for id=%d", typeID)
}

func (e *Enricher) offenseTypeName(ctx context.Context, typeID int) string {
	name, found, err := e.source.OffenseTypeName(ctx, typeID)
	switch {
	case err != nil:
		logger.Warnf("Offense type %d lookup failed: %v", typeID, err)
		return UnknownOffenseType(typeID)
	case !found:
		logger.Warnf("Offense type %d not found", typeID)
		return UnknownOffenseType(typeID)
	default:
		return name
	}
}

// SourceArtifact describes the offense source: a user name for Username
// offenses, an IP otherwise.
func SourceArtifact(offenseTypeName, source string) models.Artifact {
	if offenseTypeName == UsernameOffenseType {
		return models.Artifact{Data: source, DataType: "username", Message: "Offense Source"}
	}
	return models.Artifact{Data: source, DataType: "ip", Message: "Offense Source", Tags: []string{"src"}}
}

// resolveBounded runs one address lookup under its own deadline. On expiry
// the lookup is abandoned and its late result discarded.
func (e *Enricher) resolveBounded(ctx context.Context, side string, kind qradar.AddressKind, ids []int64) []string {
	if len(ids) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, e.addressTimeout)
	defer cancel()

	type result struct {
		ips []string
		err error
	}
	done := make(chan result, 1)
	go func() {
		ips, err := e.source.ResolveAddresses(ctx, kind, ids)
		done <- result{ips: ips, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			logger.Warnf("Resolving %s failed, continuing without them: %v", kind, r.err)
			e.onDegraded(side)
			return nil
		}
		return r.ips
	case <-ctx.Done():
		logger.Warnf("Resolving %s took longer than %s, aborting", kind, e.addressTimeout)
		e.onDegraded(side)
		return nil
	}
}

// AddressArtifacts emits one artifact per distinct IP. An IP seen on both
// sides is emitted once, tagged src and dst.
func AddressArtifacts(srcIPs, dstIPs []string) []models.Artifact {
	src := toSet(srcIPs)
	dst := toSet(dstIPs)

	var srcOnly, dstOnly, both []string
	for ip := range src {
		if _, ok := dst[ip]; ok {
			both = append(both, ip)
		} else {
			srcOnly = append(srcOnly, ip)
		}
	}
	for ip := range dst {
		if _, ok := src[ip]; !ok {
			dstOnly = append(dstOnly, ip)
		}
	}
	sort.Strings(srcOnly)
	sort.Strings(dstOnly)
	sort.Strings(both)

	out := make([]models.Artifact, 0, len(srcOnly)+len(dstOnly)+len(both))
	for _, ip := range srcOnly {
		out = append(out, models.Artifact{Data: ip, DataType: "ip", Message: "Source IP", Tags: []string{"src"}})
	}
	for _, ip := range dstOnly {
		out = append(out, models.Artifact{Data: ip, DataType: "ip", Message: "Local destination IP", Tags: []string{"dst"}})
	}
	for _, ip := range both {
		out = append(out, models.Artifact{Data: ip, DataType: "ip", Message: "Source and local destination IP", Tags: []string{"src", "dst"}})
	}
	return out
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		if v != "" {
			set[v] = struct{}{}
		}
	}
	return set
}

// ObservableArtifacts emits an artifact for every supported observable key
// the raw offense carries.
func ObservableArtifacts(offense *models.Offense) []models.Artifact {
	var out []models.Artifact
	for _, dataType := range ObservableDataTypes {
		if !offense.Has(dataType) {
			continue
		}
		out = append(out, models.Artifact{Data: offense.Field(dataType), DataType: dataType, Message: dataType})
	}
	return out
}

func (e *Enricher) ruleNames(ctx context.Context, offense *models.Offense) []string {
	var names []string
	for _, rule := range offense.Rules {
		if rule.Type != "CRE_RULE" {
			continue
		}
		name, found, err := e.source.RuleName(ctx, rule.ID)
		if err != nil {
			logger.Warnf("Could not get rule name for offense %d (rule %d): %v", offense.ID, rule.ID, err)
			continue
		}
		if !found {
			logger.Warnf("Rule %d of offense %d not found", rule.ID, offense.ID)
			continue
		}
		names = append(names, name)
	}
	return names
}
