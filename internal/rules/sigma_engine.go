package rules

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	sigma "github.com/bradleyjkemp/sigma-go"
	sigmaevaluator "github.com/bradleyjkemp/sigma-go/evaluator"

	"offensesync/pkg/models"
)

// SigmaLoadStats tracks the number of loaded and skipped rules.
type SigmaLoadStats struct {
	TotalFiles        int
	Loaded            int
	SkippedComplex    int
	SkippedDatasource int
	SkippedInvalid    int
}

type compiledSigmaRule struct {
	rule sigma.Rule
	eval *sigmaevaluator.RuleEvaluator
	tag  string
}

// SigmaEngine evaluates Sigma rules against offense records.
type SigmaEngine struct {
	rules []compiledSigmaRule
	ctx   context.Context
}

// NewSigmaEngine loads Sigma rules from a file or directory and compiles evaluators.
// Rules for other log sources, and rules needing more than one record, are
// skipped and counted in stats.
func NewSigmaEngine(path string) (*SigmaEngine, SigmaLoadStats, error) {
	var stats SigmaLoadStats

	resolved, err := filepath.Abs(path)
	if err != nil {
		return nil, stats, fmt.Errorf("resolve rule path: %w", err)
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return nil, stats, fmt.Errorf("stat rule path: %w", err)
	}

	files := make([]string, 0, 32)
	if info.IsDir() {
		err = filepath.WalkDir(resolved, func(filePath string, entry fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			if !entry.IsDir() && isYAMLFile(filePath) {
				files = append(files, filePath)
			}
			return nil
		})
		if err != nil {
			return nil, stats, fmt.Errorf("walk rule directory: %w", err)
		}
	} else {
		if !isYAMLFile(resolved) {
			return nil, stats, fmt.Errorf("rule file must end with .yml or .yaml: %s", resolved)
		}
		files = append(files, resolved)
	}

	stats.TotalFiles = len(files)
	compiled := make([]compiledSigmaRule, 0, len(files))
	for _, ruleFile := range files {
		rule, err := parseSigmaRuleFile(ruleFile)
		if err != nil {
			stats.SkippedInvalid++
			continue
		}
		if !isOffenseLogsource(rule) {
			stats.SkippedDatasource++
			continue
		}
		if !isSingleRecordRule(rule) {
			stats.SkippedComplex++
			continue
		}

		compiled = append(compiled, compiledSigmaRule{
			rule: rule,
			eval: sigmaevaluator.ForRule(rule),
			tag:  tagFromRule(rule),
		})
		stats.Loaded++
	}

	return &SigmaEngine{rules: compiled, ctx: context.Background()}, stats, nil
}

// Apply evaluates every loaded rule and returns a tag per match, in load order.
func (e *SigmaEngine) Apply(offense *models.Offense) []string {
	if e == nil || offense == nil || len(e.rules) == 0 {
		return nil
	}

	record := sigmaRecordFrom(offense)
	var out []string
	for _, rule := range e.rules {
		res, err := rule.eval.Matches(e.ctx, record)
		if err != nil {
			continue
		}
		if res.Match {
			out = append(out, rule.tag)
		}
	}
	return out
}

func parseSigmaRuleFile(path string) (sigma.Rule, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return sigma.Rule{}, fmt.Errorf("read sigma rule %s: %w", path, err)
	}
	rule, err := sigma.ParseRule(raw)
	if err != nil {
		return sigma.Rule{}, fmt.Errorf("parse sigma rule %s: %w", path, err)
	}
	return rule, nil
}

func isYAMLFile(path string) bool {
	lower := strings.ToLower(path)
	return strings.HasSuffix(lower, ".yml") || strings.HasSuffix(lower, ".yaml")
}

func isOffenseLogsource(rule sigma.Rule) bool {
	product := strings.ToLower(strings.TrimSpace(rule.Logsource.Product))
	category := strings.ToLower(strings.TrimSpace(rule.Logsource.Category))

	if product != "" && product != "qradar" {
		return false
	}
	if category != "" && category != "offense" {
		return false
	}
	return true
}

func isSingleRecordRule(rule sigma.Rule) bool {
	if rule.Detection.Timeframe > 0 {
		return false
	}
	for _, cond := range rule.Detection.Conditions {
		if cond.Aggregation != nil {
			return false
		}
	}
	for _, search := range rule.Detection.Searches {
		if len(search.Keywords) > 0 || len(search.EventMatchers) == 0 {
			return false
		}
	}
	return true
}

// sigmaRecordFrom exposes every raw offense key to the rules, falling back
// to the typed fields for records built without a raw body.
func sigmaRecordFrom(offense *models.Offense) map[string]interface{} {
	record := make(map[string]interface{}, len(offense.Raw)+4)
	for k, v := range offense.Raw {
		record[k] = v
	}
	setDefault(record, "id", offense.ID)
	setDefault(record, "severity", offense.Severity)
	setDefault(record, "description", offense.Description)
	setDefault(record, "offense_source", offense.OffenseSource)
	return record
}

func setDefault(record map[string]interface{}, key string, value interface{}) {
	if _, ok := record[key]; !ok {
		record[key] = value
	}
}

func tagFromRule(rule sigma.Rule) string {
	name := strings.TrimSpace(rule.Title)
	if name == "" {
		name = strings.TrimSpace(rule.ID)
	}
	return "sigma:" + name
}
