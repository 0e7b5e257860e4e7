package cistatus

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type DatabaseConfig struct {
	// Driver is sqlite (default) or postgres.
	Driver string `yaml:"driver"`
	// DSN is a file path for sqlite, a connection string for postgres.
	DSN   string `yaml:"dsn"`
	Debug bool   `yaml:"-"`
}

// RuleConfig is one rule of a CI system or a rule reference of a product.
type RuleConfig struct {
	Name          string `yaml:"name"`
	Description   string `yaml:"description"`
	RuleType      string `yaml:"rule_type"`
	TriggerType   string `yaml:"trigger_type"`
	GerritRefspec string `yaml:"gerrit_refspec"`
	GerritBranch  string `yaml:"gerrit_branch"`
	// CiSystem references the owning CI system by url or name (product rules only).
	CiSystem string `yaml:"ci_system"`
	// Inactive rules are kept but not evaluated.
	Inactive bool `yaml:"inactive"`
}

// RulesConfig accepts either:
//  1. mapping form (preferred):
//     rules:
//     jobs:  {deploy.nightly: timer, verify: gerrit}
//     views: {kilo: any}
//  2. list form:
//     rules:
//     - name: deploy.nightly
//     rule_type: job
//     trigger_type: timer
type RulesConfig struct {
	Items []RuleConfig
}

func (r *RulesConfig) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	switch value.Kind {
	case yaml.MappingNode:
		items := make([]RuleConfig, 0, len(value.Content)/2)
		for i := 0; i+1 < len(value.Content); i += 2 {
			section := strings.ToLower(strings.TrimSpace(value.Content[i].Value))
			var ruleType string
			switch section {
			case "jobs", "job":
				ruleType = "job"
			case "views", "view":
				ruleType = "view"
			default:
				return fmt.Errorf("line %d: unknown rules section %q (want jobs or views)", value.Content[i].Line, section)
			}
			v := value.Content[i+1]
			if v.Kind != yaml.MappingNode {
				return fmt.Errorf("line %d: rules.%s must be a mapping of name to trigger", v.Line, section)
			}
			for j := 0; j+1 < len(v.Content); j += 2 {
				name := strings.TrimSpace(v.Content[j].Value)
				if name == "" {
					continue
				}
				val := v.Content[j+1]
				// Allow mapping values to be either:
				// - scalar string: <trigger>
				// - mapping object: {trigger_type: ..., gerrit_branch: ...}
				switch val.Kind {
				case yaml.ScalarNode:
					items = append(items, RuleConfig{Name: name, RuleType: ruleType, TriggerType: strings.TrimSpace(val.Value)})
				case yaml.MappingNode:
					var tmp RuleConfig
					if err := val.Decode(&tmp); err != nil {
						return err
					}
					tmp.Name = name
					tmp.RuleType = ruleType
					items = append(items, tmp)
				default:
					continue
				}
			}
		}
		r.Items = items
		return nil
	case yaml.SequenceNode:
		var items []RuleConfig
		if err := value.Decode(&items); err != nil {
			return err
		}
		r.Items = items
		return nil
	default:
		return nil
	}
}

type CiSystemConfig struct {
	URL           string      `yaml:"url"`
	Name          string      `yaml:"name"`
	Username      string      `yaml:"username"`
	Password      string      `yaml:"password"`
	StickyFailure bool        `yaml:"sticky_failure"`
	Inactive      bool        `yaml:"inactive"`
	Rules         RulesConfig `yaml:"rules"`
}

type ProductConfig struct {
	Name     string       `yaml:"name"`
	Version  string       `yaml:"version"`
	Inactive bool         `yaml:"inactive"`
	Rules    []RuleConfig `yaml:"rules"`
}

type FileConfig struct {
	Database DatabaseConfig `yaml:"database"`

	Debug   bool   `yaml:"debug"`
	LogMode string `yaml:"log_mode"`

	// Interval between sweeps in serve mode.
	Interval time.Duration `yaml:"interval"`
	// Timeout bounds one sweep; zero means no bound.
	Timeout time.Duration `yaml:"timeout"`
	// Parallel is the number of CI systems reconciled concurrently.
	Parallel int `yaml:"parallel"`
	// RequestTimeout bounds a single build server request.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// RedisAddr enables the shared lock so several sweepers can share one database.
	RedisAddr string `yaml:"redis_addr"`

	// SyslogAddr enables status change notifications (tcp).
	SyslogAddr string `yaml:"syslog_addr"`
	Service    string `yaml:"service"`

	MetricsAddr string `yaml:"metrics_addr"`

	CiSystems []CiSystemConfig `yaml:"ci_systems"`
	Products  []ProductConfig  `yaml:"products"`
}

func LoadConfig(path string) (*FileConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg FileConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
