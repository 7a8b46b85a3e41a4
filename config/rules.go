package config

import (
	"fmt"
	"path/filepath"

	"filerelay/models"
)

// RuleConfig declares a transfer rule.
type RuleConfig struct {
	ID         string        `mapstructure:"id"`
	SendPath   string        `mapstructure:"send_path"`
	RecvPath   string        `mapstructure:"recv_path"`
	WorkPath   string        `mapstructure:"work_path"`
	PreTasks   []models.Task `mapstructure:"pre_tasks"`
	PostTasks  []models.Task `mapstructure:"post_tasks"`
	ErrorTasks []models.Task `mapstructure:"error_tasks"`
}

func (r RuleConfig) withDefaults(dataDir string) RuleConfig {
	out := r
	if out.SendPath == "" {
		out.SendPath = filepath.Join(dataDir, "out")
	}
	if out.RecvPath == "" {
		out.RecvPath = filepath.Join(dataDir, "in")
	}
	if out.WorkPath == "" {
		out.WorkPath = filepath.Join(dataDir, "work")
	}
	return out
}

// Rule converts the declaration into the read-only model handed to the core.
func (r RuleConfig) Rule() models.Rule {
	return models.Rule{
		ID:         r.ID,
		SendPath:   r.SendPath,
		RecvPath:   r.RecvPath,
		WorkPath:   r.WorkPath,
		PreTasks:   append([]models.Task(nil), r.PreTasks...),
		PostTasks:  append([]models.Task(nil), r.PostTasks...),
		ErrorTasks: append([]models.Task(nil), r.ErrorTasks...),
	}
}

// RuleSet is the rule provider built from configuration.
type RuleSet struct {
	rules map[string]models.Rule
}

// NewRuleSet indexes rule declarations by id.
func NewRuleSet(rules []RuleConfig) *RuleSet {
	set := &RuleSet{rules: make(map[string]models.Rule, len(rules))}
	for _, r := range rules {
		set.rules[r.ID] = r.Rule()
	}
	return set
}

// RuleSet returns the rule provider for this configuration.
func (c *Config) RuleSet() *RuleSet {
	return NewRuleSet(c.Rules)
}

// GetRule returns the rule with id.
func (s *RuleSet) GetRule(id string) (models.Rule, error) {
	rule, ok := s.rules[id]
	if !ok {
		return models.Rule{}, fmt.Errorf("%w %q", ErrUnknownRule, id)
	}
	return rule, nil
}
