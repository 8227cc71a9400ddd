// Package policy implements the local rule overlay evaluated around
// inspector verdicts (design doc Section 4.5). Rules let an operator
// force-block a given app_user before the inspector is ever called, or
// downgrade/upgrade an inspector verdict's action for staged rollout
// of new detectors, without waiting on the inspector service itself.
package policy

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/gobwas/glob"
	"gopkg.in/yaml.v3"

	"github.com/airsentry/airsentryd/internal/inspector"
)

// Rule is a single policy override.
type Rule struct {
	Name    string    `yaml:"name"`
	Match   RuleMatch `yaml:"match"`
	// PreAction, when "block", short-circuits before the inspector is
	// called at all. Only "block" is meaningful pre-check (there is no
	// verdict yet to mask).
	PreAction string `yaml:"pre_action,omitempty"`
	// PostAction, when "mask", overrides the inspector's verdict
	// action after it returns — downgrading a block or upgrading an
	// allow, per design doc Section 4.5.
	PostAction string `yaml:"post_action,omitempty"`
	Message    string `yaml:"message"`

	compiled []glob.Glob
}

// RuleMatch defines when a rule fires. Non-empty fields are AND'd;
// within a list, any match is sufficient (OR), matching the teacher's
// rule-matching convention.
type RuleMatch struct {
	AppUser   []string `yaml:"app_user"`
	Category  []string `yaml:"category"`
	Direction string   `yaml:"direction"` // "prompt", "response", or "" for either
}

// Engine holds the ordered rule set and evaluates it around inspector
// calls. Thread-safe — PreCheck and PostCheck are called concurrently
// from request goroutines while Reload updates the rule set on config
// changes.
type Engine struct {
	mu    sync.RWMutex
	rules []Rule
	path  string
}

// New loads a policy engine from the given YAML path. A missing file
// is not an error (empty rule set, matching the teacher's config
// loading convention).
func New(path string) (*Engine, error) {
	e := &Engine{path: path}
	if err := e.Reload(); err != nil {
		return nil, err
	}
	return e, nil
}

// Reload re-reads the rules file from disk. Called by the config
// watcher when the file changes.
func (e *Engine) Reload() error {
	rules, err := loadRules(e.path)
	if err != nil {
		return err
	}
	for i := range rules {
		if err := compileRule(&rules[i]); err != nil {
			return err
		}
	}

	e.mu.Lock()
	e.rules = rules
	e.mu.Unlock()

	slog.Info("policy rules reloaded", "count", len(rules))
	return nil
}

// Rules returns a copy of the currently loaded rule set, for the
// dashboard's rule listing endpoint.
func (e *Engine) Rules() []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Rule, len(e.rules))
	copy(out, e.rules)
	return out
}

// PreCheck evaluates force-block rules before the inspector is
// called. Returns (blocked, rule name, message).
func (e *Engine) PreCheck(appUser string, direction inspector.Direction) (bool, string, string) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, r := range e.rules {
		if r.PreAction != "block" {
			continue
		}
		if matches(&r, appUser, "", direction) {
			return true, r.Name, r.Message
		}
	}
	return false, "", ""
}

// PostCheck evaluates override rules against a resolved verdict,
// applying the first matching rule's PostAction. Returns the (possibly
// modified) verdict and the name of the rule that fired, if any.
func (e *Engine) PostCheck(appUser string, direction inspector.Direction, v inspector.Verdict) (inspector.Verdict, string) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, r := range e.rules {
		if r.PostAction == "" {
			continue
		}
		if matches(&r, appUser, v.Category, direction) {
			if r.PostAction == "mask" && v.Action != "mask" {
				v.Action = "mask"
			}
			return v, r.Name
		}
	}
	return v, ""
}

func matches(r *Rule, appUser, category string, direction inspector.Direction) bool {
	if r.Match.Direction != "" && r.Match.Direction != string(direction) {
		return false
	}

	if len(r.compiled) > 0 {
		matched := false
		for _, g := range r.compiled {
			if g.Match(appUser) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	if len(r.Match.Category) > 0 {
		matched := false
		for _, c := range r.Match.Category {
			if strings.EqualFold(c, category) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	return true
}

func compileRule(r *Rule) error {
	for _, pattern := range r.Match.AppUser {
		g, err := glob.Compile(pattern)
		if err != nil {
			return fmt.Errorf("policy rule %q: invalid app_user glob %q: %w", r.Name, pattern, err)
		}
		r.compiled = append(r.compiled, g)
	}
	return nil
}

type rulesFile struct {
	Rules []Rule `yaml:"rules"`
}

func loadRules(path string) ([]Rule, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading policy rules %s: %w", path, err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	var file rulesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing policy rules %s: %w", path, err)
	}
	return file.Rules, nil
}
