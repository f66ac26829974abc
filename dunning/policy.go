package dunning

import (
	"context"
	"fmt"
	"io"
	"os"

	lru "github.com/hashicorp/golang-lru/v2"
	"gopkg.in/yaml.v3"
)

// Action is what a dunning step does.
type Action string

const (
	ActionNotify   Action = "notify"
	ActionThrottle Action = "throttle"
	ActionSuspend  Action = "suspend"
	ActionReject   Action = "reject" // refuse new sessions, keep live ones
)

func (a Action) IsValid() bool {
	switch a {
	case ActionNotify, ActionThrottle, ActionSuspend, ActionReject:
		return true
	}
	return false
}

// Enforces reports whether the action restricts network access.
func (a Action) Enforces() bool {
	return a == ActionThrottle || a == ActionSuspend || a == ActionReject
}

// Step is one stage of a policy set.
type Step struct {
	DayOffset int    `json:"day_offset" yaml:"day_offset"`
	Action    Action `json:"action" yaml:"action"`
	Template  string `json:"template,omitempty" yaml:"template,omitempty"`
	Channel   string `json:"channel,omitempty" yaml:"channel,omitempty"`
}

// PolicySet is an ordered list of steps. Order matters: among steps with
// the same offset the later one wins.
type PolicySet struct {
	ID    string `json:"id" yaml:"id"`
	Name  string `json:"name,omitempty" yaml:"name,omitempty"`
	Steps []Step `json:"steps" yaml:"steps"`
}

// Validate checks the set can drive a case.
func (ps *PolicySet) Validate() error {
	if ps.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidPolicy)
	}
	if len(ps.Steps) == 0 {
		return fmt.Errorf("%w: %s has no steps", ErrInvalidPolicy, ps.ID)
	}
	for i, s := range ps.Steps {
		if s.DayOffset < 0 {
			return fmt.Errorf("%w: %s step %d: negative day offset", ErrInvalidPolicy, ps.ID, i)
		}
		if !s.Action.IsValid() {
			return fmt.Errorf("%w: %s step %d: unknown action %q", ErrInvalidPolicy, ps.ID, i, s.Action)
		}
	}
	return nil
}

// PolicySource resolves policy sets by id.
type PolicySource interface {
	PolicySet(ctx context.Context, policySetID string) (*PolicySet, error)
}

// StaticPolicies is an in-memory policy source.
type StaticPolicies map[string]*PolicySet

func (s StaticPolicies) PolicySet(_ context.Context, policySetID string) (*PolicySet, error) {
	ps, ok := s[policySetID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPolicyNotFound, policySetID)
	}
	return ps, nil
}

type policyFile struct {
	PolicySets []*PolicySet `yaml:"policy_sets"`
}

// LoadPolicies reads policy sets from YAML:
//
//	policy_sets:
//	  - id: residential
//	    steps:
//	      - {day_offset: 0, action: notify, template: overdue-reminder, channel: email}
//	      - {day_offset: 7, action: throttle}
//	      - {day_offset: 14, action: suspend}
func LoadPolicies(r io.Reader) (StaticPolicies, error) {
	var f policyFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("dunning: decode policies: %w", err)
	}

	out := make(StaticPolicies, len(f.PolicySets))
	for _, ps := range f.PolicySets {
		if err := ps.Validate(); err != nil {
			return nil, err
		}
		if _, dup := out[ps.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate id %s", ErrInvalidPolicy, ps.ID)
		}
		out[ps.ID] = ps
	}
	return out, nil
}

// LoadPolicyFile reads policy sets from a YAML file.
func LoadPolicyFile(path string) (StaticPolicies, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("dunning: open policies: %w", err)
	}
	defer f.Close()
	return LoadPolicies(f)
}

// CachedPolicies fronts a slower policy source (catalog service,
// database) with a bounded LRU cache.
type CachedPolicies struct {
	src   PolicySource
	cache *lru.Cache[string, *PolicySet]
}

// NewCachedPolicies caches up to size policy sets from src.
func NewCachedPolicies(src PolicySource, size int) (*CachedPolicies, error) {
	c, err := lru.New[string, *PolicySet](size)
	if err != nil {
		return nil, fmt.Errorf("dunning: policy cache: %w", err)
	}
	return &CachedPolicies{src: src, cache: c}, nil
}

func (c *CachedPolicies) PolicySet(ctx context.Context, policySetID string) (*PolicySet, error) {
	if ps, ok := c.cache.Get(policySetID); ok {
		return ps, nil
	}
	ps, err := c.src.PolicySet(ctx, policySetID)
	if err != nil {
		return nil, err
	}
	c.cache.Add(policySetID, ps)
	return ps, nil
}

// Purge drops every cached set.
func (c *CachedPolicies) Purge() { c.cache.Purge() }
