// Package permission decides whether one agent may contact another and
// whether an agent may read a channel.
package permission

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Decision 规则的判定结果.
type Decision string

const (
	DecisionAllow           Decision = "allow"
	DecisionDeny            Decision = "deny"
	DecisionRequireApproval Decision = "require_approval"
)

// ContactDecision is the answer to a contact check.
type ContactDecision struct {
	Allowed          bool   `json:"allowed"`
	RequiresApproval bool   `json:"requires_approval"`
	Reason           string `json:"reason,omitempty"`
	RuleID           string `json:"rule_id,omitempty"`
}

// Oracle answers permission questions for the relay.
type Oracle interface {
	CanContactAgent(ctx context.Context, callerID, targetID string) (ContactDecision, error)
	CanAccessChannel(ctx context.Context, agentID, channelID string) (bool, error)
}

// Rule 匹配 caller/target 的联系规则. 模式支持前缀或后缀通配符 "*".
type Rule struct {
	ID            string   `json:"id" yaml:"id"`
	Name          string   `json:"name,omitempty" yaml:"name"`
	CallerPattern string   `json:"caller" yaml:"caller"`
	TargetPattern string   `json:"target" yaml:"target"`
	Decision      Decision `json:"decision" yaml:"decision"`
	// Priority 数值越大越先评估
	Priority int `json:"priority" yaml:"priority"`
}

// Validate checks the rule fields.
func (r *Rule) Validate() error {
	if r.ID == "" {
		return errors.New("rule id is required")
	}
	switch r.Decision {
	case DecisionAllow, DecisionDeny, DecisionRequireApproval:
	default:
		return fmt.Errorf("rule %s: unknown decision %q", r.ID, r.Decision)
	}
	return nil
}

func (r *Rule) matches(callerID, targetID string) bool {
	return matchPattern(r.CallerPattern, callerID) && matchPattern(r.TargetPattern, targetID)
}

// MembersFunc lists the members of a channel.
type MembersFunc func(ctx context.Context, channelID string) ([]string, error)

// RuleOracle evaluates rules in priority order; the first match wins. With no
// matching rule the default decision applies.
type RuleOracle struct {
	rules    map[string]*Rule
	fallback Decision
	members  MembersFunc
	logger   *zap.Logger
	mu       sync.RWMutex
}

// NewRuleOracle creates an oracle that allows contact unless a rule says
// otherwise. members may be nil, in which case channel access is denied.
func NewRuleOracle(members MembersFunc, logger *zap.Logger) *RuleOracle {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RuleOracle{
		rules:    make(map[string]*Rule),
		fallback: DecisionAllow,
		members:  members,
		logger:   logger.With(zap.String("component", "permission_oracle")),
	}
}

// SetDefault sets the decision used when no rule matches.
func (o *RuleOracle) SetDefault(d Decision) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.fallback = d
}

// AddRule adds or replaces a rule.
func (o *RuleOracle) AddRule(rule Rule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	if rule.CallerPattern == "" {
		rule.CallerPattern = "*"
	}
	if rule.TargetPattern == "" {
		rule.TargetPattern = "*"
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rules[rule.ID] = &rule
	o.logger.Debug("rule added", zap.String("rule_id", rule.ID), zap.String("decision", string(rule.Decision)))
	return nil
}

// RemoveRule deletes a rule by id.
func (o *RuleOracle) RemoveRule(ruleID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.rules[ruleID]; !ok {
		return fmt.Errorf("rule not found: %s", ruleID)
	}
	delete(o.rules, ruleID)
	return nil
}

// ReplaceRules swaps the whole rule set atomically. Nothing changes when any
// rule is invalid.
func (o *RuleOracle) ReplaceRules(rules []Rule) error {
	next := make(map[string]*Rule, len(rules))
	for _, rule := range rules {
		if err := rule.Validate(); err != nil {
			return err
		}
		if rule.CallerPattern == "" {
			rule.CallerPattern = "*"
		}
		if rule.TargetPattern == "" {
			rule.TargetPattern = "*"
		}
		next[rule.ID] = &rule
	}
	o.mu.Lock()
	o.rules = next
	o.mu.Unlock()
	o.logger.Info("rules replaced", zap.Int("count", len(next)))
	return nil
}

// ListRules returns the rules in evaluation order.
func (o *RuleOracle) ListRules() []Rule {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.sortedLocked()
}

func (o *RuleOracle) sortedLocked() []Rule {
	out := make([]Rule, 0, len(o.rules))
	for _, r := range o.rules {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// CanContactAgent evaluates the rules for caller -> target.
func (o *RuleOracle) CanContactAgent(ctx context.Context, callerID, targetID string) (ContactDecision, error) {
	o.mu.RLock()
	rules := o.sortedLocked()
	fallback := o.fallback
	o.mu.RUnlock()

	for _, r := range rules {
		if r.matches(callerID, targetID) {
			return toContactDecision(r.Decision, r.ID, fmt.Sprintf("rule %s", r.ID)), nil
		}
	}
	return toContactDecision(fallback, "", "default"), nil
}

// CanAccessChannel reports whether agentID is a member of channelID.
func (o *RuleOracle) CanAccessChannel(ctx context.Context, agentID, channelID string) (bool, error) {
	if o.members == nil {
		return false, nil
	}
	members, err := o.members(ctx, channelID)
	if err != nil {
		return false, err
	}
	for _, m := range members {
		if m == agentID {
			return true, nil
		}
	}
	return false, nil
}

func toContactDecision(d Decision, ruleID, reason string) ContactDecision {
	switch d {
	case DecisionDeny:
		return ContactDecision{Allowed: false, Reason: reason, RuleID: ruleID}
	case DecisionRequireApproval:
		return ContactDecision{Allowed: true, RequiresApproval: true, Reason: reason, RuleID: ruleID}
	default:
		return ContactDecision{Allowed: true, Reason: reason, RuleID: ruleID}
	}
}

func matchPattern(pattern, value string) bool {
	if pattern == "*" || pattern == value {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(value, strings.TrimSuffix(pattern, "*"))
	}
	if strings.HasPrefix(pattern, "*") {
		return strings.HasSuffix(value, strings.TrimPrefix(pattern, "*"))
	}
	return false
}
