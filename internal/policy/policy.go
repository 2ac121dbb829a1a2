// Package policy implements the AgentMesh policy engine: pooled,
// priority-ordered rule evaluation over named policies with optional
// defaults and a pluggable Rego-style adapter (spec section 4.7).
package policy

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"gopkg.in/yaml.v3"

	"github.com/agentmesh/core/internal/meshctx"
	"github.com/agentmesh/core/internal/meshkind"
	"github.com/agentmesh/core/internal/models"
)

// DefaultRuleCacheTTL is how long an evaluation result is cached for an
// identical (agent, context) pair.
const DefaultRuleCacheTTL = 5 * time.Minute

// OPAEvaluator is the optional pluggable Rego-style adapter consulted
// only when no DSL rule matched (spec section 4.7). Implementations may
// call an external OPA process or a built-in subset evaluator.
type OPAEvaluator interface {
	Evaluate(queryPath string, input map[string]interface{}) (*models.OPADecision, error)
}

type pooledRule struct {
	policy *models.Policy
	rule   models.PolicyRule
}

// Engine evaluates pooled rules across every loaded policy, unifying the
// spec's two parallel rule models (named policies and a flat
// priority-ordered list) into one pooled-and-sorted evaluation, the
// resolution adopted for the source's Open Question on this point.
type Engine struct {
	mu       sync.RWMutex
	policies []*models.Policy
	cache    *gocache.Cache
	cacheTTL time.Duration
	opa      OPAEvaluator
	mc       *meshctx.MeshContext
}

// New builds a policy Engine. A zero cacheTTL selects the spec default.
func New(mc *meshctx.MeshContext, cacheTTL time.Duration) *Engine {
	if cacheTTL == 0 {
		cacheTTL = DefaultRuleCacheTTL
	}
	return &Engine{
		cache:    gocache.New(cacheTTL, cacheTTL*2),
		cacheTTL: cacheTTL,
		mc:       mc,
	}
}

// SetOPA attaches an optional Rego-style adapter.
func (e *Engine) SetOPA(opa OPAEvaluator) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.opa = opa
}

// LoadPolicy adds a policy to the evaluator's pool.
func (e *Engine) LoadPolicy(p *models.Policy) error {
	if err := p.Validate(); err != nil {
		return meshkind.Wrap(meshkind.Policy, "malformed policy", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.policies = append(e.policies, p)
	e.cache.Flush()
	return nil
}

// LoadYAML parses and loads a policy from the YAML DSL (spec section 6).
func (e *Engine) LoadYAML(data []byte) error {
	var p models.Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return meshkind.Wrap(meshkind.Policy, "invalid policy YAML", err)
	}
	return e.LoadPolicy(&p)
}

// ToYAML serializes p back to the YAML DSL.
func ToYAML(p *models.Policy) ([]byte, error) {
	data, err := yaml.Marshal(p)
	if err != nil {
		return nil, meshkind.Wrap(meshkind.Policy, "failed to serialize policy", err)
	}
	return data, nil
}

// Policies returns the currently loaded policies, for inspection.
func (e *Engine) Policies() []*models.Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*models.Policy, len(e.policies))
	copy(out, e.policies)
	return out
}

func cacheKey(agentDID string, context map[string]interface{}) string {
	keys := make([]string, 0, len(context))
	for k := range context {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(agentDID)
	for _, k := range keys {
		fmt.Fprintf(&b, "|%s=%v", k, context[k])
	}
	return b.String()
}

// Evaluate runs the pooled-rule algorithm from spec section 4.7: collect
// rules across every policy targeting agentDID, sort by priority
// ascending with stable (insertion-order) tiebreak, and return the first
// matching rule. If none matches, consult the optional OPA adapter, then
// fall back to the first loaded policy's defaults.
func (e *Engine) Evaluate(agentDID string, context map[string]interface{}) (*models.PolicyDecision, error) {
	key := cacheKey(agentDID, context)
	if cached, ok := e.cache.Get(key); ok {
		return cached.(*models.PolicyDecision), nil
	}

	e.mu.RLock()
	policies := e.policies
	opa := e.opa
	e.mu.RUnlock()

	if len(policies) == 0 {
		decision := &models.PolicyDecision{Allowed: true, Action: models.ActionAllow, Reason: "No policies loaded; default allow"}
		e.cache.Set(key, decision, e.cacheTTL)
		return decision, nil
	}

	var pool []pooledRule
	for _, p := range policies {
		if !p.TargetsAgent(agentDID) {
			continue
		}
		for _, rule := range p.Rules {
			if rule.Disabled {
				continue
			}
			pool = append(pool, pooledRule{policy: p, rule: rule})
		}
	}
	sort.SliceStable(pool, func(i, j int) bool {
		return pool[i].rule.Priority < pool[j].rule.Priority
	})

	for _, pr := range pool {
		matched, err := evaluateCondition(pr.rule.Condition, context)
		if err != nil {
			// Invalid regex or malformed condition: fail this rule closed
			// and move on rather than letting evaluation abort (spec
			// section 4.7).
			continue
		}
		if matched {
			description := pr.rule.Description
			if description == "" {
				description = pr.rule.Action
			}
			decision := &models.PolicyDecision{
				Allowed:     pr.rule.Action == models.ActionAllow || pr.rule.Action == models.ActionWarn,
				Action:      pr.rule.Action,
				PolicyName:  pr.policy.Name,
				MatchedRule: pr.rule.Name,
				Reason:      fmt.Sprintf("Rule '%s' matched in policy '%s': %s", pr.rule.Name, pr.policy.Name, description),
			}
			e.cache.Set(key, decision, e.cacheTTL)
			return decision, nil
		}
	}

	if opa != nil {
		opaDecision, err := opa.Evaluate(agentDID, context)
		if err == nil && opaDecision != nil {
			decision := &models.PolicyDecision{
				Allowed: opaDecision.Allowed,
				Action:  actionFor(opaDecision.Allowed),
				Reason:  fmt.Sprintf("OPA adapter (%s) decision", opaDecision.Source),
			}
			e.cache.Set(key, decision, e.cacheTTL)
			return decision, nil
		}
	}

	decision := e.applyDefaults(policies[0], agentDID, context)
	e.cache.Set(key, decision, e.cacheTTL)
	return decision, nil
}

func actionFor(allowed bool) string {
	if allowed {
		return models.ActionAllow
	}
	return models.ActionDeny
}

func (e *Engine) applyDefaults(p *models.Policy, agentDID string, context map[string]interface{}) *models.PolicyDecision {
	defaults := p.Defaults

	if score, ok := numeric(context["trust_score"]); ok && score < defaults.MinTrustScore {
		return &models.PolicyDecision{
			Allowed:    false,
			Action:     models.ActionDeny,
			PolicyName: p.Name,
			Reason:     "default: trust_score below min_trust_score",
		}
	}
	if depth, ok := numeric(context["delegation_depth"]); ok && int(depth) > defaults.MaxDelegationDepth {
		return &models.PolicyDecision{
			Allowed:    false,
			Action:     models.ActionDeny,
			PolicyName: p.Name,
			Reason:     "default: delegation_depth exceeds max_delegation_depth",
		}
	}
	ns, ok := resolveField("agent.namespace", context).(string)
	if !ok {
		ns, ok = context["agent_namespace"].(string)
	}
	if ok && !namespaceAllowed(ns, defaults.AllowedNamespaces) {
		return &models.PolicyDecision{
			Allowed:    false,
			Action:     models.ActionDeny,
			PolicyName: p.Name,
			Reason:     "default: namespace not in allowed_namespaces",
		}
	}
	return &models.PolicyDecision{
		Allowed:    true,
		Action:     models.ActionAllow,
		PolicyName: p.Name,
		Reason:     "default: allow",
	}
}

func namespaceAllowed(ns string, allowed []string) bool {
	for _, a := range allowed {
		if a == "*" || a == ns {
			return true
		}
	}
	return false
}

// evaluateCondition resolves cond.Field by dot notation against context
// and applies cond.Operator. Missing fields resolve to nil; any
// comparison against nil is false except "ne" (spec section 4.7).
func evaluateCondition(cond models.PolicyCondition, context map[string]interface{}) (bool, error) {
	val := resolveField(cond.Field, context)

	if val == nil {
		return cond.Operator == models.OpNe, nil
	}

	switch cond.Operator {
	case models.OpEq:
		return compareEqual(val, cond.Value), nil
	case models.OpNe:
		return !compareEqual(val, cond.Value), nil
	case models.OpGt, models.OpGte, models.OpLt, models.OpLte:
		a, aok := numeric(val)
		b, bok := numeric(cond.Value)
		if !aok || !bok {
			return false, nil
		}
		switch cond.Operator {
		case models.OpGt:
			return a > b, nil
		case models.OpGte:
			return a >= b, nil
		case models.OpLt:
			return a < b, nil
		default:
			return a <= b, nil
		}
	case models.OpIn, models.OpNotIn:
		list, ok := cond.Value.([]interface{})
		if !ok {
			return false, nil
		}
		member := false
		for _, item := range list {
			if compareEqual(val, item) {
				member = true
				break
			}
		}
		if cond.Operator == models.OpIn {
			return member, nil
		}
		return !member, nil
	case models.OpMatches:
		pattern, ok := cond.Value.(string)
		if !ok {
			return false, meshkind.New(meshkind.Policy, "matches operator requires a string pattern")
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false, meshkind.Wrap(meshkind.Policy, "invalid regex in condition", err)
		}
		s := fmt.Sprintf("%v", val)
		return re.MatchString(s), nil
	default:
		return false, meshkind.New(meshkind.Policy, "unknown operator: "+cond.Operator)
	}
}

func resolveField(path string, context map[string]interface{}) interface{} {
	parts := strings.Split(path, ".")
	var cur interface{} = context
	for _, part := range parts {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil
		}
		cur, ok = m[part]
		if !ok {
			return nil
		}
	}
	return cur
}

func compareEqual(a, b interface{}) bool {
	af, aok := numeric(a)
	bf, bok := numeric(b)
	if aok && bok {
		return af == bf
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func numeric(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
