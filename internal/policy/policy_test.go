package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/core/internal/models"
)

func denyVsAllowPolicy() *models.Policy {
	return &models.Policy{
		Name:    "conflict-policy",
		Version: "1",
		Agents:  []string{"*"},
		Rules: []models.PolicyRule{
			{
				Name:      "allow-rule",
				Priority:  50,
				Action:    models.ActionAllow,
				Condition: models.PolicyCondition{Field: "trust_score", Operator: models.OpGte, Value: 500.0},
			},
			{
				Name:      "deny-rule",
				Priority:  10,
				Action:    models.ActionDeny,
				Condition: models.PolicyCondition{Field: "trust_score", Operator: models.OpGte, Value: 500.0},
			},
		},
	}
}

func TestEvaluate_LowerPriorityNumberWinsWhenBothMatch(t *testing.T) {
	e := New(nil, 0)
	require.NoError(t, e.LoadPolicy(denyVsAllowPolicy()))

	decision, err := e.Evaluate("did:mesh:abc", map[string]interface{}{"trust_score": 600.0})
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, "deny-rule", decision.MatchedRule)
}

func TestEvaluate_NoPoliciesDefaultsAllow(t *testing.T) {
	e := New(nil, 0)
	decision, err := e.Evaluate("did:mesh:abc", nil)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}

func TestEvaluate_FallsBackToDefaultsWhenNoRuleMatches(t *testing.T) {
	e := New(nil, 0)
	p := &models.Policy{
		Name:    "defaults-only",
		Version: "1",
		Agents:  []string{"*"},
		Defaults: models.PolicyDefaults{
			MinTrustScore: 400,
		},
	}
	require.NoError(t, e.LoadPolicy(p))

	decision, err := e.Evaluate("did:mesh:abc", map[string]interface{}{"trust_score": 100.0})
	require.NoError(t, err)
	assert.False(t, decision.Allowed)

	decision2, err := e.Evaluate("did:mesh:def", map[string]interface{}{"trust_score": 900.0})
	require.NoError(t, err)
	assert.True(t, decision2.Allowed)
}

func TestEvaluate_UntargetedAgentSkipsPolicy(t *testing.T) {
	e := New(nil, 0)
	p := &models.Policy{
		Name:    "scoped",
		Version: "1",
		Agents:  []string{"did:mesh:specific"},
		Rules: []models.PolicyRule{
			{Name: "r1", Priority: 1, Action: models.ActionDeny,
				Condition: models.PolicyCondition{Field: "trust_score", Operator: models.OpGte, Value: 0.0}},
		},
	}
	require.NoError(t, e.LoadPolicy(p))

	decision, err := e.Evaluate("did:mesh:other", map[string]interface{}{"trust_score": 999.0})
	require.NoError(t, err)
	assert.True(t, decision.Allowed, "policy not targeting this agent must not apply")
}

func TestEvaluate_RuleActiveByDefaultWithoutDisabledField(t *testing.T) {
	e := New(nil, 0)
	p := &models.Policy{
		Name:    "implicit-enabled",
		Version: "1",
		Agents:  []string{"*"},
		Rules: []models.PolicyRule{
			{Name: "r1", Priority: 1, Action: models.ActionDeny,
				Condition: models.PolicyCondition{Field: "trust_score", Operator: models.OpGte, Value: 0.0}},
		},
	}
	require.NoError(t, e.LoadPolicy(p))

	decision, err := e.Evaluate("did:mesh:abc", map[string]interface{}{"trust_score": 999.0})
	require.NoError(t, err)
	assert.False(t, decision.Allowed, "a rule with no disabled field must be active")
	assert.Equal(t, "r1", decision.MatchedRule)
}

func TestEvaluate_DisabledRuleIsSkipped(t *testing.T) {
	e := New(nil, 0)
	p := &models.Policy{
		Name:    "with-disabled",
		Version: "1",
		Agents:  []string{"*"},
		Rules: []models.PolicyRule{
			{Name: "r1", Priority: 1, Disabled: true, Action: models.ActionDeny,
				Condition: models.PolicyCondition{Field: "trust_score", Operator: models.OpGte, Value: 0.0}},
		},
	}
	require.NoError(t, e.LoadPolicy(p))

	decision, err := e.Evaluate("did:mesh:abc", map[string]interface{}{"trust_score": 999.0})
	require.NoError(t, err)
	assert.True(t, decision.Allowed, "a disabled rule must not match")
}

func TestEvaluate_DefaultsResolveNamespaceFromAgentContext(t *testing.T) {
	e := New(nil, 0)
	p := &models.Policy{
		Name:    "namespace-defaults",
		Version: "1",
		Agents:  []string{"*"},
		Defaults: models.PolicyDefaults{
			AllowedNamespaces: []string{"prod"},
		},
	}
	require.NoError(t, e.LoadPolicy(p))

	context := map[string]interface{}{
		"agent": map[string]interface{}{"namespace": "staging"},
	}
	decision, err := e.Evaluate("did:mesh:abc", context)
	require.NoError(t, err)
	assert.False(t, decision.Allowed, "namespace must be read from context.agent.namespace")

	allowed, err := e.Evaluate("did:mesh:def", map[string]interface{}{
		"agent": map[string]interface{}{"namespace": "prod"},
	})
	require.NoError(t, err)
	assert.True(t, allowed.Allowed)
}

func TestEvaluate_CachesDecision(t *testing.T) {
	e := New(nil, 0)
	require.NoError(t, e.LoadPolicy(denyVsAllowPolicy()))

	context := map[string]interface{}{"trust_score": 600.0}
	first, err := e.Evaluate("did:mesh:abc", context)
	require.NoError(t, err)

	// Mutate the pooled policy after the first evaluation; a cache hit
	// must still return the original decision.
	e.policies[0].Rules[1].Disabled = true
	second, err := e.Evaluate("did:mesh:abc", context)
	require.NoError(t, err)
	assert.Equal(t, first.MatchedRule, second.MatchedRule)
}

func TestEvaluateCondition_Operators(t *testing.T) {
	ctx := map[string]interface{}{
		"trust_score": 750.0,
		"namespace":   "prod",
		"tags":        []interface{}{"a", "b"},
	}

	cases := []struct {
		name string
		cond models.PolicyCondition
		want bool
	}{
		{"eq match", models.PolicyCondition{Field: "namespace", Operator: models.OpEq, Value: "prod"}, true},
		{"eq mismatch", models.PolicyCondition{Field: "namespace", Operator: models.OpEq, Value: "staging"}, false},
		{"ne mismatch field exists", models.PolicyCondition{Field: "namespace", Operator: models.OpNe, Value: "staging"}, true},
		{"ne on missing field", models.PolicyCondition{Field: "missing.path", Operator: models.OpNe, Value: "x"}, true},
		{"eq on missing field", models.PolicyCondition{Field: "missing.path", Operator: models.OpEq, Value: "x"}, false},
		{"gt true", models.PolicyCondition{Field: "trust_score", Operator: models.OpGt, Value: 500.0}, true},
		{"lte false", models.PolicyCondition{Field: "trust_score", Operator: models.OpLte, Value: 500.0}, false},
		{"in true", models.PolicyCondition{Field: "namespace", Operator: models.OpIn, Value: []interface{}{"prod", "staging"}}, true},
		{"not_in true", models.PolicyCondition{Field: "namespace", Operator: models.OpNotIn, Value: []interface{}{"dev"}}, true},
		{"matches true", models.PolicyCondition{Field: "namespace", Operator: models.OpMatches, Value: "^pro"}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := evaluateCondition(tc.cond, ctx)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestEvaluateCondition_InvalidRegexFailsClosed(t *testing.T) {
	ctx := map[string]interface{}{"namespace": "prod"}
	cond := models.PolicyCondition{Field: "namespace", Operator: models.OpMatches, Value: "(["}
	matched, err := evaluateCondition(cond, ctx)
	assert.Error(t, err)
	assert.False(t, matched)
}

func TestResolveField_DotNotation(t *testing.T) {
	ctx := map[string]interface{}{
		"request": map[string]interface{}{
			"resource": map[string]interface{}{"kind": "secret"},
		},
	}
	assert.Equal(t, "secret", resolveField("request.resource.kind", ctx))
	assert.Nil(t, resolveField("request.resource.missing", ctx))
	assert.Nil(t, resolveField("nope", ctx))
}

func TestLoadYAML_RoundTrip(t *testing.T) {
	e := New(nil, 0)
	yamlDoc := []byte(`
name: example
version: "1"
agents: ["*"]
rules:
  - name: deny-low-trust
    priority: 5
    action: deny
    condition:
      field: trust_score
      operator: lt
      value: 300
defaults:
  min_trust_score: 0
  max_delegation_depth: 5
`)
	require.NoError(t, e.LoadYAML(yamlDoc))
	require.Len(t, e.Policies(), 1)
	assert.Equal(t, "example", e.Policies()[0].Name)

	decision, err := e.Evaluate("did:mesh:abc", map[string]interface{}{"trust_score": 100.0})
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, "deny-low-trust", decision.MatchedRule)

	data, err := ToYAML(e.Policies()[0])
	require.NoError(t, err)
	reloaded := New(nil, 0)
	require.NoError(t, reloaded.LoadYAML(data))
	require.Len(t, reloaded.Policies(), 1)
	assert.Equal(t, "example", reloaded.Policies()[0].Name)
	require.Len(t, reloaded.Policies()[0].Rules, 1)
	assert.Equal(t, "deny-low-trust", reloaded.Policies()[0].Rules[0].Name)
}
