package ratelimit

import (
	"strings"

	"github.com/flashgate/flashgate/internal/core"
)

// Policies maps scopes to bucket policies. A zero policy disables its scope
// in multi-scope checks.
type Policies struct {
	Tiers     map[core.Tier]core.BucketPolicy
	IP        core.BucketPolicy
	Service   core.BucketPolicy
	Endpoint  core.BucketPolicy
	Endpoints map[string]core.BucketPolicy
}

// DefaultPolicies returns the built-in tier budgets and a per-IP ceiling.
func DefaultPolicies() Policies {
	tiers := make(map[core.Tier]core.BucketPolicy, len(core.BuiltInTierPolicies))
	for _, tp := range core.BuiltInTierPolicies {
		tiers[tp.Tier] = tp.Policy
	}
	return Policies{
		Tiers: tiers,
		IP:    core.PerMinute(600),
	}
}

// For resolves the policy of a single bucket.
func (p Policies) For(scope core.Scope, identity string, tier core.Tier) (core.BucketPolicy, bool) {
	var policy core.BucketPolicy
	switch scope {
	case core.ScopeUser:
		policy = p.tierPolicy(tier)
	case core.ScopeIP:
		policy = p.IP
	case core.ScopeService:
		policy = p.Service
	case core.ScopeEndpoint:
		_, policy = p.endpointPolicy(identity)
	}
	return policy, policy.Valid()
}

func (p Policies) tierPolicy(tier core.Tier) core.BucketPolicy {
	if policy, ok := p.Tiers[tier]; ok {
		return policy
	}
	if tp, ok := core.FindTierPolicy(string(tier)); ok {
		return tp.Policy
	}
	return core.PerMinute(30)
}

// endpointPolicy resolves the budget of endpoint and the route it is
// charged to. Requests matching a wildcard override share the pattern's
// bucket; the longest matching prefix wins.
func (p Policies) endpointPolicy(endpoint string) (string, core.BucketPolicy) {
	if policy, ok := p.Endpoints[endpoint]; ok {
		return endpoint, policy
	}
	route, best := "", -1
	var matched core.BucketPolicy
	for pattern, policy := range p.Endpoints {
		prefix, ok := strings.CutSuffix(pattern, "*")
		if !ok || !strings.HasPrefix(endpoint, prefix) || len(prefix) <= best {
			continue
		}
		route, best, matched = pattern, len(prefix), policy
	}
	if best >= 0 {
		return route, matched
	}
	return endpoint, p.Endpoint
}

type stage struct {
	key    core.LimiterKey
	policy core.BucketPolicy
}

// stages lists the buckets a request is checked against, narrowest first.
func (p Policies) stages(req Request) []stage {
	var out []stage

	tier := req.Tier
	identity := strings.TrimSpace(req.Identity)
	if identity == "" {
		tier = core.TierAnonymous
		if req.IP != "" {
			identity = "anon:" + req.IP
		}
	}
	if tier == "" {
		tier = core.TierAuthenticated
	}
	if identity != "" {
		out = appendStage(out, core.ScopeUser, identity, p.tierPolicy(tier))
	}
	if req.IP != "" {
		out = appendStage(out, core.ScopeIP, req.IP, p.IP)
	}
	if req.Endpoint != "" {
		route, policy := p.endpointPolicy(req.Endpoint)
		out = appendStage(out, core.ScopeEndpoint, route, policy)
	}
	if req.Service != "" {
		out = appendStage(out, core.ScopeService, req.Service, p.Service)
	}
	return out
}

func appendStage(out []stage, scope core.Scope, identity string, policy core.BucketPolicy) []stage {
	if !policy.Valid() {
		return out
	}
	return append(out, stage{key: core.LimiterKey{Scope: scope, Identity: identity}, policy: policy})
}
