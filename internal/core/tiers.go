package core

import "strings"

// TierPolicy binds a tier to the user-scope bucket it gets.
type TierPolicy struct {
	Tier        Tier
	Description string
	Policy      BucketPolicy
}

// BuiltInTierPolicies are the default per-user budgets.
var BuiltInTierPolicies = []TierPolicy{
	{
		Tier:        TierAnonymous,
		Description: "Unauthenticated callers keyed by IP",
		Policy:      PerMinute(30),
	},
	{
		Tier:        TierAuthenticated,
		Description: "Signed-in users",
		Policy:      PerMinute(100),
	},
	{
		Tier:        TierPremium,
		Description: "Premium subscribers",
		Policy:      PerMinute(300),
	},
}

// FindTierPolicy looks up a built-in tier policy by name.
func FindTierPolicy(name string) (*TierPolicy, bool) {
	needle := strings.TrimSpace(strings.ToLower(name))
	if needle == "" {
		return nil, false
	}

	for _, policy := range BuiltInTierPolicies {
		if strings.EqualFold(string(policy.Tier), needle) {
			copied := policy
			return &copied, true
		}
	}

	return nil, false
}
