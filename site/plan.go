package site

import "fmt"

// PlanType names a subscription tier.
type PlanType string

const (
	PlanFree     PlanType = "free"
	PlanPremium  PlanType = "premium"
	PlanLifetime PlanType = "lifetime"
)

// Features are the capabilities unlocked by a plan. MaxSites 0 means unlimited.
type Features struct {
	MaxSites     int  `json:"max_sites"`
	PrivateSites bool `json:"private_sites"`
	CustomMusic  bool `json:"custom_music"`
	Analytics    bool `json:"analytics"`
}

// Plan is a subscription plan descriptor.
type Plan struct {
	Type     PlanType `json:"plan_type"`
	Features Features `json:"features"`
}

// FreePlan is the default for every account without a paid plan.
func FreePlan() Plan {
	return Plan{Type: PlanFree, Features: Features{MaxSites: 1}}
}

// PlanFor returns the canonical plan for t.
func PlanFor(t PlanType) (Plan, error) {
	switch t {
	case PlanFree, "":
		return FreePlan(), nil
	case PlanPremium:
		return Plan{Type: PlanPremium, Features: Features{
			MaxSites: 10, PrivateSites: true, CustomMusic: true, Analytics: true,
		}}, nil
	case PlanLifetime:
		return Plan{Type: PlanLifetime, Features: Features{
			PrivateSites: true, CustomMusic: true, Analytics: true,
		}}, nil
	default:
		return Plan{}, fmt.Errorf("unknown plan type %q", t)
	}
}

// AllowsSites reports whether an owner with n existing sites may create another.
func (p Plan) AllowsSites(n int) bool {
	return p.Features.MaxSites == 0 || n < p.Features.MaxSites
}
