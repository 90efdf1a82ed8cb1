package billing

import "time"

// Plan describes one subscription tier.
type Plan struct {
	Name      string `json:"name"`
	Slug      string `json:"slug"`
	Quota     int    `json:"quota"`
	MaxFileMB int    `json:"maxFileMB"`
	PriceID   string `json:"-"`
}

// MaxFileBytes is the upload ceiling for the plan.
func (p Plan) MaxFileBytes() int64 {
	return int64(p.MaxFileMB) << 20
}

var (
	Free = Plan{Name: "Free", Slug: "free", Quota: 10, MaxFileMB: 4}
	Pro  = Plan{Name: "Pro", Slug: "pro", Quota: 50, MaxFileMB: 16}
)

// Plans returns the tiers with the configured Pro price attached.
func Plans(proPriceID string) []Plan {
	pro := Pro
	pro.PriceID = proPriceID
	return []Plan{Free, pro}
}

// PlanByName matches case-sensitively, as plan names appear on the wire.
func PlanByName(name string) (Plan, bool) {
	for _, p := range []Plan{Free, Pro} {
		if p.Name == name || p.Slug == name {
			return p, true
		}
	}
	return Plan{}, false
}

// SubscriptionPlan is the resolved entitlement of a user.
type SubscriptionPlan struct {
	Plan
	IsSubscribed     bool       `json:"isSubscribed"`
	IsCanceled       bool       `json:"isCanceled"`
	CurrentPeriodEnd *time.Time `json:"stripeCurrentPeriodEnd,omitempty"`
	CustomerID       string     `json:"-"`
	SubscriptionID   string     `json:"-"`
}

func freePlan() SubscriptionPlan {
	return SubscriptionPlan{Plan: Free}
}
