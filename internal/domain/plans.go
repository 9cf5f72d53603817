// Package domain defines shared domain constants, types, and persistence.
package domain

const (
	// PlanFree is assigned to every user on registration.
	PlanFree = "free"
	// PlanPremium is granted manually by the moderator.
	PlanPremium = "premium"
)

// ValidPlan reports whether plan is a known tier.
func ValidPlan(plan string) bool {
	return plan == PlanFree || plan == PlanPremium
}
