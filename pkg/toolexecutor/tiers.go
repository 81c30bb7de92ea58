package toolexecutor

import (
	"fmt"
	"strings"
)

// RiskTier decides whether a tool needs human approval.
type RiskTier string

const (
	// TierRead tools run without asking.
	TierRead RiskTier = "read"
	// TierSupervised tools wait for an approval decision.
	TierSupervised RiskTier = "supervised"
	// TierAutonomous tools were pre-approved by configuration.
	TierAutonomous RiskTier = "autonomous"
)

func AllTiers() []RiskTier {
	return []RiskTier{TierRead, TierSupervised, TierAutonomous}
}

func ParseRiskTier(s string) (RiskTier, error) {
	tier := RiskTier(strings.ToLower(strings.TrimSpace(s)))
	for _, t := range AllTiers() {
		if tier == t {
			return tier, nil
		}
	}
	return "", fmt.Errorf("invalid risk tier %q", s)
}

func (t RiskTier) RequiresApproval() bool {
	return t == TierSupervised
}
