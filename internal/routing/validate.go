package routing

import (
	"fmt"

	"paymentswitch/internal/domain"
)

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", domain.ErrMalformedRoutingRule, fmt.Sprintf(format, args...))
}

// Validate checks a routing policy against the accounts it may name.
func Validate(cfg domain.RoutingConfig, accounts []domain.ConnectorAccount) error {
	known := func(ref string) bool {
		for i := range accounts {
			if accounts[i].Matches(ref) {
				return true
			}
		}
		return false
	}
	checkRefs := func(where string, refs []string) error {
		for _, ref := range refs {
			if !known(ref) {
				return malformed("%s names unknown connector %q", where, ref)
			}
		}
		return nil
	}
	checkSplits := func(where string, splits []domain.VolumeSplit) error {
		total := 0
		for _, s := range splits {
			if s.Weight < 0 {
				return malformed("%s has negative weight for %q", where, s.Connector)
			}
			if !known(s.Connector) {
				return malformed("%s names unknown connector %q", where, s.Connector)
			}
			total += s.Weight
		}
		if total == 0 {
			return malformed("%s has no positive weight", where)
		}
		return nil
	}
	checkOutput := func(where string, out domain.RoutingOutput) error {
		if len(out.Splits) > 0 {
			return checkSplits(where, out.Splits)
		}
		return checkRefs(where, out.Connectors)
	}

	switch cfg.Algorithm {
	case "":
		return nil
	case domain.RoutingSingle:
		if len(cfg.Connectors) != 1 {
			return malformed("single routing needs exactly one connector, got %d", len(cfg.Connectors))
		}
		return checkRefs("single", cfg.Connectors)
	case domain.RoutingPriority:
		if len(cfg.Connectors) == 0 {
			return malformed("priority routing needs at least one connector")
		}
		return checkRefs("priority", cfg.Connectors)
	case domain.RoutingVolumeSplit:
		if len(cfg.Splits) == 0 {
			return malformed("volume_split routing needs at least one split")
		}
		return checkSplits("volume_split", cfg.Splits)
	case domain.RoutingAdvanced:
		for i, rule := range cfg.Rules {
			where := fmt.Sprintf("rule %d (%s)", i, rule.Name)
			if rule.Output.Empty() {
				return malformed("%s has no output", where)
			}
			w := rule.When
			if w.MinAmount != nil && w.MaxAmount != nil && *w.MinAmount > *w.MaxAmount {
				return malformed("%s has min_amount above max_amount", where)
			}
			if err := checkOutput(where, rule.Output); err != nil {
				return err
			}
		}
		if cfg.Default.Empty() {
			return nil
		}
		return checkOutput("default", cfg.Default)
	default:
		return malformed("unknown algorithm %q", cfg.Algorithm)
	}
}

// ValidateMerchant checks the merchant's routing and every profile override.
func ValidateMerchant(m *domain.MerchantConfig) error {
	if err := Validate(m.Routing, m.Accounts); err != nil {
		return fmt.Errorf("merchant %s: %w", m.MerchantID, err)
	}
	for profile, rc := range m.ProfileRouting {
		if err := Validate(rc, m.AccountsFor(profile)); err != nil {
			return fmt.Errorf("merchant %s profile %s: %w", m.MerchantID, profile, err)
		}
	}
	return nil
}
