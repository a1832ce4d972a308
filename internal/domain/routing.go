package domain

import "strings"

type RoutingAlgorithm string

const (
	RoutingSingle      RoutingAlgorithm = "single"
	RoutingPriority    RoutingAlgorithm = "priority"
	RoutingVolumeSplit RoutingAlgorithm = "volume_split"
	RoutingAdvanced    RoutingAlgorithm = "advanced"
)

// VolumeSplit gives a connector a relative share of traffic.
type VolumeSplit struct {
	Connector string `mapstructure:"connector" json:"connector"`
	Weight    int    `mapstructure:"weight" json:"weight"`
}

// RoutingOutput is either a priority list or a weighted split. Splits take
// precedence when both are set.
type RoutingOutput struct {
	Connectors []string      `mapstructure:"connectors" json:"connectors,omitempty"`
	Splits     []VolumeSplit `mapstructure:"splits" json:"splits,omitempty"`
}

func (o RoutingOutput) Empty() bool {
	return len(o.Connectors) == 0 && len(o.Splits) == 0
}

// Predicate matches intent characteristics. Empty fields match anything.
type Predicate struct {
	MinAmount          *int64            `mapstructure:"min_amount" json:"min_amount,omitempty"`
	MaxAmount          *int64            `mapstructure:"max_amount" json:"max_amount,omitempty"`
	Currencies         []string          `mapstructure:"currencies" json:"currencies,omitempty"`
	PaymentMethods     []string          `mapstructure:"payment_methods" json:"payment_methods,omitempty"`
	PaymentMethodTypes []string          `mapstructure:"payment_method_types" json:"payment_method_types,omitempty"`
	Metadata           map[string]string `mapstructure:"metadata" json:"metadata,omitempty"`
}

func (p Predicate) Matches(intent *PaymentIntent) bool {
	if p.MinAmount != nil && intent.Amount < *p.MinAmount {
		return false
	}
	if p.MaxAmount != nil && intent.Amount > *p.MaxAmount {
		return false
	}
	if len(p.Currencies) > 0 && !containsFold(p.Currencies, intent.Currency) {
		return false
	}
	if len(p.PaymentMethods) > 0 && !containsFold(p.PaymentMethods, intent.PaymentMethod) {
		return false
	}
	if len(p.PaymentMethodTypes) > 0 && !containsFold(p.PaymentMethodTypes, intent.PaymentMethodType) {
		return false
	}
	for k, v := range p.Metadata {
		if metadataValue(intent.Metadata, k) != v {
			return false
		}
	}
	return true
}

// metadataValue looks a key up exactly and then ignoring case, since keys
// loaded from configuration files arrive lower-cased.
func metadataValue(md map[string]string, key string) string {
	if v, ok := md[key]; ok {
		return v
	}
	for k, v := range md {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}

// RoutingRule is one branch of an advanced algorithm. Rules are evaluated
// in order and the first match wins.
type RoutingRule struct {
	Name   string        `mapstructure:"name" json:"name"`
	When   Predicate     `mapstructure:"when" json:"when"`
	Output RoutingOutput `mapstructure:"output" json:"output"`
}

// RoutingConfig is a merchant's routing policy.
type RoutingConfig struct {
	Algorithm RoutingAlgorithm `mapstructure:"algorithm" json:"algorithm"`
	// Connectors is used by single and priority.
	Connectors []string `mapstructure:"connectors" json:"connectors,omitempty"`
	// Splits is used by volume_split.
	Splits []VolumeSplit `mapstructure:"splits" json:"splits,omitempty"`
	// Rules and Default are used by advanced.
	Rules   []RoutingRule `mapstructure:"rules" json:"rules,omitempty"`
	Default RoutingOutput `mapstructure:"default" json:"default"`

	// AppendRemaining adds eligible accounts the algorithm did not name,
	// in configuration order.
	AppendRemaining bool `mapstructure:"append_remaining" json:"append_remaining"`
	// DeclineFallback lets a decline advance to the next candidate.
	DeclineFallback bool `mapstructure:"decline_fallback" json:"decline_fallback"`
}

// MerchantConfig groups a merchant's connector accounts and routing policy.
// ProfileRouting overrides Routing for intents of a business profile.
type MerchantConfig struct {
	MerchantID     string                   `mapstructure:"merchant_id" json:"merchant_id"`
	Accounts       []ConnectorAccount       `mapstructure:"accounts" json:"accounts"`
	Routing        RoutingConfig            `mapstructure:"routing" json:"routing"`
	ProfileRouting map[string]RoutingConfig `mapstructure:"profile_routing" json:"profile_routing,omitempty"`
}

// RoutingFor returns the routing policy that applies to a business profile.
func (m *MerchantConfig) RoutingFor(profile string) RoutingConfig {
	if profile != "" {
		if rc, ok := m.ProfileRouting[profile]; ok {
			return rc
		}
		if rc, ok := m.ProfileRouting[strings.ToLower(profile)]; ok {
			return rc
		}
	}
	return m.Routing
}

// AccountsFor returns the accounts visible to a business profile: the
// profile's own accounts plus those not bound to any profile.
func (m *MerchantConfig) AccountsFor(profile string) []ConnectorAccount {
	out := make([]ConnectorAccount, 0, len(m.Accounts))
	for _, a := range m.Accounts {
		if a.BusinessProfile == "" || a.BusinessProfile == profile {
			out = append(out, a)
		}
	}
	return out
}

func (m *MerchantConfig) Account(id string) (*ConnectorAccount, bool) {
	for i := range m.Accounts {
		if m.Accounts[i].ID == id {
			return &m.Accounts[i], true
		}
	}
	return nil, false
}
