package domain

import "strings"

// PaymentMethodConfig enables one payment method on a connector account,
// optionally limited to some types and an amount range.
type PaymentMethodConfig struct {
	Method        string   `mapstructure:"method" json:"method"`
	Types         []string `mapstructure:"types" json:"types,omitempty"`
	MinimumAmount *int64   `mapstructure:"minimum_amount" json:"minimum_amount,omitempty"`
	MaximumAmount *int64   `mapstructure:"maximum_amount" json:"maximum_amount,omitempty"`
}

// Accepts reports whether the method config admits the method, type and amount.
func (c PaymentMethodConfig) Accepts(method, methodType string, amount int64) bool {
	if !strings.EqualFold(c.Method, method) {
		return false
	}
	if methodType != "" && len(c.Types) > 0 && !containsFold(c.Types, methodType) {
		return false
	}
	if c.MinimumAmount != nil && amount < *c.MinimumAmount {
		return false
	}
	if c.MaximumAmount != nil && amount > *c.MaximumAmount {
		return false
	}
	return true
}

// ConnectorAccount is a merchant's configuration of one connector. It is
// read-only to routing and execution.
type ConnectorAccount struct {
	ID              string                `mapstructure:"id" json:"id"`
	MerchantID      string                `mapstructure:"-" json:"merchant_id"`
	Connector       string                `mapstructure:"connector" json:"connector"`
	BusinessProfile string                `mapstructure:"business_profile" json:"business_profile,omitempty"`
	CredentialsRef  string                `mapstructure:"credentials_ref" json:"-"`
	BaseURL         string                `mapstructure:"base_url" json:"base_url,omitempty"`
	Disabled        bool                  `mapstructure:"disabled" json:"disabled"`
	TestMode        bool                  `mapstructure:"test_mode" json:"test_mode"`
	Currencies      []string              `mapstructure:"currencies" json:"currencies,omitempty"`
	PaymentMethods  []PaymentMethodConfig `mapstructure:"payment_methods" json:"payment_methods,omitempty"`
}

func (a *ConnectorAccount) SupportsCurrency(currency string) bool {
	if len(a.Currencies) == 0 {
		return true
	}
	return containsFold(a.Currencies, currency)
}

// SupportsPaymentMethod reports whether the account accepts the method at
// the given amount. An account with no method list accepts every method,
// and an intent without a method is accepted by every account.
func (a *ConnectorAccount) SupportsPaymentMethod(method, methodType string, amount int64) bool {
	if len(a.PaymentMethods) == 0 || method == "" {
		return true
	}
	for _, pm := range a.PaymentMethods {
		if pm.Accepts(method, methodType, amount) {
			return true
		}
	}
	return false
}

// Matches reports whether a routing entry names this account, either by
// account id or by connector name.
func (a *ConnectorAccount) Matches(ref string) bool {
	return ref == a.ID || ref == a.Connector
}

func containsFold(list []string, v string) bool {
	for _, item := range list {
		if strings.EqualFold(item, v) {
			return true
		}
	}
	return false
}
