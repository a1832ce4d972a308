// Package routing turns an intent and a merchant's configuration into an
// ordered candidate list of connector accounts. It holds no state: the same
// input always yields the same decision.
package routing

import (
	"fmt"
	"hash/fnv"
	"math/rand"
	"strings"

	"paymentswitch/internal/connector"
	"paymentswitch/internal/domain"
)

// CapabilityLookup reports what the adapter behind a connector name can do.
// *connector.Registry satisfies it.
type CapabilityLookup interface {
	Capabilities(name string) connector.Capability
}

type Input struct {
	Intent   *domain.PaymentIntent
	Accounts []domain.ConnectorAccount
	Config   domain.RoutingConfig
	// Seed drives volume splits. Nil means a hash of the intent id, which
	// keeps retries of the same intent on the same ordering.
	Seed *int64
}

type Decision struct {
	Candidates []domain.ConnectorAccount
	Algorithm  domain.RoutingAlgorithm
	Rule       string
	Seed       int64
	// Excluded maps account ids that failed filtering to the reason.
	Excluded        map[string]string
	DeclineFallback bool
}

// Reason renders the audit line stored on the attempt for candidate i.
func (d *Decision) Reason(i int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "algorithm=%s", d.Algorithm)
	if d.Rule != "" {
		fmt.Fprintf(&b, " rule=%s", d.Rule)
	}
	if d.Algorithm == domain.RoutingVolumeSplit || d.Rule != "" {
		fmt.Fprintf(&b, " seed=%d", d.Seed)
	}
	fmt.Fprintf(&b, " candidate=%d/%d decline_fallback=%t", i+1, len(d.Candidates), d.DeclineFallback)
	return b.String()
}

func (d *Decision) CandidateIDs() []string {
	ids := make([]string, len(d.Candidates))
	for i, c := range d.Candidates {
		ids[i] = c.ID
	}
	return ids
}

type Engine struct {
	caps CapabilityLookup
}

func NewEngine(caps CapabilityLookup) *Engine {
	return &Engine{caps: caps}
}

// SeedFor is the default volume split seed for an intent.
func SeedFor(intentID string) int64 {
	h := fnv.New64a()
	h.Write([]byte(intentID))
	return int64(h.Sum64())
}

func (e *Engine) Route(in Input) (*Decision, error) {
	if in.Intent == nil {
		return nil, fmt.Errorf("%w: routing without an intent", domain.ErrInvalidRequest)
	}
	if err := Validate(in.Config, in.Accounts); err != nil {
		return nil, err
	}

	d := &Decision{
		Algorithm:       in.Config.Algorithm,
		Excluded:        map[string]string{},
		DeclineFallback: in.Config.DeclineFallback,
	}
	if d.Algorithm == "" {
		d.Algorithm = domain.RoutingPriority
	}
	if in.Seed != nil {
		d.Seed = *in.Seed
	} else {
		d.Seed = SeedFor(in.Intent.ID)
	}

	eligible := e.filter(in.Intent, in.Accounts, d.Excluded)

	var order []string
	switch in.Config.Algorithm {
	case "":
		for _, acc := range in.Accounts {
			order = append(order, acc.ID)
		}
	case domain.RoutingSingle, domain.RoutingPriority:
		order = in.Config.Connectors
	case domain.RoutingVolumeSplit:
		order = weightedOrder(in.Config.Splits, d.Seed)
	case domain.RoutingAdvanced:
		output := in.Config.Default
		d.Rule = "default"
		for _, rule := range in.Config.Rules {
			if rule.When.Matches(in.Intent) {
				output = rule.Output
				d.Rule = rule.Name
				break
			}
		}
		order = outputOrder(output, d.Seed)
	}

	d.Candidates = pick(order, eligible)
	if in.Config.AppendRemaining {
		d.Candidates = appendRemaining(d.Candidates, eligible)
	}
	if len(d.Candidates) == 0 {
		return d, &domain.PaymentError{
			Kind:     domain.ErrNoEligibleConnector,
			IntentID: in.Intent.ID,
			Message:  fmt.Sprintf("%d accounts configured, %d eligible", len(in.Accounts), len(eligible)),
		}
	}
	return d, nil
}

// RequiredCapabilities is what a candidate must support to take the intent.
func RequiredCapabilities(intent *domain.PaymentIntent) connector.Capability {
	req := connector.CapAuthorize
	if intent.CaptureMethod == domain.CaptureManual {
		req |= connector.CapCapture
		if intent.RequiresPartialCapture() {
			req |= connector.CapPartialCapture
		}
	}
	return req
}

func (e *Engine) filter(intent *domain.PaymentIntent, accounts []domain.ConnectorAccount, excluded map[string]string) []domain.ConnectorAccount {
	required := RequiredCapabilities(intent)
	out := make([]domain.ConnectorAccount, 0, len(accounts))
	for _, acc := range accounts {
		switch {
		case acc.Disabled:
			excluded[acc.ID] = "disabled"
		case !acc.SupportsCurrency(intent.Currency):
			excluded[acc.ID] = "currency " + intent.Currency + " not supported"
		case !acc.SupportsPaymentMethod(intent.PaymentMethod, intent.PaymentMethodType, intent.Amount):
			excluded[acc.ID] = "payment method or amount not accepted"
		case !e.caps.Capabilities(acc.Connector).Has(required):
			excluded[acc.ID] = "missing capability " + required.String()
		default:
			out = append(out, acc)
		}
	}
	return out
}

func outputOrder(out domain.RoutingOutput, seed int64) []string {
	if len(out.Splits) > 0 {
		return weightedOrder(out.Splits, seed)
	}
	return out.Connectors
}

// weightedOrder draws splits without replacement, each draw proportional to
// weight. The cumulative walk runs in configuration order so equal weights
// resolve by position. Zero weights go last in configuration order.
func weightedOrder(splits []domain.VolumeSplit, seed int64) []string {
	rng := rand.New(rand.NewSource(seed))

	remaining := make([]domain.VolumeSplit, 0, len(splits))
	var zero []string
	for _, s := range splits {
		if s.Weight > 0 {
			remaining = append(remaining, s)
		} else {
			zero = append(zero, s.Connector)
		}
	}

	order := make([]string, 0, len(splits))
	for len(remaining) > 0 {
		total := 0
		for _, s := range remaining {
			total += s.Weight
		}
		r := rng.Intn(total)
		idx := 0
		for cum := 0; idx < len(remaining); idx++ {
			cum += remaining[idx].Weight
			if r < cum {
				break
			}
		}
		order = append(order, remaining[idx].Connector)
		remaining = append(remaining[:idx], remaining[idx+1:]...)
	}
	return append(order, zero...)
}

func pick(order []string, eligible []domain.ConnectorAccount) []domain.ConnectorAccount {
	var out []domain.ConnectorAccount
	used := make(map[string]bool, len(eligible))
	for _, ref := range order {
		for _, acc := range eligible {
			if !used[acc.ID] && acc.Matches(ref) {
				used[acc.ID] = true
				out = append(out, acc)
			}
		}
	}
	return out
}

func appendRemaining(chosen, eligible []domain.ConnectorAccount) []domain.ConnectorAccount {
	used := make(map[string]bool, len(chosen))
	for _, c := range chosen {
		used[c.ID] = true
	}
	for _, acc := range eligible {
		if !used[acc.ID] {
			chosen = append(chosen, acc)
		}
	}
	return chosen
}
