package execution_test

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"paymentswitch/internal/connector"
	"paymentswitch/internal/connector/sandbox"
	"paymentswitch/internal/domain"
	"paymentswitch/internal/execution"
	"paymentswitch/internal/lifecycle"
	"paymentswitch/internal/outbox"
	"paymentswitch/internal/repository/memory"
	"paymentswitch/internal/routing"
)

type reply struct {
	status int
	body   string
	err    error
	// wait blocks the call until the channel closes or the call's context
	// ends.
	wait chan struct{}
}

// fakeTransport answers calls per host. The last scripted reply for a host
// repeats.
type fakeTransport struct {
	mu      sync.Mutex
	replies map[string][]reply
	calls   []string
	started chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{replies: map[string][]reply{}, started: make(chan struct{}, 16)}
}

func (f *fakeTransport) script(host string, replies ...reply) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies[host] = append(f.replies[host], replies...)
}

func (f *fakeTransport) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeTransport) Do(ctx context.Context, req *connector.WireRequest) (*connector.RawResponse, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.calls = append(f.calls, req.URL)
	queue := f.replies[u.Host]
	if len(queue) == 0 {
		f.mu.Unlock()
		return nil, errors.New("no reply scripted for " + u.Host)
	}
	r := queue[0]
	if len(queue) > 1 {
		f.replies[u.Host] = queue[1:]
	}
	f.mu.Unlock()

	if r.wait != nil {
		f.started <- struct{}{}
		select {
		case <-r.wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if r.err != nil {
		return nil, r.err
	}
	return &connector.RawResponse{StatusCode: r.status, Body: []byte(r.body)}, nil
}

func ok(body string) reply { return reply{status: 200, body: body} }

const authorized = `{"id":"tx123","status":"authorized"}`

type fixture struct {
	store     *memory.Store
	registry  *connector.Registry
	transport *fakeTransport
	pipeline  *execution.Pipeline
}

func newFixture(t *testing.T, cfg domain.RoutingConfig, accounts ...domain.ConnectorAccount) *fixture {
	t.Helper()

	secrets := connector.StaticSecrets{
		"a": {APIKey: "key_a", WebhookSecret: "whsec_a"},
		"b": {APIKey: "key_b", WebhookSecret: "whsec_b"},
	}
	reg := connector.NewRegistry(secrets,
		sandbox.New(),
		sandbox.New(sandbox.WithName("authonly"), sandbox.WithCapabilities(connector.CapAuthorize)),
	)
	_, err := reg.Load([]domain.MerchantConfig{{MerchantID: "acme", Accounts: accounts, Routing: cfg}})
	require.NoError(t, err)

	f := &fixture{store: memory.NewStore(), registry: reg, transport: newFakeTransport()}
	f.pipeline = f.newPipeline(2 * time.Second)
	return f
}

func (f *fixture) newPipeline(timeout time.Duration) *execution.Pipeline {
	router := routing.NewEngine(f.registry)
	transitions := execution.NewTransitioner(outbox.NewEmitter("payments.status"), zap.NewNop())
	cfg := execution.Config{ConnectorTimeout: timeout, FinalizeTimeout: time.Second}
	return execution.NewPipeline(f.store, f.registry, router, f.transport, transitions, cfg, zap.NewNop())
}

func (f *fixture) createIntent(t *testing.T, mutate ...func(*domain.PaymentIntent)) string {
	t.Helper()
	intent := &domain.PaymentIntent{
		ID:            "pay_1",
		MerchantID:    "acme",
		Amount:        1000,
		Currency:      "USD",
		CaptureMethod: domain.CaptureAutomatic,
		PaymentMethod: "card",
		Status:        lifecycle.StatusRequiresConfirmation,
		CreatedAt:     time.Now(),
	}
	for _, m := range mutate {
		m(intent)
	}
	require.NoError(t, f.store.CreateIntent(context.Background(), intent))
	return intent.ID
}

func account(id, connectorName, ref, host string) domain.ConnectorAccount {
	return domain.ConnectorAccount{
		ID:             id,
		Connector:      connectorName,
		CredentialsRef: ref,
		BaseURL:        "http://" + host,
	}
}

func twoAccounts() []domain.ConnectorAccount {
	return []domain.ConnectorAccount{
		account("acc_a", sandbox.Name, "a", "a.test"),
		account("acc_b", sandbox.Name, "b", "b.test"),
	}
}

func priority(ids ...string) domain.RoutingConfig {
	return domain.RoutingConfig{Algorithm: domain.RoutingPriority, Connectors: ids}
}

func TestExecute_FallsBackAfterTransientError(t *testing.T) {
	t.Parallel()

	f := newFixture(t, priority("acc_a", "acc_b"), twoAccounts()...)
	f.transport.script("a.test", reply{status: 503, body: `{"error_code":"upstream_unavailable"}`})
	f.transport.script("b.test", ok(authorized))
	id := f.createIntent(t)

	out, err := f.pipeline.Execute(context.Background(), id)
	require.NoError(t, err)
	require.NoError(t, out.Err)
	assert.False(t, out.Reused)

	assert.Equal(t, lifecycle.StatusAuthorized, out.Intent.Status)
	assert.Equal(t, "acc_b", out.Intent.ConnectorAccountID)
	assert.Equal(t, "tx123", out.Intent.ConnectorReference)
	assert.Equal(t, 2, out.Intent.AttemptCount)
	assert.Empty(t, out.Intent.LastError)

	require.Len(t, out.Attempts, 2)
	assert.Equal(t, "pay_1_1", out.Attempts[0].ID)
	assert.Equal(t, "acc_a", out.Attempts[0].ConnectorAccountID)
	assert.Equal(t, lifecycle.AttemptFailedRetryable, out.Attempts[0].Status)
	assert.Equal(t, "upstream_unavailable", out.Attempts[0].ErrorCode)
	assert.Equal(t, "pay_1_2", out.Attempts[1].ID)
	assert.Equal(t, lifecycle.AttemptAuthorized, out.Attempts[1].Status)
	assert.Equal(t, "tx123", out.Attempts[1].ConnectorReference)
	assert.Contains(t, out.Attempts[1].RoutingReason, "candidate=2/2")
	assert.Contains(t, string(out.Attempts[0].RequestSnapshot), `"attempt_id":"pay_1_1"`)
	assert.NotContains(t, string(out.Attempts[0].RequestSnapshot), "key_a")

	messages := f.store.Outbox()
	require.Len(t, messages, 2)
	assert.Contains(t, string(messages[0].Payload), `"status":"processing"`)
	assert.Contains(t, string(messages[1].Payload), `"status":"authorized"`)
}

func TestExecute_AllCandidatesFail(t *testing.T) {
	t.Parallel()

	f := newFixture(t, priority("acc_a", "acc_b"), twoAccounts()...)
	f.transport.script("a.test", reply{status: 503, body: `{}`})
	f.transport.script("b.test", reply{status: 502, body: `{}`})
	id := f.createIntent(t)

	out, err := f.pipeline.Execute(context.Background(), id)
	require.NoError(t, err)
	assert.ErrorIs(t, out.Err, domain.ErrConnectorTransient)

	pe, found := domain.AsPaymentError(out.Err)
	require.True(t, found)
	assert.Equal(t, "pay_1_2", pe.AttemptID)

	assert.Equal(t, lifecycle.StatusFailed, out.Intent.Status)
	assert.Equal(t, "http_502", out.Intent.LastErrorCode)
	require.Len(t, out.Attempts, 2)
	for _, a := range out.Attempts {
		assert.Equal(t, lifecycle.AttemptFailedRetryable, a.Status)
	}
}

func TestExecute_DeclineStopsByDefault(t *testing.T) {
	t.Parallel()

	f := newFixture(t, priority("acc_a", "acc_b"), twoAccounts()...)
	f.transport.script("a.test", reply{status: 402, body: `{"id":"tx1","status":"declined","decline_code":"insufficient_funds"}`})
	f.transport.script("b.test", ok(authorized))
	id := f.createIntent(t)

	out, err := f.pipeline.Execute(context.Background(), id)
	require.NoError(t, err)
	assert.ErrorIs(t, out.Err, domain.ErrDeclined)
	assert.Equal(t, lifecycle.StatusFailed, out.Intent.Status)
	assert.Equal(t, "insufficient_funds", out.Intent.LastErrorCode)
	require.Len(t, out.Attempts, 1)
	assert.Equal(t, lifecycle.AttemptDeclined, out.Attempts[0].Status)
	assert.Len(t, f.transport.Calls(), 1)
}

func TestExecute_DeclineFallback(t *testing.T) {
	t.Parallel()

	cfg := priority("acc_a", "acc_b")
	cfg.DeclineFallback = true
	f := newFixture(t, cfg, twoAccounts()...)
	f.transport.script("a.test", reply{status: 402, body: `{"status":"declined","decline_code":"do_not_honor"}`})
	f.transport.script("b.test", ok(authorized))
	id := f.createIntent(t)

	out, err := f.pipeline.Execute(context.Background(), id)
	require.NoError(t, err)
	require.NoError(t, out.Err)
	assert.Equal(t, lifecycle.StatusAuthorized, out.Intent.Status)
	require.Len(t, out.Attempts, 2)
	assert.Equal(t, lifecycle.AttemptDeclined, out.Attempts[0].Status)
}

func TestExecute_PermanentErrorStops(t *testing.T) {
	t.Parallel()

	f := newFixture(t, priority("acc_a", "acc_b"), twoAccounts()...)
	f.transport.script("a.test", reply{status: 400, body: `{"error_code":"invalid_card_number"}`})
	id := f.createIntent(t)

	out, err := f.pipeline.Execute(context.Background(), id)
	require.NoError(t, err)
	assert.ErrorIs(t, out.Err, domain.ErrConnectorPermanent)
	assert.Equal(t, lifecycle.StatusFailed, out.Intent.Status)
	require.Len(t, out.Attempts, 1)
	assert.Equal(t, lifecycle.AttemptFailedPermanent, out.Attempts[0].Status)
}

func TestExecute_SkipsCandidateWithoutCredentials(t *testing.T) {
	t.Parallel()

	accounts := []domain.ConnectorAccount{
		account("acc_x", sandbox.Name, "missing", "x.test"),
		account("acc_b", sandbox.Name, "b", "b.test"),
	}
	f := newFixture(t, priority("acc_x", "acc_b"), accounts...)
	f.transport.script("b.test", ok(authorized))
	id := f.createIntent(t)

	out, err := f.pipeline.Execute(context.Background(), id)
	require.NoError(t, err)
	require.NoError(t, out.Err)
	assert.Equal(t, lifecycle.StatusAuthorized, out.Intent.Status)
	require.Len(t, out.Attempts, 2)
	assert.Equal(t, lifecycle.AttemptSkipped, out.Attempts[0].Status)
	assert.Equal(t, "credentials_unavailable", out.Attempts[0].ErrorCode)
	assert.Equal(t, []string{"http://b.test/v1/payments"}, f.transport.Calls())
}

func TestExecute_TimeoutMovesToNextCandidate(t *testing.T) {
	t.Parallel()

	f := newFixture(t, priority("acc_a", "acc_b"), twoAccounts()...)
	pipeline := f.newPipeline(50 * time.Millisecond)
	f.transport.script("a.test", reply{wait: make(chan struct{})})
	f.transport.script("b.test", ok(authorized))
	id := f.createIntent(t)

	out, err := pipeline.Execute(context.Background(), id)
	require.NoError(t, err)
	require.NoError(t, out.Err)
	require.Len(t, out.Attempts, 2)
	assert.Equal(t, lifecycle.AttemptTimedOut, out.Attempts[0].Status)
	assert.Equal(t, "timeout", out.Attempts[0].ErrorCode)
	assert.Equal(t, lifecycle.StatusAuthorized, out.Intent.Status)
}

func TestExecute_PendingKeepsAttemptInFlight(t *testing.T) {
	t.Parallel()

	f := newFixture(t, priority("acc_a", "acc_b"), twoAccounts()...)
	f.transport.script("a.test", reply{status: 202, body: `{"id":"tx9","status":"pending"}`})
	id := f.createIntent(t)

	out, err := f.pipeline.Execute(context.Background(), id)
	require.NoError(t, err)
	require.NoError(t, out.Err)
	assert.Equal(t, lifecycle.StatusProcessing, out.Intent.Status)
	assert.Equal(t, "tx9", out.Intent.ConnectorReference)
	require.Len(t, out.Attempts, 1)
	assert.Equal(t, lifecycle.AttemptPending, out.Attempts[0].Status)

	again, err := f.pipeline.Execute(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, again.Reused)
	assert.Len(t, again.Attempts, 1)
	assert.Len(t, f.transport.Calls(), 1)
}

func TestExecute_ConcurrentConfirmReusesAttempt(t *testing.T) {
	t.Parallel()

	f := newFixture(t, priority("acc_a"), twoAccounts()...)
	release := make(chan struct{})
	f.transport.script("a.test", reply{status: 200, body: authorized, wait: release})
	id := f.createIntent(t)

	type result struct {
		out *execution.Outcome
		err error
	}
	first := make(chan result, 1)
	go func() {
		out, err := f.pipeline.Execute(context.Background(), id)
		first <- result{out, err}
	}()

	select {
	case <-f.transport.started:
	case <-time.After(time.Second):
		t.Fatal("connector call did not start")
	}

	second, err := f.pipeline.Execute(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, second.Reused)
	assert.Equal(t, lifecycle.StatusProcessing, second.Intent.Status)
	require.Len(t, second.Attempts, 1)
	assert.Equal(t, lifecycle.AttemptProcessing, second.Attempts[0].Status)

	close(release)
	res := <-first
	require.NoError(t, res.err)
	assert.Equal(t, lifecycle.StatusAuthorized, res.out.Intent.Status)
	assert.Len(t, f.transport.Calls(), 1)
}

func TestExecute_DrainCancellationRequiresConfirmation(t *testing.T) {
	t.Parallel()

	f := newFixture(t, priority("acc_a", "acc_b"), twoAccounts()...)
	f.transport.script("a.test", reply{wait: make(chan struct{})}, ok(authorized))
	id := f.createIntent(t)

	ctx, cancel := context.WithCancelCause(context.Background())
	go func() {
		<-f.transport.started
		cancel(domain.ErrServiceDraining)
	}()

	out, err := f.pipeline.Execute(ctx, id)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConnectorTransient)
	assert.ErrorIs(t, err, domain.ErrServiceDraining)
	require.NotNil(t, out)
	assert.Equal(t, lifecycle.StatusRequiresConfirmation, out.Intent.Status)
	require.Len(t, out.Attempts, 1)
	assert.Equal(t, lifecycle.AttemptTimedOut, out.Attempts[0].Status)
	assert.Equal(t, "service_draining", out.Attempts[0].ErrorCode)

	retry, err := f.pipeline.Execute(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatusAuthorized, retry.Intent.Status)
	require.Len(t, retry.Attempts, 2)
	assert.Equal(t, "pay_1_2", retry.Attempts[1].ID)
}

func TestExecute_ConfigurationErrorKeepsStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		cfg      domain.RoutingConfig
		currency string
		wantErr  error
		wantCode string
	}{
		{
			name:     "unknown account in routing",
			cfg:      priority("acc_missing"),
			currency: "USD",
			wantErr:  domain.ErrMalformedRoutingRule,
			wantCode: "malformed_routing_rule",
		},
		{
			name:     "no eligible connector",
			cfg:      domain.RoutingConfig{Algorithm: domain.RoutingPriority, Connectors: []string{"acc_a"}},
			currency: "JPY",
			wantErr:  domain.ErrNoEligibleConnector,
			wantCode: "no_eligible_connector",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			acc := account("acc_a", sandbox.Name, "a", "a.test")
			acc.Currencies = []string{"USD"}
			f := newFixture(t, tt.cfg, acc)
			id := f.createIntent(t, func(p *domain.PaymentIntent) { p.Currency = tt.currency })

			out, err := f.pipeline.Execute(context.Background(), id)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.ErrorIs(t, err, domain.ErrConfiguration)
			require.NotNil(t, out)
			assert.Equal(t, lifecycle.StatusRequiresConfirmation, out.Intent.Status)
			assert.Equal(t, tt.wantCode, out.Intent.LastErrorCode)
			assert.Empty(t, out.Attempts)
			assert.Empty(t, f.transport.Calls())
		})
	}
}

func TestExecute_RejectsTerminalIntent(t *testing.T) {
	t.Parallel()

	f := newFixture(t, priority("acc_a"), twoAccounts()...)
	id := f.createIntent(t, func(p *domain.PaymentIntent) { p.Status = lifecycle.StatusCancelled })

	_, err := f.pipeline.Execute(context.Background(), id)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	assert.Empty(t, f.transport.Calls())
}

func TestExecute_UnknownIntent(t *testing.T) {
	t.Parallel()

	f := newFixture(t, priority("acc_a"), twoAccounts()...)
	_, err := f.pipeline.Execute(context.Background(), "pay_nope")
	assert.ErrorIs(t, err, domain.ErrIntentNotFound)
}
