package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"paymentswitch/internal/connector"
	"paymentswitch/internal/domain"
	"paymentswitch/internal/execution"
	"paymentswitch/internal/lifecycle"
	"paymentswitch/internal/repository"
	"paymentswitch/internal/repository/idempotency_repo"
	"paymentswitch/internal/shutdown"
	"paymentswitch/internal/util"
	"paymentswitch/internal/webhooks"
)

const (
	idempotencyTTL = 24 * time.Hour
	sourceAPI      = "api"
)

type CreateParams struct {
	MerchantID        string
	BusinessProfile   string
	Amount            int64
	Currency          string
	CaptureMethod     domain.CaptureMethod
	AmountToCapture   int64
	CustomerID        string
	PaymentMethod     string
	PaymentMethodType string
	Metadata          map[string]string
	Confirm           bool
	IdempotencyKey    string
}

// UpdateParams carries the fields a merchant may change before the first
// attempt. Nil fields are left alone.
type UpdateParams struct {
	Amount            *int64
	AmountToCapture   *int64
	PaymentMethod     *string
	PaymentMethodType *string
	Metadata          map[string]string
}

type ConfirmParams struct {
	PaymentMethod     string
	PaymentMethodType string
}

// Result is an intent after a create or confirm. PaymentErr is set when the
// pipeline ran and the payment failed.
type Result struct {
	Intent     *domain.PaymentIntent
	Attempts   []*domain.PaymentAttempt
	PaymentErr error
	Replayed   bool
	Reused     bool
}

// MerchantLoader returns the current merchant configuration.
type MerchantLoader func() ([]domain.MerchantConfig, error)

type PaymentService interface {
	Create(ctx context.Context, p CreateParams) (*Result, error)
	Get(ctx context.Context, id string) (*domain.PaymentIntent, error)
	ListAttempts(ctx context.Context, id string) ([]*domain.PaymentAttempt, error)
	Update(ctx context.Context, id string, p UpdateParams) (*domain.PaymentIntent, error)
	Confirm(ctx context.Context, id string, p ConfirmParams) (*Result, error)
	Capture(ctx context.Context, id string, amount int64) (*domain.PaymentIntent, error)
	Refund(ctx context.Context, id string, amount int64) (*domain.PaymentIntent, error)
	Cancel(ctx context.Context, id string) (*domain.PaymentIntent, error)
	HandleWebhook(ctx context.Context, ev *domain.WebhookEvent) (webhooks.Result, error)
	ReloadConfig(ctx context.Context) (*connector.Snapshot, error)
}

type paymentService struct {
	store       repository.Store
	registry    *connector.Registry
	pipeline    *execution.Pipeline
	reconciler  *webhooks.Reconciler
	transitions *execution.Transitioner
	gate        *shutdown.Gate
	idempotency idempotency_repo.IdempotencyRepository
	loadConfig  MerchantLoader
	now         func() time.Time
	logger      *zap.Logger
}

func NewPaymentService(
	store repository.Store,
	registry *connector.Registry,
	pipeline *execution.Pipeline,
	reconciler *webhooks.Reconciler,
	transitions *execution.Transitioner,
	gate *shutdown.Gate,
	idempotency idempotency_repo.IdempotencyRepository,
	loadConfig MerchantLoader,
	logger *zap.Logger,
) PaymentService {
	return &paymentService{
		store:       store,
		registry:    registry,
		pipeline:    pipeline,
		reconciler:  reconciler,
		transitions: transitions,
		gate:        gate,
		idempotency: idempotency,
		loadConfig:  loadConfig,
		now:         time.Now,
		logger:      logger,
	}
}

func invalid(format string, args ...any) error {
	return &domain.PaymentError{Kind: domain.ErrInvalidRequest, Message: fmt.Sprintf(format, args...)}
}

func (p *CreateParams) validate() error {
	if p.MerchantID == "" {
		return invalid("merchant_id is required")
	}
	if p.Amount <= 0 {
		return invalid("amount must be positive")
	}
	if len(p.Currency) != 3 {
		return invalid("currency must be a three letter ISO code")
	}
	p.Currency = strings.ToUpper(p.Currency)
	if p.CaptureMethod == "" {
		p.CaptureMethod = domain.CaptureAutomatic
	}
	if !p.CaptureMethod.Valid() {
		return invalid("capture_method must be automatic or manual")
	}
	if p.AmountToCapture < 0 || p.AmountToCapture > p.Amount {
		return invalid("amount_to_capture must be within 0..amount")
	}
	if p.Confirm && p.PaymentMethod == "" {
		return invalid("payment_method is required to confirm")
	}
	return nil
}

func (s *paymentService) Create(ctx context.Context, p CreateParams) (*Result, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	if _, err := s.registry.Merchant(p.MerchantID); err != nil {
		return nil, &domain.PaymentError{Kind: domain.ErrMerchantNotFound, Err: err}
	}

	workCtx, release, err := s.gate.Enter(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	id := util.NewID("pay")
	if p.IdempotencyKey != "" && s.idempotency != nil {
		existing, reserved, err := s.idempotency.Reserve(workCtx, p.MerchantID, p.IdempotencyKey, id, idempotencyTTL)
		if err != nil {
			return nil, fmt.Errorf("failed to reserve idempotency key: %w", err)
		}
		if !reserved {
			s.logger.Info("Idempotent replay of payment create",
				zap.String("merchant_id", p.MerchantID),
				zap.String("intent_id", existing))
			intent, err := s.store.GetIntent(workCtx, existing)
			if errors.Is(err, domain.ErrIntentNotFound) {
				return nil, &domain.PaymentError{
					Kind:     domain.ErrOperationInProgress,
					IntentID: existing,
					Message:  "payment for this idempotency key is still being created",
				}
			}
			if err != nil {
				return nil, err
			}
			return &Result{Intent: intent, Replayed: true}, nil
		}
	}

	now := s.now()
	intent := &domain.PaymentIntent{
		ID:                id,
		MerchantID:        p.MerchantID,
		BusinessProfile:   p.BusinessProfile,
		Amount:            p.Amount,
		Currency:          p.Currency,
		CaptureMethod:     p.CaptureMethod,
		AmountToCapture:   p.AmountToCapture,
		CustomerID:        p.CustomerID,
		PaymentMethod:     p.PaymentMethod,
		PaymentMethodType: p.PaymentMethodType,
		Metadata:          p.Metadata,
		Status:            lifecycle.StatusRequiresPaymentMethod,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if p.PaymentMethod != "" {
		intent.Status = lifecycle.StatusRequiresConfirmation
	}

	if err := s.store.CreateIntent(workCtx, intent); err != nil {
		if p.IdempotencyKey != "" && s.idempotency != nil {
			if relErr := s.idempotency.Release(workCtx, p.MerchantID, p.IdempotencyKey); relErr != nil {
				s.logger.Warn("Failed to release idempotency key", zap.String("intent_id", id), zap.Error(relErr))
			}
		}
		return nil, fmt.Errorf("failed to create payment intent: %w", err)
	}
	s.logger.Info("Payment intent created",
		zap.String("intent_id", id),
		zap.String("merchant_id", p.MerchantID),
		zap.Int64("amount", p.Amount),
		zap.String("currency", p.Currency),
		zap.String("status", string(intent.Status)))

	if !p.Confirm {
		return &Result{Intent: intent}, nil
	}
	return s.execute(workCtx, id)
}

func (s *paymentService) execute(ctx context.Context, id string) (*Result, error) {
	out, err := s.pipeline.Execute(ctx, id)
	if out == nil {
		return nil, err
	}
	return &Result{Intent: out.Intent, Attempts: out.Attempts, PaymentErr: out.Err, Reused: out.Reused}, err
}

func (s *paymentService) Get(ctx context.Context, id string) (*domain.PaymentIntent, error) {
	return s.store.GetIntent(ctx, id)
}

func (s *paymentService) ListAttempts(ctx context.Context, id string) ([]*domain.PaymentAttempt, error) {
	if _, err := s.store.GetIntent(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListAttempts(ctx, id)
}

func (s *paymentService) Update(ctx context.Context, id string, p UpdateParams) (*domain.PaymentIntent, error) {
	var out *domain.PaymentIntent
	err := s.store.InTx(ctx, id, func(tx repository.IntentTx) error {
		intent := tx.Intent()
		if intent.AttemptCount > 0 || !isAwaitingConfirmation(intent.Status) {
			return &domain.PaymentError{
				Kind:     domain.ErrInvalidTransition,
				IntentID: id,
				Message:  fmt.Sprintf("intent in status %s can no longer be updated", intent.Status),
			}
		}

		if p.Amount != nil {
			if *p.Amount <= 0 {
				return invalid("amount must be positive")
			}
			intent.Amount = *p.Amount
		}
		if p.AmountToCapture != nil {
			intent.AmountToCapture = *p.AmountToCapture
		}
		if intent.AmountToCapture < 0 || intent.AmountToCapture > intent.Amount {
			return invalid("amount_to_capture must be within 0..amount")
		}
		if p.PaymentMethodType != nil {
			intent.PaymentMethodType = *p.PaymentMethodType
		}
		for k, v := range p.Metadata {
			if intent.Metadata == nil {
				intent.Metadata = map[string]string{}
			}
			intent.Metadata[k] = v
		}
		intent.UpdatedAt = s.now()

		if p.PaymentMethod != nil && *p.PaymentMethod != "" {
			intent.PaymentMethod = *p.PaymentMethod
			if _, err := s.transitions.Apply(ctx, tx, intent, lifecycle.StatusRequiresConfirmation, sourceAPI); err != nil {
				return err
			}
		}
		if err := tx.SaveIntent(intent); err != nil {
			return err
		}
		out = intent
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func isAwaitingConfirmation(status lifecycle.Status) bool {
	return status == lifecycle.StatusRequiresPaymentMethod || status == lifecycle.StatusRequiresConfirmation
}

func (s *paymentService) Confirm(ctx context.Context, id string, p ConfirmParams) (*Result, error) {
	workCtx, release, err := s.gate.Enter(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	err = s.store.InTx(workCtx, id, func(tx repository.IntentTx) error {
		intent := tx.Intent()
		if p.PaymentMethod == "" {
			if intent.Status == lifecycle.StatusRequiresPaymentMethod {
				return &domain.PaymentError{
					Kind:     domain.ErrInvalidRequest,
					IntentID: id,
					Message:  "payment_method is required to confirm",
				}
			}
			return nil
		}
		if !isAwaitingConfirmation(intent.Status) {
			return &domain.PaymentError{
				Kind:     domain.ErrInvalidTransition,
				IntentID: id,
				Message:  fmt.Sprintf("cannot set payment method in status %s", intent.Status),
			}
		}
		intent.PaymentMethod = p.PaymentMethod
		intent.PaymentMethodType = p.PaymentMethodType
		intent.UpdatedAt = s.now()
		if _, err := s.transitions.Apply(workCtx, tx, intent, lifecycle.StatusRequiresConfirmation, sourceAPI); err != nil {
			return err
		}
		return tx.SaveIntent(intent)
	})
	if err != nil {
		return nil, err
	}
	return s.execute(workCtx, id)
}

func (s *paymentService) Capture(ctx context.Context, id string, amount int64) (*domain.PaymentIntent, error) {
	return s.followUp(ctx, id, connector.OpCapture, amount)
}

func (s *paymentService) Refund(ctx context.Context, id string, amount int64) (*domain.PaymentIntent, error) {
	return s.followUp(ctx, id, connector.OpRefund, amount)
}

func (s *paymentService) followUp(ctx context.Context, id string, op connector.Operation, amount int64) (*domain.PaymentIntent, error) {
	if amount < 0 {
		return nil, invalid("amount must not be negative")
	}
	workCtx, release, err := s.gate.Enter(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	return s.pipeline.FollowUp(workCtx, id, op, amount)
}

// Cancel cancels locally while no attempt has reached a connector and voids
// the authorization otherwise.
func (s *paymentService) Cancel(ctx context.Context, id string) (*domain.PaymentIntent, error) {
	workCtx, release, err := s.gate.Enter(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	var local *domain.PaymentIntent
	err = s.store.InTx(workCtx, id, func(tx repository.IntentTx) error {
		intent := tx.Intent()
		switch intent.Status {
		case lifecycle.StatusRequiresPaymentMethod, lifecycle.StatusRequiresConfirmation:
			if _, err := s.transitions.Apply(workCtx, tx, intent, lifecycle.StatusCancelled, sourceAPI); err != nil {
				return err
			}
			if err := tx.SaveIntent(intent); err != nil {
				return err
			}
			local = intent
			return nil
		case lifecycle.StatusAuthorized, lifecycle.StatusRequiresCapture:
			return nil
		default:
			return &domain.PaymentError{
				Kind:     domain.ErrInvalidTransition,
				IntentID: id,
				Message:  fmt.Sprintf("cannot cancel an intent in status %s", intent.Status),
			}
		}
	})
	if err != nil {
		return nil, err
	}
	if local != nil {
		s.logger.Info("Payment intent cancelled", zap.String("intent_id", id))
		return local, nil
	}
	return s.pipeline.FollowUp(workCtx, id, connector.OpVoid, 0)
}

func (s *paymentService) HandleWebhook(ctx context.Context, ev *domain.WebhookEvent) (webhooks.Result, error) {
	workCtx, release, err := s.gate.Enter(ctx)
	if err != nil {
		return webhooks.Rejected, err
	}
	defer release()
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = s.now()
	}
	return s.reconciler.Handle(workCtx, ev)
}

// ReloadConfig re-reads merchant configuration and swaps it into the
// registry. Executions already routed keep the snapshot they started with.
func (s *paymentService) ReloadConfig(ctx context.Context) (*connector.Snapshot, error) {
	if s.loadConfig == nil {
		return nil, errors.New("merchant config reload is not configured")
	}
	merchants, err := s.loadConfig()
	if err != nil {
		s.logger.Error("Failed to reload merchant config", zap.Error(err))
		return nil, err
	}
	snap, err := s.registry.Load(merchants)
	if err != nil {
		s.logger.Error("Rejected merchant config reload", zap.Error(err))
		return nil, err
	}
	s.logger.Info("Merchant config reloaded",
		zap.Int64("version", snap.Version),
		zap.Int("merchants", len(merchants)))
	return snap, nil
}
