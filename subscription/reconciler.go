// Package subscription decides when a user's VPN access is granted,
// extended or revoked. Reconciler is the only writer of expiry and access
// key in the accounts table.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	sqlite "github.com/Asort97/marzbanBot/clients/sqLite"
	"github.com/Asort97/marzbanBot/metrics"
	"github.com/rs/zerolog/log"
)

const (
	DefaultCallTimeout   = 10 * time.Second
	DefaultSweepInterval = 24 * time.Hour

	PaymentSucceeded = "succeeded"
)

type Store interface {
	Ensure(ctx context.Context, userID int64) (bool, error)
	Get(ctx context.Context, userID int64) (*sqlite.Account, error)
	Upsert(ctx context.Context, userID int64, f sqlite.Fields) error
	ListWithExpiry(ctx context.Context) ([]sqlite.Account, error)
	ClearSubscription(ctx context.Context, userID int64, endDate string) (bool, error)
}

type PaymentRequest struct {
	UserID      int64
	Plan        RatePlan
	Description string
	ReturnURL   string
}

type PaymentIntent struct {
	Ref         string
	CheckoutURL string
}

type PaymentState struct {
	Ref      string
	Status   string
	Amount   string
	Currency string
}

type PaymentGateway interface {
	CreatePayment(ctx context.Context, req PaymentRequest) (PaymentIntent, error)
	PaymentStatus(ctx context.Context, ref string) (PaymentState, error)
}

// Account is the provisioning backend's view of a VPN user.
type Account struct {
	Name   string
	Status string
	Links  []string
}

// Provisioner manages VPN accounts. Implementations return
// ErrAccountNotFound and ErrAccountExists for the matching remote answers.
type Provisioner interface {
	CreateAccount(ctx context.Context, name string) (Account, error)
	GetAccount(ctx context.Context, name string) (Account, error)
	Disable(ctx context.Context, name string) error
	Enable(ctx context.Context, name string) error
}

// ExpiryNotifier tells a user their subscription has been revoked.
type ExpiryNotifier interface {
	NotifyExpired(ctx context.Context, userID int64) error
}

type Options struct {
	// ReturnURL is where the gateway sends the user after paying. Every
	// "%d" in it is replaced with the user id.
	ReturnURL     string
	CallTimeout   time.Duration
	SweepInterval time.Duration
	Notifier      ExpiryNotifier
	Now           func() time.Time
}

type Reconciler struct {
	store       Store
	gateway     PaymentGateway
	provisioner Provisioner
	notifier    ExpiryNotifier

	returnURL     string
	callTimeout   time.Duration
	sweepInterval time.Duration
	now           func() time.Time
}

// Confirmation is the outcome of a successful ConfirmPayment.
type Confirmation struct {
	Plan      RatePlan
	Expiry    time.Time
	AccessKey string
	// AlreadyCredited is set when the pending payment had been credited
	// before and nothing changed.
	AlreadyCredited bool
}

type Status struct {
	Active    bool
	Expiry    time.Time
	AccessKey string
}

func New(store Store, gateway PaymentGateway, provisioner Provisioner, opts Options) *Reconciler {
	r := &Reconciler{
		store:         store,
		gateway:       gateway,
		provisioner:   provisioner,
		notifier:      opts.Notifier,
		returnURL:     opts.ReturnURL,
		callTimeout:   opts.CallTimeout,
		sweepInterval: opts.SweepInterval,
		now:           opts.Now,
	}
	if r.callTimeout <= 0 {
		r.callTimeout = DefaultCallTimeout
	}
	if r.sweepInterval <= 0 {
		r.sweepInterval = DefaultSweepInterval
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// Register creates the user's record on first contact.
func (r *Reconciler) Register(ctx context.Context, userID int64) error {
	created, err := r.store.Ensure(ctx, userID)
	if err != nil {
		return err
	}
	if created {
		log.Info().Int64("user_id", userID).Msg("new user registered")
	}
	return nil
}

// RequestPayment creates a payment for planID and returns its checkout URL.
// Only the latest request is remembered; earlier unpaid requests are dropped.
func (r *Reconciler) RequestPayment(ctx context.Context, userID int64, planID string) (string, error) {
	plan, ok := PlanByID(planID)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownPlan, planID)
	}

	callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
	intent, err := r.gateway.CreatePayment(callCtx, PaymentRequest{
		UserID:      userID,
		Plan:        plan,
		Description: fmt.Sprintf("Подписка на %s для %s", plan.Title, AccountName(userID)),
		ReturnURL:   r.returnURLFor(userID),
	})
	cancel()
	if err == nil && (intent.Ref == "" || intent.CheckoutURL == "") {
		err = errors.New("gateway returned no payment reference or checkout url")
	}
	if err != nil {
		metrics.PaymentRequests.WithLabelValues(plan.ID, "gateway_error").Inc()
		log.Warn().Err(err).Int64("user_id", userID).Str("plan", plan.ID).Msg("failed to create payment")
		return "", fmt.Errorf("%w: %w", ErrGatewayUnavailable, err)
	}

	if err := r.store.Upsert(ctx, userID, sqlite.Fields{
		PaymentID:   sqlite.Value(intent.Ref),
		PaymentPlan: sqlite.Value(plan.ID),
	}); err != nil {
		metrics.PaymentRequests.WithLabelValues(plan.ID, "store_error").Inc()
		log.Error().Err(err).Int64("user_id", userID).Str("payment_id", intent.Ref).Msg("failed to save payment reference")
		return "", err
	}

	metrics.PaymentRequests.WithLabelValues(plan.ID, "created").Inc()
	log.Info().Int64("user_id", userID).Str("plan", plan.ID).Str("payment_id", intent.Ref).Msg("payment created")
	return intent.CheckoutURL, nil
}

// ConfirmPayment credits the user's pending payment once the gateway reports
// it settled. Confirming an already credited payment changes nothing.
func (r *Reconciler) ConfirmPayment(ctx context.Context, userID int64, planID string) (*Confirmation, error) {
	plan, ok := PlanByID(planID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPlan, planID)
	}

	acc, err := r.store.Get(ctx, userID)
	if errors.Is(err, sqlite.ErrNotFound) || (err == nil && acc.PaymentID == "") {
		metrics.Confirmations.WithLabelValues("no_pending").Inc()
		return nil, ErrNoPendingPayment
	}
	if err != nil {
		return nil, err
	}

	logger := log.With().Int64("user_id", userID).Str("payment_id", acc.PaymentID).Str("plan", plan.ID).Logger()

	if acc.CreditedPaymentID == acc.PaymentID {
		expiry, set, err := ParseExpiry(acc.EndDate)
		if err != nil || !set || !expiry.After(r.now()) || acc.AccessKey == "" {
			// credited once, then lapsed and revoked
			metrics.Confirmations.WithLabelValues("no_pending").Inc()
			logger.Info().Err(err).Str("end_date", acc.EndDate).Msg("credited payment no longer backs a subscription")
			return nil, ErrNoPendingPayment
		}
		metrics.Confirmations.WithLabelValues("already_credited").Inc()
		logger.Info().Msg("payment already credited")
		return &Confirmation{Plan: plan, Expiry: expiry, AccessKey: acc.AccessKey, AlreadyCredited: true}, nil
	}

	if acc.PaymentPlan != "" && acc.PaymentPlan != plan.ID {
		metrics.Confirmations.WithLabelValues("plan_mismatch").Inc()
		logger.Warn().Str("requested_plan", acc.PaymentPlan).Msg("confirmation for a different plan than requested")
		return nil, fmt.Errorf("%w: payment was created for %q", ErrPlanMismatch, acc.PaymentPlan)
	}

	callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
	state, err := r.gateway.PaymentStatus(callCtx, acc.PaymentID)
	cancel()
	if err != nil {
		metrics.Confirmations.WithLabelValues("gateway_error").Inc()
		logger.Warn().Err(err).Msg("failed to query payment status")
		return nil, fmt.Errorf("%w: %w", ErrGatewayUnavailable, err)
	}
	if state.Status != PaymentSucceeded {
		metrics.Confirmations.WithLabelValues("not_paid").Inc()
		logger.Info().Str("status", state.Status).Msg("payment not settled yet")
		return nil, ErrNotPaid
	}
	if state.Amount != "" && !plan.matchesAmount(state.Amount, state.Currency) {
		metrics.Confirmations.WithLabelValues("plan_mismatch").Inc()
		logger.Warn().Str("amount", state.Amount).Str("currency", state.Currency).Msg("paid amount does not match plan")
		return nil, fmt.Errorf("%w: paid %s %s", ErrPlanMismatch, state.Amount, state.Currency)
	}

	now := r.now().UTC()
	base := now
	current, set, err := ParseExpiry(acc.EndDate)
	switch {
	case err != nil:
		logger.Warn().Err(err).Str("end_date", acc.EndDate).Msg("counting subscription from now")
	case set && current.After(now):
		base = current
	}
	expiry := base.Add(plan.Duration())

	accessKey := acc.AccessKey
	if accessKey == "" {
		accessKey, err = r.provision(ctx, userID)
		if err != nil {
			metrics.Confirmations.WithLabelValues("provisioning_error").Inc()
			logger.Error().Err(err).Msg("paid but could not provision access")
			return nil, fmt.Errorf("%w: %w", ErrProvisioning, err)
		}
	}

	if err := r.store.Upsert(ctx, userID, sqlite.Fields{
		EndDate:           sqlite.Value(FormatExpiry(expiry)),
		AccessKey:         sqlite.Value(accessKey),
		CreditedPaymentID: sqlite.Value(acc.PaymentID),
	}); err != nil {
		metrics.Confirmations.WithLabelValues("store_error").Inc()
		logger.Error().Err(err).Msg("failed to save credited subscription")
		return nil, err
	}

	if acc.AccessKey != "" {
		// after the save, so a sweep that disabled the account in between
		// cannot leave it disabled
		if err := r.enable(ctx, AccountName(userID)); err != nil {
			logger.Warn().Err(err).Msg("failed to enable existing account")
		}
	}

	metrics.Confirmations.WithLabelValues("credited").Inc()
	logger.Info().Time("expiry", expiry).Msg("subscription extended")
	return &Confirmation{Plan: plan, Expiry: expiry, AccessKey: accessKey}, nil
}

// provision returns a credential for the user's panel account. The account
// name is deterministic, so an existing account is re-enabled instead of
// created twice.
func (r *Reconciler) provision(ctx context.Context, userID int64) (string, error) {
	name := AccountName(userID)

	account, err := r.getAccount(ctx, name)
	switch {
	case err == nil:
		if err := r.enable(ctx, name); err != nil {
			return "", err
		}
	case errors.Is(err, ErrAccountNotFound):
		callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
		account, err = r.provisioner.CreateAccount(callCtx, name)
		cancel()
		if errors.Is(err, ErrAccountExists) {
			if account, err = r.getAccount(ctx, name); err == nil {
				err = r.enable(ctx, name)
			}
		}
		if err != nil {
			return "", err
		}
	default:
		return "", err
	}

	key := accessKeyFromLinks(account.Links)
	if key == "" {
		return "", fmt.Errorf("account %s has no credential links", name)
	}
	return key, nil
}

func (r *Reconciler) getAccount(ctx context.Context, name string) (Account, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()
	return r.provisioner.GetAccount(callCtx, name)
}

func (r *Reconciler) enable(ctx context.Context, name string) error {
	callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()
	return r.provisioner.Enable(callCtx, name)
}

// Status reports the user's current subscription. A subscription past its
// expiry that the sweep has not revoked yet is reported inactive.
func (r *Reconciler) Status(ctx context.Context, userID int64) (Status, error) {
	acc, err := r.store.Get(ctx, userID)
	if errors.Is(err, sqlite.ErrNotFound) {
		return Status{}, nil
	}
	if err != nil {
		return Status{}, err
	}

	expiry, set, err := ParseExpiry(acc.EndDate)
	if err != nil {
		log.Warn().Err(err).Int64("user_id", userID).Str("end_date", acc.EndDate).Msg("unreadable expiry")
		return Status{}, err
	}
	if !set {
		return Status{}, nil
	}
	return Status{
		Active:    expiry.After(r.now()) && acc.AccessKey != "",
		Expiry:    expiry,
		AccessKey: acc.AccessKey,
	}, nil
}

func (r *Reconciler) returnURLFor(userID int64) string {
	return strings.ReplaceAll(r.returnURL, "%d", strconv.FormatInt(userID, 10))
}

func accessKeyFromLinks(links []string) string {
	var keys []string
	for _, link := range links {
		if link = strings.TrimSpace(link); link != "" {
			keys = append(keys, link)
		}
	}
	return strings.Join(keys, "\n")
}
