package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rl1809/basket-checkout/internal/core/domain"
	"github.com/rl1809/basket-checkout/internal/logger"
	"github.com/rl1809/basket-checkout/internal/metrics"
	"github.com/rl1809/basket-checkout/internal/port"
)

const checkoutLockPrefix = "checkout:"

// CheckoutOptions bounds the retry and timeout behaviour of a checkout.
type CheckoutOptions struct {
	ReserveAttempts int
	ReserveBackoff  time.Duration
	LedgerAttempts  int
	LedgerBackoff   time.Duration
	PersistTimeout  time.Duration
	ReleaseTimeout  time.Duration
}

func DefaultCheckoutOptions() CheckoutOptions {
	return CheckoutOptions{
		ReserveAttempts: 3,
		ReserveBackoff:  20 * time.Millisecond,
		LedgerAttempts:  3,
		LedgerBackoff:   50 * time.Millisecond,
		PersistTimeout:  5 * time.Second,
		ReleaseTimeout:  defaultReleaseTimeout,
	}
}

type CheckoutOption func(*CheckoutService)

// WithCheckoutLock guards checkouts across processes in addition to the
// in-process guard.
func WithCheckoutLock(lock port.CheckoutLock) CheckoutOption {
	return func(s *CheckoutService) { s.lock = lock }
}

func WithCompensator(c *Compensator) CheckoutOption {
	return func(s *CheckoutService) { s.compensator = c }
}

func WithMetrics(m *metrics.CheckoutMetrics) CheckoutOption {
	return func(s *CheckoutService) { s.metrics = m }
}

func WithEventPublisher(p port.EventPublisher) CheckoutOption {
	return func(s *CheckoutService) {
		if p != nil {
			s.events = p
		}
	}
}

func WithOptions(opts CheckoutOptions) CheckoutOption {
	return func(s *CheckoutService) { s.opts = opts }
}

func WithClock(now func() time.Time) CheckoutOption {
	return func(s *CheckoutService) { s.now = now }
}

func WithIDGenerator(newID func() string) CheckoutOption {
	return func(s *CheckoutService) { s.newID = newID }
}

// CheckoutService turns one cart into an order. Each line is reserved in
// turn; a failure releases every earlier reservation of the attempt, so an
// attempt either records an order or leaves stock as it found it.
type CheckoutService struct {
	cart        *CartService
	inventory   port.InventoryRepository
	ledger      port.OrderLedger
	lock        port.CheckoutLock
	compensator *Compensator
	metrics     *metrics.CheckoutMetrics
	events      port.EventPublisher
	opts        CheckoutOptions
	now         func() time.Time
	newID       func() string

	inFlight atomic.Bool

	mu    sync.Mutex
	phase domain.CheckoutPhase
}

// reservation is one line whose Reserve was sent. It may not have landed
// when the call failed without a definite answer.
type reservation struct {
	sku   string
	qty   int
	token string
}

func NewCheckoutService(cart *CartService, inventory port.InventoryRepository, ledger port.OrderLedger, opts ...CheckoutOption) *CheckoutService {
	s := &CheckoutService{
		cart:      cart,
		inventory: inventory,
		ledger:    ledger,
		events:    noopPublisher{},
		opts:      DefaultCheckoutOptions(),
		now:       time.Now,
		newID:     uuid.NewString,
		phase:     domain.PhaseIdle,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// InFlight reports whether a Submit is running.
func (s *CheckoutService) InFlight() bool { return s.inFlight.Load() }

func (s *CheckoutService) Phase() domain.CheckoutPhase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Submit runs one checkout attempt for the cart. A concurrent Submit for the
// same cart fails with domain.ErrCheckoutInProgress without side effects.
func (s *CheckoutService) Submit(ctx context.Context, form domain.DeliveryDetails) (domain.CheckoutResult, error) {
	if !s.inFlight.CompareAndSwap(false, true) {
		return rejected(domain.ErrCheckoutInProgress), domain.ErrCheckoutInProgress
	}
	defer s.inFlight.Store(false)

	if s.lock != nil {
		key := checkoutLockPrefix + s.cart.SessionID()
		token, ok, err := s.lock.Acquire(ctx, key)
		if err != nil {
			err = fmt.Errorf("acquire checkout lock: %w", err)
			return rejected(err), err
		}
		if !ok {
			return rejected(domain.ErrCheckoutInProgress), domain.ErrCheckoutInProgress
		}
		defer func() {
			if err := s.lock.Unlock(context.WithoutCancel(ctx), key, token); err != nil {
				logger.Warnw("checkout_unlock_failed", "session_id", s.cart.SessionID(), "error", err)
			}
		}()
	}

	start := time.Now()
	result, err := s.run(ctx, form)
	s.metrics.ObserveCheckout(outcomeLabel(err), time.Since(start))
	s.events.Publish(ctx, domain.Event{
		Kind:      domain.EventCheckoutResult,
		SessionID: s.cart.SessionID(),
		Checkout:  &result,
	})
	return result, err
}

func (s *CheckoutService) run(ctx context.Context, form domain.DeliveryDetails) (domain.CheckoutResult, error) {
	if err := s.transition(domain.PhaseValidating); err != nil {
		return s.fail(err), err
	}

	customer, err := form.Validate()
	if err != nil {
		return s.fail(err), err
	}
	snapshot := s.cart.Snapshot()
	if snapshot.IsEmpty() {
		err := &domain.ValidationError{Field: "cart", Reason: "is empty"}
		return s.fail(err), err
	}
	entries := snapshot.Snapshot()

	if err := s.transition(domain.PhaseReserving); err != nil {
		return s.fail(err), err
	}
	// reservations must run to completion or be compensated, whatever the caller does
	opCtx := context.WithoutCancel(ctx)
	// the order id doubles as the attempt id in reservation tokens
	orderID := s.newID()
	reserved, err := s.reserveAll(opCtx, orderID, entries)
	if err != nil {
		return s.fail(err), err
	}

	if err := s.transition(domain.PhasePersisting); err != nil {
		s.compensate(opCtx, orderID, reserved)
		return s.fail(err), err
	}
	order := domain.NewOrder(orderID, customer, entries, s.now())
	orderID, err = s.persist(opCtx, order)
	if err != nil {
		s.compensate(opCtx, order.ID, reserved)
		notRecorded := &domain.OrderNotRecordedError{OrderID: order.ID, Lines: order.LineItems, Err: err}
		logger.Errorw("CRITICAL order_not_recorded",
			"session_id", s.cart.SessionID(), "order_id", order.ID, "total", order.Total.StringFixed(2), "error", err)
		return s.fail(notRecorded), notRecorded
	}

	if err := s.transition(domain.PhaseCompleted); err != nil {
		return s.fail(err), err
	}
	if _, err := s.cart.Deduct(opCtx, entries); err != nil {
		logger.Warnw("cart_clear_failed", "session_id", s.cart.SessionID(), "order_id", orderID, "error", err)
	}
	logger.Infow("checkout_completed",
		"session_id", s.cart.SessionID(), "order_id", orderID, "lines", len(entries), "total", order.Total.StringFixed(2))

	return domain.CheckoutResult{
		Outcome: domain.CheckoutSucceeded,
		Phase:   domain.PhaseCompleted,
		OrderID: orderID,
	}, nil
}

// reserveAll reserves entries in cart order. On the first failure it releases
// what it already reserved, newest first, including the failed line when the
// failure leaves its outcome unknown.
func (s *CheckoutService) reserveAll(ctx context.Context, orderID string, entries []domain.CartEntry) ([]reservation, error) {
	reserved := make([]reservation, 0, len(entries))
	for _, e := range entries {
		r := reservation{sku: e.SKU, qty: e.Qty, token: domain.ReservationToken(orderID, e.SKU)}
		if err := s.reserveLine(ctx, r); err != nil {
			logger.Warnw("checkout_reserve_failed",
				"session_id", s.cart.SessionID(), "order_id", orderID, "sku", e.SKU, "qty", e.Qty,
				"reserved_lines", len(reserved), "error", err)
			if !definiteReserveFailure(err) {
				reserved = append(reserved, r)
			}
			s.compensate(ctx, orderID, reserved)
			return nil, err
		}
		reserved = append(reserved, r)
	}
	return reserved, nil
}

// definiteReserveFailure reports whether err guarantees the Reserve took no
// stock. Timeouts and transport errors do not: the call may have landed.
func definiteReserveFailure(err error) bool {
	return errors.Is(err, domain.ErrInsufficientStock) ||
		errors.Is(err, domain.ErrValidation) ||
		errors.Is(err, domain.ErrConcurrencyConflict) ||
		errors.Is(err, domain.ErrReservationReleased)
}

// reserveLine retries conflicts with exponential backoff. A line that keeps
// conflicting is reported as insufficient stock.
func (s *CheckoutService) reserveLine(ctx context.Context, r reservation) error {
	sku, qty := r.sku, r.qty
	attempts := max(s.opts.ReserveAttempts, 1)
	for attempt := 1; attempt <= attempts; attempt++ {
		_, err := s.inventory.Reserve(ctx, sku, qty, r.token)
		if err == nil {
			return nil
		}
		if !errors.Is(err, domain.ErrConcurrencyConflict) {
			return err
		}
		s.metrics.IncConflict()
		if attempt < attempts {
			sleep(ctx, s.opts.ReserveBackoff<<(attempt-1))
		}
	}

	available, err := s.inventory.GetStock(ctx, sku)
	if err != nil {
		available = 0
	}
	return &domain.InsufficientStockError{SKU: sku, Wanted: qty, Available: available}
}

// persist appends order, retrying with the same id, all within the persist
// timeout. A retry that finds the order already present counts as success.
func (s *CheckoutService) persist(ctx context.Context, order domain.Order) (string, error) {
	if s.opts.PersistTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.PersistTimeout)
		defer cancel()
	}

	attempts := max(s.opts.LedgerAttempts, 1)
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		id, err := s.ledger.Append(ctx, order)
		if err == nil {
			return id, nil
		}
		if attempt > 1 && errors.Is(err, domain.ErrOrderExists) {
			return order.ID, nil
		}
		lastErr = &domain.PersistenceError{OrderID: order.ID, Err: err}
		logger.Warnw("ledger_append_failed", "order_id", order.ID, "attempt", attempt, "error", err)

		if ctx.Err() != nil {
			break
		}
		if attempt < attempts && !sleep(ctx, s.opts.LedgerBackoff*time.Duration(attempt)) {
			break
		}
	}
	if ctx.Err() != nil {
		return "", &domain.PersistenceError{OrderID: order.ID, Err: errors.Join(ctx.Err(), lastErr)}
	}
	return "", lastErr
}

// compensate releases reservations newest first. Releases are keyed by token,
// so one that failed after landing can be retried by the compensator without
// returning stock twice. Without a compensator it is logged as lost stock.
func (s *CheckoutService) compensate(ctx context.Context, orderID string, reserved []reservation) {
	for i := len(reserved) - 1; i >= 0; i-- {
		r := reserved[i]
		rctx, cancel := context.WithTimeout(ctx, s.releaseTimeout())
		_, err := s.inventory.Release(rctx, r.sku, r.token)
		cancel()
		if err == nil {
			s.metrics.IncCompensation("released")
			continue
		}

		task := ReleaseTask{OrderID: orderID, SKU: r.sku, Qty: r.qty, Token: r.token}
		if s.compensator != nil && s.compensator.Enqueue(task) {
			s.metrics.IncCompensation("queued")
			logger.Warnw("compensation_queued", "order_id", orderID, "sku", r.sku, "qty", r.qty, "error", err)
			continue
		}
		s.metrics.IncCompensation("dropped")
		logger.Errorw("CRITICAL compensation_failed", "order_id", orderID, "sku", r.sku, "qty", r.qty, "error", err)
	}
}

func (s *CheckoutService) releaseTimeout() time.Duration {
	if s.opts.ReleaseTimeout > 0 {
		return s.opts.ReleaseTimeout
	}
	return defaultReleaseTimeout
}

func (s *CheckoutService) transition(to domain.CheckoutPhase) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !domain.CanTransitionTo(s.phase, to) {
		return fmt.Errorf("%w: %s -> %s", domain.ErrIllegalTransition, s.phase, to)
	}
	s.phase = to
	return nil
}

func (s *CheckoutService) fail(err error) domain.CheckoutResult {
	s.mu.Lock()
	if domain.CanTransitionTo(s.phase, domain.PhaseFailed) {
		s.phase = domain.PhaseFailed
	}
	s.mu.Unlock()

	result := domain.CheckoutResult{
		Outcome: domain.CheckoutFailed,
		Phase:   domain.PhaseFailed,
		Reason:  err.Error(),
	}
	var insufficient *domain.InsufficientStockError
	if errors.As(err, &insufficient) {
		result.SKU = insufficient.SKU
	}
	return result
}

func rejected(err error) domain.CheckoutResult {
	return domain.CheckoutResult{
		Outcome: domain.CheckoutFailed,
		Reason:  err.Error(),
	}
}

func outcomeLabel(err error) string {
	var notRecorded *domain.OrderNotRecordedError
	switch {
	case err == nil:
		return "completed"
	case errors.As(err, &notRecorded):
		return "not_recorded"
	case errors.Is(err, domain.ErrValidation):
		return "validation"
	case errors.Is(err, domain.ErrInsufficientStock):
		return "insufficient_stock"
	default:
		return "error"
	}
}

// sleep waits for d or until ctx is done, reporting whether d elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
