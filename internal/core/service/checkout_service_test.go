package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"github.com/rl1809/basket-checkout/internal/core/domain"
	"github.com/rl1809/basket-checkout/internal/metrics"
)

var validForm = domain.DeliveryDetails{
	Name:         "Ann Example",
	AddressLine1: "1 High Street",
	Postcode:     "SW1A 1AA",
}

type checkoutFixture struct {
	cart     *CartService
	inv      *mockInventory
	ledger   *mockLedger
	kv       *mockKV
	pub      *recordingPublisher
	checkout *CheckoutService
}

func fastOptions() CheckoutOptions {
	return CheckoutOptions{
		ReserveAttempts: 3,
		ReserveBackoff:  time.Millisecond,
		LedgerAttempts:  3,
		LedgerBackoff:   time.Millisecond,
		PersistTimeout:  time.Second,
		ReleaseTimeout:  time.Second,
	}
}

func newCheckoutFixture(t *testing.T, stock map[string]int, opts ...CheckoutOption) *checkoutFixture {
	t.Helper()
	f := &checkoutFixture{
		inv:    newMockInventory(stock),
		ledger: newMockLedger(),
		kv:     newMockKV(),
		pub:    &recordingPublisher{},
	}
	f.cart = NewCartService("s1", f.kv, f.inv, f.pub)
	all := append([]CheckoutOption{WithOptions(fastOptions()), WithEventPublisher(f.pub)}, opts...)
	f.checkout = NewCheckoutService(f.cart, f.inv, f.ledger, all...)
	return f
}

func (f *checkoutFixture) add(t *testing.T, name, price string, qty int) {
	t.Helper()
	if _, err := f.cart.AddItem(context.Background(), name, decimal.RequireFromString(price), qty); err != nil {
		t.Fatalf("add %s failed: %v", name, err)
	}
}

func TestCheckout_FullSuccess(t *testing.T) {
	f := newCheckoutFixture(t, map[string]int{"a": 5, "b": 5},
		WithIDGenerator(func() string { return "order-1" }))
	f.add(t, "A", "3.00", 2)
	f.add(t, "B", "5.00", 1)

	result, err := f.checkout.Submit(context.Background(), validForm)
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if result.Outcome != domain.CheckoutSucceeded || result.OrderID != "order-1" {
		t.Errorf("unexpected result %+v", result)
	}
	if f.checkout.Phase() != domain.PhaseCompleted {
		t.Errorf("expected completed phase, got %s", f.checkout.Phase())
	}

	order, err := f.ledger.Get(context.Background(), "order-1")
	if err != nil {
		t.Fatalf("order not recorded: %v", err)
	}
	if !order.Total.Equal(decimal.RequireFromString("11.00")) {
		t.Errorf("expected total 11.00, got %s", order.Total)
	}
	if order.Status != domain.OrderStatusPending || len(order.LineItems) != 2 {
		t.Errorf("unexpected order %+v", order)
	}
	if order.Customer.Postcode != "SW1A 1AA" {
		t.Errorf("unexpected customer %+v", order.Customer)
	}

	if !f.cart.Snapshot().IsEmpty() {
		t.Error("cart should be empty after success")
	}
	if f.inv.get("a") != 3 || f.inv.get("b") != 4 {
		t.Errorf("expected stock a=3 b=4, got a=%d b=%d", f.inv.get("a"), f.inv.get("b"))
	}

	ev, ok := f.pub.last(domain.EventCheckoutResult)
	if !ok || ev.Checkout.Outcome != domain.CheckoutSucceeded || ev.Checkout.OrderID != "order-1" {
		t.Errorf("expected success event, got %+v", ev.Checkout)
	}
}

func TestCheckout_PartialFailureCompensates(t *testing.T) {
	f := newCheckoutFixture(t, map[string]int{"a": 2, "b": 1})
	f.add(t, "A", "3.00", 1)
	f.add(t, "B", "5.00", 1)
	// B sells out after it was added
	_ = f.inv.Seed(context.Background(), "b", 0)
	before := f.cart.Snapshot()

	result, err := f.checkout.Submit(context.Background(), validForm)

	var insufficient *domain.InsufficientStockError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientStockError, got %v", err)
	}
	if insufficient.SKU != "b" || result.SKU != "b" {
		t.Errorf("failure should cite b, got %q / %q", insufficient.SKU, result.SKU)
	}
	if result.Outcome != domain.CheckoutFailed || f.checkout.Phase() != domain.PhaseFailed {
		t.Errorf("unexpected result %+v phase %s", result, f.checkout.Phase())
	}
	if f.inv.get("a") != 2 {
		t.Errorf("expected a restored to 2, got %d", f.inv.get("a"))
	}
	if f.ledger.count() != 0 {
		t.Error("no order should be recorded")
	}
	if after := f.cart.Snapshot(); len(after.Entries) != len(before.Entries) || after.Count() != before.Count() {
		t.Errorf("cart changed: before %+v after %+v", before.Entries, after.Entries)
	}
}

func TestCheckout_InvalidPostcodeNeverReserves(t *testing.T) {
	f := newCheckoutFixture(t, map[string]int{"a": 5})
	f.add(t, "A", "3.00", 1)

	form := validForm
	form.Postcode = "12345"
	_, err := f.checkout.Submit(context.Background(), form)

	var validation *domain.ValidationError
	if !errors.As(err, &validation) || validation.Field != "postcode" {
		t.Fatalf("expected postcode validation error, got %v", err)
	}
	if reserve, _ := f.inv.calls(); reserve != 0 {
		t.Errorf("expected no reserve calls, got %d", reserve)
	}
	if f.cart.Snapshot().Count() != 1 {
		t.Error("cart should be untouched")
	}
}

func TestCheckout_MissingFieldsAndEmptyCart(t *testing.T) {
	f := newCheckoutFixture(t, nil)

	_, err := f.checkout.Submit(context.Background(), validForm)
	var validation *domain.ValidationError
	if !errors.As(err, &validation) || validation.Field != "cart" {
		t.Errorf("expected empty cart validation, got %v", err)
	}

	f.add(t, "A", "1.00", 1)
	form := validForm
	form.Name = "   "
	_, err = f.checkout.Submit(context.Background(), form)
	if !errors.As(err, &validation) || validation.Field != "name" {
		t.Errorf("expected name validation, got %v", err)
	}
}

func TestCheckout_RetriesConflicts(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewCheckoutMetrics(reg)
	f := newCheckoutFixture(t, map[string]int{"a": 5}, WithMetrics(m))
	f.add(t, "A", "1.00", 1)
	f.inv.conflicts["a"] = 2

	if _, err := f.checkout.Submit(context.Background(), validForm); err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if f.inv.get("a") != 4 {
		t.Errorf("expected stock 4, got %d", f.inv.get("a"))
	}

	if got := counterValue(t, reg, "inventory_reserve_conflicts_total", ""); got != 2 {
		t.Errorf("expected 2 conflicts, got %v", got)
	}
	if got := counterValue(t, reg, "checkout_total", "completed"); got != 1 {
		t.Errorf("expected 1 completed checkout, got %v", got)
	}
}

// counterValue sums the counter samples of name, filtered by label value when
// one is given.
func counterValue(t *testing.T, reg *prometheus.Registry, name, label string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}
	var total float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if label != "" && (len(m.GetLabel()) == 0 || m.GetLabel()[0].GetValue() != label) {
				continue
			}
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func TestCheckout_PersistentConflictBecomesInsufficientStock(t *testing.T) {
	f := newCheckoutFixture(t, map[string]int{"a": 5, "b": 5})
	f.add(t, "A", "1.00", 1)
	f.add(t, "B", "1.00", 1)
	f.inv.conflicts["b"] = 10

	_, err := f.checkout.Submit(context.Background(), validForm)

	var insufficient *domain.InsufficientStockError
	if !errors.As(err, &insufficient) || insufficient.SKU != "b" {
		t.Fatalf("expected insufficient stock for b, got %v", err)
	}
	if f.inv.get("a") != 5 {
		t.Errorf("expected a restored to 5, got %d", f.inv.get("a"))
	}
}

func TestCheckout_LedgerRetryUsesSameOrderID(t *testing.T) {
	f := newCheckoutFixture(t, map[string]int{"a": 5})
	f.add(t, "A", "2.00", 1)
	f.ledger.failures = 2

	result, err := f.checkout.Submit(context.Background(), validForm)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if len(f.ledger.appendIDs) != 3 {
		t.Fatalf("expected 3 append attempts, got %d", len(f.ledger.appendIDs))
	}
	for _, id := range f.ledger.appendIDs {
		if id != result.OrderID {
			t.Errorf("retry used id %s, want %s", id, result.OrderID)
		}
	}
}

func TestCheckout_LedgerExhaustionReleasesStock(t *testing.T) {
	f := newCheckoutFixture(t, map[string]int{"a": 5, "b": 5})
	f.add(t, "A", "3.00", 2)
	f.add(t, "B", "5.00", 1)
	f.ledger.failures = 100

	result, err := f.checkout.Submit(context.Background(), validForm)

	var notRecorded *domain.OrderNotRecordedError
	if !errors.As(err, &notRecorded) {
		t.Fatalf("expected OrderNotRecordedError, got %v", err)
	}
	if errors.Is(err, domain.ErrInsufficientStock) {
		t.Error("not-recorded must be distinct from insufficient stock")
	}
	var persistence *domain.PersistenceError
	if !errors.As(err, &persistence) || persistence.OrderID != notRecorded.OrderID {
		t.Errorf("expected wrapped PersistenceError, got %v", err)
	}
	if len(notRecorded.Lines) != 2 {
		t.Errorf("expected 2 lines on the error, got %d", len(notRecorded.Lines))
	}
	if f.inv.get("a") != 5 || f.inv.get("b") != 5 {
		t.Errorf("expected stock restored, got a=%d b=%d", f.inv.get("a"), f.inv.get("b"))
	}
	if f.cart.Snapshot().Count() != 3 {
		t.Error("cart should be kept for a retry")
	}
	if result.Outcome != domain.CheckoutFailed {
		t.Errorf("unexpected result %+v", result)
	}
}

func TestCheckout_PersistTimeoutCompensates(t *testing.T) {
	opts := fastOptions()
	opts.PersistTimeout = 20 * time.Millisecond
	f := newCheckoutFixture(t, map[string]int{"a": 5}, WithOptions(opts))
	f.add(t, "A", "1.00", 1)
	f.ledger.block = make(chan struct{})

	_, err := f.checkout.Submit(context.Background(), validForm)

	var notRecorded *domain.OrderNotRecordedError
	if !errors.As(err, &notRecorded) {
		t.Fatalf("expected OrderNotRecordedError, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded in chain, got %v", err)
	}
	if f.inv.get("a") != 5 {
		t.Errorf("expected stock restored to 5, got %d", f.inv.get("a"))
	}
}

func TestCheckout_RejectsConcurrentSubmit(t *testing.T) {
	f := newCheckoutFixture(t, map[string]int{"a": 5})
	f.add(t, "A", "1.00", 1)
	f.ledger.block = make(chan struct{})
	f.ledger.entered = make(chan struct{}, 1)

	done := make(chan error, 1)
	go func() {
		_, err := f.checkout.Submit(context.Background(), validForm)
		done <- err
	}()
	<-f.ledger.entered

	_, err := f.checkout.Submit(context.Background(), validForm)
	if !errors.Is(err, domain.ErrCheckoutInProgress) {
		t.Errorf("expected ErrCheckoutInProgress, got %v", err)
	}

	close(f.ledger.block)
	if err := <-done; err != nil {
		t.Fatalf("first checkout failed: %v", err)
	}
	if reserve, _ := f.inv.calls(); reserve != 1 {
		t.Errorf("expected one reserve call, got %d", reserve)
	}
}

func TestCheckout_DistributedLockHeld(t *testing.T) {
	lock := newMockKV()
	f := newCheckoutFixture(t, map[string]int{"a": 5}, WithCheckoutLock(lock))
	f.add(t, "A", "1.00", 1)
	token, _, _ := lock.Acquire(context.Background(), "checkout:s1")

	_, err := f.checkout.Submit(context.Background(), validForm)
	if !errors.Is(err, domain.ErrCheckoutInProgress) {
		t.Fatalf("expected ErrCheckoutInProgress, got %v", err)
	}
	if _, held := lock.locks["checkout:s1"]; !held {
		t.Fatal("a rejected checkout must not release another holder's lock")
	}

	_ = lock.Unlock(context.Background(), "checkout:s1", token)
	if _, err := f.checkout.Submit(context.Background(), validForm); err != nil {
		t.Fatalf("expected success once lock is free, got %v", err)
	}
	if _, ok, _ := lock.Acquire(context.Background(), "checkout:s1"); !ok {
		t.Error("lock should be released after checkout")
	}
}

func TestCheckout_CancelledCallerStillCompletes(t *testing.T) {
	f := newCheckoutFixture(t, map[string]int{"a": 5})
	f.add(t, "A", "1.00", 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := f.checkout.Submit(ctx, validForm); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if f.ledger.count() != 1 || f.inv.get("a") != 4 {
		t.Errorf("expected recorded order and stock 4, got %d orders stock %d", f.ledger.count(), f.inv.get("a"))
	}
}

func TestCheckout_FailedReleaseIsQueued(t *testing.T) {
	f := newCheckoutFixture(t, map[string]int{"a": 5, "b": 0})
	comp := NewCompensator(f.inv, 10, 3, time.Millisecond, nil)
	f.checkout = NewCheckoutService(f.cart, f.inv, f.ledger, WithOptions(fastOptions()), WithCompensator(comp))

	f.add(t, "A", "1.00", 2)
	_ = f.inv.Seed(context.Background(), "b", 1)
	f.add(t, "B", "1.00", 1)
	_ = f.inv.Seed(context.Background(), "b", 0)
	f.inv.failReleases = 1

	_, err := f.checkout.Submit(context.Background(), validForm)
	if !errors.Is(err, domain.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
	if f.inv.get("a") != 3 {
		t.Fatalf("release should not have applied inline, got stock %d", f.inv.get("a"))
	}

	comp.Start(1)
	comp.Close()
	if f.inv.get("a") != 5 {
		t.Errorf("expected compensator to restore a to 5, got %d", f.inv.get("a"))
	}
}

func TestCheckout_CanRetryAfterFailure(t *testing.T) {
	f := newCheckoutFixture(t, map[string]int{"a": 5})
	f.add(t, "A", "1.00", 1)
	f.ledger.failures = 3

	if _, err := f.checkout.Submit(context.Background(), validForm); err == nil {
		t.Fatal("expected first attempt to fail")
	}
	if _, err := f.checkout.Submit(context.Background(), validForm); err != nil {
		t.Fatalf("expected second attempt to succeed, got %v", err)
	}
	if f.inv.get("a") != 4 {
		t.Errorf("expected exactly one unit sold, got stock %d", f.inv.get("a"))
	}
}

func TestCheckout_TimedOutReserveIsReleased(t *testing.T) {
	f := newCheckoutFixture(t, map[string]int{"a": 5, "b": 5})
	f.add(t, "A", "1.00", 1)
	f.add(t, "B", "1.00", 2)
	f.inv.ambiguousReserves["b"] = 1

	_, err := f.checkout.Submit(context.Background(), validForm)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if f.inv.get("a") != 5 || f.inv.get("b") != 5 {
		t.Errorf("expected stock restored, got a=%d b=%d", f.inv.get("a"), f.inv.get("b"))
	}
	if n := f.inv.held(); n != 0 {
		t.Errorf("expected no reservations held, got %d", n)
	}
	if f.ledger.count() != 0 {
		t.Error("no order should be recorded")
	}
}

func TestCheckout_TimedOutReleaseIsNotAppliedTwice(t *testing.T) {
	f := newCheckoutFixture(t, map[string]int{"a": 2, "b": 0})
	comp := NewCompensator(f.inv, 10, 3, time.Millisecond, nil)
	f.checkout = NewCheckoutService(f.cart, f.inv, f.ledger, WithOptions(fastOptions()), WithCompensator(comp))

	f.add(t, "A", "1.00", 1)
	_ = f.inv.Seed(context.Background(), "b", 1)
	f.add(t, "B", "1.00", 1)
	_ = f.inv.Seed(context.Background(), "b", 0)
	// the release of a lands but its reply is lost
	f.inv.ambiguousReleases = 1

	_, err := f.checkout.Submit(context.Background(), validForm)
	if !errors.Is(err, domain.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}

	comp.Start(1)
	comp.Close()
	if f.inv.get("a") != 2 {
		t.Errorf("expected a back at 2, got %d", f.inv.get("a"))
	}
	if _, release := f.inv.calls(); release != 2 {
		t.Errorf("expected the inline release and one retry, got %d", release)
	}
}

func TestCheckout_SuccessKeepsItemsAddedDuringCheckout(t *testing.T) {
	f := newCheckoutFixture(t, map[string]int{"a": 5, "c": 5})
	f.add(t, "A", "1.00", 2)
	f.ledger.block = make(chan struct{})
	f.ledger.entered = make(chan struct{}, 1)

	done := make(chan error, 1)
	go func() {
		_, err := f.checkout.Submit(context.Background(), validForm)
		done <- err
	}()
	<-f.ledger.entered

	f.add(t, "A", "1.00", 1)
	f.add(t, "C", "4.00", 1)
	close(f.ledger.block)
	if err := <-done; err != nil {
		t.Fatalf("checkout failed: %v", err)
	}

	cart := f.cart.Snapshot()
	if cart.Count() != 2 {
		t.Fatalf("expected the two later units to remain, got %+v", cart.Entries)
	}
	for _, e := range cart.Entries {
		if e.Qty != 1 || (e.SKU != "a" && e.SKU != "c") {
			t.Errorf("unexpected entry %+v", e)
		}
	}
}
