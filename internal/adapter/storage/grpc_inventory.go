package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/rl1809/basket-checkout/internal/adapter/handler/inventorypb"
	"github.com/rl1809/basket-checkout/internal/core/domain"
)

// GRPCInventory is an inventory oracle served by a remote inventory service.
type GRPCInventory struct {
	client  inventorypb.InventoryServiceClient
	timeout time.Duration
}

func NewGRPCInventory(conn grpc.ClientConnInterface, timeout time.Duration) *GRPCInventory {
	return &GRPCInventory{
		client:  inventorypb.NewInventoryServiceClient(conn),
		timeout: timeout,
	}
}

func (g *GRPCInventory) GetStock(ctx context.Context, sku string) (int, error) {
	ctx, cancel := g.callContext(ctx)
	defer cancel()

	resp, err := g.client.GetStock(ctx, &inventorypb.StockRequest{Sku: sku})
	if err != nil {
		return 0, fromStatus(sku, err)
	}
	return int(resp.GetStock()), nil
}

// Reserve reports a timeout or lost connection as an error even though the
// server may have applied it; the token lets the caller release it safely.
func (g *GRPCInventory) Reserve(ctx context.Context, sku string, qty int, token string) (int, error) {
	if err := validateReservation(sku, qty, token); err != nil {
		return 0, err
	}
	ctx, cancel := g.callContext(ctx)
	defer cancel()

	resp, err := g.client.Reserve(ctx, &inventorypb.ReserveRequest{Sku: sku, Quantity: int64(qty), Token: token})
	if err != nil {
		return 0, fromStatus(sku, err)
	}
	if !resp.GetSuccess() {
		return 0, &domain.InsufficientStockError{SKU: sku, Wanted: qty, Available: int(resp.GetStock())}
	}
	return int(resp.GetStock()), nil
}

func (g *GRPCInventory) Release(ctx context.Context, sku string, token string) (int, error) {
	if err := validateReservation(sku, 1, token); err != nil {
		return 0, err
	}
	ctx, cancel := g.callContext(ctx)
	defer cancel()

	resp, err := g.client.Release(ctx, &inventorypb.ReleaseRequest{Sku: sku, Token: token})
	if err != nil {
		return 0, fromStatus(sku, err)
	}
	return int(resp.GetStock()), nil
}

// Seed is an administrative operation of the inventory server itself.
func (g *GRPCInventory) Seed(ctx context.Context, sku string, stock int) error {
	return fmt.Errorf("seed %s over grpc: %w", sku, errors.ErrUnsupported)
}

func (g *GRPCInventory) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, g.timeout)
}

func fromStatus(sku string, err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("inventory rpc %s: %w", sku, err)
	}
	switch st.Code() {
	case codes.Aborted:
		return domain.ErrConcurrencyConflict
	case codes.InvalidArgument:
		return &domain.ValidationError{Field: "request", Reason: st.Message()}
	case codes.FailedPrecondition:
		return domain.ErrReservationReleased
	case codes.DeadlineExceeded:
		return fmt.Errorf("inventory rpc %s: %w: %s", sku, context.DeadlineExceeded, st.Message())
	default:
		return fmt.Errorf("inventory rpc %s: %w", sku, err)
	}
}
