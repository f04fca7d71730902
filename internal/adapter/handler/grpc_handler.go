package handler

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/rl1809/basket-checkout/internal/adapter/handler/inventorypb"
	"github.com/rl1809/basket-checkout/internal/core/domain"
	"github.com/rl1809/basket-checkout/internal/logger"
	"github.com/rl1809/basket-checkout/internal/port"
)

// GRPCHandler exposes an inventory oracle to remote checkouts.
type GRPCHandler struct {
	inventorypb.UnimplementedInventoryServiceServer
	inventory port.InventoryRepository
}

func NewGRPCHandler(inventory port.InventoryRepository) *GRPCHandler {
	return &GRPCHandler{inventory: inventory}
}

func (h *GRPCHandler) GetStock(ctx context.Context, req *inventorypb.StockRequest) (*inventorypb.StockResponse, error) {
	if req.GetSku() == "" {
		return nil, status.Error(codes.InvalidArgument, "sku is required")
	}
	stock, err := h.inventory.GetStock(ctx, req.GetSku())
	if err != nil {
		return nil, toStatus(err)
	}
	return &inventorypb.StockResponse{Sku: req.GetSku(), Stock: int64(stock)}, nil
}

// Reserve reports insufficient stock in the response body, like a sold-out
// purchase, and conflicts as codes.Aborted so the caller may retry.
func (h *GRPCHandler) Reserve(ctx context.Context, req *inventorypb.ReserveRequest) (*inventorypb.ReserveResponse, error) {
	stock, err := h.inventory.Reserve(ctx, req.GetSku(), int(req.GetQuantity()), req.GetToken())
	if err != nil {
		var insufficient *domain.InsufficientStockError
		if errors.As(err, &insufficient) {
			return &inventorypb.ReserveResponse{
				Success: false,
				Stock:   int64(insufficient.Available),
				Message: "insufficient stock",
			}, nil
		}
		return nil, toStatus(err)
	}

	return &inventorypb.ReserveResponse{
		Success: true,
		Stock:   int64(stock),
		Message: "reserved",
	}, nil
}

func (h *GRPCHandler) Release(ctx context.Context, req *inventorypb.ReleaseRequest) (*inventorypb.ReleaseResponse, error) {
	stock, err := h.inventory.Release(ctx, req.GetSku(), req.GetToken())
	if err != nil {
		return nil, toStatus(err)
	}
	return &inventorypb.ReleaseResponse{Stock: int64(stock)}, nil
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, domain.ErrConcurrencyConflict):
		return status.Error(codes.Aborted, err.Error())
	case errors.Is(err, domain.ErrValidation):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, domain.ErrReservationReleased):
		return status.Error(codes.FailedPrecondition, err.Error())
	default:
		logger.Errorw("grpc_inventory_error", "error", err)
		return status.Error(codes.Internal, "internal error")
	}
}
