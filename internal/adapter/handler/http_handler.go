package handler

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"github.com/rl1809/basket-checkout/internal/core/domain"
	"github.com/rl1809/basket-checkout/internal/core/service"
	"github.com/rl1809/basket-checkout/internal/logger"
)

const orderNotRecordedMsg = "your order could not be recorded; you have not been charged and the items were released, please try again"

type HTTPHandler struct {
	sessions *service.SessionManager
}

type AddItemRequest struct {
	Name  string          `json:"name" binding:"required"`
	Price decimal.Decimal `json:"price"`
	Qty   int             `json:"qty" binding:"omitempty,min=1"`
}

type SetQtyRequest struct {
	Qty *int `json:"qty" binding:"required,min=0"`
}

type WishlistRequest struct {
	Name string `json:"name" binding:"required"`
}

type MoveToCartRequest struct {
	Name  string          `json:"name" binding:"required"`
	Price decimal.Decimal `json:"price"`
}

type CheckoutRequest struct {
	Name     string `json:"name" binding:"required"`
	Address  string `json:"address" binding:"required"`
	Postcode string `json:"postcode" binding:"required"`
}

// CartView is the cart as the page renders it.
type CartView struct {
	domain.CartSummary
	Availability map[string]domain.Availability `json:"availability"`
}

func NewHTTPHandler(sessions *service.SessionManager) *HTTPHandler {
	return &HTTPHandler{sessions: sessions}
}

// NewRouter wires every route. gatherer backs /metrics; nil uses the default
// registry.
func NewRouter(h *HTTPHandler, gatherer prometheus.Gatherer) *gin.Engine {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	r := gin.New()
	r.Use(gin.Recovery(), RequestIDMiddleware(), LoggerMiddleware(logger.Z()))

	r.GET("/health", h.HealthCheck)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	api := r.Group("/api")
	api.GET("/orders/:id", h.GetOrder)

	sess := api.Group("", SessionMiddleware(h.sessions))
	sess.GET("/cart", h.GetCart)
	sess.POST("/cart/items", h.AddItem)
	sess.PUT("/cart/items/:sku", h.SetQty)
	sess.DELETE("/cart/items/:sku", h.RemoveItem)
	sess.DELETE("/cart", h.ClearCart)
	sess.GET("/cart/availability", h.Availability)

	sess.GET("/wishlist", h.GetWishlist)
	sess.POST("/wishlist/toggle", h.ToggleWishlist)
	sess.DELETE("/wishlist/:name", h.RemoveFromWishlist)
	sess.POST("/wishlist/move", h.MoveToCart)

	sess.POST("/checkout", h.Checkout)
	return r
}

func (h *HTTPHandler) HealthCheck(c *gin.Context) {
	success(c, gin.H{"status": "ok", "sessions": h.sessions.Len()})
}

func (h *HTTPHandler) GetCart(c *gin.Context) {
	success(c, cartView(sessionFrom(c).Cart.Snapshot()))
}

func (h *HTTPHandler) AddItem(c *gin.Context) {
	var req AddItemRequest
	if !bind(c, &req) {
		return
	}
	if req.Qty == 0 {
		req.Qty = 1
	}
	state, err := sessionFrom(c).Cart.AddItem(c.Request.Context(), req.Name, req.Price, req.Qty)
	if err != nil {
		respondError(c, err)
		return
	}
	success(c, cartView(state))
}

func (h *HTTPHandler) SetQty(c *gin.Context) {
	var req SetQtyRequest
	if !bind(c, &req) {
		return
	}
	state, err := sessionFrom(c).Cart.SetQty(c.Request.Context(), c.Param("sku"), *req.Qty)
	if err != nil {
		respondError(c, err)
		return
	}
	success(c, cartView(state))
}

func (h *HTTPHandler) RemoveItem(c *gin.Context) {
	state, err := sessionFrom(c).Cart.RemoveItem(c.Request.Context(), c.Param("sku"))
	if err != nil {
		respondError(c, err)
		return
	}
	success(c, cartView(state))
}

func (h *HTTPHandler) ClearCart(c *gin.Context) {
	state, err := sessionFrom(c).Cart.Clear(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	success(c, cartView(state))
}

// Availability refetches stock for the cart and any ?sku= values.
func (h *HTTPHandler) Availability(c *gin.Context) {
	var extra []string
	for _, sku := range c.QueryArray("sku") {
		if sku = strings.TrimSpace(sku); sku != "" {
			extra = append(extra, sku)
		}
	}
	got, err := sessionFrom(c).Cart.RefreshAvailability(c.Request.Context(), extra...)
	if err != nil {
		respondError(c, err)
		return
	}
	success(c, got)
}

func (h *HTTPHandler) GetWishlist(c *gin.Context) {
	success(c, gin.H{"names": sessionFrom(c).Wishlist.List()})
}

func (h *HTTPHandler) ToggleWishlist(c *gin.Context) {
	var req WishlistRequest
	if !bind(c, &req) {
		return
	}
	w := sessionFrom(c).Wishlist
	added, err := w.Toggle(c.Request.Context(), req.Name)
	if err != nil {
		respondError(c, err)
		return
	}
	success(c, gin.H{"added": added, "names": w.List()})
}

func (h *HTTPHandler) RemoveFromWishlist(c *gin.Context) {
	w := sessionFrom(c).Wishlist
	if err := w.Remove(c.Request.Context(), c.Param("name")); err != nil {
		respondError(c, err)
		return
	}
	success(c, gin.H{"names": w.List()})
}

func (h *HTTPHandler) MoveToCart(c *gin.Context) {
	var req MoveToCartRequest
	if !bind(c, &req) {
		return
	}
	s := sessionFrom(c)
	state, err := s.Wishlist.MoveToCart(c.Request.Context(), req.Name, req.Price)
	if err != nil {
		respondError(c, err)
		return
	}
	success(c, gin.H{"cart": cartView(state), "wishlist": s.Wishlist.List()})
}

func (h *HTTPHandler) Checkout(c *gin.Context) {
	var req CheckoutRequest
	if !bind(c, &req) {
		return
	}
	result, err := sessionFrom(c).Checkout.Submit(c.Request.Context(), domain.DeliveryDetails{
		Name:         req.Name,
		AddressLine1: req.Address,
		Postcode:     req.Postcode,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	success(c, result)
}

func (h *HTTPHandler) GetOrder(c *gin.Context) {
	order, err := h.sessions.Order(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	success(c, order)
}

func cartView(state domain.CartState) CartView {
	view := CartView{
		CartSummary:  state.Summary(),
		Availability: make(map[string]domain.Availability, len(state.KnownStock)),
	}
	for sku := range state.KnownStock {
		view.Availability[sku] = state.Availability(sku)
	}
	return view
}

func bind(c *gin.Context, req interface{}) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s: %s", strings.ToLower(fe.Field()), fe.Tag()))
			}
			fail(c, http.StatusBadRequest, "invalid request: "+strings.Join(fields, ", "), nil)
			return false
		}
		fail(c, http.StatusBadRequest, "invalid request body", nil)
		return false
	}
	return true
}

// respondError maps domain errors to HTTP statuses. Anything unrecognised is
// logged and reported as an internal error.
func respondError(c *gin.Context, err error) {
	var (
		notRecorded  *domain.OrderNotRecordedError
		insufficient *domain.InsufficientStockError
	)
	switch {
	case errors.As(err, &notRecorded):
		_ = c.Error(err)
		fail(c, http.StatusInternalServerError, orderNotRecordedMsg, gin.H{"order_id": notRecorded.OrderID})
	case errors.Is(err, domain.ErrValidation):
		fail(c, http.StatusBadRequest, err.Error(), nil)
	case errors.As(err, &insufficient):
		fail(c, http.StatusConflict, err.Error(), gin.H{"sku": insufficient.SKU, "available": insufficient.Available})
	case errors.Is(err, domain.ErrOutOfStock), errors.Is(err, domain.ErrQuantityAtMax):
		fail(c, http.StatusConflict, err.Error(), nil)
	case errors.Is(err, domain.ErrCheckoutInProgress):
		fail(c, http.StatusTooManyRequests, err.Error(), nil)
	case errors.Is(err, domain.ErrNotInCart), errors.Is(err, domain.ErrNotInWishlist), errors.Is(err, domain.ErrOrderNotFound):
		fail(c, http.StatusNotFound, err.Error(), nil)
	default:
		_ = c.Error(err)
		logger.Errorw("handler_error", "request_id", requestID(c), "path", c.FullPath(), "error", err)
		fail(c, http.StatusInternalServerError, "internal error", nil)
	}
}
