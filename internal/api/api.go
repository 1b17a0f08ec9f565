package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"pos-core/internal/core"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Handler exposes the POS core over JSON. Authentication happens upstream;
// this layer trusts the identity headers set by the gateway.
type Handler struct {
	pool         *pgxpool.Pool
	ledger       *core.StockLedger
	reservations *core.ReservationEngine
	transfers    *core.TransferEngine
	orders       core.OrderService
	drafts       core.DraftService
	log          *zap.Logger
}

func NewHandler(pool *pgxpool.Pool, ledger *core.StockLedger, reservations *core.ReservationEngine,
	transfers *core.TransferEngine, orders core.OrderService, drafts core.DraftService, log *zap.Logger) http.Handler {

	if log == nil {
		log = zap.NewNop()
	}
	h := &Handler{
		pool:         pool,
		ledger:       ledger,
		reservations: reservations,
		transfers:    transfers,
		orders:       orders,
		drafts:       drafts,
		log:          log,
	}

	r := chi.NewRouter()
	r.Use(h.requestLogger)
	r.Use(actorFromHeaders)

	r.Get("/api/health", h.health)

	r.Route("/api/stock", func(r chi.Router) {
		r.Post("/adjust", h.adjustStock)
		r.Get("/balance", h.stockBalance)
		r.Get("/movements", h.stockMovements)
	})

	r.Route("/api/reservations", func(r chi.Router) {
		r.Post("/release", h.releaseReservations)
		r.Post("/release-all", h.releaseAllReservations)
	})

	r.Route("/api/transfers", func(r chi.Router) {
		r.Post("/", h.createTransfer)
		r.Get("/", h.transferHistory)
	})

	r.Route("/api/orders", func(r chi.Router) {
		r.Post("/", h.createOrder)
		r.Get("/", h.listOrders)
		r.Get("/{id}", h.getOrder)
		r.Get("/{id}/events", h.orderEvents)
		r.Post("/{id}/status", h.updateOrderStatus)
		r.Post("/{id}/payments", h.addPayment)
		r.Post("/{id}/refund", h.refundOrder)
		r.Post("/{id}/refund-items", h.refundOrderItems)
	})

	r.Route("/api/drafts", func(r chi.Router) {
		r.Post("/", h.createDraft)
		r.Get("/", h.listDrafts)
		r.Get("/{id}", h.getDraft)
		r.Put("/{id}", h.updateDraft)
		r.Delete("/{id}", h.deleteDraft)
	})

	return r
}

// ── Middleware ────────────────────────────────────────────────────────────────

func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		h.log.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("duration", time.Since(start)))
	})
}

// actorFromHeaders resolves the caller identity forwarded by the gateway.
func actorFromHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor := core.Actor{Name: r.Header.Get("X-Staff-Name")}
		if id, err := strconv.Atoi(r.Header.Get("X-Staff-Id")); err == nil {
			actor.ID = id
		}
		if perms := r.Header.Get("X-Staff-Permissions"); perms != "" {
			actor.Permissions = strings.Split(perms, ",")
		}
		actor.BypassRestrictions = r.Header.Get("X-Staff-Bypass") == "true"
		next.ServeHTTP(w, r.WithContext(core.WithActor(r.Context(), actor)))
	})
}

func actor(r *http.Request) core.Actor {
	a, _ := core.ActorFromContext(r.Context())
	return a
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if err := h.pool.Ping(r.Context()); err != nil {
		writeError(w, "database unreachable", "UNAVAILABLE", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

// ── Stock ─────────────────────────────────────────────────────────────────────

func (h *Handler) adjustStock(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProductID      int             `json:"productId"`
		BranchID       int             `json:"branchId"`
		SectionID      *int            `json:"sectionId"`
		Delta          decimal.Decimal `json:"delta"`
		Reason         string          `json:"reason"`
		ReservationKey string          `json:"reservationKey"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, err)
		return
	}
	a := actor(r)
	if !a.Can(core.PermManageStock) && req.ReservationKey == "" {
		writeError(w, "stock management permission required", "FORBIDDEN", http.StatusForbidden)
		return
	}
	id, err := h.ledger.AdjustStock(r.Context(), req.ProductID, req.BranchID, req.SectionID,
		req.Delta, a, req.Reason, req.ReservationKey)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, map[string]int{"movementId": id})
}

func (h *Handler) stockBalance(w http.ResponseWriter, r *http.Request) {
	productID, _ := strconv.Atoi(r.URL.Query().Get("productId"))
	if sectionID, err := strconv.Atoi(r.URL.Query().Get("sectionId")); err == nil {
		qty, err := h.ledger.SectionBalance(r.Context(), productID, sectionID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, map[string]any{"quantity": qty})
		return
	}
	branchID, _ := strconv.Atoi(r.URL.Query().Get("branchId"))
	qty, err := h.ledger.BranchBalance(r.Context(), productID, branchID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, map[string]any{"quantity": qty})
}

func (h *Handler) stockMovements(w http.ResponseWriter, r *http.Request) {
	branchID, _ := strconv.Atoi(r.URL.Query().Get("branchId"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	movements, err := h.ledger.Movements(r.Context(), branchID, limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, movements)
}

// ── Reservations ──────────────────────────────────────────────────────────────

func (h *Handler) releaseReservations(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SectionID      int    `json:"sectionId"`
		ReservationKey string `json:"reservationKey"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, err)
		return
	}
	restored, err := h.reservations.ReleaseReservations(r.Context(), req.SectionID, req.ReservationKey, actor(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, map[string]any{"restored": restored})
}

func (h *Handler) releaseAllReservations(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BranchID int `json:"branchId"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, err)
		return
	}
	restored, err := h.reservations.ReleaseReservationsAll(r.Context(), req.BranchID, actor(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, map[string]any{"restored": restored})
}

// ── Transfers ─────────────────────────────────────────────────────────────────

func (h *Handler) createTransfer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FromSectionID int                 `json:"fromSectionId"`
		ToSectionID   int                 `json:"toSectionId"`
		Items         []core.TransferItem `json:"items"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, err)
		return
	}
	if err := h.transfers.Transfer(r.Context(), req.FromSectionID, req.ToSectionID, req.Items, actor(r)); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "transferred"})
}

func (h *Handler) transferHistory(w http.ResponseWriter, r *http.Request) {
	branchID, _ := strconv.Atoi(r.URL.Query().Get("branchId"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	records, err := h.transfers.TransferHistory(r.Context(), branchID, limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, records)
}

// ── Orders ────────────────────────────────────────────────────────────────────

func (h *Handler) createOrder(w http.ResponseWriter, r *http.Request) {
	var in core.CreateOrderInput
	if err := decodeJSON(r, &in); err != nil {
		writeServiceError(w, err)
		return
	}
	in.Actor = actor(r)
	order, err := h.orders.CreateOrder(r.Context(), in)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, order)
}

func (h *Handler) listOrders(w http.ResponseWriter, r *http.Request) {
	branchID, _ := strconv.Atoi(r.URL.Query().Get("branchId"))
	var status *core.OrderStatus
	if s := r.URL.Query().Get("status"); s != "" {
		st := core.OrderStatus(s)
		status = &st
	}
	orders, err := h.orders.GetOrders(r.Context(), branchID, status)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, orders)
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.Atoi(chi.URLParam(r, "id"))
	order, err := h.orders.GetOrder(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, order)
}

func (h *Handler) orderEvents(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.Atoi(chi.URLParam(r, "id"))
	events, err := h.orders.Events(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, events)
}

func (h *Handler) updateOrderStatus(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.Atoi(chi.URLParam(r, "id"))
	var req struct {
		Status core.OrderStatus `json:"status"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, err)
		return
	}
	order, err := h.orders.UpdateStatus(r.Context(), id, req.Status, actor(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, order)
}

func (h *Handler) addPayment(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.Atoi(chi.URLParam(r, "id"))
	var in core.PaymentInput
	if err := decodeJSON(r, &in); err != nil {
		writeServiceError(w, err)
		return
	}
	order, err := h.orders.AddPayment(r.Context(), id, in, actor(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, order)
}

func (h *Handler) refundOrder(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.Atoi(chi.URLParam(r, "id"))
	var req struct {
		IdempotencyKey string `json:"idempotencyKey"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, err)
		return
	}
	order, err := h.orders.Refund(r.Context(), id, req.IdempotencyKey, actor(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, order)
}

func (h *Handler) refundOrderItems(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.Atoi(chi.URLParam(r, "id"))
	var req struct {
		Items []core.RefundItemInput `json:"items"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, err)
		return
	}
	order, err := h.orders.RefundItems(r.Context(), id, req.Items, actor(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, order)
}

// ── Drafts ────────────────────────────────────────────────────────────────────

func (h *Handler) createDraft(w http.ResponseWriter, r *http.Request) {
	var in core.CreateDraftInput
	if err := decodeJSON(r, &in); err != nil {
		writeServiceError(w, err)
		return
	}
	in.Actor = actor(r)
	draft, err := h.drafts.CreateDraft(r.Context(), in)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, draft)
}

func (h *Handler) listDrafts(w http.ResponseWriter, r *http.Request) {
	branchID, _ := strconv.Atoi(r.URL.Query().Get("branchId"))
	var sectionID *int
	if id, err := strconv.Atoi(r.URL.Query().Get("sectionId")); err == nil {
		sectionID = &id
	}
	drafts, err := h.drafts.Drafts(r.Context(), branchID, sectionID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, drafts)
}

func (h *Handler) getDraft(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.Atoi(chi.URLParam(r, "id"))
	draft, err := h.drafts.GetDraft(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, draft)
}

func (h *Handler) updateDraft(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.Atoi(chi.URLParam(r, "id"))
	var in core.UpdateDraftInput
	if err := decodeJSON(r, &in); err != nil {
		writeServiceError(w, err)
		return
	}
	draft, err := h.drafts.UpdateDraft(r.Context(), id, in, actor(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, draft)
}

func (h *Handler) deleteDraft(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.Atoi(chi.URLParam(r, "id"))
	var req struct {
		SupervisorPIN string `json:"supervisorPin"`
	}
	// Body is optional for active drafts.
	_ = decodeJSON(r, &req)
	if err := h.drafts.DeleteDraft(r.Context(), id, req.SupervisorPIN, actor(r)); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "deleted"})
}
