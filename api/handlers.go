/*
handlers.go - HTTP API handlers for the cash register

PURPOSE:
  Exposes the register service via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to the register package.

ENDPOINTS:
  Balances & closings:
    GET    /api/saldos-hoje         Current balances of the caller
    POST   /api/fechar-saldos       Close the caller's register
    GET    /api/fechos              List closings (admin)
    GET    /api/fechos/{id}         Get one closing (admin)
    DELETE /api/fechos/{id}         Delete a closing (admin, when enabled)

  Sales:
    POST   /api/registar            Record a sale
    GET    /api/registos            List sales
    GET    /api/registos/intervalo  List sales between two dates
    PUT    /api/registos/{id}       Edit a sale
    DELETE /api/registos/{id}       Delete a sale
    GET    /api/next-numdoc         Next document number
    POST   /api/save-numdoc         Set the last used document number

  Users:
    GET    /api/utilizador          The caller
    GET    /api/todos-utilizadores  List users (admin)
    POST   /api/utilizadores        Create a user (admin)
    DELETE /api/utilizadores/{u}    Delete a user without sales or closings (admin)

REQUEST FLOW:
  1. Resolve the caller identity placed in the context by the auth middleware
  2. Decode and validate input
  3. Call the register service
  4. Serialize response, or map the error in errors.go

CONSISTENCY:
  A failed balance read is answered with an error, never with zero
  balances. Concurrent balance reads of the same owner share one
  computation (singleflight), keyed by owner only. A read that arrives
  right after a sale or close of that owner may therefore join a
  computation started just before the write and see the state before it.
  The window is one store round trip; the next read sees the write.

SEE ALSO:
  - dto.go:    request/response data structures
  - errors.go: error to status mapping
  - server.go: router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/warp/cash-register/register"
	"golang.org/x/sync/singleflight"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

const maxBodyBytes = 1 << 20

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	svc      *register.Service
	logger   *slog.Logger
	metrics  *Metrics
	validate *validator.Validate
	printer  *message.Printer

	balances singleflight.Group
}

// NewHandler creates a handler around the register service. A nil logger
// falls back to slog.Default(); nil metrics disables instrumentation.
func NewHandler(svc *register.Service, logger *slog.Logger, metrics *Metrics) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	validate := validator.New()
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &Handler{
		svc:      svc,
		logger:   logger,
		metrics:  metrics,
		validate: validate,
		printer:  message.NewPrinter(language.EuropeanPortuguese),
	}
}

func caller(r *http.Request) register.Identity {
	id, _ := IdentityFromContext(r.Context())
	return id
}

// decode reads a JSON body into dst and runs the validator on it.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Pedido inválido")
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return false
	}
	return true
}

// dateParam parses an optional YYYY-MM-DD query parameter.
func dateParam(r *http.Request, name string) (*time.Time, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return nil, true
	}
	d, err := time.Parse(register.DateLayout, raw)
	if err != nil {
		return nil, false
	}
	return &d, true
}

// =============================================================================
// BALANCES & CLOSINGS
// =============================================================================

// GetBalances returns the caller's current register state.
func (h *Handler) GetBalances(w http.ResponseWriter, r *http.Request) {
	id := caller(r)
	ctx := r.Context()
	ch := h.balances.DoChan(string(id.Owner), func() (any, error) {
		return h.svc.CurrentBalances(context.WithoutCancel(ctx), id.Owner)
	})

	select {
	case <-ctx.Done():
		return
	case res := <-ch:
		if res.Err != nil {
			h.respondError(w, r, res.Err, "Erro ao obter saldos")
			return
		}
		writeJSON(w, http.StatusOK, toBalanceDTO(res.Val.(register.RegisterState)))
	}
}

// CloseRegister closes the caller's register. The request body is ignored.
func (h *Handler) CloseRegister(w http.ResponseWriter, r *http.Request) {
	id := caller(r)
	snapshot, err := h.svc.CloseRegister(r.Context(), id.Owner)
	if err != nil {
		if statusFor(err) == http.StatusConflict {
			h.metrics.closeResult("conflict")
		} else {
			h.metrics.closeResult("error")
		}
		h.respondError(w, r, err, "Erro ao fechar saldos")
		return
	}
	h.metrics.closeResult("ok")

	writeJSON(w, http.StatusOK, CloseResponse{
		Message: h.printer.Sprintf("Saldos fechados com sucesso. Total: %.2f €", snapshot.GrandTotal.InexactFloat64()),
		Closing: toClosingDTO(snapshot),
	})
}

// ListClosings lists closings, optionally by owner and business-date range.
func (h *Handler) ListClosings(w http.ResponseWriter, r *http.Request) {
	from, ok := dateParam(r, "inicio")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid inicio: expected YYYY-MM-DD")
		return
	}
	to, ok := dateParam(r, "fim")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid fim: expected YYYY-MM-DD")
		return
	}
	filter := register.ClosingFilter{From: from, To: to}
	if u := strings.TrimSpace(r.URL.Query().Get("utilizador")); u != "" {
		owner := register.OwnerID(u)
		filter.Owner = &owner
	}

	closings, err := h.svc.ListClosings(r.Context(), caller(r), filter)
	if err != nil {
		h.respondError(w, r, err, "Erro ao listar fechos")
		return
	}
	writeJSON(w, http.StatusOK, toClosingDTOs(closings))
}

// GetClosing returns one closing.
func (h *Handler) GetClosing(w http.ResponseWriter, r *http.Request) {
	c, err := h.svc.GetClosing(r.Context(), caller(r), chi.URLParam(r, "id"))
	if err != nil {
		h.respondError(w, r, err, "Erro ao obter fecho")
		return
	}
	writeJSON(w, http.StatusOK, toClosingDTO(c))
}

// DeleteClosing removes a closing when the deployment allows it.
func (h *Handler) DeleteClosing(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteClosing(r.Context(), caller(r), chi.URLParam(r, "id")); err != nil {
		h.respondError(w, r, err, "Erro ao eliminar fecho")
		return
	}
	writeJSON(w, http.StatusOK, SuccessResponse{Success: true})
}

// =============================================================================
// SALES
// =============================================================================

// RegisterSale records a sale for the caller.
func (h *Handler) RegisterSale(w http.ResponseWriter, r *http.Request) {
	var req SaleRequest
	if !h.decode(w, r, &req) {
		return
	}
	in, err := req.saleInput()
	if err != nil {
		h.respondError(w, r, err, "Erro ao registar")
		return
	}

	tx, err := h.svc.RegisterSale(r.Context(), caller(r), in)
	if err != nil {
		h.respondError(w, r, err, "Erro ao registar")
		return
	}
	h.metrics.saleRecorded()
	writeJSON(w, http.StatusOK, RegisterSaleResponse{Success: true, ID: tx.ID, DocNumber: tx.DocNumber})
}

// ListSales lists the caller's sales. Admins see every owner's rows, or one
// owner's with ?utilizador=.
func (h *Handler) ListSales(w http.ResponseWriter, r *http.Request) {
	id := caller(r)
	var filter register.TransactionFilter
	if u := strings.TrimSpace(r.URL.Query().Get("utilizador")); u != "" && id.IsAdmin() {
		owner := register.OwnerID(u)
		filter.Owner = &owner
	}

	txs, err := h.svc.ListSales(r.Context(), id, filter)
	if err != nil {
		h.respondError(w, r, err, "Erro ao obter registos")
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTOs(txs))
}

// ListSalesRange lists the caller's sales between inicio and fim inclusive.
func (h *Handler) ListSalesRange(w http.ResponseWriter, r *http.Request) {
	from, ok := dateParam(r, "inicio")
	if !ok || from == nil {
		writeError(w, http.StatusBadRequest, "invalid inicio: expected YYYY-MM-DD")
		return
	}
	to, ok := dateParam(r, "fim")
	if !ok || to == nil {
		writeError(w, http.StatusBadRequest, "invalid fim: expected YYYY-MM-DD")
		return
	}

	txs, err := h.svc.ListSales(r.Context(), caller(r), register.TransactionFilter{From: from, To: to})
	if err != nil {
		h.respondError(w, r, err, "Erro ao obter registos")
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTOs(txs))
}

// UpdateSale edits a sale owned by the caller (or any sale, for admins).
func (h *Handler) UpdateSale(w http.ResponseWriter, r *http.Request) {
	var req SaleRequest
	if !h.decode(w, r, &req) {
		return
	}
	in, err := req.saleInput()
	if err != nil {
		h.respondError(w, r, err, "Erro ao atualizar registo")
		return
	}

	if _, err := h.svc.UpdateSale(r.Context(), caller(r), chi.URLParam(r, "id"), in); err != nil {
		h.respondError(w, r, err, "Erro ao atualizar registo")
		return
	}
	writeJSON(w, http.StatusOK, SuccessResponse{Success: true})
}

// DeleteSale removes a sale owned by the caller (or any sale, for admins).
func (h *Handler) DeleteSale(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteSale(r.Context(), caller(r), chi.URLParam(r, "id")); err != nil {
		h.respondError(w, r, err, "Erro ao eliminar registo")
		return
	}
	writeJSON(w, http.StatusOK, SuccessResponse{Success: true})
}

func (h *Handler) NextDocNumber(w http.ResponseWriter, r *http.Request) {
	next, err := h.svc.NextDocNumber(r.Context(), caller(r))
	if err != nil {
		h.respondError(w, r, err, "Erro ao obter número de documento")
		return
	}
	writeJSON(w, http.StatusOK, NextDocNumberResponse{Next: next})
}

func (h *Handler) SaveDocNumber(w http.ResponseWriter, r *http.Request) {
	var req SaveDocNumberRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.svc.SetDocSequence(r.Context(), caller(r), *req.Last); err != nil {
		h.respondError(w, r, err, "Erro ao guardar número de documento")
		return
	}
	writeJSON(w, http.StatusOK, SuccessResponse{Success: true})
}

// =============================================================================
// USERS
// =============================================================================

// Me returns the caller's stored user record.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	u, err := h.svc.Me(r.Context(), caller(r))
	if err != nil {
		h.respondError(w, r, err, "Erro ao obter utilizador")
		return
	}
	writeJSON(w, http.StatusOK, toUserDTO(u, false))
}

func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.svc.ListUsers(r.Context(), caller(r))
	if err != nil {
		h.respondError(w, r, err, "Erro ao listar utilizadores")
		return
	}
	dtos := make([]UserDTO, len(users))
	for i, u := range users {
		dtos[i] = toUserDTO(u, true)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if !h.decode(w, r, &req) {
		return
	}
	u, err := h.svc.CreateUser(r.Context(), caller(r), register.OwnerID(req.Username), register.Role(req.Role))
	if err != nil {
		h.respondError(w, r, err, "Erro ao criar utilizador")
		return
	}
	writeJSON(w, http.StatusCreated, toUserDTO(u, false))
}

func (h *Handler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	username := register.OwnerID(chi.URLParam(r, "username"))
	if err := h.svc.DeleteUser(r.Context(), caller(r), username); err != nil {
		h.respondError(w, r, err, "Erro ao eliminar utilizador")
		return
	}
	writeJSON(w, http.StatusOK, SuccessResponse{Success: true})
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
