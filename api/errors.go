package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/warp/cash-register/register"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}

// statusFor maps register errors to HTTP status codes. Anything it does not
// recognise is a server failure.
func statusFor(err error) int {
	switch {
	case errors.Is(err, register.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, register.ErrForbidden), errors.Is(err, register.ErrClosingDeleteDisabled):
		return http.StatusForbidden
	case register.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, register.ErrCloseInProgress), errors.Is(err, register.ErrDuplicateUser),
		errors.Is(err, register.ErrUserInUse):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes err with its mapped status. Server failures are logged
// and answered with fallback, never with the underlying error text.
func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error(fallback,
			slog.String("path", r.URL.Path),
			slog.String("request_id", middleware.GetReqID(r.Context())),
			slog.Any("error", err),
		)
		writeError(w, status, fallback)
		return
	}
	writeError(w, status, clientMessage(err))
}

func clientMessage(err error) string {
	var verr *register.ValidationError
	switch {
	case errors.As(err, &verr):
		return verr.Error()
	case errors.Is(err, register.ErrClosingDeleteDisabled):
		return "A eliminação de fechos está desativada"
	case errors.Is(err, register.ErrForbidden):
		return "Acesso negado"
	case errors.Is(err, register.ErrOwnerNotFound):
		return "Utilizador não encontrado"
	case errors.Is(err, register.ErrTransactionNotFound):
		return "Registo não encontrado"
	case errors.Is(err, register.ErrClosingNotFound):
		return "Fecho não encontrado"
	case errors.Is(err, register.ErrCloseInProgress):
		return "Já existe um fecho em curso"
	case errors.Is(err, register.ErrDuplicateUser):
		return "O utilizador já existe"
	case errors.Is(err, register.ErrUserInUse):
		return "O utilizador tem registos ou fechos"
	}
	return err.Error()
}

// validationMessage renders the first failed validator rule.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return "invalid " + fe.Field() + ": failed " + fe.Tag()
	}
	return "invalid request"
}
