/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures of the register API. Field names are the
  Portuguese names the front office already speaks (dinheiro, multibanco,
  transferencia, numDoc, ...), so the domain types can keep English names.

NAMING CONVENTION:
  - *DTO:      response types returned to clients
  - *Request:  request body types from clients
  - *Response: small response wrappers

MONEY:
  Requests accept valor as a JSON number or string and decode it straight
  into decimal.Decimal. Responses render money as numbers rounded to two
  decimals.

VALIDATION:
  Request structs carry go-playground/validator tags for shape checks.
  Business rules (amount bounds, card-only terminal reference) stay in
  the register package.
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/cash-register/register"
)

// =============================================================================
// BALANCES & CLOSINGS
// =============================================================================

// BalanceDTO is the current register state of the caller.
type BalanceDTO struct {
	Closed   bool    `json:"fechado"`
	Cash     float64 `json:"dinheiro"`
	Card     float64 `json:"multibanco"`
	Transfer float64 `json:"transferencia"`
	Total    float64 `json:"total"`
}

// ClosingDTO is one stored closing.
type ClosingDTO struct {
	ID           string    `json:"id"`
	Owner        string    `json:"utilizador"`
	BusinessDate string    `json:"data"`
	CreatedAt    time.Time `json:"criado"`
	Cash         float64   `json:"dinheiro"`
	Card         float64   `json:"multibanco"`
	Transfer     float64   `json:"transferencia"`
	Total        float64   `json:"total"`
}

// CloseResponse confirms a closing.
type CloseResponse struct {
	Message string     `json:"mensagem"`
	Closing ClosingDTO `json:"fecho"`
}

// =============================================================================
// SALES
// =============================================================================

// TransactionDTO is one sale row.
type TransactionDTO struct {
	ID          string    `json:"id"`
	Owner       string    `json:"utilizador"`
	Label       string    `json:"operacao"`
	OccurredOn  string    `json:"data"`
	Method      string    `json:"pagamento"`
	TerminalRef string    `json:"op_tpa,omitempty"`
	Amount      float64   `json:"valor"`
	DocNumber   int64     `json:"numDoc"`
	RecordedAt  time.Time `json:"registado"`
}

// SaleRequest is the body of POST /api/registar and PUT /api/registos/{id}.
// Pagamento accepts the method key (cash, card, transfer) or the legacy
// display text, including "Multibanco (OP TPA: 123)".
type SaleRequest struct {
	Label       string          `json:"operacao" validate:"max=200"`
	Date        string          `json:"data" validate:"required,datetime=2006-01-02"`
	Method      string          `json:"pagamento" validate:"required,max=100"`
	Amount      decimal.Decimal `json:"valor"`
	TerminalRef string          `json:"op_tpa" validate:"max=64"`
}

// RegisterSaleResponse confirms a recorded sale.
type RegisterSaleResponse struct {
	Success   bool   `json:"success"`
	ID        string `json:"id"`
	DocNumber int64  `json:"numDoc"`
}

// NextDocNumberResponse carries the number the next sale will receive.
type NextDocNumberResponse struct {
	Next int64 `json:"nextNumDoc"`
}

// SaveDocNumberRequest sets the last used document number.
type SaveDocNumberRequest struct {
	Last *int64 `json:"ultimo_numdoc" validate:"required,gte=0"`
}

// =============================================================================
// USERS
// =============================================================================

// UserDTO is the caller or a listed user.
type UserDTO struct {
	Username  string     `json:"username"`
	Role      string     `json:"role"`
	CreatedAt *time.Time `json:"criado,omitempty"`
}

// CreateUserRequest is the body of POST /api/utilizadores.
type CreateUserRequest struct {
	Username string `json:"username" validate:"required,max=64"`
	Role     string `json:"role" validate:"required,oneof=standard admin"`
}

// =============================================================================
// GENERIC RESPONSES
// =============================================================================

// SuccessResponse is returned by mutations without a payload.
type SuccessResponse struct {
	Success bool `json:"success"`
}

// ErrorResponse is the body of every error.
type ErrorResponse struct {
	Error string `json:"erro"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func money(d decimal.Decimal) float64 {
	return d.Round(2).InexactFloat64()
}

func toBalanceDTO(state register.RegisterState) BalanceDTO {
	t := state.Totals()
	return BalanceDTO{
		Closed:   state.Closed(),
		Cash:     money(t.Cash),
		Card:     money(t.Card),
		Transfer: money(t.Transfer),
		Total:    money(t.Total()),
	}
}

func toClosingDTO(c register.ClosingSnapshot) ClosingDTO {
	return ClosingDTO{
		ID:           c.ID,
		Owner:        string(c.Owner),
		BusinessDate: c.BusinessDate.Format(register.DateLayout),
		CreatedAt:    c.CreatedAt,
		Cash:         money(c.Totals.Cash),
		Card:         money(c.Totals.Card),
		Transfer:     money(c.Totals.Transfer),
		Total:        money(c.GrandTotal),
	}
}

func toClosingDTOs(cs []register.ClosingSnapshot) []ClosingDTO {
	dtos := make([]ClosingDTO, len(cs))
	for i, c := range cs {
		dtos[i] = toClosingDTO(c)
	}
	return dtos
}

func toTransactionDTO(tx register.Transaction) TransactionDTO {
	return TransactionDTO{
		ID:          tx.ID,
		Owner:       string(tx.Owner),
		Label:       tx.Label,
		OccurredOn:  tx.OccurredOn.Format(register.DateLayout),
		Method:      tx.Method.Label(),
		TerminalRef: tx.TerminalRef,
		Amount:      money(tx.Amount),
		DocNumber:   tx.DocNumber,
		RecordedAt:  tx.RecordedAt,
	}
}

func toTransactionDTOs(txs []register.Transaction) []TransactionDTO {
	dtos := make([]TransactionDTO, len(txs))
	for i, tx := range txs {
		dtos[i] = toTransactionDTO(tx)
	}
	return dtos
}

func toUserDTO(u register.User, withCreated bool) UserDTO {
	dto := UserDTO{Username: string(u.Username), Role: string(u.Role)}
	if withCreated {
		created := u.CreatedAt
		dto.CreatedAt = &created
	}
	return dto
}

// saleInput turns a validated request into service input. The terminal
// reference embedded in legacy card text is used when op_tpa is empty.
func (req SaleRequest) saleInput() (register.SaleInput, error) {
	date, err := register.ParseDate(req.Date)
	if err != nil {
		return register.SaleInput{}, err
	}
	method, embeddedRef, err := register.ParsePaymentMethod(req.Method)
	if err != nil {
		return register.SaleInput{}, err
	}
	ref := req.TerminalRef
	if ref == "" {
		ref = embeddedRef
	}
	return register.SaleInput{
		Label:       req.Label,
		OccurredOn:  date,
		Method:      method,
		TerminalRef: ref,
		Amount:      req.Amount,
	}, nil
}
