// Package booking is the demo write API guarded by the idempotency layer:
// booking holds, invoice drafts and payments. State lives in memory; the
// point is to have handlers with visible side effects.
package booking

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/roach88/idem/internal/idgen"
)

// CustomerInfo identifies who a hold is for.
type CustomerInfo struct {
	Name  string `json:"name" validate:"required"`
	Phone string `json:"phone,omitempty"`
	Email string `json:"email,omitempty" validate:"omitempty,email"`
}

// HoldRequest is the body of POST /holds.
type HoldRequest struct {
	RoomID       string       `json:"room_id" validate:"required"`
	CustomerInfo CustomerInfo `json:"customer_info"`
	CheckIn      string       `json:"check_in,omitempty"`
	Nights       int          `json:"nights,omitempty" validate:"gte=0,lte=30"`
}

// Hold is a reserved room.
type Hold struct {
	ID           string       `json:"hold_id"`
	RoomID       string       `json:"room_id"`
	CustomerInfo CustomerInfo `json:"customer_info"`
	Status       string       `json:"status"`
}

// DraftLine is one invoice line.
type DraftLine struct {
	SKU       string `json:"sku" validate:"required"`
	Quantity  int    `json:"quantity" validate:"gte=1"`
	UnitPrice int64  `json:"unit_price" validate:"gte=0"`
}

// DraftRequest is the body of POST /invoices/drafts. The invoice travels in
// the body so drafts for different invoices never hash alike.
type DraftRequest struct {
	InvoiceID string      `json:"invoice_id" validate:"required"`
	Lines     []DraftLine `json:"lines" validate:"dive"`
	Memo      string      `json:"memo,omitempty"`
}

// Draft is a saved invoice draft.
type Draft struct {
	ID        string      `json:"draft_id"`
	InvoiceID string      `json:"invoice_id"`
	Lines     []DraftLine `json:"lines"`
	Total     int64       `json:"total"`
}

// PaymentRequest is the body of POST /payments. Amount is in minor units.
type PaymentRequest struct {
	InvoiceID string `json:"invoice_id" validate:"required"`
	Amount    int64  `json:"amount" validate:"gt=0"`
	Currency  string `json:"currency" validate:"required,len=3,uppercase"`
}

// Payment is a captured payment.
type Payment struct {
	ID        string `json:"payment_id"`
	InvoiceID string `json:"invoice_id"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
	Status    string `json:"status"`
}

// ErrNotFound is returned for unknown resource IDs.
var ErrNotFound = errors.New("not found")

// Service holds the demo state.
//
// Thread-safety: Service is safe for concurrent use.
type Service struct {
	ids      idgen.Generator
	validate *validator.Validate

	mu       sync.Mutex
	holds    map[string]Hold
	drafts   map[string]Draft
	payments map[string]Payment
}

// NewService creates a Service that names new resources with ids.
func NewService(ids idgen.Generator) *Service {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})

	return &Service{
		ids:      ids,
		validate: v,
		holds:    make(map[string]Hold),
		drafts:   make(map[string]Draft),
		payments: make(map[string]Payment),
	}
}

// CreateHold reserves a room.
func (s *Service) CreateHold(req HoldRequest) (Hold, error) {
	if err := s.check(req); err != nil {
		return Hold{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	h := Hold{
		ID:           s.ids.Generate(),
		RoomID:       req.RoomID,
		CustomerInfo: req.CustomerInfo,
		Status:       "held",
	}
	s.holds[h.ID] = h
	return h, nil
}

// GetHold returns a hold by ID.
func (s *Service) GetHold(id string) (Hold, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.holds[id]
	if !ok {
		return Hold{}, fmt.Errorf("hold %s: %w", id, ErrNotFound)
	}
	return h, nil
}

// CreateDraft saves an invoice draft and totals its lines.
func (s *Service) CreateDraft(req DraftRequest) (Draft, error) {
	if err := s.check(req); err != nil {
		return Draft{}, err
	}

	var total int64
	for _, l := range req.Lines {
		total += int64(l.Quantity) * l.UnitPrice
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	d := Draft{
		ID:        s.ids.Generate(),
		InvoiceID: req.InvoiceID,
		Lines:     append([]DraftLine{}, req.Lines...),
		Total:     total,
	}
	s.drafts[d.ID] = d
	return d, nil
}

// CreatePayment captures a payment.
func (s *Service) CreatePayment(req PaymentRequest) (Payment, error) {
	if err := s.check(req); err != nil {
		return Payment{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p := Payment{
		ID:        s.ids.Generate(),
		InvoiceID: req.InvoiceID,
		Amount:    req.Amount,
		Currency:  req.Currency,
		Status:    "captured",
	}
	s.payments[p.ID] = p
	return p, nil
}

// Counts reports how many of each resource exist.
func (s *Service) Counts() (holds, drafts, payments int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.holds), len(s.drafts), len(s.payments)
}

// InvalidError lists the fields of a request that failed validation.
type InvalidError struct {
	Fields []string
}

func (e *InvalidError) Error() string {
	return "invalid request: " + strings.Join(e.Fields, ", ")
}

func (s *Service) check(req any) error {
	err := s.validate.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	out := &InvalidError{}
	for _, fe := range verrs {
		out.Fields = append(out.Fields, fieldName(fe)+": "+fe.Tag())
	}
	return out
}

// fieldName drops the struct type prefix from the namespace, leaving the
// JSON path ("customer_info.name").
func fieldName(fe validator.FieldError) string {
	_, rest, ok := strings.Cut(fe.Namespace(), ".")
	if !ok {
		return fe.Field()
	}
	return rest
}
