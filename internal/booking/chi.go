package booking

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// RegisterChi mounts the demo routes on r.
func (s *Service) RegisterChi(r chi.Router) {
	r.Post("/holds", s.chiCreateHold)
	r.Get("/holds/{id}", s.chiGetHold)
	r.Post("/invoices/drafts", s.chiCreateDraft)
	r.Post("/payments", s.chiCreatePayment)
}

func (s *Service) chiCreateHold(w http.ResponseWriter, r *http.Request) {
	var req HoldRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorJSON(err))
		return
	}
	h, err := s.CreateHold(req)
	if err != nil {
		writeJSON(w, statusOf(err), errorJSON(err))
		return
	}
	writeJSON(w, http.StatusCreated, h)
}

func (s *Service) chiGetHold(w http.ResponseWriter, r *http.Request) {
	h, err := s.GetHold(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, statusOf(err), errorJSON(err))
		return
	}
	writeJSON(w, http.StatusOK, h)
}

func (s *Service) chiCreateDraft(w http.ResponseWriter, r *http.Request) {
	var req DraftRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorJSON(err))
		return
	}
	d, err := s.CreateDraft(req)
	if err != nil {
		writeJSON(w, statusOf(err), errorJSON(err))
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (s *Service) chiCreatePayment(w http.ResponseWriter, r *http.Request) {
	var req PaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorJSON(err))
		return
	}
	p, err := s.CreatePayment(req)
	if err != nil {
		writeJSON(w, statusOf(err), errorJSON(err))
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
