package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/marcus/pricetrack/internal/models"
	"github.com/marcus/pricetrack/internal/serverdb"
)

// maxListLimit caps GET /v1/prices
const maxListLimit = 500

// PriceBody is a price on the wire
type PriceBody struct {
	ID string `json:"id"`
	models.PricePayload
	UserID        string `json:"user_id,omitempty"`
	Locale        string `json:"locale,omitempty"`
	Confirmations int    `json:"confirmations"`
	Disputes      int    `json:"disputes"`
	CreatedAt     string `json:"created_at"`
	UpdatedAt     string `json:"updated_at"`
}

// CreatePriceBody is the body of POST /v1/prices
type CreatePriceBody struct {
	models.PricePayload
	UserID string `json:"user_id,omitempty"`
	Locale string `json:"locale,omitempty"`
}

func toPriceBody(p *serverdb.Price) PriceBody {
	return PriceBody{
		ID:            p.ID,
		PricePayload:  p.Payload,
		UserID:        p.UserID,
		Locale:        p.Locale,
		Confirmations: p.Confirmations,
		Disputes:      p.Disputes,
		CreatedAt:     p.CreatedAt.Format(time.RFC3339),
		UpdatedAt:     p.UpdatedAt.Format(time.RFC3339),
	}
}

func (s *Server) handleListPrices(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxListLimit)
	}

	prices, err := s.store.ListPrices(r.URL.Query().Get("region"), limit)
	if err != nil {
		logFor(r.Context()).Error("list prices", "err", err)
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "failed to list prices")
		return
	}
	out := make([]PriceBody, 0, len(prices))
	for i := range prices {
		out = append(out, toPriceBody(&prices[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetPrice(w http.ResponseWriter, r *http.Request) {
	p, err := s.store.GetPrice(mux.Vars(r)["id"])
	if err != nil {
		s.writeStoreError(w, r, "get price", err)
		return
	}
	writeJSON(w, http.StatusOK, toPriceBody(p))
}

func (s *Server) handleCreatePrice(w http.ResponseWriter, r *http.Request) {
	var body CreatePriceBody
	if !decodeJSON(w, r, &body) {
		return
	}
	if err := body.PricePayload.Validate(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, ErrCodeValidation, err.Error())
		return
	}
	if !s.checkAttachment(w, r, body.AttachmentRef) {
		return
	}

	userID := getUserFromContext(r.Context()).UserID
	if userID == anonymousUser && body.UserID != "" {
		userID = body.UserID
	}
	p, err := s.store.CreatePrice(body.PricePayload, userID, body.Locale)
	if err != nil {
		s.writeStoreError(w, r, "create price", err)
		return
	}
	logFor(r.Context()).Info("price created", "id", p.ID, "region", p.Payload.Region)
	writeJSON(w, http.StatusCreated, toPriceBody(p))
}

func (s *Server) handleUpdatePrice(w http.ResponseWriter, r *http.Request) {
	var u models.PriceUpdate
	if !decodeJSON(w, r, &u) {
		return
	}
	if err := u.Validate(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, ErrCodeValidation, err.Error())
		return
	}
	if u.AttachmentRef != nil && !s.checkAttachment(w, r, *u.AttachmentRef) {
		return
	}

	id := mux.Vars(r)["id"]
	p, err := s.store.UpdatePrice(id, u)
	if err != nil {
		s.writeStoreError(w, r, "update price", err)
		return
	}
	logFor(r.Context()).Info("price updated", "id", id)
	writeJSON(w, http.StatusOK, toPriceBody(p))
}

func (s *Server) handleDeletePrice(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.store.DeletePrice(id); err != nil {
		s.writeStoreError(w, r, "delete price", err)
		return
	}
	logFor(r.Context()).Info("price deleted", "id", id, "reason", r.URL.Query().Get("reason"))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleVerifyPrice(w http.ResponseWriter, r *http.Request) {
	var v models.VerifyPayload
	if !decodeJSON(w, r, &v) {
		return
	}
	if err := v.Validate(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, ErrCodeValidation, err.Error())
		return
	}

	id := mux.Vars(r)["id"]
	p, err := s.store.VerifyPrice(id, getUserFromContext(r.Context()).UserID, v)
	if err != nil {
		s.writeStoreError(w, r, "verify price", err)
		return
	}
	logFor(r.Context()).Info("price verified", "id", id, "verdict", v.Verdict)
	writeJSON(w, http.StatusOK, toPriceBody(p))
}

// checkAttachment rejects references to uploads the server never received.
// A temp ref reaching the server means reconciliation was skipped.
func (s *Server) checkAttachment(w http.ResponseWriter, r *http.Request, ref string) bool {
	if ref == "" {
		return true
	}
	if models.IsTempID(ref) {
		writeError(w, http.StatusUnprocessableEntity, ErrCodeUnknownAttachment, "attachment_ref is an unresolved local id: "+ref)
		return false
	}
	if _, err := s.store.GetUpload(ref); err != nil {
		if errors.Is(err, serverdb.ErrNotFound) {
			writeError(w, http.StatusUnprocessableEntity, ErrCodeUnknownAttachment, "unknown attachment: "+ref)
			return false
		}
		s.writeStoreError(w, r, "check attachment", err)
		return false
	}
	return true
}

func (s *Server) writeStoreError(w http.ResponseWriter, r *http.Request, op string, err error) {
	if errors.Is(err, serverdb.ErrNotFound) {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "not found")
		return
	}
	logFor(r.Context()).Error(op, "err", err)
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, op+" failed")
}
