package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi"
	"github.com/shopspring/decimal"

	"github.com/streamcash/server/internal/gateway"
	"github.com/streamcash/server/internal/ledger"
	"github.com/streamcash/server/internal/storage"
	"github.com/streamcash/server/internal/tiers"
)

// providerMethods maps the webhook path segment to the payment method whose
// gateway parses that provider's notifications.
var providerMethods = map[string]storage.Method{
	"tbank":  storage.MethodTBank,
	"stripe": storage.MethodCard,
	"test":   storage.MethodTest,
}

type createDonationRequest struct {
	StreamerID  int64           `json:"streamer_id"`
	DonorName   *string         `json:"donor_name"`
	Amount      decimal.Decimal `json:"amount"`
	Message     string          `json:"message"`
	Method      string          `json:"payment_method"`
	IsAnonymous bool            `json:"is_anonymous"`
	IsPublic    *bool           `json:"is_public"`
}

type createDonationResponse struct {
	DonationID int64          `json:"donation_id"`
	PaymentID  string         `json:"payment_id"`
	PaymentURL string         `json:"payment_url"`
	Status     storage.Status `json:"status"`
}

func (s *Server) handleCreateDonation(w http.ResponseWriter, r *http.Request) {
	var req createDonationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	method := storage.Method(req.Method)
	gw, err := s.gateways.Get(method)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unsupported payment method: %s", req.Method))
		return
	}

	isPublic := true
	if req.IsPublic != nil {
		isPublic = *req.IsPublic
	}

	d, err := s.ledger.CreateDonation(r.Context(), storage.NewDonation{
		StreamerID:  req.StreamerID,
		DonorName:   req.DonorName,
		Amount:      req.Amount,
		Message:     req.Message,
		Method:      method,
		IsAnonymous: req.IsAnonymous,
		IsPublic:    isPublic,
	})
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			writeError(w, http.StatusNotFound, "streamer not found")
		case errors.Is(err, ledger.ErrInvalidAmount), errors.Is(err, ledger.ErrAmountOutOfRange):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			s.log.Error("create donation", "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.GatewayTimeout)
	defer cancel()

	payment, err := gw.CreatePayment(ctx, gateway.CreateRequest{
		DonationID:  d.ID,
		Amount:      d.Amount,
		Description: fmt.Sprintf("Донат #%d", d.ID),
	})
	if err != nil {
		s.log.Error("create payment", "donation_id", d.ID, "method", string(method), "error", err)
		if gateway.IsPermanent(err) {
			// The provider refused the payment outright; the donation can
			// never complete.
			if terr := s.ledger.Transition(r.Context(), d.ID, storage.StatusFailed); terr != nil {
				s.log.Error("fail donation after rejection", "donation_id", d.ID, "error", terr)
			}
			writeError(w, http.StatusBadRequest, "payment rejected by provider")
			return
		}
		writeError(w, http.StatusBadGateway, "payment provider unavailable")
		return
	}

	if err := s.ledger.AttachPayment(r.Context(), d.ID, payment.ExternalID, payment.RedirectURL); err != nil {
		s.log.Error("attach payment", "donation_id", d.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusCreated, createDonationResponse{
		DonationID: d.ID,
		PaymentID:  payment.ExternalID,
		PaymentURL: payment.RedirectURL,
		Status:     storage.StatusPending,
	})
}

func (s *Server) handleGetDonation(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid donation id")
		return
	}

	d, err := s.store.GetDonation(id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "donation not found")
			return
		}
		s.log.Error("get donation", "donation_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, publicDonation(d))
}

func (s *Server) handleListDonations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f storage.DonationFilter

	if v := q.Get("streamer_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid streamer_id")
			return
		}
		f.StreamerID = &id
	}
	if v := q.Get("status"); v != "" {
		st := storage.Status(v)
		switch st {
		case storage.StatusPending, storage.StatusCompleted, storage.StatusFailed, storage.StatusRefunded:
			f.Status = &st
		default:
			writeError(w, http.StatusBadRequest, "invalid status")
			return
		}
	}
	if v := q.Get("min_amount"); v != "" {
		amt, err := decimal.NewFromString(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid min_amount")
			return
		}
		f.MinAmount = &amt
	}
	if v := q.Get("max_amount"); v != "" {
		amt, err := decimal.NewFromString(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid max_amount")
			return
		}
		f.MaxAmount = &amt
	}
	if v := q.Get("limit"); v != "" {
		f.Limit, _ = strconv.Atoi(v)
	}
	if v := q.Get("offset"); v != "" {
		f.Offset, _ = strconv.Atoi(v)
	}
	f.OrderDesc = q.Get("order") != "asc"

	list, err := s.store.ListDonations(f)
	if err != nil {
		s.log.Error("list donations", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	out := make([]storage.Donation, 0, len(list))
	for i := range list {
		out = append(out, *publicDonation(&list[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDonationStats(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "streamerID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid streamer id")
		return
	}

	stats, err := s.store.GetDonationStats(id)
	if err != nil {
		s.log.Error("donation stats", "streamer_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

// handleWebhook is the generic provider notification endpoint. A notification
// that cannot be matched to a donation is acknowledged anyway: returning an
// error would only make the provider redeliver something we will never accept,
// and the poller re-derives any state a dropped webhook carried.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")

	method, ok := providerMethods[provider]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown provider")
		return
	}

	gw, err := s.gateways.Get(method)
	if err != nil {
		writeError(w, http.StatusNotFound, "provider not configured")
		return
	}

	parser, ok := gw.(gateway.WebhookParser)
	if !ok {
		writeError(w, http.StatusNotFound, "provider does not push notifications")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body")
		return
	}

	externalID, status, err := parser.ParseWebhook(body)
	if err != nil {
		s.log.Warn("unparseable webhook", "provider", provider, "error", err)
		s.ackWebhook(w, provider)
		return
	}

	if err := s.ledger.ApplyExternalStatus(r.Context(), externalID, status); err != nil {
		// Internal failures are acknowledged too; a non-success answer only
		// triggers provider redelivery of an observation the poller will
		// re-derive anyway.
		if errors.Is(err, ledger.ErrUnknownPayment) {
			s.log.Warn("webhook for unknown payment", "provider", provider, "payment_id", externalID)
		} else {
			s.log.Error("apply webhook status", "provider", provider, "payment_id", externalID, "error", err)
		}
	}

	s.ackWebhook(w, provider)
}

// ackWebhook answers in whatever shape the provider expects for success.
// T-Bank requires the literal body "OK".
func (s *Server) ackWebhook(w http.ResponseWriter, provider string) {
	if provider == "tbank" {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePaymentStatus(w http.ResponseWriter, r *http.Request) {
	paymentID := chi.URLParam(r, "paymentID")

	d, err := s.store.GetDonationByPaymentID(paymentID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "payment not found")
			return
		}
		s.log.Error("payment status", "payment_id", paymentID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"donation_id": d.ID,
		"payment_id":  paymentID,
		"status":      d.Status,
	})
}

type createStreamerRequest struct {
	DisplayName string           `json:"display_name"`
	DonationURL string           `json:"donation_url"`
	MinAmount   *decimal.Decimal `json:"min_donation_amount"`
	MaxAmount   *decimal.Decimal `json:"max_donation_amount"`
}

func (s *Server) handleCreateStreamer(w http.ResponseWriter, r *http.Request) {
	var req createStreamerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.DisplayName == "" || req.DonationURL == "" {
		writeError(w, http.StatusBadRequest, "display_name and donation_url are required")
		return
	}

	minAmount := decimal.New(10, 0)
	maxAmount := decimal.New(10000, 0)
	if req.MinAmount != nil {
		minAmount = *req.MinAmount
	}
	if req.MaxAmount != nil {
		maxAmount = *req.MaxAmount
	}
	if minAmount.IsNegative() || maxAmount.LessThan(minAmount) {
		writeError(w, http.StatusBadRequest, "invalid donation limits")
		return
	}

	streamer, err := s.store.CreateStreamer(req.DisplayName, req.DonationURL, minAmount, maxAmount)
	if err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			writeError(w, http.StatusConflict, "donation_url already taken")
			return
		}
		s.log.Error("create streamer", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusCreated, streamer)
}

func (s *Server) handleGetStreamer(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid streamer id")
		return
	}
	s.respondStreamer(w, func() (*storage.Streamer, error) { return s.store.GetStreamer(id) })
}

func (s *Server) handleGetStreamerByURL(w http.ResponseWriter, r *http.Request) {
	url := chi.URLParam(r, "url")
	s.respondStreamer(w, func() (*storage.Streamer, error) { return s.store.GetStreamerByURL(url) })
}

func (s *Server) respondStreamer(w http.ResponseWriter, load func() (*storage.Streamer, error)) {
	streamer, err := load()
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "streamer not found")
			return
		}
		s.log.Error("load streamer", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, streamer)
}

type alertSettingsPayload struct {
	AlertsEnabled  bool            `json:"alerts_enabled"`
	Tiers          json.RawMessage `json:"tiers,omitempty"`
	ShowAnonymous  bool            `json:"show_anonymous"`
	MinDisplayTime int             `json:"min_display_time"`
	MaxDisplayTime int             `json:"max_display_time"`
}

func (s *Server) handleGetAlertSettings(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid streamer id")
		return
	}

	settings, err := s.store.GetAlertSettings(id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// Unsaved settings read back as the defaults the dispatcher uses.
			writeJSON(w, http.StatusOK, alertSettingsPayload{
				AlertsEnabled:  true,
				ShowAnonymous:  true,
				MinDisplayTime: 2,
				MaxDisplayTime: 15,
			})
			return
		}
		s.log.Error("get alert settings", "streamer_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, alertSettingsPayload{
		AlertsEnabled:  settings.AlertsEnabled,
		Tiers:          json.RawMessage(settings.Tiers),
		ShowAnonymous:  settings.ShowAnonymous,
		MinDisplayTime: settings.MinDisplayTime,
		MaxDisplayTime: settings.MaxDisplayTime,
	})
}

func (s *Server) handlePutAlertSettings(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid streamer id")
		return
	}

	if _, err := s.store.GetStreamer(id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "streamer not found")
			return
		}
		s.log.Error("load streamer", "streamer_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	var payload alertSettingsPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	// Reject a tier document that could not render before persisting it.
	if _, err := tiers.Parse(payload.Tiers); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if payload.MinDisplayTime <= 0 {
		payload.MinDisplayTime = 2
	}
	if payload.MaxDisplayTime < payload.MinDisplayTime {
		payload.MaxDisplayTime = 15
	}

	settings := &storage.AlertSettings{
		StreamerID:     id,
		AlertsEnabled:  payload.AlertsEnabled,
		Tiers:          payload.Tiers,
		ShowAnonymous:  payload.ShowAnonymous,
		MinDisplayTime: payload.MinDisplayTime,
		MaxDisplayTime: payload.MaxDisplayTime,
	}
	if err := s.store.PutAlertSettings(settings); err != nil {
		s.log.Error("put alert settings", "streamer_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, payload)
}

// publicDonation strips the submitted donor name from anonymous donations so
// it never leaks through listings.
func publicDonation(d *storage.Donation) *storage.Donation {
	if !d.IsAnonymous {
		return d
	}
	out := *d
	out.DonorName = nil
	return &out
}
