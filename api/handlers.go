package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"marketflow/dispute"
	"marketflow/escrow"
	"marketflow/notification"
)

// Handler wires the HTTP surface to the domain services.
type Handler struct {
	disputes      *dispute.Service
	settlement    *escrow.Service
	notifications *notification.Repository
	jwtSecret     []byte
}

func NewHandler(disputes *dispute.Service, settlement *escrow.Service, notifications *notification.Repository, jwtSecret string) *Handler {
	return &Handler{
		disputes:      disputes,
		settlement:    settlement,
		notifications: notifications,
		jwtSecret:     []byte(jwtSecret),
	}
}

// disputeView is the JSON shape of a dispute record.
type disputeView struct {
	ID                 string          `json:"id"`
	DisputeNumber      string          `json:"dispute_number"`
	ClientID           string          `json:"client_id"`
	VendorID           string          `json:"vendor_id"`
	EscrowID           string          `json:"escrow_id"`
	DisputeType        string          `json:"dispute_type"`
	RequestType        string          `json:"request_type,omitempty"`
	EvidenceURLs       []string        `json:"evidence_urls"`
	VendorResponse     *string         `json:"vendor_response,omitempty"`
	VendorResponseDate *time.Time      `json:"vendor_response_date,omitempty"`
	Status             string          `json:"status"`
	AIDecision         *string         `json:"ai_decision,omitempty"`
	AIJustification    *string         `json:"ai_justification,omitempty"`
	AIConfidence       *float64        `json:"ai_confidence,omitempty"`
	AIAnalysis         json.RawMessage `json:"ai_analysis,omitempty"`
	DecisionPayload    json.RawMessage `json:"decision_payload,omitempty"`
	ArbitratedAt       *time.Time      `json:"arbitrated_at,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

func toDisputeView(rec dispute.Record) disputeView {
	return disputeView{
		ID:                 rec.ID,
		DisputeNumber:      rec.DisputeNumber,
		ClientID:           rec.ClientID,
		VendorID:           rec.VendorID,
		EscrowID:           rec.EscrowID,
		DisputeType:        rec.DisputeType,
		RequestType:        rec.RequestType,
		EvidenceURLs:       rec.EvidenceURLs,
		VendorResponse:     rec.VendorResponse,
		VendorResponseDate: rec.VendorResponseDate,
		Status:             string(rec.Status),
		AIDecision:         rec.AIDecision,
		AIJustification:    rec.AIJustification,
		AIConfidence:       rec.AIConfidence,
		AIAnalysis:         json.RawMessage(rec.AIAnalysis),
		DecisionPayload:    json.RawMessage(rec.DecisionPayload),
		ArbitratedAt:       rec.ArbitratedAt,
		CreatedAt:          rec.CreatedAt,
		UpdatedAt:          rec.UpdatedAt,
	}
}

type arbitrateRequest struct {
	DisputeID string `json:"dispute_id"`
}

type arbitrateResponse struct {
	Success         bool             `json:"success"`
	Dispute         disputeView      `json:"dispute"`
	Analysis        dispute.Analysis `json:"analysis"`
	AIDecision      string           `json:"ai_decision"`
	AIJustification string           `json:"ai_justification"`
	Confidence      float64          `json:"confidence"`
}

func (h *Handler) arbitrate(w http.ResponseWriter, r *http.Request) {
	var req arbitrateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid json body")
		return
	}
	if req.DisputeID == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "dispute_id is required")
		return
	}

	result, err := h.disputes.Arbitrate(r.Context(), req.DisputeID)
	if err != nil {
		status, code, msg := mapDomainError(err)
		writeError(w, status, code, msg)
		return
	}

	writeJSON(w, http.StatusOK, arbitrateResponse{
		Success:         true,
		Dispute:         toDisputeView(result.Dispute),
		Analysis:        result.Outcome.Analysis,
		AIDecision:      string(result.Outcome.Decision),
		AIJustification: result.Outcome.Justification,
		Confidence:      result.Outcome.Confidence,
	})
}

type openDisputeRequest struct {
	EscrowID     string   `json:"escrow_id"`
	DisputeType  string   `json:"dispute_type"`
	RequestType  string   `json:"request_type"`
	EvidenceURLs []string `json:"evidence_urls"`
}

func (h *Handler) openDispute(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid or missing credentials")
		return
	}
	var req openDisputeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid json body")
		return
	}

	rec, err := h.disputes.Open(r.Context(), dispute.OpenParams{
		ClientID:     claims.UserID,
		EscrowID:     req.EscrowID,
		DisputeType:  req.DisputeType,
		RequestType:  req.RequestType,
		EvidenceURLs: req.EvidenceURLs,
	})
	if err != nil {
		status, code, msg := mapDomainError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusCreated, toDisputeView(rec))
}

func (h *Handler) listDisputes(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid or missing credentials")
		return
	}

	filters := dispute.ListFilters{Status: dispute.Status(r.URL.Query().Get("status"))}
	switch claims.Role {
	case RoleClient:
		filters.ClientID = claims.UserID
	case RoleVendor:
		filters.VendorID = claims.UserID
	case RolePDGAdmin:
		filters.ClientID = r.URL.Query().Get("client_id")
		filters.VendorID = r.URL.Query().Get("vendor_id")
	}

	records, err := h.disputes.List(r.Context(), filters)
	if err != nil {
		status, code, msg := mapDomainError(err)
		writeError(w, status, code, msg)
		return
	}
	views := make([]disputeView, 0, len(records))
	for _, rec := range records {
		views = append(views, toDisputeView(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"disputes": views})
}

func (h *Handler) getDispute(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid or missing credentials")
		return
	}
	userID := claims.UserID
	if claims.Role == RolePDGAdmin {
		userID = "" // admins see everything
	}

	rec, err := h.disputes.Get(r.Context(), chi.URLParam(r, "id"), userID)
	if err != nil {
		status, code, msg := mapDomainError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeView(rec))
}

type messageRequest struct {
	Body string `json:"body"`
}

func (h *Handler) appendMessage(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid or missing credentials")
		return
	}
	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid json body")
		return
	}

	msg, err := h.disputes.AppendMessage(r.Context(), chi.URLParam(r, "id"), claims.UserID, req.Body)
	if err != nil {
		status, code, msg := mapDomainError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":         msg.ID,
		"dispute_id": msg.DisputeID,
		"sender_id":  msg.SenderID,
		"body":       msg.Body,
		"created_at": msg.CreatedAt,
	})
}

type vendorResponseRequest struct {
	Response string `json:"response"`
}

func (h *Handler) vendorRespond(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid or missing credentials")
		return
	}
	var req vendorResponseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid json body")
		return
	}

	rec, err := h.disputes.RespondToDispute(r.Context(), chi.URLParam(r, "id"), claims.UserID, req.Response)
	if err != nil {
		status, code, msg := mapDomainError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeView(rec))
}

func (h *Handler) settleDispute(w http.ResponseWriter, r *http.Request) {
	result, err := h.settlement.ApplyDecision(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		status, code, msg := mapDomainError(err)
		writeError(w, status, code, msg)
		return
	}

	body := map[string]any{
		"dispute_id":     result.DisputeID,
		"dispute_status": string(result.DisputeStatus),
		"applied":        result.Applied,
	}
	if result.Escrow != nil {
		body["escrow_status"] = string(result.Escrow.Status)
	}
	writeJSON(w, http.StatusOK, body)
}

func (h *Handler) listNotifications(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid or missing credentials")
		return
	}

	rows, err := h.notifications.ListForUser(r.Context(), claims.UserID, 50)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
		return
	}
	out := make([]map[string]any, 0, len(rows))
	for _, n := range rows {
		out = append(out, map[string]any{
			"id":         n.ID,
			"kind":       n.Kind,
			"title":      n.Title,
			"body":       n.Body,
			"read":       n.Read,
			"created_at": n.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": out})
}

func (h *Handler) markNotificationRead(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid or missing credentials")
		return
	}

	if err := h.notifications.MarkRead(r.Context(), claims.UserID, chi.URLParam(r, "id")); err != nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "notification not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"read": true})
}
