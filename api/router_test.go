package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"marketflow/dispute"
	"marketflow/escrow"
)

const (
	testSecret    = "test-secret"
	testDisputeID = "c1f0a2f4-27c8-4b5c-9a3e-1f2d3c4b5a69"
)

func signToken(t *testing.T, userID string, role Role) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": userID,
		"role":    string(role),
		"exp":     time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func newTestRouter(store *stubStore) http.Handler {
	disputes := dispute.NewService(&stubPool{}, store)
	settlement := escrow.NewService(nil, nil)
	handler := NewHandler(disputes, settlement, nil, testSecret)
	return NewRouter(handler, nil)
}

func stubRecord() dispute.Record {
	created := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	responded := created.Add(2 * time.Hour)
	return dispute.Record{
		ID:                 testDisputeID,
		DisputeNumber:      "DSP-TEST0001",
		ClientID:           "client-1",
		VendorID:           "vendor-1",
		EscrowID:           "escrow-1",
		DisputeType:        "quality",
		EvidenceURLs:       []string{"proof.jpg"},
		VendorResponseDate: &responded,
		Status:             dispute.StatusOpen,
		CreatedAt:          created,
	}
}

func TestHealthz_NoAuth(t *testing.T) {
	router := newTestRouter(&stubStore{record: stubRecord(), escrowStatus: "dispute"})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestArbitrate_MissingToken(t *testing.T) {
	router := newTestRouter(&stubStore{})

	req := httptest.NewRequest(http.MethodPost, "/v1/arbitration", strings.NewReader(`{"dispute_id":"x"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestArbitrate_TamperedToken(t *testing.T) {
	router := newTestRouter(&stubStore{})

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": "admin-1",
		"role":    string(RolePDGAdmin),
	})
	signed, err := token.SignedString([]byte("wrong-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/arbitration", strings.NewReader(`{"dispute_id":"x"}`))
	req.Header.Set("Authorization", "Bearer "+signed)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestArbitrate_WrongRole(t *testing.T) {
	router := newTestRouter(&stubStore{})

	req := httptest.NewRequest(http.MethodPost, "/v1/arbitration", strings.NewReader(`{"dispute_id":"x"}`))
	req.Header.Set("Authorization", "Bearer "+signToken(t, "client-1", RoleClient))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestArbitrate_MissingDisputeID(t *testing.T) {
	router := newTestRouter(&stubStore{})

	req := httptest.NewRequest(http.MethodPost, "/v1/arbitration", strings.NewReader(`{}`))
	req.Header.Set("Authorization", "Bearer "+signToken(t, "admin-1", RolePDGAdmin))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}

	var body errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body.Error.Code != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR, got %q", body.Error.Code)
	}
}

func TestArbitrate_NotFound(t *testing.T) {
	router := newTestRouter(&stubStore{getErr: dispute.ErrNotFound})

	req := httptest.NewRequest(http.MethodPost, "/v1/arbitration",
		strings.NewReader(`{"dispute_id":"`+testDisputeID+`"}`))
	req.Header.Set("Authorization", "Bearer "+signToken(t, "admin-1", RolePDGAdmin))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestArbitrate_Success(t *testing.T) {
	store := &stubStore{record: stubRecord(), escrowStatus: "dispute", messageCount: 2}
	router := newTestRouter(store)

	req := httptest.NewRequest(http.MethodPost, "/v1/arbitration",
		strings.NewReader(`{"dispute_id":"`+testDisputeID+`"}`))
	req.Header.Set("Authorization", "Bearer "+signToken(t, "admin-1", RolePDGAdmin))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp arbitrateResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Success {
		t.Fatalf("expected success=true")
	}
	if resp.AIDecision == "" || resp.AIJustification == "" {
		t.Fatalf("expected decision and justification, got %+v", resp)
	}
	if resp.Confidence < 0.30 || resp.Confidence > 0.98 {
		t.Fatalf("confidence %v outside bounds", resp.Confidence)
	}
	if resp.Dispute.Status != string(dispute.StatusAIReview) {
		t.Fatalf("expected ai_review dispute, got %s", resp.Dispute.Status)
	}
	if resp.Analysis.MessageCount != 2 {
		t.Fatalf("expected message count 2 in analysis, got %d", resp.Analysis.MessageCount)
	}
}

func TestSettleDispute_MalformedID(t *testing.T) {
	router := newTestRouter(&stubStore{})

	req := httptest.NewRequest(http.MethodPost, "/v1/disputes/not-a-uuid/settle", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, "admin-1", RolePDGAdmin))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}

	var body errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body.Error.Code != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR, got %q", body.Error.Code)
	}
}

func TestGetDispute_ForbiddenForStranger(t *testing.T) {
	router := newTestRouter(&stubStore{record: stubRecord(), escrowStatus: "dispute"})

	req := httptest.NewRequest(http.MethodGet, "/v1/disputes/"+testDisputeID, nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, "stranger-1", RoleClient))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestMapDomainError(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{dispute.ErrInvalidInput, http.StatusBadRequest, "VALIDATION_ERROR"},
		{dispute.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
		{dispute.ErrForbidden, http.StatusForbidden, "FORBIDDEN"},
		{errors.New("boom"), http.StatusInternalServerError, "INTERNAL"},
	}
	for _, tc := range cases {
		status, code, _ := mapDomainError(tc.err)
		if status != tc.status || code != tc.code {
			t.Errorf("%v: expected (%d, %s), got (%d, %s)", tc.err, tc.status, tc.code, status, code)
		}
	}
}

func TestBearerToken(t *testing.T) {
	if _, err := bearerToken(""); err == nil {
		t.Fatalf("expected error for empty header")
	}
	if _, err := bearerToken("Basic abc"); err == nil {
		t.Fatalf("expected error for non-bearer scheme")
	}
	if _, err := bearerToken("Bearer "); err == nil {
		t.Fatalf("expected error for empty token")
	}
	token, err := bearerToken("Bearer abc123")
	if err != nil || token != "abc123" {
		t.Fatalf("expected abc123, got %q (%v)", token, err)
	}
}

type stubStore struct {
	record       dispute.Record
	escrowStatus string
	getErr       error
	messageCount int
}

func (s *stubStore) GetWithEscrow(ctx context.Context, disputeID string) (dispute.Record, string, error) {
	if s.getErr != nil {
		return dispute.Record{}, "", s.getErr
	}
	return s.record, s.escrowStatus, nil
}

func (s *stubStore) MessageCount(ctx context.Context, disputeID string) (int, error) {
	return s.messageCount, nil
}

func (s *stubStore) VendorHistory(ctx context.Context, vendorID string) ([]dispute.HistoryEntry, error) {
	return nil, nil
}

func (s *stubStore) ExecuteArbitrationTx(ctx context.Context, tx pgx.Tx, params dispute.ArbitrationWriteParams) (dispute.Record, error) {
	rec := s.record
	rec.Status = dispute.StatusAIReview
	decision := string(params.Outcome.Decision)
	rec.AIDecision = &decision
	return rec, nil
}

func (s *stubStore) Open(ctx context.Context, params dispute.OpenParams) (dispute.Record, error) {
	return s.record, nil
}

func (s *stubStore) RecordVendorResponse(ctx context.Context, disputeID, vendorID, response string) (dispute.Record, error) {
	return s.record, nil
}

func (s *stubStore) AppendMessage(ctx context.Context, disputeID, senderID, body string) (dispute.Message, error) {
	return dispute.Message{DisputeID: disputeID, SenderID: senderID, Body: body}, nil
}

func (s *stubStore) Get(ctx context.Context, disputeID, userID string) (dispute.Record, error) {
	if s.getErr != nil {
		return dispute.Record{}, s.getErr
	}
	if userID != "" && userID != s.record.ClientID && userID != s.record.VendorID {
		return dispute.Record{}, dispute.ErrForbidden
	}
	return s.record, nil
}

func (s *stubStore) List(ctx context.Context, filters dispute.ListFilters) ([]dispute.Record, error) {
	return []dispute.Record{s.record}, nil
}

type stubPool struct{}

func (s *stubPool) Begin(ctx context.Context) (pgx.Tx, error) {
	return &stubTx{}, nil
}

type stubTx struct{}

func (s *stubTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("stubTx does not support nested transactions")
}

func (s *stubTx) Commit(context.Context) error   { return nil }
func (s *stubTx) Rollback(context.Context) error { return nil }

func (s *stubTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (s *stubTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (s *stubTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (s *stubTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (s *stubTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (s *stubTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (s *stubTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (s *stubTx) Conn() *pgx.Conn { return nil }
