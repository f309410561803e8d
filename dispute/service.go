package dispute

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"golang.org/x/sync/errgroup"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store defines the data access the service needs.
type Store interface {
	GetWithEscrow(ctx context.Context, disputeID string) (Record, string, error)
	MessageCount(ctx context.Context, disputeID string) (int, error)
	VendorHistory(ctx context.Context, vendorID string) ([]HistoryEntry, error)
	ExecuteArbitrationTx(ctx context.Context, tx pgx.Tx, params ArbitrationWriteParams) (Record, error)
	Open(ctx context.Context, params OpenParams) (Record, error)
	RecordVendorResponse(ctx context.Context, disputeID, vendorID, response string) (Record, error)
	AppendMessage(ctx context.Context, disputeID, senderID, body string) (Message, error)
	Get(ctx context.Context, disputeID, userID string) (Record, error)
	List(ctx context.Context, filters ListFilters) ([]Record, error)
}

// HistoryCache is an optional read-through cache for vendor history. A miss
// is signalled by ok=false; cache failures must never fail arbitration.
type HistoryCache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// Service exposes dispute lifecycle operations and the arbitration run.
type Service struct {
	pool      TxBeginner
	repo      Store
	cache     HistoryCache
	cacheTTL  time.Duration
	now       func() time.Time
	numberGen func() string
}

func NewService(pool TxBeginner, repo Store) *Service {
	return &Service{
		pool: pool,
		repo: repo,
		now:  time.Now,
		numberGen: func() string {
			return "DSP-" + strings.ToUpper(uuid.NewString()[:8])
		},
	}
}

// WithHistoryCache enables vendor-history caching.
func (s *Service) WithHistoryCache(cache HistoryCache, ttl time.Duration) *Service {
	s.cache = cache
	s.cacheTTL = ttl
	return s
}

// Result is what one arbitration run produces.
type Result struct {
	Dispute Record
	Outcome Outcome
}

// Arbitrate runs the engine against the dispute's current snapshot and
// persists the outcome. Re-running against an unchanged dispute yields the
// identical decision and overwrites the previous one; concurrent runs are
// last-write-wins by design.
func (s *Service) Arbitrate(ctx context.Context, disputeID string) (Result, error) {
	if err := validateID(disputeID); err != nil {
		return Result{}, err
	}

	current, escrowStatus, err := s.repo.GetWithEscrow(ctx, disputeID)
	if err != nil {
		return Result{}, err
	}

	// Message count and vendor history are independent reads.
	var (
		history      []HistoryEntry
		messageCount int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		history, err = s.vendorHistory(gctx, current.VendorID, current.ID)
		return err
	})
	g.Go(func() error {
		var err error
		messageCount, err = s.repo.MessageCount(gctx, current.ID)
		return err
	})
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	outcome := Evaluate(EngineInput{
		EvidenceURLs:       current.EvidenceURLs,
		EscrowStatus:       escrowStatus,
		History:            history,
		CreatedAt:          current.CreatedAt,
		VendorResponseDate: current.VendorResponseDate,
		MessageCount:       messageCount,
		Now:                s.now(),
	})

	// Any persistence attempt can change the vendor's derived history, so
	// the cached copy is dropped whether the transaction lands or not. A
	// failed commit must not leave a stale entry behind for the next run.
	defer s.invalidateHistory(ctx, current.VendorID)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("dispute: begin arbitration tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.ExecuteArbitrationTx(ctx, tx, ArbitrationWriteParams{
		DisputeID:    disputeID,
		Outcome:      outcome,
		ArbitratedAt: s.now(),
	})
	if err != nil {
		return Result{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Result{}, fmt.Errorf("dispute: commit arbitration tx: %w", err)
	}

	return Result{Dispute: rec, Outcome: outcome}, nil
}

func (s *Service) invalidateHistory(ctx context.Context, vendorID string) {
	if s.cache != nil {
		_ = s.cache.Delete(ctx, HistoryCacheKey(vendorID))
	}
}

// vendorHistory returns the vendor's prior disputes excluding the one under
// arbitration. The cache holds the vendor's full history; the exclusion is
// applied on every read so one vendor's entry serves any of their disputes.
func (s *Service) vendorHistory(ctx context.Context, vendorID, excludeID string) ([]HistoryEntry, error) {
	key := HistoryCacheKey(vendorID)
	if s.cache != nil {
		if raw, ok, err := s.cache.Get(ctx, key); err == nil && ok {
			var cached []HistoryEntry
			if err := json.Unmarshal([]byte(raw), &cached); err == nil {
				return filterHistory(cached, excludeID), nil
			}
		}
	}

	history, err := s.repo.VendorHistory(ctx, vendorID)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if body, err := json.Marshal(history); err == nil {
			_ = s.cache.Set(ctx, key, string(body), s.cacheTTL)
		}
	}
	return filterHistory(history, excludeID), nil
}

// HistoryCacheKey names the cached history entry for a vendor. Settlement
// shares the key so resolving a dispute can evict it.
func HistoryCacheKey(vendorID string) string {
	return "vendor_history:" + vendorID
}

func filterHistory(history []HistoryEntry, excludeID string) []HistoryEntry {
	out := history[:0:0]
	for _, h := range history {
		if h.ID != excludeID {
			out = append(out, h)
		}
	}
	return out
}

// validateID rejects ids that cannot match a UUID column. Catching the shape
// here keeps malformed input out of the database, which would otherwise
// surface it as a cast error instead of a validation one.
func validateID(id string) error {
	if id == "" {
		return ErrInvalidInput
	}
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("dispute: malformed id %q: %w", id, ErrInvalidInput)
	}
	return nil
}

// Open files a new dispute for a client.
func (s *Service) Open(ctx context.Context, params OpenParams) (Record, error) {
	if err := validateID(params.EscrowID); err != nil {
		return Record{}, err
	}
	if err := validateID(params.ClientID); err != nil {
		return Record{}, err
	}
	if params.DisputeNumber == "" {
		params.DisputeNumber = s.numberGen()
	}
	return s.repo.Open(ctx, params)
}

// RespondToDispute records the vendor's one-shot response.
func (s *Service) RespondToDispute(ctx context.Context, disputeID, vendorID, response string) (Record, error) {
	if err := validateID(disputeID); err != nil {
		return Record{}, err
	}
	if err := validateID(vendorID); err != nil {
		return Record{}, err
	}
	return s.repo.RecordVendorResponse(ctx, disputeID, vendorID, response)
}

// AppendMessage adds a negotiation message from a participant.
func (s *Service) AppendMessage(ctx context.Context, disputeID, senderID, body string) (Message, error) {
	if err := validateID(disputeID); err != nil {
		return Message{}, err
	}
	if err := validateID(senderID); err != nil {
		return Message{}, err
	}
	return s.repo.AppendMessage(ctx, disputeID, senderID, body)
}

// Get fetches a dispute visible to the caller.
func (s *Service) Get(ctx context.Context, disputeID, userID string) (Record, error) {
	if err := validateID(disputeID); err != nil {
		return Record{}, err
	}
	return s.repo.Get(ctx, disputeID, userID)
}

// List returns the caller's disputes.
func (s *Service) List(ctx context.Context, filters ListFilters) ([]Record, error) {
	if filters.ClientID != "" {
		if err := validateID(filters.ClientID); err != nil {
			return nil, err
		}
	}
	if filters.VendorID != "" {
		if err := validateID(filters.VendorID); err != nil {
			return nil, err
		}
	}
	return s.repo.List(ctx, filters)
}

// IsNotFound reports whether err maps to a missing dispute.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
