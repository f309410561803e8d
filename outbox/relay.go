package outbox

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Message is one pending outbox row.
type Message struct {
	ID      int64
	Topic   string
	Payload []byte
}

// Relay drains pending outbox rows to the publisher. Rows are claimed with
// FOR UPDATE SKIP LOCKED so multiple relays can run against the same table.
type Relay struct {
	pool      *pgxpool.Pool
	publisher Publisher
	interval  time.Duration
	batchSize int
}

func NewRelay(pool *pgxpool.Pool, publisher Publisher, interval time.Duration, batchSize int) *Relay {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Relay{pool: pool, publisher: publisher, interval: interval, batchSize: batchSize}
}

// Run polls until the context is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n, err := r.DrainOnce(ctx); err != nil {
				log.Printf("outbox: drain: %v", err)
			} else if n > 0 {
				log.Printf("outbox: relayed %d messages", n)
			}
		}
	}
}

// DrainOnce publishes up to batchSize pending rows and marks them sent.
// Publish failures leave the row pending with its attempt count bumped.
func (r *Relay) DrainOnce(ctx context.Context) (int, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("outbox: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	const claimSQL = `
		SELECT id, topic, payload
		FROM outbox
		WHERE status = 'pending'
		ORDER BY id
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`
	rows, err := tx.Query(ctx, claimSQL, r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("outbox: claim: %w", err)
	}

	batch := make([]Message, 0, r.batchSize)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Topic, &m.Payload); err != nil {
			rows.Close()
			return 0, fmt.Errorf("outbox: scan: %w", err)
		}
		batch = append(batch, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("outbox: iterate: %w", err)
	}

	sent := 0
	for _, m := range batch {
		if err := r.publisher.Publish(ctx, m.Topic, fmt.Sprintf("%d", m.ID), m.Payload); err != nil {
			if _, uerr := tx.Exec(ctx, `UPDATE outbox SET attempts = attempts + 1 WHERE id = $1`, m.ID); uerr != nil {
				return sent, fmt.Errorf("outbox: bump attempts: %w", uerr)
			}
			continue
		}
		if _, err := tx.Exec(ctx, `UPDATE outbox SET status = 'sent', sent_at = now() WHERE id = $1`, m.ID); err != nil {
			return sent, fmt.Errorf("outbox: mark sent: %w", err)
		}
		sent++
	}

	if err := tx.Commit(ctx); err != nil {
		return sent, fmt.Errorf("outbox: commit: %w", err)
	}
	return sent, nil
}
