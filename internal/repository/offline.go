package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// OfflineSession is one queued offline-completed sale awaiting replay into
// the canonical ledger.
type OfflineSession struct {
	ID           int64
	CheckoutCode string
	CustomerID   string
	Payload      []byte
	CompletedAt  time.Time
}

// EnqueueOfflineSession stores a completed offline sale for the
// reconciler. Re-submitting the same checkout code (e.g. the cashier
// device retrying after a dropped response) is a no-op.
func (r *Repository) EnqueueOfflineSession(ctx context.Context, checkoutCode, customerID string, payload []byte, completedAt time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO offline_sessions (checkout_code, customer_id, payload, completed_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (checkout_code) DO NOTHING`,
		checkoutCode, customerID, payload, completedAt)
	if err != nil {
		return fmt.Errorf("enqueue offline session: %w", err)
	}
	return nil
}

// PendingOfflineSessions returns unreconciled sessions oldest-completed
// first, so cap conflicts resolve deterministically.
func (r *Repository) PendingOfflineSessions(ctx context.Context, limit int) ([]*OfflineSession, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, checkout_code, customer_id, payload, completed_at
		 FROM offline_sessions
		 WHERE NOT reconciled
		 ORDER BY completed_at ASC
		 LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch pending offline sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*OfflineSession
	for rows.Next() {
		var s OfflineSession
		if e2 := rows.Scan(&s.ID, &s.CheckoutCode, &s.CustomerID, &s.Payload, &s.CompletedAt); e2 != nil {
			return nil, fmt.Errorf("scan offline session: %w", e2)
		}
		sessions = append(sessions, &s)
	}
	return sessions, rows.Err()
}

// MarkReconciled records the replay outcome. conflict marks the record for
// manual review; finalDiscount is what the canonical ledger actually
// honored (zero on conflict).
func (r *Repository) MarkReconciled(ctx context.Context, id int64, conflict bool, finalDiscount decimal.Decimal) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE offline_sessions
		 SET reconciled = TRUE, conflict = $2, final_discount = $3, reconciled_at = now()
		 WHERE id = $1`,
		id, conflict, finalDiscount)
	if err != nil {
		return fmt.Errorf("mark offline session reconciled: %w", err)
	}
	return nil
}
