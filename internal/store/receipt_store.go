package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/ericyarmo/buds-relay/internal/domain"
	"github.com/ericyarmo/buds-relay/internal/observability/metrics"
)

type ReceiptStore struct{ db *gorm.DB }

func (s *Store) Receipts() *ReceiptStore { return &ReceiptStore{db: s.DB} }

const (
	maxSequenceAttempts = 5
	retryBackoffStep    = 10 * time.Millisecond
)

func (r *ReceiptStore) GetByCID(ctx context.Context, cid string) (*domain.JarReceipt, error) {
	var row domain.JarReceipt
	if err := r.db.WithContext(ctx).First(&row, "receipt_cid = ?", cid).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &row, nil
}

func (r *ReceiptStore) ExistsByCID(ctx context.Context, cid string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&domain.JarReceipt{}).
		Where("receipt_cid = ?", cid).
		Count(&count).Error
	return count > 0, err
}

func (r *ReceiptStore) CountByJar(ctx context.Context, jarID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&domain.JarReceipt{}).
		Where("jar_id = ?", jarID).
		Count(&count).Error
	return count, err
}

// AppendWithSequence inserts the receipt with the next dense sequence
// number for its jar. The sequence is computed inside the INSERT itself so
// two concurrent writers race only on the (jar_id, sequence_number) unique
// constraint; the loser backs off linearly in the attempt count and
// recomputes. Any error other than a unique violation propagates.
func (r *ReceiptStore) AppendWithSequence(ctx context.Context, row *domain.JarReceipt) (int64, error) {
	const insert = `
INSERT INTO jar_receipts
  (jar_id, sequence_number, receipt_cid, receipt_data, signature, sender_did, received_at, parent_cid)
VALUES
  (?, (SELECT COALESCE(MAX(sequence_number), 0) + 1 FROM jar_receipts WHERE jar_id = ?), ?, ?, ?, ?, ?, ?)`

	var lastErr error
	for attempt := 1; attempt <= maxSequenceAttempts; attempt++ {
		err := r.db.WithContext(ctx).Exec(insert,
			row.JarID, row.JarID,
			row.ReceiptCID, row.ReceiptData, row.Signature,
			row.SenderDID, row.ReceivedAt, row.ParentCID,
		).Error
		if err == nil {
			stored, err := r.GetByCID(ctx, row.ReceiptCID)
			if err != nil {
				return 0, err
			}
			*row = *stored
			return stored.SequenceNumber, nil
		}
		if !IsUniqueViolation(err) {
			return 0, err
		}
		lastErr = err
		metrics.ReceiptSequenceRetriesTotal.Inc()
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(retryBackoffStep * time.Duration(attempt)):
		}
	}
	return 0, fmt.Errorf("store: sequence assignment exhausted %d attempts: %w", maxSequenceAttempts, lastErr)
}

// ListAfter returns receipts with sequence_number > after, ascending.
func (r *ReceiptStore) ListAfter(ctx context.Context, jarID string, after int64, limit int) ([]domain.JarReceipt, error) {
	var rows []domain.JarReceipt
	err := r.db.WithContext(ctx).
		Where("jar_id = ? AND sequence_number > ?", jarID, after).
		Order("sequence_number asc").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// ListRange returns receipts with sequence_number in [from, to], ascending.
func (r *ReceiptStore) ListRange(ctx context.Context, jarID string, from, to int64) ([]domain.JarReceipt, error) {
	var rows []domain.JarReceipt
	err := r.db.WithContext(ctx).
		Where("jar_id = ? AND sequence_number >= ? AND sequence_number <= ?", jarID, from, to).
		Order("sequence_number asc").
		Find(&rows).Error
	return rows, err
}
