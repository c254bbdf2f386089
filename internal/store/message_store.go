package store

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/ericyarmo/buds-relay/internal/domain"
)

type MessageStore struct{ db *gorm.DB }

func (s *Store) Messages() *MessageStore { return &MessageStore{db: s.DB} }

func (m *MessageStore) Exists(ctx context.Context, id uuid.UUID) (bool, error) {
	var count int64
	err := m.db.WithContext(ctx).
		Model(&domain.EncryptedMessage{}).
		Where("message_id = ?", id).
		Count(&count).Error
	return count > 0, err
}

// CreateWithDeliveries inserts the metadata row and one delivery row per
// recipient in a single transaction.
func (m *MessageStore) CreateWithDeliveries(ctx context.Context, msg *domain.EncryptedMessage, recipients []string) error {
	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(msg).Error; err != nil {
			return err
		}
		deliveries := make([]domain.MessageDelivery, 0, len(recipients))
		for _, did := range recipients {
			deliveries = append(deliveries, domain.MessageDelivery{
				MessageID:    msg.MessageID,
				RecipientDID: did,
			})
		}
		return tx.Create(&deliveries).Error
	})
}

func (m *MessageStore) Get(ctx context.Context, id uuid.UUID) (*domain.EncryptedMessage, error) {
	var msg domain.EncryptedMessage
	if err := m.db.WithContext(ctx).First(&msg, "message_id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &msg, nil
}

// Inbox returns non-expired messages deliverable to did, newest first.
// since is an exclusive lower bound on created_at.
func (m *MessageStore) Inbox(ctx context.Context, did string, sinceMillis, nowMillis int64, limit int) ([]domain.EncryptedMessage, error) {
	var msgs []domain.EncryptedMessage
	err := m.db.WithContext(ctx).
		Joins("JOIN message_deliveries ON message_deliveries.message_id = encrypted_messages.message_id").
		Where("message_deliveries.recipient_did = ?", did).
		Where("encrypted_messages.created_at > ?", sinceMillis).
		Where("encrypted_messages.expires_at > ?", nowMillis).
		Order("encrypted_messages.created_at desc").
		Limit(limit).
		Find(&msgs).Error
	return msgs, err
}

// MarkDelivered sets delivered_at once; later calls find no pending row
// and report ErrRecordNotFound.
func (m *MessageStore) MarkDelivered(ctx context.Context, id uuid.UUID, did string, nowMillis int64) error {
	tx := m.db.WithContext(ctx).
		Model(&domain.MessageDelivery{}).
		Where("message_id = ? AND recipient_did = ? AND delivered_at IS NULL", id, did).
		Update("delivered_at", nowMillis)
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// Delete removes the message row and cascades to its delivery rows.
func (m *MessageStore) Delete(ctx context.Context, id uuid.UUID) error {
	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("message_id = ?", id).Delete(&domain.MessageDelivery{}).Error; err != nil {
			return err
		}
		return tx.Where("message_id = ?", id).Delete(&domain.EncryptedMessage{}).Error
	})
}

// ExpiredBefore lists messages whose expires_at has passed.
func (m *MessageStore) ExpiredBefore(ctx context.Context, nowMillis int64) ([]domain.EncryptedMessage, error) {
	var msgs []domain.EncryptedMessage
	err := m.db.WithContext(ctx).
		Where("expires_at < ?", nowMillis).
		Find(&msgs).Error
	return msgs, err
}

// DeleteOrphanDeliveries removes delivery rows whose message no longer
// exists. Returns the number of rows removed.
func (m *MessageStore) DeleteOrphanDeliveries(ctx context.Context) (int64, error) {
	tx := m.db.WithContext(ctx).
		Where("message_id NOT IN (?)",
			m.db.Model(&domain.EncryptedMessage{}).Select("message_id"),
		).
		Delete(&domain.MessageDelivery{})
	return tx.RowsAffected, tx.Error
}
