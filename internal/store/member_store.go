package store

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ericyarmo/buds-relay/internal/domain"
)

type MemberStore struct{ db *gorm.DB }

func (s *Store) Members() *MemberStore { return &MemberStore{db: s.DB} }

// UpsertActive inserts or replaces a (jar, member) row as an active member
// with the given role. Re-adding after removal overwrites the row and
// clears the removal markers.
func (m *MemberStore) UpsertActive(ctx context.Context, jarID, memberDID, role string, addedAtMillis int64, receiptCID string) error {
	row := domain.JarMember{
		JarID:             jarID,
		MemberDID:         memberDID,
		Status:            domain.MemberActive,
		Role:              role,
		AddedAt:           addedAtMillis,
		AddedByReceiptCID: receiptCID,
	}
	return m.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "jar_id"}, {Name: "member_did"}},
			DoUpdates: clause.Assignments(map[string]any{
				"status":                 domain.MemberActive,
				"role":                   role,
				"added_at":               addedAtMillis,
				"added_by_receipt_cid":   receiptCID,
				"removed_at":             nil,
				"removed_by_receipt_cid": nil,
			}),
		}).
		Create(&row).Error
}

// Activate flips an existing row to active without touching its role. Used
// by invite acceptance; a missing row reports ErrRecordNotFound.
func (m *MemberStore) Activate(ctx context.Context, jarID, memberDID string) error {
	tx := m.db.WithContext(ctx).
		Model(&domain.JarMember{}).
		Where("jar_id = ? AND member_did = ?", jarID, memberDID).
		Update("status", domain.MemberActive)
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// MarkRemoved transitions a member to removed and records the removing
// receipt.
func (m *MemberStore) MarkRemoved(ctx context.Context, jarID, memberDID string, removedAtMillis int64, receiptCID string) error {
	return m.db.WithContext(ctx).
		Model(&domain.JarMember{}).
		Where("jar_id = ? AND member_did = ?", jarID, memberDID).
		Updates(map[string]any{
			"status":                 domain.MemberRemoved,
			"removed_at":             removedAtMillis,
			"removed_by_receipt_cid": receiptCID,
		}).
		Error
}

func (m *MemberStore) CountActive(ctx context.Context, jarID string) (int64, error) {
	var count int64
	err := m.db.WithContext(ctx).
		Model(&domain.JarMember{}).
		Where("jar_id = ? AND status = ?", jarID, domain.MemberActive).
		Count(&count).Error
	return count, err
}

func (m *MemberStore) IsActiveMember(ctx context.Context, jarID, memberDID string) (bool, error) {
	var count int64
	err := m.db.WithContext(ctx).
		Model(&domain.JarMember{}).
		Where("jar_id = ? AND member_did = ? AND status = ?", jarID, memberDID, domain.MemberActive).
		Count(&count).Error
	return count > 0, err
}

// JarsForMember lists every jar where the DID is an active member.
func (m *MemberStore) JarsForMember(ctx context.Context, memberDID string) ([]domain.JarMember, error) {
	var rows []domain.JarMember
	err := m.db.WithContext(ctx).
		Where("member_did = ? AND status = ?", memberDID, domain.MemberActive).
		Order("jar_id").
		Find(&rows).Error
	return rows, err
}

// MembersOf returns all membership rows of a jar, any status.
func (m *MemberStore) MembersOf(ctx context.Context, jarID string) ([]domain.JarMember, error) {
	var rows []domain.JarMember
	err := m.db.WithContext(ctx).
		Where("jar_id = ?", jarID).
		Order("member_did").
		Find(&rows).Error
	return rows, err
}

// DeleteByJar clears a jar's membership view ahead of a replay.
func (m *MemberStore) DeleteByJar(ctx context.Context, jarID string) error {
	return m.db.WithContext(ctx).
		Where("jar_id = ?", jarID).
		Delete(&domain.JarMember{}).
		Error
}

func (m *MemberStore) Get(ctx context.Context, jarID, memberDID string) (*domain.JarMember, error) {
	var row domain.JarMember
	if err := m.db.WithContext(ctx).First(&row, "jar_id = ? AND member_did = ?", jarID, memberDID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &row, nil
}
