package store

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ericyarmo/buds-relay/internal/domain"
)

type IdentityStore struct{ db *gorm.DB }

func (s *Store) Identity() *IdentityStore { return &IdentityStore{db: s.DB} }

// GetOrCreateSalt persists salt for the encrypted phone unless one already
// exists, and returns the authoritative stored value. Insert-or-ignore on
// the primary key followed by a re-read makes concurrent first-time calls
// converge on a single winner.
func (i *IdentityStore) GetOrCreateSalt(ctx context.Context, encryptedPhone, salt string, nowMillis int64) (string, bool, error) {
	row := domain.AccountSalt{
		EncryptedPhone: encryptedPhone,
		Salt:           salt,
		CreatedAt:      nowMillis,
	}
	tx := i.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row)
	if tx.Error != nil {
		return "", false, tx.Error
	}
	created := tx.RowsAffected == 1

	var stored domain.AccountSalt
	if err := i.db.WithContext(ctx).First(&stored, "encrypted_phone = ?", encryptedPhone).Error; err != nil {
		return "", false, err
	}
	return stored.Salt, created, nil
}

// UpsertPhoneDID records the phone→DID mapping, replacing the DID on
// conflict.
func (i *IdentityStore) UpsertPhoneDID(ctx context.Context, encryptedPhone, did string, nowMillis int64) error {
	row := domain.PhoneDID{
		EncryptedPhone: encryptedPhone,
		DID:            did,
		CreatedAt:      nowMillis,
	}
	return i.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "encrypted_phone"}},
			DoUpdates: clause.Assignments(map[string]any{"did": did}),
		}).
		Create(&row).Error
}

func (i *IdentityStore) LookupDID(ctx context.Context, encryptedPhone string) (string, error) {
	var row domain.PhoneDID
	if err := i.db.WithContext(ctx).First(&row, "encrypted_phone = ?", encryptedPhone).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return "", ErrRecordNotFound
		}
		return "", err
	}
	return row.DID, nil
}

// LookupDIDs resolves a batch of encrypted phones in one IN query. Phones
// without a mapping are simply absent from the result.
func (i *IdentityStore) LookupDIDs(ctx context.Context, encryptedPhones []string) (map[string]string, error) {
	var rows []domain.PhoneDID
	if err := i.db.WithContext(ctx).
		Where("encrypted_phone IN ?", encryptedPhones).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[string]string, len(rows))
	for _, r := range rows {
		out[r.EncryptedPhone] = r.DID
	}
	return out, nil
}
