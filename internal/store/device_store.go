package store

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ericyarmo/buds-relay/internal/domain"
)

type DeviceStore struct{ db *gorm.DB }

func (s *Store) Devices() *DeviceStore { return &DeviceStore{db: s.DB} }

// Upsert registers or re-registers a device. A conflicting device_id
// refreshes keys, name, push token, status and last_seen_at; registered_at
// is preserved from the original registration.
func (d *DeviceStore) Upsert(ctx context.Context, device domain.Device) error {
	return d.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "device_id"}},
			DoUpdates: clause.Assignments(map[string]any{
				"owner_did":             device.OwnerDID,
				"owner_encrypted_phone": device.OwnerEncryptedPhone,
				"device_name":           device.DeviceName,
				"pubkey_x25519":         device.PubkeyX25519,
				"pubkey_ed25519":        device.PubkeyEd25519,
				"push_token":            device.PushToken,
				"status":                domain.DeviceActive,
				"last_seen_at":          device.LastSeenAt,
			}),
		}).
		Create(&device).Error
}

func (d *DeviceStore) CountByOwner(ctx context.Context, did string) (int64, error) {
	var count int64
	err := d.db.WithContext(ctx).
		Model(&domain.Device{}).
		Where("owner_did = ?", did).
		Count(&count).Error
	return count, err
}

func (d *DeviceStore) Get(ctx context.Context, id uuid.UUID) (*domain.Device, error) {
	var device domain.Device
	if err := d.db.WithContext(ctx).First(&device, "device_id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &device, nil
}

// Heartbeat bumps last_seen_at on an active device. Absent or inactive
// devices report ErrRecordNotFound.
func (d *DeviceStore) Heartbeat(ctx context.Context, id uuid.UUID, nowMillis int64) error {
	tx := d.db.WithContext(ctx).
		Model(&domain.Device{}).
		Where("device_id = ? AND status = ?", id, domain.DeviceActive).
		Update("last_seen_at", nowMillis)
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// LatestActiveEd25519Key returns the Ed25519 public key of the most
// recently registered active device for a DID.
func (d *DeviceStore) LatestActiveEd25519Key(ctx context.Context, did string) (string, error) {
	var device domain.Device
	err := d.db.WithContext(ctx).
		Where("owner_did = ? AND status = ?", did, domain.DeviceActive).
		Order("registered_at desc").
		First(&device).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return "", ErrRecordNotFound
		}
		return "", err
	}
	return device.PubkeyEd25519, nil
}

// ListByDIDs returns all devices owned by any of the given DIDs.
func (d *DeviceStore) ListByDIDs(ctx context.Context, dids []string) ([]domain.Device, error) {
	var devices []domain.Device
	err := d.db.WithContext(ctx).
		Where("owner_did IN ?", dids).
		Order("owner_did, registered_at desc").
		Find(&devices).Error
	return devices, err
}

// ActivePushTargets returns active devices of the given DIDs that carry a
// push token.
func (d *DeviceStore) ActivePushTargets(ctx context.Context, dids []string) ([]domain.Device, error) {
	var devices []domain.Device
	err := d.db.WithContext(ctx).
		Where("owner_did IN ? AND status = ? AND push_token IS NOT NULL", dids, domain.DeviceActive).
		Find(&devices).Error
	return devices, err
}

// Deactivate marks a device inactive and clears its push token. Used when
// the push provider reports the token gone.
func (d *DeviceStore) Deactivate(ctx context.Context, id uuid.UUID) error {
	return d.db.WithContext(ctx).
		Model(&domain.Device{}).
		Where("device_id = ?", id).
		Updates(map[string]any{"status": domain.DeviceInactive, "push_token": nil}).
		Error
}

// DeleteIdleBefore removes active devices whose last_seen_at is older
// than the cutoff. Inactive devices are left alone: their push token is
// already gone and re-registration revives the row in place. Returns the
// number of rows removed.
func (d *DeviceStore) DeleteIdleBefore(ctx context.Context, cutoffMillis int64) (int64, error) {
	tx := d.db.WithContext(ctx).
		Where("status = ? AND last_seen_at < ?", domain.DeviceActive, cutoffMillis).
		Delete(&domain.Device{})
	return tx.RowsAffected, tx.Error
}
