package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ericyarmo/buds-relay/internal/domain"
	"github.com/ericyarmo/buds-relay/internal/phonecrypt"
	"github.com/ericyarmo/buds-relay/internal/store"
	"github.com/ericyarmo/buds-relay/internal/validate"
)

// maxDevicesPerDID caps how many devices one identity may register.
const maxDevicesPerDID = 10

// IdentityService implements salt issuance, phone→DID lookup and the
// device registry. Every phone-keyed row is addressed by its deterministic
// ciphertext; plaintext phones never reach the database.
type IdentityService struct {
	store *store.Store
	enc   *phonecrypt.Encryptor
	now   func() time.Time
}

func NewIdentity(st *store.Store, enc *phonecrypt.Encryptor) *IdentityService {
	return &IdentityService{store: st, enc: enc, now: time.Now}
}

// GetOrCreateSalt returns the write-once account salt for the caller's
// phone, generating a fresh 32-byte value on first contact.
func (s *IdentityService) GetOrCreateSalt(ctx context.Context, callerPhone string) (string, bool, error) {
	if !validate.Phone(callerPhone) {
		return "", false, domain.Invalid("phone must be E.164")
	}
	salt := make([]byte, 32)
	if _, err := rand.Read(salt); err != nil {
		return "", false, fmt.Errorf("generate salt: %w", err)
	}
	return s.store.Identity().GetOrCreateSalt(ctx,
		s.enc.Encrypt(callerPhone),
		base64.StdEncoding.EncodeToString(salt),
		s.now().UnixMilli(),
	)
}

// LookupDID resolves one phone to its DID.
func (s *IdentityService) LookupDID(ctx context.Context, phone string) (string, error) {
	if !validate.Phone(phone) {
		return "", domain.Invalid("phone must be E.164")
	}
	did, err := s.store.Identity().LookupDID(ctx, s.enc.Encrypt(phone))
	if errors.Is(err, store.ErrRecordNotFound) {
		return "", domain.ErrNotFound
	}
	return did, err
}

// BatchLookupDID resolves up to 12 phones in one query. Unknown phones are
// absent from the result rather than errors.
func (s *IdentityService) BatchLookupDID(ctx context.Context, phones []string) (map[string]string, error) {
	if len(phones) == 0 || len(phones) > validate.MaxRecipients {
		return nil, domain.Invalidf("phones must contain 1-%d entries", validate.MaxRecipients)
	}
	encToPlain := make(map[string]string, len(phones))
	encrypted := make([]string, 0, len(phones))
	for _, p := range phones {
		if !validate.Phone(p) {
			return nil, domain.Invalidf("phone %q is not E.164", p)
		}
		enc := s.enc.Encrypt(p)
		encToPlain[enc] = p
		encrypted = append(encrypted, enc)
	}
	byEnc, err := s.store.Identity().LookupDIDs(ctx, encrypted)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(byEnc))
	for enc, did := range byEnc {
		out[encToPlain[enc]] = did
	}
	return out, nil
}

type RegisterDeviceInput struct {
	DeviceID      string
	DeviceName    string
	OwnerDID      string
	Phone         string
	PubkeyX25519  string
	PubkeyEd25519 string
	PushToken     *string
}

// RegisterDevice creates or re-registers a device and upserts the
// caller's phone→DID mapping. The authenticated phone must match the one
// in the request.
func (s *IdentityService) RegisterDevice(ctx context.Context, callerPhone string, in RegisterDeviceInput) (*domain.Device, error) {
	var fields []string
	if !validate.UUIDv4(in.DeviceID) {
		fields = append(fields, "device_id must be a UUIDv4")
	}
	if in.DeviceName == "" {
		fields = append(fields, "device_name is required")
	}
	if !validate.DID(in.OwnerDID) {
		fields = append(fields, "owner_did is malformed")
	}
	if !validate.Phone(in.Phone) {
		fields = append(fields, "phone must be E.164")
	}
	if !validate.Base64(in.PubkeyX25519) {
		fields = append(fields, "pubkey_x25519 must be base64")
	}
	if !validate.Base64(in.PubkeyEd25519) {
		fields = append(fields, "pubkey_ed25519 must be base64")
	}
	if in.PushToken != nil && *in.PushToken == "" {
		fields = append(fields, "push_token must be absent or non-empty")
	}
	if len(fields) > 0 {
		return nil, domain.Invalid(fields...)
	}
	if in.Phone != callerPhone {
		return nil, fmt.Errorf("%w: phone does not match authenticated caller", domain.ErrForbidden)
	}

	deviceID := uuid.MustParse(in.DeviceID)
	if _, err := s.store.Devices().Get(ctx, deviceID); errors.Is(err, store.ErrRecordNotFound) {
		count, err := s.store.Devices().CountByOwner(ctx, in.OwnerDID)
		if err != nil {
			return nil, err
		}
		if count >= maxDevicesPerDID {
			return nil, fmt.Errorf("%w: at most %d devices per identity", domain.ErrDeviceLimit, maxDevicesPerDID)
		}
	} else if err != nil {
		return nil, err
	}

	now := s.now().UnixMilli()
	encPhone := s.enc.Encrypt(in.Phone)
	device := domain.Device{
		DeviceID:            deviceID,
		OwnerDID:            in.OwnerDID,
		OwnerEncryptedPhone: encPhone,
		DeviceName:          in.DeviceName,
		PubkeyX25519:        in.PubkeyX25519,
		PubkeyEd25519:       in.PubkeyEd25519,
		PushToken:           in.PushToken,
		Status:              domain.DeviceActive,
		RegisteredAt:        now,
		LastSeenAt:          now,
	}

	err := s.store.WithTx(ctx, func(tx *store.Store) error {
		if err := tx.Devices().Upsert(ctx, device); err != nil {
			return err
		}
		return tx.Identity().UpsertPhoneDID(ctx, encPhone, in.OwnerDID, now)
	})
	if err != nil {
		return nil, err
	}

	stored, err := s.store.Devices().Get(ctx, device.DeviceID)
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// Heartbeat bumps last_seen_at for an active device.
func (s *IdentityService) Heartbeat(ctx context.Context, deviceID string) error {
	if !validate.UUIDv4(deviceID) {
		return domain.Invalid("device_id must be a UUIDv4")
	}
	err := s.store.Devices().Heartbeat(ctx, uuid.MustParse(deviceID), s.now().UnixMilli())
	if errors.Is(err, store.ErrRecordNotFound) {
		return domain.ErrNotFound
	}
	return err
}

// ListDevices returns device metadata for up to 12 DIDs so senders can
// build per-device wrapped keys.
func (s *IdentityService) ListDevices(ctx context.Context, dids []string) ([]domain.Device, error) {
	if !validate.RecipientList(dids) {
		return nil, domain.Invalidf("dids must contain 1-%d well-formed entries", validate.MaxRecipients)
	}
	return s.store.Devices().ListByDIDs(ctx, dids)
}
