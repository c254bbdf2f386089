package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ericyarmo/buds-relay/internal/blob"
	"github.com/ericyarmo/buds-relay/internal/domain"
	"github.com/ericyarmo/buds-relay/internal/msgjson"
	"github.com/ericyarmo/buds-relay/internal/observability/metrics"
	"github.com/ericyarmo/buds-relay/internal/store"
	"github.com/ericyarmo/buds-relay/internal/validate"
)

// MessageTTL is how long ingested messages stay retrievable.
const MessageTTL = 30 * 24 * time.Hour

const (
	inboxDefaultLimit = 50
	inboxMaxLimit     = 100
)

// MessageService implements ingest, inbox retrieval, delivery tracking and
// deletion for direct messages. Ciphertext lives in the object store;
// the database holds metadata and per-recipient delivery rows.
type MessageService struct {
	store  *store.Store
	blobs  blob.Store
	pusher *PushDispatcher
	now    func() time.Time
}

func NewMessages(st *store.Store, blobs blob.Store, pusher *PushDispatcher) *MessageService {
	return &MessageService{store: st, blobs: blobs, pusher: pusher, now: time.Now}
}

type SendInput struct {
	MessageID        string
	ReceiptCID       string
	SenderDID        string
	SenderDeviceID   string
	RecipientDIDs    []string
	EncryptedPayload string
	WrappedKeys      map[string]string
	Signature        string
}

// Send ingests one direct message. The blob write happens before the
// metadata insert so a visible row always resolves to a blob; the reverse
// order would let inbox reads race an upload. Push fan-out is detached and
// never fails the send.
func (s *MessageService) Send(ctx context.Context, in SendInput) (*domain.EncryptedMessage, error) {
	payload, err := s.validateSend(in)
	if err != nil {
		return nil, err
	}
	msgID := uuid.MustParse(in.MessageID)

	device, err := s.store.Devices().Get(ctx, uuid.MustParse(in.SenderDeviceID))
	if errors.Is(err, store.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: sender device is not registered", domain.ErrForbidden)
	}
	if err != nil {
		return nil, err
	}
	if device.Status != domain.DeviceActive || device.OwnerDID != in.SenderDID {
		return nil, fmt.Errorf("%w: sender device is not an active device of sender_did", domain.ErrForbidden)
	}

	exists, err := s.store.Messages().Exists(ctx, msgID)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, fmt.Errorf("%w: message_id already exists", domain.ErrDuplicate)
	}

	now := s.now()
	key := blob.Key(in.MessageID)
	if err := s.blobs.Put(ctx, key, payload, blob.Metadata{
		MessageID:  in.MessageID,
		ReceiptCID: in.ReceiptCID,
		SenderDID:  in.SenderDID,
		UploadedAt: now.UnixMilli(),
	}); err != nil {
		return nil, fmt.Errorf("blob upload: %w", err)
	}

	recipients, err := msgjson.Wrap(in.RecipientDIDs)
	if err != nil {
		return nil, err
	}
	wrapped, err := msgjson.Wrap(in.WrappedKeys)
	if err != nil {
		return nil, err
	}
	msg := domain.EncryptedMessage{
		MessageID:      msgID,
		ReceiptCID:     in.ReceiptCID,
		SenderDID:      in.SenderDID,
		SenderDeviceID: uuid.MustParse(in.SenderDeviceID),
		RecipientDIDs:  recipients,
		WrappedKeys:    wrapped,
		Signature:      in.Signature,
		BlobKey:        &key,
		CreatedAt:      now.UnixMilli(),
		ExpiresAt:      now.Add(MessageTTL).UnixMilli(),
	}
	if err := s.store.Messages().CreateWithDeliveries(ctx, &msg, in.RecipientDIDs); err != nil {
		return nil, err
	}

	metrics.MessagesStoredTotal.Inc()
	metrics.MessagesCiphertextBytes.Observe(float64(len(payload)))

	if s.pusher != nil {
		// Detached: the fan-out outlives the request and must not inherit
		// its cancellation.
		go s.pusher.Fan(context.WithoutCancel(ctx), in.RecipientDIDs)
	}
	return &msg, nil
}

func (s *MessageService) validateSend(in SendInput) ([]byte, error) {
	var fields []string
	if !validate.UUIDv4(in.MessageID) {
		fields = append(fields, "message_id must be a UUIDv4")
	}
	if !validate.CID(in.ReceiptCID) {
		fields = append(fields, "receipt_cid is malformed")
	}
	if !validate.DID(in.SenderDID) {
		fields = append(fields, "sender_did is malformed")
	}
	if !validate.UUIDv4(in.SenderDeviceID) {
		fields = append(fields, "sender_device_id must be a UUIDv4")
	}
	if !validate.RecipientList(in.RecipientDIDs) {
		fields = append(fields, fmt.Sprintf("recipient_dids must contain 1-%d well-formed entries", validate.MaxRecipients))
	}
	if len(in.WrappedKeys) == 0 {
		fields = append(fields, "wrapped_keys is required")
	}
	for deviceID, wk := range in.WrappedKeys {
		if !validate.UUIDv4(deviceID) || !validate.Base64(wk) {
			fields = append(fields, "wrapped_keys entries must map device UUIDs to base64 keys")
			break
		}
	}
	if !validate.Signature(in.Signature) {
		fields = append(fields, "signature must be base64 of 64 bytes")
	}
	payload, ok := validate.DecodeBase64(in.EncryptedPayload)
	if !ok {
		fields = append(fields, "encrypted_payload must be non-empty base64")
	}
	if len(fields) > 0 {
		return nil, domain.Invalid(fields...)
	}
	return payload, nil
}

// InboxMessage is one inbox entry with its ciphertext re-encoded for the
// wire.
type InboxMessage struct {
	Message domain.EncryptedMessage
	Payload []byte
}

// Inbox returns messages deliverable to did created after since, newest
// first. Blob-backed rows are hydrated from the object store; legacy rows
// serve their inline payload.
func (s *MessageService) Inbox(ctx context.Context, did string, sinceMillis int64, limit int) ([]InboxMessage, bool, error) {
	if !validate.DID(did) {
		return nil, false, domain.Invalid("did is malformed")
	}
	if limit <= 0 {
		limit = inboxDefaultLimit
	}
	if limit > inboxMaxLimit {
		limit = inboxMaxLimit
	}
	rows, err := s.store.Messages().Inbox(ctx, did, sinceMillis, s.now().UnixMilli(), limit)
	if err != nil {
		return nil, false, err
	}
	out := make([]InboxMessage, 0, len(rows))
	for _, row := range rows {
		entry := InboxMessage{Message: row}
		switch {
		case row.BlobKey != nil:
			data, err := s.blobs.Get(ctx, *row.BlobKey)
			if err != nil {
				return nil, false, fmt.Errorf("blob fetch %s: %w", *row.BlobKey, err)
			}
			entry.Payload = data
		case row.InlinePayload != nil:
			raw, ok := validate.DecodeBase64(*row.InlinePayload)
			if !ok {
				return nil, false, fmt.Errorf("message %s: corrupt inline payload", row.MessageID)
			}
			entry.Payload = raw
		}
		out = append(out, entry)
	}
	return out, len(rows) == limit, nil
}

// MarkDelivered acknowledges one (message, recipient) delivery. The null
// guard in the store makes repeats report ErrNotFound instead of moving
// delivered_at.
func (s *MessageService) MarkDelivered(ctx context.Context, messageID, did string) error {
	if !validate.UUIDv4(messageID) || !validate.DID(did) {
		return domain.Invalid("message_id and recipient_did are required")
	}
	err := s.store.Messages().MarkDelivered(ctx, uuid.MustParse(messageID), did, s.now().UnixMilli())
	if errors.Is(err, store.ErrRecordNotFound) {
		return fmt.Errorf("%w: no pending delivery", domain.ErrNotFound)
	}
	return err
}

// Delete removes a message, its blob and its delivery rows. Only the
// sender may delete a live message; anyone may delete after expiry.
func (s *MessageService) Delete(ctx context.Context, messageID, callerDID string) error {
	if !validate.UUIDv4(messageID) {
		return domain.Invalid("message_id must be a UUIDv4")
	}
	id := uuid.MustParse(messageID)
	msg, err := s.store.Messages().Get(ctx, id)
	if errors.Is(err, store.ErrRecordNotFound) {
		return domain.ErrNotFound
	}
	if err != nil {
		return err
	}
	if msg.SenderDID != callerDID && msg.ExpiresAt >= s.now().UnixMilli() {
		return fmt.Errorf("%w: only the sender may delete a live message", domain.ErrForbidden)
	}
	if msg.BlobKey != nil {
		if err := s.blobs.Delete(ctx, *msg.BlobKey); err != nil {
			slog.Warn("message delete: blob removal failed", "key", *msg.BlobKey, "error", err)
		}
	}
	return s.store.Messages().Delete(ctx, id)
}
