package domain

import (
	"github.com/google/uuid"

	"github.com/ericyarmo/buds-relay/internal/msgjson"
)

// Device statuses.
const (
	DeviceActive   = "active"
	DeviceInactive = "inactive"
)

// Jar member statuses and roles.
const (
	MemberActive  = "active"
	MemberPending = "pending"
	MemberRemoved = "removed"

	RoleOwner  = "owner"
	RoleMember = "member"
)

// Device is one registered client device. Re-registration of the same
// device_id overwrites keys and push token but preserves registered_at.
type Device struct {
	DeviceID            uuid.UUID `gorm:"type:uuid;primaryKey;column:device_id"`
	OwnerDID            string    `gorm:"not null;index:idx_devices_owner_did"`
	OwnerEncryptedPhone string    `gorm:"not null;index:idx_devices_encrypted_phone"`
	DeviceName          string    `gorm:"not null"`
	PubkeyX25519        string    `gorm:"not null"`
	PubkeyEd25519       string    `gorm:"not null"`
	PushToken           *string   `gorm:"index:idx_devices_push_token"`
	Status              string    `gorm:"not null;default:active;index:idx_devices_status"`
	RegisteredAt        int64     `gorm:"not null"`
	LastSeenAt          int64     `gorm:"not null"`
}

// PhoneDID maps an encrypted phone to the DID derived from it. One DID
// per encrypted phone.
type PhoneDID struct {
	EncryptedPhone string `gorm:"primaryKey"`
	DID            string `gorm:"not null;column:did"`
	CreatedAt      int64  `gorm:"not null"`
}

func (PhoneDID) TableName() string { return "phone_to_did" }

// AccountSalt is the write-once per-phone salt clients mix into DID
// derivation.
type AccountSalt struct {
	EncryptedPhone string `gorm:"primaryKey"`
	Salt           string `gorm:"not null"`
	CreatedAt      int64  `gorm:"not null"`
}

// EncryptedMessage is the metadata row for one direct message. Exactly one
// of BlobKey or InlinePayload is set: new writes offload ciphertext to the
// object store, legacy rows carry it inline until they expire.
type EncryptedMessage struct {
	MessageID      uuid.UUID    `gorm:"type:uuid;primaryKey;column:message_id"`
	ReceiptCID     string       `gorm:"not null;index:idx_messages_receipt_cid"`
	SenderDID      string       `gorm:"not null"`
	SenderDeviceID uuid.UUID    `gorm:"type:uuid;not null"`
	RecipientDIDs  msgjson.JSON `gorm:"type:jsonb;not null;column:recipient_dids"`
	WrappedKeys    msgjson.JSON `gorm:"type:jsonb;not null"`
	Signature      string       `gorm:"not null"`
	BlobKey        *string      `gorm:"index:idx_messages_blob_key"`
	InlinePayload  *string
	CreatedAt      int64 `gorm:"not null;index"`
	ExpiresAt      int64 `gorm:"not null;index"`
}

// MessageDelivery tracks one recipient of one message. DeliveredAt is
// monotonic once set.
type MessageDelivery struct {
	MessageID    uuid.UUID `gorm:"type:uuid;primaryKey;column:message_id"`
	RecipientDID string    `gorm:"primaryKey;index:idx_delivery_recipient"`
	DeliveredAt  *int64
}

// JarReceipt is one envelope of a jar's append-only log. The sequence
// number lives only on the envelope; it is never inside the signed bytes.
type JarReceipt struct {
	ID             uint64  `gorm:"primaryKey;autoIncrement"`
	JarID          string  `gorm:"not null;uniqueIndex:idx_jar_sequence,priority:1"`
	SequenceNumber int64   `gorm:"not null;uniqueIndex:idx_jar_sequence,priority:2"`
	ReceiptCID     string  `gorm:"not null;uniqueIndex:idx_receipt_cid"`
	ReceiptData    []byte  `gorm:"type:bytea;not null"`
	Signature      []byte  `gorm:"type:bytea;not null"`
	SenderDID      string  `gorm:"not null;index:idx_receipts_sender"`
	ReceivedAt     int64   `gorm:"not null"`
	ParentCID      *string `gorm:"index:idx_receipts_parent"`
}

// JarMember is the membership view materialized from the receipt log. It
// is rebuildable by replaying receipts in sequence order.
type JarMember struct {
	JarID               string `gorm:"primaryKey;index:idx_members_jar_status,priority:1"`
	MemberDID           string `gorm:"primaryKey;index:idx_members_member"`
	Status              string `gorm:"not null;index:idx_members_jar_status,priority:2"`
	Role                string `gorm:"not null"`
	AddedAt             int64  `gorm:"not null"`
	RemovedAt           *int64
	AddedByReceiptCID   string `gorm:"not null"`
	RemovedByReceiptCID *string
}
