package service

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ericyarmo/buds-relay/internal/blob"
	"github.com/ericyarmo/buds-relay/internal/phonecrypt"
	"github.com/ericyarmo/buds-relay/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatal(err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatal(err)
	}
	// a single connection keeps the shared in-memory database alive and
	// serializes writers the way the sqlite driver expects
	sqlDB.SetMaxOpenConns(1)

	st := store.New(db)
	if err := st.AutoMigrate(context.Background()); err != nil {
		t.Fatal(err)
	}
	return st
}

func newTestEncryptor(t *testing.T) *phonecrypt.Encryptor {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatal(err)
	}
	enc, err := phonecrypt.New(key)
	if err != nil {
		t.Fatal(err)
	}
	return enc
}

// memBlob is the in-memory object store used by message and cleanup tests.
type memBlob struct {
	mu      sync.Mutex
	objects map[string][]byte
	metas   map[string]blob.Metadata
	failPut bool
}

func newMemBlob() *memBlob {
	return &memBlob{objects: map[string][]byte{}, metas: map[string]blob.Metadata{}}
}

func (m *memBlob) Put(_ context.Context, key string, data []byte, meta blob.Metadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failPut {
		return fmt.Errorf("memblob: put refused")
	}
	m.objects[key] = append([]byte(nil), data...)
	m.metas[key] = meta
	return nil
}

func (m *memBlob) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("memblob: %s not found", key)
	}
	return append([]byte(nil), data...), nil
}

func (m *memBlob) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	delete(m.metas, key)
	return nil
}

func (m *memBlob) ListKeys(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (m *memBlob) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}

// signer bundles a test identity: a DID, its device and its signing key.
type signer struct {
	did      string
	deviceID uuid.UUID
	priv     ed25519.PrivateKey
}

// registerSigner creates an active device with a fresh Ed25519 keypair for
// a synthetic DID.
func registerSigner(t *testing.T, st *store.Store, seed byte) *signer {
	return registerSignerWithToken(t, st, seed, "")
}

func registerSignerWithToken(t *testing.T, st *store.Store, seed byte, pushToken string) *signer {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	did := "did:phone:" + strings.Repeat(fmt.Sprintf("%02x", seed), 32)
	ident := NewIdentity(st, newTestEncryptor(t))
	phone := fmt.Sprintf("+1415555%04d", seed)
	in := RegisterDeviceInput{
		DeviceID:      uuid.New().String(),
		DeviceName:    fmt.Sprintf("device-%d", seed),
		OwnerDID:      did,
		Phone:         phone,
		PubkeyX25519:  base64.StdEncoding.EncodeToString(make([]byte, 32)),
		PubkeyEd25519: base64.StdEncoding.EncodeToString(pub),
	}
	if pushToken != "" {
		in.PushToken = &pushToken
	}
	device, err := ident.RegisterDevice(context.Background(), phone, in)
	if err != nil {
		t.Fatal(err)
	}
	return &signer{did: did, deviceID: device.DeviceID, priv: priv}
}

// makeReceipt builds canonical CBOR receipt bytes and their signature.
func makeReceipt(t *testing.T, sg *signer, receiptType string, ts int64, payload map[string]any) (data, sig []byte) {
	t.Helper()
	m := map[string]any{
		"receipt_type": receiptType,
		"sender_did":   sg.did,
		"timestamp":    uint64(ts),
	}
	if payload != nil {
		m["payload"] = payload
	}
	data, err := cbor.Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	return data, ed25519.Sign(sg.priv, data)
}
