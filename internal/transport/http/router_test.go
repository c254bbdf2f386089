package http

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ericyarmo/buds-relay/internal/authn"
	"github.com/ericyarmo/buds-relay/internal/blob"
	"github.com/ericyarmo/buds-relay/internal/phonecrypt"
	"github.com/ericyarmo/buds-relay/internal/service"
	"github.com/ericyarmo/buds-relay/internal/store"
)

const testSecret = "router-test-secret"

type testBlob struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (m *testBlob) Put(_ context.Context, key string, data []byte, _ blob.Metadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = append([]byte(nil), data...)
	return nil
}

func (m *testBlob) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("testblob: %s not found", key)
	}
	return data, nil
}

func (m *testBlob) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *testBlob) ListKeys(context.Context, string) ([]string, error) { return nil, nil }

func newTestServer(t *testing.T) *httptest.Server {
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
	sqlDB.SetMaxOpenConns(1)

	st := store.New(db)
	if err := st.AutoMigrate(context.Background()); err != nil {
		t.Fatal(err)
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatal(err)
	}
	enc, err := phonecrypt.New(key)
	if err != nil {
		t.Fatal(err)
	}

	blobs := &testBlob{objects: map[string][]byte{}}
	handler := NewRouter(Config{
		Identity:    service.NewIdentity(st, enc),
		Messages:    service.NewMessages(st, blobs, nil),
		Receipts:    service.NewReceipts(st),
		Store:       st,
		Auth:        authn.NewHMACValidator(testSecret, "test-issuer"),
		CORSOrigins: []string{"*"},
	})
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func bearerFor(t *testing.T, phone string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss":   "test-issuer",
		"sub":   "user-" + phone,
		"phone": phone,
		"iat":   time.Now().Unix(),
		"exp":   time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatal(err)
	}
	return "Bearer " + signed
}

func doJSON(t *testing.T, method, url, bearer string, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if bearer != "" {
		req.Header.Set("Authorization", bearer)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		decoded = nil
	}
	return resp, decoded
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t)
	resp, body := doJSON(t, http.MethodGet, srv.URL+"/health", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["status"] != "ok" {
		t.Fatalf("body = %v", body)
	}
}

func TestAuthRequired(t *testing.T) {
	srv := newTestServer(t)
	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/account/salt", "", "{}")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	errObj, _ := body["error"].(map[string]any)
	if errObj["code"] != "AUTH_FAILED" {
		t.Fatalf("code = %v, want AUTH_FAILED", errObj["code"])
	}
}

func TestSaltFlow(t *testing.T) {
	srv := newTestServer(t)
	bearer := bearerFor(t, "+14155551234")

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/account/salt", bearer, "{}")
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("first call status = %d, want 201", resp.StatusCode)
	}
	salt, _ := body["salt"].(string)
	if len(salt) != 44 || body["created"] != true {
		t.Fatalf("first call body = %v", body)
	}

	resp, body = doJSON(t, http.MethodPost, srv.URL+"/api/account/salt", bearer, "{}")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("second call status = %d, want 200", resp.StatusCode)
	}
	if body["salt"] != salt || body["created"] != false {
		t.Fatalf("second call body = %v", body)
	}
}

func TestLookupUnknownPhone(t *testing.T) {
	srv := newTestServer(t)
	bearer := bearerFor(t, "+14155551234")
	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/lookup/did", bearer, `{"phone":"+14155559999"}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	errObj, _ := body["error"].(map[string]any)
	if errObj["code"] != "NOT_FOUND" {
		t.Fatalf("code = %v", errObj["code"])
	}
	if errObj["request_id"] == "" {
		t.Fatal("missing request id")
	}
}

func TestValidationErrorCarriesFieldDetails(t *testing.T) {
	srv := newTestServer(t)
	bearer := bearerFor(t, "+14155551234")
	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/lookup/did", bearer, `{"phone":"not-a-phone"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	errObj, _ := body["error"].(map[string]any)
	if errObj["code"] != "VALIDATION_ERROR" {
		t.Fatalf("code = %v", errObj["code"])
	}
	details, _ := errObj["details"].([]any)
	if len(details) == 0 {
		t.Fatal("validation error carries no field details")
	}
}

// registerCallerDevice gives the bearer's phone a DID mapping through the
// public registration endpoint and returns the DID.
func registerCallerDevice(t *testing.T, srv *httptest.Server, bearer, phone string) string {
	t.Helper()
	did := "did:phone:" + strings.Repeat("ab", 32)
	body := fmt.Sprintf(`{
		"device_id": %q,
		"device_name": "pixel",
		"owner_did": %q,
		"phone": %q,
		"pubkey_x25519": "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=",
		"pubkey_ed25519": "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="
	}`, uuid.New().String(), did, phone)
	resp, respBody := doJSON(t, http.MethodPost, srv.URL+"/api/devices/register", bearer, body)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register status = %d: %v", resp.StatusCode, respBody)
	}
	return did
}

func TestInboxEnforcesCallerIdentity(t *testing.T) {
	srv := newTestServer(t)
	bearer := bearerFor(t, "+14155551234")

	// a caller without a DID mapping cannot read any inbox
	resp, body := doJSON(t, http.MethodGet, srv.URL+"/api/messages/inbox", bearer, "")
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("unmapped caller status = %d, want 403", resp.StatusCode)
	}

	did := registerCallerDevice(t, srv, bearer, "+14155551234")

	// own inbox reads fine, with or without the explicit did
	for _, url := range []string{
		srv.URL + "/api/messages/inbox",
		srv.URL + "/api/messages/inbox?did=" + did,
	} {
		resp, body = doJSON(t, http.MethodGet, url, bearer, "")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("own inbox status = %d: %v", resp.StatusCode, body)
		}
	}

	// naming another identity is rejected before any read
	other := "did:phone:" + strings.Repeat("cd", 32)
	resp, body = doJSON(t, http.MethodGet, srv.URL+"/api/messages/inbox?did="+other, bearer, "")
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("foreign inbox status = %d, want 403", resp.StatusCode)
	}
	errObj, _ := body["error"].(map[string]any)
	if errObj["code"] != "FORBIDDEN" {
		t.Fatalf("code = %v, want FORBIDDEN", errObj["code"])
	}
}

func TestMarkDeliveredEnforcesCallerIdentity(t *testing.T) {
	srv := newTestServer(t)
	bearer := bearerFor(t, "+14155551234")
	registerCallerDevice(t, srv, bearer, "+14155551234")

	other := "did:phone:" + strings.Repeat("cd", 32)
	body := fmt.Sprintf(`{"message_id": %q, "recipient_did": %q}`, uuid.New().String(), other)
	resp, respBody := doJSON(t, http.MethodPost, srv.URL+"/api/messages/mark-delivered", bearer, body)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("foreign ack status = %d, want 403: %v", resp.StatusCode, respBody)
	}
}

func TestRateLimitHeaders(t *testing.T) {
	srv := newTestServer(t)
	bearer := bearerFor(t, "+14155551234")

	var lastRemaining string
	for i := 0; i < 10; i++ {
		resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/account/salt", bearer, "{}")
		if resp.StatusCode >= 300 {
			t.Fatalf("call %d status = %d", i+1, resp.StatusCode)
		}
		if resp.Header.Get("X-RateLimit-Limit") != "10" {
			t.Fatalf("limit header = %q", resp.Header.Get("X-RateLimit-Limit"))
		}
		lastRemaining = resp.Header.Get("X-RateLimit-Remaining")
	}
	if lastRemaining != "0" {
		t.Fatalf("remaining after exhausting budget = %q, want 0", lastRemaining)
	}

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/account/salt", bearer, "{}")
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("over-budget status = %d, want 429", resp.StatusCode)
	}
	retry := resp.Header.Get("Retry-After")
	if retry == "" {
		t.Fatal("missing Retry-After header")
	}
	errObj, _ := body["error"].(map[string]any)
	if errObj["code"] != "RATE_LIMITED" {
		t.Fatalf("code = %v, want RATE_LIMITED", errObj["code"])
	}
}
