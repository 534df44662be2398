// Package testutil holds fixtures shared by package tests: a signing key,
// sealed purchase records, a running fake server and entity builders.
package testutil

import (
	stdcrypto "crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"kappari.app/client/internal/crypto"
	"kappari.app/client/internal/fakeserver"
	"kappari.app/client/internal/license"
	"kappari.app/client/internal/transport"
	"kappari.app/client/models"
	"kappari.app/client/storage"
)

const (
	ProductID = "com.hindsightlabs.paprika.windows.v3"
	DeviceID  = "6F1C2E0A-1111-4C2B-9D1E-0A9B8C7D6E5F"
	UserAgent = "Paprika Recipe Manager 3/3.3.1 (Microsoft Windows NT 10.0.26100.0)"
	Email     = "jo@example.com"
	Password  = "correct horse"
)

var (
	keyOnce sync.Once
	key     *rsa.PrivateKey
)

// SigningKey is one 2048-bit key shared by every test in the binary.
func SigningKey(t testing.TB) *rsa.PrivateKey {
	keyOnce.Do(func() {
		var err error
		key, err = rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
	})
	return key
}

func PublicKeyPEM(t testing.TB) []byte {
	der, err := x509.MarshalPKIXPublicKey(&SigningKey(t).PublicKey)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
}

func Keys() license.Keys {
	return license.Keys{
		DataPassword:      "Purchase Data",
		SignaturePassword: "Purchase Signature",
		KDF:               crypto.DefaultKDF(),
	}
}

// LicensePayload is a signed-looking payload for ProductID and DeviceID.
func LicensePayload() string {
	return `{"key":"TEST-LICENSE-KEY","name":"Jo Cook","email":"jo@example.com","product_id":"` + ProductID +
		`","purchase_date":"2025-07-14 20:09:31","disabled":false,"refunded":false,"install_uid":"` + DeviceID + `","algorithm":1}`
}

// SealPurchase encrypts payload and its signature the way the app stores
// them in the purchases table.
func SealPurchase(t testing.TB, payload string) models.Purchase {
	digest := sha1.Sum([]byte(payload))
	sig, err := rsa.SignPKCS1v15(rand.Reader, SigningKey(t), stdcrypto.SHA1, digest[:])
	if err != nil {
		t.Fatalf("sign payload: %v", err)
	}
	keys := Keys()
	data, err := license.Seal([]byte(payload), keys.DataPassword, nil, keys.KDF)
	if err != nil {
		t.Fatalf("seal data: %v", err)
	}
	sealedSig, err := license.Seal([]byte(base64.StdEncoding.EncodeToString(sig)), keys.SignaturePassword, nil, keys.KDF)
	if err != nil {
		t.Fatalf("seal signature: %v", err)
	}
	return models.Purchase{ProductID: ProductID, Data: data, Signature: sealedSig}
}

// UnlockedLicense returns a valid license for the default device.
func UnlockedLicense(t testing.TB) *license.SignedLicense {
	p := SealPurchase(t, LicensePayload())
	lic, err := license.Unlock(p.Data, p.Signature, Keys(), PublicKeyPEM(t), ProductID, DeviceID)
	if err != nil {
		t.Fatalf("unlock fixture license: %v", err)
	}
	return lic
}

// WriteAppDatabase creates an app database holding purchases and the
// account's sync email.
func WriteAppDatabase(t testing.TB, purchases ...models.Purchase) string {
	path := filepath.Join(t.TempDir(), "Paprika.sqlite")
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("open app database: %v", err)
	}
	defer db.Close()

	if _, err := db.Exec(`CREATE TABLE purchases (product_id TEXT, data TEXT, signature TEXT);
		CREATE TABLE settings (name TEXT, value TEXT);`); err != nil {
		t.Fatalf("create app schema: %v", err)
	}
	for _, p := range purchases {
		if _, err := db.Exec(`INSERT INTO purchases VALUES (?, ?, ?)`, p.ProductID, p.Data, p.Signature); err != nil {
			t.Fatalf("insert purchase: %v", err)
		}
	}
	if _, err := db.Exec(`INSERT INTO settings VALUES ('SyncEmail', ?)`, `"`+Email+`"`); err != nil {
		t.Fatalf("insert setting: %v", err)
	}
	return path
}

// FakeServer starts a reference server with the default account and the
// fixture public key. It is closed when the test ends.
func FakeServer(t testing.TB) (*fakeserver.Server, *httptest.Server) {
	fs := fakeserver.New()
	fs.AddAccount(Email, Password)
	fs.SetPublicKey(PublicKeyPEM(t))
	srv := httptest.NewServer(fs)
	t.Cleanup(srv.Close)
	return fs, srv
}

// Transport returns a client tuned for tests: short backoff, no pacing.
func Transport(baseURL string) *transport.Client {
	return transport.New(baseURL, transport.Options{
		UserAgent:      UserAgent,
		Timeout:        5 * time.Second,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	})
}

// TestStorage creates an empty memory storage.
func TestStorage() *storage.MemoryStorage {
	return storage.NewMemoryStorage()
}

// NewEntity builds an unmodified entity with the given domain fields.
func NewEntity(t testing.TB, collection, uid, hash string, fields map[string]interface{}) *models.Entity {
	e := &models.Entity{
		Collection: collection,
		UID:        models.NormalizeUID(uid),
		Hash:       hash,
		Status:     models.StatusUnmodified,
	}
	for k, v := range fields {
		if err := e.SetField(k, v); err != nil {
			t.Fatalf("set field %s: %v", k, err)
		}
	}
	return e
}

// WireRecord renders a server-side object for Seed.
func WireRecord(t testing.TB, uid, hash string, deleted bool, fields map[string]interface{}) json.RawMessage {
	obj := map[string]interface{}{"uid": uid, "hash": hash, "deleted": deleted}
	for k, v := range fields {
		obj[k] = v
	}
	raw, err := json.Marshal(obj)
	if err != nil {
		t.Fatalf("marshal record: %v", err)
	}
	return raw
}

// Hash returns a 64-character uppercase hex string built from c.
func Hash(c byte) string {
	b := make([]byte, 64)
	for i := range b {
		b[i] = c
	}
	return string(b)
}
