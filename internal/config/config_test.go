package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allKeys = []string{
	"KAPPARI_EMAIL", "KAPPARI_PASSWORD", "KAPPARI_DEVICE_ID", "KAPPARI_JWT_TOKEN",
	"KAPPARI_API_BASE_URL", "KAPPARI_USER_AGENT", "KAPPARI_PRODUCT_ID",
	"KAPPARI_PURCHASE_DATA_KEY", "KAPPARI_PURCHASE_SIGNATURE_KEY", "KAPPARI_KDF_ITERATIONS",
	"KAPPARI_ROOT_DIR", "KAPPARI_DB_PATH", "KAPPARI_STORE_PATH",
	"KAPPARI_PUBLIC_KEY", "KAPPARI_PUBLIC_KEY_FILE", "KAPPARI_API_TIMEOUT",
	"KAPPARI_RETRY_ATTEMPTS", "KAPPARI_REQUESTS_PER_SECOND", "KAPPARI_SYNC_WORKERS",
	"KAPPARI_SYNC_INTERVAL", "KAPPARI_COLLECTIONS", "KAPPARI_LOGIN_ATTEMPTS",
	"KAPPARI_DRY_RUN", "KAPPARI_HTTP_PROXY", "KAPPARI_HTTPS_PROXY",
	"KAPPARI_VERIFY_SSL", "KAPPARI_DEBUG_API_REQUESTS",
	"LOG_LEVEL", "SENTRY_DSN",
}

func clearEnv(t *testing.T) {
	for _, k := range allKeys {
		t.Setenv(k, "")
	}
}

func TestNew_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := New()
	require.NoError(t, err)

	assert.Equal(t, "https://www.paprikaapp.com/api/v2", cfg.APIBaseURL)
	assert.Equal(t, "Paprika Recipe Manager 3/3.3.1 (Microsoft Windows NT 10.0.26100.0)", cfg.UserAgent)
	assert.Equal(t, "Purchase Data", cfg.PurchaseDataPassword)
	assert.Equal(t, "Purchase Signature", cfg.PurchaseSignaturePassword)
	assert.Equal(t, 1000, cfg.KDF.Iterations)
	assert.Equal(t, 30*time.Second, cfg.APITimeout)
	assert.Equal(t, 3, cfg.RetryAttempts)
	assert.Equal(t, 15*time.Minute, cfg.SyncInterval)
	assert.Empty(t, cfg.DBPath)
	assert.Empty(t, cfg.Collections)
	assert.False(t, cfg.DryRun)
	assert.True(t, cfg.VerifySSL)
	assert.False(t, cfg.DebugRequests)
	assert.Empty(t, cfg.HTTPProxy)
	assert.Empty(t, cfg.HTTPSProxy)
}

func TestNew_NetworkSettings(t *testing.T) {
	clearEnv(t)
	t.Setenv("KAPPARI_DRY_RUN", "yes")
	t.Setenv("KAPPARI_VERIFY_SSL", "off")
	t.Setenv("KAPPARI_DEBUG_API_REQUESTS", "TRUE")
	t.Setenv("KAPPARI_HTTP_PROXY", "http://proxy.local:3128")
	t.Setenv("KAPPARI_HTTPS_PROXY", "http://proxy.local:3129")

	cfg, err := New()
	require.NoError(t, err)
	assert.True(t, cfg.DryRun)
	assert.False(t, cfg.VerifySSL)
	assert.True(t, cfg.DebugRequests)
	assert.Equal(t, "http://proxy.local:3128", cfg.HTTPProxy)
	assert.Equal(t, "http://proxy.local:3129", cfg.HTTPSProxy)
}

func TestNew_Overrides(t *testing.T) {
	clearEnv(t)
	root := t.TempDir()
	t.Setenv("KAPPARI_ROOT_DIR", root)
	t.Setenv("KAPPARI_STORE_PATH", "local/store.sqlite")
	t.Setenv("KAPPARI_API_TIMEOUT", "5")
	t.Setenv("KAPPARI_REQUESTS_PER_SECOND", "2.5")
	t.Setenv("KAPPARI_COLLECTIONS", "recipe, groceries,,meals")
	t.Setenv("KAPPARI_PUBLIC_KEY", `-----BEGIN PUBLIC KEY-----\nabc\n-----END PUBLIC KEY-----`)

	cfg, err := New()
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(root, "Database", "Paprika.sqlite"), cfg.DBPath)
	assert.Equal(t, filepath.Join(root, "local", "store.sqlite"), cfg.StorePath)
	assert.Equal(t, 5*time.Second, cfg.APITimeout)
	assert.Equal(t, 2.5, cfg.RequestsPerSecond)
	assert.Equal(t, []string{"recipe", "groceries", "meals"}, cfg.Collections)
	assert.Equal(t, "-----BEGIN PUBLIC KEY-----\nabc\n-----END PUBLIC KEY-----", string(cfg.PublicKey))
}

func TestNew_PublicKeyFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "key.pem")
	require.NoError(t, os.WriteFile(path, []byte("PEM"), 0o600))
	t.Setenv("KAPPARI_PUBLIC_KEY_FILE", path)

	cfg, err := New()
	require.NoError(t, err)
	assert.Equal(t, "PEM", string(cfg.PublicKey))

	t.Setenv("KAPPARI_PUBLIC_KEY_FILE", filepath.Join(t.TempDir(), "missing.pem"))
	_, err = New()
	assert.Error(t, err)
}

func TestNew_InvalidValues(t *testing.T) {
	cases := map[string]string{
		"KAPPARI_API_TIMEOUT":         "soon",
		"KAPPARI_RETRY_ATTEMPTS":      "0",
		"KAPPARI_SYNC_WORKERS":        "-1",
		"KAPPARI_REQUESTS_PER_SECOND": "fast",
		"KAPPARI_KDF_ITERATIONS":      "0",
		"KAPPARI_DB_PATH":             "relative/without/root.sqlite",
		"KAPPARI_VERIFY_SSL":          "maybe",
		"KAPPARI_DRY_RUN":             "2",
		"KAPPARI_HTTPS_PROXY":         "proxy.local:3128",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(key, value)
			_, err := New()
			assert.Error(t, err)
		})
	}
}

func TestValidate(t *testing.T) {
	clearEnv(t)
	cfg, err := New()
	require.NoError(t, err)

	assert.Error(t, cfg.Validate(), "missing credentials")

	cfg.Email, cfg.Password = "jo@example.com", "secret"
	assert.Error(t, cfg.Validate(), "missing database")

	cfg.DBPath = "/tmp/Paprika.sqlite"
	cfg.DeviceID = "DEVICE"
	assert.Error(t, cfg.Validate(), "missing public key")

	cfg.PublicKey = []byte("PEM")
	assert.NoError(t, cfg.Validate())

	cfg.ProductID = "com.hindsightlabs.paprika.windows.v2"
	assert.Error(t, cfg.Validate(), "client is a v3 build")
}
