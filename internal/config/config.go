package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"kappari.app/client/internal/crypto"
	"kappari.app/client/internal/version"
)

// Constants are the protocol values the desktop app ships with. They are
// overridable only so tests and future app versions can change them.
type Constants struct {
	APIBaseURL                string
	UserAgent                 string
	ProductID                 string
	PurchaseDataPassword      string
	PurchaseSignaturePassword string
	KDF                       crypto.KDFParams
}

func DefaultConstants() Constants {
	return Constants{
		APIBaseURL:                "https://www.paprikaapp.com/api/v2",
		UserAgent:                 "Paprika Recipe Manager 3/3.3.1 (Microsoft Windows NT 10.0.26100.0)",
		ProductID:                 "com.hindsightlabs.paprika.windows.v3",
		PurchaseDataPassword:      "Purchase Data",
		PurchaseSignaturePassword: "Purchase Signature",
		KDF:                       crypto.DefaultKDF(),
	}
}

type Config struct {
	Constants

	Email    string
	Password string
	DeviceID string
	// Token skips the login request when set.
	Token string

	RootDir   string
	DBPath    string
	StorePath string

	PublicKey []byte

	APITimeout        time.Duration
	RetryAttempts     int
	RequestsPerSecond float64
	SyncWorkers       int
	SyncInterval      time.Duration
	Collections       []string

	LoginAttempts int
	LoginWindow   time.Duration

	// DryRun logs requests instead of sending them.
	DryRun        bool
	HTTPProxy     string
	HTTPSProxy    string
	VerifySSL     bool
	DebugRequests bool

	LogLevel  string
	SentryDSN string
}

func New() (*Config, error) {
	c := &Config{Constants: DefaultConstants()}

	c.Email = os.Getenv("KAPPARI_EMAIL")
	c.Password = os.Getenv("KAPPARI_PASSWORD")
	c.DeviceID = os.Getenv("KAPPARI_DEVICE_ID")
	c.Token = os.Getenv("KAPPARI_JWT_TOKEN")

	c.APIBaseURL = getenv("KAPPARI_API_BASE_URL", c.APIBaseURL)
	c.UserAgent = getenv("KAPPARI_USER_AGENT", c.UserAgent)
	c.ProductID = getenv("KAPPARI_PRODUCT_ID", c.ProductID)
	c.PurchaseDataPassword = getenv("KAPPARI_PURCHASE_DATA_KEY", c.PurchaseDataPassword)
	c.PurchaseSignaturePassword = getenv("KAPPARI_PURCHASE_SIGNATURE_KEY", c.PurchaseSignaturePassword)

	var err error
	if c.KDF.Iterations, err = getInt("KAPPARI_KDF_ITERATIONS", c.KDF.Iterations); err != nil {
		return nil, err
	}

	c.RootDir = os.Getenv("KAPPARI_ROOT_DIR")
	if c.DBPath, err = c.resolvePath("KAPPARI_DB_PATH", filepath.Join("Database", "Paprika.sqlite")); err != nil {
		return nil, err
	}
	if c.StorePath, err = c.resolvePath("KAPPARI_STORE_PATH", "kappari.sqlite"); err != nil {
		return nil, err
	}

	if pem := os.Getenv("KAPPARI_PUBLIC_KEY"); pem != "" {
		// .env files cannot hold raw newlines.
		c.PublicKey = []byte(strings.ReplaceAll(pem, `\n`, "\n"))
	} else if path := os.Getenv("KAPPARI_PUBLIC_KEY_FILE"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read KAPPARI_PUBLIC_KEY_FILE: %w", err)
		}
		c.PublicKey = raw
	}

	timeout, err := getInt("KAPPARI_API_TIMEOUT", 30)
	if err != nil {
		return nil, err
	}
	c.APITimeout = time.Duration(timeout) * time.Second

	if c.RetryAttempts, err = getInt("KAPPARI_RETRY_ATTEMPTS", 3); err != nil {
		return nil, err
	}
	if c.SyncWorkers, err = getInt("KAPPARI_SYNC_WORKERS", 4); err != nil {
		return nil, err
	}
	interval, err := getInt("KAPPARI_SYNC_INTERVAL", 15)
	if err != nil {
		return nil, err
	}
	c.SyncInterval = time.Duration(interval) * time.Minute

	rps := os.Getenv("KAPPARI_REQUESTS_PER_SECOND")
	if rps != "" {
		if c.RequestsPerSecond, err = strconv.ParseFloat(rps, 64); err != nil {
			return nil, fmt.Errorf("KAPPARI_REQUESTS_PER_SECOND: %w", err)
		}
	}

	if list := os.Getenv("KAPPARI_COLLECTIONS"); list != "" {
		for _, name := range strings.Split(list, ",") {
			if name = strings.TrimSpace(name); name != "" {
				c.Collections = append(c.Collections, name)
			}
		}
	}

	if c.LoginAttempts, err = getInt("KAPPARI_LOGIN_ATTEMPTS", 5); err != nil {
		return nil, err
	}
	c.LoginWindow = 10 * time.Minute

	if c.DryRun, err = getBool("KAPPARI_DRY_RUN", false); err != nil {
		return nil, err
	}
	if c.VerifySSL, err = getBool("KAPPARI_VERIFY_SSL", true); err != nil {
		return nil, err
	}
	if c.DebugRequests, err = getBool("KAPPARI_DEBUG_API_REQUESTS", false); err != nil {
		return nil, err
	}
	if c.HTTPProxy, err = getProxy("KAPPARI_HTTP_PROXY"); err != nil {
		return nil, err
	}
	if c.HTTPSProxy, err = getProxy("KAPPARI_HTTPS_PROXY"); err != nil {
		return nil, err
	}

	c.LogLevel = os.Getenv("LOG_LEVEL")
	c.SentryDSN = os.Getenv("SENTRY_DSN")

	if c.APITimeout <= 0 {
		return nil, errors.New("KAPPARI_API_TIMEOUT must be positive")
	}
	if c.RetryAttempts < 1 {
		return nil, errors.New("KAPPARI_RETRY_ATTEMPTS must be at least 1")
	}
	if c.SyncWorkers < 1 {
		return nil, errors.New("KAPPARI_SYNC_WORKERS must be at least 1")
	}
	if c.KDF.Iterations < 1 {
		return nil, errors.New("KAPPARI_KDF_ITERATIONS must be at least 1")
	}

	return c, nil
}

// ValidateLicense checks what unlocking the stored purchase needs.
func (c *Config) ValidateLicense() error {
	if c.DBPath == "" {
		return errors.New("KAPPARI_DB_PATH or KAPPARI_ROOT_DIR environment variable is required")
	}
	if c.DeviceID == "" {
		return errors.New("KAPPARI_DEVICE_ID environment variable is required")
	}
	if len(c.PublicKey) == 0 {
		return errors.New("KAPPARI_PUBLIC_KEY or KAPPARI_PUBLIC_KEY_FILE environment variable is required")
	}
	return version.CheckClient(c.UserAgent, c.ProductID)
}

// Validate checks everything a login needs.
func (c *Config) Validate() error {
	if c.Email == "" || c.Password == "" {
		return errors.New("KAPPARI_EMAIL and KAPPARI_PASSWORD environment variables are required")
	}
	return c.ValidateLicense()
}

// resolvePath prefers an explicit variable; a relative value is taken
// relative to the root directory. Without either the result is empty.
func (c *Config) resolvePath(envKey, defaultRelative string) (string, error) {
	if p := os.Getenv(envKey); p != "" {
		if filepath.IsAbs(p) {
			return p, nil
		}
		if c.RootDir == "" {
			return "", fmt.Errorf("%s is relative but KAPPARI_ROOT_DIR is not set", envKey)
		}
		return filepath.Join(c.RootDir, p), nil
	}
	if c.RootDir != "" {
		return filepath.Join(c.RootDir, defaultRelative), nil
	}
	return "", nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getBool(key string, fallback bool) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "":
		return fallback, nil
	case "true", "yes", "1", "on":
		return true, nil
	case "false", "no", "0", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s: not a boolean: %q", key, os.Getenv(key))
	}
}

// getProxy accepts an absolute proxy URL with a scheme and host.
func getProxy(key string) (string, error) {
	v := os.Getenv(key)
	if v == "" {
		return "", nil
	}
	u, err := url.Parse(v)
	if err != nil {
		return "", fmt.Errorf("%s: %w", key, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("%s: proxy URL needs a scheme and host: %q", key, v)
	}
	return v, nil
}
