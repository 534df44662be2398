package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"kappari.app/client/internal/auth"
	"kappari.app/client/internal/cloudsync"
	"kappari.app/client/internal/config"
	"kappari.app/client/internal/license"
	"kappari.app/client/internal/logger"
	"kappari.app/client/internal/ratelimit"
	"kappari.app/client/internal/transport"
	"kappari.app/client/models"
	"kappari.app/client/storage"
)

var version = "dev"

const usage = `usage: kappari <command> [flags]

commands:
  license     unlock the stored purchase and print a summary
  login       unlock, log in and print the masked token
  roundtrip   check that the purchase blobs re-encrypt byte for byte
  sync        log in and sync every collection (--once for a single pass)
`

type app struct {
	cfg *config.Config
	out io.Writer
	log *logger.Logger

	http  *transport.Client
	auth  *auth.Client
	store storage.Storage
}

func newApp(cfg *config.Config, out io.Writer) *app {
	http := transport.New(cfg.APIBaseURL, transport.Options{
		UserAgent:   cfg.UserAgent,
		Timeout:     cfg.APITimeout,
		MaxAttempts: cfg.RetryAttempts,
		Limiter:     transport.NewLimiter(cfg.RequestsPerSecond),

		HTTPProxy:          cfg.HTTPProxy,
		HTTPSProxy:         cfg.HTTPSProxy,
		InsecureSkipVerify: !cfg.VerifySSL,
		DryRun:             cfg.DryRun,
		Debug:              cfg.DebugRequests,
	})
	a := &app{
		cfg:  cfg,
		out:  out,
		log:  logger.Default().With("cli"),
		http: http,
		auth: auth.New(http, ratelimit.New(cfg.LoginAttempts, cfg.LoginWindow)),
	}
	if cfg.Token != "" {
		a.auth.SetToken(cfg.Token)
	}
	return a
}

func (a *app) keys() license.Keys {
	return license.Keys{
		DataPassword:      a.cfg.PurchaseDataPassword,
		SignaturePassword: a.cfg.PurchaseSignaturePassword,
		KDF:               a.cfg.KDF,
	}
}

// unlock reads the purchases from the app database and returns the first
// one that passes every check. An unset email is taken from the app's
// sync settings.
func (a *app) unlock(ctx context.Context) (*license.SignedLicense, error) {
	if err := a.cfg.ValidateLicense(); err != nil {
		return nil, err
	}
	db, err := storage.OpenPurchaseDB(a.cfg.DBPath)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	if a.cfg.Email == "" {
		if email, err := db.SyncEmail(ctx); err == nil && email != "" {
			a.cfg.Email = email
		}
	}

	purchases, err := db.ListPurchases(ctx)
	if err != nil {
		return nil, err
	}
	return license.UnlockAny(purchases, a.keys(), a.cfg.PublicKey, a.cfg.ProductID, a.cfg.DeviceID)
}

func (a *app) login(ctx context.Context) (string, error) {
	if token, err := a.auth.CurrentToken(); err == nil {
		return token, nil
	}
	lic, err := a.unlock(ctx)
	if err != nil {
		return "", err
	}
	if err := a.cfg.Validate(); err != nil {
		return "", err
	}
	return a.auth.Login(ctx, a.cfg.Email, a.cfg.Password, lic)
}

func (a *app) runLicense(ctx context.Context) error {
	lic, err := a.unlock(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "product:   %s\n", lic.License.ProductID)
	fmt.Fprintf(a.out, "license:   %s\n", logger.Mask(lic.License.Key))
	fmt.Fprintf(a.out, "purchased: %s\n", lic.License.PurchaseDate)
	fmt.Fprintf(a.out, "algorithm: %d\n", lic.License.Algorithm)
	return nil
}

func (a *app) runLogin(ctx context.Context) error {
	token, err := a.login(ctx)
	if errors.Is(err, transport.ErrDryRun) {
		fmt.Fprintln(a.out, "dry run: login not sent")
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "token: %s\n", logger.Mask(token))
	return nil
}

func (a *app) runRoundTrip(ctx context.Context) error {
	if a.cfg.DBPath == "" {
		return errors.New("KAPPARI_DB_PATH or KAPPARI_ROOT_DIR environment variable is required")
	}
	db, err := storage.OpenPurchaseDB(a.cfg.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	purchases, err := db.ListPurchases(ctx)
	if err != nil {
		return err
	}
	if len(purchases) == 0 {
		return license.ErrNoLicense
	}
	keys := a.keys()
	for i, p := range purchases {
		if err := license.VerifyRoundTrip(p.Data, keys.DataPassword, keys.KDF); err != nil {
			return fmt.Errorf("purchase %d data: %w", i, err)
		}
		if err := license.VerifyRoundTrip(p.Signature, keys.SignaturePassword, keys.KDF); err != nil {
			return fmt.Errorf("purchase %d signature: %w", i, err)
		}
		fmt.Fprintf(a.out, "purchase %d (%s): ok\n", i, p.ProductID)
	}
	return nil
}

// openStore opens the local record store. A .json path selects the file
// store, anything else SQLite.
func (a *app) openStore() (storage.Storage, error) {
	if a.store != nil {
		return a.store, nil
	}
	path := a.cfg.StorePath
	if path == "" {
		path = "kappari.sqlite"
	}
	var (
		store storage.Storage
		err   error
	)
	if strings.EqualFold(filepath.Ext(path), ".json") {
		store, err = storage.NewFileStorage(path)
	} else {
		store, err = storage.NewSQLiteStorage(path)
	}
	if err != nil {
		return nil, err
	}
	a.store = store
	return store, nil
}

func (a *app) engine() (*cloudsync.Engine, error) {
	store, err := a.openStore()
	if err != nil {
		return nil, err
	}
	var collections []models.Collection
	if len(a.cfg.Collections) > 0 {
		if collections, err = cloudsync.CollectionsByName(a.cfg.Collections); err != nil {
			return nil, err
		}
	}
	return cloudsync.New(store, a.http, a.auth, cloudsync.Options{
		Collections: collections,
		Workers:     a.cfg.SyncWorkers,
	}), nil
}

// syncOnce logs in if needed and syncs every collection. A revoked token
// leads to one fresh login per pass. In dry-run mode nothing leaves the
// machine and the pass reports success.
func (a *app) syncOnce(ctx context.Context, engine *cloudsync.Engine) error {
	if _, err := a.login(ctx); err != nil {
		if errors.Is(err, transport.ErrDryRun) {
			fmt.Fprintln(a.out, "dry run: login not sent")
			return nil
		}
		return err
	}
	results, err := engine.SyncAll(ctx)
	if err != nil && a.cfg.DryRun && errors.Is(err, transport.ErrDryRun) {
		err = nil
	}
	for name, res := range results {
		if len(res.Overwritten) > 0 {
			a.log.Warn("server copy replaced local edits", logger.Fields{
				"collection": name,
				"uids":       res.Overwritten,
			})
		}
	}
	stats := engine.Stats()
	fmt.Fprintf(a.out, "pushed %d, pulled %d, rejected %d, overwritten %d\n",
		stats.Pushed, stats.Pulled, stats.Rejected, stats.Overwritten)
	return err
}

func (a *app) runSync(ctx context.Context, once bool) error {
	engine, err := a.engine()
	if err != nil {
		return err
	}
	if once {
		return a.syncOnce(ctx, engine)
	}

	ticker := time.NewTicker(a.cfg.SyncInterval)
	defer ticker.Stop()
	for {
		if err := a.syncOnce(ctx, engine); err != nil {
			a.log.Error("sync pass failed", logger.Fields{"error": err})
			sentry.CaptureException(err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (a *app) close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("failed to close store", logger.Fields{"error": err})
		}
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	flags := pflag.NewFlagSet("kappari", pflag.ContinueOnError)
	flags.SetOutput(out)
	once := flags.Bool("once", false, "sync: run a single pass and exit")
	logLevel := flags.String("log-level", "", "override LOG_LEVEL")
	collections := flags.StringSlice("collections", nil, "sync: limit to these collections")
	flags.Usage = func() {
		fmt.Fprint(out, usage)
		flags.PrintDefaults()
	}
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() != 1 {
		flags.Usage()
		return errors.New("expected exactly one command")
	}

	cfg, err := config.New()
	if err != nil {
		return err
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if cfg.LogLevel != "" {
		level, err := logger.ParseLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		logger.SetLevel(level)
	}
	if len(*collections) > 0 {
		cfg.Collections = *collections
	}

	a := newApp(cfg, out)
	defer a.close()

	switch cmd := flags.Arg(0); cmd {
	case "license":
		return a.runLicense(ctx)
	case "login":
		return a.runLogin(ctx)
	case "roundtrip":
		return a.runRoundTrip(ctx)
	case "sync":
		return a.runSync(ctx, *once)
	default:
		flags.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func main() {
	if versionBytes, err := os.ReadFile("VERSION"); err == nil {
		version = strings.TrimSpace(string(versionBytes))
	}

	godotenv.Load()

	if err := sentry.Init(sentry.ClientOptions{
		Dsn:     os.Getenv("SENTRY_DSN"),
		Release: "kappari@" + version,
	}); err != nil {
		logger.Error("sentry init failed", logger.Fields{"error": err})
	}
	defer sentry.Flush(2 * time.Second)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Debug("starting", logger.Fields{"version": version})
	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		sentry.CaptureException(err)
		logger.Error("command failed", logger.Fields{"error": err})
		sentry.Flush(2 * time.Second)
		stop()
		os.Exit(1)
	}
}
