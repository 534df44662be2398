package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kappari.app/client/internal/config"
	"kappari.app/client/internal/fakeserver"
	"kappari.app/client/internal/logger"
	"kappari.app/client/internal/testutil"
	"kappari.app/client/models"
	"kappari.app/client/storage"
)

// Integration tests that drive the CLI against a fake server and a real
// app database.

type env struct {
	server    *fakeserver.Server
	storePath string
}

func setupEnv(t *testing.T) *env {
	fs, srv := testutil.FakeServer(t)
	fs.SetToken("integration-token")

	dbPath := testutil.WriteAppDatabase(t,
		testutil.SealPurchase(t, `{"product_id":"`+testutil.ProductID+`","install_uid":"another-device"}`),
		testutil.SealPurchase(t, testutil.LicensePayload()),
	)
	storePath := filepath.Join(t.TempDir(), "store.sqlite")

	t.Setenv("KAPPARI_ROOT_DIR", "")
	t.Setenv("KAPPARI_EMAIL", "")
	t.Setenv("KAPPARI_JWT_TOKEN", "")
	t.Setenv("KAPPARI_COLLECTIONS", "")
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("KAPPARI_DRY_RUN", "")
	t.Setenv("KAPPARI_HTTP_PROXY", "")
	t.Setenv("KAPPARI_HTTPS_PROXY", "")
	t.Setenv("KAPPARI_VERIFY_SSL", "")
	t.Setenv("KAPPARI_DEBUG_API_REQUESTS", "")
	t.Setenv("KAPPARI_PASSWORD", testutil.Password)
	t.Setenv("KAPPARI_DEVICE_ID", testutil.DeviceID)
	t.Setenv("KAPPARI_PUBLIC_KEY", string(testutil.PublicKeyPEM(t)))
	t.Setenv("KAPPARI_API_BASE_URL", srv.URL)
	t.Setenv("KAPPARI_DB_PATH", dbPath)
	t.Setenv("KAPPARI_STORE_PATH", storePath)
	t.Setenv("KAPPARI_USER_AGENT", testutil.UserAgent)

	return &env{server: fs, storePath: storePath}
}

func runCLI(t *testing.T, args ...string) (string, error) {
	var out bytes.Buffer
	err := run(context.Background(), args, &out)
	return out.String(), err
}

func TestRun_License(t *testing.T) {
	setupEnv(t)

	out, err := runCLI(t, "license")
	require.NoError(t, err)
	assert.Contains(t, out, testutil.ProductID)
	assert.Contains(t, out, logger.Mask("TEST-LICENSE-KEY"))
	assert.NotContains(t, out, "TEST-LICENSE-KEY")
}

func TestRun_LicenseNeedsDeviceID(t *testing.T) {
	setupEnv(t)
	t.Setenv("KAPPARI_DEVICE_ID", "")

	_, err := runCLI(t, "license")
	assert.ErrorContains(t, err, "KAPPARI_DEVICE_ID")
}

func TestRun_LoginUsesSyncEmail(t *testing.T) {
	e := setupEnv(t)

	out, err := runCLI(t, "login")
	require.NoError(t, err)
	assert.Equal(t, "token: "+logger.Mask("integration-token")+"\n", out)

	reqs := e.server.RequestsTo("/account/login/")
	require.Len(t, reqs, 1)
	assert.Equal(t, testutil.Email, string(reqs[0].Parts[0].Body))
}

func TestRun_LoginWithPresetToken(t *testing.T) {
	e := setupEnv(t)
	t.Setenv("KAPPARI_JWT_TOKEN", "kept-from-last-run")

	_, err := runCLI(t, "login")
	require.NoError(t, err)
	assert.Empty(t, e.server.RequestsTo("/account/login/"))
}

func TestRun_RoundTrip(t *testing.T) {
	setupEnv(t)

	out, err := runCLI(t, "roundtrip")
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(out, ": ok"))
}

func TestRun_UnknownCommand(t *testing.T) {
	setupEnv(t)

	out, err := runCLI(t, "bake")
	assert.ErrorContains(t, err, "unknown command")
	assert.Contains(t, out, "usage: kappari")

	_, err = runCLI(t)
	assert.Error(t, err)
}

func TestRun_SyncOnce(t *testing.T) {
	e := setupEnv(t)
	e.server.Seed("groceries", testutil.WireRecord(t, "G1", testutil.Hash('A'), false, map[string]interface{}{"name": "Milk"}))

	out, err := runCLI(t, "sync", "--once", "--collections", "groceries,recipes")
	require.NoError(t, err)
	assert.Contains(t, out, "pulled 1")

	store, err := storage.NewSQLiteStorage(e.storePath)
	require.NoError(t, err)
	defer store.Close()

	got, err := store.Get(context.Background(), "groceries", "G1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, testutil.Hash('A'), got.Hash)
	assert.Equal(t, models.StatusUnmodified, got.Status)

	assert.Empty(t, e.server.RequestsTo("/sync/meals/"), "only the selected collections are synced")
}

func TestRun_SyncOnceWithFileStore(t *testing.T) {
	e := setupEnv(t)
	storePath := filepath.Join(t.TempDir(), "records.json")
	t.Setenv("KAPPARI_STORE_PATH", storePath)
	e.server.Seed("pantry", testutil.WireRecord(t, "P1", testutil.Hash('C'), false, map[string]interface{}{"ingredient": "Flour"}))

	_, err := runCLI(t, "sync", "--once", "--collections", "pantry")
	require.NoError(t, err)

	store, err := storage.NewFileStorage(storePath)
	require.NoError(t, err)
	got, err := store.Get(context.Background(), "pantry", "P1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, testutil.Hash('C'), got.Hash)
}

func TestRun_DryRunSendsNothing(t *testing.T) {
	e := setupEnv(t)
	t.Setenv("KAPPARI_DRY_RUN", "true")
	e.server.Seed("groceries", testutil.WireRecord(t, "G1", testutil.Hash('A'), false, map[string]interface{}{"name": "Milk"}))

	out, err := runCLI(t, "login")
	require.NoError(t, err)
	assert.Contains(t, out, "dry run")

	t.Setenv("KAPPARI_JWT_TOKEN", "kept-from-last-run")
	out, err = runCLI(t, "sync", "--once", "--collections", "groceries")
	require.NoError(t, err)
	assert.Contains(t, out, "pulled 0")

	assert.Empty(t, e.server.Requests())
}

func TestFullWorkflow_EditPushPullAndRelogin(t *testing.T) {
	e := setupEnv(t)
	ctx := context.Background()

	cfg, err := config.New()
	require.NoError(t, err)
	cfg.Collections = []string{"recipes", "groceries"}

	var out bytes.Buffer
	a := newApp(cfg, &out)
	defer a.close()
	engine, err := a.engine()
	require.NoError(t, err)

	// Step 1: a local edit goes up on the first pass.
	recipe, err := engine.Create(ctx, "recipe", func(ent *models.Entity) error {
		return ent.SetField("name", "Tomato soup")
	})
	require.NoError(t, err)
	require.NoError(t, a.syncOnce(ctx, engine))

	onServer, ok := e.server.Record("recipe", recipe.UID)
	require.True(t, ok)
	assert.Equal(t, "Tomato soup", onServer["name"])
	assert.Equal(t, recipe.Hash, onServer["hash"])

	local, err := a.store.Get(ctx, "recipe", recipe.UID)
	require.NoError(t, err)
	assert.False(t, local.PendingUpload)

	// Step 2: another device changes the recipe; the next pass pulls it.
	e.server.Seed("recipe", testutil.WireRecord(t, recipe.UID, testutil.Hash('B'), false, map[string]interface{}{"name": "Tomato soup v2"}))

	// Step 3: the server rotates tokens, so the pass fails with a 401 and
	// the one after it logs in again.
	e.server.SetToken("rotated-token")
	assert.Error(t, a.syncOnce(ctx, engine))
	require.NoError(t, a.syncOnce(ctx, engine))

	local, err = a.store.Get(ctx, "recipe", recipe.UID)
	require.NoError(t, err)
	assert.Equal(t, testutil.Hash('B'), local.Hash)
	raw, _ := local.Field("name")
	assert.Equal(t, `"Tomato soup v2"`, string(raw))

	assert.Len(t, e.server.RequestsTo("/account/login/"), 2)
	token, err := a.auth.CurrentToken()
	require.NoError(t, err)
	assert.Equal(t, "rotated-token", token)
}
