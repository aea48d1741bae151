package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"billingsync/internal/config"
	"billingsync/internal/lock"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Database.Driver = "sqlite"
	cfg.Database.DSN = filepath.Join(t.TempDir(), "billing.db")
	cfg.Stripe.SecretKey = "sk_test_app"
	cfg.Stripe.WebhookSecret = "whsec_app"
	cfg.Metrics.Enabled = false
	return cfg
}

func TestNewWithoutRedis(t *testing.T) {
	a, err := New(context.Background(), testConfig(t), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	assert.Nil(t, a.Queue)
	assert.Nil(t, a.Workers())
	assert.Nil(t, a.Pipeline.Queue)
	assert.IsType(t, &lock.KeyedMutex{}, a.Reconciler.Locker)

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"database":"ok"`)
	assert.NotContains(t, rec.Body.String(), "redis")
}

func TestNewWithRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.Redis.URL = "redis://" + mr.Addr()

	a, err := New(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	require.NotNil(t, a.Queue)
	assert.NotNil(t, a.Pipeline.Queue)
	assert.Equal(t, cfg.Worker.Lease, a.Queue.Visibility)
	assert.Equal(t, cfg.Worker.Lease, a.Pipeline.QueuedLease)
	assert.IsType(t, &lock.RedisLocker{}, a.Reconciler.Locker)

	pool := a.Workers()
	require.NotNil(t, pool)
	assert.Equal(t, cfg.Worker.Count, pool.Count)
	assert.Equal(t, cfg.Worker.MaxAttempts, pool.MaxAttempts)

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"redis":"ok"`)
}

func TestNewRequiresStripeKey(t *testing.T) {
	cfg := testConfig(t)
	cfg.Stripe.SecretKey = ""
	_, err := New(context.Background(), cfg, zerolog.Nop())
	require.Error(t, err)
}
