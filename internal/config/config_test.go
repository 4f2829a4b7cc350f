package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoad_DefaultsAndYAML(t *testing.T) {
	p := writeYAML(t, `
storage:
  driver: memory
rotation:
  user_key_max_age_days: 30
worker:
  batch_size: 10
  claim_ttl: 30s
ca:
  info:
    name: Test CA
    email: ca@example.test
  auto_certify: true
`)
	c, err := Load(p)
	require.NoError(t, err)
	require.Equal(t, 30, c.Rotation.UserKeyMaxAgeDays)
	require.Equal(t, 365, c.Rotation.CAKeyMaxAgeDays)
	require.Equal(t, 7, c.Rotation.GracePeriodDays)
	require.Equal(t, 10, c.Worker.BatchSize)
	require.Equal(t, 30*time.Second, c.Worker.ClaimTTL)
	require.Equal(t, "Test CA", c.CA.Info.Name)
	require.Equal(t, "Ledger", c.CA.Info.Organization)
	require.True(t, c.CA.AutoCertify)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("ROTATION_GRACE_PERIOD_DAYS", "3")
	t.Setenv("WORKER_INTERVAL", "250ms")
	t.Setenv("CA_AUTO_CERTIFY", "true")

	c, err := FromEnv()
	require.NoError(t, err)
	require.Equal(t, 3, c.Rotation.GracePeriodDays)
	require.Equal(t, 250*time.Millisecond, c.Worker.Interval)
	require.True(t, c.CA.AutoCertify)
}

func TestValidate(t *testing.T) {
	c := Default()
	require.NoError(t, c.Validate())

	c.Storage.Driver = "postgres"
	require.Error(t, c.Validate())
	c.Storage.DSN = "postgres://localhost/ledger"
	require.NoError(t, c.Validate())

	c.Cache.Kind = "memcached"
	require.Error(t, c.Validate())
}

func TestResolve(t *testing.T) {
	p := writeYAML(t, "worker:\n  concurrency: 8\n")
	c, err := Resolve(p)
	require.NoError(t, err)
	require.Equal(t, 8, c.Worker.Concurrency)

	// Sin path y sin configs/ en el cwd del test: env + defaults.
	t.Setenv("WORKER_BATCH_SIZE", "7")
	c, err = Resolve("")
	require.NoError(t, err)
	require.Equal(t, 7, c.Worker.BatchSize)
	require.Equal(t, 4, c.Worker.Concurrency)
}
