package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solaceapp/solace-sync/internal/cache"
	"github.com/solaceapp/solace-sync/internal/tier"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func isolatedEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	for _, key := range []string{"SOLACE_CONFIG_FILE", "BILLING_PROVIDER", "PROFILE_STORE", "SOLACE_USER_ID"} {
		t.Setenv(key, "")
		require.NoError(t, os.Unsetenv(key))
	}
	t.Setenv("SOLACE_ENV_FILE", filepath.Join(dir, "missing.env"))
	t.Setenv("SOLACE_DATA_DIR", dir)
	t.Setenv("SOLACE_LOG_LEVEL", "error")
	return dir
}

func TestVersionCmd(t *testing.T) {
	oldVersion, oldBuildTime, oldGitCommit := Version, BuildTime, GitCommit
	defer func() {
		Version, BuildTime, GitCommit = oldVersion, oldBuildTime, oldGitCommit
	}()

	Version = "1.2.3"
	BuildTime = "2026-01-01"
	GitCommit = "abcdef"
	output, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, output, "solace-sync 1.2.3")
	assert.Contains(t, output, "Built: 2026-01-01")
	assert.Contains(t, output, "Commit: abcdef")

	BuildTime = "unknown"
	GitCommit = "unknown"
	output, err = execute(t, "version")
	require.NoError(t, err)
	assert.NotContains(t, output, "Built:")
	assert.NotContains(t, output, "Commit:")
}

func TestCachedTierCmd(t *testing.T) {
	dir := isolatedEnv(t)

	output, err := execute(t, "cached-tier")
	require.NoError(t, err)
	assert.JSONEq(t, `{"cached":false}`, output)

	store, err := cache.NewFile(dir)
	require.NoError(t, err)
	require.NoError(t, store.WriteEntry(context.Background(), tier.Record{Tier: tier.Premium, Timestamp: time.Now()}))

	output, err = execute(t, "cached-tier")
	require.NoError(t, err)
	var got cachedTierOutput
	require.NoError(t, json.Unmarshal([]byte(output), &got))
	assert.True(t, got.Cached)
	assert.Equal(t, tier.Premium, got.Tier)

	require.NoError(t, store.WriteEntry(context.Background(), tier.Record{Tier: tier.Premium, Timestamp: time.Now().Add(-25 * time.Hour)}))
	output, err = execute(t, "cached-tier")
	require.NoError(t, err)
	got = cachedTierOutput{}
	require.NoError(t, json.Unmarshal([]byte(output), &got))
	assert.False(t, got.Cached)
	assert.True(t, got.Stale)
}

func TestRefreshCmdRequiresUser(t *testing.T) {
	isolatedEnv(t)
	_, err := execute(t, "refresh")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "user")
}

func TestRefreshCmdReconcilesWithStaticBilling(t *testing.T) {
	dir := isolatedEnv(t)
	t.Setenv("BILLING_PROVIDER", "static")
	t.Setenv("SOLACE_STATIC_TIER", "premium")

	output, err := execute(t, "refresh", "--user", "user-5", "--timeout", "10s")
	require.NoError(t, err)

	var got struct {
		Identity string    `json:"identity"`
		Tier     tier.Tier `json:"tier"`
	}
	require.NoError(t, json.Unmarshal([]byte(output), &got))
	assert.Equal(t, "user-5", got.Identity)
	assert.Equal(t, tier.Premium, got.Tier)

	store, err := cache.NewFile(dir)
	require.NoError(t, err)
	rec, err := store.ReadEntry(context.Background())
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, tier.Premium, rec.Tier)
}

func TestServeFailsOnInvalidConfig(t *testing.T) {
	isolatedEnv(t)
	t.Setenv("BILLING_PROVIDER", "paypal")
	_, err := execute(t, "serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BILLING_PROVIDER")
}
