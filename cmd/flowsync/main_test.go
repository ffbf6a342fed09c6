package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/flowsync/internal/config"
	"github.com/codefionn/flowsync/internal/secrets"
)

func execute(t *testing.T, ctx context.Context, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

func stubPrompt(t *testing.T, answers ...string) *int {
	t.Helper()
	calls := 0
	prev := promptPassword
	promptPassword = func(string) (string, error) {
		answer := answers[calls%len(answers)]
		calls++
		return answer, nil
	}
	t.Cleanup(func() { promptPassword = prev })
	return &calls
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, context.Background(), "version")
	require.NoError(t, err)
	assert.Equal(t, "flowsync dev\n", out)
}

func TestSealUsesEnvironmentPassword(t *testing.T) {
	t.Setenv(secrets.PasswordEnv, "hunter2")

	out, err := execute(t, context.Background(), "seal", "sk-test")
	require.NoError(t, err)
	sealed := strings.TrimSpace(out)
	assert.True(t, secrets.IsSealed(sealed))

	plain, err := secrets.Open(sealed, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, "sk-test", plain)
}

func TestSealPromptMismatch(t *testing.T) {
	t.Setenv(secrets.PasswordEnv, "")
	stubPrompt(t, "one", "two")

	_, err := execute(t, context.Background(), "seal", "sk-test")
	assert.EqualError(t, err, "passwords do not match")
}

func TestSealRequiresValue(t *testing.T) {
	_, err := execute(t, context.Background(), "seal")
	assert.Error(t, err)
}

func TestUnlockSecretsRetriesPrompt(t *testing.T) {
	t.Setenv(secrets.PasswordEnv, "")
	sealed, err := secrets.Seal("sk-live", "correct")
	require.NoError(t, err)

	cfg := config.DefaultConfig()
	cfg.Analyzer.APIKey = sealed
	calls := stubPrompt(t, "wrong", "correct")

	require.NoError(t, unlockSecrets(cfg))
	assert.Equal(t, "sk-live", cfg.Analyzer.APIKey)
	assert.Equal(t, 2, *calls)
}

func TestUnlockSecretsGivesUp(t *testing.T) {
	t.Setenv(secrets.PasswordEnv, "")
	sealed, err := secrets.Seal("sk-live", "correct")
	require.NoError(t, err)

	cfg := config.DefaultConfig()
	cfg.Analyzer.APIKey = sealed
	calls := stubPrompt(t, "wrong")

	assert.EqualError(t, unlockSecrets(cfg), "too many invalid password attempts")
	assert.Equal(t, maxPasswordAttempts, *calls)
}

func TestUnlockSecretsPlainKey(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Analyzer.APIKey = "sk-plain"
	calls := stubPrompt(t, "unused")

	require.NoError(t, unlockSecrets(cfg))
	assert.Zero(t, *calls)
}

func TestServeRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"analyzer":{"provider":"watson"}}`), 0600))

	_, err := execute(t, context.Background(), "serve", "--config", path, "--log-level", "none")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}

func TestServeStartsAndStops(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	cfg := map[string]interface{}{
		"database": map[string]string{"path": filepath.Join(dir, "flowsync.db")},
	}
	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0600))

	ready := make(chan string, 1)
	serveReady = func(addr string) { ready <- addr }
	t.Cleanup(func() { serveReady = nil })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pidPath := filepath.Join(dir, "flowsync.pid")
	done := make(chan error, 1)
	go func() {
		_, err := execute(t, ctx, "serve", "--config", path, "--addr", "127.0.0.1:0", "--log-level", "none", "--pid-file", pidPath)
		done <- err
	}()

	var addr string
	select {
	case addr = <-ready:
	case err := <-done:
		t.Fatalf("serve exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not become ready")
	}

	resp, err := http.Get("http://" + addr + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	_, err = os.Stat(pidPath)
	require.NoError(t, err)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not stop")
	}

	_, err = os.Stat(pidPath)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, "flowsync.db"))
	assert.NoError(t, err)
}
