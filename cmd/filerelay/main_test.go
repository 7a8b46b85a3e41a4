package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"filerelay/config"
	"filerelay/crypto"
	"filerelay/models"
	"filerelay/storage"
)

func writeConfig(t *testing.T, dataDir string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "filerelay.yaml")
	content := fmt.Sprintf("host_id: host-a\ndata_dir: %s\nlogging:\n  level: warn\n", dataDir)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestRegisterHostsLoadsPublicKeys(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.OpenPath(filepath.Join(dir, "hosts.db"))
	require.NoError(t, err)
	defer store.Close()

	key, err := crypto.GenerateHostKey()
	require.NoError(t, err)
	keyPath := filepath.Join(dir, "partner.pem")
	require.NoError(t, key.Save(keyPath))

	hosts := []config.HostConfig{
		{ID: "host-b", Address: "10.0.0.2:6666", PublicKeyPath: keyPath + ".pub"},
		{ID: "host-c", PasswordHash: "$2a$10$abcdefghijklmnopqrstuv"},
	}
	require.NoError(t, registerHosts(store, hosts))

	b, err := store.GetHost("host-b")
	require.NoError(t, err)
	assert.Equal(t, crypto.EncodePublicKey(key.Public), b.PublicKey)

	c, err := store.GetHost("host-c")
	require.NoError(t, err)
	assert.Equal(t, hosts[1].PasswordHash, c.PasswordHash)

	table := hostTable(hosts)
	assert.Equal(t, "10.0.0.2:6666", table["host-b"])
	_, ok := table["host-c"]
	assert.False(t, ok)

	err = registerHosts(store, []config.HostConfig{{ID: "host-d", PublicKeyPath: filepath.Join(dir, "missing.pub")}})
	assert.Error(t, err)
}

func TestStatusListsTransfers(t *testing.T) {
	dataDir := t.TempDir()
	store, _, err := storage.Open(dataDir)
	require.NoError(t, err)
	require.NoError(t, store.CreateTransfer(models.TransferRecord{
		ID:         "t-1",
		Requester:  "host-a",
		Requested:  "host-b",
		IsSender:   true,
		RuleID:     "default",
		Filename:   "report.csv",
		FileSize:   100,
		BlockSize:  10,
		Rank:       4,
		GlobalStep: models.StepTransfer,
		Status:     models.StatusInterrupted,
		ErrorCode:  models.CodeConnectionLost,
	}))
	require.NoError(t, store.Close())

	out, err := execute(t, "", "status", "--config", writeConfig(t, dataDir))
	require.NoError(t, err)
	assert.Contains(t, out, "t-1")
	assert.Contains(t, out, "4/10")
	assert.Contains(t, out, "INTERRUPTED")
	assert.Contains(t, out, "ConnectionLost")
}

func TestHashPasswordCommand(t *testing.T) {
	out, err := execute(t, "s3cret\n", "hash-password", "--config", writeConfig(t, t.TempDir()))
	require.NoError(t, err)
	hash := strings.TrimSpace(out)
	require.NoError(t, crypto.CheckPassword(hash, "s3cret"))

	_, err = execute(t, "\n", "hash-password", "--config", writeConfig(t, t.TempDir()))
	assert.Error(t, err)
}
