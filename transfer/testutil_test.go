package transfer

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"filerelay/auth"
	"filerelay/config"
	"filerelay/crypto"
	"filerelay/models"
	"filerelay/network"
	"filerelay/storage"
)

const testBlockSize = 10

type node struct {
	id    string
	root  string
	store *storage.Store
	svc   *Service
	rule  config.RuleConfig
	hosts HostTable
}

func (n *node) path(parts ...string) string {
	return filepath.Join(append([]string{n.root}, parts...)...)
}

func (n *node) record(t *testing.T, id string) models.TransferRecord {
	t.Helper()
	rec, err := n.store.GetTransfer(id)
	require.NoError(t, err)
	return rec
}

// newPair starts two hosts that trust each other's keys and resolve each
// other over loopback. edit may adjust a host's default rule before start.
func newPair(t *testing.T, edit func(hostID string, rule *config.RuleConfig)) (*node, *node) {
	t.Helper()
	a := prepareNode(t, "host-a", edit)
	b := prepareNode(t, "host-b", edit)

	keyA, err := crypto.GenerateHostKey()
	require.NoError(t, err)
	keyB, err := crypto.GenerateHostKey()
	require.NoError(t, err)
	require.NoError(t, a.store.UpsertHost(models.Host{ID: b.id, PublicKey: crypto.EncodePublicKey(keyB.Public)}))
	require.NoError(t, b.store.UpsertHost(models.Host{ID: a.id, PublicKey: crypto.EncodePublicKey(keyA.Public)}))

	startNode(t, a, keyA)
	startNode(t, b, keyB)

	addrA, err := a.svc.Listen("127.0.0.1:0")
	require.NoError(t, err)
	addrB, err := b.svc.Listen("127.0.0.1:0")
	require.NoError(t, err)
	a.hosts[b.id] = addrB.String()
	b.hosts[a.id] = addrA.String()
	return a, b
}

func prepareNode(t *testing.T, id string, edit func(string, *config.RuleConfig)) *node {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, config.EnsureDataDirectories(root))

	store, err := storage.OpenPath(filepath.Join(root, "filerelay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	rule := config.RuleConfig{
		ID:       "default",
		SendPath: filepath.Join(root, "out"),
		RecvPath: filepath.Join(root, "in"),
		WorkPath: filepath.Join(root, "work"),
	}
	if edit != nil {
		edit(id, &rule)
	}
	return &node{id: id, root: root, store: store, rule: rule, hosts: HostTable{}}
}

func startNode(t *testing.T, n *node, key crypto.HostKey) {
	t.Helper()
	authenticator, err := auth.New(auth.Options{HostID: n.id, Key: key, Hosts: n.store})
	require.NoError(t, err)

	manager, err := network.NewManager(network.ManagerOptions{
		Auth:           authenticator,
		Store:          n.store,
		StartupTimeout: 5 * time.Second,
		SuppressClose:  true,
	})
	require.NoError(t, err)

	svc, err := New(Options{
		HostID:    n.id,
		Store:     n.store,
		Manager:   manager,
		Rules:     config.NewRuleSet([]config.RuleConfig{n.rule}),
		Resolver:  n.hosts,
		BlockSize: testBlockSize,
		MaxRetry:  3,
	})
	require.NoError(t, err)
	n.svc = svc
	t.Cleanup(svc.Shutdown)
}

func writeFile(t *testing.T, path string, content []byte) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o700))
	require.NoError(t, os.WriteFile(path, content, 0o600))
}

func readFile(t *testing.T, path string) []byte {
	t.Helper()
	content, err := os.ReadFile(path)
	require.NoError(t, err)
	return content
}

// payload is 25 bytes: three blocks of testBlockSize, the last one short.
func payload() []byte {
	return bytes.Join([][]byte{
		bytes.Repeat([]byte{'x'}, testBlockSize),
		bytes.Repeat([]byte{'y'}, testBlockSize),
		[]byte("zzzzz"),
	}, nil)
}
