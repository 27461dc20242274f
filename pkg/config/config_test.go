package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andrej220/batchexec/pkg/config"
	"github.com/andrej220/batchexec/pkg/config/filestore"
)

const sampleProfile = `
resource:
  - url: http://queue-a:8080/
    user: batch
    password: ${QUEUE_PASSWORD}
  - url: http://queue-b:8080/
timeout: 5000
cleanup: false
env:
  BATCH_HOME: /opt/batch
empty:
`

func writeProfile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "profile.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadProfileFromFile(t *testing.T) {
	store, err := config.NewStore(config.FileStore, &config.FileConfig{Path: writeProfile(t, sampleProfile)})
	require.NoError(t, err)

	conf, err := config.LoadProfile(store)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"resource.0.url":      "http://queue-a:8080/",
		"resource.0.user":     "batch",
		"resource.0.password": "${QUEUE_PASSWORD}",
		"resource.1.url":      "http://queue-b:8080/",
		"timeout":             "5000",
		"cleanup":             "false",
		"env.BATCH_HOME":      "/opt/batch",
	}, conf)
}

func TestNewStoreRejectsMismatchedConfig(t *testing.T) {
	_, err := config.NewStore(config.FileStore, &config.MongoConfig{})
	assert.Error(t, err)

	_, err = config.NewStore(config.StoreType(42), nil)
	assert.ErrorIs(t, err, config.ErrInvalidStoreType)
}

func TestFlatten(t *testing.T) {
	out := config.Flatten(map[string]any{
		"a": map[string]any{"b": []any{1, map[string]any{"c": true}}},
		"d": 1.5,
		"e": nil,
		"f": []byte("raw"),
	})
	assert.Equal(t, map[string]string{
		"a.b.0":   "1",
		"a.b.1.c": "true",
		"d":       "1.5",
		"f":       "raw",
	}, out)
}

func TestFileStoreSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "saved.yaml")
	store := filestore.New(path)

	require.NoError(t, store.Save(map[string]any{"ssh": map[string]any{"host": "worker-1", "port": 2222}}))
	conf, err := config.LoadProfile(store)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"ssh.host": "worker-1", "ssh.port": "2222"}, conf)

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestFileStoreLoadErrors(t *testing.T) {
	_, err := config.LoadProfile(filestore.New(filepath.Join(t.TempDir(), "missing.yaml")))
	assert.Error(t, err)

	_, err = config.LoadProfile(filestore.New(writeProfile(t, "")))
	assert.Error(t, err)

	_, err = config.LoadProfile(filestore.New(writeProfile(t, "a: [unclosed")))
	assert.Error(t, err)
}

func TestWatchProfile(t *testing.T) {
	path := writeProfile(t, "timeout: 1000\n")
	store := filestore.New(path)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan map[string]string, 8)
	require.NoError(t, config.WatchProfile(ctx, store, func(conf map[string]string) { changes <- conf }, nil))

	require.NoError(t, store.Save(map[string]any{"timeout": 2000}))

	deadline := time.After(5 * time.Second)
	for {
		select {
		case conf := <-changes:
			if conf["timeout"] == "2000" {
				return
			}
		case <-deadline:
			t.Fatal("profile change was not reported")
		}
	}
}
