package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "quill.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_DefaultsFillOmittedFields(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: "0.0.0.0:9000"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9000", cfg.Server.Addr)
	assert.Equal(t, "quill", cfg.Server.Name)
	assert.Equal(t, 4096, cfg.History.Capacity)
	assert.Equal(t, 1000, cfg.Executor.RingCapacity)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoad_FullFile(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: "127.0.0.1:8192"
  name: "notebooks"
storage:
  path: "/var/lib/quill/quill.db"
history:
  capacity: 1024
handles:
  ttl_seconds: 120
  sweep_seconds: 15
executor:
  ring_capacity: 500
  remote: "ws://10.0.0.5:9007/kernel"
logging:
  level: debug
  format: json
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "notebooks", cfg.Server.Name)
	assert.Equal(t, "/var/lib/quill/quill.db", cfg.Storage.Path)
	assert.Equal(t, 1024, cfg.History.Capacity)
	assert.Equal(t, 120, cfg.Handles.TTLSeconds)
	assert.Equal(t, "ws://10.0.0.5:9007/kernel", cfg.Executor.Remote)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoad_InvalidLevelRejected(t *testing.T) {
	path := writeConfig(t, `
logging:
  level: loud
`)
	_, err := Load(path)
	require.Error(t, err)

	var errs ValidationErrors
	require.ErrorAs(t, err, &errs)
	found := false
	for _, e := range errs {
		if e.Field == "logging.level" {
			found = true
			assert.Equal(t, ErrCodeSchema, e.Code)
		}
	}
	assert.True(t, found, "expected a violation at logging.level, got %v", errs)
}

func TestLoad_NonPositiveCapacityRejected(t *testing.T) {
	path := writeConfig(t, `
history:
  capacity: 0
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), ErrCodeSchema)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), ErrCodeRead)
}

func TestLoad_MalformedYAML(t *testing.T) {
	path := writeConfig(t, "server: [not: a: mapping")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), ErrCodeParse)
}

func TestValidate_DefaultIsValid(t *testing.T) {
	assert.Empty(t, Validate(Default()))
}
