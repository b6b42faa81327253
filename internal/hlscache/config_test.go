package hlscache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "hlscache.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:1234", cfg.Addr())
	assert.Equal(t, "__origin", cfg.Server.OriginParam)
	assert.Equal(t, int64(32<<20), cfg.ramMax)
	assert.Equal(t, int64(200<<20), cfg.diskMax)
	assert.Equal(t, 25, cfg.Storage.RAM.Items)
	assert.Equal(t, 30*time.Second, cfg.timeout)
	assert.True(t, cfg.isManifestType("application/x-mpegurl"))
	assert.True(t, cfg.isManifestType("application/vnd.apple.mpegurl"))
}

func TestLoadConfigOverrides(t *testing.T) {
	p := writeConfig(t, `
server:
  port: 9999
  originParam: __hls_origin_url
storage:
  dir: /tmp/hls
  ram:
    max: 1MiB
    items: 3
  disk:
    max: 10MB
upstream:
  timeout: 5s
  manifestTypes: [application/x-mpegURL]
logging:
  statsEvery: 1m
prefetch:
  concurrency: 0
`)
	cfg, err := LoadConfig(p)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9999", cfg.Addr())
	assert.Equal(t, "__hls_origin_url", cfg.Server.OriginParam)
	assert.Equal(t, "HLS_Video", cfg.Storage.Name)
	assert.Equal(t, int64(1<<20), cfg.ramMax)
	assert.Equal(t, int64(10_000_000), cfg.diskMax)
	assert.Equal(t, 3, cfg.Storage.RAM.Items)
	assert.Equal(t, 5*time.Second, cfg.timeout)
	assert.Equal(t, time.Minute, cfg.statsEvery)
	assert.Equal(t, 1, cfg.Prefetch.Concurrency)

	assert.True(t, cfg.isManifestType("application/x-mpegurl"))
	assert.False(t, cfg.isManifestType("application/vnd.apple.mpegurl"))
}

func TestLoadConfigErrors(t *testing.T) {
	cases := map[string]string{
		"size":     "storage:\n  ram:\n    max: lots\n",
		"timeout":  "upstream:\n  timeout: soon\n",
		"port":     "server:\n  port: 70000\n",
		"param":    "server:\n  originParam: \"\"\n",
		"types":    "upstream:\n  manifestTypes: []\n",
		"yaml":     "server: [\n",
		"stats":    "logging:\n  statsEvery: often\n",
		"diskSize": "storage:\n  disk:\n    max: \"\"\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

func TestManifestTypeMatching(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.compile())

	assert.True(t, cfg.isManifestType("application/vnd.apple.mpegurl; charset=UTF-8"))
	assert.True(t, cfg.isManifestType("Application/X-MpegURL"))
	assert.False(t, cfg.isManifestType("text/html"))
	assert.False(t, cfg.isManifestType(""))
}

func TestParseBytes(t *testing.T) {
	v, err := parseBytes("200MiB")
	require.NoError(t, err)
	assert.Equal(t, int64(200*1024*1024), v)

	v, err = parseBytes(" 512KB ")
	require.NoError(t, err)
	assert.Equal(t, int64(512_000), v)

	_, err = parseBytes("")
	assert.Error(t, err)
	_, err = parseBytes("12 apples")
	assert.Error(t, err)

	assert.Equal(t, "200MiB", formatBytes(200<<20))
}

func TestLoadConfigErrorNamesKey(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, "storage:\n  ram:\n    max: lots\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage.ram.max")

	_, err = LoadConfig(writeConfig(t, "upstream:\n  timeout: soon\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upstream.timeout")

	_, err = LoadConfig(writeConfig(t, "server: [\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse ")
}
