package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "contentcache.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
paths: [/var/lib/contentcache]
minimumFreeGB: 2
logLevel: debug
gcInterval: 10m
statsLogInterval: 30s
watch:
  pageSize: 25
  emitDebounce: 100ms
poll:
  interval: 2s
`), 0o600))

	c, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"/var/lib/contentcache"}, c.Paths)
	assert.Equal(t, uint(2), c.MinimumFreeGB)
	assert.Equal(t, 10*time.Minute, c.GCInterval)
	assert.Equal(t, 25, c.Watch.PageSize)
	assert.Equal(t, 2, c.Watch.ChunkMultiplier)
	assert.Equal(t, 100*time.Millisecond, c.Watch.EmitDebounce)
	assert.Equal(t, 2*time.Second, c.Poll.Interval)
	assert.Equal(t, time.Minute, c.Poll.MaxInterval)

	cc := c.Cache(nil)
	assert.NotNil(t, cc.Logger)
	assert.Equal(t, 25, cc.Watch.PageSize)
	assert.Equal(t, 30*time.Second, cc.StatsLogInterval)
	assert.Equal(t, c.Paths, cc.Paths)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestParseRejects(t *testing.T) {
	cases := map[string]string{
		"no paths":      "logLevel: info\n",
		"unknown key":   "inMemory: true\ncolour: blue\n",
		"bad level":     "inMemory: true\nlogLevel: loud\n",
		"negative":      "inMemory: true\nwatch:\n  coalesce: -1s\n",
		"poll inverted": "inMemory: true\npoll:\n  interval: 2m\n  maxInterval: 1m\n",
		"page size":     "inMemory: true\nwatch:\n  pageSize: -3\n",
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(in))
			assert.Error(t, err)
		})
	}
}

func TestParseInMemoryDefaults(t *testing.T) {
	c, err := Parse([]byte("inMemory: true\n"))
	require.NoError(t, err)
	assert.Equal(t, "info", c.LogLevel)
	assert.Equal(t, 50, c.Watch.PageSize)
	assert.Equal(t, 3*time.Second, c.Poll.Interval)
}
