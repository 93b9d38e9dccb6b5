package geoip

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledLookup(t *testing.T) {
	g := NewLookup()
	require.NoError(t, g.Open(""))
	assert.False(t, g.Enabled())
	assert.Equal(t, Location{}, g.Locate("8.8.8.8"))
	assert.NoError(t, g.Reload())
	assert.NoError(t, g.Close())
}

func TestOpenMissingFile(t *testing.T) {
	g := NewLookup()
	err := g.Open(filepath.Join(t.TempDir(), "missing.mmdb"))
	assert.Error(t, err)
	assert.False(t, g.Enabled())
}

func TestLocateSkipsUnroutable(t *testing.T) {
	g := NewLookup()
	for _, ip := range []string{"", "unknown", "10.1.2.3", "127.0.0.1", "::1"} {
		assert.Equal(t, Location{}, g.Locate(ip), ip)
	}
}
