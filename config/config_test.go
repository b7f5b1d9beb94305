package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaults(t *testing.T) {
	assert.Equal(t, 1000, GetClusterDurationMs())
	assert.Equal(t, "http", GetTransport())
	assert.Equal(t, 8080, GetServerPort())
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("WEBMLIVE_URL", "http://relay:9000/upload/")
	t.Setenv("WEBMLIVE_CLUSTER_DURATION", "2500")
	t.Setenv("WEBMLIVE_HOME", "/tmp/webmlive-home")

	assert.Equal(t, "http://relay:9000/upload/", GetUploadURL())
	assert.Equal(t, 2500, GetClusterDurationMs())
	assert.Equal(t, filepath.Join("/tmp/webmlive-home", "data"), GetDataDir())

	t.Setenv("WEBMLIVE_DATA_DIR", "/srv/webm")
	assert.Equal(t, "/srv/webm", GetDataDir())
}
