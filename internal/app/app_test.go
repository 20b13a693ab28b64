// Package app_test contains unit tests for the app package.
package app_test

import (
	"context"
	"testing"

	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docfoundry/docxharvest/internal/app"
	"github.com/docfoundry/docxharvest/internal/config"
	"github.com/docfoundry/docxharvest/internal/storage/fs"
	"github.com/docfoundry/docxharvest/internal/storage/s3"
)

// localConfig returns the smallest configuration New accepts: local
// blobs under a temp dir, in-memory metadata, no publisher.
func localConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		Storage: config.StorageConfig{Path: t.TempDir()},
	}
}

func TestNew_LocalServices(t *testing.T) {
	a, err := app.New(context.Background(), localConfig(t))
	require.NoError(t, err)
	defer a.Close()

	require.NotNil(t, a.GetLogger())
	require.NotNil(t, a.GetMeta())
	assert.IsType(t, &fs.BlobStore{}, a.GetBlobs())
	assert.Nil(t, a.GetPublisher(), "no topic configured, no publisher")
}

func TestNew_RemoteCredentialsSelectR2(t *testing.T) {
	cfg := localConfig(t)
	cfg.Storage.R2 = config.R2Config{
		AccountID:       "acct",
		AccessKeyID:     "key",
		SecretAccessKey: "secret",
		Bucket:          "docs",
	}

	a, err := app.New(context.Background(), cfg)
	require.NoError(t, err)
	defer a.Close()

	assert.IsType(t, &s3.BlobStore{}, a.GetBlobs())
}

func TestNew_PubSubPublisher(t *testing.T) {
	// The client library dials the fake server instead of GCP when the
	// emulator variable is set.
	srv := pstest.NewServer()
	defer srv.Close()
	t.Setenv("PUBSUB_EMULATOR_HOST", srv.Addr)

	cfg := localConfig(t)
	cfg.PubSub = config.PubSubConfig{ProjectID: "project-id", Topic: "uploads"}

	a, err := app.New(context.Background(), cfg)
	require.NoError(t, err)

	require.NotNil(t, a.GetPublisher())
	a.Close()
}

func TestNew_BadStoragePath(t *testing.T) {
	cfg := config.Config{
		Storage: config.StorageConfig{Path: "/dev/null/not-a-dir"},
	}

	_, err := app.New(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "blob storage")
}
