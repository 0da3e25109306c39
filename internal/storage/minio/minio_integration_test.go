//go:build integration
// +build integration

package minio

import (
	"context"
	"flag"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/dgurram/decoy/tests/integration_test/infra/minio"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
)

var (
	minioContainer testcontainers.Container
	MINIO_ENDPOINT string
)

// ------------------------
// TestMain – container
// ------------------------
func TestMain(m *testing.M) {
	flag.Parse()
	if testing.Short() {
		os.Exit(0)
	}
	ctx := context.Background()
	minioContainer, MINIO_ENDPOINT = minio.SetupContainer(ctx)
	code := m.Run()
	_ = minioContainer.Terminate(ctx)
	os.Exit(code)
}

// ------------------------
// Helpers
// ------------------------
func resetMinioSingleton() {
	m = nil
	initError = nil
	once = sync.Once{}
}

func setMinioEnv() {
	minio.SetMinioEnv(MINIO_ENDPOINT)
}

func setBadMinioEnv() {
	os.Setenv("MINIO_ENDPOINT", "t//")
}

// ------------------------
// 1. NewMinioClient
// ------------------------
func TestNewMinioClient(t *testing.T) {
	tests := []struct {
		name      string
		unsetEnv  string
		setBadEnv bool
		expectErr bool
	}{
		{"Success with valid env", "", false, false},
		{"Missing endpoint fails", "MINIO_ENDPOINT", false, true},
		{"Missing access key fails", "MINIO_ACCESS_KEY", false, true},
		{"Bad endpoint fails", "", true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetMinioSingleton()
			setMinioEnv()

			if tt.unsetEnv != "" {
				os.Unsetenv(tt.unsetEnv)
			}

			if tt.setBadEnv {
				setBadMinioEnv()
			}

			c, err := NewMinioClient()
			if tt.expectErr {
				require.Error(t, err)
				require.Nil(t, c)
			} else {
				require.NoError(t, err)
				require.NotNil(t, c)
			}
		})
	}
}

// ------------------------
// 2. Upload
// ------------------------
func TestMinioClient_Upload(t *testing.T) {
	resetMinioSingleton()
	setMinioEnv()

	minio.CreateJobsBucket(t, "jobs", MINIO_ENDPOINT)

	c, err := NewMinioClient()
	require.NoError(t, err)

	ctx := context.Background()

	results := []byte(`[{"number":"+15550100","platform":"whatsapp","status":"registered"}]`)

	tests := []struct {
		name       string
		bucket     string
		objectPath string
		data       []byte
		expectErr  bool
	}{
		{"Upload results artifact", "jobs", "jobs/results/j1.json", results, false},
		{"Upload empty artifact", "jobs", "jobs/results/j2.json", []byte{}, false},
		{"Upload to wrong bucket fails", "missing-bucket", "jobs/results/j3.json", results, true},
		{"Empty path fails", "jobs", "", results, true},
		{"Empty bucket fails", "", "jobs/results/j1.json", results, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.(*MinioClient).Upload(ctx, tt.bucket, tt.objectPath, tt.data)
			if tt.expectErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

// ------------------------
// 3. Download
// ------------------------
func TestMinioClient_Download(t *testing.T) {
	resetMinioSingleton()
	setMinioEnv()

	minio.CreateJobsBucket(t, "jobs", MINIO_ENDPOINT)

	c, err := NewMinioClient()
	require.NoError(t, err)

	ctx := context.Background()

	// Pre-upload a valid artifact
	content := []byte(`[{"number":"+15550101","platform":"telegram","status":"unregistered"}]`)
	require.NoError(t, c.(*MinioClient).Upload(ctx, "jobs", "jobs/results/done.json", content))

	tests := []struct {
		name      string
		bucket    string
		object    string
		expectErr bool
	}{
		{"Download existing artifact", "jobs", "jobs/results/done.json", false},
		{"Download missing artifact fails", "jobs", "jobs/results/missing.json", true},
		{"Download from wrong bucket fails", "b", "jobs/results/done.json", true},
		{"Empty object path fails", "jobs", "", true},
		{"Empty bucket fails", "", "jobs/results/done.json", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := c.(*MinioClient).Download(ctx, tt.bucket, tt.object)
			if tt.expectErr {
				require.Error(t, err)
				require.Nil(t, data)
			} else {
				require.NoError(t, err)
				require.Equal(t, content, data)
			}
		})
	}
}

// ------------------------
// 4. GetJobsBucket
// ------------------------
func TestMinioClient_GetJobsBucket(t *testing.T) {
	resetMinioSingleton()
	setMinioEnv()

	c, err := NewMinioClient()
	require.NoError(t, err)

	require.Equal(t, "jobs", c.(*MinioClient).GetJobsBucket())
}

// ------------------------
// 5. ShutDown
// ------------------------
func TestMinioClient_ShutDown(t *testing.T) {

	t.Run("shutdown completes before timeout", func(t *testing.T) {
		resetMinioSingleton()
		setMinioEnv()

		c, err := NewMinioClient()
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		done := make(chan struct{})
		go func() {
			c.(*MinioClient).ShutDown(ctx)
			close(done)
		}()

		select {
		case <-done:
			// Success
		case <-time.After(3 * time.Second):
			t.Fatal("shutdown timed out")
		}
	})

	t.Run("shutdown respects context cancellation", func(t *testing.T) {
		resetMinioSingleton()
		setMinioEnv()

		c, err := NewMinioClient()
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()

		start := time.Now()
		c.(*MinioClient).ShutDown(ctx)
		elapsed := time.Since(start)
		require.Less(t, elapsed, 50*time.Millisecond)
	})
}
