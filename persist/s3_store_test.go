package persist

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	testAccessKey = "minioadmin"
	testSecretKey = "minioadmin"
	testBucket    = "test-keepsafe-store"
)

// minioEndpoint returns S3_MINIO_ENDPOINT, or starts a MinIO container and
// returns its address. The test is skipped when neither is possible.
func minioEndpoint(t *testing.T) string {
	t.Helper()

	if endpoint := os.Getenv("S3_MINIO_ENDPOINT"); endpoint != "" {
		return endpoint
	}
	if testing.Short() {
		t.Skip("skipping MinIO container in short mode")
	}

	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "minio/minio:latest",
		ExposedPorts: []string{"9000/tcp"},
		Env: map[string]string{
			"MINIO_ROOT_USER":     testAccessKey,
			"MINIO_ROOT_PASSWORD": testSecretKey,
		},
		Cmd:        []string{"server", "/data"},
		WaitingFor: wait.ForHTTP("/minio/health/live").WithPort("9000/tcp"),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("MinIO container unavailable: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Warning: failed to terminate MinIO container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "9000")
	require.NoError(t, err)

	return fmt.Sprintf("http://%s:%s", host, port.Port())
}

func TestS3Store(t *testing.T) {
	endpoint, useSSL := parseEndpoint(minioEndpoint(t))

	config := S3Config{
		Endpoint:        endpoint,
		AccessKeyID:     envOr("S3_MINIO_ACCESS_KEY_ID", testAccessKey),
		SecretAccessKey: envOr("S3_MINIO_SECRET_ACCESS_KEY", testSecretKey),
		Bucket:          testBucket,
		KeyPrefix:       "test/",
		UseSSL:          useSSL,
		Region:          "us-east-1",
	}

	store, err := NewS3Store(config, testScope)
	require.NoError(t, err)

	t.Cleanup(func() {
		if err := cleanupS3Objects(config); err != nil {
			t.Logf("Warning: failed to cleanup S3 objects: %v", err)
		}
	})

	testStoreImplementation(t, store, func(scopeID string) (Store, error) {
		return NewStore(StoreConfig{
			Type: StoreTypeS3,
			Config: map[string]interface{}{
				"Endpoint":        config.Endpoint,
				"AccessKeyID":     config.AccessKeyID,
				"SecretAccessKey": config.SecretAccessKey,
				"Bucket":          config.Bucket,
				"KeyPrefix":       config.KeyPrefix,
				"UseSSL":          config.UseSSL,
				"Region":          config.Region,
			},
		}, scopeID)
	})
}

func TestS3StoreBuildScopePath(t *testing.T) {
	tests := []struct {
		prefix   string
		expected string
	}{
		{"", "user-1000/user.key"},
		{"test", "test/user-1000/user.key"},
		{"/test/", "test/user-1000/user.key"},
		{"a/b/", "a/b/user-1000/user.key"},
	}

	for _, tt := range tests {
		s3s := &S3Store{keyPrefix: tt.prefix, scopeID: testScope}
		require.Equal(t, tt.expected, s3s.buildScopePath("", keyObjectName))
	}
}

// parseEndpoint extracts host:port from a URL and reports whether it is https
func parseEndpoint(endpointURL string) (string, bool) {
	useSSL := strings.HasPrefix(endpointURL, "https://")
	endpoint := strings.TrimPrefix(strings.TrimPrefix(endpointURL, "https://"), "http://")

	if idx := strings.Index(endpoint, "/"); idx != -1 {
		endpoint = endpoint[:idx]
	}
	return endpoint, useSSL
}

func envOr(name, fallback string) string {
	if value := os.Getenv(name); value != "" {
		return value
	}
	return fallback
}

func cleanupS3Objects(config S3Config) error {
	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKeyID, config.SecretAccessKey, ""),
		Secure: config.UseSSL,
	})
	if err != nil {
		return fmt.Errorf("failed to create MinIO client: %w", err)
	}

	ctx := context.Background()
	var deleteErrors []string
	for object := range client.ListObjects(ctx, config.Bucket, minio.ListObjectsOptions{Recursive: true}) {
		if object.Err != nil {
			deleteErrors = append(deleteErrors, object.Err.Error())
			continue
		}
		if err = client.RemoveObject(ctx, config.Bucket, object.Key, minio.RemoveObjectOptions{}); err != nil {
			deleteErrors = append(deleteErrors, err.Error())
		}
	}

	if len(deleteErrors) > 0 {
		return fmt.Errorf("cleanup errors: %s", strings.Join(deleteErrors, "; "))
	}
	return nil
}
