package blob

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"go-flipqueue/config"
)

func startMinio(t *testing.T) *S3 {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping minio integration test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "minio/minio:latest",
			ExposedPorts: []string{"9000/tcp"},
			Cmd:          []string{"server", "/data"},
			Env: map[string]string{
				"MINIO_ROOT_USER":     "minioadmin",
				"MINIO_ROOT_PASSWORD": "minioadmin",
			},
			WaitingFor: wait.ForHTTP("/minio/health/live").WithPort("9000/tcp").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	testcontainers.CleanupContainer(t, container)
	require.NoError(t, err)

	endpoint, err := container.PortEndpoint(ctx, "9000/tcp", "http")
	require.NoError(t, err)

	store, err := NewS3(ctx, config.BlobConfig{
		Region:          "us-east-1",
		Endpoint:        endpoint,
		Bucket:          "images",
		AccessKeyID:     "minioadmin",
		SecretAccessKey: "minioadmin",
		PresignTTL:      time.Minute,
		UsePathStyle:    true,
	})
	require.NoError(t, err)

	_, err = store.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String("images")})
	require.NoError(t, err)
	return store
}

func TestS3Store(t *testing.T) {
	store := startMinio(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "tasks/1/cat.png", []byte("png bytes"), "image/png"))

	obj, err := store.Get(ctx, "tasks/1/cat.png")
	require.NoError(t, err)
	assert.Equal(t, []byte("png bytes"), obj.Data)
	assert.Equal(t, "image/png", obj.ContentType)

	_, err = store.Get(ctx, "tasks/1/missing.png")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.Locate(ctx, "tasks/1/missing.png")
	assert.ErrorIs(t, err, ErrNotFound)

	url, err := store.Locate(ctx, "tasks/1/cat.png")
	require.NoError(t, err)

	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
