package publish

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/minio"
)

func TestS3Store_MinIO(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	log := testLogger()

	minioContainer, err := minio.Run(ctx, "minio/minio:latest",
		minio.WithUsername("minioadmin"),
		minio.WithPassword("minioadmin"),
	)
	require.NoError(t, err)
	defer func() {
		if err := minioContainer.Terminate(ctx); err != nil {
			t.Logf("failed to cleanup minio container: %v", err)
		}
	}()

	host, err := minioContainer.Host(ctx)
	require.NoError(t, err)
	if host == "localhost" {
		host = "127.0.0.1"
	}
	port, err := minioContainer.MappedPort(ctx, "9000")
	require.NoError(t, err)

	store, err := NewS3Store(ctx, log, S3Config{
		Bucket:          "fleet-exports",
		Endpoint:        fmt.Sprintf("http://%s:%s", host, port.Port()),
		AccessKeyID:     minioContainer.Username,
		SecretAccessKey: minioContainer.Password,
		CreateBucket:    true,
	})
	require.NoError(t, err)

	t.Run("publish_read_and_fail_closed", func(t *testing.T) {
		p := testPublisher(t, store, 2)
		g := generation(t, gen1, 5)

		_, err := p.Publish(ctx, g.Manifest, g.Chunks)
		require.NoError(t, err)

		r := NewReader(log, store, "exports")
		pub, err := r.Read(ctx, "vehicles")
		require.NoError(t, err)
		require.Len(t, pub.Records, 5)

		require.NoError(t, store.DeleteObject(ctx, PartKey("exports", "vehicles", g.Chunks[0].Name)))
		_, err = r.Read(ctx, "vehicles")
		require.ErrorIs(t, err, ErrIncomplete)
	})

	t.Run("missing_object_is_not_found", func(t *testing.T) {
		_, err := store.GetObject(ctx, "exports/nothing/manifest.json")
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestS3Config_Validate(t *testing.T) {
	t.Parallel()

	cfg := S3Config{Bucket: "b"}
	require.NoError(t, cfg.Validate())
	require.Equal(t, "us-east-1", cfg.Region)

	cfg = S3Config{Bucket: "b", Endpoint: "http://localhost:9000"}
	require.Error(t, cfg.Validate())

	cfg = S3Config{Bucket: "b", AccessKeyID: "key"}
	require.Error(t, cfg.Validate())

	cfg = S3Config{}
	require.Error(t, cfg.Validate())
}

func TestS3Config_ApplyEnv(t *testing.T) {
	t.Setenv("S3_BUCKET", "from-env")
	t.Setenv("AWS_ACCESS_KEY_ID", "aws-key")
	t.Setenv("S3_ACCESS_KEY_ID", "s3-key")
	t.Setenv("AWS_REGION", "sa-east-1")

	cfg := S3Config{Region: "us-west-2"}
	cfg.ApplyEnv()
	require.Equal(t, "from-env", cfg.Bucket)
	require.Equal(t, "s3-key", cfg.AccessKeyID)
	require.Equal(t, "us-west-2", cfg.Region)
}
