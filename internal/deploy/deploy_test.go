package deploy

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/nuclio/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fauxgate/fauxgate/internal/packager"
)

type fakeS3 struct {
	puts []put
	fail map[string]error
}

type put struct {
	bucket, key string
	body        []byte
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if err := f.fail[*in.Key]; err != nil {
		return nil, err
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.puts = append(f.puts, put{bucket: *in.Bucket, key: *in.Key, body: body})
	return &s3.PutObjectOutput{}, nil
}

func writeArchive(t *testing.T, name, content string) packager.Artifact {
	t.Helper()
	path := filepath.Join(t.TempDir(), name+".zip")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return packager.Artifact{Function: name, Path: path, Size: int64(len(content))}
}

func TestUpload(t *testing.T) {
	fake := &fakeS3{}
	u := &Uploader{client: fake, bucket: "artifacts", service: "shop", log: zerolog.Nop()}

	arts := []packager.Artifact{
		writeArchive(t, "orders", "zip-one"),
		writeArchive(t, "users", "zip-two"),
	}
	require.NoError(t, u.Upload(context.Background(), arts))

	require.Len(t, fake.puts, 2)
	assert.Equal(t, "artifacts", fake.puts[0].bucket)
	assert.Equal(t, "shop/orders.zip", fake.puts[0].key)
	assert.Equal(t, "zip-one", string(fake.puts[0].body))
	assert.Equal(t, "shop/users.zip", fake.puts[1].key)
}

func TestUploadAbortsOnFailure(t *testing.T) {
	fake := &fakeS3{fail: map[string]error{"shop/orders.zip": errors.New("denied")}}
	u := &Uploader{client: fake, bucket: "artifacts", service: "shop", log: zerolog.Nop()}

	arts := []packager.Artifact{
		writeArchive(t, "orders", "zip-one"),
		writeArchive(t, "users", "zip-two"),
	}
	err := u.Upload(context.Background(), arts)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "orders")
	assert.Empty(t, fake.puts)
}

func TestUploadMissingArchive(t *testing.T) {
	u := &Uploader{client: &fakeS3{}, bucket: "artifacts", service: "shop", log: zerolog.Nop()}
	err := u.Upload(context.Background(), []packager.Artifact{
		{Function: "ghost", Path: "/does/not/exist.zip"},
	})
	require.Error(t, err)
}
