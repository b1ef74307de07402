package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupFakeS3(t *testing.T, bucket string, create bool) *S3Backend {
	t.Helper()

	backend := s3mem.New()
	faker := gofakes3.New(backend)
	server := httptest.NewServer(faker.Server())
	t.Cleanup(server.Close)

	if create {
		require.NoError(t, backend.CreateBucket(bucket))
	}

	store, err := NewS3BackendWithConfig(context.Background(), &S3Config{
		BucketName: bucket,
		Region:     "us-east-1",
		AccessKey:  "test",
		SecretKey:  "test",
		Endpoint:   server.URL,
	})
	require.NoError(t, err)
	return store
}

func putString(t *testing.T, store *S3Backend, key, body string, meta map[string]string) {
	t.Helper()
	_, err := store.PutObject(context.Background(), &PutObjectParams{
		Key:         key,
		Body:        strings.NewReader(body),
		Size:        int64(len(body)),
		ContentType: "text/plain",
		Metadata:    meta,
	})
	require.NoError(t, err)
}

func TestS3Backend_PutHeadGet(t *testing.T) {
	ctx := context.Background()
	store := setupFakeS3(t, "site", true)

	putString(t, store, "en-US/index.html", "<h1>hello</h1>", map[string]string{"filehash": "deadbeef"})

	head, err := store.HeadObject(ctx, "en-US/index.html")
	require.NoError(t, err)
	assert.Equal(t, "deadbeef", head.Metadata["filehash"])
	assert.EqualValues(t, len("<h1>hello</h1>"), head.Size)
	assert.NotContains(t, head.ETag, `"`)

	obj, err := store.GetObject(ctx, "en-US/index.html")
	require.NoError(t, err)
	defer obj.Body.Close()
	data, err := io.ReadAll(obj.Body)
	require.NoError(t, err)
	assert.Equal(t, "<h1>hello</h1>", string(data))
	assert.Equal(t, head.ETag, obj.ETag)
}

func TestS3Backend_NotFound(t *testing.T) {
	ctx := context.Background()
	store := setupFakeS3(t, "site", true)

	_, err := store.HeadObject(ctx, "missing.html")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.GetObject(ctx, "missing.html")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestS3Backend_InvalidKey(t *testing.T) {
	store := setupFakeS3(t, "site", true)

	_, err := store.PutObject(context.Background(), &PutObjectParams{Key: "a/../b", Body: bytes.NewReader(nil)})
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestS3Backend_ListObjectsPages(t *testing.T) {
	ctx := context.Background()
	store := setupFakeS3(t, "site", true)

	var want []string
	for i := range 5 {
		key := fmt.Sprintf("docs/page-%d.html", i)
		putString(t, store, key, strings.Repeat("x", i+1), nil)
		want = append(want, key)
	}
	putString(t, store, "other/skip.html", "x", nil)

	var got []string
	pages := 0
	token := ""
	for {
		page, err := store.ListObjects(ctx, &ListObjectsParams{Prefix: "docs/", ContinuationToken: token, MaxKeys: 2})
		require.NoError(t, err)
		pages++
		for _, obj := range page.Objects {
			got = append(got, obj.Key)
			assert.NotContains(t, obj.ETag, `"`)
		}
		if !page.Truncated {
			break
		}
		token = page.NextToken
	}

	slices.Sort(got)
	assert.Equal(t, want, got)
	assert.GreaterOrEqual(t, pages, 3)
}

func TestS3Backend_ListEmptyBucket(t *testing.T) {
	store := setupFakeS3(t, "empty", true)

	page, err := store.ListObjects(context.Background(), &ListObjectsParams{})
	require.NoError(t, err)
	assert.Empty(t, page.Objects)
	assert.False(t, page.Truncated)
}

func TestS3Backend_HeadAndCreateBucket(t *testing.T) {
	ctx := context.Background()
	store := setupFakeS3(t, "fresh-bucket", false)

	err := store.HeadBucket(ctx)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.CreateBucket(ctx, &CreateBucketParams{ACL: "public-read"}))
	assert.NoError(t, store.HeadBucket(ctx))
}

type statusError struct{ code int }

func (e statusError) Error() string       { return fmt.Sprintf("status %d", e.code) }
func (e statusError) HTTPStatusCode() int { return e.code }

func TestIsNotFound(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "sentinel", err: fmt.Errorf("wrapped: %w", ErrNotFound), want: true},
		{name: "typed not found", err: &types.NotFound{}, want: true},
		{name: "typed no such key", err: fmt.Errorf("op: %w", &types.NoSuchKey{}), want: true},
		{name: "website code", err: &smithy.GenericAPIError{Code: "NoSuchWebsiteConfiguration"}, want: true},
		{name: "other code", err: &smithy.GenericAPIError{Code: "AccessDenied"}, want: false},
		{name: "bare 404", err: statusError{code: 404}, want: true},
		{name: "bare 500", err: statusError{code: 500}, want: false},
		{name: "plain", err: errors.New("boom"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsNotFound(tt.err))
		})
	}
}

func TestMapError(t *testing.T) {
	assert.NoError(t, mapError("op", nil))

	err := mapError("head object", &types.NotFound{})
	assert.ErrorIs(t, err, ErrNotFound)
	var nf *types.NotFound
	assert.ErrorAs(t, err, &nf)

	err = mapError("put object", errors.New("denied"))
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "put object: denied")
}
