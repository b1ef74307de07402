package sync

import (
	"bytes"
	"context"
	"crypto/md5"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
	gosync "sync"
	"sync/atomic"

	"github.com/mdn/deployer/internal/blob"
)

type fakeObject struct {
	data   []byte
	etag   string
	params blob.PutObjectParams
}

// fakeStore is an in-memory blob.Store with call counters and injectable failures.
type fakeStore struct {
	mu       gosync.Mutex
	objects  map[string]*fakeObject
	pageSize int

	lists, heads, puts, gets atomic.Int64

	headErr  map[string]error
	putErr   map[string]error
	getErr   map[string]error
	vanished map[string]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		objects:  map[string]*fakeObject{},
		pageSize: 1000,
		headErr:  map[string]error{},
		putErr:   map[string]error{},
		getErr:   map[string]error{},
		vanished: map[string]bool{},
	}
}

// seed stores an object as if an earlier deploy had put it.
func (f *fakeStore) seed(key string, data []byte, meta map[string]string) *fakeObject {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj := &fakeObject{
		data:   data,
		etag:   fmt.Sprintf("%x", md5.Sum(data)),
		params: blob.PutObjectParams{Key: key, Metadata: meta},
	}
	f.objects[key] = obj
	return obj
}

func (f *fakeStore) object(key string) (*fakeObject, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[key]
	return obj, ok
}

func (f *fakeStore) ListObjects(ctx context.Context, params *blob.ListObjectsParams) (*blob.ListObjectsPage, error) {
	f.lists.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()

	var keys []string
	for key := range f.objects {
		if strings.HasPrefix(key, params.Prefix) {
			keys = append(keys, key)
		}
	}
	slices.Sort(keys)

	start := 0
	if params.ContinuationToken != "" {
		n, err := strconv.Atoi(params.ContinuationToken)
		if err != nil {
			return nil, err
		}
		start = n
	}
	end := min(start+f.pageSize, len(keys))

	page := &blob.ListObjectsPage{}
	for _, key := range keys[start:end] {
		obj := f.objects[key]
		page.Objects = append(page.Objects, blob.ObjectInfo{Key: key, Size: int64(len(obj.data)), ETag: obj.etag})
	}
	if end < len(keys) {
		page.Truncated = true
		page.NextToken = strconv.Itoa(end)
	}
	return page, nil
}

func (f *fakeStore) HeadObject(ctx context.Context, key string) (*blob.HeadObjectResponse, error) {
	f.heads.Add(1)
	if err := f.headErr[key]; err != nil {
		return nil, err
	}
	obj, ok := f.object(key)
	if !ok || f.vanished[key] {
		return nil, fmt.Errorf("head %s: %w", key, blob.ErrNotFound)
	}
	return &blob.HeadObjectResponse{
		Metadata: obj.params.Metadata,
		Size:     int64(len(obj.data)),
		ETag:     obj.etag,
	}, nil
}

func (f *fakeStore) PutObject(ctx context.Context, params *blob.PutObjectParams) (*blob.PutObjectResponse, error) {
	f.puts.Add(1)
	if err := f.putErr[params.Key]; err != nil {
		return nil, err
	}
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	stored := *params
	stored.Body = nil

	f.mu.Lock()
	defer f.mu.Unlock()
	obj := &fakeObject{data: data, etag: fmt.Sprintf("%x", md5.Sum(data)), params: stored}
	f.objects[params.Key] = obj
	return &blob.PutObjectResponse{Key: params.Key, ETag: obj.etag}, nil
}

func (f *fakeStore) GetObject(ctx context.Context, key string) (*blob.GetObjectResponse, error) {
	f.gets.Add(1)
	if err := f.getErr[key]; err != nil {
		return nil, err
	}
	obj, ok := f.object(key)
	if !ok || f.vanished[key] {
		return nil, fmt.Errorf("get %s: %w", key, blob.ErrNotFound)
	}
	return &blob.GetObjectResponse{
		Body: io.NopCloser(bytes.NewReader(obj.data)),
		ETag: obj.etag,
		Size: int64(len(obj.data)),
	}, nil
}

var _ blob.Store = (*fakeStore)(nil)
