package remote

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/mihailsb/convsync/internal/common"
	"github.com/stretchr/testify/require"
)

type fakeS3 struct {
	objects map[string][]byte
	meta    map[string]map[string]string

	putCalls int
	getErrs  []error // popped per GetObject call before real behavior
}

func newFakeS3() *fakeS3 {
	return &fakeS3{
		objects: make(map[string][]byte),
		meta:    make(map[string]map[string]string),
	}
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.putCalls++
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[*in.Key] = data
	f.meta[*in.Key] = in.Metadata
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if len(f.getErrs) > 0 {
		err := f.getErrs[0]
		f.getErrs = f.getErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	data, ok := f.objects[*in.Key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{
		Body:     io.NopCloser(bytes.NewReader(data)),
		Metadata: f.meta[*in.Key],
	}, nil
}

func (f *fakeS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if _, ok := f.objects[*in.Key]; !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{Metadata: f.meta[*in.Key]}, nil
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	var contents []types.Object
	for k, v := range f.objects {
		if in.Prefix == nil || len(*in.Prefix) == 0 || (len(k) >= len(*in.Prefix) && k[:len(*in.Prefix)] == *in.Prefix) {
			contents = append(contents, types.Object{Key: aws.String(k), Size: aws.Int64(int64(len(v)))})
		}
	}
	return &s3.ListObjectsV2Output{Contents: contents}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	delete(f.objects, *in.Key)
	delete(f.meta, *in.Key)
	return &s3.DeleteObjectOutput{}, nil
}

func TestS3Store_PutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	fake := newFakeS3()
	store := NewS3StoreWithClient(fake, "bucket", "root/")

	require.NoError(t, store.Put(ctx, "manifest.json.enc", []byte("blob"), map[string]string{MetaPlainHash: "h"}))
	require.Contains(t, fake.objects, "root/manifest.json.enc")

	data, meta, err := store.Get(ctx, "manifest.json.enc")
	require.NoError(t, err)
	require.Equal(t, []byte("blob"), data)
	require.Equal(t, "h", meta[MetaPlainHash])
}

func TestS3Store_GetAbsentMapsToNotFound(t *testing.T) {
	store := NewS3StoreWithClient(newFakeS3(), "bucket", "")

	_, _, err := store.Get(context.Background(), "missing")
	require.ErrorIs(t, err, common.ErrObjectNotFound)
}

func TestS3Store_HeadAbsentMapsToNotFound(t *testing.T) {
	store := NewS3StoreWithClient(newFakeS3(), "bucket", "")

	_, err := store.Head(context.Background(), "missing")
	require.ErrorIs(t, err, common.ErrObjectNotFound)
}

func TestS3Store_RetriesTransientGetErrors(t *testing.T) {
	ctx := context.Background()
	fake := newFakeS3()
	store := NewS3StoreWithClient(fake, "bucket", "")

	require.NoError(t, store.Put(ctx, "k", []byte("v"), nil))
	fake.getErrs = []error{errors.New("connection reset"), errors.New("connection reset")}

	data, _, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, []byte("v"), data)
}

func TestS3Store_ListStripsRootPrefix(t *testing.T) {
	ctx := context.Background()
	fake := newFakeS3()
	store := NewS3StoreWithClient(fake, "bucket", "root/")

	require.NoError(t, store.Put(ctx, "conversations/abc/task.md.enc", []byte("1"), nil))
	require.NoError(t, store.Put(ctx, "machines/m1.json.enc", []byte("2"), nil))

	keys, err := store.List(ctx, "conversations/")
	require.NoError(t, err)
	require.Equal(t, []string{"conversations/abc/task.md.enc"}, keys)
}

func TestS3Store_Quota(t *testing.T) {
	ctx := context.Background()
	fake := newFakeS3()
	store := NewS3StoreWithClient(fake, "bucket", "root/")

	require.NoError(t, store.Put(ctx, "a", make([]byte, 10), nil))
	require.NoError(t, store.Put(ctx, "b", make([]byte, 5), nil))

	used, _, err := store.Quota(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 15, used)
}
