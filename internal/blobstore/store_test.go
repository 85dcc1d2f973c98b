package blobstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

const receiptKey = "transfers/8453/0x02.json"

func TestNewValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "memory", cfg: Config{Driver: DriverMemory}},
		{name: "unsupported driver", cfg: Config{Driver: "gcs"}, wantErr: true},
		{name: "s3 missing bucket", cfg: Config{Driver: DriverS3, S3Client: &fakeS3Client{}}, wantErr: true},
		{name: "s3 missing client", cfg: Config{Driver: DriverS3, Bucket: "bridge-archive"}, wantErr: true},
		{name: "default driver is s3", cfg: Config{Bucket: "bridge-archive", S3Client: &fakeS3Client{}}},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			store, err := New(tc.cfg)
			if tc.wantErr {
				if !errors.Is(err, ErrInvalidConfig) {
					t.Fatalf("expected ErrInvalidConfig, got %v", err)
				}
				return
			}
			if err != nil || store == nil {
				t.Fatalf("New: store=%v err=%v", store, err)
			}
		})
	}
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, err := New(Config{Driver: DriverMemory, Prefix: "mainnet/"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	payload := []byte(`{"version":"bridge.transfer.v1","state":"success"}`)
	if err := store.Put(ctx, "/"+receiptKey, payload, PutOptions{
		ContentType: "application/json",
		Metadata:    map[string]string{"chain-id": "8453", " ": "dropped"},
		IfAbsent:    true,
	}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if ok, err := store.Exists(ctx, receiptKey); err != nil || !ok {
		t.Fatalf("Exists: ok=%v err=%v", ok, err)
	}

	obj, err := store.Get(ctx, receiptKey)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if obj.Key != receiptKey || !bytes.Equal(obj.Data, payload) || obj.ContentType != "application/json" {
		t.Fatalf("object: %+v", obj)
	}
	if len(obj.Metadata) != 1 || obj.Metadata["chain-id"] != "8453" {
		t.Fatalf("metadata: %v", obj.Metadata)
	}
	if obj.ETag == "" || obj.LastModified.IsZero() {
		t.Fatalf("etag/last modified missing: %+v", obj)
	}

	// Returned values are copies.
	obj.Data[0] = 'X'
	obj.Metadata["chain-id"] = "1"
	reload, _ := store.Get(ctx, receiptKey)
	if reload.Data[0] != '{' || reload.Metadata["chain-id"] != "8453" {
		t.Fatalf("stored object was mutated through Get result")
	}

	if err := store.Put(ctx, receiptKey, []byte("other"), PutOptions{IfAbsent: true}); !errors.Is(err, ErrExists) {
		t.Fatalf("Put IfAbsent over existing: got %v want %v", err, ErrExists)
	}
	if err := store.Put(ctx, receiptKey, []byte("other"), PutOptions{}); err != nil {
		t.Fatalf("Put overwrite: %v", err)
	}

	if _, err := store.Get(ctx, "transfers/8453/missing.json"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get missing: got %v want %v", err, ErrNotFound)
	}
}

func TestStoreRejectsInvalidKeys(t *testing.T) {
	t.Parallel()

	store, err := New(Config{Driver: DriverMemory})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for _, key := range []string{"", "   ", "\x00bad", "\nnewline", "transfers//x", "transfers/../x"} {
		key := key
		t.Run(strings.ReplaceAll(key, "\x00", "nul"), func(t *testing.T) {
			t.Parallel()
			if err := store.Put(context.Background(), key, []byte("x"), PutOptions{}); !errors.Is(err, ErrInvalidKey) {
				t.Fatalf("Put(%q): expected ErrInvalidKey, got %v", key, err)
			}
			if _, err := store.Get(context.Background(), key); !errors.Is(err, ErrInvalidKey) {
				t.Fatalf("Get(%q): expected ErrInvalidKey, got %v", key, err)
			}
			if _, err := store.Exists(context.Background(), key); !errors.Is(err, ErrInvalidKey) {
				t.Fatalf("Exists(%q): expected ErrInvalidKey, got %v", key, err)
			}
		})
	}
}

func TestS3StorePutGetExists(t *testing.T) {
	t.Parallel()

	const fullKey = "archive/" + receiptKey
	client := &fakeS3Client{}
	store, err := New(Config{
		Driver:     DriverS3,
		Bucket:     "bridge-archive",
		Prefix:     "archive",
		MaxGetSize: 4 << 10,
		S3Client:   client,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	client.putFn = func(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
		if got, want := aws.ToString(in.Bucket), "bridge-archive"; got != want {
			t.Fatalf("bucket: got %q want %q", got, want)
		}
		if got := aws.ToString(in.Key); got != fullKey {
			t.Fatalf("key: got %q want %q", got, fullKey)
		}
		if got := aws.ToString(in.ContentType); got != "application/json" {
			t.Fatalf("content type: got %q", got)
		}
		if got := aws.ToString(in.IfNoneMatch); got != "*" {
			t.Fatalf("if-none-match: got %q want *", got)
		}
		return &s3.PutObjectOutput{}, nil
	}
	client.getFn = func(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
		if got := aws.ToString(in.Key); got != fullKey {
			t.Fatalf("get key: got %q want %q", got, fullKey)
		}
		return &s3.GetObjectOutput{
			Body:        io.NopCloser(strings.NewReader(`{"state":"success"}`)),
			ContentType: aws.String("application/json"),
			Metadata:    map[string]string{"chain-id": "8453"},
			ETag:        aws.String(`"abc123"`),
		}, nil
	}
	client.headFn = func(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
		if got := aws.ToString(in.Key); got != fullKey {
			t.Fatalf("head key: got %q want %q", got, fullKey)
		}
		return &s3.HeadObjectOutput{}, nil
	}

	ctx := context.Background()
	if err := store.Put(ctx, receiptKey, []byte(`{"state":"success"}`), PutOptions{ContentType: "application/json", IfAbsent: true}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	obj, err := store.Get(ctx, receiptKey)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(obj.Data) != `{"state":"success"}` || obj.ETag != "abc123" || obj.Metadata["chain-id"] != "8453" {
		t.Fatalf("object: %+v", obj)
	}
	if ok, err := store.Exists(ctx, receiptKey); err != nil || !ok {
		t.Fatalf("Exists: ok=%v err=%v", ok, err)
	}
}

func TestS3StoreMapsErrors(t *testing.T) {
	t.Parallel()

	client := &fakeS3Client{
		putFn: func(context.Context, *s3.PutObjectInput, ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
			return nil, fakeAPIError{code: "PreconditionFailed", msg: "exists"}
		},
		getFn: func(context.Context, *s3.GetObjectInput, ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
			return nil, fakeAPIError{code: "NoSuchKey", msg: "missing"}
		},
		headFn: func(context.Context, *s3.HeadObjectInput, ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
			return nil, fakeAPIError{code: "NotFound", msg: "missing"}
		},
	}
	store, err := New(Config{Driver: DriverS3, Bucket: "bridge-archive", S3Client: client})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx := context.Background()
	if err := store.Put(ctx, receiptKey, []byte("x"), PutOptions{IfAbsent: true}); !errors.Is(err, ErrExists) {
		t.Fatalf("Put IfAbsent: got %v want %v", err, ErrExists)
	}
	// Without IfAbsent a precondition failure is just an error.
	if err := store.Put(ctx, receiptKey, []byte("x"), PutOptions{}); err == nil || errors.Is(err, ErrExists) {
		t.Fatalf("Put: got %v", err)
	}
	if _, err := store.Get(ctx, receiptKey); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get: got %v want %v", err, ErrNotFound)
	}
	if ok, err := store.Exists(ctx, receiptKey); err != nil || ok {
		t.Fatalf("Exists: ok=%v err=%v", ok, err)
	}
}

func TestS3StoreMaxGetSize(t *testing.T) {
	t.Parallel()

	client := &fakeS3Client{
		getFn: func(context.Context, *s3.GetObjectInput, ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
			return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader("this payload is too large"))}, nil
		},
	}
	store, err := New(Config{Driver: DriverS3, Bucket: "bridge-archive", S3Client: client, MaxGetSize: 8})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := store.Get(context.Background(), receiptKey); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
}

type fakeS3Client struct {
	putFn  func(context.Context, *s3.PutObjectInput, ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	getFn  func(context.Context, *s3.GetObjectInput, ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	headFn func(context.Context, *s3.HeadObjectInput, ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

func (f *fakeS3Client) PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.putFn == nil {
		return &s3.PutObjectOutput{}, nil
	}
	return f.putFn(ctx, in, opts...)
}

func (f *fakeS3Client) GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if f.getFn == nil {
		return nil, errors.New("unexpected GetObject call")
	}
	return f.getFn(ctx, in, opts...)
}

func (f *fakeS3Client) HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if f.headFn == nil {
		return &s3.HeadObjectOutput{}, nil
	}
	return f.headFn(ctx, in, opts...)
}

type fakeAPIError struct {
	code string
	msg  string
}

func (f fakeAPIError) ErrorCode() string             { return f.code }
func (f fakeAPIError) ErrorMessage() string          { return f.msg }
func (f fakeAPIError) ErrorFault() smithy.ErrorFault { return smithy.FaultClient }
func (f fakeAPIError) Error() string                 { return f.code + ": " + f.msg }
