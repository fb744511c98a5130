package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/MrWong99/clonecall/pkg/blob"
)

// memObjects is an in-memory objectAPI.
type memObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
	getErr  error
}

func (m *memObjects) GetObject(_ context.Context, in *awss3.GetObjectInput, _ ...func(*awss3.Options)) (*awss3.GetObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	data, ok := m.objects[*in.Bucket+"/"+*in.Key]
	if !ok {
		return nil, &smithy.GenericAPIError{Code: "NoSuchKey", Message: "missing"}
	}
	return &awss3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(data)),
		ContentLength: aws.Int64(int64(len(data))),
	}, nil
}

func (m *memObjects) PutObject(_ context.Context, in *awss3.PutObjectInput, _ ...func(*awss3.Options)) (*awss3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.objects == nil {
		m.objects = map[string][]byte{}
	}
	m.objects[*in.Bucket+"/"+*in.Key] = data
	return &awss3.PutObjectOutput{}, nil
}

func TestNew_RequiresBucket(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error for empty bucket")
	}
	if _, err := New(Config{Bucket: "samples", Endpoint: "http://minio:9000", UsePathStyle: true}); err != nil {
		t.Fatalf("New: %v", err)
	}
}

func TestStore_PutGet(t *testing.T) {
	api := &memObjects{}
	s := newWithClient(api, "voice", "samples/")
	ctx := context.Background()

	if err := s.Put(ctx, "+3110.wav", []byte("RIFF")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, ok := api.objects["voice/samples/+3110.wav"]; !ok {
		t.Fatalf("object stored under unexpected key: %v", api.objects)
	}
	got, err := s.Get(ctx, "+3110.wav", 0)
	if err != nil || string(got) != "RIFF" {
		t.Fatalf("Get = %q, %v", got, err)
	}
	if _, err := s.Get(ctx, "+3110.wav", 2); !errors.Is(err, blob.ErrTooLarge) {
		t.Errorf("Get oversize = %v, want ErrTooLarge", err)
	}
}

func TestStore_GetErrors(t *testing.T) {
	s := newWithClient(&memObjects{}, "voice", "")
	if _, err := s.Get(context.Background(), "nope.wav", 0); !errors.Is(err, blob.ErrNotFound) {
		t.Errorf("Get missing = %v, want ErrNotFound", err)
	}

	boom := errors.New("connection reset")
	s = newWithClient(&memObjects{getErr: boom}, "voice", "")
	_, err := s.Get(context.Background(), "a.wav", 0)
	if !errors.Is(err, boom) || errors.Is(err, blob.ErrNotFound) {
		t.Errorf("Get transport error = %v", err)
	}
}
