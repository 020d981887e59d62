package recovery

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

func sampleState() *State {
	return &State{
		ConnectionID:     "conn-1",
		ConnectionKey:    "key-1",
		ConnectionSerial: 41,
		MsgSerial:        7,
		SavedAt:          time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func equalState(t *testing.T, got, want *State) {
	t.Helper()
	if got.ConnectionID != want.ConnectionID || got.ConnectionKey != want.ConnectionKey ||
		got.ConnectionSerial != want.ConnectionSerial || got.MsgSerial != want.MsgSerial ||
		!got.SavedAt.Equal(want.SavedAt) {
		t.Fatalf("state = %+v, want %+v", got, want)
	}
}

func TestMarshalDeterministic(t *testing.T) {
	a, err := Marshal(sampleState())
	if err != nil {
		t.Fatal(err)
	}
	b, _ := Marshal(sampleState())
	if !bytes.Equal(a, b) {
		t.Error("encoding is not deterministic")
	}
	got, err := Unmarshal(a)
	if err != nil {
		t.Fatal(err)
	}
	equalState(t, got, sampleState())
}

func TestUnmarshalRejects(t *testing.T) {
	future, _ := encMode.Marshal(envelope{Version: formatVersion + 1, State: sampleState()})
	empty, _ := encMode.Marshal(envelope{Version: formatVersion})

	tests := []struct {
		name string
		data []byte
		is   error
	}{
		{"garbage", []byte{0xff, 0x00}, nil},
		{"future version", future, ErrUnsupportedVersion},
		{"missing state", empty, nil},
	}
	for _, tt := range tests {
		_, err := Unmarshal(tt.data)
		if err == nil {
			t.Errorf("%s: expected error", tt.name)
			continue
		}
		if tt.is != nil && !errors.Is(err, tt.is) {
			t.Errorf("%s: err = %v, want %v", tt.name, err, tt.is)
		}
	}
}

func TestStateValidity(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC)
	s := sampleState()
	if !s.Valid() {
		t.Error("sample should be valid")
	}
	if (&State{ConnectionID: "x"}).Valid() {
		t.Error("state without key should be invalid")
	}
	if s.Expired(now, 10*time.Minute) {
		t.Error("5 minute old state expired with 10 minute ttl")
	}
	if !s.Expired(now, 2*time.Minute) {
		t.Error("5 minute old state not expired with 2 minute ttl")
	}
	if s.Expired(now, 0) {
		t.Error("zero ttl should never expire")
	}
}

// storeContract runs the same checks against every Store.
func storeContract(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	if _, err := store.Load(ctx); !errors.Is(err, ErrNoState) {
		t.Fatalf("Load on empty store = %v, want ErrNoState", err)
	}
	if err := store.Save(ctx, sampleState()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	equalState(t, got, sampleState())

	next := sampleState()
	next.ConnectionSerial = 99
	if err := store.Save(ctx, next); err != nil {
		t.Fatal(err)
	}
	got, _ = store.Load(ctx)
	if got.ConnectionSerial != 99 {
		t.Errorf("serial after overwrite = %d", got.ConnectionSerial)
	}

	if err := store.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, err := store.Load(ctx); !errors.Is(err, ErrNoState) {
		t.Fatalf("Load after Clear = %v", err)
	}
	if err := store.Clear(ctx); err != nil {
		t.Fatalf("second Clear: %v", err)
	}
}

func TestMemoryStore(t *testing.T) {
	m := NewMemoryStore()
	storeContract(t, m)
	if m.Saves() != 2 {
		t.Errorf("Saves = %d, want 2", m.Saves())
	}
}

func TestFileStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.cbor")
	storeContract(t, NewFileStore(path))
}

func TestFileStoreCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.cbor")
	store := NewFileStore(path)
	if err := store.Save(context.Background(), sampleState()); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("not cbor"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Load(context.Background()); err == nil || errors.Is(err, ErrNoState) {
		t.Fatalf("Load corrupt = %v, want decode error", err)
	}
}

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	failPut error
}

func newFakeS3() *fakeS3 { return &fakeS3{objects: map[string][]byte{}} }

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[*in.Bucket+"/"+*in.Key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.failPut != nil {
		return nil, f.failPut
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.objects[*in.Bucket+"/"+*in.Key] = data
	f.mu.Unlock()
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	delete(f.objects, *in.Bucket+"/"+*in.Key)
	f.mu.Unlock()
	return &s3.DeleteObjectOutput{}, nil
}

func TestS3Store(t *testing.T) {
	storeContract(t, NewS3Store(newFakeS3(), "bucket", "realtime/state.cbor"))
}

func TestS3StorePutError(t *testing.T) {
	api := newFakeS3()
	api.failPut = errors.New("access denied")
	err := NewS3Store(api, "b", "k").Save(context.Background(), sampleState())
	if err == nil || !errors.Is(err, api.failPut) {
		t.Fatalf("Save = %v, want wrapped put error", err)
	}
}
