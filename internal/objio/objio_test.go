package objio

import (
	"bytes"
	"context"
	"crypto/rand"
	"testing"

	"golang.org/x/crypto/nacl/box"

	"github.com/mmp/rekord/internal/blobstore"
	"github.com/mmp/rekord/internal/objects"
)

type memCache struct{ known map[objects.ID]bool }

func newMemCache() *memCache { return &memCache{known: make(map[objects.ID]bool)} }
func (c *memCache) Known(id objects.ID) bool { return c.known[id] }
func (c *memCache) Insert(id objects.ID) error {
	c.known[id] = true
	return nil
}

func TestPutGetRoundTrip(t *testing.T) {
	pub, sec, err := box.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	var repoID [32]byte
	rand.Read(repoID[:])

	store := blobstore.NewMemory()
	cache := newMemCache()
	ctx := context.Background()

	writer := &Writer{Store: store, Cache: cache, RepoID: repoID, RecipientPK: pub}
	obj := objects.EncodeChunk([]byte("hello, world"))

	res, err := writer.Put(ctx, obj)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if !res.Written {
		t.Fatalf("expected first Put to actually write")
	}

	res2, err := writer.Put(ctx, obj)
	if err != nil {
		t.Fatalf("second Put: %v", err)
	}
	if res2.Written {
		t.Errorf("second Put of the same object should be a cache hit, not a write")
	}
	if res2.ID != res.ID {
		t.Errorf("ID mismatch between puts")
	}

	reader := &Reader{Store: store, RepoID: repoID, SecretSK: sec}
	got, err := reader.Get(ctx, res.ID, objects.KindChunk)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, obj.Plaintext) {
		t.Errorf("got %q, want %q", got, obj.Plaintext)
	}
}

func TestPutWithoutCacheStillDeduplicatesViaExistsFast(t *testing.T) {
	pub, _, err := box.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	var repoID [32]byte
	store := blobstore.NewMemory()
	ctx := context.Background()

	writer := &Writer{Store: store, RepoID: repoID, RecipientPK: pub}
	obj := objects.EncodeChunk([]byte("deduplicate me"))

	if _, err := writer.Put(ctx, obj); err != nil {
		t.Fatalf("first Put: %v", err)
	}
	res, err := writer.Put(ctx, obj)
	if err != nil {
		t.Fatalf("second Put: %v", err)
	}
	if res.Written {
		t.Errorf("second Put should observe the blob already exists and skip writing")
	}
}
