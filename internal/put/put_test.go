package put

import (
	"context"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/crypto/nacl/box"

	"github.com/mmp/rekord/internal/blobstore"
	"github.com/mmp/rekord/internal/objects"
	"github.com/mmp/rekord/internal/objio"
)

func newTestPipeline(t *testing.T) (*Pipeline, blobstore.Store, [32]byte, *[32]byte) {
	t.Helper()
	pub, _, err := box.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	var repoID [32]byte
	rand.Read(repoID[:])

	store := blobstore.NewMemory()
	writer := &objio.Writer{Store: store, RepoID: repoID, RecipientPK: pub}
	return &Pipeline{Writer: writer}, store, repoID, pub
}

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestPutSingleSmallFile(t *testing.T) {
	p, store, _, _ := newTestPipeline(t)
	dir := t.TempDir()
	filePath := filepath.Join(dir, "hello.txt")
	writeFile(t, filePath, []byte("hello, world"))

	res, err := p.Put(context.Background(), []string{filePath}, Options{Name: "test"})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if res.SnapshotID.IsZero() {
		t.Fatalf("expected a snapshot id")
	}
	if res.RootKind != objects.RootKindFile {
		t.Errorf("got root kind %v, want RootKindFile", res.RootKind)
	}

	if ok, _ := store.ExistsSlow(context.Background(), res.SnapshotID.TagPath()); !ok {
		t.Errorf("expected a tag to be written for the snapshot")
	}
}

// TestPutSingleSmallFileObjectCount is spec.md §8 S2: a.txt containing
// "hello\n" (6 bytes) must produce exactly 3 object writes (chunk, file,
// snapshot) plus 1 tag write -- a file this small is still small enough
// that an implementation could be tempted to inline it and skip the chunk
// object entirely, which the worked example rules out.
func TestPutSingleSmallFileObjectCount(t *testing.T) {
	p, store, _, _ := newTestPipeline(t)
	dir := t.TempDir()
	filePath := filepath.Join(dir, "a.txt")
	writeFile(t, filePath, []byte("hello\n"))

	res, err := p.Put(context.Background(), []string{filePath}, Options{Name: "test"})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	ctx := context.Background()
	objs, err := store.List(ctx, "objects/")
	if err != nil {
		t.Fatalf("List objects: %v", err)
	}
	if len(objs) != 3 {
		t.Errorf("got %d object writes, want 3 (chunk, file, snapshot); wrote %v", len(objs), objs)
	}

	tags, err := store.List(ctx, "tags/")
	if err != nil {
		t.Fatalf("List tags: %v", err)
	}
	if len(tags) != 1 {
		t.Errorf("got %d tag writes, want 1", len(tags))
	}
	if tags[0] != res.SnapshotID.TagPath() {
		t.Errorf("tag %s does not name the returned snapshot id", tags[0])
	}
}

func TestPutDirectoryTree(t *testing.T) {
	p, store, _, _ := newTestPipeline(t)
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "sub"), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	writeFile(t, filepath.Join(dir, "a.txt"), []byte("file a"))
	writeFile(t, filepath.Join(dir, "sub", "b.txt"), []byte("file b"))

	res, err := p.Put(context.Background(), []string{dir}, Options{Name: "tree"})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if res.RootKind != objects.RootKindDirectory {
		t.Errorf("got root kind %v, want RootKindDirectory", res.RootKind)
	}

	entries, err := store.List(context.Background(), "objects/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	// At least: file a, file b, the sub directory, and the root directory.
	if len(entries) < 4 {
		t.Errorf("got %d stored objects, want at least 4", len(entries))
	}
}

func TestPutDeduplicatesIdenticalFiles(t *testing.T) {
	p, store, _, _ := newTestPipeline(t)
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "one.txt"), []byte("identical contents"))
	writeFile(t, filepath.Join(dir, "two.txt"), []byte("identical contents"))

	if _, err := p.Put(context.Background(), []string{dir}, Options{Name: "dedup"}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	entries, err := store.List(context.Background(), "objects/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	// Two identical small files encode to the same chunk and File objects
	// and thus the same IDs; the root directory references the File object
	// twice, but the blob store only ever holds one copy.
	seen := make(map[string]bool)
	for _, e := range entries {
		if seen[e] {
			t.Errorf("duplicate blob stored at %s", e)
		}
		seen[e] = true
	}
}

func TestPutRawSkipsSnapshot(t *testing.T) {
	p, _, _, _ := newTestPipeline(t)
	dir := t.TempDir()
	filePath := filepath.Join(dir, "raw.txt")
	writeFile(t, filePath, []byte("raw content"))

	res, err := p.Put(context.Background(), []string{filePath}, Options{Raw: true})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if !res.SnapshotID.IsZero() {
		t.Errorf("expected no snapshot id when Raw is set")
	}
	if res.RootID.IsZero() {
		t.Errorf("expected a root id even when Raw is set")
	}
}

func TestPutMultiplePathsSharesOneRoot(t *testing.T) {
	p, _, _, _ := newTestPipeline(t)
	dir1 := t.TempDir()
	dir2 := t.TempDir()
	writeFile(t, filepath.Join(dir1, "x.txt"), []byte("x"))
	writeFile(t, filepath.Join(dir2, "y.txt"), []byte("y"))

	res, err := p.Put(context.Background(), []string{dir1, dir2}, Options{Name: "multi"})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if res.RootKind != objects.RootKindDirectory {
		t.Errorf("got root kind %v, want RootKindDirectory (synthetic root)", res.RootKind)
	}
}

func TestPutLargeFileChunks(t *testing.T) {
	p, _, _, _ := newTestPipeline(t)
	dir := t.TempDir()
	filePath := filepath.Join(dir, "big.bin")

	data := make([]byte, 3*1024*1024)
	for i := range data {
		data[i] = byte(i)
	}
	writeFile(t, filePath, data)

	res, err := p.Put(context.Background(), []string{filePath}, Options{Name: "big"})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if res.LogicalSize != int64(len(data)) {
		t.Errorf("got logical size %d, want %d", res.LogicalSize, len(data))
	}
}
