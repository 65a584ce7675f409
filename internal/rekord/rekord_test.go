package rekord

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/mmp/rekord/internal/blobstore"
	"github.com/mmp/rekord/internal/get"
	"github.com/mmp/rekord/internal/put"
	"github.com/mmp/rekord/internal/rkerr"
	"github.com/mmp/rekord/internal/vault"
)

func TestInitAndOpenModes(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemory()

	if _, err := Init(ctx, store, "pw-full", "pw-write"); err != nil {
		t.Fatalf("Init: %v", err)
	}

	for _, path := range []string{pathMetaID, pathKeysFull, pathKeysWrite} {
		if ok, err := store.ExistsSlow(ctx, path); err != nil || !ok {
			t.Errorf("expected %s to exist after Init, ok=%v err=%v", path, ok, err)
		}
	}

	full, err := Open(ctx, store, "pw-full", OpenOptions{})
	if err != nil {
		t.Fatalf("Open(pw-full): %v", err)
	}
	if full.Keys.Mode != vault.ModeReadWrite {
		t.Errorf("got mode %v, want ReadWrite", full.Keys.Mode)
	}

	writeOnly, err := Open(ctx, store, "pw-write", OpenOptions{})
	if err != nil {
		t.Fatalf("Open(pw-write): %v", err)
	}
	if writeOnly.Keys.Mode != vault.ModeWriteOnly {
		t.Errorf("got mode %v, want WriteOnly", writeOnly.Keys.Mode)
	}

	if _, err := Open(ctx, store, "pw-bad", OpenOptions{}); err == nil {
		t.Fatalf("expected Open with wrong password to fail")
	} else if k, ok := rkerr.KindOf(err); !ok || k != rkerr.KindAuthenticationFailed {
		t.Errorf("got error kind %v, want AuthenticationFailed", k)
	}
}

func TestPutGetListFsckRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemory()

	if _, err := Init(ctx, store, "pw-full", "pw-write"); err != nil {
		t.Fatalf("Init: %v", err)
	}

	repo, err := Open(ctx, store, "pw-full", OpenOptions{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	src := t.TempDir()
	if err := os.WriteFile(filepath.Join(src, "a.txt"), []byte("hello\n"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	putRes, err := repo.Put(ctx, []string{src}, put.Options{Name: "first"})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	snapshots, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(snapshots) != 1 || snapshots[0] != putRes.SnapshotID {
		t.Errorf("List() = %v, want [%s]", snapshots, putRes.SnapshotID)
	}

	resolved, err := repo.ResolveSnapshot(ctx, putRes.SnapshotID.String()[:8])
	if err != nil {
		t.Fatalf("ResolveSnapshot: %v", err)
	}
	if resolved != putRes.SnapshotID {
		t.Errorf("ResolveSnapshot = %s, want %s", resolved, putRes.SnapshotID)
	}

	dest := t.TempDir()
	if _, err := repo.Get(ctx, putRes.SnapshotID, dest, get.Options{}); err != nil {
		t.Fatalf("Get: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(dest, "a.txt"))
	if err != nil {
		t.Fatalf("read restored file: %v", err)
	}
	if !bytes.Equal(got, []byte("hello\n")) {
		t.Errorf("got %q", got)
	}

	fsckRes, err := repo.Fsck(ctx)
	if err != nil {
		t.Fatalf("Fsck: %v", err)
	}
	if len(fsckRes.Errors) != 0 {
		t.Errorf("Fsck found errors: %v", fsckRes.Errors)
	}
	if fsckRes.ObjectsVisited == 0 {
		t.Errorf("Fsck visited no objects")
	}
}

func TestWriteOnlyPutThenFullGet(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemory()

	if _, err := Init(ctx, store, "pw-full", "pw-write"); err != nil {
		t.Fatalf("Init: %v", err)
	}

	writeOnly, err := Open(ctx, store, "pw-write", OpenOptions{})
	if err != nil {
		t.Fatalf("Open(pw-write): %v", err)
	}

	src := t.TempDir()
	if err := os.WriteFile(filepath.Join(src, "secret.txt"), []byte("write-only contents"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	putRes, err := writeOnly.Put(ctx, []string{src}, put.Options{Name: "wo"})
	if err != nil {
		t.Fatalf("write-only Put: %v", err)
	}

	if _, err := writeOnly.Get(ctx, putRes.SnapshotID, t.TempDir(), get.Options{}); err == nil {
		t.Fatalf("expected Get to fail in write-only mode")
	}

	full, err := Open(ctx, store, "pw-full", OpenOptions{})
	if err != nil {
		t.Fatalf("Open(pw-full): %v", err)
	}

	dest := t.TempDir()
	if _, err := full.Get(ctx, putRes.SnapshotID, dest, get.Options{}); err != nil {
		t.Fatalf("full Get: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(dest, "secret.txt"))
	if err != nil {
		t.Fatalf("read restored file: %v", err)
	}
	if string(got) != "write-only contents" {
		t.Errorf("got %q", got)
	}
}

func TestOpenMissingRepositoryIsNotFound(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemory()

	if _, err := Open(ctx, store, "pw-full", OpenOptions{}); err == nil {
		t.Fatalf("expected Open against an empty store to fail")
	} else if k, ok := rkerr.KindOf(err); !ok || k != rkerr.KindNotFound {
		t.Errorf("got error kind %v, want NotFound", k)
	}
}

func TestIndexCachePutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemory()

	if _, err := Init(ctx, store, "pw-full", "pw-write"); err != nil {
		t.Fatalf("Init: %v", err)
	}

	cachePath := filepath.Join(t.TempDir(), "index.db")
	repo, err := Open(ctx, store, "pw-full", OpenOptions{IndexCachePath: cachePath})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer repo.Close()

	// Two siblings with byte-identical content in one Put call with an
	// index cache open: both encode to one file object, and both restore
	// intact.
	src := t.TempDir()
	if err := os.WriteFile(filepath.Join(src, "a.txt"), []byte("same content"), 0644); err != nil {
		t.Fatalf("write a.txt: %v", err)
	}
	if err := os.WriteFile(filepath.Join(src, "b.txt"), []byte("same content"), 0644); err != nil {
		t.Fatalf("write b.txt: %v", err)
	}

	res, err := repo.Put(ctx, []string{src}, put.Options{Name: "dedup"})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	dest := t.TempDir()
	if _, err := repo.Get(ctx, res.SnapshotID, dest, get.Options{}); err != nil {
		t.Fatalf("Get: %v", err)
	}
	for _, name := range []string{"a.txt", "b.txt"} {
		got, err := os.ReadFile(filepath.Join(dest, name))
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		if string(got) != "same content" {
			t.Errorf("%s got %q", name, got)
		}
	}
}
