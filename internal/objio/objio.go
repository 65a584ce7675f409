// Package objio is the seam between the object codec (component D), the
// envelope (component B), and the blob store (component A): it is the
// "compute ID, probe cache, encrypt, write" sequence that spec.md §4.7
// stage 3 names, factored out so both the put and get pipelines drive it
// the same way instead of each re-deriving paths and retry semantics.
package objio

import (
	"context"
	"fmt"
	"io"

	"github.com/mmp/rekord/internal/blobstore"
	"github.com/mmp/rekord/internal/envelope"
	"github.com/mmp/rekord/internal/objects"
	"github.com/mmp/rekord/internal/rkerr"
)

// Cache is the subset of indexcache.Cache that objio needs, kept narrow so
// callers that have no cache (a bare Get, say) can pass a nil Cache.
type Cache interface {
	Known(id objects.ID) bool
	Insert(id objects.ID) error
}

// Writer seals and stores objects for one repository, bound to a single
// recipient public key (the master key, however the session derived it --
// a read-write session recomputes it from its secret key, a write-only
// session reads it straight out of its own wrapper payload; the
// encryption side cannot tell the difference).
type Writer struct {
	Store       blobstore.Store
	Cache       Cache
	RepoID      [32]byte
	RecipientPK *[32]byte
}

// PutResult reports whether an object needed to be written at all, for
// callers tallying stored-size statistics.
type PutResult struct {
	ID      objects.ID
	Written bool
	Bytes   int64
}

// Put stores obj if it is not already known to be present, and reports its
// ID either way so callers can reference it from a parent object. This
// implements spec.md §4.7 stage 3's "compute ID; probe cache; on miss,
// probe exists_fast; on still-miss, encrypt and write; on success or
// AlreadyExists update cache" sequence.
func (w *Writer) Put(ctx context.Context, obj objects.Object) (PutResult, error) {
	id := obj.ID()

	if w.Cache != nil && w.Cache.Known(id) {
		return PutResult{ID: id}, nil
	}

	path := id.Path()
	if w.Store.ExistsFast(ctx, path) {
		w.markKnown(id)
		return PutResult{ID: id}, nil
	}

	blob, err := envelope.Seal(w.RecipientPK, w.RepoID, id, obj.Kind, obj.Plaintext)
	if err != nil {
		return PutResult{}, fmt.Errorf("seal object %s: %w", id, err)
	}

	n, err := w.Store.Write(ctx, path, int64(len(blob)), func(sink blobstore.Sink) error {
		return sink(blob)
	})
	if err != nil {
		if isAlreadyExists(err) {
			w.markKnown(id)
			return PutResult{ID: id}, nil
		}
		return PutResult{}, fmt.Errorf("write object %s: %w", id, err)
	}

	w.markKnown(id)
	return PutResult{ID: id, Written: true, Bytes: n}, nil
}

func isAlreadyExists(err error) bool {
	k, ok := rkerr.KindOf(err)
	return ok && k == rkerr.KindAlreadyExists
}

func (w *Writer) markKnown(id objects.ID) {
	if w.Cache == nil {
		return
	}
	// A cache-insert failure is ignored here, not fatal: the cache is a
	// soundness-only optimization (spec.md §4.6), never the source of truth
	// for what the store holds.
	_ = w.Cache.Insert(id)
}

// Reader fetches and opens objects for one repository.
type Reader struct {
	Store    blobstore.Store
	RepoID   [32]byte
	SecretSK *[32]byte
}

// Get fetches, authenticates, and decodes the plaintext for id, expected to
// be of kind.
func (r *Reader) Get(ctx context.Context, id objects.ID, kind objects.Kind) ([]byte, error) {
	blob, err := r.readBlob(ctx, id)
	if err != nil {
		return nil, err
	}
	return r.openAndVerify(id, kind, blob)
}

// GetAny fetches an object whose kind is not known ahead of time, reading
// it off the unencrypted kind field in the envelope header. Used only for
// a pipeline's root object, since the root may be a directory, a file, or
// a snapshot depending on what was stored.
func (r *Reader) GetAny(ctx context.Context, id objects.ID) (objects.Kind, []byte, error) {
	blob, err := r.readBlob(ctx, id)
	if err != nil {
		return 0, nil, err
	}
	kind, err := envelope.PeekKind(blob)
	if err != nil {
		return 0, nil, err
	}
	plaintext, err := r.openAndVerify(id, kind, blob)
	return kind, plaintext, err
}

func (r *Reader) readBlob(ctx context.Context, id objects.ID) ([]byte, error) {
	rc, err := r.Store.Read(ctx, id.Path())
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	blob, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", id, err)
	}
	return blob, nil
}

func (r *Reader) openAndVerify(id objects.ID, kind objects.Kind, blob []byte) ([]byte, error) {
	plaintext, err := envelope.Open(r.SecretSK, r.RepoID, id, kind, blob)
	if err != nil {
		return nil, err
	}

	gotID := objects.DeriveID(kind, plaintext)
	if gotID != id {
		return nil, rkerr.New(rkerr.KindCorrupt, "object %s decrypted to content whose id is %s", id, gotID)
	}
	return plaintext, nil
}
