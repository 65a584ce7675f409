// Package put implements the put pipeline (component G): walk a set of
// filesystem paths, content-defined-chunk their files, hash/encrypt/store
// every object, and finalize a snapshot, per spec.md §4.7.
//
// The teacher's cmd/bk/backup.go drives a comparable walk with a manual
// sync.WaitGroup and a counting semaphore channel (parallelContext) to
// bound concurrency, and gob-encodes a DirEntry tree as it goes. This
// package keeps the bounded-worker-pool shape but drives it with
// golang.org/x/sync/errgroup so a write failure on one branch of the walk
// cancels its siblings instead of letting them run to a wasted completion,
// and builds the canonical objects.Directory/objects.File types instead of
// gob records.
package put

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mmp/rekord/internal/blobstore"
	"github.com/mmp/rekord/internal/chunker"
	"github.com/mmp/rekord/internal/objects"
	"github.com/mmp/rekord/internal/objio"
	"github.com/mmp/rekord/internal/rkerr"
	"github.com/mmp/rekord/internal/rlog"
)

// Options configures a Put call, mirroring spec.md §4.7's
// {name, follow_symlinks, raw} settings.
type Options struct {
	// Name is the user-facing snapshot name; ignored when Raw is set.
	Name string
	// FollowSymlinks causes symlinks to be traversed as their target
	// rather than stored as link objects.
	FollowSymlinks bool
	// Raw skips snapshot-object creation; the returned Result's RootID
	// is the bare directory/file ID with no name or timestamp attached.
	Raw bool
	// Threads bounds how many filesystem entries are processed
	// concurrently. Zero selects ComputeDefaultThreads().
	Threads int
}

// ComputeDefaultThreads mirrors the original source's
// rk_ComputeDefaultThreads: a worker count that scales with available
// cores but never drops below a useful minimum on small machines.
func ComputeDefaultThreads() int {
	if n := runtime.NumCPU(); n > 4 {
		return n
	}
	return 4
}

// Result reports what Put produced.
type Result struct {
	// SnapshotID is the zero ID when Options.Raw was set.
	SnapshotID  objects.ID
	RootID      objects.ID
	RootKind    objects.RootKind
	LogicalSize int64
	StoredSize  int64
}

// Pipeline drives a Put call against one repository's writer.
type Pipeline struct {
	Writer *objio.Writer
	Log    *rlog.Logger
}

// Put walks paths (each an absolute or relative filesystem path) and
// stores them as a single tree: if exactly one path is given, that path's
// own contents become the root; otherwise a synthetic root directory is
// created whose entries are each path's base name, matching the "back up
// several named trees in one snapshot" usage the original CLI's variadic
// <filename>... argument implies.
func (p *Pipeline) Put(ctx context.Context, paths []string, opts Options) (Result, error) {
	if len(paths) == 0 {
		return Result{}, fmt.Errorf("put: no paths given")
	}
	threads := opts.Threads
	if threads <= 0 {
		threads = ComputeDefaultThreads()
	}

	w := &walker{
		pipeline:       p,
		followSymlinks: opts.FollowSymlinks,
		sem:            make(chan struct{}, threads),
	}

	var root node
	var err error
	if len(paths) == 1 {
		var ok bool
		root, ok, err = w.walk(ctx, paths[0])
		if err == nil && !ok {
			err = fmt.Errorf("put: %s: unusable root path", paths[0])
		}
	} else {
		root, err = w.walkSyntheticRoot(ctx, paths)
	}
	if err != nil {
		return Result{}, err
	}

	result := Result{
		RootID:      root.id,
		LogicalSize: atomic.LoadInt64(&w.logicalSize),
		StoredSize:  atomic.LoadInt64(&w.storedSize),
	}
	if root.kind == objects.DirEntryDir {
		result.RootKind = objects.RootKindDirectory
	} else {
		result.RootKind = objects.RootKindFile
	}

	if opts.Raw {
		return result, nil
	}

	snap := objects.Snapshot{
		Name:         opts.Name,
		CreationTime: snapshotTime(),
		RootID:       root.id,
		RootKind:     result.RootKind,
		LogicalSize:  result.LogicalSize,
		StoredSize:   result.StoredSize,
	}
	snapObj := objects.EncodeSnapshot(snap)
	putRes, err := p.Writer.Put(ctx, snapObj)
	if err != nil {
		return Result{}, fmt.Errorf("store snapshot: %w", err)
	}

	if _, err := p.Writer.Store.Write(ctx, putRes.ID.TagPath(), 0, func(sink blobstore.Sink) error {
		return nil
	}); err != nil && !isAlreadyExists(err) {
		return Result{}, fmt.Errorf("write snapshot tag: %w", err)
	}

	result.SnapshotID = putRes.ID
	return result, nil
}

// node describes one filesystem entry's already-stored representation,
// the unit the walker threads back up to an entry's parent directory.
type node struct {
	kind objects.DirEntryKind
	id   objects.ID
	mode uint32
	mtime int64
	size int64
}

type walker struct {
	pipeline       *Pipeline
	followSymlinks bool
	sem            chan struct{}

	logicalSize int64
	storedSize  int64
}

func (w *walker) acquire(ctx context.Context) error {
	select {
	case w.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *walker) release() { <-w.sem }

func (w *walker) warn(format string, args ...interface{}) {
	if w.pipeline != nil && w.pipeline.Log != nil {
		w.pipeline.Log.Warning(format, args...)
	}
}

// walk stores the entry at path and everything beneath it, returning its
// node and whether it was usable at all. ok is false only for entries this
// stage skips non-fatally (permission denied, vanished mid-walk); err is
// non-nil only for failures that should abort the whole put.
func (w *walker) walk(ctx context.Context, path string) (node, bool, error) {
	if err := ctx.Err(); err != nil {
		return node{}, false, err
	}

	info, err := os.Lstat(path)
	if err != nil {
		w.warn("%s: %v", path, err)
		return node{}, false, nil
	}

	if info.Mode()&os.ModeSymlink != 0 {
		if w.followSymlinks {
			target, err := filepath.EvalSymlinks(path)
			if err != nil {
				w.warn("%s: unresolvable symlink: %v", path, err)
				return node{}, false, nil
			}
			return w.walk(ctx, target)
		}
		return w.walkLink(ctx, path, info)
	}

	if info.IsDir() {
		return w.walkDir(ctx, path, info)
	}

	return w.walkFile(ctx, path, info)
}

func (w *walker) walkLink(ctx context.Context, path string, info os.FileInfo) (node, bool, error) {
	target, err := os.Readlink(path)
	if err != nil {
		w.warn("%s: %v", path, err)
		return node{}, false, nil
	}
	obj := objects.EncodeLink(target)
	res, err := w.pipeline.Writer.Put(ctx, obj)
	if err != nil {
		return node{}, false, fmt.Errorf("%s: %w", path, err)
	}
	w.accumulate(res)
	return node{
		kind: objects.DirEntryLink,
		id:   res.ID,
		mode: uint32(info.Mode()),
		mtime: info.ModTime().Unix(),
	}, true, nil
}

func (w *walker) walkDir(ctx context.Context, path string, info os.FileInfo) (node, bool, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		w.warn("%s: %v", path, err)
		return node{}, false, nil
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	children := make([]*objects.DirEntry, len(entries))
	group, groupCtx := errgroup.WithContext(ctx)
	for i, e := range entries {
		i, name := i, e.Name()
		group.Go(func() error {
			if err := w.acquire(groupCtx); err != nil {
				return err
			}
			defer w.release()

			childPath := filepath.Join(path, name)
			n, ok, err := w.walk(groupCtx, childPath)
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
			children[i] = &objects.DirEntry{
				Name: name, Kind: n.kind, Child: n.id,
				Mode: n.mode, MTime: n.mtime, Size: n.size,
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return node{}, false, err
	}

	dirEntries := make([]objects.DirEntry, 0, len(children))
	for _, c := range children {
		if c != nil {
			dirEntries = append(dirEntries, *c)
		}
	}

	obj := objects.EncodeDirectory(objects.Directory{Entries: dirEntries})
	res, err := w.pipeline.Writer.Put(ctx, obj)
	if err != nil {
		return node{}, false, fmt.Errorf("%s: %w", path, err)
	}
	w.accumulate(res)
	return node{
		kind: objects.DirEntryDir,
		id:   res.ID,
		mode: uint32(info.Mode()),
		mtime: info.ModTime().Unix(),
	}, true, nil
}

func (w *walker) walkFile(ctx context.Context, path string, info os.FileInfo) (node, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		w.warn("%s: %v", path, err)
		return node{}, false, nil
	}
	defer f.Close()

	size := info.Size()
	atomic.AddInt64(&w.logicalSize, size)

	if size <= chunker.InlineThreshold {
		data, err := io.ReadAll(f)
		if err != nil {
			w.warn("%s: %v", path, err)
			return node{}, false, nil
		}
		obj, err := objects.EncodeFile(objects.File{Inline: data, TotalLength: int64(len(data))})
		if err != nil {
			return node{}, false, fmt.Errorf("%s: %w", path, err)
		}
		res, err := w.pipeline.Writer.Put(ctx, obj)
		if err != nil {
			return node{}, false, fmt.Errorf("%s: %w", path, err)
		}
		w.accumulate(res)
		return node{kind: objects.DirEntryFile, id: res.ID, mode: uint32(info.Mode()), mtime: info.ModTime().Unix(), size: size}, true, nil
	}

	var refs []objects.FileChunkRef
	var offset int64
	c := chunker.New(f)
	for {
		chunk, err := c.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return node{}, false, fmt.Errorf("%s: chunk: %w", path, err)
		}
		chunkObj := objects.EncodeChunk(chunk)
		res, err := w.pipeline.Writer.Put(ctx, chunkObj)
		if err != nil {
			return node{}, false, fmt.Errorf("%s: %w", path, err)
		}
		w.accumulate(res)
		refs = append(refs, objects.FileChunkRef{Offset: offset, ChunkID: res.ID})
		offset += int64(len(chunk))
	}

	obj, err := objects.EncodeFile(objects.File{Chunks: refs, TotalLength: offset})
	if err != nil {
		return node{}, false, fmt.Errorf("%s: %w", path, err)
	}
	res, err := w.pipeline.Writer.Put(ctx, obj)
	if err != nil {
		return node{}, false, fmt.Errorf("%s: %w", path, err)
	}
	w.accumulate(res)
	return node{kind: objects.DirEntryFile, id: res.ID, mode: uint32(info.Mode()), mtime: info.ModTime().Unix(), size: offset}, true, nil
}

// walkSyntheticRoot builds a directory whose entries are each path's base
// name, used when Put is given more than one root path.
func (w *walker) walkSyntheticRoot(ctx context.Context, paths []string) (node, error) {
	children := make([]*objects.DirEntry, len(paths))
	group, groupCtx := errgroup.WithContext(ctx)
	seen := make(map[string]bool)

	for i, path := range paths {
		i, path := i, path
		name := filepath.Base(path)
		if seen[name] {
			return node{}, fmt.Errorf("put: two input paths share the base name %q", name)
		}
		seen[name] = true

		group.Go(func() error {
			if err := w.acquire(groupCtx); err != nil {
				return err
			}
			defer w.release()

			n, ok, err := w.walk(groupCtx, path)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%s: unusable root path", path)
			}
			children[i] = &objects.DirEntry{Name: name, Kind: n.kind, Child: n.id, Mode: n.mode, MTime: n.mtime, Size: n.size}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return node{}, err
	}

	entries := make([]objects.DirEntry, len(children))
	for i, c := range children {
		entries[i] = *c
	}

	obj := objects.EncodeDirectory(objects.Directory{Entries: entries})
	res, err := w.pipeline.Writer.Put(ctx, obj)
	if err != nil {
		return node{}, fmt.Errorf("store synthetic root: %w", err)
	}
	w.accumulate(res)
	return node{kind: objects.DirEntryDir, id: res.ID}, nil
}

func (w *walker) accumulate(res objio.PutResult) {
	if res.Written {
		atomic.AddInt64(&w.storedSize, res.Bytes)
	}
}

func isAlreadyExists(err error) bool {
	k, ok := rkerr.KindOf(err)
	return ok && k == rkerr.KindAlreadyExists
}

func snapshotTime() int64 { return time.Now().UnixMicro() }
