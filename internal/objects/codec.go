package objects

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sort"
)

// Object bundles a Kind with its canonical plaintext encoding; its ID is a
// pure function of the two, per spec.md's data model.
type Object struct {
	Kind      Kind
	Plaintext []byte
}

// ID derives this object's content-addressed identifier.
func (o Object) ID() ID { return DeriveID(o.Kind, o.Plaintext) }

///////////////////////////////////////////////////////////////////////////
// Chunk

// EncodeChunk wraps a raw file byte range. Chunks carry no structure of
// their own: the plaintext *is* the file bytes.
func EncodeChunk(data []byte) Object {
	return Object{Kind: KindChunk, Plaintext: data}
}

///////////////////////////////////////////////////////////////////////////
// File

// FileChunkRef names one (offset, chunk-ID) entry of a chunked file.
type FileChunkRef struct {
	Offset  int64
	ChunkID ID
}

// File is the in-memory form of a File object: either a list of chunk
// references spanning TotalLength, or (for small files) the literal bytes
// inlined directly, skipping the chunk layer entirely.
type File struct {
	Inline      []byte // non-nil => inline form; Chunks unused, TotalLength ignored by EncodeFile and set to len(Inline) by DecodeFile
	Chunks      []FileChunkRef
	TotalLength int64
}

const (
	fileFormChunked = 0
	fileFormInline  = 1
)

// EncodeFile produces the canonical plaintext for a File object. Chunk
// entries must already be sorted by ascending offset and their offsets
// must be cumulative, matching TotalLength exactly (spec.md §4.4); callers
// assemble chunks in byte order as they stream a file, so this is simply
// asserted here rather than re-sorted.
func EncodeFile(f File) (Object, error) {
	var buf bytes.Buffer

	if f.Inline != nil {
		buf.WriteByte(fileFormInline)
		var lenBuf [4]byte
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(f.Inline)))
		buf.Write(lenBuf[:])
		buf.Write(f.Inline)
		return Object{Kind: KindFile, Plaintext: buf.Bytes()}, nil
	}

	if err := checkChunkOffsets(f.Chunks, f.TotalLength); err != nil {
		return Object{}, err
	}

	buf.WriteByte(fileFormChunked)
	var countBuf [4]byte
	binary.LittleEndian.PutUint32(countBuf[:], uint32(len(f.Chunks)))
	buf.Write(countBuf[:])

	for _, c := range f.Chunks {
		var off [8]byte
		binary.LittleEndian.PutUint64(off[:], uint64(c.Offset))
		buf.Write(off[:])
		buf.Write(c.ChunkID[:])
	}

	var total [8]byte
	binary.LittleEndian.PutUint64(total[:], uint64(f.TotalLength))
	buf.Write(total[:])

	return Object{Kind: KindFile, Plaintext: buf.Bytes()}, nil
}

// checkChunkOffsets validates that chunk offsets are cumulative: the first
// chunk starts at 0, offsets strictly increase, and the last chunk starts
// before the file's declared total length (a chunk's own length is
// implicit -- the gap to the next chunk's offset, or to total for the
// last one).
func checkChunkOffsets(chunks []FileChunkRef, total int64) error {
	if len(chunks) == 0 {
		if total != 0 {
			return fmt.Errorf("file has no chunks but total length %d", total)
		}
		return nil
	}
	if chunks[0].Offset != 0 {
		return fmt.Errorf("file's first chunk starts at offset %d, not 0", chunks[0].Offset)
	}
	for i := 1; i < len(chunks); i++ {
		if chunks[i].Offset <= chunks[i-1].Offset {
			return fmt.Errorf("file chunk %d offset %d does not strictly follow chunk %d offset %d",
				i, chunks[i].Offset, i-1, chunks[i-1].Offset)
		}
	}
	if chunks[len(chunks)-1].Offset >= total {
		return fmt.Errorf("file's last chunk offset %d is not before total length %d",
			chunks[len(chunks)-1].Offset, total)
	}
	return nil
}

// DecodeFile is the exact inverse of EncodeFile; it accepts both the
// inline and chunked forms, selected by the leading flag byte.
func DecodeFile(plaintext []byte) (File, error) {
	r := bytes.NewReader(plaintext)
	form, err := r.ReadByte()
	if err != nil {
		return File{}, fmt.Errorf("file object: truncated: %w", err)
	}

	switch form {
	case fileFormInline:
		var lenBuf [4]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return File{}, fmt.Errorf("file object: truncated inline length: %w", err)
		}
		n := binary.LittleEndian.Uint32(lenBuf[:])
		data := make([]byte, n)
		if _, err := io.ReadFull(r, data); err != nil {
			return File{}, fmt.Errorf("file object: truncated inline data: %w", err)
		}
		return File{Inline: data, TotalLength: int64(n)}, nil

	case fileFormChunked:
		var countBuf [4]byte
		if _, err := io.ReadFull(r, countBuf[:]); err != nil {
			return File{}, fmt.Errorf("file object: truncated chunk count: %w", err)
		}
		count := binary.LittleEndian.Uint32(countBuf[:])

		chunks := make([]FileChunkRef, count)
		for i := range chunks {
			var off [8]byte
			if _, err := io.ReadFull(r, off[:]); err != nil {
				return File{}, fmt.Errorf("file object: truncated chunk %d offset: %w", i, err)
			}
			var id ID
			if _, err := io.ReadFull(r, id[:]); err != nil {
				return File{}, fmt.Errorf("file object: truncated chunk %d id: %w", i, err)
			}
			chunks[i] = FileChunkRef{Offset: int64(binary.LittleEndian.Uint64(off[:])), ChunkID: id}
		}

		var total [8]byte
		if _, err := io.ReadFull(r, total[:]); err != nil {
			return File{}, fmt.Errorf("file object: truncated total length: %w", err)
		}
		totalLength := int64(binary.LittleEndian.Uint64(total[:]))

		if err := checkChunkOffsets(chunks, totalLength); err != nil {
			return File{}, fmt.Errorf("file object: %w", err)
		}

		return File{Chunks: chunks, TotalLength: totalLength}, nil

	default:
		return File{}, fmt.Errorf("file object: unknown form byte %d", form)
	}
}

///////////////////////////////////////////////////////////////////////////
// Directory

// DirEntryKind distinguishes the three things a directory can hold.
type DirEntryKind uint8

const (
	DirEntryFile DirEntryKind = 0
	DirEntryDir  DirEntryKind = 1
	DirEntryLink DirEntryKind = 2
)

// DirEntry names one child of a directory.
type DirEntry struct {
	Name    string
	Kind    DirEntryKind
	Child   ID
	Mode    uint32
	MTime   int64 // unix seconds
	Size    int64
}

// Directory is the in-memory form of a Directory object.
type Directory struct {
	Entries []DirEntry
}

// SortEntries orders entries by byte-wise ascending name, the ordering
// EncodeDirectory requires for ID determinism regardless of the order
// children were visited in.
func (d *Directory) SortEntries() {
	sort.Slice(d.Entries, func(i, j int) bool { return d.Entries[i].Name < d.Entries[j].Name })
}

// EncodeDirectory produces the canonical plaintext for a Directory object.
// v2 is the only format this implementation emits (spec.md §3's
// format-evolution note: readers must accept both, writers emit the
// latest); v1 support lives in DecodeDirectory for reading older archives.
func EncodeDirectory(d Directory) Object {
	sorted := append([]DirEntry(nil), d.Entries...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	var buf bytes.Buffer
	var countBuf [4]byte
	binary.LittleEndian.PutUint32(countBuf[:], uint32(len(sorted)))
	buf.Write(countBuf[:])

	for _, e := range sorted {
		writeString16(&buf, e.Name)
		buf.WriteByte(byte(e.Kind))
		buf.Write(e.Child[:])

		var mode [4]byte
		binary.LittleEndian.PutUint32(mode[:], e.Mode)
		buf.Write(mode[:])

		var mtime [8]byte
		binary.LittleEndian.PutUint64(mtime[:], uint64(e.MTime))
		buf.Write(mtime[:])

		var size [8]byte
		binary.LittleEndian.PutUint64(size[:], uint64(e.Size))
		buf.Write(size[:])
	}

	return Object{Kind: KindDirectoryV2, Plaintext: buf.Bytes()}
}

// DecodeDirectory accepts both Directory1 and Directory2 plaintext.
// Directory1 predates the mode/mtime/size fields (reconstructed from the
// original source's disk.hh, which documents the tag split but not the
// delta; see DESIGN.md for the Open Question resolution): it carries only
// name, kind, and child ID.
func DecodeDirectory(kind Kind, plaintext []byte) (Directory, error) {
	r := bytes.NewReader(plaintext)
	var countBuf [4]byte
	if _, err := io.ReadFull(r, countBuf[:]); err != nil {
		return Directory{}, fmt.Errorf("directory object: truncated count: %w", err)
	}
	count := binary.LittleEndian.Uint32(countBuf[:])

	entries := make([]DirEntry, count)
	for i := range entries {
		name, err := readString16(r)
		if err != nil {
			return Directory{}, fmt.Errorf("directory object: entry %d name: %w", i, err)
		}
		kindByte, err := r.ReadByte()
		if err != nil {
			return Directory{}, fmt.Errorf("directory object: entry %d kind: %w", i, err)
		}
		var child ID
		if _, err := io.ReadFull(r, child[:]); err != nil {
			return Directory{}, fmt.Errorf("directory object: entry %d child id: %w", i, err)
		}

		e := DirEntry{Name: name, Kind: DirEntryKind(kindByte), Child: child}

		if kind == KindDirectoryV2 {
			var mode [4]byte
			if _, err := io.ReadFull(r, mode[:]); err != nil {
				return Directory{}, fmt.Errorf("directory object: entry %d mode: %w", i, err)
			}
			e.Mode = binary.LittleEndian.Uint32(mode[:])

			var mtime [8]byte
			if _, err := io.ReadFull(r, mtime[:]); err != nil {
				return Directory{}, fmt.Errorf("directory object: entry %d mtime: %w", i, err)
			}
			e.MTime = int64(binary.LittleEndian.Uint64(mtime[:]))

			var size [8]byte
			if _, err := io.ReadFull(r, size[:]); err != nil {
				return Directory{}, fmt.Errorf("directory object: entry %d size: %w", i, err)
			}
			e.Size = int64(binary.LittleEndian.Uint64(size[:]))
		}

		entries[i] = e
	}

	return Directory{Entries: entries}, nil
}

///////////////////////////////////////////////////////////////////////////
// Snapshot

// RootKind distinguishes a tree-rooted snapshot from a single-file one.
type RootKind uint8

const (
	RootKindDirectory RootKind = 1
	RootKindFile      RootKind = 2
)

// Snapshot is the in-memory form of a Snapshot object.
type Snapshot struct {
	Name         string // optional; empty means absent
	CreationTime int64  // unix microseconds
	RootID       ID
	RootKind     RootKind
	LogicalSize  int64
	StoredSize   int64
}

// EncodeSnapshot produces the canonical plaintext for a Snapshot object.
// v2 adds StoredSize over v1 (the original source's Snapshot1/Snapshot2
// split, resolved the same way as Directory1/Directory2 -- see
// DESIGN.md); this implementation always emits v2.
func EncodeSnapshot(s Snapshot) Object {
	var buf bytes.Buffer

	var ctime [8]byte
	binary.LittleEndian.PutUint64(ctime[:], uint64(s.CreationTime))
	buf.Write(ctime[:])

	writeString16(&buf, s.Name)

	buf.Write(s.RootID[:])
	buf.WriteByte(byte(s.RootKind))

	var logical [8]byte
	binary.LittleEndian.PutUint64(logical[:], uint64(s.LogicalSize))
	buf.Write(logical[:])

	var stored [8]byte
	binary.LittleEndian.PutUint64(stored[:], uint64(s.StoredSize))
	buf.Write(stored[:])

	return Object{Kind: KindSnapshotV2, Plaintext: buf.Bytes()}
}

// DecodeSnapshot accepts both Snapshot1 and Snapshot2 plaintext; v1 lacks
// StoredSize, which decodes to zero (a v1 archive simply never reports
// physical bytes written).
func DecodeSnapshot(kind Kind, plaintext []byte) (Snapshot, error) {
	r := bytes.NewReader(plaintext)

	var ctime [8]byte
	if _, err := io.ReadFull(r, ctime[:]); err != nil {
		return Snapshot{}, fmt.Errorf("snapshot object: truncated creation time: %w", err)
	}

	name, err := readString16(r)
	if err != nil {
		return Snapshot{}, fmt.Errorf("snapshot object: name: %w", err)
	}

	var root ID
	if _, err := io.ReadFull(r, root[:]); err != nil {
		return Snapshot{}, fmt.Errorf("snapshot object: truncated root id: %w", err)
	}
	rootKindByte, err := r.ReadByte()
	if err != nil {
		return Snapshot{}, fmt.Errorf("snapshot object: truncated root kind: %w", err)
	}

	var logical [8]byte
	if _, err := io.ReadFull(r, logical[:]); err != nil {
		return Snapshot{}, fmt.Errorf("snapshot object: truncated logical size: %w", err)
	}

	s := Snapshot{
		CreationTime: int64(binary.LittleEndian.Uint64(ctime[:])),
		Name:         name,
		RootID:       root,
		RootKind:     RootKind(rootKindByte),
		LogicalSize:  int64(binary.LittleEndian.Uint64(logical[:])),
	}

	if kind == KindSnapshotV2 {
		var stored [8]byte
		if _, err := io.ReadFull(r, stored[:]); err != nil {
			return Snapshot{}, fmt.Errorf("snapshot object: truncated stored size: %w", err)
		}
		s.StoredSize = int64(binary.LittleEndian.Uint64(stored[:]))
	}

	return s, nil
}

///////////////////////////////////////////////////////////////////////////
// Link

// EncodeLink produces the canonical plaintext for a symlink target.
func EncodeLink(target string) Object {
	var buf bytes.Buffer
	writeString32(&buf, target)
	return Object{Kind: KindLink, Plaintext: buf.Bytes()}
}

// DecodeLink is the exact inverse of EncodeLink.
func DecodeLink(plaintext []byte) (string, error) {
	r := bytes.NewReader(plaintext)
	return readString32(r)
}

///////////////////////////////////////////////////////////////////////////
// String helpers: length-prefixed, UTF-8, no terminator.

func writeString16(buf *bytes.Buffer, s string) {
	var l [2]byte
	binary.LittleEndian.PutUint16(l[:], uint16(len(s)))
	buf.Write(l[:])
	buf.WriteString(s)
}

func readString16(r *bytes.Reader) (string, error) {
	var l [2]byte
	if _, err := io.ReadFull(r, l[:]); err != nil {
		return "", err
	}
	n := binary.LittleEndian.Uint16(l[:])
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

func writeString32(buf *bytes.Buffer, s string) {
	var l [4]byte
	binary.LittleEndian.PutUint32(l[:], uint32(len(s)))
	buf.Write(l[:])
	buf.WriteString(s)
}

func readString32(r *bytes.Reader) (string, error) {
	var l [4]byte
	if _, err := io.ReadFull(r, l[:]); err != nil {
		return "", err
	}
	n := binary.LittleEndian.Uint32(l[:])
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}
