// Package chunker implements content-defined chunking of file byte streams
// (component E). The teacher's own bup-style rolling checksum
// (storage/split.go's HashSplitter) is the idiom this package follows for
// the shape of the API -- split a reader into variable-length byte slices
// -- but the cutpoint algorithm itself is delegated to
// github.com/glycerine/restic-chunker-mod, a buzhash-based content-defined
// chunker tuned with the same min/avg/max knobs restic itself uses, rather
// than reimplementing bup's 6-bit rolling window from scratch.
package chunker

import (
	"io"

	rchunker "github.com/glycerine/restic-chunker-mod"
)

// Tunables, per spec.md §4.5's recommended defaults.
const (
	MinSize = 512 * 1024
	AvgSize = 1024 * 1024
	MaxSize = 8 * 1024 * 1024

	// InlineThreshold is the size at or below which a file is small enough that
	// the File object may inline its bytes directly rather than going
	// through the chunk layer at all. spec.md's own worked example puts a
	// 6-byte file through the chunk layer (one chunk, one file object, one
	// snapshot object), so this has to stay genuinely tiny -- inlining is
	// a narrow escape hatch for degenerate files, not a substitute for
	// chunking every small one.
	InlineThreshold = 0

	// MaskBits controls the average chunk size target (2^MaskBits),
	// matching AvgSize above.
	MaskBits = 20
)

// Chunker splits the bytes of a reader into content-defined chunks. It
// wraps restic's cutpoint algorithm so that two identical byte ranges --
// regardless of which file they came from or where within it they occur
// -- produce the same chunk boundaries and therefore the same plaintext,
// which is what makes deduplication possible at the chunk level.
type Chunker struct {
	rc  *rchunker.Chunker
	buf []byte
}

// pol is a fixed irreducible polynomial for the buzhash/rolling-hash
// cutpoint function. Unlike restic itself (which randomizes the
// polynomial per repository to make fingerprinting chunk boundaries
// harder), a backup repository here already achieves that via per-object
// encryption, so a single well-known polynomial keeps chunking
// deterministic and portable across repositories.
var pol = rchunker.Pol(0x3DA3358B4DC173)

// New returns a Chunker reading content-defined chunks from r. The
// underlying library's min/avg/max sizing already matches this package's
// MinSize/AvgSize/MaxSize constants.
func New(r io.Reader) *Chunker {
	rc := rchunker.New(r, pol)
	return &Chunker{rc: rc, buf: make([]byte, MaxSize)}
}

// Next returns the next chunk's bytes, or io.EOF when the stream is
// exhausted. The returned slice is only valid until the next call to
// Next; callers that need to retain it must copy.
func (c *Chunker) Next() ([]byte, error) {
	chunk, err := c.rc.Next(c.buf)
	if err != nil {
		return nil, err
	}
	return chunk.Data, nil
}

// SplitAll reads every chunk from r, invoking fn with each one in file
// byte order. It stops at the first error from either the chunker or fn.
func SplitAll(r io.Reader, fn func(data []byte) error) error {
	c := New(r)
	for {
		data, err := c.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(data); err != nil {
			return err
		}
	}
}
