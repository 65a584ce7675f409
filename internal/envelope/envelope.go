// Package envelope implements the per-object authenticated encryption
// envelope (component B): a fixed-layout header followed by a body that is
// either sealed directly (small objects) or split into chained
// authenticated frames (large objects), as specified in spec.md §4.2/§6.
//
// The teacher's storage/encrypted.go wraps chunk data with AES-CFB and a
// random IV, keyed by a passphrase-derived AES key shared by every writer
// -- workable for a single full-access credential, but not for the
// asymmetric write-only/full-access split this repository needs. This
// package instead uses a NaCl sealed-box-style construction (an ephemeral
// Curve25519 keypair agreed with the repository's long-lived master public
// key) so that a write-only session, holding only the public key, can
// still produce valid envelopes it could never open.
package envelope

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/nacl/box"

	"github.com/mmp/rekord/internal/objects"
	"github.com/mmp/rekord/internal/rkerr"
)

const (
	magic      = "rkOB"
	version    = 1
	pkSize     = 32
	nonceSize  = 24
	tagSize    = 16
	headerSize = 4 + 1 + 1 + 1 + 1 + pkSize + nonceSize

	flagFramed     = 1
	flagCompressed = 1

	// LargeObjectThreshold is the cutover point past which the body is
	// split into chained frames instead of sealed in one piece.
	LargeObjectThreshold = 64 * 1024

	// FrameSize is the plaintext size of each frame when a body is framed.
	FrameSize = 64 * 1024
)

type header struct {
	version    uint8
	kind       objects.Kind
	framed     bool
	compressed bool
	senderPK   [32]byte
	nonce      [nonceSize]byte
}

func (h header) bytes() []byte {
	b := make([]byte, headerSize)
	copy(b[0:4], magic)
	b[4] = h.version
	b[5] = byte(h.kind)
	if h.framed {
		b[6] = flagFramed
	}
	if h.compressed {
		b[7] = flagCompressed
	}
	copy(b[8:8+pkSize], h.senderPK[:])
	copy(b[8+pkSize:], h.nonce[:])
	return b
}

func parseHeader(b []byte) (header, error) {
	var h header
	if len(b) < headerSize {
		return h, rkerr.New(rkerr.KindCorrupt, "envelope header truncated: got %d bytes, want %d", len(b), headerSize)
	}
	if !bytes.Equal(b[0:4], []byte(magic)) {
		return h, rkerr.New(rkerr.KindCorrupt, "envelope has wrong magic %q", b[0:4])
	}
	h.version = b[4]
	if h.version != version {
		return h, rkerr.New(rkerr.KindUnsupported, "envelope version %d is unsupported (have %d)", h.version, version)
	}
	h.kind = objects.Kind(b[5])
	h.framed = b[6]&flagFramed != 0
	h.compressed = b[7]&flagCompressed != 0
	copy(h.senderPK[:], b[8:8+pkSize])
	copy(h.nonce[:], b[8+pkSize:headerSize])
	return h, nil
}

// associatedData binds ciphertext to its logical identity: the object
// type, the repository ID (domain separation across repositories), and
// the object ID itself, so a fetch of the wrong blob under the right name
// is cryptographically detectable rather than merely a hash mismatch.
func associatedData(kind objects.Kind, repoID [32]byte, id objects.ID, prevTag []byte) []byte {
	ad := make([]byte, 0, 1+32+32+len(prevTag))
	ad = append(ad, byte(kind))
	ad = append(ad, repoID[:]...)
	ad = append(ad, id[:]...)
	ad = append(ad, prevTag...)
	return ad
}

// compressEncoder/compressDecoder are package-level zstd handles; both
// EncodeAll and DecodeAll are documented as safe for concurrent use on a
// shared Encoder/Decoder, so one pair is created once rather than per
// call. This is the "single stream compressor with a known identifier"
// the object format assumes: every object is compressed the same way,
// with no per-object choice of algorithm or level.
var (
	compressEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	compressDecoder, _ = zstd.NewReader(nil)
)

// minCompressSize skips compression for tiny plaintexts where zstd's frame
// overhead would make the result larger than the input.
const minCompressSize = 64

func frameNonce(base [nonceSize]byte, index uint64) [nonceSize]byte {
	n := base
	binary.LittleEndian.PutUint64(n[nonceSize-8:], binary.LittleEndian.Uint64(n[nonceSize-8:])^index)
	return n
}

func sharedAEAD(pub, sec *[32]byte) (interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
}, error) {
	var sharedKey [32]byte
	box.Precompute(&sharedKey, pub, sec)
	return chacha20poly1305.NewX(sharedKey[:])
}

// Seal encrypts plaintext for recipientPK (the repository's master public
// key) and returns a complete stored-blob byte stream: header followed by
// either a single sealed body (small objects) or a chain of frames (large
// objects, threshold LargeObjectThreshold), chosen by size.
func Seal(recipientPK *[32]byte, repoID [32]byte, id objects.ID, kind objects.Kind, plaintext []byte) ([]byte, error) {
	ephPub, ephSec, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral keypair: %w", err)
	}

	aead, err := sharedAEAD(recipientPK, ephSec)
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}

	body := plaintext
	compressed := false
	if len(plaintext) >= minCompressSize {
		c := compressEncoder.EncodeAll(plaintext, make([]byte, 0, len(plaintext)))
		if len(c) < len(plaintext) {
			body = c
			compressed = true
		}
	}

	h := header{version: version, kind: kind, framed: len(body) > LargeObjectThreshold, compressed: compressed, senderPK: *ephPub}
	if _, err := io.ReadFull(rand.Reader, h.nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	out := h.bytes()
	plaintext = body

	if !h.framed {
		ad := associatedData(kind, repoID, id, nil)
		sealed := aead.Seal(nil, h.nonce[:], plaintext, ad)
		out = append(out, sealed...)
		return out, nil
	}

	prevTag := make([]byte, tagSize)
	for offset := 0; offset < len(plaintext); offset += FrameSize {
		end := offset + FrameSize
		last := end >= len(plaintext)
		if last {
			end = len(plaintext)
		}

		index := uint64(offset / FrameSize)
		nonce := frameNonce(h.nonce, index)
		ad := associatedData(kind, repoID, id, prevTag)
		sealed := aead.Seal(nil, nonce[:], plaintext[offset:end], ad)

		tag := sealed[len(sealed)-tagSize:]
		length := uint32(len(sealed))
		if last {
			length |= 1 << 31
		}

		var lenBuf [4]byte
		binary.LittleEndian.PutUint32(lenBuf[:], length)
		out = append(out, lenBuf[:]...)
		out = append(out, sealed...)

		prevTag = tag
	}

	return out, nil
}

// Open decrypts and authenticates a complete stored-blob byte stream
// produced by Seal, returning the plaintext in full. Any authentication
// failure is fatal: it is never retried, per spec.md §7.
func Open(recipientSK *[32]byte, repoID [32]byte, id objects.ID, kind objects.Kind, data []byte) ([]byte, error) {
	h, err := parseHeader(data)
	if err != nil {
		return nil, err
	}
	if h.kind != kind {
		return nil, rkerr.New(rkerr.KindCorrupt, "envelope type %v does not match expected %v", h.kind, kind)
	}

	aead, err := sharedAEAD(&h.senderPK, recipientSK)
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}

	body := data[headerSize:]

	if !h.framed {
		ad := associatedData(kind, repoID, id, nil)
		plaintext, err := aead.Open(nil, h.nonce[:], body, ad)
		if err != nil {
			return nil, rkerr.Wrap(rkerr.KindAuthenticationFailed, err, "envelope authentication failed for object %s", id)
		}
		return decompress(h, plaintext, id)
	}

	var plaintext []byte
	prevTag := make([]byte, tagSize)
	index := uint64(0)
	for len(body) > 0 {
		if len(body) < 4 {
			return nil, rkerr.New(rkerr.KindCorrupt, "envelope frame header truncated for object %s", id)
		}
		length := binary.LittleEndian.Uint32(body[:4])
		last := length&(1<<31) != 0
		n := int(length &^ (1 << 31))
		body = body[4:]
		if len(body) < n {
			return nil, rkerr.New(rkerr.KindCorrupt, "envelope frame truncated for object %s", id)
		}
		sealed := body[:n]
		body = body[n:]

		nonce := frameNonce(h.nonce, index)
		ad := associatedData(kind, repoID, id, prevTag)
		frame, err := aead.Open(nil, nonce[:], sealed, ad)
		if err != nil {
			return nil, rkerr.Wrap(rkerr.KindAuthenticationFailed, err, "envelope authentication failed for object %s frame %d", id, index)
		}
		plaintext = append(plaintext, frame...)
		prevTag = sealed[len(sealed)-tagSize:]
		index++

		if last {
			if len(body) != 0 {
				return nil, rkerr.New(rkerr.KindCorrupt, "envelope has trailing bytes after end-of-stream frame for object %s", id)
			}
			break
		}
	}

	return decompress(h, plaintext, id)
}

func decompress(h header, data []byte, id objects.ID) ([]byte, error) {
	if !h.compressed {
		return data, nil
	}
	out, err := compressDecoder.DecodeAll(data, nil)
	if err != nil {
		return nil, rkerr.Wrap(rkerr.KindCorrupt, err, "envelope decompression failed for object %s", id)
	}
	return out, nil
}

// IsLarge reports whether a body of the given length exceeds
// LargeObjectThreshold. Seal applies that threshold to the body after
// compression, so compressible plaintext longer than the threshold may
// still be sealed in one piece.
func IsLarge(plaintextLen int64) bool { return plaintextLen > LargeObjectThreshold }

// PeekKind reads the object kind out of a stored blob's header without
// decrypting it. The get pipeline needs this to know which decoder to call
// on an object it has fetched by ID alone (a root given as a bare data ID
// could be a directory, a file, or a snapshot).
func PeekKind(data []byte) (objects.Kind, error) {
	h, err := parseHeader(data)
	if err != nil {
		return 0, err
	}
	return h.kind, nil
}
