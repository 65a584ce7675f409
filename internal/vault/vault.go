// Package vault implements the key vault (component C): the two
// password-wrapped copies of the master keypair that give a repository
// its full-access and write-only credential classes.
//
// The teacher's storage/encrypted.go derives a single AES key from a
// single passphrase with PBKDF2 (65536 rounds of SHA-256) and uses it
// symmetrically for every reader and writer. That scheme has no way to
// express "can encrypt but not decrypt", so this package instead derives
// two independent keys with Argon2id (a memory-hard KDF, recognized-tuning
// defaults per spec.md §4.3) and uses each to seal a different payload
// around one NaCl keypair: the full wrapper seals the secret key, the
// write-only wrapper seals only the public key plus an auxiliary MAC key.
package vault

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/mmp/rekord/internal/rkerr"
)

// Mode mirrors the original source's rk_DiskMode: Secure is the transient
// state during Init before either wrapper exists, never returned by Open.
type Mode int

const (
	ModeSecure Mode = iota
	ModeWriteOnly
	ModeReadWrite
)

func (m Mode) String() string {
	switch m {
	case ModeSecure:
		return "Secure"
	case ModeWriteOnly:
		return "WriteOnly"
	case ModeReadWrite:
		return "ReadWrite"
	default:
		return "Unknown"
	}
}

const (
	recordMagic   = "rkKY"
	recordVersion = 1

	classFull  = 0
	classWrite = 1

	saltSize  = 16
	paramSize = 16
	nonceSize = 24
	tagSize   = secretbox.Overhead

	algoArgon2id = 1

	// Recognized-tuning Argon2id defaults from spec.md §4.3: ops=2,
	// mem=256 MiB, single-lane parallelism (kept at 1 so the KDF cost is
	// the same whether the host has one core or many).
	defaultTime      = 2
	defaultMemoryKiB = 256 * 1024
	defaultThreads   = 1

	fullPayloadSize  = 32       // m_sk
	writePayloadSize = 32 + 32  // m_pk || aux MAC key
	auxMACKeySize    = 32
)

// KDFParams names the Argon2id tuning used to derive a wrapper key; stored
// alongside the salt so Open can reproduce the derivation exactly even if
// future repositories are created with different tuning.
type KDFParams struct {
	Time      uint32
	MemoryKiB uint32
	Threads   uint8
}

// DefaultKDFParams returns the repository's recognized-tuning defaults.
func DefaultKDFParams() KDFParams {
	return KDFParams{Time: defaultTime, MemoryKiB: defaultMemoryKiB, Threads: defaultThreads}
}

func (p KDFParams) pack() []byte {
	b := make([]byte, paramSize)
	b[0] = algoArgon2id
	binary.LittleEndian.PutUint32(b[1:5], p.Time)
	binary.LittleEndian.PutUint32(b[5:9], p.MemoryKiB)
	b[9] = p.Threads
	return b
}

func unpackParams(b []byte) (KDFParams, error) {
	if len(b) != paramSize {
		return KDFParams{}, rkerr.New(rkerr.KindCorrupt, "kdf params: wrong length %d", len(b))
	}
	if b[0] != algoArgon2id {
		return KDFParams{}, rkerr.New(rkerr.KindUnsupported, "kdf algorithm %d is unsupported", b[0])
	}
	return KDFParams{
		Time:      binary.LittleEndian.Uint32(b[1:5]),
		MemoryKiB: binary.LittleEndian.Uint32(b[5:9]),
		Threads:   b[9],
	}, nil
}

func deriveKey(password string, salt []byte, p KDFParams) *[32]byte {
	var key [32]byte
	derived := argon2.IDKey([]byte(password), salt, p.Time, p.MemoryKiB, p.Threads, 32)
	copy(key[:], derived)
	return &key
}

// Record is the on-disk wrapped-key record (keys/full or keys/write).
type Record struct {
	Class   uint8
	Salt    [saltSize]byte
	Params  KDFParams
	Nonce   [nonceSize]byte
	Sealed  []byte
}

func (r Record) Marshal() []byte {
	b := make([]byte, 0, 4+1+1+saltSize+paramSize+nonceSize+len(r.Sealed))
	b = append(b, []byte(recordMagic)...)
	b = append(b, recordVersion, r.Class)
	b = append(b, r.Salt[:]...)
	b = append(b, r.Params.pack()...)
	b = append(b, r.Nonce[:]...)
	b = append(b, r.Sealed...)
	return b
}

func UnmarshalRecord(data []byte) (Record, error) {
	var r Record
	hdr := 4 + 1 + 1 + saltSize + paramSize + nonceSize
	if len(data) < hdr {
		return r, rkerr.New(rkerr.KindCorrupt, "wrapped key record truncated")
	}
	if string(data[0:4]) != recordMagic {
		return r, rkerr.New(rkerr.KindCorrupt, "wrapped key record has wrong magic %q", data[0:4])
	}
	if data[4] != recordVersion {
		return r, rkerr.New(rkerr.KindUnsupported, "wrapped key record version %d is unsupported", data[4])
	}
	r.Class = data[5]
	off := 6
	copy(r.Salt[:], data[off:off+saltSize])
	off += saltSize
	params, err := unpackParams(data[off : off+paramSize])
	if err != nil {
		return Record{}, err
	}
	r.Params = params
	off += paramSize
	copy(r.Nonce[:], data[off:off+nonceSize])
	off += nonceSize
	r.Sealed = append([]byte(nil), data[off:]...)
	return r, nil
}

func seal(password string, class uint8, payload []byte) (Record, error) {
	params := DefaultKDFParams()
	var salt [saltSize]byte
	if _, err := io.ReadFull(rand.Reader, salt[:]); err != nil {
		return Record{}, fmt.Errorf("generate kdf salt: %w", err)
	}
	key := deriveKey(password, salt[:], params)

	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return Record{}, fmt.Errorf("generate nonce: %w", err)
	}

	sealed := secretbox.Seal(nil, payload, &nonce, key)
	return Record{Class: class, Salt: salt, Params: params, Nonce: nonce, Sealed: sealed}, nil
}

func open(password string, r Record) ([]byte, error) {
	key := deriveKey(password, r.Salt[:], r.Params)
	payload, ok := secretbox.Open(nil, r.Sealed, &r.Nonce, key)
	if !ok {
		return nil, rkerr.New(rkerr.KindAuthenticationFailed, "incorrect password")
	}
	return payload, nil
}

// Identity is a repository's immutable identity, stored plaintext at
// meta/id: the random repository ID used as encryption domain-separation.
// MasterPublicKey travels alongside it once a session is open (see Open)
// but is never itself part of the meta/id record -- the write-only
// wrapper's payload already carries it, and a full session can recompute
// it from the unsealed secret key, so persisting a second copy in meta/id
// would just be a third place for it to go stale against.
type Identity struct {
	RepoID          [32]byte
	MasterPublicKey [32]byte
}

// Marshal returns meta/id's on-disk contents: 32 bytes, random, plaintext,
// per spec.md §6.
func (id Identity) Marshal() []byte {
	b := make([]byte, 32)
	copy(b[0:32], id.RepoID[:])
	return b
}

func UnmarshalIdentity(data []byte) (Identity, error) {
	var id Identity
	if len(data) != 32 {
		return id, rkerr.New(rkerr.KindCorrupt, "repository identity record has wrong length %d", len(data))
	}
	copy(id.RepoID[:], data[0:32])
	return id, nil
}

// Keys holds whatever key material a session has unsealed: always the
// identity and master public key, and -- only in ReadWrite mode -- the
// master secret key.
type Keys struct {
	Mode            Mode
	Identity        Identity
	MasterSecretKey [32]byte // zero unless Mode == ModeReadWrite
	AuxMACKey       [32]byte // zero unless Mode == ModeWriteOnly
}

// InitResult bundles everything Init needs the caller to persist.
type InitResult struct {
	Identity   Identity
	FullRecord Record
	WriteRecord Record
}

// Init creates a new repository's key material: a fresh master keypair and
// repository ID, and two wrapped copies of the secret material, one per
// password. It does not talk to any blob store; the caller is responsible
// for atomically persisting the returned records (and rolling back on
// partial failure), matching spec.md §4.3's "attempt best-effort rollback"
// policy living at the repository-facade layer rather than here.
func Init(fullPassword, writePassword string) (InitResult, error) {
	pub, sec, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return InitResult{}, fmt.Errorf("generate master keypair: %w", err)
	}

	var identity Identity
	if _, err := io.ReadFull(rand.Reader, identity.RepoID[:]); err != nil {
		return InitResult{}, fmt.Errorf("generate repository id: %w", err)
	}
	identity.MasterPublicKey = *pub

	fullRecord, err := seal(fullPassword, classFull, sec[:])
	if err != nil {
		return InitResult{}, fmt.Errorf("seal full wrapper: %w", err)
	}

	var auxMACKey [32]byte
	if _, err := io.ReadFull(rand.Reader, auxMACKey[:]); err != nil {
		return InitResult{}, fmt.Errorf("generate aux mac key: %w", err)
	}
	writePayload := make([]byte, 0, writePayloadSize)
	writePayload = append(writePayload, pub[:]...)
	writePayload = append(writePayload, auxMACKey[:]...)
	writeRecord, err := seal(writePassword, classWrite, writePayload)
	if err != nil {
		return InitResult{}, fmt.Errorf("seal write-only wrapper: %w", err)
	}

	return InitResult{Identity: identity, FullRecord: fullRecord, WriteRecord: writeRecord}, nil
}

// Open attempts to unseal the full wrapper, then the write-only wrapper,
// with the given password, returning AuthenticationFailed if neither
// succeeds.
func Open(password string, identity Identity, fullRecord, writeRecord Record) (Keys, error) {
	if payload, err := open(password, fullRecord); err == nil {
		if len(payload) != fullPayloadSize {
			return Keys{}, rkerr.New(rkerr.KindCorrupt, "full wrapper payload has wrong length %d", len(payload))
		}
		var keys Keys
		keys.Mode = ModeReadWrite
		keys.Identity = identity
		copy(keys.MasterSecretKey[:], payload)
		curve25519.ScalarBaseMult(&keys.Identity.MasterPublicKey, &keys.MasterSecretKey)
		return keys, nil
	}

	if payload, err := open(password, writeRecord); err == nil {
		if len(payload) != writePayloadSize {
			return Keys{}, rkerr.New(rkerr.KindCorrupt, "write-only wrapper payload has wrong length %d", len(payload))
		}
		var keys Keys
		keys.Mode = ModeWriteOnly
		keys.Identity = identity
		copy(keys.Identity.MasterPublicKey[:], payload[:32])
		copy(keys.AuxMACKey[:], payload[32:64])
		return keys, nil
	}

	return Keys{}, rkerr.New(rkerr.KindAuthenticationFailed, "password matches neither the full nor the write-only wrapper")
}
