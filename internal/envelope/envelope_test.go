package envelope

import (
	"bytes"
	"crypto/rand"
	"testing"

	"golang.org/x/crypto/nacl/box"

	"github.com/mmp/rekord/internal/objects"
)

func genRepo(t *testing.T) (pub, sec *[32]byte, repoID [32]byte) {
	t.Helper()
	pub, sec, err := box.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate master keypair: %v", err)
	}
	if _, err := rand.Read(repoID[:]); err != nil {
		t.Fatalf("generate repo id: %v", err)
	}
	return pub, sec, repoID
}

func TestSealOpenSmall(t *testing.T) {
	pub, sec, repoID := genRepo(t)
	plaintext := []byte("hello\n")
	obj := objects.EncodeChunk(plaintext)
	id := obj.ID()

	blob, err := Seal(pub, repoID, id, objects.KindChunk, plaintext)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if IsLarge(int64(len(plaintext))) {
		t.Fatalf("small object misclassified as large")
	}

	got, err := Open(sec, repoID, id, objects.KindChunk, blob)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("got %q, want %q", got, plaintext)
	}
}

func TestSealOpenFramed(t *testing.T) {
	pub, sec, repoID := genRepo(t)
	plaintext := make([]byte, 3*FrameSize+1234)
	rand.Read(plaintext)
	obj := objects.EncodeChunk(plaintext)
	id := obj.ID()

	if !IsLarge(int64(len(plaintext))) {
		t.Fatalf("large object misclassified as small")
	}

	blob, err := Seal(pub, repoID, id, objects.KindChunk, plaintext)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	got, err := Open(sec, repoID, id, objects.KindChunk, blob)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("framed round trip mismatch: got %d bytes, want %d", len(got), len(plaintext))
	}
}

func TestOpenDetectsBitFlip(t *testing.T) {
	pub, sec, repoID := genRepo(t)
	plaintext := []byte("authenticated data must not be tampered with")
	obj := objects.EncodeChunk(plaintext)
	id := obj.ID()

	blob, err := Seal(pub, repoID, id, objects.KindChunk, plaintext)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	tampered := append([]byte(nil), blob...)
	tampered[len(tampered)-1] ^= 0xff

	if _, err := Open(sec, repoID, id, objects.KindChunk, tampered); err == nil {
		t.Fatalf("expected authentication failure on tampered blob")
	}
}

func TestOpenRejectsWrongRecipient(t *testing.T) {
	pub, _, repoID := genRepo(t)
	_, otherSec, err := box.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate other keypair: %v", err)
	}

	plaintext := []byte("only the real recipient can open this")
	obj := objects.EncodeChunk(plaintext)
	id := obj.ID()

	blob, err := Seal(pub, repoID, id, objects.KindChunk, plaintext)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	if _, err := Open(otherSec, repoID, id, objects.KindChunk, blob); err == nil {
		t.Fatalf("expected authentication failure for wrong recipient key")
	}
}

func TestSealCompressesCompressibleData(t *testing.T) {
	pub, sec, repoID := genRepo(t)
	plaintext := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog. "), 200)
	obj := objects.EncodeChunk(plaintext)
	id := obj.ID()

	blob, err := Seal(pub, repoID, id, objects.KindChunk, plaintext)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if len(blob) >= len(plaintext) {
		t.Errorf("sealed blob (%d bytes) is not smaller than the original highly-compressible plaintext (%d bytes)", len(blob), len(plaintext))
	}

	got, err := Open(sec, repoID, id, objects.KindChunk, blob)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("round trip mismatch after compression")
	}
}

func TestOpenRejectsBadMagic(t *testing.T) {
	_, sec, repoID := genRepo(t)
	bad := make([]byte, headerSize+16)
	copy(bad, "xxxx")

	_, err := Open(sec, repoID, objects.ID{}, objects.KindChunk, bad)
	if err == nil {
		t.Fatalf("expected corrupt-header error")
	}
}
