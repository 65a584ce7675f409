package chunker

import (
	"bytes"
	"math/rand"
	"testing"
)

func TestSplitAllReconstructsInput(t *testing.T) {
	seed := int64(42)
	r := rand.New(rand.NewSource(seed))

	data := make([]byte, 4*MinSize+r.Intn(MinSize))
	r.Read(data)

	var reassembled []byte
	nChunks := 0
	err := SplitAll(bytes.NewReader(data), func(chunk []byte) error {
		nChunks++
		reassembled = append(reassembled, chunk...)
		return nil
	})
	if err != nil {
		t.Fatalf("SplitAll: %v", err)
	}
	if !bytes.Equal(data, reassembled) {
		t.Fatalf("reassembled bytes do not match input (got %d bytes, want %d)",
			len(reassembled), len(data))
	}
	if nChunks == 0 {
		t.Fatalf("expected at least one chunk")
	}
}

func TestIdenticalBytesProduceIdenticalChunks(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	shared := make([]byte, 3*MinSize)
	r.Read(shared)

	collectChunks := func(data []byte) [][]byte {
		var chunks [][]byte
		SplitAll(bytes.NewReader(data), func(c []byte) error {
			dup := append([]byte(nil), c...)
			chunks = append(chunks, dup)
			return nil
		})
		return chunks
	}

	a := collectChunks(shared)
	b := collectChunks(shared)

	if len(a) != len(b) {
		t.Fatalf("chunking the same bytes twice gave different chunk counts: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if !bytes.Equal(a[i], b[i]) {
			t.Errorf("chunk %d differs between two runs over identical input", i)
		}
	}
}
