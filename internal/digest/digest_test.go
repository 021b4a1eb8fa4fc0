package digest

import (
	"bytes"
	"strings"
	"testing"

	godigest "github.com/opencontainers/go-digest"
)

func TestSinkMatchesCanonicalDigest(t *testing.T) {
	data := []byte("the quick brown fox")
	want := godigest.FromBytes(data)

	s := NewSink()
	if _, err := s.Write(data); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := s.Digest(); got != want {
		t.Fatalf("Digest() = %s, want %s", got, want)
	}
	if s.Size() != int64(len(data)) {
		t.Fatalf("Size() = %d, want %d", s.Size(), len(data))
	}
}

func TestTeeWriterForwardsAndHashes(t *testing.T) {
	data := []byte("tee me twice")
	var out bytes.Buffer
	tw := NewTeeWriter(&out)

	if _, err := tw.Write(data); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if !bytes.Equal(out.Bytes(), data) {
		t.Fatalf("tee did not forward bytes unchanged")
	}
	if got, want := tw.Digest(), godigest.FromBytes(data); got != want {
		t.Fatalf("Digest() = %s, want %s", got, want)
	}
}

func TestVerify(t *testing.T) {
	data := []byte("verify me")
	d := godigest.FromBytes(data)

	ok, err := Verify(bytes.NewReader(data), d)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !ok {
		t.Fatalf("expected digest to verify")
	}

	ok, err = Verify(strings.NewReader("not it"), d)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if ok {
		t.Fatalf("expected mismatched digest to fail verification")
	}
}
