// Package digest implements a streaming hash sink: a tee-capable
// SHA-256 accumulator that can compute two independent digests (e.g.
// the compressed and uncompressed hash of a layer) from a single pass
// over a byte stream.
//
// The digest identifiers themselves are go-digest's Digest type
// (lower-case hex, "sha256:" prefix), matching the format every other
// component expects in manifests, configs, and the registry protocol.
package digest

import (
	"hash"
	"io"

	godigest "github.com/opencontainers/go-digest"
)

// Sink accumulates a SHA-256 digest and the total byte count written to
// it. It implements io.Writer so it can be used as one leg of an
// io.MultiWriter tee.
type Sink struct {
	h hash.Hash
	n int64
}

// NewSink starts a new, empty hash accumulation.
func NewSink() *Sink {
	return &Sink{h: godigest.Canonical.Hash()}
}

func (s *Sink) Write(p []byte) (int, error) {
	n, err := s.h.Write(p)
	s.n += int64(n)
	return n, err
}

// Digest finalises nothing (SHA-256 has no explicit finalisation step)
// and returns the current digest in "sha256:<hex>" form. It may be
// called multiple times; each call reflects all bytes written so far.
func (s *Sink) Digest() godigest.Digest {
	return godigest.NewDigest(godigest.Canonical, s.h)
}

// Size returns the number of bytes written to the sink so far.
func (s *Sink) Size() int64 {
	return s.n
}

// TeeWriter is a writer that tees its input into a hash sink while
// forwarding to an underlying writer. It is used twice per layer
// build — once for the uncompressed tar
// stream (-> diff_id) and once for the compressed gzip stream (->
// digest) — so that both hashes are produced in one pass over the
// bytes, without baking hashing into the tar or gzip code itself.
type TeeWriter struct {
	w    io.Writer
	sink *Sink
}

// NewTeeWriter wraps w so that every byte written through it is also
// fed into a fresh Sink.
func NewTeeWriter(w io.Writer) *TeeWriter {
	return &TeeWriter{w: w, sink: NewSink()}
}

func (t *TeeWriter) Write(p []byte) (int, error) {
	if _, err := t.sink.Write(p); err != nil {
		return 0, err
	}
	return t.w.Write(p)
}

// Digest returns the "sha256:<hex>" digest of everything written so far.
func (t *TeeWriter) Digest() godigest.Digest {
	return t.sink.Digest()
}

// Size returns the number of bytes that have passed through the tee.
func (t *TeeWriter) Size() int64 {
	return t.sink.Size()
}

// Verify reads r to completion, discarding the bytes, and reports
// whether the stream's SHA-256 matches want. The registry client does
// not call it: blobs streamed between registries are not verified.
func Verify(r io.Reader, want godigest.Digest) (bool, error) {
	verifier := want.Verifier()
	if _, err := io.Copy(verifier, r); err != nil {
		return false, err
	}
	return verifier.Verified(), nil
}
