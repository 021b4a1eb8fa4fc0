// Package layer implements the layer assembler: it turns an ordered
// set of file entries into a deterministic, content-addressed OCI
// tar+gzip layer blob.
package layer

import (
	"archive/tar"
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/gzip"
	godigest "github.com/opencontainers/go-digest"

	"github.com/krust-build/krust/internal/digest"
)

// MediaType is the single layer format krust produces: the OCI media
// type for a gzip-compressed tar. krust doesn't implement its own
// compression codecs, so this is the only layer format it writes.
const MediaType = "application/vnd.oci.image.layer.v1.tar+gzip"

// DefaultCompressionLevel is the fixed gzip level used for every
// layer, so that re-building the same inputs always yields the same
// compressed bytes.
const DefaultCompressionLevel = 5

const (
	defaultDirMode  int64 = 0o755
	defaultFileMode int64 = 0o755
	defaultOwner          = 0
)

// Entry is one file to place inside a layer. Name is the path inside
// the image (e.g. "/ko-app/hello"); IsDir marks a directory entry, and
// a trailing "/" is appended to a directory's Name if it lacks one (a
// trailing "/" alone does not make an entry a directory). ModTime defaults to the
// Unix epoch when zero, giving byte-for-byte reproducible layers
// across builds that don't care about timestamps.
type Entry struct {
	Name    string
	Mode    int64 // 0 uses defaultFileMode/defaultDirMode depending on IsDir
	UID     int
	GID     int
	ModTime time.Time
	IsDir   bool
	Content []byte
}

// Blob is the fully assembled, immutable result of Assemble: the
// compressed bytes plus both identifiers a layer needs (digest over
// the compressed bytes, diff_id over the uncompressed tar).
type Blob struct {
	Compressed []byte
	Digest     godigest.Digest
	DiffID     godigest.Digest
	Size       int64
	MediaType  string
}

// Assemble builds a single layer from entries, preserving their input
// order (the only order contract the caller gets: determinism is the
// caller's responsibility via stable entry ordering). It tees the raw
// tar bytes into one hash (-> diff_id) and the gzip-compressed bytes
// into another (-> digest), so both digests are produced in the same
// pass over the data.
func Assemble(entries []Entry) (Blob, error) {
	var compressedOut bytes.Buffer
	compressedTee := digest.NewTeeWriter(&compressedOut)

	gz, err := gzip.NewWriterLevel(compressedTee, DefaultCompressionLevel)
	if err != nil {
		return Blob{}, fmt.Errorf("layer: creating gzip writer: %w", err)
	}
	// Pin every gzip header field (epoch mtime, OS "unknown", no name,
	// comment or extra) so the compressed bytes depend only on the tar
	// content, never on wall-clock time or the local OS.
	gz.ModTime = time.Unix(0, 0)
	gz.OS = 0xff // "unknown", per RFC 1952
	gz.Name = ""
	gz.Comment = ""
	gz.Extra = nil

	tarTee := digest.NewTeeWriter(gz)
	tw := tar.NewWriter(tarTee)

	for _, e := range entries {
		if err := writeEntry(tw, e); err != nil {
			return Blob{}, fmt.Errorf("layer: writing entry %q: %w", e.Name, err)
		}
	}
	if err := tw.Close(); err != nil {
		return Blob{}, fmt.Errorf("layer: closing tar writer: %w", err)
	}
	if err := gz.Close(); err != nil {
		return Blob{}, fmt.Errorf("layer: closing gzip writer: %w", err)
	}

	return Blob{
		Compressed: compressedOut.Bytes(),
		Digest:     compressedTee.Digest(),
		DiffID:     tarTee.Digest(),
		Size:       int64(compressedOut.Len()),
		MediaType:  MediaType,
	}, nil
}

func writeEntry(tw *tar.Writer, e Entry) error {
	modTime := e.ModTime
	if modTime.IsZero() {
		modTime = time.Unix(0, 0)
	}

	hdr := &tar.Header{
		// Format is left unset so archive/tar picks USTAR for short
		// names and automatically upgrades to PAX extended headers
		// for names/sizes that don't fit the USTAR fields.
		Name:     normalizeName(e.Name, e.IsDir),
		ModTime:  modTime,
		Uid:      e.UID,
		Gid:      e.GID,
		Typeflag: tar.TypeReg,
	}
	if e.UID == 0 && e.GID == 0 {
		hdr.Uid, hdr.Gid = defaultOwner, defaultOwner
	}

	if e.IsDir {
		hdr.Typeflag = tar.TypeDir
		hdr.Mode = pick(e.Mode, defaultDirMode)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		return nil
	}

	hdr.Mode = pick(e.Mode, defaultFileMode)
	hdr.Size = int64(len(e.Content))
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err := tw.Write(e.Content)
	return err
}

func normalizeName(name string, isDir bool) string {
	if isDir && (len(name) == 0 || name[len(name)-1] != '/') {
		return name + "/"
	}
	return name
}

func pick(mode, fallback int64) int64 {
	if mode == 0 {
		return fallback
	}
	return mode
}

// SingleFile builds the layer for a single executable placed at path,
// the common case: a single file /ko-app/<project> with mode 0755.
func SingleFile(path string, content []byte, modTime time.Time) ([]Entry, error) {
	if len(path) == 0 || path[0] != '/' {
		return nil, fmt.Errorf("layer: path %q must be absolute", path)
	}
	var entries []Entry
	dir := parentDirs(path)
	for _, d := range dir {
		entries = append(entries, Entry{Name: d, IsDir: true, ModTime: modTime})
	}
	entries = append(entries, Entry{
		Name:    path,
		Mode:    defaultFileMode,
		ModTime: modTime,
		Content: content,
	})
	return entries, nil
}

// parentDirs returns the ordered list of directory entries ("/a/",
// "/a/b/", ...) needed so that intermediate directories have explicit
// tar entries, matching how real OCI base images lay out directories.
func parentDirs(path string) []string {
	var dirs []string
	var cur string
	for i := 1; i < len(path); i++ {
		if path[i] == '/' {
			cur = path[:i+1]
			dirs = append(dirs, cur)
		}
	}
	return dirs
}

var _ io.Writer = (*digest.TeeWriter)(nil)
