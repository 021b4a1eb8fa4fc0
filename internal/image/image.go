// Package image implements the manifest & config serialiser: it
// deterministically encodes OCI image configs, single-platform
// manifests, and multi-platform indexes, and computes the SHA-256
// digest each one is addressed by.
//
// Determinism falls out of using encoding/json.Marshal over the
// opencontainers/image-spec struct types directly: struct fields
// always encode in declaration order, and the maps involved
// (annotations, exposed ports) are encoded with sorted keys by
// encoding/json itself.
// Consumers must never re-serialise a manifest or index they only
// received over the wire — only ones this package produced from
// scratch.
package image

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	godigest "github.com/opencontainers/go-digest"
	specs "github.com/opencontainers/image-spec/specs-go"
	specsv1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/krust-build/krust/internal/platform"
)

// Encoded bundles the wire bytes of a JSON document together with the
// digest they hash to, since every caller needs both.
type Encoded struct {
	Bytes  []byte
	Digest godigest.Digest
}

func encode(v any) (Encoded, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Encoded{}, fmt.Errorf("image: marshalling: %w", err)
	}
	return Encoded{Bytes: raw, Digest: godigest.FromBytes(raw)}, nil
}

// ConfigInput is everything needed to compose an image config for one
// platform.
type ConfigInput struct {
	Platform     platform.Platform
	Entrypoint   []string
	Cmd          []string
	Env          []string
	User         string
	WorkingDir   string
	ExposedPorts map[string]struct{}
	DiffIDs      []godigest.Digest // base layers first, application layer last (invariant 1)
	CreatedAt    string            // RFC3339; left to the caller so tests can pin it
	Annotations  map[string]string
}

// Config builds and encodes an OCI image config.
func Config(in ConfigInput) (Encoded, specsv1.Image, error) {
	cfg := specsv1.Image{
		Created: createdTime(in.CreatedAt),
		Platform: specsv1.Platform{
			Architecture: in.Platform.Architecture,
			OS:           in.Platform.OS,
			Variant:      in.Platform.Variant,
		},
		Config: specsv1.ImageConfig{
			Env:          in.Env,
			Entrypoint:   in.Entrypoint,
			Cmd:          in.Cmd,
			User:         in.User,
			WorkingDir:   in.WorkingDir,
			ExposedPorts: in.ExposedPorts,
		},
		RootFS: specsv1.RootFS{
			Type:    "layers",
			DiffIDs: in.DiffIDs,
		},
	}
	enc, err := encode(cfg)
	return enc, cfg, err
}

// ManifestInput composes the single-platform OCI image manifest from a
// config descriptor and an ordered layer list (base layers first, the
// application layer last).
type ManifestInput struct {
	Config      specsv1.Descriptor
	Layers      []specsv1.Descriptor
	Annotations map[string]string
}

// Manifest builds and encodes an OCI image manifest.
func Manifest(in ManifestInput) (Encoded, error) {
	m := specsv1.Manifest{
		Versioned: specs.Versioned{SchemaVersion: 2},
		MediaType: specsv1.MediaTypeImageManifest,
		Config:    in.Config,
		Layers:    in.Layers,
		Annotations: in.Annotations,
	}
	return encode(m)
}

// IndexEntry is one platform's manifest as it will appear in the index.
type IndexEntry struct {
	Descriptor specsv1.Descriptor
	Platform   platform.Platform
}

// Index builds and encodes the OCI image index. Entries are sorted by
// (os, architecture, variant) before encoding so that assembling the
// same {platform -> manifest} set in any insertion order yields
// identical bytes.
func Index(entries []IndexEntry, annotations map[string]string) (Encoded, error) {
	sorted := make([]IndexEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool {
		return platformKey(sorted[i].Platform) < platformKey(sorted[j].Platform)
	})

	manifests := make([]specsv1.Descriptor, len(sorted))
	for i, e := range sorted {
		d := e.Descriptor
		d.Platform = &specsv1.Platform{
			OS:           e.Platform.OS,
			Architecture: e.Platform.Architecture,
			Variant:      e.Platform.Variant,
		}
		manifests[i] = d
	}

	idx := specsv1.Index{
		Versioned:   specs.Versioned{SchemaVersion: 2},
		MediaType:   specsv1.MediaTypeImageIndex,
		Manifests:   manifests,
		Annotations: annotations,
	}
	return encode(idx)
}

func platformKey(p platform.Platform) string {
	return strings.Join([]string{p.OS, p.Architecture, p.Variant}, "/")
}

// MergeConfigFragment overlays a config fragment onto base: scalar
// fields replace, Env merges by key (overlay wins on conflict, new
// keys append), ExposedPorts replaces wholesale so a fragment can
// retract a port the base exposed. OS/Architecture mismatches between
// a non-empty base and a non-empty fragment are rejected.
func MergeConfigFragment(base *specsv1.Image, fragment specsv1.Image) error {
	if fragment.OS != "" && base.OS != "" && fragment.OS != base.OS {
		return fmt.Errorf("image: OS mismatch merging config fragment: %s != %s", fragment.OS, base.OS)
	}
	if fragment.Architecture != "" && base.Architecture != "" && fragment.Architecture != base.Architecture {
		return fmt.Errorf("image: architecture mismatch merging config fragment: %s != %s", fragment.Architecture, base.Architecture)
	}
	if fragment.OS != "" {
		base.OS = fragment.OS
	}
	if fragment.Architecture != "" {
		base.Architecture = fragment.Architecture
	}
	if len(fragment.History) > 0 {
		base.History = append(base.History, fragment.History...)
	}
	if fragment.Config.User != "" {
		base.Config.User = fragment.Config.User
	}
	if fragment.Config.WorkingDir != "" {
		base.Config.WorkingDir = fragment.Config.WorkingDir
	}
	if len(fragment.Config.Entrypoint) > 0 {
		base.Config.Entrypoint = fragment.Config.Entrypoint
	}
	if len(fragment.Config.Cmd) > 0 {
		base.Config.Cmd = fragment.Config.Cmd
	}
	if fragment.Config.ExposedPorts != nil {
		ports := make(map[string]struct{}, len(fragment.Config.ExposedPorts))
		for k, v := range fragment.Config.ExposedPorts {
			ports[k] = v
		}
		base.Config.ExposedPorts = ports
	}
	if fragment.Config.Env != nil {
		base.Config.Env = mergeEnv(base.Config.Env, fragment.Config.Env)
	}
	return nil
}

func mergeEnv(base, overlay []string) []string {
	overlayByKey := make(map[string]string, len(overlay))
	var overlayOrder []string
	for _, kv := range overlay {
		k, v, ok := splitEnv(kv)
		if !ok {
			continue
		}
		if _, seen := overlayByKey[k]; !seen {
			overlayOrder = append(overlayOrder, k)
		}
		overlayByKey[k] = v
	}

	merged := make([]string, 0, len(base)+len(overlay))
	seen := make(map[string]bool, len(base))
	for _, kv := range base {
		k, _, ok := splitEnv(kv)
		if !ok {
			merged = append(merged, kv)
			continue
		}
		if v, overridden := overlayByKey[k]; overridden {
			merged = append(merged, k+"="+v)
			seen[k] = true
		} else {
			merged = append(merged, kv)
		}
	}
	for _, k := range overlayOrder {
		if !seen[k] {
			merged = append(merged, k+"="+overlayByKey[k])
		}
	}
	return merged
}

func splitEnv(kv string) (key, value string, ok bool) {
	i := strings.IndexByte(kv, '=')
	if i < 0 {
		return "", "", false
	}
	return kv[:i], kv[i+1:], true
}

// createdTime parses the caller-supplied RFC3339 timestamp into the
// *time.Time specsv1.Image.Created expects, keeping "created" absent
// (rather than the zero time) when the caller didn't set one.
func createdTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil
	}
	return &t
}
