// Package build implements the base-image inspector and the build
// orchestrator: turning a project directory and a base reference into
// a pushed, multi-platform OCI index.
package build

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	godigest "github.com/opencontainers/go-digest"
	specsv1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/krust-build/krust/internal/krusterr"
	"github.com/krust-build/krust/internal/platform"
	"github.com/krust-build/krust/internal/reference"
	"github.com/krust-build/krust/internal/registry"
)

// acceptedManifestTypes is the Accept list sent when fetching a base
// reference — every media type the registry protocol supports for
// manifests and indexes.
var acceptedManifestTypes = []string{
	specsv1.MediaTypeImageManifest,
	"application/vnd.docker.distribution.manifest.v2+json",
	specsv1.MediaTypeImageIndex,
	"application/vnd.docker.distribution.manifest.list.v2+json",
}

// BasePlatform is what the inspector remembers about one platform's
// entry in the base image: its manifest digest and the ordered layer
// descriptors the orchestrator will either reuse (same registry) or
// stream through (cross-registry).
type BasePlatform struct {
	Platform       platform.Platform
	ManifestDigest godigest.Digest
	Config         specsv1.Descriptor
	Layers         []specsv1.Descriptor
	DiffIDs        []godigest.Digest
	Decoded        specsv1.Image // the base's own config, for image.MergeConfigFragment
}

// BaseImage is the result of inspecting a base reference: it is always
// modelled as an index, even when the base was a single manifest.
type BaseImage struct {
	Reference reference.Reference
	Platforms map[string]BasePlatform // keyed by platform.Tag()
}

// Sorted returns the base image's platforms in the deterministic
// (os,architecture,variant) order used for index assembly.
func (b BaseImage) Sorted() []BasePlatform {
	out := make([]BasePlatform, 0, len(b.Platforms))
	for _, p := range b.Platforms {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Platform.String() < out[j].Platform.String()
	})
	return out
}

// Inspect fetches ref's manifest or index from its registry and
// builds a BaseImage describing every platform it advertises. A
// single-platform manifest is treated as a one-entry index keyed by
// its config's declared platform.
func Inspect(ctx context.Context, client *registry.Client, ref reference.Reference) (BaseImage, error) {
	body, contentType, err := client.GetManifest(ctx, ref.RegistryHost(), ref.RepositoryPath(), ref.Lookup(), acceptedManifestTypes)
	if err != nil {
		return BaseImage{}, err
	}

	mediaType := normalizeMediaType(body, contentType)
	switch mediaType {
	case specsv1.MediaTypeImageIndex, "application/vnd.docker.distribution.manifest.list.v2+json":
		return inspectIndex(ctx, client, ref, body)
	default:
		return inspectManifest(ctx, client, ref, body, godigest.FromBytes(body))
	}
}

func normalizeMediaType(body []byte, contentType string) string {
	if contentType != "" && contentType != "application/json" && contentType != "text/plain" {
		return stripParams(contentType)
	}
	var probe struct {
		MediaType string `json:"mediaType"`
	}
	json.Unmarshal(body, &probe)
	return probe.MediaType
}

func stripParams(v string) string {
	for i, c := range v {
		if c == ';' {
			return v[:i]
		}
	}
	return v
}

func inspectIndex(ctx context.Context, client *registry.Client, ref reference.Reference, body []byte) (BaseImage, error) {
	var idx specsv1.Index
	if err := json.Unmarshal(body, &idx); err != nil {
		return BaseImage{}, krusterr.New(krusterr.Protocol, "Inspect", ref.String(), fmt.Errorf("decoding index: %w", err))
	}

	base := BaseImage{Reference: ref, Platforms: make(map[string]BasePlatform, len(idx.Manifests))}
	for _, m := range idx.Manifests {
		if m.Platform == nil {
			continue
		}
		p := platform.Platform{OS: m.Platform.OS, Architecture: m.Platform.Architecture, Variant: m.Platform.Variant}
		manifestBody, _, err := client.GetManifest(ctx, ref.RegistryHost(), ref.RepositoryPath(), string(m.Digest), acceptedManifestTypes)
		if err != nil {
			return BaseImage{}, err
		}
		bp, err := decodeManifest(manifestBody, m.Digest)
		if err != nil {
			return BaseImage{}, krusterr.New(krusterr.Protocol, "Inspect", ref.String(), err)
		}
		bp.Platform = p
		if err := fillDiffIDs(ctx, client, ref, &bp); err != nil {
			return BaseImage{}, err
		}
		base.Platforms[p.Tag()] = bp
	}
	return base, nil
}

func inspectManifest(ctx context.Context, client *registry.Client, ref reference.Reference, body []byte, digest godigest.Digest) (BaseImage, error) {
	bp, err := decodeManifest(body, digest)
	if err != nil {
		return BaseImage{}, krusterr.New(krusterr.Protocol, "Inspect", ref.String(), err)
	}
	if err := fillDiffIDs(ctx, client, ref, &bp); err != nil {
		return BaseImage{}, err
	}

	return BaseImage{
		Reference: ref,
		Platforms: map[string]BasePlatform{bp.Platform.Tag(): bp},
	}, nil
}

// fillDiffIDs downloads bp's config blob to learn its declared
// platform (needed when the manifest itself, unlike the index entry,
// carries no platform object) and its ordered diff_ids, which the
// orchestrator prepends to the application layer's diff_id.
func fillDiffIDs(ctx context.Context, client *registry.Client, ref reference.Reference, bp *BasePlatform) error {
	rc, _, err := client.GetBlob(ctx, ref.RegistryHost(), ref.RepositoryPath(), bp.Config.Digest)
	if err != nil {
		return err
	}
	defer rc.Close()
	configBody, err := io.ReadAll(rc)
	if err != nil {
		return krusterr.New(krusterr.Network, "Inspect", ref.String(), fmt.Errorf("reading config blob: %w", err))
	}
	var cfg specsv1.Image
	if err := json.Unmarshal(configBody, &cfg); err != nil {
		return krusterr.New(krusterr.Protocol, "Inspect", ref.String(), fmt.Errorf("decoding config: %w", err))
	}
	if bp.Platform == (platform.Platform{}) {
		bp.Platform = platform.Platform{OS: cfg.OS, Architecture: cfg.Architecture, Variant: cfg.Variant}
	}
	bp.DiffIDs = cfg.RootFS.DiffIDs
	bp.Decoded = cfg
	return nil
}

func decodeManifest(body []byte, digest godigest.Digest) (BasePlatform, error) {
	var m specsv1.Manifest
	if err := json.Unmarshal(body, &m); err != nil {
		return BasePlatform{}, fmt.Errorf("decoding manifest: %w", err)
	}
	return BasePlatform{
		ManifestDigest: digest,
		Config:         m.Config,
		Layers:         m.Layers,
	}, nil
}
