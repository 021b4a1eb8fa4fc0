// Package reference implements parsing, normalising, and
// re-serialising OCI image references of the form
// "[registry[:port]/]repo[:tag][@digest]".
package reference

import (
	"fmt"
	"regexp"
	"strings"

	godigest "github.com/opencontainers/go-digest"
)

const (
	// DefaultRegistry is where a reference with no host component
	// resolves to ("bare repo -> docker.io/library/<repo>").
	DefaultRegistry = "docker.io"
	// DefaultTag is used when a reference has neither a tag nor a digest.
	DefaultTag = "latest"

	libraryNamespace = "library"
)

var digestPattern = regexp.MustCompile(`^sha256:[a-f0-9]{64}$`)

// Reference is a parsed, normalised image reference. Exactly one of
// Tag and Digest is authoritative for push/pull lookups; digest wins
// over tag in lookups when both are present, but the tag is retained
// so it can still be pushed as an additional alias.
type Reference struct {
	Registry   string
	Repository string
	Tag        string
	Digest     godigest.Digest
}

// Parse parses s into a normalised Reference.
func Parse(s string) (Reference, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Reference{}, fmt.Errorf("reference: empty reference")
	}

	rest := s
	var dig godigest.Digest
	if i := strings.LastIndex(rest, "@"); i >= 0 {
		raw := rest[i+1:]
		if !digestPattern.MatchString(raw) {
			return Reference{}, fmt.Errorf("reference: invalid digest %q", raw)
		}
		dig = godigest.Digest(raw)
		rest = rest[:i]
	}

	var tag string
	lastSlash := strings.LastIndex(rest, "/")
	lastColon := strings.LastIndex(rest, ":")
	if lastColon > lastSlash {
		tag = rest[lastColon+1:]
		rest = rest[:lastColon]
		if tag == "" {
			return Reference{}, fmt.Errorf("reference: empty tag in %q", s)
		}
	}
	if tag == "" && dig == "" {
		tag = DefaultTag
	}

	if rest == "" {
		return Reference{}, fmt.Errorf("reference: empty repository in %q", s)
	}

	registry, repo := splitHost(rest)
	repo = applyLibraryNamespace(registry, repo)
	if repo == "" {
		return Reference{}, fmt.Errorf("reference: empty repository in %q", s)
	}
	for _, seg := range strings.Split(repo, "/") {
		if seg == "" {
			return Reference{}, fmt.Errorf("reference: empty path segment in %q", s)
		}
		if seg != strings.ToLower(seg) {
			return Reference{}, fmt.Errorf("reference: repository path %q must be lower-case", repo)
		}
	}

	return Reference{Registry: registry, Repository: repo, Tag: tag, Digest: dig}, nil
}

// splitHost decides whether the first path segment of rest names a
// registry host (a "." or ":" in the segment, or the literal
// "localhost") and splits accordingly; otherwise the whole thing is a
// Docker Hub repository.
func splitHost(rest string) (registry, repo string) {
	parts := strings.SplitN(rest, "/", 2)
	first := parts[0]
	if isHost(first) {
		if len(parts) == 1 {
			return first, ""
		}
		return first, parts[1]
	}
	return DefaultRegistry, rest
}

func isHost(segment string) bool {
	return strings.ContainsAny(segment, ".:") || segment == "localhost"
}

// applyLibraryNamespace implements the two docker.io normalisations: a
// bare one-segment repo becomes "library/<repo>", and
// registry/owner/name stays as-is on every other registry.
func applyLibraryNamespace(registry, repo string) string {
	if registry != DefaultRegistry {
		return repo
	}
	if repo == "" {
		return repo
	}
	if !strings.Contains(repo, "/") {
		return libraryNamespace + "/" + repo
	}
	return repo
}

// String re-serialises the reference. The result is bit-exact with a
// parsed form modulo the default expansions applied by Parse:
// parse(String()) == the same Reference.
func (r Reference) String() string {
	var b strings.Builder
	b.WriteString(r.Registry)
	b.WriteString("/")
	b.WriteString(r.Repository)
	if r.Tag != "" {
		b.WriteString(":")
		b.WriteString(r.Tag)
	}
	if r.Digest != "" {
		b.WriteString("@")
		b.WriteString(string(r.Digest))
	}
	return b.String()
}

// WithDigest returns a copy of r pinned to digest, retaining the tag.
func (r Reference) WithDigest(d godigest.Digest) Reference {
	r.Digest = d
	return r
}

// WithTag returns a copy of r retagged to tag, clearing any digest.
func (r Reference) WithTag(tag string) Reference {
	r.Tag = tag
	r.Digest = ""
	return r
}

// RepositoryPath returns the repository component, e.g. "library/nginx".
func (r Reference) RepositoryPath() string {
	return r.Repository
}

// RegistryHost returns the registry host component exactly as stored
// in Registry, e.g. "docker.io" for a Docker Hub reference. No mapping
// to a different wire hostname (such as "registry-1.docker.io") is
// applied, here or in internal/registry, which uses this value as the
// request host.
func (r Reference) RegistryHost() string {
	return r.Registry
}

// Lookup returns the path segment the registry protocol should use to
// fetch/push this reference: the digest when present (it wins over
// the tag), otherwise the tag.
func (r Reference) Lookup() string {
	if r.Digest != "" {
		return string(r.Digest)
	}
	return r.Tag
}
