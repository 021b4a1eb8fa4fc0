package reference

import (
	"testing"

	godigest "github.com/opencontainers/go-digest"
)

func TestParseDefaultsRegistryAndTag(t *testing.T) {
	r, err := Parse("nginx")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if r.Registry != DefaultRegistry {
		t.Fatalf("Registry = %q, want %q", r.Registry, DefaultRegistry)
	}
	if r.Repository != "library/nginx" {
		t.Fatalf("Repository = %q, want library/nginx", r.Repository)
	}
	if r.Tag != DefaultTag {
		t.Fatalf("Tag = %q, want %q", r.Tag, DefaultTag)
	}
	if r.Digest != "" {
		t.Fatalf("Digest = %q, want empty", r.Digest)
	}
}

func TestParseOwnerRepoOnDockerHub(t *testing.T) {
	r, err := Parse("golang/go:1.22")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if r.Registry != DefaultRegistry || r.Repository != "golang/go" || r.Tag != "1.22" {
		t.Fatalf("got %+v", r)
	}
}

func TestParseExplicitRegistryWithPort(t *testing.T) {
	r, err := Parse("localhost:5000/myapp:dev")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if r.Registry != "localhost:5000" {
		t.Fatalf("Registry = %q, want localhost:5000", r.Registry)
	}
	if r.Repository != "myapp" {
		t.Fatalf("Repository = %q, want myapp", r.Repository)
	}
	if r.Tag != "dev" {
		t.Fatalf("Tag = %q, want dev", r.Tag)
	}
}

func TestParseDottedRegistryHost(t *testing.T) {
	r, err := Parse("ghcr.io/krust-build/krust:v1")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if r.Registry != "ghcr.io" || r.Repository != "krust-build/krust" || r.Tag != "v1" {
		t.Fatalf("got %+v", r)
	}
}

func TestParseDigest(t *testing.T) {
	d := "sha256:" + repeat("a", 64)
	r, err := Parse("nginx@" + d)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if string(r.Digest) != d {
		t.Fatalf("Digest = %q, want %q", r.Digest, d)
	}
	if r.Tag != "" {
		t.Fatalf("Tag = %q, want empty when only a digest is given", r.Tag)
	}
	if r.Lookup() != d {
		t.Fatalf("Lookup() = %q, want digest to win", r.Lookup())
	}
}

func TestParseTagAndDigestDigestWinsForLookup(t *testing.T) {
	d := "sha256:" + repeat("b", 64)
	r, err := Parse("nginx:stable@" + d)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if r.Tag != "stable" {
		t.Fatalf("Tag = %q, want stable to be retained", r.Tag)
	}
	if r.Lookup() != d {
		t.Fatalf("Lookup() = %q, want digest to win over retained tag", r.Lookup())
	}
}

func TestParseInvalidDigest(t *testing.T) {
	if _, err := Parse("nginx@sha256:not-hex"); err == nil {
		t.Fatalf("expected error for malformed digest")
	}
}

func TestParseRejectsUpperCaseRepository(t *testing.T) {
	if _, err := Parse("ghcr.io/Krust-Build/krust"); err == nil {
		t.Fatalf("expected error for upper-case repository segment")
	}
}

func TestParseRejectsEmptyReference(t *testing.T) {
	if _, err := Parse(""); err == nil {
		t.Fatalf("expected error for empty reference")
	}
	if _, err := Parse("   "); err == nil {
		t.Fatalf("expected error for blank reference")
	}
}

func TestRoundTrip(t *testing.T) {
	cases := []string{
		"docker.io/library/nginx:latest",
		"ghcr.io/krust-build/krust:v1",
		"localhost:5000/myapp:dev",
	}
	for _, s := range cases {
		r, err := Parse(s)
		if err != nil {
			t.Fatalf("Parse(%q): %v", s, err)
		}
		again, err := Parse(r.String())
		if err != nil {
			t.Fatalf("Parse(String()) round-trip for %q: %v", s, err)
		}
		if again != r {
			t.Fatalf("round-trip mismatch for %q: %+v != %+v", s, again, r)
		}
	}
}

func TestWithDigestRetainsTag(t *testing.T) {
	r, err := Parse("nginx:stable")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	d := "sha256:" + repeat("c", 64)
	r2 := r.WithDigest(godigest.Digest(d))
	if r2.Tag != "stable" {
		t.Fatalf("Tag = %q, want stable retained after WithDigest", r2.Tag)
	}
	if string(r2.Digest) != d {
		t.Fatalf("Digest = %q, want %q", r2.Digest, d)
	}
}

func TestWithTagClearsDigest(t *testing.T) {
	d := "sha256:" + repeat("d", 64)
	r, err := Parse("nginx@" + d)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	r2 := r.WithTag("edge")
	if r2.Digest != "" {
		t.Fatalf("Digest = %q, want cleared after WithTag", r2.Digest)
	}
	if r2.Tag != "edge" {
		t.Fatalf("Tag = %q, want edge", r2.Tag)
	}
}

func repeat(s string, n int) string {
	out := make([]byte, 0, n*len(s))
	for i := 0; i < n; i++ {
		out = append(out, s...)
	}
	return string(out)
}

