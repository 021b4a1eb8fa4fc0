package image

import (
	"encoding/json"
	"testing"

	godigest "github.com/opencontainers/go-digest"
	specsv1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/krust-build/krust/internal/platform"
)

func TestConfigDeterministicBytes(t *testing.T) {
	in := ConfigInput{
		Platform:   platform.Platform{OS: "linux", Architecture: "amd64"},
		Entrypoint: []string{"/ko-app/myapp"},
		User:       "65532:65532",
		DiffIDs:    []godigest.Digest{godigest.Digest("sha256:" + repeat("a", 64))},
		CreatedAt:  "2026-01-02T15:04:05Z",
	}
	a, _, err := Config(in)
	if err != nil {
		t.Fatalf("Config: %v", err)
	}
	b, _, err := Config(in)
	if err != nil {
		t.Fatalf("Config: %v", err)
	}
	if a.Digest != b.Digest {
		t.Fatalf("encoding the same input twice produced different digests: %s != %s", a.Digest, b.Digest)
	}
	if string(a.Bytes) != string(b.Bytes) {
		t.Fatalf("encoding the same input twice produced different bytes")
	}
}

func TestConfigOmitsCreatedWhenUnset(t *testing.T) {
	enc, cfg, err := Config(ConfigInput{Platform: platform.Platform{OS: "linux", Architecture: "amd64"}})
	if err != nil {
		t.Fatalf("Config: %v", err)
	}
	if cfg.Created != nil {
		t.Fatalf("expected nil Created when CreatedAt is unset, got %v", cfg.Created)
	}
	var probe map[string]any
	if err := json.Unmarshal(enc.Bytes, &probe); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := probe["created"]; ok {
		t.Fatalf("expected no \"created\" key in encoded config, got %v", probe)
	}
}

func TestIndexSortsEntriesRegardlessOfInsertionOrder(t *testing.T) {
	entries := []IndexEntry{
		{Platform: platform.Platform{OS: "linux", Architecture: "arm64"}, Descriptor: specsv1.Descriptor{Digest: godigest.Digest("sha256:" + repeat("2", 64)), Size: 2}},
		{Platform: platform.Platform{OS: "linux", Architecture: "amd64"}, Descriptor: specsv1.Descriptor{Digest: godigest.Digest("sha256:" + repeat("1", 64)), Size: 1}},
	}
	reversed := []IndexEntry{entries[1], entries[0]}

	a, err := Index(entries, nil)
	if err != nil {
		t.Fatalf("Index: %v", err)
	}
	b, err := Index(reversed, nil)
	if err != nil {
		t.Fatalf("Index: %v", err)
	}
	if a.Digest != b.Digest {
		t.Fatalf("index digest depends on insertion order: %s != %s", a.Digest, b.Digest)
	}
}

func TestMergeConfigFragmentOverridesEntrypointAndUser(t *testing.T) {
	base := specsv1.Image{
		Platform: specsv1.Platform{OS: "linux", Architecture: "amd64"},
		Config: specsv1.ImageConfig{
			Env:        []string{"PATH=/usr/bin", "DEBUG=0"},
			Entrypoint: []string{"/bin/base-entrypoint"},
			WorkingDir: "/app",
		},
	}
	fragment := specsv1.Image{
		Config: specsv1.ImageConfig{
			Entrypoint: []string{"/ko-app/myapp"},
			User:       "65532:65532",
			Env:        []string{"DEBUG=1", "NEW=1"},
		},
	}
	if err := MergeConfigFragment(&base, fragment); err != nil {
		t.Fatalf("MergeConfigFragment: %v", err)
	}
	if got := base.Config.Entrypoint; len(got) != 1 || got[0] != "/ko-app/myapp" {
		t.Fatalf("Entrypoint = %v, want fragment's override", got)
	}
	if base.Config.User != "65532:65532" {
		t.Fatalf("User = %q, want fragment's override", base.Config.User)
	}
	if base.Config.WorkingDir != "/app" {
		t.Fatalf("WorkingDir = %q, want base's value preserved", base.Config.WorkingDir)
	}
	wantEnv := map[string]string{"PATH": "/usr/bin", "DEBUG": "1", "NEW": "1"}
	gotEnv := map[string]string{}
	for _, kv := range base.Config.Env {
		k, v, _ := splitEnv(kv)
		gotEnv[k] = v
	}
	for k, v := range wantEnv {
		if gotEnv[k] != v {
			t.Fatalf("Env[%s] = %q, want %q (merged env: %v)", k, gotEnv[k], v, base.Config.Env)
		}
	}
}

func TestMergeConfigFragmentRejectsPlatformMismatch(t *testing.T) {
	base := specsv1.Image{Platform: specsv1.Platform{OS: "linux", Architecture: "amd64"}}
	fragment := specsv1.Image{Platform: specsv1.Platform{OS: "linux", Architecture: "arm64"}}
	if err := MergeConfigFragment(&base, fragment); err == nil {
		t.Fatalf("expected an error merging a fragment with a mismatched architecture")
	}
}

func TestMergeConfigFragmentReplacesExposedPorts(t *testing.T) {
	base := specsv1.Image{
		Config: specsv1.ImageConfig{
			ExposedPorts: map[string]struct{}{"8080/tcp": {}},
		},
	}
	fragment := specsv1.Image{
		Config: specsv1.ImageConfig{
			ExposedPorts: map[string]struct{}{"9090/tcp": {}},
		},
	}
	if err := MergeConfigFragment(&base, fragment); err != nil {
		t.Fatalf("MergeConfigFragment: %v", err)
	}
	if _, ok := base.Config.ExposedPorts["8080/tcp"]; ok {
		t.Fatalf("expected the base's port to be replaced, not merged")
	}
	if _, ok := base.Config.ExposedPorts["9090/tcp"]; !ok {
		t.Fatalf("expected the fragment's port to be present")
	}
}

func repeat(s string, n int) string {
	out := make([]byte, 0, n*len(s))
	for i := 0; i < n; i++ {
		out = append(out, s...)
	}
	return string(out)
}
