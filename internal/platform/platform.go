// Package platform holds the (os, architecture, variant) triple model
// and the total mapping from supported platforms to the compiler's
// target-triple strings used when invoking it.
package platform

import "fmt"

// Platform identifies a binary ABI: an operating system, a CPU
// architecture, and an optional variant (used only by 32-bit ARM).
type Platform struct {
	OS           string
	Architecture string
	Variant      string
}

// String renders the platform the way it appears in --platform flags:
// "os/arch" or "os/arch/variant" (see Tag for the "-"-joined form).
func (p Platform) String() string {
	if p.Variant == "" {
		return p.OS + "/" + p.Architecture
	}
	return p.OS + "/" + p.Architecture + "/" + p.Variant
}

// Tag returns a repository-tag-safe encoding of the platform, used as
// the per-platform manifest tag: it uniquely encodes the platform, and
// since tags may not contain "/", components are joined with "-".
func (p Platform) Tag() string {
	if p.Variant == "" {
		return p.OS + "-" + p.Architecture
	}
	return p.OS + "-" + p.Architecture + "-" + p.Variant
}

// compilerTarget is the total mapping from a supported Platform to the
// compiler's target-triple string.
var compilerTarget = map[Platform]string{
	{OS: "linux", Architecture: "amd64"}:            "x86_64-unknown-linux-musl",
	{OS: "linux", Architecture: "arm64"}:            "aarch64-unknown-linux-musl",
	{OS: "linux", Architecture: "arm", Variant: "v6"}: "arm-unknown-linux-musleabihf",
	{OS: "linux", Architecture: "arm", Variant: "v7"}: "armv7-unknown-linux-musleabihf",
	{OS: "linux", Architecture: "386"}:               "i686-unknown-linux-musl",
	{OS: "linux", Architecture: "ppc64le"}:           "powerpc64le-unknown-linux-musl",
	{OS: "linux", Architecture: "s390x"}:             "s390x-unknown-linux-musl",
	{OS: "linux", Architecture: "riscv64"}:           "riscv64gc-unknown-linux-musl",
}

// CompilerTarget returns the compiler's target-triple for p and
// whether p is supported at all.
func CompilerTarget(p Platform) (string, bool) {
	t, ok := compilerTarget[normalize(p)]
	return t, ok
}

// Supported reports whether krust knows how to cross-compile for p.
func Supported(p Platform) bool {
	_, ok := compilerTarget[normalize(p)]
	return ok
}

// All returns every platform krust can compile for, in a stable order
// matching the declaration table above.
func All() []Platform {
	order := []Platform{
		{OS: "linux", Architecture: "amd64"},
		{OS: "linux", Architecture: "arm64"},
		{OS: "linux", Architecture: "arm", Variant: "v6"},
		{OS: "linux", Architecture: "arm", Variant: "v7"},
		{OS: "linux", Architecture: "386"},
		{OS: "linux", Architecture: "ppc64le"},
		{OS: "linux", Architecture: "s390x"},
		{OS: "linux", Architecture: "riscv64"},
	}
	return order
}

func normalize(p Platform) Platform {
	return Platform{OS: p.OS, Architecture: p.Architecture, Variant: p.Variant}
}

// Parse parses a "os/arch[/variant]" string, as accepted by the
// --platform flag.
func Parse(s string) (Platform, error) {
	var parts []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '/' {
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	parts = append(parts, s[start:])

	switch len(parts) {
	case 2:
		return Platform{OS: parts[0], Architecture: parts[1]}, nil
	case 3:
		return Platform{OS: parts[0], Architecture: parts[1], Variant: parts[2]}, nil
	default:
		return Platform{}, fmt.Errorf("platform: invalid platform %q, want os/arch or os/arch/variant", s)
	}
}
