// Command krust builds a statically-linked binary for one or more
// platforms, assembles it into an OCI image, and pushes it to a
// registry (--push is required) — a daemonless, compiler-native
// analogue of ko for Rust-like compiled systems languages. It takes a
// project directory, a platform list, a push flag, and optional tag
// and repo overrides, and prints `<repo>@sha256:<hex>` on success.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/krust-build/krust/internal/auth"
	"github.com/krust-build/krust/internal/build"
	"github.com/krust-build/krust/internal/config"
	"github.com/krust-build/krust/internal/krusterr"
	"github.com/krust-build/krust/internal/logging"
	"github.com/krust-build/krust/internal/platform"
	"github.com/krust-build/krust/internal/reference"
	"github.com/krust-build/krust/internal/registry"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	logger := logging.New()

	fs := flag.NewFlagSet("krust", flag.ContinueOnError)
	var platforms config.StringList
	fs.Var(&platforms, "platform", "target platform os/arch[/variant]; repeatable, or \"auto\" to infer from --base")
	repo := fs.String("repo", config.RepoFromEnv(), "target repository, overriding KRUST_REPO")
	var tags config.StringList
	fs.Var(&tags, "tag", "tag to push the resulting index under; repeatable (default \"latest\")")
	base := fs.String("base", "", "base image reference to build on top of")
	push := fs.Bool("push", false, "push the built image to --repo")
	verbose := fs.Bool("v", false, "enable debug-level logging (also via KRUST_VERBOSE)")
	projectDir := fs.String("dir", ".", "project directory to build")
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: krust [flags] -- [extra compiler args...]")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return krusterr.ExitCode(krusterr.Config)
	}
	extraArgs := fs.Args()

	settings := config.Settings{
		ProjectDir: *projectDir,
		Platforms:  platforms,
		Repo:       *repo,
		Tags:       tags,
		Push:       *push,
	}

	if settings.Repo == "" {
		fmt.Fprintln(os.Stderr, "krust: --repo or KRUST_REPO must be set")
		return krusterr.ExitCode(krusterr.Config)
	}
	if !settings.Push {
		fmt.Fprintln(os.Stderr, "krust: building without --push is not yet supported; krust always produces a registry-addressed image")
		return krusterr.ExitCode(krusterr.Config)
	}

	primaryTag := ""
	if len(settings.Tags) > 0 {
		primaryTag = settings.Tags[0]
	}
	target, err := reference.Parse(joinRepoTag(settings.Repo, primaryTag))
	if err != nil {
		fmt.Fprintf(os.Stderr, "krust: invalid --repo/--tag: %v\n", err)
		return krusterr.ExitCode(krusterr.Config)
	}

	explicitPlatforms, err := parsePlatforms(settings.Platforms)
	if err != nil {
		fmt.Fprintf(os.Stderr, "krust: %v\n", err)
		return krusterr.ExitCode(krusterr.Config)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	resolver, err := newResolver()
	if err != nil {
		fmt.Fprintf(os.Stderr, "krust: %v\n", err)
		return krusterr.ExitCode(krusterr.Config)
	}
	client := registry.New(resolver)
	if logging.Verbose(*verbose) {
		client.Logger = logger
	}

	var baseImage *build.BaseImage
	if *base != "" {
		baseRef, err := reference.Parse(*base)
		if err != nil {
			fmt.Fprintf(os.Stderr, "krust: invalid --base: %v\n", err)
			return krusterr.ExitCode(krusterr.Config)
		}
		logger.Printf("inspecting base image %s", baseRef)
		inspected, err := build.Inspect(ctx, client, baseRef)
		if err != nil {
			fmt.Fprintf(os.Stderr, "krust: inspecting base image: %v\n", err)
			return exitFor(err)
		}
		baseImage = &inspected
	}

	req := build.Request{
		ProjectDir:  settings.ProjectDir,
		ProjectName: filepath.Base(absPath(settings.ProjectDir)),
		ExtraArgs:   extraArgs,
		Platforms:   explicitPlatforms,
		Base:        baseImage,
		Target:      target,
		Tags:        []string(settings.Tags),
		Logger:      logger,
	}

	result, err := build.Run(ctx, client, req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "krust: %v\n", err)
		return exitFor(err)
	}

	fmt.Printf("%s/%s@%s\n", target.RegistryHost(), target.RepositoryPath(), result.IndexDigest)
	return 0
}

func newResolver() (*auth.Resolver, error) {
	if p := config.AuthFilePath(); p != "" {
		if filepath.Base(p) == "config.json" {
			return auth.NewResolver(nil)
		}
		cfg, err := auth.LoadAuthFile(p)
		if err != nil {
			return nil, err
		}
		return auth.NewResolverFromFile(cfg, nil), nil
	}
	return auth.NewResolver(nil)
}

// parsePlatforms turns the repeated --platform flag into an explicit
// platform list, or nil to let the orchestrator infer it from --base.
// A single "auto" entry (or no --platform flags at all) means
// inference.
func parsePlatforms(raw config.StringList) ([]platform.Platform, error) {
	if len(raw) == 0 || (len(raw) == 1 && raw[0] == "auto") {
		return nil, nil
	}
	out := make([]platform.Platform, 0, len(raw))
	for _, s := range raw {
		p, err := platform.Parse(s)
		if err != nil {
			return nil, err
		}
		if !platform.Supported(p) {
			return nil, fmt.Errorf("unsupported platform %s", p)
		}
		out = append(out, p)
	}
	return out, nil
}

func joinRepoTag(repo, tag string) string {
	if tag == "" {
		return repo
	}
	if strings.Contains(repo, ":") && !strings.Contains(repo, "://") {
		return repo
	}
	return repo + ":" + tag
}

func absPath(dir string) string {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return dir
	}
	return abs
}

func exitFor(err error) int {
	return krusterr.ExitCode(krusterr.KindOf(err))
}
