package build

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"runtime"
	"sort"
	"time"

	godigest "github.com/opencontainers/go-digest"
	specsv1 "github.com/opencontainers/image-spec/specs-go/v1"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/krust-build/krust/internal/compiler"
	"github.com/krust-build/krust/internal/image"
	"github.com/krust-build/krust/internal/krusterr"
	"github.com/krust-build/krust/internal/layer"
	"github.com/krust-build/krust/internal/logging"
	"github.com/krust-build/krust/internal/platform"
	"github.com/krust-build/krust/internal/reference"
	"github.com/krust-build/krust/internal/registry"
)

// maxBlobUploadsPerPipeline bounds concurrent independent layer
// uploads within a single platform's pipeline.
const maxBlobUploadsPerPipeline = 4

// nonRootUser is the config.User every image built by krust runs as:
// uid:gid 65532:65532, the "nonroot" distroless convention.
const nonRootUser = "65532:65532"

// Request is everything the orchestrator needs to build and push one
// image across one or more platforms.
type Request struct {
	ProjectDir  string
	ProjectName string
	ExtraArgs   []string
	Platforms   []platform.Platform // explicit list; nil means "auto"
	Base        *BaseImage          // nil means "no base image"
	Target      reference.Reference
	Tags        []string // tags the resulting index is pushed under; empty means [reference.DefaultTag]
	Parallelism int      // 0 means "platform count, bounded by CPU count"
	CompilerEnv []string
	Logger      *log.Logger // nil means "discard" (tests leave this unset)
}

// Result is the orchestrator's output: the pushed index's digest (the
// value the CLI prints on success) and the tags it was pushed under.
type Result struct {
	IndexDigest godigest.Digest
	Tags        []string
}

// Run compiles and pushes one platform pipeline per entry in
// req.Platforms, cancelling every in-flight platform the moment any
// one of them fails, then assembles and pushes a single index built
// from those results. Identical project-path builds are deduplicated
// at the tag level: the compile-and-push pipeline runs exactly once
// regardless of how many tags req.Tags names, and the resulting index
// digest is fanned out to every one of them.
func Run(ctx context.Context, client *registry.Client, req Request) (Result, error) {
	platforms, err := expandPlatforms(req)
	if err != nil {
		return Result{}, err
	}

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(concurrencyLimit(req.Parallelism, len(platforms)))

	results := make([]image.IndexEntry, len(platforms))
	for i, p := range platforms {
		i, p := i, p
		group.Go(func() error {
			entry, err := buildPlatform(gctx, client, req, p)
			if err != nil {
				return err
			}
			results[i] = entry
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return Result{}, err
	}

	idx, err := image.Index(results, nil)
	if err != nil {
		return Result{}, krusterr.New(krusterr.Serialise, "Run", req.Target.String(), err)
	}

	tags := req.Tags
	if len(tags) == 0 {
		tags = []string{reference.DefaultTag}
	}
	for _, tag := range tags {
		if err := client.PushManifest(ctx, req.Target.RegistryHost(), req.Target.RepositoryPath(), tag, specsv1.MediaTypeImageIndex, idx.Bytes, idx.Digest); err != nil {
			return Result{}, err
		}
	}
	return Result{IndexDigest: idx.Digest, Tags: tags}, nil
}

// concurrencyLimit picks the per-platform fan-out width: the caller's
// explicit parallelism if given, otherwise the platform count, capped
// in both cases at the number of available CPUs so a wide --platform
// list doesn't oversubscribe a small machine.
func concurrencyLimit(requested, platformCount int) int {
	limit := requested
	if limit <= 0 {
		limit = platformCount
	}
	if cpu := runtime.NumCPU(); limit > cpu {
		limit = cpu
	}
	if limit < 1 {
		limit = 1
	}
	return limit
}

// expandPlatforms resolves the platform set: explicit list if given,
// else the intersection of the base image's platforms and krust's
// known compiler targets.
func expandPlatforms(req Request) ([]platform.Platform, error) {
	if len(req.Platforms) > 0 {
		return req.Platforms, nil
	}
	if req.Base == nil {
		return nil, krusterr.New(krusterr.Config, "expandPlatforms", "", fmt.Errorf("no explicit platforms and no base image to infer them from"))
	}

	var out []platform.Platform
	for _, bp := range req.Base.Sorted() {
		if platform.Supported(bp.Platform) {
			out = append(out, bp.Platform)
		}
	}
	if len(out) == 0 {
		return nil, krusterr.New(krusterr.Config, "expandPlatforms", req.Base.Reference.String(),
			fmt.Errorf("base image advertises no platform krust can compile for"))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}

func buildPlatform(ctx context.Context, client *registry.Client, req Request, p platform.Platform) (image.IndexEntry, error) {
	plog := platformLogger(req.Logger, p)

	target, ok := platform.CompilerTarget(p)
	if !ok {
		return image.IndexEntry{}, krusterr.New(krusterr.Config, "buildPlatform", p.String(), fmt.Errorf("no compiler target for platform"))
	}

	plog.Printf("compiling target %s", target)
	compileResult, err := compiler.Invoke(ctx, compiler.Invocation{
		ProjectDir: req.ProjectDir,
		Target:     target,
		ExtraArgs:  req.ExtraArgs,
		Env:        req.CompilerEnv,
	})
	if err != nil {
		return image.IndexEntry{}, err
	}

	binData, err := readAll(compileResult.BinaryPath)
	if err != nil {
		return image.IndexEntry{}, krusterr.New(krusterr.LayerBuild, "buildPlatform", p.String(), err)
	}
	appEntries, err := layer.SingleFile(appPath(req.ProjectName), binData, time.Unix(0, 0))
	if err != nil {
		return image.IndexEntry{}, krusterr.New(krusterr.LayerBuild, "buildPlatform", p.String(), err)
	}
	appLayer, err := layer.Assemble(appEntries)
	if err != nil {
		return image.IndexEntry{}, krusterr.New(krusterr.LayerBuild, "buildPlatform", p.String(), err)
	}

	var base BasePlatform
	if req.Base != nil {
		base = req.Base.Platforms[p.Tag()]
	}

	diffIDs := append(append([]godigest.Digest{}, base.DiffIDs...), appLayer.DiffID)

	// Layer the application's own entrypoint and user onto whatever
	// config the base image carries (env, exposed ports, working dir),
	// rather than discarding the base's config wholesale.
	baseConfig := base.Decoded
	if err := image.MergeConfigFragment(&baseConfig, specsv1.Image{
		Config: specsv1.ImageConfig{
			Entrypoint: []string{appPath(req.ProjectName)},
			User:       nonRootUser,
		},
	}); err != nil {
		return image.IndexEntry{}, krusterr.New(krusterr.Config, "buildPlatform", p.String(), err)
	}

	cfgEncoded, _, err := image.Config(image.ConfigInput{
		Platform:     p,
		Entrypoint:   baseConfig.Config.Entrypoint,
		Cmd:          baseConfig.Config.Cmd,
		Env:          baseConfig.Config.Env,
		User:         baseConfig.Config.User,
		WorkingDir:   baseConfig.Config.WorkingDir,
		ExposedPorts: baseConfig.Config.ExposedPorts,
		DiffIDs:      diffIDs,
		CreatedAt:    time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return image.IndexEntry{}, krusterr.New(krusterr.Serialise, "buildPlatform", p.String(), err)
	}

	layerDescriptors := append(append([]specsv1.Descriptor{}, base.Layers...), specsv1.Descriptor{
		MediaType: appLayer.MediaType,
		Digest:    appLayer.Digest,
		Size:      appLayer.Size,
	})

	manifestEncoded, err := image.Manifest(image.ManifestInput{
		Config: specsv1.Descriptor{
			MediaType: specsv1.MediaTypeImageConfig,
			Digest:    cfgEncoded.Digest,
			Size:      int64(len(cfgEncoded.Bytes)),
		},
		Layers: layerDescriptors,
	})
	if err != nil {
		return image.IndexEntry{}, krusterr.New(krusterr.Serialise, "buildPlatform", p.String(), err)
	}

	plog.Printf("pushing layers")
	if err := pushLayers(ctx, client, req, base, appLayer); err != nil {
		return image.IndexEntry{}, err
	}
	if err := ensureBlob(ctx, client, req.Target, cfgEncoded.Digest, cfgEncoded.Bytes); err != nil {
		return image.IndexEntry{}, err
	}
	if err := client.PushManifest(ctx, req.Target.RegistryHost(), req.Target.RepositoryPath(), p.Tag(), specsv1.MediaTypeImageManifest, manifestEncoded.Bytes, manifestEncoded.Digest); err != nil {
		return image.IndexEntry{}, err
	}
	plog.Printf("pushed manifest %s", manifestEncoded.Digest)

	return image.IndexEntry{
		Platform: p,
		Descriptor: specsv1.Descriptor{
			MediaType: specsv1.MediaTypeImageManifest,
			Digest:    manifestEncoded.Digest,
			Size:      int64(len(manifestEncoded.Bytes)),
		},
	}, nil
}

// pushLayers uploads the application layer plus every base layer not
// already present in the target repository, streaming base layers
// through from the base registry when they live elsewhere. Independent
// uploads within the pipeline run up to maxBlobUploadsPerPipeline at a
// time.
func pushLayers(ctx context.Context, client *registry.Client, req Request, base BasePlatform, appLayer layer.Blob) error {
	sem := semaphore.NewWeighted(maxBlobUploadsPerPipeline)
	group, gctx := errgroup.WithContext(ctx)

	for _, l := range base.Layers {
		l := l
		group.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)
			return pushBaseLayer(gctx, client, req, l)
		})
	}
	group.Go(func() error {
		if err := sem.Acquire(gctx, 1); err != nil {
			return err
		}
		defer sem.Release(1)
		return ensureBlob(gctx, client, req.Target, appLayer.Digest, appLayer.Compressed)
	})
	return group.Wait()
}

func pushBaseLayer(ctx context.Context, client *registry.Client, req Request, l specsv1.Descriptor) error {
	_, exists, err := client.BlobExists(ctx, req.Target.RegistryHost(), req.Target.RepositoryPath(), l.Digest)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	sameRegistry := req.Base.Reference.RegistryHost() == req.Target.RegistryHost()
	if sameRegistry {
		mounted, err := client.MountBlob(ctx, req.Target.RegistryHost(), req.Target.RepositoryPath(), l.Digest, req.Base.Reference.RepositoryPath())
		if err != nil {
			return err
		}
		if mounted {
			return nil
		}
	}

	rc, size, err := client.GetBlob(ctx, req.Base.Reference.RegistryHost(), req.Base.Reference.RepositoryPath(), l.Digest)
	if err != nil {
		return err
	}
	defer rc.Close()
	return client.UploadBlob(ctx, req.Target.RegistryHost(), req.Target.RepositoryPath(), l.Digest, size, rc)
}

func ensureBlob(ctx context.Context, client *registry.Client, target reference.Reference, digest godigest.Digest, data []byte) error {
	_, exists, err := client.BlobExists(ctx, target.RegistryHost(), target.RepositoryPath(), digest)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return client.UploadBlob(ctx, target.RegistryHost(), target.RepositoryPath(), digest, int64(len(data)), bytes.NewReader(data))
}

// platformLogger returns a prefixed logger for one platform's pipeline,
// or a discarding logger if the caller didn't supply one (tests, and
// any future embedder that wants silence).
func platformLogger(base *log.Logger, p platform.Platform) *log.Logger {
	if base == nil {
		return log.New(io.Discard, "", 0)
	}
	return logging.ForPlatform(base, p.Tag())
}

func appPath(projectName string) string {
	return "/ko-app/" + projectName
}

func readAll(path string) ([]byte, error) {
	return os.ReadFile(path)
}
