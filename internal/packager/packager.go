// Package packager builds deployment archives. Each function's entry
// module resolves through the same rules the dev-server registry uses,
// so a handler that runs in dev cannot fail path lookup once packaged.
package packager

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/evanw/esbuild/pkg/api"
	"github.com/nuclio/errors"
	"github.com/rs/zerolog"

	"github.com/fauxgate/fauxgate/internal/config"
	"github.com/fauxgate/fauxgate/internal/metrics"
	"github.com/fauxgate/fauxgate/internal/runtime"
)

// Archive entry names. The bundle and its map always land under these
// names regardless of the source layout.
const (
	BundleName    = "index.js"
	SourcemapName = "index.js.map"
)

// assetLoaders routes non-code files esbuild encounters into the
// artifact as assets instead of inlining them.
var assetLoaders = map[string]api.Loader{
	".png":  api.LoaderFile,
	".jpg":  api.LoaderFile,
	".gif":  api.LoaderFile,
	".svg":  api.LoaderFile,
	".ico":  api.LoaderFile,
	".html": api.LoaderFile,
	".txt":  api.LoaderFile,
	".pem":  api.LoaderFile,
}

// Artifact describes one written archive.
type Artifact struct {
	Function string
	Path     string
	Size     int64
}

// Error is a per-function packaging failure. One function failing does
// not abort the rest of the batch.
type Error struct {
	Function string
	Err      error
}

func (e *Error) Error() string {
	return "package " + e.Function + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Result collects the outcome of one packaging run.
type Result struct {
	Artifacts []Artifact
	Failures  []*Error
}

// Packager bundles and archives every configured function.
type Packager struct {
	cfg     *config.Config
	metrics *metrics.Metrics
	log     zerolog.Logger
}

func New(cfg *config.Config, m *metrics.Metrics, log zerolog.Logger) *Packager {
	return &Packager{
		cfg:     cfg,
		metrics: m,
		log:     log.With().Str("component", "packager").Logger(),
	}
}

// PackageAll packages every function concurrently and returns the
// aggregate result ordered by declaration order.
func (p *Packager) PackageAll(ctx context.Context) (*Result, error) {
	if err := os.MkdirAll(p.cfg.OutputPath(), 0o755); err != nil {
		return nil, errors.Wrap(err, "create output directory")
	}

	names := p.cfg.Functions.Names()
	artifacts := make([]*Artifact, len(names))
	failures := make([]*Error, len(names))

	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			art, err := p.packageFunction(ctx, name)
			if err != nil {
				failures[i] = &Error{Function: name, Err: err}
				p.metrics.PackagesBuilt.WithLabelValues(metrics.ResultError).Inc()
				p.log.Error().Err(err).Str("function", name).Msg("packaging failed")
				return
			}
			artifacts[i] = art
			p.metrics.PackagesBuilt.WithLabelValues(metrics.ResultOK).Inc()
			p.log.Info().Str("function", name).Str("archive", art.Path).
				Int64("bytes", art.Size).Msg("packaged")
		}(i, name)
	}
	wg.Wait()

	result := &Result{}
	for i := range names {
		if artifacts[i] != nil {
			result.Artifacts = append(result.Artifacts, *artifacts[i])
		}
		if failures[i] != nil {
			result.Failures = append(result.Failures, failures[i])
		}
	}
	return result, nil
}

// packageFunction bundles one function and writes its archive.
func (p *Packager) packageFunction(ctx context.Context, name string) (*Artifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fn := p.cfg.Functions.Get(name)
	entry, _, err := runtime.ResolveEntry(p.cfg.Dir(), fn.Handler)
	if err != nil {
		return nil, err
	}

	opts := api.BuildOptions{
		EntryPoints:   []string{entry},
		AbsWorkingDir: p.cfg.Dir(),
		Bundle:        true,
		Write:         false,
		Outdir:        "dist",
		EntryNames:    "index",
		AssetNames:    "[name]",
		Platform:      api.PlatformNode,
		Format:        api.FormatCommonJS,
		External:      p.cfg.Build.External,
		Loader:        assetLoaders,
		LogLevel:      api.LogLevelSilent,
	}
	if p.cfg.Build.Minify {
		opts.MinifyWhitespace = true
		opts.MinifyIdentifiers = true
		opts.MinifySyntax = true
	}
	if p.cfg.Build.Sourcemap {
		opts.Sourcemap = api.SourceMapExternal
	}

	built := api.Build(opts)
	if len(built.Errors) > 0 {
		return nil, errors.New(formatBuildErrors(built.Errors))
	}

	var bundle, sourcemap []byte
	var assets []archiveEntry
	for _, f := range built.OutputFiles {
		switch filepath.Base(f.Path) {
		case BundleName:
			bundle = f.Contents
		case SourcemapName:
			sourcemap = f.Contents
		default:
			assets = append(assets, archiveEntry{
				name: filepath.Base(f.Path),
				data: f.Contents,
				mode: assetMode,
			})
		}
	}
	if bundle == nil {
		return nil, errors.New("bundler produced no output")
	}
	sort.Slice(assets, func(i, j int) bool { return assets[i].name < assets[j].name })

	entries := []archiveEntry{{name: BundleName, data: bundle, mode: bundleMode}}
	if sourcemap != nil {
		entries = append(entries, archiveEntry{name: SourcemapName, data: sourcemap, mode: assetMode})
	}
	entries = append(entries, assets...)

	archivePath := filepath.Join(p.cfg.OutputPath(), name+".zip")
	size, err := writeArchive(archivePath, entries)
	if err != nil {
		return nil, err
	}
	return &Artifact{Function: name, Path: archivePath, Size: size}, nil
}

func formatBuildErrors(msgs []api.Message) string {
	var b strings.Builder
	b.WriteString("bundle failed")
	for _, m := range msgs {
		b.WriteString(": ")
		if m.Location != nil {
			fmt.Fprintf(&b, "%s:%d: ", m.Location.File, m.Location.Line)
		}
		b.WriteString(m.Text)
	}
	return b.String()
}
