package cook

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/marmos91/pkgload/internal/logger"
	"github.com/marmos91/pkgload/internal/telemetry"
	"github.com/marmos91/pkgload/pkg/chunk"
	"github.com/marmos91/pkgload/pkg/chunkstore/container"
	"github.com/marmos91/pkgload/pkg/optimizer"
	"github.com/marmos91/pkgload/pkg/pkgheader"
	"github.com/marmos91/pkgload/pkg/pkgid"
	"github.com/marmos91/pkgload/pkg/pkgstore"
)

// Catalog receives the package rows of a cooked container.
type Catalog interface {
	Save(ctx context.Context, entries []pkgstore.Entry) error
}

// Options configures Cook.
type Options struct {
	// OutputDir receives <container>.ptoc and its data file.
	OutputDir string

	// Writer overrides the container block settings. The manifest's
	// compression wins over Writer.Compression when set.
	Writer container.WriterConfig

	// Exclude drops the preload arcs of exports with these filter flags.
	Exclude pkgheader.FilterFlags

	// AllowMissingImports keeps cooking when an import is not produced by
	// the manifest.
	AllowMissingImports bool

	// AllowUnverifiedRedirects remaps partial redirect matches.
	AllowUnverifiedRedirects bool

	// Workers bounds parallel summary encoding. Zero means GOMAXPROCS.
	Workers int

	// Catalog, when set, records every cooked package.
	Catalog Catalog
}

// PackageReport describes one cooked package.
type PackageReport struct {
	Name     string
	ID       pkgid.ID
	Exports  int
	Bundles  int
	Imports  int
	Bytes    int
	Redirect string
}

// Report is the outcome of Cook.
type Report struct {
	Container   string
	ContainerID uint64
	TOCPath     string
	Packages    []PackageReport
	Chunks      int
	Duration    time.Duration
}

// Cook optimizes every package of m and writes them as one container.
func Cook(ctx context.Context, m *Manifest, opts Options) (*Report, error) {
	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanCook,
		trace.WithAttributes(
			telemetry.Container(m.Container),
			telemetry.PackageCount(len(m.Packages))))
	defer span.End()

	report, err := cook(ctx, m, opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("cook.chunks", report.Chunks))
	return report, nil
}

func cook(ctx context.Context, m *Manifest, opts Options) (*Report, error) {
	start := time.Now()
	if err := m.Validate(); err != nil {
		return nil, err
	}

	opt := optimizer.New(optimizer.Config{
		Exclude:             opts.Exclude,
		AllowMissingImports: opts.AllowMissingImports,
	})
	pkgs := make([]*optimizer.Package, 0, len(m.Packages))
	for _, spec := range m.Packages {
		raw, err := RawPackage(spec)
		if err != nil {
			return nil, err
		}
		p, err := opt.CreatePackage(raw)
		if err != nil {
			return nil, err
		}
		pkgs = append(pkgs, p)
	}

	redirects, err := processRedirects(opt, pkgs, opts.AllowUnverifiedRedirects)
	if err != nil {
		return nil, err
	}
	if err := opt.Finalize(pkgs); err != nil {
		return nil, err
	}
	if err := opt.FlushDeferred(); err != nil {
		return nil, err
	}

	summaries, err := encodeSummaries(ctx, opt, pkgs, opts.Workers)
	if err != nil {
		return nil, err
	}

	cfg := opts.Writer
	if cfg.BlockSize == 0 {
		cfg = container.DefaultWriterConfig()
	}
	if m.Compression != "" {
		c, err := container.ParseCompression(m.Compression)
		if err != nil {
			return nil, err
		}
		cfg.Compression = c
	}
	w, err := container.Create(opts.OutputDir, m.Container, cfg)
	if err != nil {
		return nil, err
	}

	report := &Report{Container: m.Container, ContainerID: w.ContainerID()}
	entries := make([]pkgstore.Entry, len(pkgs))
	for i, p := range pkgs {
		s := summaries[i]
		if err := w.Add(chunk.ForPackage(p.ID), s.data); err != nil {
			w.Abort()
			return nil, err
		}
		entries[i] = pkgstore.Entry{
			ID:               p.ID,
			Name:             p.Name,
			ExportCount:      uint32(len(s.header.Exports)),
			BundleCount:      uint32(len(s.header.Bundles)),
			ImportedPackages: s.header.ImportedPackages,
			Container:        m.Container,
		}
		pr := PackageReport{
			Name:    p.Name,
			ID:      p.ID,
			Exports: len(s.header.Exports),
			Bundles: len(s.header.Bundles),
			Imports: len(s.header.ImportedPackages),
			Bytes:   len(s.data),
		}
		if res, ok := redirects[p.ID]; ok {
			pr.Redirect = res.String()
		}
		report.Packages = append(report.Packages, pr)
	}
	header := pkgstore.EncodeContainerHeader(w.ContainerID(), entries)
	if err := w.Add(chunk.ForContainerHeader(w.ContainerID()), header); err != nil {
		w.Abort()
		return nil, err
	}
	toc, err := w.Finalize()
	if err != nil {
		return nil, err
	}
	report.Chunks = len(toc.Entries)
	report.TOCPath = tocPath(opts.OutputDir, m.Container)

	if opts.Catalog != nil {
		if err := opts.Catalog.Save(ctx, entries); err != nil {
			return nil, fmt.Errorf("failed to record packages in catalog: %w", err)
		}
	}

	report.Duration = time.Since(start)
	logger.InfoCtx(ctx, "container cooked",
		logger.KeyContainer, m.Container,
		logger.KeyCount, len(pkgs),
		logger.KeyDurationMs, logger.Duration(start))
	return report, nil
}

func processRedirects(opt *optimizer.Optimizer, pkgs []*optimizer.Package, allowUnverified bool) (map[pkgid.ID]optimizer.RedirectResult, error) {
	out := make(map[pkgid.ID]optimizer.RedirectResult)
	for _, p := range pkgs {
		if p.SourceName == "" {
			continue
		}
		src, ok := opt.Package(pkgid.FromName(p.SourceName))
		if !ok {
			logger.Warn("redirect source not in manifest",
				logger.KeyPackage, p.Name, "source", p.SourceName)
			out[p.ID] = optimizer.RedirectSkipped
			continue
		}
		res, err := opt.ProcessRedirect(p, src, allowUnverified)
		if err != nil {
			return nil, err
		}
		out[p.ID] = res
	}
	return out, nil
}

type summary struct {
	header *pkgheader.Header
	data   []byte
}

// encodeSummaries builds and encodes the summary records in parallel.
func encodeSummaries(ctx context.Context, opt *optimizer.Optimizer, pkgs []*optimizer.Package, workers int) ([]summary, error) {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	out := make([]summary, len(pkgs))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, p := range pkgs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			h, err := opt.Header(p)
			if err != nil {
				return err
			}
			data, err := pkgheader.Encode(h)
			if err != nil {
				return fmt.Errorf("encode %s: %w", p.Name, err)
			}
			out[i] = summary{header: h, data: data}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func tocPath(dir, name string) string {
	return filepath.Join(dir, name+container.TOCExt)
}
