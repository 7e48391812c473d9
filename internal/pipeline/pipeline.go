// Package pipeline runs an archive ingest: scan, parse and normalize in a
// worker pool, then load file by file in scan order.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"bikeshare-etl/internal/archive"
	"bikeshare-etl/internal/domain"
	"bikeshare-etl/internal/errsink"
	"bikeshare-etl/internal/ledger"
	"bikeshare-etl/internal/loader"
	"bikeshare-etl/internal/normalize"
	"bikeshare-etl/internal/snapshot"
)

const reasonSinkUnavailable = "error_sink_unavailable"

type Options struct {
	ParseWorkers  int
	LoaderWorkers int
	// QueueSize bounds both the parse queue and the number of parsed files
	// waiting for the loader.
	QueueSize int
	RunID     string
	Observer  Observer
}

func (o *Options) defaults() {
	if o.ParseWorkers <= 0 {
		o.ParseWorkers = 4
	}
	if o.LoaderWorkers <= 0 {
		o.LoaderWorkers = 1
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 16
	}
	if o.RunID == "" {
		o.RunID = uuid.NewString()
	}
	if o.Observer == nil {
		o.Observer = nopObserver{}
	}
}

type Pipeline struct {
	scanner *archive.Scanner
	ledger  *ledger.Ledger
	loader  *loader.Loader
	sink    errsink.Sink
	opts    Options
	log     *slog.Logger
	now     func() time.Time
}

func New(sc *archive.Scanner, l *ledger.Ledger, ld *loader.Loader, sink errsink.Sink, opts Options, log *slog.Logger) *Pipeline {
	opts.defaults()
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		scanner: sc,
		ledger:  l,
		loader:  ld,
		sink:    sink,
		opts:    opts,
		log:     log.With("component", "pipeline", "run_id", opts.RunID),
		now:     time.Now,
	}
}

func (p *Pipeline) RunID() string { return p.opts.RunID }

// job is one file in flight. done receives exactly one parsed value.
type job struct {
	file archive.File
	done chan parsed
}

type parsed struct {
	batch  *normalize.Batch
	reason string
	err    error
}

// Run ingests every file under the archive root that the ledger does not
// already list as committed. A fatal error (unreadable root, unavailable
// ledger) aborts the run and is returned as is. Otherwise failed files are
// left for the next run and Run returns domain.ErrRunIncomplete.
func (p *Pipeline) Run(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)

	jobs := make(chan *job, p.opts.QueueSize)
	ordered := make(chan *job, p.opts.QueueSize)

	g.Go(func() error {
		defer close(jobs)
		defer close(ordered)
		return p.scan(gctx, stats, jobs, ordered)
	})
	for range p.opts.ParseWorkers {
		g.Go(func() error {
			for j := range jobs {
				j.done <- p.parse(gctx, j.file)
			}
			return nil
		})
	}
	for range p.opts.LoaderWorkers {
		g.Go(func() error {
			for j := range ordered {
				var res parsed
				select {
				case res = <-j.done:
				case <-gctx.Done():
					return gctx.Err()
				}
				if err := p.load(gctx, stats, j.file, res); err != nil {
					return err
				}
			}
			return nil
		})
	}

	err := g.Wait()
	p.log.Info("run finished", "stats", stats, "elapsed", time.Since(start))
	if err != nil {
		return stats, err
	}
	if n := stats.Failed(); n > 0 {
		return stats, fmt.Errorf("%w: %d file(s) not committed", domain.ErrRunIncomplete, n)
	}
	return stats, nil
}

func (p *Pipeline) scan(ctx context.Context, stats *Stats, jobs, ordered chan<- *job) error {
	for f, err := range p.scanner.Files(ctx) {
		if err != nil {
			if domain.Fatal(err) || ctx.Err() != nil {
				return err
			}
			stats.scanned.Add(1)
			reason := errsink.ReasonFileUnreadable
			if errors.Is(err, domain.ErrFileCorrupt) {
				reason = errsink.ReasonFileCorrupt
			}
			p.fail(ctx, stats, f, reason, err)
			continue
		}
		stats.scanned.Add(1)
		p.opts.Observer.FileScanned(f)

		done, err := p.ledger.IsCommitted(ctx, f.ID)
		if err != nil {
			return err
		}
		if done {
			stats.skipped.Add(1)
			p.opts.Observer.FileSkipped(f)
			p.log.Debug("already committed", "file", f.ID.Path)
			continue
		}
		if err := p.ledger.RecordAttempt(ctx, f.ID, f.Stat, p.opts.RunID); err != nil {
			return err
		}

		j := &job{file: f, done: make(chan parsed, 1)}
		select {
		case ordered <- j:
		case <-ctx.Done():
			return ctx.Err()
		}
		select {
		case jobs <- j:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (p *Pipeline) parse(ctx context.Context, f archive.File) parsed {
	if err := ctx.Err(); err != nil {
		return parsed{err: err}
	}
	rc, err := archive.Open(f)
	if err != nil {
		return parsed{reason: errsink.ReasonFileUnreadable, err: err}
	}
	defer rc.Close()

	b := normalize.NewBuilder(normalize.Source{File: f.ID, CapturedAt: f.CapturedAt})
	n := 0
	for rec, err := range snapshot.Parse(rc) {
		if err != nil {
			return parsed{reason: errsink.ReasonFileCorrupt, err: fmt.Errorf("%s: %w", f.ID.Path, err)}
		}
		b.Add(rec)
		if n++; n%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return parsed{err: err}
			}
		}
	}
	batch := b.Batch()
	return parsed{batch: &batch}
}

func (p *Pipeline) load(ctx context.Context, stats *Stats, f archive.File, res parsed) error {
	if res.err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.fail(ctx, stats, f, res.reason, res.err)
		return nil
	}
	b := res.batch

	// Malformed records are logged before the load so a sink outage leaves
	// the file uncommitted rather than silently dropping its defects.
	if len(b.Malformed) > 0 {
		entries := make([]errsink.Entry, len(b.Malformed))
		at := p.now().UTC()
		for i, m := range b.Malformed {
			entries[i] = errsink.FromMalformed(p.opts.RunID, f.ID.Key(), m, at)
		}
		if err := p.sink.Record(ctx, entries...); err != nil {
			p.fail(ctx, stats, f, reasonSinkUnavailable, err)
			return nil
		}
	}

	result, err := p.loader.LoadFile(ctx, b)
	switch {
	case errors.Is(err, domain.ErrAlreadyCommitted):
		stats.skipped.Add(1)
		p.opts.Observer.FileSkipped(f)
		p.log.Warn("file committed by another run", "file", f.ID.Path)
		return nil
	case err != nil:
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.fail(ctx, stats, f, errsink.ReasonTransactionFailed, err)
		return nil
	}

	stats.committed.Add(1)
	stats.malformed.Add(int64(len(b.Malformed)))
	stats.duplicates.Add(int64(b.Duplicates))
	stats.factRows.Add(int64(result.FactRows()))
	stats.dimRows.Add(int64(result.Stations + result.Bikes))
	p.opts.Observer.FileCommitted(f, result, len(b.Malformed))
	p.log.Info("file committed",
		"file", f.ID.Path,
		"snapshot_id", result.SnapshotID,
		"fact_rows", result.FactRows(),
		"malformed", len(b.Malformed),
		"elapsed", result.Elapsed)
	return nil
}

// fail reports a file that stays uncommitted for this run.
func (p *Pipeline) fail(ctx context.Context, stats *Stats, f archive.File, reason string, err error) {
	stats.failed.Add(1)
	switch reason {
	case errsink.ReasonFileCorrupt:
		stats.corrupt.Add(1)
	case errsink.ReasonFileUnreadable:
		stats.unreadable.Add(1)
	}
	p.log.Warn("file not committed", "file", f.ID.Path, "reason", reason, "err", err)
	p.opts.Observer.FileFailed(f, reason, err)

	entry := errsink.FileFailure(p.opts.RunID, f.ID.Key(), reason, err, p.now().UTC())
	if serr := p.sink.Record(context.WithoutCancel(ctx), entry); serr != nil {
		p.log.Error("error sink write failed", "file", f.ID.Path, "err", serr)
	}
}
