// Package archive enumerates snapshot files under an archive root and opens
// them with transparent decompression.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"bikeshare-etl/internal/domain"
)

// ErrUnreadable marks a single file that could not be read. It is reported
// and skipped; it never aborts the scan.
var ErrUnreadable = errors.New("file unreadable")

type Encoding int

const (
	Plain Encoding = iota
	Gzip
	Zstd
)

func (e Encoding) String() string {
	switch e {
	case Gzip:
		return "gzip"
	case Zstd:
		return "zstd"
	default:
		return "plain"
	}
}

// File describes one candidate snapshot file.
type File struct {
	Path       string // absolute path on disk
	ID         domain.FileID
	Encoding   Encoding
	Size       int64
	Stat       domain.FileStat
	CapturedAt time.Time
	Ordinal    int // position in scan order, starting at 0
}

func (f File) Name() string { return filepath.Base(f.Path) }

// Fingerprints resolves the signature of a committed file whose path and
// stat are unchanged, so the scanner need not read it again.
type Fingerprints interface {
	CommittedSignature(ctx context.Context, path string, stat domain.FileStat) (uint64, bool, error)
}

// Scanner walks an archive root in lexicographic path order.
type Scanner struct {
	root string
	loc  *time.Location
	fp   Fingerprints
	log  *slog.Logger
}

func NewScanner(root string, loc *time.Location, logger *slog.Logger) *Scanner {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{root: root, loc: loc, log: logger.With("component", "scanner")}
}

// WithFingerprints makes the scanner reuse known signatures instead of
// hashing unchanged files. A lookup error ends the scan.
func (s *Scanner) WithFingerprints(fp Fingerprints) *Scanner {
	s.fp = fp
	return s
}

// Files returns a lazy sequence of snapshot files. Each call restarts the
// walk from the beginning. A non-nil error wrapping domain.ErrFatalIO ends
// the sequence; errors wrapping ErrUnreadable or domain.ErrFileCorrupt
// describe a single skipped file and the walk continues.
func (s *Scanner) Files(ctx context.Context) iter.Seq2[File, error] {
	return func(yield func(File, error) bool) {
		if _, err := os.ReadDir(s.root); err != nil {
			yield(File{}, fmt.Errorf("%w: %s: %v", domain.ErrFatalIO, s.root, err))
			return
		}
		ordinal := 0
		stopped := false
		walkErr := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			rel, _ := filepath.Rel(s.root, path)
			if err != nil {
				if path == s.root {
					return err
				}
				s.log.Warn("skipping unreadable entry", "path", rel, "error", err)
				if !yield(File{Path: path, ID: domain.FileID{Path: rel}}, fmt.Errorf("%w: %s: %v", ErrUnreadable, rel, err)) {
					stopped = true
					return filepath.SkipAll
				}
				if d != nil && d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if d.IsDir() || !d.Type().IsRegular() {
				return nil
			}
			enc, ok := DetectEncoding(d.Name())
			if !ok {
				return nil
			}

			f, ferr := s.describe(ctx, path, rel, d, enc)
			if ferr == nil {
				f.Ordinal = ordinal
				ordinal++
			}
			if !yield(f, ferr) {
				stopped = true
				return filepath.SkipAll
			}
			return nil
		})
		if walkErr != nil && !stopped {
			if errors.Is(walkErr, context.Canceled) || errors.Is(walkErr, context.DeadlineExceeded) {
				yield(File{}, walkErr)
				return
			}
			yield(File{}, fmt.Errorf("%w: %s: %v", domain.ErrFatalIO, s.root, walkErr))
		}
	}
}

func (s *Scanner) describe(ctx context.Context, path, rel string, d fs.DirEntry, enc Encoding) (File, error) {
	f := File{Path: path, ID: domain.FileID{Path: filepath.ToSlash(rel)}, Encoding: enc}

	at, repeated, err := parseCaptureTime(filepath.Base(path), s.loc)
	if err != nil {
		return f, fmt.Errorf("%w: %s: %v", domain.ErrFileCorrupt, rel, err)
	}
	if repeated {
		s.log.Warn("capture time falls in a repeated hour, using the earlier instant",
			"path", rel, "captured_at", at, "zone", s.loc.String())
	}
	f.CapturedAt = at

	info, err := d.Info()
	if err != nil {
		s.log.Warn("skipping unreadable file", "path", rel, "error", err)
		return f, fmt.Errorf("%w: %s: %v", ErrUnreadable, rel, err)
	}
	f.Stat = domain.NewFileStat(info.Size(), info.ModTime())

	if s.fp != nil {
		sig, ok, err := s.fp.CommittedSignature(ctx, f.ID.Path, f.Stat)
		if err != nil {
			return f, err
		}
		if ok {
			f.ID.Signature = sig
			f.Size = f.Stat.Size
			return f, nil
		}
	}

	sig, size, err := signature(path)
	if err != nil {
		s.log.Warn("skipping unreadable file", "path", rel, "error", err)
		return f, fmt.Errorf("%w: %s: %v", ErrUnreadable, rel, err)
	}
	f.ID.Signature = sig
	f.Size = size
	return f, nil
}

// signature hashes the raw (still compressed) bytes of a file.
func signature(path string) (uint64, int64, error) {
	fh, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer fh.Close()
	h := xxhash.New()
	n, err := io.Copy(h, fh)
	if err != nil {
		return 0, 0, err
	}
	return h.Sum64(), n, nil
}

// DetectEncoding maps a file name to its encoding. ok is false for files
// that are not snapshot candidates.
func DetectEncoding(name string) (Encoding, bool) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json":
		return Plain, true
	case ".gz":
		return Gzip, true
	case ".zst":
		return Zstd, true
	}
	return Plain, false
}

const captureLayout = "20060102_150405"

// ParseCaptureTime extracts the capture timestamp from names shaped like
// <prefix>_YYYYMMDD_HHMMSS[_...].json[.gz|.zst]. The timestamp is a wall
// clock in loc. A wall clock that occurs twice, in the hour repeated when
// daylight saving ends, resolves to the earlier instant.
func ParseCaptureTime(name string, loc *time.Location) (time.Time, error) {
	at, _, err := parseCaptureTime(name, loc)
	return at, err
}

func parseCaptureTime(name string, loc *time.Location) (time.Time, bool, error) {
	base := name
	for {
		ext := filepath.Ext(base)
		switch strings.ToLower(ext) {
		case ".gz", ".zst", ".json":
			base = strings.TrimSuffix(base, ext)
			continue
		}
		break
	}
	parts := strings.Split(base, "_")
	if len(parts) < 3 {
		return time.Time{}, false, fmt.Errorf("no capture timestamp in %q", name)
	}
	wall, err := time.Parse(captureLayout, parts[1]+"_"+parts[2])
	if err != nil {
		return time.Time{}, false, fmt.Errorf("bad capture timestamp in %q: %w", name, err)
	}
	at, repeated := resolveWallClock(wall, loc)
	return at, repeated, nil
}

// resolveWallClock maps a wall clock, given as a UTC time, to the earliest
// instant in loc that shows it. repeated reports whether more than one
// instant does. A wall clock skipped by a forward transition keeps the
// normalization of time.Date.
func resolveWallClock(wall time.Time, loc *time.Location) (time.Time, bool) {
	at := time.Date(wall.Year(), wall.Month(), wall.Day(), wall.Hour(), wall.Minute(), wall.Second(), 0, loc)
	offsets := map[int]struct{}{}
	for _, d := range []time.Duration{-12 * time.Hour, 0, 12 * time.Hour} {
		_, off := at.Add(d).Zone()
		offsets[off] = struct{}{}
	}
	var (
		earliest time.Time
		matches  int
	)
	for off := range offsets {
		cand := wall.Add(-time.Duration(off) * time.Second).In(loc)
		if !sameWallClock(cand, wall) {
			continue
		}
		if matches == 0 || cand.Before(earliest) {
			earliest = cand
		}
		matches++
	}
	if matches == 0 {
		return at, false
	}
	return earliest, matches > 1
}

func sameWallClock(t, wall time.Time) bool {
	y, m, d := t.Date()
	wy, wm, wd := wall.Date()
	return y == wy && m == wm && d == wd &&
		t.Hour() == wall.Hour() && t.Minute() == wall.Minute() && t.Second() == wall.Second()
}
