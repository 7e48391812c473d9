package pipeline

import (
	"bikeshare-etl/internal/archive"
	"bikeshare-etl/internal/loader"
)

// Observer is notified of per-file outcomes. Implementations must be safe
// for concurrent use and must not block.
type Observer interface {
	FileScanned(f archive.File)
	FileSkipped(f archive.File)
	FileCommitted(f archive.File, res loader.Result, malformed int)
	FileFailed(f archive.File, reason string, err error)
}

type nopObserver struct{}

func (nopObserver) FileScanned(archive.File)                       {}
func (nopObserver) FileSkipped(archive.File)                       {}
func (nopObserver) FileCommitted(archive.File, loader.Result, int) {}
func (nopObserver) FileFailed(archive.File, string, error)         {}

type observers []Observer

// Observers fans notifications out in order. Nil entries are ignored.
func Observers(obs ...Observer) Observer {
	out := make(observers, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			out = append(out, o)
		}
	}
	return out
}

func (m observers) FileScanned(f archive.File) {
	for _, o := range m {
		o.FileScanned(f)
	}
}

func (m observers) FileSkipped(f archive.File) {
	for _, o := range m {
		o.FileSkipped(f)
	}
}

func (m observers) FileCommitted(f archive.File, res loader.Result, malformed int) {
	for _, o := range m {
		o.FileCommitted(f, res, malformed)
	}
}

func (m observers) FileFailed(f archive.File, reason string, err error) {
	for _, o := range m {
		o.FileFailed(f, reason, err)
	}
}
