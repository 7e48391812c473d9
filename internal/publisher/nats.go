package publisher

import (
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"bikeshare-etl/internal/archive"
	"bikeshare-etl/internal/loader"
)

// NATSPublisher announces ingest and rebuild outcomes on NATS subjects under
// a configurable prefix. It implements the pipeline observer hooks; publish
// failures are counted and logged, never returned to the pipeline.
type NATSPublisher struct {
	nc      *nats.Conn
	prefix  string
	runID   string
	metrics PublisherMetrics
	log     *slog.Logger
}

type PublisherMetrics interface {
	NATSPublishedInc()
	NATSPublishErrInc()
	PublishObserve(d time.Duration)
	NATSSetConnected(connected bool)
}

func NewNATSPublisher(url, prefix, runID string, m PublisherMetrics, log *slog.Logger) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("bikeshare-etl"),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Warn("nats disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(true)
			}
			log.Info("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Info("nats closed")
		}),
	)
	if err != nil {
		return nil, err
	}
	if m != nil {
		m.NATSSetConnected(true)
	}
	return &NATSPublisher{nc: nc, prefix: prefix, runID: runID, metrics: m, log: log}, nil
}

func (p *NATSPublisher) Close() {
	if p.nc != nil {
		_ = p.nc.Drain()
		p.nc.Close()
	}
}

type CommittedEvent struct {
	RunID         string    `json:"runId"`
	File          string    `json:"file"`
	SnapshotID    int64     `json:"snapshotId"`
	Stations      int       `json:"stations"`
	Bikes         int       `json:"bikes"`
	StationStates int       `json:"stationStates"`
	Locations     int       `json:"locations"`
	Malformed     int       `json:"malformed"`
	ElapsedMs     int64     `json:"elapsedMs"`
	Timestamp     time.Time `json:"timestamp"`
}

type FailedEvent struct {
	RunID     string    `json:"runId"`
	File      string    `json:"file"`
	Reason    string    `json:"reason"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type TripsRebuiltEvent struct {
	RunID     string    `json:"runId"`
	Bikes     int64     `json:"bikes"`
	Trips     int64     `json:"trips"`
	ElapsedMs int64     `json:"elapsedMs"`
	Timestamp time.Time `json:"timestamp"`
}

func (p *NATSPublisher) FileScanned(archive.File) {}
func (p *NATSPublisher) FileSkipped(archive.File) {}

func (p *NATSPublisher) FileCommitted(f archive.File, res loader.Result, malformed int) {
	p.publish(subject(p.prefix, "ingest", "committed"), committedEvent(p.runID, f, res, malformed, time.Now()))
}

func (p *NATSPublisher) FileFailed(f archive.File, reason string, err error) {
	ev := FailedEvent{RunID: p.runID, File: f.ID.Key(), Reason: reason, Timestamp: time.Now().UTC()}
	if err != nil {
		ev.Error = err.Error()
	}
	p.publish(subject(p.prefix, "ingest", "failed"), ev)
}

func (p *NATSPublisher) TripsRebuilt(bikes, trips int64, elapsed time.Duration) {
	p.publish(subject(p.prefix, "trips", "rebuilt"), TripsRebuiltEvent{
		RunID:     p.runID,
		Bikes:     bikes,
		Trips:     trips,
		ElapsedMs: elapsed.Milliseconds(),
		Timestamp: time.Now().UTC(),
	})
}

func (p *NATSPublisher) publish(subj string, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		p.log.Error("encode event", "subject", subj, "err", err)
		return
	}
	start := time.Now()
	err = p.nc.Publish(subj, b)
	if p.metrics != nil {
		p.metrics.PublishObserve(time.Since(start))
		if err != nil {
			p.metrics.NATSPublishErrInc()
		} else {
			p.metrics.NATSPublishedInc()
		}
	}
	if err != nil {
		p.log.Warn("nats publish failed", "subject", subj, "err", err)
		return
	}
	p.log.Debug("nats publish", "subject", subj)
}

func committedEvent(runID string, f archive.File, res loader.Result, malformed int, now time.Time) CommittedEvent {
	return CommittedEvent{
		RunID:         runID,
		File:          f.ID.Key(),
		SnapshotID:    int64(res.SnapshotID),
		Stations:      res.Stations,
		Bikes:         res.Bikes,
		StationStates: res.StationStates,
		Locations:     res.Locations,
		Malformed:     malformed,
		ElapsedMs:     res.Elapsed.Milliseconds(),
		Timestamp:     now.UTC(),
	}
}

// subject joins tokens with '.', sanitising each one. A prefix may itself
// contain dots to nest under an existing hierarchy.
func subject(prefix string, tokens ...string) string {
	var parts []string
	for _, t := range strings.Split(prefix, ".") {
		if strings.TrimSpace(t) != "" {
			parts = append(parts, subjectToken(t))
		}
	}
	for _, t := range tokens {
		parts = append(parts, subjectToken(t))
	}
	return strings.Join(parts, ".")
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS token cannot contain spaces, '>', '*', or trailing '.'
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
