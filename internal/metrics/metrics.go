package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"bikeshare-etl/internal/archive"
	"bikeshare-etl/internal/domain"
	"bikeshare-etl/internal/loader"
)

type Collector struct {
	reg *prometheus.Registry

	FilesScanned   prometheus.Counter
	FilesSkipped   prometheus.Counter
	FilesCommitted prometheus.Counter
	FilesFailed    *prometheus.CounterVec // reason label

	MalformedRecords prometheus.Counter
	RowsLoaded       *prometheus.CounterVec // table label

	CommitDuration prometheus.Histogram
	LastSnapshotID prometheus.Gauge

	TripsWritten       prometheus.Counter
	TripRebuildSeconds prometheus.Histogram

	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSConnected   prometheus.Gauge
	PublishDuration prometheus.Histogram

	ParseWorkers  prometheus.Gauge
	LoaderWorkers prometheus.Gauge
}

func NewCollector(parseWorkers, loaderWorkers int) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		FilesScanned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bikeshare_etl_files_scanned_total",
			Help: "Archive files found by the scanner.",
		}),
		FilesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bikeshare_etl_files_skipped_total",
			Help: "Files skipped because the ledger lists them as committed.",
		}),
		FilesCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bikeshare_etl_files_committed_total",
			Help: "Files whose transaction committed.",
		}),
		FilesFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bikeshare_etl_files_failed_total",
			Help: "Files left uncommitted, by reason.",
		}, []string{"reason"}),
		MalformedRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bikeshare_etl_malformed_records_total",
			Help: "Records sent to the error sink.",
		}),
		RowsLoaded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bikeshare_etl_rows_loaded_total",
			Help: "Rows written by committed files.",
		}, []string{"table"}),
		CommitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bikeshare_etl_file_commit_duration_seconds",
			Help:    "Time from transaction begin to commit for one file.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 15),
		}),
		LastSnapshotID: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bikeshare_etl_last_snapshot_id",
			Help: "Snapshot id of the most recently committed file.",
		}),
		TripsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bikeshare_etl_trips_written_total",
			Help: "Trips written by rebuilds.",
		}),
		TripRebuildSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bikeshare_etl_trip_rebuild_duration_seconds",
			Help:    "Duration of a trip rebuild.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 15),
		}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bikeshare_etl_nats_published_total",
			Help: "Total NATS messages published.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bikeshare_etl_nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bikeshare_etl_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bikeshare_etl_publish_duration_seconds",
			Help:    "Duration to marshal and publish a NATS message.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		ParseWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bikeshare_etl_parse_workers",
			Help: "Configured parse workers.",
		}),
		LoaderWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bikeshare_etl_loader_workers",
			Help: "Configured loader workers.",
		}),
	}

	reg.MustRegister(
		c.FilesScanned, c.FilesSkipped, c.FilesCommitted, c.FilesFailed,
		c.MalformedRecords, c.RowsLoaded, c.CommitDuration, c.LastSnapshotID,
		c.TripsWritten, c.TripRebuildSeconds,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected, c.PublishDuration,
		c.ParseWorkers, c.LoaderWorkers,
	)

	c.ParseWorkers.Set(float64(parseWorkers))
	c.LoaderWorkers.Set(float64(loaderWorkers))

	return c
}

// Pipeline observer.

func (c *Collector) FileScanned(archive.File) { c.FilesScanned.Inc() }
func (c *Collector) FileSkipped(archive.File) { c.FilesSkipped.Inc() }

func (c *Collector) FileCommitted(_ archive.File, res loader.Result, malformed int) {
	c.FilesCommitted.Inc()
	c.MalformedRecords.Add(float64(malformed))
	c.RowsLoaded.WithLabelValues("station").Add(float64(res.Stations))
	c.RowsLoaded.WithLabelValues("bike").Add(float64(res.Bikes))
	c.RowsLoaded.WithLabelValues("station_state").Add(float64(res.StationStates))
	c.RowsLoaded.WithLabelValues("bike_location").Add(float64(res.Locations))
	c.CommitDuration.Observe(res.Elapsed.Seconds())
	c.LastSnapshotID.Set(float64(res.SnapshotID))
}

func (c *Collector) FileFailed(_ archive.File, reason string, _ error) {
	c.FilesFailed.WithLabelValues(reason).Inc()
}

// LastSnapshotSource reports the newest committed snapshot id.
type LastSnapshotSource interface {
	LastSnapshotID(ctx context.Context) (domain.SnapshotID, bool, error)
}

// SeedLastSnapshotID sets the last snapshot gauge from the ledger so it is
// meaningful before the first commit of a run.
func (c *Collector) SeedLastSnapshotID(ctx context.Context, src LastSnapshotSource) error {
	id, ok, err := src.LastSnapshotID(ctx)
	if err != nil {
		return err
	}
	if ok {
		c.LastSnapshotID.Set(float64(id))
	}
	return nil
}

func (c *Collector) TripsRebuilt(trips int64, elapsed time.Duration) {
	c.TripsWritten.Add(float64(trips))
	c.TripRebuildSeconds.Observe(elapsed.Seconds())
}

// Publisher metrics.

func (c *Collector) NATSPublishedInc()              { c.NATSPublished.Inc() }
func (c *Collector) NATSPublishErrInc()             { c.NATSPublishErrs.Inc() }
func (c *Collector) PublishObserve(d time.Duration) { c.PublishDuration.Observe(d.Seconds()) }

func (c *Collector) NATSSetConnected(connected bool) {
	if connected {
		c.NATSConnected.Set(1)
	} else {
		c.NATSConnected.Set(0)
	}
}

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string, log *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server error", "err", err)
		}
	}()
	log.Info("metrics listening", "addr", addr)
	return srv
}
