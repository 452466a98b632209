// Package stats exposes the statistics object described in spec.md
// §6.4: a mutable counters/histograms bundle passed around by
// reference and never structurally locked (each field is a
// rcrowley/go-metrics Counter, Histogram or Gauge, all of which are
// already safe for concurrent use).
//
// Grounded on github.com/rcrowley/go-metrics, used for exactly this
// purpose in Skipor-memcached/integration_test/load_test.go and
// present in ValentinKolb-dKV's dependency set.
package stats

import metrics "github.com/rcrowley/go-metrics"

const histogramSampleSize = 1028

func newHistogram() metrics.Histogram {
	return metrics.NewHistogram(metrics.NewUniformSample(histogramSampleSize))
}

// Stats is the statistics object bound into an ep store at
// construction. All fields are safe for concurrent access; nothing in
// this struct is guarded by a mutex.
type Stats struct {
	TotalEnqueued   metrics.Counter
	FlusherTodo     metrics.Counter
	QueueSize       metrics.Counter
	BGFetched       metrics.Counter
	FlushDuration   metrics.Histogram
	CommitTime      metrics.Histogram
	NumValueEjects  metrics.Counter
	NumNonResident  metrics.Counter
	WarmDups        metrics.Counter
	WarmOOM         metrics.Counter
	WarmedUp        metrics.Counter
	DirtyAge        metrics.Histogram
	DataAge         metrics.Histogram
	FlushFailed     metrics.Counter
	FlushExpired    metrics.Counter
	TooOld          metrics.Counter
	TooYoung        metrics.Counter
	CommitFailed    metrics.Counter
	FlusherCommits  metrics.Counter
	FlusherPreempts metrics.Counter
	NumNotMyVBucket metrics.Counter
	VBucketsDeleted metrics.Counter

	DiskInsertHisto metrics.Histogram
	DiskUpdateHisto metrics.Histogram
	DiskDelHisto    metrics.Histogram
	DiskCommitHisto metrics.Histogram
	DiskVBDelHisto  metrics.Histogram
	BGWaitHisto     metrics.Histogram
	BGLoadHisto     metrics.Histogram

	MemOverhead    metrics.Gauge
	TotalCacheSize metrics.Gauge
	CurrentSize    metrics.Gauge
}

// New returns a freshly zeroed Stats bundle.
func New() *Stats {
	return &Stats{
		TotalEnqueued:   metrics.NewCounter(),
		FlusherTodo:     metrics.NewCounter(),
		QueueSize:       metrics.NewCounter(),
		BGFetched:       metrics.NewCounter(),
		FlushDuration:   newHistogram(),
		CommitTime:      newHistogram(),
		NumValueEjects:  metrics.NewCounter(),
		NumNonResident:  metrics.NewCounter(),
		WarmDups:        metrics.NewCounter(),
		WarmOOM:         metrics.NewCounter(),
		WarmedUp:        metrics.NewCounter(),
		DirtyAge:        newHistogram(),
		DataAge:         newHistogram(),
		FlushFailed:     metrics.NewCounter(),
		FlushExpired:    metrics.NewCounter(),
		TooOld:          metrics.NewCounter(),
		TooYoung:        metrics.NewCounter(),
		CommitFailed:    metrics.NewCounter(),
		FlusherCommits:  metrics.NewCounter(),
		FlusherPreempts: metrics.NewCounter(),
		NumNotMyVBucket: metrics.NewCounter(),
		VBucketsDeleted: metrics.NewCounter(),

		DiskInsertHisto: newHistogram(),
		DiskUpdateHisto: newHistogram(),
		DiskDelHisto:    newHistogram(),
		DiskCommitHisto: newHistogram(),
		DiskVBDelHisto:  newHistogram(),
		BGWaitHisto:     newHistogram(),
		BGLoadHisto:     newHistogram(),

		MemOverhead:    metrics.NewGauge(),
		TotalCacheSize: metrics.NewGauge(),
		CurrentSize:    metrics.NewGauge(),
	}
}
