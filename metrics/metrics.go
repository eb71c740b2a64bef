// Package metrics wires the torrent core's counters and gauges into a
// tally.Scope, falling back to a no-op reporter when metrics are
// disabled in config.
package metrics

import (
	"fmt"
	"io"
	"time"

	"github.com/uber-go/tally"

	"github.com/gopherlabs/bittorrent-core/config"
)

func log(kind, name string, value interface{}) {
	fmt.Printf("%s %s %v\n", kind, name, value)
}

// New builds a tally.Scope per cfg.Backend. An empty or "none" backend
// disables reporting entirely; any other value uses the stdout reporter
// this client ships with (a real statsd/M3 backend is a deployment
// concern outside this package's scope).
func New(cfg config.MetricsConfig) (tally.Scope, io.Closer) {
	if cfg.Backend == "" || cfg.Backend == "none" {
		return tally.NewRootScope(tally.ScopeOptions{
			Reporter: disabledReporter{},
		}, time.Second)
	}
	return tally.NewRootScope(tally.ScopeOptions{
		Prefix:   "torrentcore",
		Reporter: stdoutReporter{},
	}, time.Second)
}

// Names of the counters and gauges components report into.
const (
	TrackerAnnounceSuccess = "tracker.announce.success"
	TrackerAnnounceFailure = "tracker.announce.failure"
	PeerSessionsActive     = "peer.sessions.active"
	PieceVerified          = "piece.verified"
	PieceCorrupt           = "piece.corrupt"
	BytesDownloaded        = "bytes.downloaded"
)

type disabledReporter struct{}

func (disabledReporter) ReportCounter(string, map[string]string, int64)       {}
func (disabledReporter) ReportGauge(string, map[string]string, float64)       {}
func (disabledReporter) ReportTimer(string, map[string]string, time.Duration) {}
func (disabledReporter) ReportHistogramValueSamples(
	string, map[string]string, tally.Buckets, float64, float64, int64) {
}
func (disabledReporter) ReportHistogramDurationSamples(
	string, map[string]string, tally.Buckets, time.Duration, time.Duration, int64) {
}
func (r disabledReporter) Capabilities() tally.Capabilities { return r }
func (disabledReporter) Reporting() bool                    { return false }
func (disabledReporter) Tagging() bool                      { return false }
func (disabledReporter) Flush()                             {}

type stdoutReporter struct{}

func (stdoutReporter) ReportCounter(name string, _ map[string]string, value int64) {
	log("counter", name, value)
}
func (stdoutReporter) ReportGauge(name string, _ map[string]string, value float64) {
	log("gauge", name, value)
}
func (stdoutReporter) ReportTimer(name string, _ map[string]string, interval time.Duration) {
	log("timer", name, interval)
}
func (stdoutReporter) ReportHistogramValueSamples(
	name string, _ map[string]string, _ tally.Buckets, lower, upper float64, samples int64) {
	log("histogram", name, samples)
}
func (stdoutReporter) ReportHistogramDurationSamples(
	name string, _ map[string]string, _ tally.Buckets, lower, upper time.Duration, samples int64) {
	log("histogram", name, samples)
}
func (r stdoutReporter) Capabilities() tally.Capabilities { return r }
func (stdoutReporter) Reporting() bool                    { return true }
func (stdoutReporter) Tagging() bool                      { return false }
func (stdoutReporter) Flush()                             {}
