// Package stats is the instrumentation layer over go-metrics. A
// StatsReceiver is passed down the call tree and scoped at each level, so
// the fleet manager, the reuse engine and the Slurm client each write under
// their own prefix of one registry.
package stats

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/rcrowley/go-metrics"
	log "github.com/sirupsen/logrus"
)

// StatsReceiver records instruments under a '/'-separated name. Slashes
// inside name elements become "_SLASH_".
type StatsReceiver interface {
	// Scope prefixes every name:
	//
	//   stat.Scope("slurm").Counter("submits")  // same as stat.Counter("slurm", "submits")
	Scope(scope ...string) StatsReceiver

	Counter(name ...string) Counter
	// Latency is a histogram of durations rendered in milliseconds.
	Latency(name ...string) Latency
	Gauge(name ...string) Gauge

	// Render marshals every instrument as flat JSON.
	Render(pretty bool) []byte
}

type Counter interface {
	Count() int64
	Inc(int64)
}

type Gauge interface {
	Update(int64)
	Value() int64
}

// Latency measures one callsite:
//
//   defer stat.Latency("tick_ms").Time().Stop()
type Latency interface {
	Time() Latency
	Stop()
	Count() int64
}

// DefaultStatsReceiver returns a receiver over a fresh registry.
func DefaultStatsReceiver() StatsReceiver {
	return &receiver{registry: metrics.NewRegistry()}
}

type receiver struct {
	registry metrics.Registry
	scope    []string
}

func (s *receiver) Scope(scope ...string) StatsReceiver {
	return &receiver{registry: s.registry, scope: s.scoped(scope...)}
}

func (s *receiver) Counter(name ...string) Counter {
	return s.registry.GetOrRegister(s.name(name...), func() Counter {
		return &counter{metrics.NewCounter()}
	}).(Counter)
}

func (s *receiver) Gauge(name ...string) Gauge {
	return s.registry.GetOrRegister(s.name(name...), func() Gauge {
		return &gauge{metrics.NewGauge()}
	}).(Gauge)
}

func (s *receiver) Latency(name ...string) Latency {
	return s.registry.GetOrRegister(s.name(name...), newLatency()).(Latency)
}

func (s *receiver) Render(pretty bool) []byte {
	snapshot := flatten(s.registry)
	var out []byte
	var err error
	if pretty {
		out, err = json.MarshalIndent(snapshot, "", "  ")
	} else {
		out, err = json.Marshal(snapshot)
	}
	if err != nil {
		log.Errorf("stats cannot be marshaled: %v", err)
		return []byte{}
	}
	return out
}

func (s *receiver) scoped(scope ...string) []string {
	out := append([]string(nil), s.scope...)
	for _, elem := range scope {
		out = append(out, strings.ReplaceAll(elem, "/", "_SLASH_"))
	}
	return out
}

func (s *receiver) name(name ...string) string {
	return strings.Join(s.scoped(name...), "/")
}

type counter struct{ metrics.Counter }

type gauge struct{ metrics.Gauge }

type latency struct {
	metrics.Histogram
	start time.Time
}

func newLatency() *latency {
	return &latency{Histogram: metrics.NewHistogram(metrics.NewUniformSample(1000))}
}

func (l *latency) Time() Latency { l.start = time.Now(); return l }
func (l *latency) Stop()         { l.Update(time.Since(l.start).Nanoseconds()) }

var percentiles = []float64{0.5, 0.9, 0.99}
var percentileLabels = []string{"p50", "p90", "p99"}

// flatten renders each instrument as top-level "name" or "name.<stat>" keys.
func flatten(r metrics.Registry) map[string]interface{} {
	data := make(map[string]interface{})
	r.Each(func(name string, i interface{}) {
		switch m := i.(type) {
		case *counter:
			data[name] = m.Count()
		case *gauge:
			data[name] = m.Value()
		case *latency:
			h := m.Histogram.Snapshot()
			ms := float64(time.Millisecond)
			data[name+".count"] = h.Count()
			data[name+".avg"] = h.Mean() / ms
			data[name+".max"] = float64(h.Max()) / ms
			for idx, p := range h.Percentiles(percentiles) {
				data[name+"."+percentileLabels[idx]] = p / ms
			}
		default:
			log.Debugf("unrecognized instrument %s %T", name, i)
		}
	})
	return data
}

// NilStatsReceiver ignores everything.
func NilStatsReceiver() StatsReceiver {
	return nilReceiver{}
}

type nilReceiver struct{}

func (s nilReceiver) Scope(scope ...string) StatsReceiver { return s }
func (nilReceiver) Counter(name ...string) Counter        { return &counter{metrics.NilCounter{}} }
func (nilReceiver) Gauge(name ...string) Gauge            { return &gauge{metrics.NilGauge{}} }
func (nilReceiver) Latency(name ...string) Latency        { return nilLatency{} }
func (nilReceiver) Render(pretty bool) []byte             { return []byte{} }

type nilLatency struct{}

func (l nilLatency) Time() Latency { return l }
func (nilLatency) Stop()           {}
func (nilLatency) Count() int64    { return 0 }
