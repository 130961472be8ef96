package prometheus

import (
	"net/http"

	"github.com/okiedoc/viewgate"
	"github.com/okiedoc/viewgate/metrics/export/internaldefs"
	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsSource is what the exporter reads on every scrape. *viewgate.Gate satisfies it.
type MetricsSource interface {
	MetricsSnapshot() viewgate.MetricsSnapshot
	AuditDropped() uint64
}

type counterDesc struct {
	id   viewgate.MetricID
	desc *promclient.Desc
}

type histogramDesc struct {
	id   viewgate.MetricID
	desc *promclient.Desc
}

// Exporter is a prometheus.Collector that turns a viewgate metrics snapshot into const
// metrics at scrape time.
type Exporter struct {
	source       MetricsSource
	counters     []counterDesc
	histograms   []histogramDesc
	auditDropped *promclient.Desc
}

// NewExporter creates a collector reading from source.
func NewExporter(source MetricsSource) *Exporter {
	e := &Exporter{
		source:       source,
		counters:     make([]counterDesc, 0, len(internaldefs.CounterDefs)),
		histograms:   make([]histogramDesc, 0, len(internaldefs.HistogramDefs)),
		auditDropped: promclient.NewDesc(internaldefs.AuditDroppedName, "Audit events dropped due to dispatcher backpressure.", nil, nil),
	}
	for _, def := range internaldefs.CounterDefs {
		e.counters = append(e.counters, counterDesc{id: def.ID, desc: promclient.NewDesc(def.Name, def.Help, nil, nil)})
	}
	for _, def := range internaldefs.HistogramDefs {
		e.histograms = append(e.histograms, histogramDesc{id: def.ID, desc: promclient.NewDesc(def.Name, def.Help, nil, nil)})
	}
	return e
}

// Describe implements prometheus.Collector.
func (e *Exporter) Describe(ch chan<- *promclient.Desc) {
	for _, c := range e.counters {
		ch <- c.desc
	}
	for _, h := range e.histograms {
		ch <- h.desc
	}
	ch <- e.auditDropped
}

// Collect implements prometheus.Collector.
func (e *Exporter) Collect(ch chan<- promclient.Metric) {
	if e.source == nil {
		return
	}
	snap := e.source.MetricsSnapshot()

	for _, c := range e.counters {
		ch <- promclient.MustNewConstMetric(c.desc, promclient.CounterValue, float64(snap.Counters[c.id]))
	}

	for _, h := range e.histograms {
		cumulative := internaldefs.CumulativeBuckets(internaldefs.NormalizeBuckets(snap.Histograms[h.id]))
		last := len(cumulative) - 1
		buckets := make(map[float64]uint64, last)
		for i := 0; i < last; i++ {
			buckets[internaldefs.HistogramUpperBounds[i]] = cumulative[i]
		}
		sum := snap.HistogramSums[h.id].Seconds()
		ch <- promclient.MustNewConstHistogram(h.desc, cumulative[last], sum, buckets)
	}

	ch <- promclient.MustNewConstMetric(e.auditDropped, promclient.CounterValue, float64(e.source.AuditDropped()))
}

// Register adds the exporter to reg, or to the default registerer when reg is nil.
func Register(reg promclient.Registerer, source MetricsSource) (*Exporter, error) {
	if reg == nil {
		reg = promclient.DefaultRegisterer
	}
	e := NewExporter(source)
	if err := reg.Register(e); err != nil {
		return nil, err
	}
	return e, nil
}

// Handler serves the gathered metrics of reg in the Prometheus exposition format.
func Handler(reg *promclient.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
