// Copyright 2026 The Helix Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

// Package prometheus wraps a metrics.Metrics provider with a Prometheus
// registry so that compile pipeline measurements can be scraped.
package prometheus

import (
	"encoding/json"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	dto "github.com/prometheus/client_model/go"

	"github.com/helixvm/helix/metrics"
)

// Provider wraps a metrics.Metrics provider with a Prometheus registry that
// instruments the module generation pipeline.
type Provider struct {
	registry          *prometheus.Registry
	durationHistogram *prometheus.HistogramVec
	islandCounter     *prometheus.CounterVec
	batchCounter      *prometheus.CounterVec
	inner             metrics.Metrics
	logger            loggerFunc
}

type loggerFunc func(attrs map[string]interface{}, f string, a ...interface{})

// New returns a new Provider object.
func New(inner metrics.Metrics, logger loggerFunc) *Provider {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	durationHistogram := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "wasm_compile_duration_seconds",
			Help: "A histogram of duration for function batch compilation.",
			Buckets: []float64{
				1e-6, // 1 microsecond
				5e-6,
				1e-5,
				5e-5,
				1e-4,
				5e-4,
				1e-3, // 1 millisecond
				0.01,
				0.1,
				1, // 1 second
			},
		},
		[]string{"tier"},
	)
	registry.MustRegister(durationHistogram)

	islandCounter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wasm_far_jump_islands",
			Help: "A count of far-jump islands emitted by the link editor.",
		},
		[]string{"tier"},
	)
	registry.MustRegister(islandCounter)

	batchCounter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wasm_compile_batches",
			Help: "A count of compile task batches launched.",
		},
		[]string{"tier"},
	)
	registry.MustRegister(batchCounter)

	return &Provider{
		registry:          registry,
		durationHistogram: durationHistogram,
		islandCounter:     islandCounter,
		batchCounter:      batchCounter,
		inner:             inner,
		logger:            logger,
	}
}

// Registry returns the underlying Prometheus registry for callers that want
// to mount a scrape handler.
func (p *Provider) Registry() *prometheus.Registry {
	return p.registry
}

// ObserveCompileDuration records the duration of one batch compilation.
func (p *Provider) ObserveCompileDuration(tier string, d time.Duration) {
	p.durationHistogram.With(prometheus.Labels{"tier": tier}).Observe(d.Seconds())
}

// IncrIslands adds the number of far-jump islands emitted in one link pass.
func (p *Provider) IncrIslands(tier string, n int) {
	p.islandCounter.With(prometheus.Labels{"tier": tier}).Add(float64(n))
}

// IncrBatches counts one launched compile batch.
func (p *Provider) IncrBatches(tier string) {
	p.batchCounter.With(prometheus.Labels{"tier": tier}).Inc()
}

// Info returns attributes that describe the metric provider.
func (*Provider) Info() metrics.Info {
	return metrics.Info{
		Name: "prometheus",
	}
}

// All returns the union of the inner metric provider and the underlying
// prometheus registry.
func (p *Provider) All() map[string]interface{} {

	all := p.inner.All()
	if all == nil {
		all = map[string]interface{}{}
	}

	families, err := p.registry.Gather()
	if err != nil && p.logger != nil {
		p.logger(map[string]interface{}{
			"err": err,
		}, "Failed to gather metrics from Prometheus registry.")
	}

	for _, f := range families {
		all[f.GetName()] = wrap{family: f}
	}

	return all
}

type wrap struct{ family *dto.MetricFamily }

func (w wrap) MarshalJSON() ([]byte, error) {
	return json.Marshal(w.family)
}

// MarshalJSON returns a JSON representation of the unioned metrics.
func (p *Provider) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.All())
}

// Timer returns a named timer.
func (p *Provider) Timer(name string) metrics.Timer {
	return p.inner.Timer(name)
}

// Counter returns a named counter.
func (p *Provider) Counter(name string) metrics.Counter {
	return p.inner.Counter(name)
}

// Histogram returns a named histogram.
func (p *Provider) Histogram(name string) metrics.Histogram {
	return p.inner.Histogram(name)
}

// Clear resets the inner metric provider. The Prometheus registry does not
// expose an interface to clear the metrics so this call has no affect on
// metrics tracked by Prometheus.
func (p *Provider) Clear() {
	p.inner.Clear()
}

// Register registers a collector on the provider's registry.
func (p *Provider) Register(c prometheus.Collector) error {
	return p.registry.Register(c)
}

// MustRegister registers collectors on the provider's registry and panics
// when an error occurs.
func (p *Provider) MustRegister(cs ...prometheus.Collector) {
	p.registry.MustRegister(cs...)
}

// Unregister unregisters a collector from the provider's registry.
func (p *Provider) Unregister(c prometheus.Collector) bool {
	return p.registry.Unregister(c)
}
