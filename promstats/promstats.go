// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package promstats exports the integer metrics of a messenger to a
// Prometheus registry.
package promstats

import (
	"expvar"
	"fmt"
	"slices"

	"github.com/prometheus/client_golang/prometheus"
)

// Options control how metrics are named when exported.
type Options struct {
	Namespace string   // e.g., "msgq"
	Subsystem string   // e.g., "messenger"
	Gauges    []string // names reported as gauges; all others are counters

	// Labels, if set, are attached as constant labels to every metric.
	Labels prometheus.Labels
}

// Collectors returns a collector for each *expvar.Int value in m. Values of
// other types are skipped. The collectors read the current value of each
// variable when they are collected.
func Collectors(m *expvar.Map, opts Options) []prometheus.Collector {
	var out []prometheus.Collector
	m.Do(func(kv expvar.KeyValue) {
		v, ok := kv.Value.(*expvar.Int)
		if !ok {
			return
		}
		value := func() float64 { return float64(v.Value()) }
		help := fmt.Sprintf("Value of metric %q.", kv.Key)
		if slices.Contains(opts.Gauges, kv.Key) {
			out = append(out, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace:   opts.Namespace,
				Subsystem:   opts.Subsystem,
				Name:        kv.Key,
				Help:        help,
				ConstLabels: opts.Labels,
			}, value))
		} else {
			out = append(out, prometheus.NewCounterFunc(prometheus.CounterOpts{
				Namespace:   opts.Namespace,
				Subsystem:   opts.Subsystem,
				Name:        kv.Key + "_total",
				Help:        help,
				ConstLabels: opts.Labels,
			}, value))
		}
	})
	return out
}

// Register registers the collectors for m with reg. If any registration
// fails, the collectors registered so far are unregistered.
func Register(reg prometheus.Registerer, m *expvar.Map, opts Options) error {
	cs := Collectors(m, opts)
	for i, c := range cs {
		if err := reg.Register(c); err != nil {
			for _, r := range cs[:i] {
				reg.Unregister(r)
			}
			return fmt.Errorf("register metrics: %w", err)
		}
	}
	return nil
}
