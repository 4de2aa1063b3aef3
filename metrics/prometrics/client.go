// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package prometrics implements a metrics.Client backed by
// github.com/prometheus/client_golang, hosting a /metrics endpoint for the
// session's StateAccumulator and TaskMonitor gauges.
package prometrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/taskmesh/taskflow/log"
	"github.com/taskmesh/taskflow/metrics"
)

type client struct {
	// Namespace is given as a prefix to all prometheus metrics.
	Namespace string

	reg        *prometheus.Registry
	gauges     map[string]*prometheus.GaugeVec
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
}

// New creates a metrics.Client backed by a fresh prometheus.Registry and
// serves it over HTTP at the given address (e.g. ":9100").
func New(namespace, listenAddr string, logger *log.Logger) metrics.Client {
	c := &client{
		Namespace:  namespace,
		reg:        prometheus.NewRegistry(),
		gauges:     make(map[string]*prometheus.GaugeVec),
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
	c.initCollectors()
	if listenAddr != "" {
		go func() {
			handler := promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{})
			logger.Printf("hosting prometheus metrics at %s", listenAddr)
			if err := http.ListenAndServe(listenAddr, handler); err != nil {
				logger.Errorf("prometrics listen: %v", err)
			}
		}()
	}
	return c
}

// initCollectors inspects the counters/gauges/histograms declared in
// package metrics and registers their backing stores. It is called once.
func (c *client) initCollectors() {
	for name, opts := range metrics.Gauges {
		gv := prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: c.Namespace,
			Name:      name,
			Help:      opts.Help,
		}, opts.Labels)
		c.gauges[name] = gv
		c.reg.MustRegister(gv)
	}
	for name, opts := range metrics.Counters {
		cv := prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: c.Namespace,
			Name:      name,
			Help:      opts.Help,
		}, opts.Labels)
		c.counters[name] = cv
		c.reg.MustRegister(cv)
	}
	for name, opts := range metrics.Histograms {
		hv := prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: c.Namespace,
			Name:      name,
			Buckets:   opts.Buckets,
			Help:      opts.Help,
		}, opts.Labels)
		c.histograms[name] = hv
		c.reg.MustRegister(hv)
	}
}

func (c *client) GetGauge(name string, labels map[string]string) metrics.Gauge {
	gv, ok := c.gauges[name]
	if !ok {
		panic(fmt.Sprintf("prometrics: undeclared gauge %s", name))
	}
	g, err := gv.GetMetricWith(labels)
	if err != nil {
		panic(err)
	}
	return g
}

func (c *client) GetCounter(name string, labels map[string]string) metrics.Counter {
	cv, ok := c.counters[name]
	if !ok {
		panic(fmt.Sprintf("prometrics: undeclared counter %s", name))
	}
	cnt, err := cv.GetMetricWith(labels)
	if err != nil {
		panic(err)
	}
	return cnt
}

func (c *client) GetHistogram(name string, labels map[string]string) metrics.Histogram {
	hv, ok := c.histograms[name]
	if !ok {
		panic(fmt.Sprintf("prometrics: undeclared histogram %s", name))
	}
	h, err := hv.GetMetricWith(labels)
	if err != nil {
		panic(err)
	}
	return h
}
