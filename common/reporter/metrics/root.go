// SPDX-FileCopyrightText: 2022 Free Mobile
// SPDX-License-Identifier: AGPL-3.0-only

// Package metrics handles metrics for swotap.
//
// This is a wrapper around Prometheus Go client. Metric names are prefixed
// with the package registering them.
package metrics

import (
	"net/http"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"swotap/common/reporter/logger"
	"swotap/common/reporter/stack"
)

// Metrics represents the internal state of the metric subsystem.
type Metrics struct {
	logger   logger.Logger
	config   Configuration
	registry *prometheus.Registry

	factoryCache     map[string]*Factory
	factoryCacheLock sync.RWMutex
}

// New creates a new metric registry with the process and Go collectors.
func New(logger logger.Logger, configuration Configuration) (*Metrics, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	return &Metrics{
		logger:       logger,
		config:       configuration,
		registry:     reg,
		factoryCache: make(map[string]*Factory),
	}, nil
}

// HTTPHandler returns an handler to serve Prometheus metrics.
func (m *Metrics) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		ErrorLog: promHTTPLogger{m.logger},
	})
}

// prefixFor turns swotap/capture/pipeline.(*Component).Start into
// swotap_capture_pipeline_.
func prefixFor(function string) string {
	module := stack.ModuleName
	if strings.HasPrefix(function, stack.ModuleName) {
		module, _, _ = strings.Cut(function, ".")
	}
	return strings.NewReplacer("/", "_", ".", "_").Replace(module) + "_"
}

func (m *Metrics) caller(skipCallstack int) string {
	return stack.Callers()[2+skipCallstack].FunctionName()
}

// Factory returns a factory registering metrics with the prefix of the
// calling module. skipCallstack tells how many frames to skip above the
// caller of Factory.
func (m *Metrics) Factory(skipCallstack int) *Factory {
	function := m.caller(skipCallstack)

	m.factoryCacheLock.RLock()
	factory, ok := m.factoryCache[function]
	m.factoryCacheLock.RUnlock()
	if ok {
		return factory
	}

	m.factoryCacheLock.Lock()
	defer m.factoryCacheLock.Unlock()
	factory = &Factory{
		prefix:   prefixFor(function),
		registry: m.registry,
	}
	m.factoryCache[function] = factory
	return factory
}

// Desc allocates a new metric description, prefixed like for Factory.
func (m *Metrics) Desc(skipCallstack int, name, help string, variableLabels []string) *prometheus.Desc {
	return prometheus.NewDesc(prefixFor(m.caller(skipCallstack))+name, help, variableLabels, nil)
}

// Collector registers a custom collector.
func (m *Metrics) Collector(c prometheus.Collector) {
	m.registry.MustRegister(c)
}

// UnregisterCollector removes a custom collector.
func (m *Metrics) UnregisterCollector(c prometheus.Collector) {
	m.registry.Unregister(c)
}
