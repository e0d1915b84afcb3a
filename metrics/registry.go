package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// MeterID identifies a registered meter by name plus its fully
// qualified label set.
type MeterID struct {
	name   string
	labels string
}

func (id MeterID) String() string {
	if id.labels == "" {
		return id.name
	}
	return id.name + "{" + id.labels + "}"
}

func meterID(name string, labels prometheus.Labels) MeterID {
	if len(labels) == 0 {
		return MeterID{name: name}
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+labels[k])
	}
	return MeterID{name: name, labels: strings.Join(parts, ",")}
}

// Registry wraps a prometheus registry and tracks every registered
// meter by identity so individual series can be unregistered later.
type Registry struct {
	prom *prometheus.Registry

	mu     sync.Mutex
	meters map[MeterID]prometheus.Collector
}

func NewRegistry() *Registry {
	return &Registry{
		prom:   prometheus.NewRegistry(),
		meters: make(map[MeterID]prometheus.Collector),
	}
}

// Prometheus exposes the underlying registry for HTTP exposition.
func (r *Registry) Prometheus() *prometheus.Registry {
	return r.prom
}

// Gauge registers a supplier gauge with the given constant labels.
// Registering the same name and label set twice is an error.
func (r *Registry) Gauge(name, help string, labels prometheus.Labels, fn func() float64) (MeterID, error) {
	id := meterID(name, labels)
	g := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name:        name,
		Help:        help,
		ConstLabels: labels,
	}, fn)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.meters[id]; exists {
		return MeterID{}, fmt.Errorf("meter %s already registered", id)
	}
	if err := r.prom.Register(g); err != nil {
		return MeterID{}, fmt.Errorf("register gauge %s: %w", id, err)
	}
	r.meters[id] = g
	return id, nil
}

// Counter registers a plain counter.
func (r *Registry) Counter(name, help string) (prometheus.Counter, error) {
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
	if err := r.register(meterID(name, nil), c); err != nil {
		return nil, err
	}
	return c, nil
}

// CounterVec registers a counter vector with the given label names.
func (r *Registry) CounterVec(name, help string, labelNames ...string) (*prometheus.CounterVec, error) {
	cv := prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, labelNames)
	if err := r.register(meterID(name, nil), cv); err != nil {
		return nil, err
	}
	return cv, nil
}

// Summary registers a summary for duration observations.
func (r *Registry) Summary(name, help string) (prometheus.Summary, error) {
	s := prometheus.NewSummary(prometheus.SummaryOpts{Name: name, Help: help})
	if err := r.register(meterID(name, nil), s); err != nil {
		return nil, err
	}
	return s, nil
}

// RegisterCollector attaches a custom collector under the given name.
// Used for series whose label values change between scrapes, which
// const-labelled gauges cannot express.
func (r *Registry) RegisterCollector(name string, c prometheus.Collector) (MeterID, error) {
	id := meterID(name, nil)
	if err := r.register(id, c); err != nil {
		return MeterID{}, err
	}
	return id, nil
}

func (r *Registry) register(id MeterID, c prometheus.Collector) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.meters[id]; exists {
		return fmt.Errorf("meter %s already registered", id)
	}
	if err := r.prom.Register(c); err != nil {
		return fmt.Errorf("register %s: %w", id, err)
	}
	r.meters[id] = c
	return nil
}

// Remove unregisters the meter with the given identity. Returns false
// when the identity is unknown.
func (r *Registry) Remove(id MeterID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.meters[id]
	if !ok {
		return false
	}
	delete(r.meters, id)
	return r.prom.Unregister(c)
}
