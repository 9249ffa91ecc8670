package gootel

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/goliatone/go-multibank/core"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const ScopeName = "github.com/goliatone/go-multibank"

// Recorder implements core.MetricsRecorder with OpenTelemetry instruments.
// Instruments are created on first use and cached by name; names that the
// meter rejects are dropped.
type Recorder struct {
	meter metric.Meter

	mu         sync.Mutex
	counters   map[string]metric.Int64Counter
	histograms map[string]metric.Float64Histogram
}

type Option func(*recorderConfig)

type recorderConfig struct {
	provider metric.MeterProvider
	version  string
}

func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(c *recorderConfig) {
		c.provider = provider
	}
}

func WithInstrumentationVersion(version string) Option {
	return func(c *recorderConfig) {
		c.version = strings.TrimSpace(version)
	}
}

// NewRecorder uses the global meter provider unless one is given.
func NewRecorder(opts ...Option) *Recorder {
	cfg := recorderConfig{}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	provider := cfg.provider
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	var meterOpts []metric.MeterOption
	if cfg.version != "" {
		meterOpts = append(meterOpts, metric.WithInstrumentationVersion(cfg.version))
	}
	return &Recorder{
		meter:      provider.Meter(ScopeName, meterOpts...),
		counters:   map[string]metric.Int64Counter{},
		histograms: map[string]metric.Float64Histogram{},
	}
}

func (r *Recorder) IncCounter(ctx context.Context, name string, value int64, tags map[string]string) {
	counter, ok := r.counter(name)
	if !ok {
		return
	}
	counter.Add(ctx, value, metric.WithAttributes(attributes(tags)...))
}

func (r *Recorder) ObserveHistogram(ctx context.Context, name string, value float64, tags map[string]string) {
	histogram, ok := r.histogram(name)
	if !ok {
		return
	}
	histogram.Record(ctx, value, metric.WithAttributes(attributes(tags)...))
}

func (r *Recorder) counter(name string) (metric.Int64Counter, bool) {
	name = strings.TrimSpace(name)
	if r == nil || r.meter == nil || name == "" {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if counter, ok := r.counters[name]; ok {
		return counter, true
	}
	counter, err := r.meter.Int64Counter(name)
	if err != nil {
		return nil, false
	}
	r.counters[name] = counter
	return counter, true
}

func (r *Recorder) histogram(name string) (metric.Float64Histogram, bool) {
	name = strings.TrimSpace(name)
	if r == nil || r.meter == nil || name == "" {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if histogram, ok := r.histograms[name]; ok {
		return histogram, true
	}
	var opts []metric.Float64HistogramOption
	if strings.HasSuffix(name, "_ms") {
		opts = append(opts, metric.WithUnit("ms"))
	}
	histogram, err := r.meter.Float64Histogram(name, opts...)
	if err != nil {
		return nil, false
	}
	r.histograms[name] = histogram
	return histogram, true
}

func attributes(tags map[string]string) []attribute.KeyValue {
	if len(tags) == 0 {
		return nil
	}
	keys := make([]string, 0, len(tags))
	for key := range tags {
		if key = strings.TrimSpace(key); key != "" {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	out := make([]attribute.KeyValue, 0, len(keys))
	for _, key := range keys {
		out = append(out, attribute.String(key, tags[key]))
	}
	return out
}

var _ core.MetricsRecorder = (*Recorder)(nil)
