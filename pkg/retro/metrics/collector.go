// Copyright 2025 The llm-d Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"k8s.io/klog/v2"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

var (
	// Admissions counts chunk keys written to the neighbour cache.
	Admissions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "retro", Subsystem: "neighbor_cache", Name: "admissions_total",
		Help: "Total number of chunk keys admitted to the neighbour cache",
	})
	// Evictions counts chunk keys removed from the neighbour cache.
	Evictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "retro", Subsystem: "neighbor_cache", Name: "evictions_total",
		Help: "Total number of chunk keys evicted from the neighbour cache",
	})
	// LookupRequests counts neighbour cache Lookup() calls.
	LookupRequests = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "retro", Subsystem: "neighbor_cache", Name: "lookup_requests_total",
		Help: "Total number of neighbour cache lookups",
	})
	// LookupHits counts keys found on Lookup().
	LookupHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "retro", Subsystem: "neighbor_cache", Name: "lookup_hits_total",
		Help: "Number of chunk keys found in the neighbour cache",
	})
	// LookupLatency observes neighbour cache lookup latency.
	LookupLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "retro", Subsystem: "neighbor_cache", Name: "lookup_latency_seconds",
		Help:    "Latency of neighbour cache lookups in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// RetrievalLatency observes end-to-end neighbour retrieval latency.
	RetrievalLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "retro", Subsystem: "index", Name: "retrieval_latency_seconds",
		Help:    "Latency of neighbour retrieval for a batch of chunks in seconds",
		Buckets: prometheus.DefBuckets,
	})
	// IndexedChunks is the number of chunks in the vector store.
	IndexedChunks = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "retro", Subsystem: "index", Name: "chunks",
		Help: "Number of corpus chunks added to the vector store",
	})

	// Scalars holds the last value saved per tracked scalar.
	Scalars = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "retro", Subsystem: "tracker", Name: "scalar",
		Help: "Last value saved for each tracked scalar",
	}, []string{"key"})
	// GlobalStep is the tracker's global step.
	GlobalStep = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "retro", Subsystem: "tracker", Name: "global_step",
		Help: "Global training step (number of samples seen)",
	})
	// SampledTokens counts generated tokens.
	SampledTokens = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "retro", Subsystem: "sampler", Name: "tokens_total",
		Help: "Total number of tokens generated by the sampler",
	})
)

// Collectors returns a slice of all registered Prometheus collectors.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		Admissions, Evictions,
		LookupRequests, LookupHits, LookupLatency,
		RetrievalLatency, IndexedChunks,
		Scalars, GlobalStep, SampledTokens,
	}
}

var registerMetricsOnce = sync.Once{}

// Register registers all metrics with K8s registry.
func Register() {
	registerMetricsOnce.Do(func() {
		metrics.Registry.MustRegister(Collectors()...)
	})
}

// StartMetricsLogging spawns a goroutine that logs current metric values every
// interval until ctx is done.
func StartMetricsLogging(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logMetrics(ctx)
			}
		}
	}()
}

func counterValue(c prometheus.Counter) (float64, bool) {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0, false
	}
	return m.GetCounter().GetValue(), true
}

func logMetrics(ctx context.Context) {
	admissions, ok := counterValue(Admissions)
	if !ok {
		return
	}
	evictions, ok := counterValue(Evictions)
	if !ok {
		return
	}
	lookups, ok := counterValue(LookupRequests)
	if !ok {
		return
	}
	hits, ok := counterValue(LookupHits)
	if !ok {
		return
	}
	tokens, ok := counterValue(SampledTokens)
	if !ok {
		return
	}

	var latencyMetric dto.Metric
	if err := RetrievalLatency.Write(&latencyMetric); err != nil {
		return
	}
	latencyCount := latencyMetric.GetHistogram().GetSampleCount()
	latencySum := latencyMetric.GetHistogram().GetSampleSum()

	var latencyAvg float64
	if latencyCount > 0 {
		latencyAvg = latencySum / float64(latencyCount)
	}

	var stepMetric dto.Metric
	if err := GlobalStep.Write(&stepMetric); err != nil {
		return
	}

	klog.FromContext(ctx).WithName("metrics").Info("metrics beat",
		"admissions", admissions,
		"evictions", evictions,
		"lookups", lookups,
		"hits", hits,
		"retrievals", latencyCount,
		"retrieval_latency_avg", latencyAvg,
		"sampled_tokens", tokens,
		"global_step", stepMetric.GetGauge().GetValue(),
	)
}
