package metrics

import (
	"github.com/marmos91/pkgload/pkg/blockcache"
	"github.com/marmos91/pkgload/pkg/chunkstore/s3"
	"github.com/marmos91/pkgload/pkg/iodispatcher"
	"github.com/marmos91/pkgload/pkg/loader"
)

// Constructors are registered by pkg/metrics/prometheus during package
// initialization. The indirection keeps this package free of the Prometheus
// implementation types.
var (
	newDispatcherMetrics func() iodispatcher.Metrics
	newBlockCacheMetrics func() blockcache.Metrics
	newLoaderMetrics     func() loader.Metrics
	newS3Metrics         func() s3.Metrics
	newServerMetrics     func() ServerMetrics
)

// RegisterDispatcherMetricsConstructor registers the dispatcher constructor.
func RegisterDispatcherMetricsConstructor(fn func() iodispatcher.Metrics) {
	newDispatcherMetrics = fn
}

// RegisterBlockCacheMetricsConstructor registers the block cache constructor.
func RegisterBlockCacheMetricsConstructor(fn func() blockcache.Metrics) {
	newBlockCacheMetrics = fn
}

// RegisterLoaderMetricsConstructor registers the loader constructor.
func RegisterLoaderMetricsConstructor(fn func() loader.Metrics) {
	newLoaderMetrics = fn
}

// RegisterS3MetricsConstructor registers the S3 store constructor.
func RegisterS3MetricsConstructor(fn func() s3.Metrics) {
	newS3Metrics = fn
}

// RegisterServerMetricsConstructor registers the HTTP server constructor.
func RegisterServerMetricsConstructor(fn func() ServerMetrics) {
	newServerMetrics = fn
}

// NewDispatcherMetrics returns dispatcher metrics, or nil when disabled.
//
// Example usage:
//
//	metrics.InitRegistry()
//	d := iodispatcher.New(iodispatcher.Config{Metrics: metrics.NewDispatcherMetrics()})
func NewDispatcherMetrics() iodispatcher.Metrics {
	if !IsEnabled() || newDispatcherMetrics == nil {
		return nil
	}
	return newDispatcherMetrics()
}

// NewBlockCacheMetrics returns block cache metrics, or nil when disabled.
func NewBlockCacheMetrics() blockcache.Metrics {
	if !IsEnabled() || newBlockCacheMetrics == nil {
		return nil
	}
	return newBlockCacheMetrics()
}

// NewLoaderMetrics returns loader metrics, or nil when disabled.
func NewLoaderMetrics() loader.Metrics {
	if !IsEnabled() || newLoaderMetrics == nil {
		return nil
	}
	return newLoaderMetrics()
}

// NewS3Metrics returns S3 store metrics, or nil when disabled.
func NewS3Metrics() s3.Metrics {
	if !IsEnabled() || newS3Metrics == nil {
		return nil
	}
	return newS3Metrics()
}

// NewServerMetrics returns HTTP server metrics, or nil when disabled.
func NewServerMetrics() ServerMetrics {
	if !IsEnabled() || newServerMetrics == nil {
		return nil
	}
	return newServerMetrics()
}
