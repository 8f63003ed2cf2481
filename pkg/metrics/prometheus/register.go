// Package prometheus implements the component metric interfaces on top of
// the shared registry in pkg/metrics. Importing it registers the
// constructors.
package prometheus

import (
	"github.com/marmos91/pkgload/pkg/blockcache"
	"github.com/marmos91/pkgload/pkg/chunkstore/s3"
	"github.com/marmos91/pkgload/pkg/iodispatcher"
	"github.com/marmos91/pkgload/pkg/loader"
	"github.com/marmos91/pkgload/pkg/metrics"
)

func init() {
	metrics.RegisterDispatcherMetricsConstructor(func() iodispatcher.Metrics { return NewDispatcherMetrics() })
	metrics.RegisterBlockCacheMetricsConstructor(func() blockcache.Metrics { return NewBlockCacheMetrics() })
	metrics.RegisterLoaderMetricsConstructor(func() loader.Metrics { return NewLoaderMetrics() })
	metrics.RegisterS3MetricsConstructor(func() s3.Metrics { return NewS3Metrics() })
	metrics.RegisterServerMetricsConstructor(func() metrics.ServerMetrics { return NewServerMetrics() })
}

const namespace = "pkgload"
