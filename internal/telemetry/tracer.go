package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys shared by all pkgload spans.
const (
	// Packages
	AttrPackage      = "pkg.name"
	AttrPackageID    = "pkg.id"
	AttrRequestID    = "pkg.request_id"
	AttrExportCount  = "pkg.export_count"
	AttrBundleCount  = "pkg.bundle_count"
	AttrImportCount  = "pkg.import_count"
	AttrNodeCount    = "pkg.node_count"
	AttrLoadResult   = "pkg.result"
	AttrPriority     = "pkg.priority"
	AttrAsyncFlags   = "pkg.flags"
	AttrPackageCount = "pkg.count"

	// I/O
	AttrChunkID    = "io.chunk_id"
	AttrChunkType  = "io.chunk_type"
	AttrOffset     = "io.offset"
	AttrSize       = "io.size"
	AttrBytesRead  = "io.bytes_read"
	AttrIOStatus   = "io.status"
	AttrBatchSize  = "io.batch_size"
	AttrBackend    = "io.backend"
	AttrCacheHit   = "cache.hit"
	AttrCacheBlock = "cache.block"

	// Storage
	AttrStoreName = "store.name"
	AttrStoreType = "store.type"
	AttrBucket    = "storage.bucket"
	AttrKey       = "storage.key"
	AttrContainer = "storage.container"
)

// Span names.
const (
	SpanLoadPackage  = "loader.load_package"
	SpanProcessTick  = "loader.tick"
	SpanFlush        = "loader.flush"
	SpanOptimize     = "optimizer.finalize"
	SpanCreatePkg    = "optimizer.create_package"
	SpanIOBatch      = "io.batch"
	SpanChunkRead    = "chunk.read"
	SpanChunkStat    = "chunk.stat"
	SpanChunkList    = "chunk.list"
	SpanCacheFill    = "cache.fill"
	SpanCatalogQuery = "catalog.query"
	SpanCatalogSave  = "catalog.save"
	SpanCook         = "cook.run"
)

// PackageName returns the package path attribute.
func PackageName(name string) attribute.KeyValue {
	return attribute.String(AttrPackage, name)
}

// PackageID returns the package id attribute in hex.
func PackageID(id string) attribute.KeyValue {
	return attribute.String(AttrPackageID, id)
}

// RequestID returns the loader request id attribute.
func RequestID(id int32) attribute.KeyValue {
	return attribute.Int(AttrRequestID, int(id))
}

// LoadResult returns the load result attribute.
func LoadResult(result string) attribute.KeyValue {
	return attribute.String(AttrLoadResult, result)
}

// Priority returns the request priority attribute.
func Priority(p int32) attribute.KeyValue {
	return attribute.Int(AttrPriority, int(p))
}

// ExportCount returns the export count attribute.
func ExportCount(n int) attribute.KeyValue {
	return attribute.Int(AttrExportCount, n)
}

// BundleCount returns the export bundle count attribute.
func BundleCount(n int) attribute.KeyValue {
	return attribute.Int(AttrBundleCount, n)
}

// PackageCount returns the package count attribute.
func PackageCount(n int) attribute.KeyValue {
	return attribute.Int(AttrPackageCount, n)
}

// ChunkID returns the chunk id attribute.
func ChunkID(id string) attribute.KeyValue {
	return attribute.String(AttrChunkID, id)
}

// ChunkType returns the chunk type attribute.
func ChunkType(t string) attribute.KeyValue {
	return attribute.String(AttrChunkType, t)
}

// Offset returns the read offset attribute.
func Offset(off uint64) attribute.KeyValue {
	return attribute.Int64(AttrOffset, int64(off))
}

// Size returns the size attribute.
func Size(n uint64) attribute.KeyValue {
	return attribute.Int64(AttrSize, int64(n))
}

// BytesRead returns the bytes read attribute.
func BytesRead(n int) attribute.KeyValue {
	return attribute.Int(AttrBytesRead, n)
}

// IOStatus returns the I/O request status attribute.
func IOStatus(status string) attribute.KeyValue {
	return attribute.String(AttrIOStatus, status)
}

// BatchSize returns the batch size attribute.
func BatchSize(n int) attribute.KeyValue {
	return attribute.Int(AttrBatchSize, n)
}

// Backend returns the I/O backend attribute.
func Backend(name string) attribute.KeyValue {
	return attribute.String(AttrBackend, name)
}

// CacheHit returns the cache hit attribute.
func CacheHit(hit bool) attribute.KeyValue {
	return attribute.Bool(AttrCacheHit, hit)
}

// CacheBlock returns the cache block index attribute.
func CacheBlock(block uint64) attribute.KeyValue {
	return attribute.Int64(AttrCacheBlock, int64(block))
}

// StoreName returns the chunk store name attribute.
func StoreName(name string) attribute.KeyValue {
	return attribute.String(AttrStoreName, name)
}

// StoreType returns the chunk store type attribute.
func StoreType(t string) attribute.KeyValue {
	return attribute.String(AttrStoreType, t)
}

// Bucket returns the storage bucket attribute.
func Bucket(name string) attribute.KeyValue {
	return attribute.String(AttrBucket, name)
}

// StorageKey returns the storage key attribute.
func StorageKey(key string) attribute.KeyValue {
	return attribute.String(AttrKey, key)
}

// Container returns the container name attribute.
func Container(name string) attribute.KeyValue {
	return attribute.String(AttrContainer, name)
}

// StartChunkSpan starts a span for a chunk store operation.
func StartChunkSpan(ctx context.Context, operation, store string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := append([]attribute.KeyValue{StoreName(store)}, attrs...)
	return StartSpan(ctx, operation, trace.WithAttributes(allAttrs...))
}

// StartLoaderSpan starts a span for a loader operation on a package. The
// returned context logs with the span's trace ids.
func StartLoaderSpan(ctx context.Context, operation, pkg string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := append([]attribute.KeyValue{PackageName(pkg)}, attrs...)
	ctx, span := StartSpan(ctx, operation, trace.WithAttributes(allAttrs...))
	return WithLogContext(ctx, "loader"), span
}

// StartCatalogSpan starts a span for a package catalog operation.
func StartCatalogSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return StartSpan(ctx, operation, trace.WithAttributes(attrs...))
}
