package logger

import (
	"log/slog"
)

// Standard field keys. Use them consistently so that log lines of the
// dispatcher, the optimizer and the loader can be joined on the same keys.
const (
	// Tracing
	KeyTraceID = "trace_id"
	KeySpanID  = "span_id"

	// Packages and objects
	KeyPackage   = "package"    // package path, e.g. /game/maps/arena
	KeyPackageID = "package_id" // 64-bit package identifier (hex)
	KeyExport    = "export"     // export index inside the package
	KeyImport    = "import"     // import index inside the package
	KeyObject    = "object"     // object path or name
	KeyClass     = "class"      // class reference of an export
	KeyBundle    = "bundle"     // export bundle index
	KeyNode      = "node"       // scheduler node kind
	KeyState     = "state"      // package job state
	KeyResult    = "result"     // load result: succeeded, failed, canceled
	KeyRequestID = "request_id" // loader request id
	KeyRefCount  = "ref_count"

	// I/O
	KeyChunkID   = "chunk_id"
	KeyChunkType = "chunk_type"
	KeyOffset    = "offset"
	KeySize      = "size"
	KeyPriority  = "priority"
	KeyStatus    = "status"
	KeyBackend   = "backend"
	KeyContainer = "container"
	KeyBlock     = "block"
	KeyPath      = "path"
	KeyBucket    = "bucket"

	// Operation metadata
	KeyComponent  = "component"
	KeyOperation  = "operation"
	KeyCount      = "count"
	KeyDurationMs = "duration_ms"
	KeyError      = "error"
)

// Err returns an error attribute, or an empty attribute for a nil error.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}

// PackageName returns the package attribute.
func PackageName(name string) slog.Attr {
	return slog.String(KeyPackage, name)
}

// RequestID returns the loader request id attribute.
func RequestID(id int32) slog.Attr {
	return slog.Int(KeyRequestID, int(id))
}

// Component returns the component attribute.
func Component(name string) slog.Attr {
	return slog.String(KeyComponent, name)
}

// DurationMs returns a duration attribute in milliseconds.
func DurationMs(ms float64) slog.Attr {
	return slog.Float64(KeyDurationMs, ms)
}
