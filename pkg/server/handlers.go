package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/marmos91/pkgload/internal/logger"
	"github.com/marmos91/pkgload/pkg/engine"
	"github.com/marmos91/pkgload/pkg/iodispatcher"
	"github.com/marmos91/pkgload/pkg/loader"
)

// Engine is the part of engine.Engine the API serves.
type Engine interface {
	Load(ctx context.Context, names []string, prio iodispatcher.Priority) ([]loader.Result, error)
	Package(name string) engine.Package
	Status() engine.Status
	MountDirectory(ctx context.Context, dir string) ([]engine.MountInfo, error)
}

var _ Engine = (*engine.Engine)(nil)

// maxLoadBatch bounds the package names of one load request.
const maxLoadBatch = 1024

type handlers struct {
	engine      Engine
	loadTimeout time.Duration
}

// LoadRequest is the body of POST /api/v1/load.
type LoadRequest struct {
	Packages []string `json:"packages"`
	// Priority is low, medium (default), high or an integer.
	Priority string `json:"priority,omitempty"`
}

// LoadResult reports one requested package.
type LoadResult struct {
	Package string `json:"package"`
	Result  string `json:"result"`
	Root    string `json:"root,omitempty"`
	Error   string `json:"error,omitempty"`
}

// PackageInfo is the body of GET /api/v1/packages/{name}.
type PackageInfo struct {
	Name        string `json:"name"`
	ID          string `json:"id"`
	Container   string `json:"container,omitempty"`
	InStore     bool   `json:"in_store"`
	Loaded      bool   `json:"loaded"`
	Root        string `json:"root,omitempty"`
	RefCount    int32  `json:"ref_count"`
	Exports     int    `json:"exports"`
	ExportCount uint32 `json:"export_count"`
	BundleCount uint32 `json:"bundle_count"`
	Imports     int    `json:"imported_packages"`
	Pinned      bool   `json:"pinned"`
}

// MountStatus is one mount in the status reply.
type MountStatus struct {
	Name       string   `json:"name"`
	Kind       string   `json:"kind"`
	Containers []string `json:"containers"`
	Packages   int      `json:"packages"`
	Reads      uint64   `json:"reads"`
}

// CacheStatus is the block cache part of the status reply.
type CacheStatus struct {
	Hits         uint64 `json:"hits"`
	InFlightHits uint64 `json:"in_flight_hits"`
	Misses       uint64 `json:"misses"`
	Evictions    uint64 `json:"evictions"`
	Bypasses     uint64 `json:"bypasses"`
	Resident     int    `json:"resident"`
}

// StatusInfo is the body of GET /api/v1/status.
type StatusInfo struct {
	Mounts         []MountStatus `json:"mounts"`
	Packages       int           `json:"packages"`
	LoadedPackages int           `json:"loaded_packages"`
	Objects        int           `json:"objects"`
	Outstanding    int           `json:"outstanding_reads"`
	PendingLoads   int           `json:"pending_loads"`
	Collections    int           `json:"collections"`
	Cache          *CacheStatus  `json:"cache,omitempty"`
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, okResponse(r, map[string]string{"service": "pkgload"}))
}

func (h *handlers) load(w http.ResponseWriter, r *http.Request) {
	var req LoadRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse(r, "invalid request body: "+err.Error()))
		return
	}
	if len(req.Packages) == 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse(r, "packages is required"))
		return
	}
	if len(req.Packages) > maxLoadBatch {
		writeJSON(w, http.StatusBadRequest, errorResponse(r, fmt.Sprintf("at most %d packages per request", maxLoadBatch)))
		return
	}
	prio, err := ParsePriority(req.Priority)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse(r, err.Error()))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.loadTimeout)
	defer cancel()

	results, err := h.engine.Load(ctx, req.Packages, prio)
	if err != nil {
		logger.WarnCtx(ctx, "load request failed", "request_id", RequestIDFrom(ctx), logger.Err(err))
		status := http.StatusInternalServerError
		if ctx.Err() != nil {
			status = http.StatusGatewayTimeout
		}
		writeJSON(w, status, errorResponse(r, err.Error()))
		return
	}

	out := make([]LoadResult, len(results))
	for i, res := range results {
		out[i] = LoadResult{Package: req.Packages[i], Result: res.Status.String()}
		if res.Root != nil {
			out[i].Root = res.Root.Path()
		}
		if res.Err != nil {
			out[i].Error = res.Err.Error()
		}
	}
	writeJSON(w, http.StatusOK, okResponse(r, out))
}

func (h *handlers) pkg(w http.ResponseWriter, r *http.Request) {
	name := "/" + strings.TrimPrefix(chi.URLParam(r, "*"), "/")
	if name == "/" {
		writeJSON(w, http.StatusBadRequest, errorResponse(r, "package name is required"))
		return
	}
	p := h.engine.Package(name)
	if !p.InStore && !p.Loaded {
		writeJSON(w, http.StatusNotFound, errorResponse(r, "package not found: "+name))
		return
	}
	writeJSON(w, http.StatusOK, okResponse(r, PackageInfo{
		Name:        name,
		ID:          p.Entry.ID.String(),
		Container:   p.Entry.Container,
		InStore:     p.InStore,
		Loaded:      p.Loaded,
		Root:        p.Root,
		RefCount:    p.RefCount,
		Exports:     p.Exports,
		ExportCount: p.Entry.ExportCount,
		BundleCount: p.Entry.BundleCount,
		Imports:     len(p.Entry.ImportedPackages),
		Pinned:      p.Pinned,
	}))
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, okResponse(r, toStatusInfo(h.engine.Status())))
}

func toStatusInfo(s engine.Status) StatusInfo {
	info := StatusInfo{
		Mounts:         make([]MountStatus, 0, len(s.Mounts)),
		Packages:       s.Packages,
		LoadedPackages: s.LoadedPackages,
		Objects:        s.Objects,
		Outstanding:    s.Outstanding,
		PendingLoads:   s.PendingLoads,
		Collections:    s.Collections,
	}
	for _, m := range s.Mounts {
		info.Mounts = append(info.Mounts, MountStatus{
			Name:       m.Name,
			Kind:       m.Kind,
			Containers: m.Containers,
			Packages:   m.Packages,
			Reads:      m.Reads,
		})
	}
	if s.Cache != nil {
		info.Cache = &CacheStatus{
			Hits:         s.Cache.Hits,
			InFlightHits: s.Cache.InFlightHits,
			Misses:       s.Cache.Misses,
			Evictions:    s.Cache.Evictions,
			Bypasses:     s.Cache.Bypasses,
			Resident:     s.Cache.Resident,
		}
	}
	return info
}

// ParsePriority parses low, medium, high, min, max or a decimal integer.
// Empty is medium.
func ParsePriority(s string) (iodispatcher.Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "medium":
		return iodispatcher.PriorityMedium, nil
	case "low":
		return iodispatcher.PriorityLow, nil
	case "high":
		return iodispatcher.PriorityHigh, nil
	case "min":
		return iodispatcher.PriorityMin, nil
	case "max":
		return iodispatcher.PriorityMax, nil
	}
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid priority %q (valid: low, medium, high, min, max or an integer)", s)
	}
	return iodispatcher.Priority(n), nil
}
