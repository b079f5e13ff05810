// Package serve exposes a worker's block store over HTTP and NATS.
package serve

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gftdcojp/tiered-block-store/internal/config"
	"github.com/gftdcojp/tiered-block-store/internal/types"
	"github.com/gftdcojp/tiered-block-store/internal/worker"
	"go.uber.org/zap"
)

// AdminSession is the session id used for operations issued through the
// admin API.
const AdminSession uint64 = 1<<64 - 2

type handler struct {
	workers *worker.BlockDataManager
	started time.Time
	logger  *zap.Logger
}

// BlockView is the JSON form of a committed block.
type BlockView struct {
	ID        uint64 `json:"block_id"`
	SizeBytes int64  `json:"size_bytes"`
	Tier      int    `json:"tier"`
	Dir       int    `json:"dir"`
	Path      string `json:"path"`
}

func newBlockView(b types.BlockMeta) BlockView {
	return BlockView{
		ID:        b.ID,
		SizeBytes: b.Size,
		Tier:      b.Location.TierAlias(),
		Dir:       b.Location.DirIndex(),
		Path:      b.Path,
	}
}

// NewHandler returns the admin API routes.
func NewHandler(m *worker.BlockDataManager, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &handler{workers: m, started: time.Now(), logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/status", h.handleStatus)
	mux.HandleFunc("GET /v1/store", h.handleStore)
	mux.HandleFunc("GET /v1/report", h.handleReport)
	mux.HandleFunc("GET /v1/blocks/{blockID}", h.handleGetBlock)
	mux.HandleFunc("POST /v1/admin/move/{blockID}", h.handleMove)
	mux.HandleFunc("POST /v1/admin/free/{blockID}", h.handleFree)
	return mux
}

// RunHTTP starts the HTTP API server.
func RunHTTP(ctx context.Context, cfg config.APIConfig, m *worker.BlockDataManager, logger *zap.Logger) error {
	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: NewHandler(m, logger),
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("HTTP API listening", zap.String("addr", cfg.Listen))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (h *handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := h.workers.StoreMeta()
	blocks := 0
	for _, t := range snap.Tiers {
		for _, d := range t.Dirs {
			blocks += len(d.BlockIDs)
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"worker_id":      h.workers.WorkerID(),
		"tiers":          len(snap.Tiers),
		"blocks":         blocks,
		"capacity_bytes": snap.CapacityBytes(),
		"used_bytes":     snap.UsedBytes(),
		"uptime":         time.Since(h.started).Round(time.Second).String(),
	})
}

func (h *handler) handleStore(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.workers.StoreMeta())
}

func (h *handler) handleReport(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.workers.Report())
}

func (h *handler) handleGetBlock(w http.ResponseWriter, r *http.Request) {
	blockID, ok := parseBlockID(w, r)
	if !ok {
		return
	}
	b, err := h.workers.BlockMeta(blockID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newBlockView(b))
}

func (h *handler) handleMove(w http.ResponseWriter, r *http.Request) {
	blockID, ok := parseBlockID(w, r)
	if !ok {
		return
	}
	tier, err := strconv.Atoi(r.URL.Query().Get("tier"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid tier"})
		return
	}

	if err := h.workers.MoveBlock(r.Context(), AdminSession, blockID, tier); err != nil {
		h.logger.Warn("admin move failed", zap.Uint64("block_id", blockID), zap.Int("tier", tier), zap.Error(err))
		writeError(w, err)
		return
	}
	b, err := h.workers.BlockMeta(blockID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "moved", "block": newBlockView(b)})
}

func (h *handler) handleFree(w http.ResponseWriter, r *http.Request) {
	blockID, ok := parseBlockID(w, r)
	if !ok {
		return
	}
	if err := h.workers.FreeBlock(r.Context(), AdminSession, blockID); err != nil {
		h.logger.Warn("admin free failed", zap.Uint64("block_id", blockID), zap.Error(err))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "freed", "block_id": blockID})
}

func parseBlockID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	blockID, err := strconv.ParseUint(r.PathValue("blockID"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid block ID"})
		return 0, false
	}
	return blockID, true
}

// statusFor maps store error kinds onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, types.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrOutOfSpace):
		return http.StatusInsufficientStorage
	case errors.Is(err, types.ErrInvalidHandle), errors.Is(err, types.ErrInfeasible), errors.Is(err, types.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
