// Package api is a JSON-over-HTTP shim in front of the gRPC control service,
// plus fault injection for simulated clouds.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/devghori1264/aerophoenix/cloudsync/internal/models"
	"github.com/devghori1264/aerophoenix/cloudsync/internal/provider"
	"github.com/devghori1264/aerophoenix/cloudsync/internal/provider/sim"
	"github.com/devghori1264/aerophoenix/cloudsync/internal/server"
)

// Inventories looks up simulated clouds by inventory name.
type Inventories interface {
	Get(name string) (*sim.Cloud, bool)
}

type Handler struct {
	srv   server.Service
	chaos Inventories
	log   *zap.Logger
}

// NewHTTPHandler routes HTTP requests to srv. chaos may be nil, which
// disables the /chaos endpoints.
func NewHTTPHandler(srv server.Service, chaos Inventories, log *zap.Logger) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	h := &Handler{srv: srv, chaos: chaos, log: log}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ping", h.handlePing)
	mux.HandleFunc("GET /clouds", h.handleListClouds)
	mux.HandleFunc("POST /clouds", h.handleAddCloud)
	mux.HandleFunc("POST /clouds/update", h.handleUpdateCloud)
	mux.HandleFunc("POST /clouds/action", h.handleCloudAction)
	mux.HandleFunc("GET /resources", h.handleResources)
	mux.HandleFunc("POST /reconcile", h.handleReconcile)
	mux.HandleFunc("GET /observations", h.handleObservations)

	if chaos != nil {
		mux.HandleFunc("POST /chaos/partition", h.handlePartition)
		mux.HandleFunc("POST /chaos/heal", h.handleHeal)
		mux.HandleFunc("POST /chaos/latency", h.handleLatency)
	}

	return mux
}

func (h *Handler) handlePing(w http.ResponseWriter, r *http.Request) {
	res, err := h.srv.Ping(r.Context(), &emptypb.Empty{})
	if err != nil {
		h.writeStatus(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"msg": res.GetValue()})
}

func (h *Handler) handleListClouds(w http.ResponseWriter, r *http.Request) {
	h.relay(w, r, h.srv.ListClouds, server.ListCloudsRequest{Owner: r.URL.Query().Get("owner")})
}

func (h *Handler) handleAddCloud(w http.ResponseWriter, r *http.Request) {
	var req server.AddCloudRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.relay(w, r, h.srv.AddCloud, req)
}

func (h *Handler) handleUpdateCloud(w http.ResponseWriter, r *http.Request) {
	var req server.UpdateCloudRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.relay(w, r, h.srv.UpdateCloud, req)
}

func (h *Handler) handleCloudAction(w http.ResponseWriter, r *http.Request) {
	var req server.CloudActionRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.relay(w, r, h.srv.CloudAction, req)
}

func (h *Handler) handleResources(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	includeMissing, _ := strconv.ParseBool(q.Get("include_missing"))
	h.relay(w, r, h.srv.ListResources, server.ResourcesRequest{
		CloudID:        q.Get("cloud_id"),
		Kind:           q.Get("kind"),
		IncludeMissing: includeMissing,
		Owner:          q.Get("owner"),
	})
}

func (h *Handler) handleReconcile(w http.ResponseWriter, r *http.Request) {
	var req server.ResourcesRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.relay(w, r, h.srv.Reconcile, req)
}

func (h *Handler) handleObservations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := server.ObservationsRequest{Owner: q.Get("owner")}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			h.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		req.Limit = n
	}
	h.relay(w, r, h.srv.ListObservations, req)
}

// ---------- chaos ----------

type chaosRequest struct {
	Inventory string `json:"inventory"`
	Kind      string `json:"kind,omitempty"`
	LatencyMs int    `json:"latency_ms,omitempty"`
}

func (h *Handler) chaosTarget(w http.ResponseWriter, r *http.Request) (*sim.Cloud, chaosRequest, bool) {
	var body chaosRequest
	if !h.decode(w, r, &body) {
		return nil, body, false
	}
	if body.Inventory == "" {
		h.writeError(w, http.StatusBadRequest, "inventory required")
		return nil, body, false
	}
	c, ok := h.chaos.Get(body.Inventory)
	if !ok {
		h.writeError(w, http.StatusNotFound, fmt.Sprintf("unknown inventory %q", body.Inventory))
		return nil, body, false
	}
	return c, body, true
}

// handlePartition makes a simulated cloud unreachable, entirely or for one
// kind.
func (h *Handler) handlePartition(w http.ResponseWriter, r *http.Request) {
	c, body, ok := h.chaosTarget(w, r)
	if !ok {
		return
	}
	errPartitioned := fmt.Errorf("%w: partitioned", provider.ErrUnavailable)
	if body.Kind == "" {
		c.Fail(errPartitioned)
	} else {
		kind, err := models.ParseKind(body.Kind)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		c.FailKind(kind, errPartitioned)
	}
	h.log.Info("inventory partitioned", zap.String("inventory", body.Inventory), zap.String("kind", body.Kind))
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "partitioned",
		"inventory": body.Inventory,
	})
}

func (h *Handler) handleHeal(w http.ResponseWriter, r *http.Request) {
	c, body, ok := h.chaosTarget(w, r)
	if !ok {
		return
	}
	c.Fail(nil)
	for _, k := range models.AllKinds {
		c.FailKind(k, nil)
	}
	c.Delay(0)
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "healed",
		"inventory": body.Inventory,
	})
}

func (h *Handler) handleLatency(w http.ResponseWriter, r *http.Request) {
	c, body, ok := h.chaosTarget(w, r)
	if !ok {
		return
	}
	if body.LatencyMs < 0 {
		h.writeError(w, http.StatusBadRequest, "latency_ms must be non-negative")
		return
	}
	c.Delay(time.Duration(body.LatencyMs) * time.Millisecond)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "latency_set",
		"inventory":  body.Inventory,
		"latency_ms": body.LatencyMs,
	})
}

// ---------- helpers ----------

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return false
	}
	return true
}

// relay sends req to a service method and writes its answer.
func (h *Handler) relay(w http.ResponseWriter, r *http.Request, call func(context.Context, *structpb.Struct) (*structpb.Struct, error), req any) {
	in, err := server.ToStruct(req)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	out, err := call(r.Context(), in)
	if err != nil {
		h.writeStatus(w, err)
		return
	}
	data, err := protojson.Marshal(out)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "encode response")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (h *Handler) writeStatus(w http.ResponseWriter, err error) {
	st, ok := status.FromError(err)
	if !ok {
		st = status.New(server.Code(err), err.Error())
	}
	h.writeError(w, httpStatus(st.Code()), st.Message())
}

func httpStatus(c codes.Code) int {
	switch c {
	case codes.OK:
		return http.StatusOK
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.NotFound:
		return http.StatusNotFound
	case codes.AlreadyExists, codes.Aborted:
		return http.StatusConflict
	case codes.Unauthenticated:
		return http.StatusUnauthorized
	case codes.FailedPrecondition:
		return http.StatusPreconditionFailed
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	case codes.Unimplemented:
		return http.StatusNotImplemented
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
	if status >= http.StatusInternalServerError {
		h.log.Warn("http request failed", zap.Int("status", status), zap.String("error", msg))
	} else {
		h.log.Debug("http request rejected", zap.Int("status", status), zap.String("error", msg))
	}
}
