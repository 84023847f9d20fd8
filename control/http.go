package control

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/srilakshmi/nexus/nexus"
	"github.com/srilakshmi/nexus/pool"
)

// NewRouter exposes the service as a JSON HTTP API. The gatherer, when
// non-nil, adds a prometheus /metrics endpoint.
func NewRouter(s *Service, gatherer prometheus.Gatherer, log *zap.Logger) *mux.Router {
	if log == nil {
		log = zap.NewNop()
	}
	api := &apiServer{svc: s, log: log.Named("http")}

	r := mux.NewRouter()
	v0 := r.PathPrefix("/v0").Subrouter()

	v0.HandleFunc("/pools", api.createPool).Methods(http.MethodPost)
	v0.HandleFunc("/pools", api.listPools).Methods(http.MethodGet)
	v0.HandleFunc("/pools/{pool}", api.destroyPool).Methods(http.MethodDelete)

	v0.HandleFunc("/pools/{pool}/replicas", api.createReplica).Methods(http.MethodPost)
	v0.HandleFunc("/pools/{pool}/replicas/{uuid}", api.destroyReplica).Methods(http.MethodDelete)
	v0.HandleFunc("/pools/{pool}/replicas/{uuid}/share", api.shareReplica).Methods(http.MethodPost)
	v0.HandleFunc("/pools/{pool}/replicas/{uuid}/share", api.unshareReplica).Methods(http.MethodDelete)

	v0.HandleFunc("/nexuses", api.createNexus).Methods(http.MethodPost)
	v0.HandleFunc("/nexuses", api.listNexuses).Methods(http.MethodGet)
	v0.HandleFunc("/nexuses/{uuid}", api.nexusStatus).Methods(http.MethodGet)
	v0.HandleFunc("/nexuses/{uuid}", api.destroyNexus).Methods(http.MethodDelete)
	v0.HandleFunc("/nexuses/{uuid}/children", api.addChild).Methods(http.MethodPost)
	v0.HandleFunc("/nexuses/{uuid}/children/{child}", api.removeChild).Methods(http.MethodDelete)
	v0.HandleFunc("/nexuses/{uuid}/publish", api.publishNexus).Methods(http.MethodPost)
	v0.HandleFunc("/nexuses/{uuid}/unpublish", api.unpublishNexus).Methods(http.MethodPost)

	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

type apiServer struct {
	svc *Service
	log *zap.Logger
}

type errorBody struct {
	Error string `json:"error"`
}

// statusFor maps the service error taxonomy to HTTP status codes:
// configuration errors fail fast as 4xx, conflicts as 409, unknown
// names as 404.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrPoolNotFound),
		errors.Is(err, ErrNexusNotFound),
		errors.Is(err, pool.ErrNotFound),
		errors.Is(err, nexus.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrPoolExists),
		errors.Is(err, ErrPoolBusy),
		errors.Is(err, ErrNexusExists),
		errors.Is(err, pool.ErrExists),
		errors.Is(err, nexus.ErrAlreadyPresent),
		errors.Is(err, nexus.ErrAlreadyPublished),
		errors.Is(err, nexus.ErrStillPublished),
		errors.Is(err, nexus.ErrWouldDropBelowOneActive),
		errors.Is(err, nexus.ErrDestroying):
		return http.StatusConflict
	case errors.Is(err, ErrBadURI),
		errors.Is(err, pool.ErrBadConfig),
		errors.Is(err, pool.ErrNoSpace),
		errors.Is(err, nexus.ErrNoBackends),
		errors.Is(err, nexus.ErrConfigMismatch),
		errors.Is(err, nexus.ErrSizeMismatch),
		errors.Is(err, nexus.ErrBlockSizeMismatch),
		errors.Is(err, nexus.ErrUnsupportedTransport):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (a *apiServer) fail(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		a.log.Error("request failed", zap.Error(err))
	}
	writeJSON(w, code, errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

type createPoolRequest struct {
	Name          string   `json:"name"`
	Devices       []string `json:"devices"`
	CapacityBytes int64    `json:"capacity_bytes"`
}

func (a *apiServer) createPool(w http.ResponseWriter, r *http.Request) {
	var req createPoolRequest
	if err := decode(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	info, err := a.svc.CreatePool(req.Name, req.Devices, req.CapacityBytes)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (a *apiServer) listPools(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.svc.ListPools())
}

func (a *apiServer) destroyPool(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.DestroyPool(mux.Vars(r)["pool"]); err != nil {
		a.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type createReplicaRequest struct {
	UUID      string `json:"uuid"`
	SizeBytes uint64 `json:"size_bytes"`
	BlockSize uint32 `json:"block_size"`
}

func (a *apiServer) createReplica(w http.ResponseWriter, r *http.Request) {
	var req createReplicaRequest
	if err := decode(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	info, err := a.svc.CreateReplica(mux.Vars(r)["pool"], req.UUID, req.SizeBytes, req.BlockSize)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (a *apiServer) destroyReplica(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := a.svc.DestroyReplica(vars["pool"], vars["uuid"]); err != nil {
		a.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type shareResponse struct {
	URI string `json:"uri"`
}

func (a *apiServer) shareReplica(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	uri, err := a.svc.ShareReplica(vars["pool"], vars["uuid"])
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, shareResponse{URI: uri})
}

func (a *apiServer) unshareReplica(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.UnshareReplica(mux.Vars(r)["uuid"]); err != nil {
		a.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type createNexusRequest struct {
	UUID      string   `json:"uuid"`
	SizeBytes uint64   `json:"size_bytes"`
	BlockSize uint32   `json:"block_size"`
	Children  []string `json:"children"`
}

func (a *apiServer) createNexus(w http.ResponseWriter, r *http.Request) {
	var req createNexusRequest
	if err := decode(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	info, err := a.svc.CreateNexus(r.Context(), req.UUID, req.SizeBytes, req.BlockSize, req.Children)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (a *apiServer) listNexuses(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.svc.ListNexuses())
}

func (a *apiServer) nexusStatus(w http.ResponseWriter, r *http.Request) {
	info, err := a.svc.NexusStatus(mux.Vars(r)["uuid"])
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (a *apiServer) destroyNexus(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.DestroyNexus(mux.Vars(r)["uuid"]); err != nil {
		a.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type addChildRequest struct {
	URI string `json:"uri"`
}

func (a *apiServer) addChild(w http.ResponseWriter, r *http.Request) {
	var req addChildRequest
	if err := decode(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	if err := a.svc.AddChild(r.Context(), mux.Vars(r)["uuid"], req.URI); err != nil {
		a.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *apiServer) removeChild(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := a.svc.RemoveChild(vars["uuid"], vars["child"]); err != nil {
		a.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type publishRequest struct {
	Transport string `json:"transport"`
}

func (a *apiServer) publishNexus(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if err := decode(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	sess, err := a.svc.PublishNexus(mux.Vars(r)["uuid"], nexus.Transport(req.Transport))
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (a *apiServer) unpublishNexus(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.UnpublishNexus(mux.Vars(r)["uuid"]); err != nil {
		a.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
