package server

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/nxy-sh/nxy/go/store"
)

// Fixed message of 500 responses caused by database errors. Internals are
// not leaked to the caller.
const dbErrorMessage = "an internal database error occurred"

// API is the admin HTTP surface consumed by nxyctl, plus the agent session
// endpoint.
type API struct {
	store      *store.Store
	manager    *Manager
	reconciler *Reconciler
}

// NewAPI returns the admin API over the given collaborators.
func NewAPI(st *store.Store, manager *Manager, reconciler *Reconciler) *API {
	return &API{store: st, manager: manager, reconciler: reconciler}
}

// Router builds the route table.
func (s *API) Router() *mux.Router {
	var router = mux.NewRouter()

	router.Path("/api/v1/agent").Methods("GET").HandlerFunc(s.listAgents)
	router.Path("/api/v1/agent/ws").Methods("GET").HandlerFunc(s.serveAgentSession)
	router.Path("/api/v1/agent/{agent_id}").Methods("POST").HandlerFunc(s.assignConfiguration)
	router.Path("/api/v1/agent/{agent_id}/download").Methods("POST").HandlerFunc(s.downloadStorePath)
	router.Path("/api/v1/agent/{agent_id}/activate").Methods("POST").HandlerFunc(s.activateStorePath)

	router.Path("/api/v1/flake").Methods("GET").HandlerFunc(s.listFlakes)
	router.Path("/api/v1/flake").Methods("POST").HandlerFunc(s.createFlake)
	router.Path("/api/v1/flake").Methods("PUT").HandlerFunc(s.updateFlakes)

	router.Path("/api/v1/configuration").Methods("GET").HandlerFunc(s.listConfigurations)

	router.Path("/metrics").Handler(promhttp.Handler())

	return router
}

type agentResponse struct {
	ID            uuid.UUID `json:"id"`
	CurrentSystem *string   `json:"current_system,omitempty"`
}

func (s *API) listAgents(w http.ResponseWriter, r *http.Request) {
	var agents, err = s.store.ListAgents(r.Context())
	if err != nil {
		respondDBError(w, err)
		return
	}

	var out = make([]agentResponse, 0, len(agents))
	for _, a := range agents {
		out = append(out, agentResponse{ID: a.ID, CurrentSystem: a.CurrentSystem})
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *API) assignConfiguration(w http.ResponseWriter, r *http.Request) {
	var agentID, ok = pathAgentID(w, r)
	if !ok {
		return
	}
	var body struct {
		ConfigID int64 `json:"config_id"`
	}
	if !decodeBody(w, r, &body) {
		return
	}

	if err := s.store.AssignConfiguration(r.Context(), agentID, body.ConfigID); err != nil {
		respondDBError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, struct{}{})
}

func (s *API) downloadStorePath(w http.ResponseWriter, r *http.Request) {
	var agentID, ok = pathAgentID(w, r)
	if !ok {
		return
	}
	var body struct {
		StorePath string `json:"store_path"`
	}
	if !decodeBody(w, r, &body) {
		return
	}

	if err := s.manager.Download(r.Context(), agentID, body.StorePath); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, struct{}{})
}

func (s *API) activateStorePath(w http.ResponseWriter, r *http.Request) {
	var agentID, ok = pathAgentID(w, r)
	if !ok {
		return
	}
	var body struct {
		StorePath string `json:"store_path"`
	}
	if !decodeBody(w, r, &body) {
		return
	}

	if err := s.manager.Activate(r.Context(), agentID, body.StorePath); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, struct{}{})
}

func (s *API) listFlakes(w http.ResponseWriter, r *http.Request) {
	var flakes, err = s.store.ListFlakes(r.Context())
	if err != nil {
		respondDBError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, flakes)
}

func (s *API) createFlake(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Flake struct {
			FlakeURL string `json:"flake_url"`
		} `json:"flake"`
	}
	if !decodeBody(w, r, &body) {
		return
	}

	var flake, err = s.reconciler.RegisterFlake(r.Context(), body.Flake.FlakeURL)
	if err != nil {
		log.WithFields(log.Fields{"flake": body.Flake.FlakeURL, "err": err}).
			Warn("failed to register flake")
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, struct {
		Flake store.Flake `json:"flake"`
	}{flake})
}

func (s *API) updateFlakes(w http.ResponseWriter, r *http.Request) {
	if err := s.reconciler.UpdateFlakes(r.Context()); err != nil {
		respondDBError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, struct{}{})
}

func (s *API) listConfigurations(w http.ResponseWriter, r *http.Request) {
	var configs, err = s.store.ListConfigurations(r.Context())
	if err != nil {
		respondDBError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, configs)
}

func pathAgentID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	var id, err = uuid.Parse(mux.Vars(r)["agent_id"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid agent id")
		return uuid.Nil, false
	}
	return id, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, out interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func respondJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.WithField("err", err).Warn("failed to write response")
	}
}

func respondError(w http.ResponseWriter, code int, message string) {
	respondJSON(w, code, struct {
		Error string `json:"error"`
	}{message})
}

func respondDBError(w http.ResponseWriter, err error) {
	log.WithField("err", err).Error("database error")
	respondError(w, http.StatusInternalServerError, dbErrorMessage)
}
