package http

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/goapprove/goapprove/internal/log"
	"github.com/goapprove/goapprove/pkg/models"
	"github.com/goapprove/goapprove/pkg/service"
	"github.com/goapprove/goapprove/pkg/storage"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
)

// Server exposes the approval engine over HTTP.
type Server struct {
	definitions *service.DefinitionService
	instances   *service.InstanceService
	ledger      *service.LedgerService
}

func NewServer(definitions *service.DefinitionService, instances *service.InstanceService, ledger *service.LedgerService) *Server {
	return &Server{definitions: definitions, instances: instances, ledger: ledger}
}

// Router builds the HTTP routing table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(requestIDMiddleware)

	r.HandleFunc("/health", healthHandler).Methods(http.MethodGet)

	r.HandleFunc("/definitions", s.createDefinition).Methods(http.MethodPost)
	r.HandleFunc("/definitions", s.listDefinitions).Methods(http.MethodGet)
	r.HandleFunc("/definitions/{id:[0-9]+}", s.getDefinition).Methods(http.MethodGet)
	r.HandleFunc("/definitions/{id:[0-9]+}/publish", s.publishDefinition).Methods(http.MethodPost)

	r.HandleFunc("/instances", s.createInstance).Methods(http.MethodPost)
	r.HandleFunc("/instances", s.listInstances).Methods(http.MethodGet)
	r.HandleFunc("/instances/{id:[0-9]+}", s.getInstance).Methods(http.MethodGet)
	r.HandleFunc("/instances/{id:[0-9]+}/history", s.instanceHistory).Methods(http.MethodGet)
	r.HandleFunc("/instances/{id:[0-9]+}/verify", s.verifyInstance).Methods(http.MethodPost)

	r.HandleFunc("/tasks/pending", s.pendingTasks).Methods(http.MethodGet)
	r.HandleFunc("/tasks/{id:[0-9]+}/decision", s.submitDecision).Methods(http.MethodPost)

	return r
}

// StartServer wires the services over the given store and serves until the
// listener fails.
func StartServer(port string, store storage.Store, binding service.EntityBinding, notifier service.Notifier) error {
	logger := log.GetLogger()
	definitions := service.NewDefinitionService(store, logger)
	dispatcher := service.NewTaskDispatcher(binding, service.AssigneeAuthorizer{}, logger)
	instances := service.NewInstanceService(store, dispatcher, binding, notifier, logger)
	ledger := service.NewLedgerService(store, logger)
	srv := NewServer(definitions, instances, ledger)

	logger.Infof("Starting goapprove server on :%s", port)
	return http.ListenAndServe(":"+port, srv.Router())
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-Id")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", reqID)
		next.ServeHTTP(w, r)
	})
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) createDefinition(w http.ResponseWriter, r *http.Request) {
	var def models.WorkflowDefinition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid request body: "+err.Error()))
		return
	}
	id, err := s.definitions.CreateDefinition(def)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int64{"id": id})
}

func (s *Server) listDefinitions(w http.ResponseWriter, _ *http.Request) {
	defs, err := s.definitions.ListDefinitions()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, defs)
}

func (s *Server) getDefinition(w http.ResponseWriter, r *http.Request) {
	def, err := s.definitions.GetDefinition(pathID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

func (s *Server) publishDefinition(w http.ResponseWriter, r *http.Request) {
	if err := s.definitions.Publish(pathID(r)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "published"})
}

type createInstanceRequest struct {
	DefinitionID int64                 `json:"definition_id"`
	EntityType   string                `json:"entity_type"`
	EntityID     string                `json:"entity_id"`
	Initiator    string                `json:"initiator"`
	Snapshot     models.EntitySnapshot `json:"snapshot,omitempty"`
}

func (s *Server) createInstance(w http.ResponseWriter, r *http.Request) {
	var req createInstanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid request body: "+err.Error()))
		return
	}
	id, err := s.instances.CreateInstance(req.DefinitionID, req.EntityType, req.EntityID, req.Initiator, req.Snapshot)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int64{"id": id})
}

func (s *Server) listInstances(w http.ResponseWriter, _ *http.Request) {
	instances, err := s.instances.ListInstances()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, instances)
}

func (s *Server) getInstance(w http.ResponseWriter, r *http.Request) {
	details, err := s.instances.InstanceDetails(pathID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, details)
}

func (s *Server) instanceHistory(w http.ResponseWriter, r *http.Request) {
	history, err := s.ledger.History(pathID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (s *Server) verifyInstance(w http.ResponseWriter, r *http.Request) {
	if err := s.ledger.VerifyInstance(pathID(r)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "consistent"})
}

func (s *Server) pendingTasks(w http.ResponseWriter, r *http.Request) {
	principal := r.URL.Query().Get("principal")
	if principal == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("missing 'principal' parameter"))
		return
	}
	tasks, err := s.ledger.PendingTasksFor(principal)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) submitDecision(w http.ResponseWriter, r *http.Request) {
	var dec service.Decision
	if err := json.NewDecoder(r.Body).Decode(&dec); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid request body: "+err.Error()))
		return
	}
	if err := s.instances.SubmitDecision(pathID(r), dec); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

func pathID(r *http.Request) int64 {
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	return id
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.GetLogger().Errorf("Failed to encode response: %v", err)
	}
}

func errorBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}

// writeError maps the engine's error taxonomy onto HTTP status codes.
// Conflicts (lost races, already-resolved tasks, duplicate active instances)
// are 409 so callers know a refresh-and-retry is safe.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrInvalidDefinition),
		errors.Is(err, service.ErrDefinitionNotPublished),
		errors.Is(err, service.ErrInvalidDecision):
		status = http.StatusBadRequest
	case errors.Is(err, service.ErrNotAuthorized):
		status = http.StatusForbidden
	case errors.Is(err, storage.ErrTaskNotPending),
		errors.Is(err, storage.ErrStaleInstance),
		errors.Is(err, storage.ErrDuplicateActiveInstance),
		errors.Is(err, service.ErrInstanceClosed):
		status = http.StatusConflict
	case errors.Is(err, service.ErrNoApproversResolved):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, service.ErrStateDivergence):
		status = http.StatusInternalServerError
	}
	if status == http.StatusInternalServerError {
		log.GetLogger().Errorf("Request failed: %v", err)
	}
	writeJSON(w, status, errorBody(err.Error()))
}
