package status

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/hashicorp/go-hclog"
)

type Handler struct {
	logger hclog.Logger
	board  *Board
}

func NewHandler(logger hclog.Logger, board *Board) *Handler {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Handler{logger: logger, board: board}
}

// NewRouter wires the status routes:
//
//	GET /healthz
//	GET /status
//	GET /validations
//	GET /validations/{step}
func NewRouter(handler *Handler) *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/healthz", handler.Health).Methods(http.MethodGet)
	router.HandleFunc("/status", handler.Status).Methods(http.MethodGet)
	router.HandleFunc("/validations", handler.Validations).Methods(http.MethodGet)
	router.HandleFunc("/validations/{step:[0-9]+}", handler.ValidationAt).Methods(http.MethodGet)
	return router
}

func (handler *Handler) Health(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Add("Content-Type", "application/json")
	rw.WriteHeader(http.StatusOK)
	handler.toJSON(map[string]string{"status": "ok"}, rw)
}

func (handler *Handler) Status(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Add("Content-Type", "application/json")

	snapshot, ok := handler.board.Snapshot()
	if !ok && !snapshot.Done {
		rw.WriteHeader(http.StatusServiceUnavailable)
		handler.toJSON("training has not started", rw)
		return
	}
	rw.WriteHeader(http.StatusOK)
	handler.toJSON(snapshot, rw)
}

func (handler *Handler) Validations(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Add("Content-Type", "application/json")
	rw.WriteHeader(http.StatusOK)
	handler.toJSON(handler.board.Validations(), rw)
}

func (handler *Handler) ValidationAt(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Add("Content-Type", "application/json")

	step, err := strconv.Atoi(getURLParameter(r, "step"))
	if err != nil {
		rw.WriteHeader(http.StatusBadRequest)
		handler.toJSON("invalid step", rw)
		return
	}
	v, ok := handler.board.ValidationAt(step)
	if !ok {
		rw.WriteHeader(http.StatusNotFound)
		handler.toJSON("no validation at the given step", rw)
		return
	}
	rw.WriteHeader(http.StatusOK)
	handler.toJSON(v, rw)
}

func (handler *Handler) toJSON(v interface{}, w io.Writer) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		handler.logger.Error("failed to encode response", "error", err)
	}
}

func getURLParameter(r *http.Request, parameter string) string {
	vars := mux.Vars(r)
	return vars[parameter]
}
