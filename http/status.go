// Package http exposes a manager's consumers over a small JSON API, for
// dashboards and for poking at live connections by hand.
package http

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	gut "github.com/panyam/goutils/utils"
	"github.com/panyam/sockshare/share"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// MaxSendBody caps the body of a send request.
const MaxSendBody = 1 << 20

// NewStatusRouter serves:
//
//	GET  /consumers               all consumers and the shared socket URLs
//	GET  /consumers/{id}          one consumer
//	POST /consumers/{id}/restart  restart a consumer
//	POST /consumers/{id}/send     send the request body as a text frame
func NewStatusRouter(m *share.Manager) *mux.Router {
	h := &StatusHandler{Manager: m}
	r := mux.NewRouter()
	h.Register(r)
	return r
}

// StatusHandler serves consumer status for a Manager.
type StatusHandler struct {
	Manager *share.Manager
}

// Register adds the status routes to r.
func (h *StatusHandler) Register(r *mux.Router) {
	r.HandleFunc("/consumers", h.list).Methods(http.MethodGet)
	r.HandleFunc("/consumers/{id}", h.get).Methods(http.MethodGet)
	r.HandleFunc("/consumers/{id}/restart", h.restart).Methods(http.MethodPost)
	r.HandleFunc("/consumers/{id}/send", h.send).Methods(http.MethodPost)
}

func (h *StatusHandler) list(w http.ResponseWriter, r *http.Request) {
	consumers := h.Manager.Consumers()
	statuses := make([]share.Status, 0, len(consumers))
	for _, c := range consumers {
		statuses = append(statuses, c.Status())
	}
	SendJsonResponse(w, gut.StrMap{
		"consumers":     statuses,
		"sharedSockets": h.Manager.Registry().URLs(),
	}, nil)
}

func (h *StatusHandler) get(w http.ResponseWriter, r *http.Request) {
	c, err := h.consumer(r)
	if err != nil {
		SendJsonResponse(w, nil, err)
		return
	}
	SendJsonResponse(w, c.Status(), nil)
}

func (h *StatusHandler) restart(w http.ResponseWriter, r *http.Request) {
	c, err := h.consumer(r)
	if err == nil {
		err = toStatus(c.Restart())
	}
	if err != nil {
		SendJsonResponse(w, nil, err)
		return
	}
	SendJsonResponse(w, gut.StrMap{"restarting": c.ID()}, nil)
}

func (h *StatusHandler) send(w http.ResponseWriter, r *http.Request) {
	c, err := h.consumer(r)
	if err != nil {
		SendJsonResponse(w, nil, err)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, MaxSendBody))
	if err != nil {
		SendJsonResponse(w, nil, errors.Wrap(err, "reading body"))
		return
	}
	if len(body) == 0 {
		SendJsonResponse(w, nil, status.Error(codes.InvalidArgument, "empty message"))
		return
	}
	if err := toStatus(c.SendText(string(body))); err != nil {
		SendJsonResponse(w, nil, err)
		return
	}
	SendJsonResponse(w, gut.StrMap{"sent": len(body), "readyState": c.ReadyState().String()}, nil)
}

func (h *StatusHandler) consumer(r *http.Request) (*share.Consumer, error) {
	id := mux.Vars(r)["id"]
	c, ok := h.Manager.Consumer(id)
	if !ok {
		return nil, status.Errorf(codes.NotFound, "consumer %q not found", id)
	}
	return c, nil
}

func toStatus(err error) error {
	if errors.Is(err, share.ErrManagerClosed) {
		return status.Error(codes.Unavailable, err.Error())
	}
	return err
}

// SendJsonResponse writes a JSON response to the http.ResponseWriter.
// If err is nil, resp is marshaled to JSON and written with status 200 OK.
// If err is non-nil, an appropriate HTTP error code is set based on the gRPC
// status code (if present), and an error object is returned in the response body.
func SendJsonResponse(writer http.ResponseWriter, resp any, err error) {
	output := resp
	httpCode := ErrorToHttpCode(err)
	if err != nil {
		if er, ok := status.FromError(err); ok {
			output = gut.StrMap{
				"error":   er.Code().String(),
				"message": er.Message(),
			}
		} else {
			output = gut.StrMap{
				"error": err.Error(),
			}
		}
	}
	jsonResp, err := json.Marshal(output)
	if err != nil {
		log.Error().Err(err).Msg("marshaling json response")
		httpCode = http.StatusInternalServerError
		jsonResp = []byte(`{"error":"internal"}`)
	}
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(httpCode)
	writer.Write(jsonResp)
}

// ErrorToHttpCode converts a Go error to an appropriate HTTP status code.
// If err is nil, returns http.StatusOK (200).
// If err contains a gRPC status, maps it to the corresponding HTTP code:
//   - codes.PermissionDenied → 403 Forbidden
//   - codes.NotFound → 404 Not Found
//   - codes.AlreadyExists → 409 Conflict
//   - codes.InvalidArgument → 400 Bad Request
//   - codes.Unavailable → 503 Service Unavailable
//   - Other errors → 500 Internal Server Error
func ErrorToHttpCode(err error) int {
	if err == nil {
		return http.StatusOK
	}
	er, ok := status.FromError(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch er.Code() {
	case codes.PermissionDenied:
		return http.StatusForbidden
	case codes.NotFound:
		return http.StatusNotFound
	case codes.AlreadyExists:
		return http.StatusConflict
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
