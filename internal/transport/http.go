// Package transport implements the mediator's single HTTP listener: POST
// RPC dispatch with JSON/binary codec negotiation, and the WebSocket
// session socket (spec §4.7). Grounded on the teacher's cmd/server
// (single http.Server, ListenAndServe, signal-driven shutdown) and
// internal/api.Handlers' writeJSON/writeError pair.
package transport

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"net/http"
	"reflect"
	"strings"

	"github.com/uniset/mediator/internal/errs"
	"github.com/uniset/mediator/internal/handler"
	"github.com/uniset/mediator/internal/logger"
)

// codecOctetStream is the content type that opts a request into the
// binary codec (spec §4.7).
const codecOctetStream = "application/octet-stream"

// Server is the mediator's single HTTP listener. It dispatches POSTs
// through handler.Dispatcher and upgrades the one well-known WebSocket
// path (spec §4.7).
type Server struct {
	dispatcher *handler.Dispatcher
	hub        *handler.Hub

	// PayloadFor resolves a method name to a fresh, empty pointer the
	// request body decodes into. The dispatch table only knows method
	// names; concrete payload shapes live with the handler package, so
	// callers register them here at startup.
	PayloadFor map[string]func() any

	mux *http.ServeMux
}

// NewServer builds a Server around dispatcher/hub, registering one POST
// route per entry in payloadFactories (spec §4.7 — "its path is matched
// against a static table of request definitions"). payloadFactories comes
// from handler.Handler.PayloadFactories, which alone knows the concrete
// (unexported) payload types each method expects.
func NewServer(dispatcher *handler.Dispatcher, hub *handler.Hub, payloadFactories map[string]func() any) *Server {
	s := &Server{
		dispatcher: dispatcher,
		hub:        hub,
		PayloadFor: payloadFactories,
		mux:        http.NewServeMux(),
	}
	for m := range payloadFactories {
		method := m
		s.mux.HandleFunc("/"+method, func(w http.ResponseWriter, r *http.Request) {
			s.handleRPC(method, w, r)
		})
	}
	s.mux.HandleFunc("/ws", s.handleWebSocket)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleRPC(method string, w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, r, http.StatusBadRequest, "method must be POST")
		return
	}

	payload, err := s.decodePayload(method, r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	sess := s.sessionFromHeader(r)
	resp, err := s.dispatcher.Dispatch(method, &handler.Request{Session: sess, Payload: payload})
	if err != nil {
		writeError(w, r, statusFor(err), err.Error())
		return
	}
	writeResponse(w, r, resp)
}

func (s *Server) sessionFromHeader(r *http.Request) *handler.Session {
	id := r.Header.Get("X-Session-Id")
	if id == "" {
		return nil
	}
	sess, _ := s.hub.Session(id)
	return sess
}

// decodePayload reads the request body as JSON by default, or via the
// binary codec when Content-Type is application/octet-stream (spec
// §4.7). No pack example targets a general binary RPC serialization; gob
// is the standard library's own answer to "symmetric binary
// serialization of Go types", so it stays on stdlib here by the same
// standard applied elsewhere to primitives the ecosystem doesn't cover.
func (s *Server) decodePayload(method string, r *http.Request) (any, error) {
	newPayload, ok := s.PayloadFor[method]
	if !ok {
		return nil, errs.Newf(errs.Request, "transport.decodePayload", "no payload registered for %q", method)
	}
	dst := newPayload()

	defer r.Body.Close()
	if strings.HasPrefix(r.Header.Get("Content-Type"), codecOctetStream) {
		if err := gob.NewDecoder(r.Body).Decode(dst); err != nil {
			return nil, err
		}
	} else {
		if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
			return nil, err
		}
	}

	return reflect.ValueOf(dst).Elem().Interface(), nil
}

func writeResponse(w http.ResponseWriter, r *http.Request, data any) {
	if wantsBinary(r) {
		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(data); err != nil {
			logger.Error("transport: gob encode failed", "err", err)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", codecOctetStream)
		w.Write(buf.Bytes())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("transport: json encode failed", "err", err)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func wantsBinary(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), codecOctetStream)
}

// statusFor maps a taxonomy Kind to an HTTP status (spec §7's
// propagation table).
func statusFor(err error) int {
	if err == handler.ErrStarting {
		return http.StatusServiceUnavailable
	}
	switch errs.KindOf(err) {
	case errs.Request:
		return http.StatusBadRequest
	case errs.Auth:
		return http.StatusUnauthorized
	case errs.Timeout:
		return http.StatusRequestTimeout
	case errs.Conflict:
		return http.StatusConflict
	case errs.Connectivity:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
