package transport

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/uniset/mediator/internal/handler"
	"github.com/uniset/mediator/internal/logger"
)

// handshakeReadLimit caps the first frame of a WebSocket connection, which
// must be the session id issued by LoginConfirm (spec §6's "default 1024
// bytes for session handshake"). ackReadLimit bounds every frame after
// that, which is always the literal text "OK".
const (
	handshakeReadLimit = 1024
	ackReadLimit       = 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleWebSocket upgrades the mediator's one well-known session socket
// (spec §4.7). The first frame binds the socket to a Session created by
// LoginConfirm; everything after that is the event stream described in
// spec §6, one frame at a time, each acknowledged by the client with
// "OK". Grounded on the teacher's internal/uwsgate.Client, which runs the
// same dial/readLoop/reconnect shape for the mirror direction (the
// mediator dials out to a uniset gateway there; here it accepts client
// sockets instead).
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("transport: websocket upgrade failed", "err", err)
		return
	}

	conn.SetReadLimit(handshakeReadLimit)
	_, msg, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return
	}

	sess, ok := s.hub.Session(string(msg))
	if !ok {
		closeMsg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unknown session")
		conn.WriteMessage(websocket.CloseMessage, closeMsg)
		conn.Close()
		return
	}

	conn.SetReadLimit(ackReadLimit)
	done := make(chan struct{})
	go s.wsReadLoop(conn, sess, done)
	s.wsWriteLoop(conn, sess, done)
	conn.Close()
}

// wsReadLoop drains acknowledgements off the socket until it closes or a
// frame exceeds ackReadLimit, in which case gorilla itself sends the
// MessageTooBig close (spec §6).
func (s *Server) wsReadLoop(conn *websocket.Conn, sess *handler.Session, done chan struct{}) {
	defer close(done)
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if string(msg) == "OK" {
			sess.Ack()
		}
	}
}

// wsWriteLoop drains sess.Outbound() onto the socket as JSON event frames
// until the read side signals the connection is gone. A variable
// value-changed event may have been superseded one or more times by a
// fresher coalesced value since it was placed on the queue, so TakePending
// is consulted for the value actually sent — never the stale payload read
// off the channel — before that variable's coalescing window reopens (spec
// §4.6's "keep only the newest value").
func (s *Server) wsWriteLoop(conn *websocket.Conn, sess *handler.Session, done <-chan struct{}) {
	for {
		select {
		case ev := <-sess.Outbound():
			if ev.Kind == handler.OnVariableValueChanged {
				if latest, ok := sess.TakePending(ev.Variable); ok {
					ev = latest
				}
			}
			if err := conn.WriteJSON(eventFrame(ev)); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// eventFrame renders an Event as the JSON object shape spec §6 defines:
// {"event": <name>, ...fields relevant to that event kind}.
func eventFrame(ev handler.Event) map[string]any {
	frame := map[string]any{"event": string(ev.Kind)}
	switch ev.Kind {
	case handler.OnVariableValueChanged:
		frame["variable"] = ev.Variable
		frame["value"] = ev.Value
	case handler.OnVariableHistoryChanged:
		frame["variable"] = ev.Variable
		frame["minTS"] = ev.MinTS
		frame["maxTS"] = ev.MaxTS
	case handler.OnConfigChanged:
		frame["object"] = ev.Object
	case handler.OnAlarmOrEvent:
		frame["severity"] = ev.Severity
		frame["message"] = ev.Message
		frame["moduleID"] = ev.ModuleID
	}
	return frame
}
