package display

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/andresmejia3/labscan/internal/session"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	sendBuffer   = 8
	writeTimeout = 5 * time.Second
)

// Controller is the part of the session controller the display needs.
type Controller interface {
	Snapshot() session.Snapshot
	Reset() error
}

// StateView is the JSON shape of /api/state and of "state" push messages.
type StateView struct {
	session.Snapshot
	Labels     []string  `json:"labels,omitempty"`
	FaceSignal bool      `json:"faceSignal"`
	ServerTime time.Time `json:"serverTime"`
}

type message struct {
	Type  string     `json:"type"` // state | toast
	State *StateView `json:"state,omitempty"`
	// Toast is always present so a dismiss arrives as an explicit null.
	Toast *session.Notice `json:"toast"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Server exposes the kiosk view over HTTP and pushes updates over WebSocket.
type Server struct {
	ctrl       Controller
	log        *logrus.Entry
	router     *mux.Router
	upgrader   websocket.Upgrader
	faceWindow time.Duration
	now        func() time.Time

	mu      sync.Mutex
	clients map[*client]struct{}
	toast   *session.Notice
}

func New(ctrl Controller, faceWindow time.Duration, log *logrus.Entry) *Server {
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = logrus.NewEntry(l)
	}
	s := &Server{
		ctrl:       ctrl,
		log:        log,
		faceWindow: faceWindow,
		now:        time.Now,
		clients:    make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Local kiosk display; any origin on the machine may connect.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/state", s.handleState).Methods(http.MethodGet)
	r.HandleFunc("/api/reset", s.handleReset).Methods(http.MethodPost)
	r.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)
	s.router = r
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves until ctx ends, then shuts down and drops clients.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: s.router, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		s.closeAll()
	}()

	s.log.WithField("addr", ln.Addr().String()).Info("display server listening")
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.view(s.ctrl.Snapshot()))
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Reset(); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}
	if msg, err := json.Marshal(message{Type: "state", State: s.view(s.ctrl.Snapshot())}); err == nil {
		c.send <- msg
	}

	s.mu.Lock()
	s.clients[c] = struct{}{}
	if s.toast != nil {
		if msg, err := json.Marshal(message{Type: "toast", Toast: s.toast}); err == nil {
			c.send <- msg
		}
	}
	s.mu.Unlock()
	s.log.WithField("remote", r.RemoteAddr).Debug("display client connected")

	go s.writeLoop(c)

	// The reader only watches for the close; a "reset" text frame is the manual action.
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if string(data) == "reset" {
			s.ctrl.Reset()
		}
	}
	s.drop(c)
}

func (s *Server) writeLoop(c *client) {
	defer c.conn.Close()
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			s.log.WithError(err).Debug("display client write failed")
			s.drop(c)
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// drop unregisters c and ends its writer. Safe to call more than once.
func (s *Server) drop(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[c]; !ok {
		return
	}
	delete(s.clients, c)
	close(c.send)
}

func (s *Server) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		delete(s.clients, c)
		close(c.send)
	}
}

// Present pushes a snapshot to every client. Clients whose buffer is full are dropped.
func (s *Server) Present(snap session.Snapshot) {
	s.broadcast(message{Type: "state", State: s.view(snap)})
}

// ShowToast pushes a toast; nil tells clients to dismiss.
func (s *Server) ShowToast(n *session.Notice) {
	s.mu.Lock()
	s.toast = n
	s.mu.Unlock()
	s.broadcast(message{Type: "toast", Toast: n})
}

func (s *Server) broadcast(m message) {
	msg, err := json.Marshal(m)
	if err != nil {
		s.log.WithError(err).Error("failed to encode display message")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		select {
		case c.send <- msg:
		default:
			s.log.Warn("display client too slow, dropping")
			delete(s.clients, c)
			close(c.send)
		}
	}
}

func (s *Server) view(snap session.Snapshot) *StateView {
	v := &StateView{
		Snapshot:   snap,
		FaceSignal: snap.FaceSignalFresh(s.now(), s.faceWindow),
		ServerTime: s.now(),
	}
	if snap.Transaction != nil {
		v.Labels = snap.Transaction.Labels()
	}
	return v
}

// Clients reports the number of connected display clients.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}
