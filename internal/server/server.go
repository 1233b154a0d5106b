package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shaunagostinho/obddash/internal/connection"
	"github.com/shaunagostinho/obddash/internal/datalog"
	"github.com/shaunagostinho/obddash/internal/elm"
	"github.com/shaunagostinho/obddash/internal/monitor"
	"github.com/shaunagostinho/obddash/internal/obd"
	"github.com/shaunagostinho/obddash/internal/stream"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var log = logrus.WithField("component", "server")

// Server exposes the link and the live parameter stream over HTTP and
// broadcasts readings to WebSocket clients.
type Server struct {
	cfg    *Config
	mgr    *connection.Manager
	sched  *stream.Scheduler
	memory *datalog.Memory
	webFS  fs.FS

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Frame is the JSON structure sent to WebSocket clients.
type Frame struct {
	Reading    *obd.Reading    `json:"reading,omitempty"`
	Status     *StatusData     `json:"status,omitempty"`
	Config     *DisplayConfig  `json:"config,omitempty"`
	Parameters []ParameterInfo `json:"parameters,omitempty"`
	Stamp      int64           `json:"stamp"` // Unix ms
}

// StatusData describes the link for clients.
type StatusData struct {
	State   connection.Status `json:"state"`
	Address string            `json:"address,omitempty"`
	Session string            `json:"session,omitempty"`
	Errors  int               `json:"errors"`
}

// ParameterInfo is one row of the parameter table with its latest value.
type ParameterInfo struct {
	ID         obd.ParameterID `json:"id"`
	Name       string          `json:"name"`
	Unit       string          `json:"unit"`
	IntervalMs int64           `json:"intervalMs"`
	Streamed   bool            `json:"streamed"`
	Latest     *obd.Reading    `json:"latest,omitempty"`
}

// New creates a new Server. memory may be nil, in which case /api/log is empty.
func New(cfg *Config, mgr *connection.Manager, sched *stream.Scheduler, memory *datalog.Memory, webFS fs.FS) *Server {
	return &Server{
		cfg:     cfg,
		mgr:     mgr,
		sched:   sched,
		memory:  memory,
		webFS:   webFS,
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	if s.webFS != nil {
		mux.Handle("/", http.FileServer(http.FS(s.webFS)))
	}
	mux.HandleFunc("/ws", s.handleWS)

	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/connect", s.handleConnect)
	mux.HandleFunc("/api/disconnect", s.handleDisconnect)
	mux.HandleFunc("/api/command", s.handleCommand)
	mux.HandleFunc("/api/parameters", s.handleParameters)
	mux.HandleFunc("/api/log", s.handleLog)

	mux.Handle("/metrics", monitor.Handler())
	return mux
}

// Run serves HTTP and streams the configured parameters until ctx ends.
func (s *Server) Run(ctx context.Context) error {
	ids, err := s.cfg.Streamed()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	subs := make([]*stream.Subscription, 0, len(ids))
	for _, id := range ids {
		sub, err := s.sched.Subscribe(ctx, id)
		if err != nil {
			return err
		}
		subs = append(subs, sub)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.watchStatus(ctx)
		return nil
	})
	for _, sub := range subs {
		sub := sub
		g.Go(func() error {
			s.forward(ctx, sub)
			return nil
		})
	}

	srv := &http.Server{
		Addr:              s.cfg.Server.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})

	g.Go(func() error {
		log.Infof("listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	return g.Wait()
}

// watchStatus broadcasts every link status change.
func (s *Server) watchStatus(ctx context.Context) {
	ch, stop := s.mgr.Watch()
	defer stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ch:
			s.broadcast(Frame{Status: s.statusData(), Stamp: time.Now().UnixMilli()})
		}
	}
}

// forward relays one subscription to all clients.
func (s *Server) forward(ctx context.Context, sub *stream.Subscription) {
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case r, ok := <-sub.C():
			if !ok {
				return
			}
			s.broadcast(Frame{Reading: &r, Stamp: time.Now().UnixMilli()})
		}
	}
}

func (s *Server) statusData() *StatusData {
	return &StatusData{
		State:   s.mgr.Status(),
		Address: s.mgr.LastAddress(),
		Session: s.mgr.SessionID(),
		Errors:  s.mgr.ConsecutiveErrors(),
	}
}

func (s *Server) parameterTable() []ParameterInfo {
	streamed := make(map[obd.ParameterID]bool)
	for _, id := range s.sched.Active() {
		streamed[id] = true
	}
	params := obd.Parameters()
	out := make([]ParameterInfo, 0, len(params))
	for _, p := range params {
		info := ParameterInfo{
			ID:         p.ID,
			Name:       p.Name,
			Unit:       p.Unit,
			IntervalMs: s.sched.Interval(p.ID).Milliseconds(),
			Streamed:   streamed[p.ID],
		}
		if r, ok := s.sched.Latest(p.ID); ok {
			info.Latest = &r
		}
		out = append(out, info)
	}
	return out
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("ws upgrade error: %v", err)
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	// Initial snapshot goes out before any broadcast can
	display := s.cfg.DisplaySnapshot()
	snapshot := Frame{
		Config:     &display,
		Status:     s.statusData(),
		Parameters: s.parameterTable(),
		Stamp:      time.Now().UnixMilli(),
	}
	if data, err := json.Marshal(snapshot); err == nil {
		client.send <- data
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()
	log.Infof("ws client connected (%d total)", n)

	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			n := len(s.clients)
			s.clientsMu.Unlock()
			close(client.send)
			log.Infof("ws client disconnected (%d total)", n)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := s.cfg.Save(); err != nil {
			log.Warnf("config save failed: %v", err)
		}
		display := s.cfg.DisplaySnapshot()
		s.broadcast(Frame{Config: &display, Stamp: time.Now().UnixMilli()})
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.statusData())
}

type connectRequest struct {
	Address string `json:"address"`
}

type connectResponse struct {
	OK      bool        `json:"ok"`
	Message string      `json:"message"`
	Status  *StatusData `json:"status"`
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req connectRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
	}
	address := strings.TrimSpace(req.Address)
	if address == "" && s.mgr.LastAddress() == "" {
		address = s.cfg.Link().Address
	}

	res := s.mgr.Connect(r.Context(), address)
	code := http.StatusOK
	if !res.OK {
		code = http.StatusBadGateway
		if errors.Is(res.Err, connection.ErrNoAddress) {
			code = http.StatusBadRequest
		}
	}
	writeJSON(w, code, connectResponse{OK: res.OK, Message: res.Message, Status: s.statusData()})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.mgr.Disconnect()
	writeJSON(w, http.StatusOK, s.statusData())
}

type commandRequest struct {
	Command string `json:"command"`
}

type commandResponse struct {
	Command  string `json:"command"`
	Response string `json:"response,omitempty"`
	Error    string `json:"error,omitempty"`
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	req.Command = strings.TrimSpace(req.Command)
	if req.Command == "" {
		writeJSON(w, http.StatusBadRequest, commandResponse{Error: "empty command"})
		return
	}

	resp, err := s.mgr.SendCommand(r.Context(), req.Command)
	if err != nil {
		writeJSON(w, commandErrorCode(err), commandResponse{Command: req.Command, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, commandResponse{Command: req.Command, Response: resp})
}

func commandErrorCode(err error) int {
	switch {
	case errors.Is(err, elm.ErrNotConnected), errors.Is(err, elm.ErrProcessorStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, elm.ErrNoResponse), errors.Is(err, elm.ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func (s *Server) handleParameters(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.parameterTable())
}

func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	entries := []datalog.Entry{}
	if s.memory != nil {
		entries = s.memory.Recent()
	}
	writeJSON(w, http.StatusOK, entries)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debugf("write response: %v", err)
	}
}

func (s *Server) broadcast(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
		}
	}
}
