//nolint:revive // api is a standard package name for API servers
package api

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"

	"github.com/jwoglom/collarlink/pkg/bluetooth"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

// Server provides a WebSocket API for monitoring the collar and injecting frames
type Server struct {
	http.Handler

	addr string
	mux  *http.ServeMux
	conn *websocket.Conn
	mtx  sync.Mutex

	providers   map[string]StateProvider
	providerMtx sync.RWMutex

	injector Injector
}

// StateProvider returns a JSON-encodable snapshot of one component
type StateProvider func() interface{}

// Injector delivers data as if the central had written it to a characteristic
type Injector func(charType bluetooth.CharacteristicType, data []byte) error

// Event is sent to websocket clients
type Event struct {
	Type           string                 `json:"type"`
	Characteristic string                 `json:"characteristic,omitempty"`
	Data           string                 `json:"data,omitempty"`
	Message        string                 `json:"message,omitempty"`
	Detail         map[string]interface{} `json:"detail,omitempty"`
}

// New creates a new API server listening on addr
func New(addr string) *Server {
	s := &Server{
		addr:      addr,
		mux:       http.NewServeMux(),
		providers: make(map[string]StateProvider),
	}
	s.setupRoutes()
	return s
}

// SetStateProvider registers a state snapshot served under name
func (s *Server) SetStateProvider(name string, provider StateProvider) {
	s.providerMtx.Lock()
	defer s.providerMtx.Unlock()
	s.providers[name] = provider
}

// SetInjector sets the callback for injected writes
func (s *Server) SetInjector(injector Injector) {
	s.injector = injector
}

// Mux returns the HTTP handler of the API
func (s *Server) Mux() http.Handler {
	return s.mux
}

// Start starts the HTTP/WebSocket server
func (s *Server) Start() error {
	log.Infof("Collar monitor API listening on %s", s.addr)
	return http.ListenAndServe(s.addr, s.mux)
}

// SendEvent sends an event to connected websocket clients
func (s *Server) SendEvent(event Event) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.conn == nil {
		return
	}

	data, err := json.Marshal(event)
	if err != nil {
		log.Errorf("Failed to marshal event: %v", err)
		return
	}

	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		log.Errorf("Failed to send websocket message: %v", err)
	}
}

// SendFrameEvent reports a frame crossing the link. direction is "rx" or "tx".
func (s *Server) SendFrameEvent(direction string, charType bluetooth.CharacteristicType, data []byte) {
	s.SendEvent(Event{
		Type:           direction,
		Characteristic: charType.String(),
		Data:           hex.EncodeToString(data),
	})
}

// SendConnectionEvent sends a connection status event
func (s *Server) SendConnectionEvent(connected bool, peer string) {
	eventType := "disconnected"
	if connected {
		eventType = "connected"
	}
	s.SendEvent(Event{
		Type:    eventType,
		Message: peer,
	})
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if _, err := fmt.Fprintf(w, "Collar Monitor API - Connect via WebSocket at /ws\n\n  GET    /api/state\n  GET    /api/state/{component}\n  POST   /api/inject"); err != nil {
			log.Warnf("Failed to write response: %v", err)
		}
	})
	s.mux.Handle("/ws", s)
	s.mux.HandleFunc("/api/state", s.handleStateAPI)
	s.mux.HandleFunc("/api/state/", s.handleStateAPI)
	s.mux.HandleFunc("/api/inject", s.handleInjectAPI)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log.Infof("WebSocket connection from: %s", r.RemoteAddr)

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Errorf("WebSocket upgrade failed: %v", err)
		return
	}

	s.mtx.Lock()
	if s.conn != nil {
		log.Info("Replacing previous WebSocket client")
		s.conn.Close()
	}
	s.conn = ws
	s.mtx.Unlock()

	// Send initial state
	s.sendState()

	// Listen for messages
	s.reader(ws)
}

// snapshot collects every registered provider
func (s *Server) snapshot() map[string]interface{} {
	s.providerMtx.RLock()
	defer s.providerMtx.RUnlock()

	out := make(map[string]interface{}, len(s.providers))
	for name, p := range s.providers {
		out[name] = p()
	}
	return out
}

// Components returns the registered provider names in order
func (s *Server) Components() []string {
	s.providerMtx.RLock()
	defer s.providerMtx.RUnlock()

	names := make([]string, 0, len(s.providers))
	for name := range s.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Server) sendState() {
	s.SendEvent(Event{Type: "state", Detail: s.snapshot()})
}

func (s *Server) reader(conn *websocket.Conn) {
	defer func() {
		s.mtx.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.mtx.Unlock()
		if err := conn.Close(); err != nil {
			log.Debugf("Error closing websocket: %v", err)
		}
	}()

	for {
		_, p, err := conn.ReadMessage()
		if err != nil {
			log.Infof("WebSocket read error: %v", err)
			return
		}
		log.Debugf("Received WebSocket message: %s", string(p))
		s.handleCommand(p)
	}
}

type commandMessage struct {
	Command        string `json:"command"`
	Characteristic string `json:"characteristic"`
	Data           string `json:"data"`
}

func (s *Server) handleCommand(data []byte) {
	var msg commandMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Errorf("Failed to parse command: %v", err)
		return
	}

	switch msg.Command {
	case "getState":
		s.sendState()
	case "inject":
		if err := s.inject(msg.Characteristic, msg.Data); err != nil {
			log.Errorf("Inject failed: %v", err)
			s.SendEvent(Event{Type: "error", Message: err.Error()})
		}
	case "":
		log.Error("Command field missing or not a string")
	default:
		log.Warnf("Unknown command: %s", msg.Command)
	}
}

func (s *Server) inject(charName string, dataHex string) error {
	charType, ok := parseCharacteristicName(charName)
	if !ok {
		return fmt.Errorf("unknown characteristic: %s", charName)
	}

	data, err := hex.DecodeString(dataHex)
	if err != nil {
		return fmt.Errorf("invalid hex data: %w", err)
	}

	if s.injector == nil {
		return fmt.Errorf("no injector configured")
	}
	s.SendFrameEvent("rx", charType, data)
	return s.injector(charType, data)
}

func parseCharacteristicName(name string) (bluetooth.CharacteristicType, bool) {
	if name == "" {
		return bluetooth.CharTx, true
	}
	for c := bluetooth.CharTx; c <= bluetooth.CharFirmwareVersion; c++ {
		if c.String() == name {
			return c, true
		}
	}
	return 0, false
}

// handleStateAPI serves every component snapshot, or one by name
func (s *Server) handleStateAPI(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")

	name := r.URL.Path[len("/api/state"):]
	if len(name) > 0 && name[0] == '/' {
		name = name[1:]
	}

	var body interface{}
	if name == "" {
		body = s.snapshot()
	} else {
		s.providerMtx.RLock()
		p, ok := s.providers[name]
		s.providerMtx.RUnlock()
		if !ok {
			http.Error(w, fmt.Sprintf("Unknown component: %s", name), http.StatusNotFound)
			return
		}
		body = p()
	}

	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Errorf("Failed to encode state: %v", err)
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

// handleInjectAPI accepts {"characteristic": "Tx", "data": "<hex>"}
func (s *Server) handleInjectAPI(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to read request body: %v", err), http.StatusBadRequest)
		return
	}
	defer func() {
		if err := r.Body.Close(); err != nil {
			log.Debugf("Error closing request body: %v", err)
		}
	}()

	var req commandMessage
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, fmt.Sprintf("Failed to parse request: %v", err), http.StatusBadRequest)
		return
	}

	if err := s.inject(req.Characteristic, req.Data); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "success",
		"message": fmt.Sprintf("Injected %d bytes", len(req.Data)/2),
	}); err != nil {
		log.Errorf("Failed to encode inject response: %v", err)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}
