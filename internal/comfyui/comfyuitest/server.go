// Package comfyuitest provides an in-process fake of the ComfyUI HTTP and
// websocket API for tests.
package comfyuitest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Upload is a file received on /upload/image
type Upload struct {
	Filename    string
	ContentType string
	Overwrite   string
	Data        []byte
}

// Submission is a body received on /prompt
type Submission struct {
	PromptID   string
	ClientID   string
	Prompt     map[string]interface{}
	Subscribed bool // a websocket for ClientID was open when the prompt arrived
}

// Server fakes a ComfyUI instance
type Server struct {
	*httptest.Server

	mu sync.Mutex

	// PingFailures makes the first N GET / requests answer 503; negative fails forever
	PingFailures int
	// UploadStatus overrides the /upload/image status when non-zero
	UploadStatus int
	// PromptStatus overrides the /prompt status when non-zero
	PromptStatus int
	// NeverComplete suppresses the completion event
	NeverComplete bool
	// ExecutionError sends an execution_error instead of completing
	ExecutionError string
	// Outputs is returned as the history outputs of every prompt
	Outputs map[string]interface{}
	// Files maps filenames to /view content
	Files map[string][]byte

	Pings       int
	Views       int
	Interrupts  int
	Uploads     []Upload
	Submissions []Submission

	upgrader websocket.Upgrader
	clients  map[string]*wsClient
}

// wsClient is registered before the upgrade completes so a prompt posted right
// after the handshake always finds it.
type wsClient struct {
	ready chan struct{}
	conn  *websocket.Conn
}

// NewServer starts a fake ComfyUI server
func NewServer() *Server {
	s := &Server{
		Outputs: map[string]interface{}{},
		Files:   map[string][]byte{},
		clients: map[string]*wsClient{},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("/upload/image", s.handleUpload)
	mux.HandleFunc("/prompt", s.handlePrompt)
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/history/", s.handleHistory)
	mux.HandleFunc("/view", s.handleView)
	mux.HandleFunc("/interrupt", s.handleInterrupt)

	s.Server = httptest.NewServer(mux)
	return s
}

// Host returns host:port of the server
func (s *Server) Host() string {
	return strings.TrimPrefix(s.URL, "http://")
}

// Lock and Unlock guard the exported fields while handlers are running
func (s *Server) Lock()   { s.mu.Lock() }
func (s *Server) Unlock() { s.mu.Unlock() }

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	s.mu.Lock()
	s.Pings++
	fail := s.PingFailures < 0 || s.Pings <= s.PingFailures
	s.mu.Unlock()

	if fail {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	file, header, err := r.FormFile("image")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer file.Close()
	data, _ := io.ReadAll(file)

	s.mu.Lock()
	status := s.UploadStatus
	s.Uploads = append(s.Uploads, Upload{
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Overwrite:   r.FormValue("overwrite"),
		Data:        data,
	})
	s.mu.Unlock()

	if status != 0 {
		w.WriteHeader(status)
		return
	}
	writeJSON(w, map[string]string{"name": header.Filename, "subfolder": "", "type": "input"})
}

func (s *Server) handlePrompt(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Prompt   map[string]interface{} `json:"prompt"`
		ClientID string                 `json:"client_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	if s.PromptStatus != 0 {
		status := s.PromptStatus
		s.mu.Unlock()
		http.Error(w, `{"error":"rejected"}`, status)
		return
	}
	promptID := fmt.Sprintf("prompt-%d", len(s.Submissions)+1)
	client := s.clients[body.ClientID]
	s.Submissions = append(s.Submissions, Submission{
		PromptID:   promptID,
		ClientID:   body.ClientID,
		Prompt:     body.Prompt,
		Subscribed: client != nil,
	})
	neverComplete := s.NeverComplete
	execErr := s.ExecutionError
	s.mu.Unlock()

	if client != nil {
		select {
		case <-client.ready:
			if client.conn != nil {
				s.sendEvents(client.conn, promptID, neverComplete, execErr)
			}
		case <-time.After(5 * time.Second):
		}
	}
	writeJSON(w, map[string]interface{}{"prompt_id": promptID, "number": 1, "node_errors": map[string]interface{}{}})
}

func (s *Server) sendEvents(conn *websocket.Conn, promptID string, neverComplete bool, execErr string) {
	node := "139"
	_ = conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3})
	_ = conn.WriteMessage(websocket.TextMessage, []byte("not json"))
	_ = conn.WriteJSON(map[string]interface{}{"type": "status", "data": map[string]interface{}{"status": map[string]interface{}{}}})
	_ = conn.WriteJSON(map[string]interface{}{"type": "executing", "data": map[string]interface{}{"node": nil, "prompt_id": "someone-else"}})
	_ = conn.WriteJSON(map[string]interface{}{"type": "executing", "data": map[string]interface{}{"node": node, "prompt_id": promptID}})
	_ = conn.WriteJSON(map[string]interface{}{"type": "progress", "data": map[string]interface{}{"value": 1, "max": 8, "node": node, "prompt_id": promptID}})

	switch {
	case execErr != "":
		_ = conn.WriteJSON(map[string]interface{}{"type": "execution_error", "data": map[string]interface{}{
			"prompt_id": promptID, "node_id": node, "node_type": "WanVideoSampler",
			"exception_type": "RuntimeError", "exception_message": execErr,
		}})
	case !neverComplete:
		_ = conn.WriteJSON(map[string]interface{}{"type": "executing", "data": map[string]interface{}{"node": nil, "prompt_id": promptID}})
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("clientId")
	client := &wsClient{ready: make(chan struct{})}

	s.mu.Lock()
	s.clients[clientID] = client
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.clients[clientID] == client {
			delete(s.clients, clientID)
		}
		s.mu.Unlock()
	}()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		close(client.ready)
		return
	}
	client.conn = conn
	close(client.ready)
	defer conn.Close()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	promptID := strings.TrimPrefix(r.URL.Path, "/history/")
	s.mu.Lock()
	outputs := s.Outputs
	s.mu.Unlock()

	writeJSON(w, map[string]interface{}{
		promptID: map[string]interface{}{
			"outputs": outputs,
			"status":  map[string]interface{}{"status_str": "success", "completed": true},
		},
	})
}

func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.Views++
	data, ok := s.Files[r.URL.Query().Get("filename")]
	s.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}
	_, _ = w.Write(data)
}

func (s *Server) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.Interrupts++
	s.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
