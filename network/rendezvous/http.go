package rendezvous

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("rendezvous")

// Server is the HTTP facade over a Registry so multiple node processes can
// share one address book.
type Server struct {
	registry Registry
	router   *mux.Router
	server   *http.Server
}

func NewServer(registry Registry) *Server {
	s := &Server{registry: registry}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router = mux.NewRouter()
	s.router.HandleFunc("/rendezvous/register", s.handleRegister).Methods("POST")
	s.router.HandleFunc("/rendezvous/heartbeat", s.handleHeartbeat).Methods("POST")
	s.router.HandleFunc("/rendezvous/peers", s.handlePeers).Methods("GET")
	s.router.HandleFunc("/rendezvous/size", s.handleSize).Methods("GET")
}

// Router exposes the handler for embedding in another server or tests.
func (s *Server) Router() http.Handler { return s.router }

// Start serves on addr until Stop is called.
func (s *Server) Start(addr string) error {
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	log.Infow("rendezvous server starting", "addr", addr)
	return s.server.ListenAndServe()
}

func (s *Server) Stop() error {
	if s.server != nil {
		return s.server.Close()
	}
	return nil
}

type upsertRequest struct {
	NodeID    string            `json:"node_id"`
	Address   string            `json:"address"`
	PublicKey []byte            `json:"public_key,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req upsertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.NodeID == "" {
		s.writeError(w, "invalid register request", http.StatusBadRequest)
		return
	}
	if err := s.registry.Register(req.NodeID, req.Address, req.PublicKey, req.Metadata); err != nil {
		s.writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req upsertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.NodeID == "" {
		s.writeError(w, "invalid heartbeat request", http.StatusBadRequest)
		return
	}
	if err := s.registry.Heartbeat(req.NodeID, req.Address, req.Metadata); err != nil {
		s.writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	exclude := r.URL.Query().Get("exclude")
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			s.writeError(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	peers, err := s.registry.GetPeers(exclude, limit)
	if err != nil {
		s.writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, map[string]interface{}{"peers": peers})
}

func (s *Server) handleSize(w http.ResponseWriter, r *http.Request) {
	size, err := s.registry.Size()
	if err != nil {
		s.writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, map[string]int{"size": size})
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warnw("failed to write response", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// Client implements Registry against a remote Server.
type Client struct {
	baseURL string
	http    *http.Client
}

var _ Registry = (*Client)(nil)

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) post(path string, req upsertRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	resp, err := c.http.Post(c.baseURL+path, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("rendezvous request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("rendezvous returned status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) Register(nodeID, address string, publicKey []byte, metadata map[string]string) error {
	return c.post("/rendezvous/register", upsertRequest{
		NodeID: nodeID, Address: address, PublicKey: publicKey, Metadata: metadata,
	})
}

func (c *Client) Heartbeat(nodeID, address string, metadata map[string]string) error {
	return c.post("/rendezvous/heartbeat", upsertRequest{
		NodeID: nodeID, Address: address, Metadata: metadata,
	})
}

func (c *Client) GetPeers(exclude string, limit int) ([]Record, error) {
	u := fmt.Sprintf("%s/rendezvous/peers?exclude=%s&limit=%d",
		c.baseURL, url.QueryEscape(exclude), limit)
	resp, err := c.http.Get(u)
	if err != nil {
		return nil, fmt.Errorf("rendezvous request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rendezvous returned status %d", resp.StatusCode)
	}
	var out struct {
		Peers []Record `json:"peers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode peers response: %w", err)
	}
	return out.Peers, nil
}

func (c *Client) Size() (int, error) {
	resp, err := c.http.Get(c.baseURL + "/rendezvous/size")
	if err != nil {
		return 0, fmt.Errorf("rendezvous request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("rendezvous returned status %d", resp.StatusCode)
	}
	var out struct {
		Size int `json:"size"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("failed to decode size response: %w", err)
	}
	return out.Size, nil
}
