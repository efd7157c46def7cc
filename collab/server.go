package collab

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

type ServerSettings struct {
	ClientSettings   *ClientSettings
	SessionSettings  *SessionSettings
	RegistrySettings *PublicRoleRegistrySettings

	ReadBufferSize  int
	WriteBufferSize int
}

func DefaultServerSettings() *ServerSettings {
	return &ServerSettings{
		ClientSettings:   DefaultClientSettings(),
		SessionSettings:  DefaultSessionSettings(),
		RegistrySettings: DefaultPublicRoleRegistrySettings(),
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
	}
}

// wires the topology, session controller, registry and stores behind
// a websocket endpoint and a small json api.
type Server struct {
	ctx    context.Context
	cancel context.CancelFunc

	store    ActionStore
	projects ProjectStore

	topology *NetworkTopology
	sessions *SessionManager
	registry *PublicRoleRegistry

	settings *ServerSettings

	startTime time.Time
	upgrader  *websocket.Upgrader
}

func NewServerWithDefaults(ctx context.Context, store ActionStore, projects ProjectStore) *Server {
	return NewServer(ctx, store, projects, DefaultServerSettings())
}

func NewServer(ctx context.Context, store ActionStore, projects ProjectStore, settings *ServerSettings) *Server {
	cancelCtx, cancel := context.WithCancel(ctx)

	topology := NewNetworkTopology(projects)
	sessions := NewSessionManager(cancelCtx, store, topology, settings.SessionSettings)
	registry := NewPublicRoleRegistry(topology, projects, settings.RegistrySettings)

	return &Server{
		ctx:       cancelCtx,
		cancel:    cancel,
		store:     store,
		projects:  projects,
		topology:  topology,
		sessions:  sessions,
		registry:  registry,
		settings:  settings,
		startTime: time.Now(),
		upgrader: &websocket.Upgrader{
			ReadBufferSize:  settings.ReadBufferSize,
			WriteBufferSize: settings.WriteBufferSize,
			CheckOrigin: func(r *http.Request) bool {
				// the collaboration channel is origin-agnostic
				return true
			},
		},
	}
}

func (self *Server) Topology() *NetworkTopology {
	return self.topology
}

func (self *Server) Sessions() *SessionManager {
	return self.sessions
}

func (self *Server) Registry() *PublicRoleRegistry {
	return self.registry
}

func (self *Server) Close() {
	self.cancel()
	self.sessions.Close()
}

func (self *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/collab", self.handleConnect)
	mux.HandleFunc("/status", self.handleStatus)
	mux.HandleFunc("/api/state", self.handleSetState)
	mux.HandleFunc("/api/evict", self.handleEvict)
	mux.HandleFunc("/api/projects", self.handleProjects)
	mux.HandleFunc("/api/public-roles", self.handlePublicRoles)
	return mux
}

func (self *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var auth *ClientAuth
	if byJwt := bearerToken(r); byJwt != "" {
		parsedAuth, err := ParseClientAuthUnverified(byJwt)
		if err != nil {
			glog.Infof("[sv]auth error = %s\n", err)
			http.Error(w, "invalid auth token", http.StatusUnauthorized)
			return
		}
		auth = parsedAuth
	}

	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[sv]upgrade error = %s\n", err)
		return
	}

	NewClient(self.ctx, ws, self.topology, self.sessions, auth, self.settings.ClientSettings)
}

func bearerToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		if token, ok := strings.CutPrefix(header, "Bearer "); ok {
			return token
		}
	}
	return r.URL.Query().Get("auth")
}

type statusResult struct {
	Version        string `json:"version"`
	UptimeSeconds  int64  `json:"uptimeSeconds"`
	ClientCount    int    `json:"clientCount"`
	SessionCount   int    `json:"sessionCount"`
	PublicIdCount  int    `json:"publicIdCount"`
}

func (self *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJson(w, &statusResult{
		Version:       Version,
		UptimeSeconds: int64(time.Since(self.startTime) / time.Second),
		ClientCount:   self.topology.ClientCount(),
		SessionCount:  self.sessions.SessionCount(),
		PublicIdCount: self.registry.EntryCount(),
	})
}

type setStateArgs struct {
	ClientId  Id     `json:"clientId"`
	ProjectId Id     `json:"projectId"`
	RoleId    Id     `json:"roleId"`
	Username  string `json:"username,omitempty"`
}

func (self *Server) handleSetState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "post required", http.StatusMethodNotAllowed)
		return
	}
	args := &setStateArgs{}
	if err := json.NewDecoder(r.Body).Decode(args); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := self.topology.SetClientState(args.ClientId, args.ProjectId, args.RoleId, args.Username); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJson(w, map[string]bool{"success": true})
}

type evictArgs struct {
	ClientId Id `json:"clientId"`
}

func (self *Server) handleEvict(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "post required", http.StatusMethodNotAllowed)
		return
	}
	args := &evictArgs{}
	if err := json.NewDecoder(r.Body).Decode(args); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := self.topology.Evict(args.ClientId); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJson(w, map[string]bool{"success": true})
}

type createProjectArgs struct {
	Owner string   `json:"owner"`
	Name  string   `json:"name"`
	Roles []string `json:"roles,omitempty"`
}

func (self *Server) handleProjects(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "post required", http.StatusMethodNotAllowed)
		return
	}
	args := &createProjectArgs{}
	if err := json.NewDecoder(r.Body).Decode(args); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	metadata, err := self.projects.CreateProject(args.Owner, args.Name)
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	for _, roleName := range args.Roles {
		if _, err := self.projects.AddRole(metadata.ProjectId, roleName); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
	metadata, err = self.projects.GetProjectMetadata(metadata.ProjectId)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJson(w, metadata)
}

type registerPublicRoleArgs struct {
	ClientId Id `json:"clientId"`
}

type publicRoleResult struct {
	Id       string `json:"id"`
	ClientId Id     `json:"clientId"`
}

func (self *Server) handlePublicRoles(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		args := &registerPublicRoleArgs{}
		if err := json.NewDecoder(r.Body).Decode(args); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		id, err := self.registry.Register(args.ClientId)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		writeJson(w, &publicRoleResult{
			Id:       id,
			ClientId: args.ClientId,
		})
	case http.MethodGet:
		id := r.URL.Query().Get("id")
		conn := self.registry.LookUp(id)
		if conn == nil {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		writeJson(w, &publicRoleResult{
			Id:       id,
			ClientId: conn.ClientId(),
		})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func writeJson(w http.ResponseWriter, result any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(result); err != nil {
		glog.Infof("[sv]write error = %s\n", err)
	}
}
