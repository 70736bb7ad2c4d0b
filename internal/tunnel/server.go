package tunnel

import (
	"encoding/json"
	"io"
	"log"
	"mime"
	"net/http"
	"path"
	"strings"
	"sync"
)

// NotFoundSentinel is the build server's reply for a file that does
// not exist. It maps to 404 and is never cached.
const NotFoundSentinel = "BOUNCE404DOESNOTEXIST"

type ServerConfig struct {
	MaxBodyBytes int64
}

// Server is the tunnel's HTTP surface: poll/post for the build server,
// view/event/phonepoll for devices and browsers. Device resolutions are
// cached for process life since phonepoll is the hot path.
type Server struct {
	relay *Relay
	cache *Cache
	auth  Authenticator
	cfg   ServerConfig

	deviceMu    sync.Mutex
	deviceCache map[[2]string]DeviceIdentity
}

func NewServer(relay *Relay, cache *Cache, auth Authenticator) *Server {
	return NewServerWithConfig(relay, cache, auth, ServerConfig{})
}

func NewServerWithConfig(relay *Relay, cache *Cache, auth Authenticator, cfg ServerConfig) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 32 << 20
	}
	return &Server{
		relay:       relay,
		cache:       cache,
		auth:        auth,
		cfg:         cfg,
		deviceCache: map[[2]string]DeviceIdentity{},
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/" {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, "This is the bounce tunnel service!\r\n")
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	switch parts[0] {
	case "poll":
		s.handlePoll(w, r)
	case "post":
		s.handlePost(w, r, parts)
	case "view":
		s.handleView(w, r, parts)
	case "event":
		s.handleEvent(w, r, parts)
	case "phonepoll":
		s.handlePhonePoll(w, r, parts)
	default:
		http.NotFound(w, r)
	}
}

// handlePoll is the build server's long-poll: drain queued file
// requests, or block for the first one. A stale mailbox gets its cache
// wiped before the poll parks.
func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	username := r.Header.Get("X-Bounce-Username")
	password := r.Header.Get("X-Bounce-Password")
	appSlug := r.Header.Get("X-Bounce-App-Slug")
	if username == "" || password == "" || appSlug == "" {
		http.NotFound(w, r)
		return
	}

	ok, err := s.auth.Authenticate(r.Context(), username, password, appSlug)
	if err != nil {
		log.Printf("poll auth: %v", err)
		http.Error(w, "Not Authorized", http.StatusUnauthorized)
		return
	}
	if !ok {
		http.Error(w, "Not Authorized", http.StatusUnauthorized)
		return
	}

	key := Key{Username: username, AppSlug: appSlug}
	if s.relay.Seen(key) {
		s.cache.Wipe(key)
	}

	files := s.relay.DrainRequests(key)
	if len(files) == 0 {
		if req, ok := s.relay.WaitRequest(r.Context(), key); ok {
			files = append(files, req)
		}
	}
	if files == nil {
		files = []FileRequest{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": files})
}

// handlePost delivers build-server content for one correlation id.
func (s *Server) handlePost(w http.ResponseWriter, r *http.Request, parts []string) {
	if len(parts) < 2 || parts[1] == "" {
		http.NotFound(w, r)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	content, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	s.relay.Deliver(parts[1], content)
	writeJSON(w, http.StatusOK, map[string]any{"result": "ok"})
}

// handleView serves file content for a mailbox, from the disk cache
// when possible, else by round-tripping to the build server. Directory
// listings always round-trip and are never cached.
func (s *Server) handleView(w http.ResponseWriter, r *http.Request, parts []string) {
	if len(parts) < 3 {
		http.NotFound(w, r)
		return
	}
	key := Key{Username: parts[1], AppSlug: parts[2]}
	rel := strings.Join(parts[3:], "/")

	// Reject escapes before anything touches the filesystem or queues.
	if _, err := s.cache.pathFor(key.Username, key.AppSlug, rel); err != nil {
		http.NotFound(w, r)
		return
	}

	if rel == "" {
		s.serveListing(w, r, key)
		return
	}

	if s.relay.Seen(key) {
		s.cache.Wipe(key)
	}

	if content, ok, err := s.cache.Read(key, rel); err == nil && ok {
		serveContent(w, rel, content)
		return
	}

	content, ok := s.relay.WaitContent(r.Context(), key, FileRequest{Path: rel})
	if !ok {
		http.NotFound(w, r)
		return
	}
	if string(content) == NotFoundSentinel {
		http.NotFound(w, r)
		return
	}
	if err := s.cache.Write(key, rel, content); err != nil {
		log.Printf("cache write %s/%s/%s: %v", key.Username, key.AppSlug, rel, err)
	}
	serveContent(w, rel, content)
}

func (s *Server) serveListing(w http.ResponseWriter, r *http.Request, key Key) {
	dir := ""
	content, ok := s.relay.WaitContent(r.Context(), key, FileRequest{Dir: &dir})
	if !ok {
		http.NotFound(w, r)
		return
	}
	var items []string
	if err := json.Unmarshal(content, &items); err != nil {
		http.NotFound(w, r)
		return
	}
	var b strings.Builder
	b.WriteString("<ul>")
	for _, item := range items {
		b.WriteString(`<li><a href="` + item + `/index.html">` + item + `</a></li>`)
	}
	b.WriteString("</ul>")
	w.Header().Set("Content-Type", "text/html")
	_, _ = io.WriteString(w, b.String())
}

// handleEvent accepts a change notification from the build server,
// invalidates the named file's cache entry, and broadcasts the event.
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request, parts []string) {
	if len(parts) < 3 {
		http.NotFound(w, r)
		return
	}
	key := Key{Username: parts[1], AppSlug: parts[2]}

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	var body struct {
		Password string          `json:"password"`
		Message  json.RawMessage `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	ok, err := s.auth.Authenticate(r.Context(), key.Username, body.Password, key.AppSlug)
	if err != nil {
		log.Printf("event auth: %v", err)
		http.Error(w, "Not Authorized", http.StatusUnauthorized)
		return
	}
	if !ok {
		http.Error(w, "Not Authorized", http.StatusUnauthorized)
		return
	}

	var message struct {
		ChangedFile string `json:"changed_file"`
	}
	if len(body.Message) > 0 {
		_ = json.Unmarshal(body.Message, &message)
	}
	if message.ChangedFile != "" {
		s.cache.Invalidate(key, message.ChangedFile)
	}

	s.relay.Publish(key, body.Message)
	w.Header().Set("Content-Type", "text/plain")
	_, _ = io.WriteString(w, "Got the event\r\n")
}

// handlePhonePoll is the device's long-poll for change events, with
// cursor-based backlog catch-up.
func (s *Server) handlePhonePoll(w http.ResponseWriter, r *http.Request, parts []string) {
	if len(parts) < 3 {
		http.NotFound(w, r)
		return
	}
	deviceID, appKey := parts[1], parts[2]

	ident, ok, err := s.resolveDevice(r, deviceID, appKey)
	if err != nil {
		log.Printf("phonepoll auth: %v", err)
		http.Error(w, "Not Authorized", http.StatusUnauthorized)
		return
	}
	if !ok {
		http.Error(w, "Not Authorized", http.StatusUnauthorized)
		return
	}

	key := Key{Username: ident.Username, AppSlug: ident.AppSlug}
	events := s.relay.Poll(r.Context(), key, r.URL.Query().Get("cursor"))
	if events == nil {
		events = []Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": events})
}

func (s *Server) resolveDevice(r *http.Request, deviceID, appKey string) (DeviceIdentity, bool, error) {
	cacheKey := [2]string{deviceID, appKey}
	s.deviceMu.Lock()
	ident, ok := s.deviceCache[cacheKey]
	s.deviceMu.Unlock()
	if ok {
		return ident, true, nil
	}

	ident, ok, err := s.auth.DeviceAuthenticate(r.Context(), deviceID, appKey)
	if err != nil || !ok {
		return DeviceIdentity{}, false, err
	}
	s.deviceMu.Lock()
	s.deviceCache[cacheKey] = ident
	s.deviceMu.Unlock()
	return ident, true, nil
}

func serveContent(w http.ResponseWriter, p string, content []byte) {
	contentType := mime.TypeByExtension(path.Ext(p))
	if contentType == "" {
		contentType = "text/plain"
	}
	w.Header().Set("Content-Type", contentType)
	_, _ = w.Write(content)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("write response: %v", err)
	}
}
