// Package gateway is the ingestion/RPC service devices talk to: a single
// JSON-RPC-style endpoint for bundle sync, authentication, and bulk
// analytics/experiment ingestion, plus a multipart upload endpoint that
// mints new app versions and a signed-URL blob handler.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"mime"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/bounceapp/bounce/internal/blob"
	"github.com/bounceapp/bounce/internal/datastore"
	"github.com/bounceapp/bounce/internal/rpc"
)

type ServerConfig struct {
	// DevModeWindow is how fresh a dev-mode record must be to count as
	// active when a device syncs.
	DevModeWindow time.Duration
	// FileURLTTL bounds the validity of signed file URLs.
	FileURLTTL time.Duration
	// MaxBodyBytes caps RPC request bodies. Uploads use MaxUploadBytes.
	MaxBodyBytes   int64
	MaxUploadBytes int64
	// IngestWorkers bounds the fan-out across independent log rows.
	IngestWorkers int
}

type Server struct {
	store  datastore.Store
	blobs  blob.Store
	signer *blob.Signer
	cfg    ServerConfig

	manifestMu    sync.Mutex
	manifestCache map[string]map[string]string
	confCache     map[string]map[string]any
}

func NewServer(store datastore.Store, blobs blob.Store, signer *blob.Signer) *Server {
	return NewServerWithConfig(store, blobs, signer, ServerConfig{})
}

func NewServerWithConfig(store datastore.Store, blobs blob.Store, signer *blob.Signer, cfg ServerConfig) *Server {
	if cfg.DevModeWindow <= 0 {
		cfg.DevModeWindow = 6 * time.Minute
	}
	if cfg.FileURLTTL <= 0 {
		cfg.FileURLTTL = 120 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 256 << 20
	}
	if cfg.IngestWorkers <= 0 {
		cfg.IngestWorkers = 10
	}
	return &Server{
		store:         store,
		blobs:         blobs,
		signer:        signer,
		cfg:           cfg,
		manifestCache: map[string]map[string]string{},
		confCache:     map[string]map[string]any{},
	}
}

// method is the closed set of RPC operations the router dispatches.
type method string

const (
	methodSync               method = "sync"
	methodGetFile            method = "get_file"
	methodStartDev           method = "start_dev"
	methodStopDev            method = "stop_dev"
	methodAuthenticate       method = "authenticate"
	methodDeviceAuthenticate method = "device_authenticate"
	methodStats              method = "stats"
	methodSendABLogs         method = "send_ab_logs"
	methodGetABMetadata      method = "get_ab_metadata"
)

// redirectResult makes a handler respond with an HTTP redirect instead of
// a JSON envelope. get_file uses it for non-Android platforms.
type redirectResult struct {
	url string
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/health" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case r.URL.Path == "/rpc/" && r.Method == http.MethodPost:
		s.handleRPC(w, r)
	case r.URL.Path == "/rpc/upload/" && r.Method == http.MethodPost:
		s.handleUpload(w, r)
	case strings.HasPrefix(r.URL.Path, "/blob/") && r.Method == http.MethodGet:
		s.handleBlob(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	var req rpc.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeEnvelopeError(w, nil, rpc.NewError(rpc.CodeUnhandledException, "Unhandled exception: %s", err))
		return
	}
	ident := rpc.IdentityFromHeaders(r.Header)

	if req.Method == "" {
		writeEnvelopeError(w, req.ID, rpc.NewError(rpc.CodeMethodNotSpecified, "The method %q was not specified.", req.Method))
		return
	}

	result, rpcErr := s.dispatch(r.Context(), method(req.Method), ident, req.Params)
	if rpcErr != nil {
		writeEnvelopeError(w, req.ID, rpcErr)
		return
	}
	if redirect, ok := result.(redirectResult); ok {
		http.Redirect(w, r, redirect.url, http.StatusFound)
		return
	}
	writeJSON(w, http.StatusOK, rpc.Response{ID: req.ID, Error: nil, Result: result})
}

// dispatch routes one call to its typed handler. Faults below the
// dispatch boundary surface as code 3 without leaking stack traces.
func (s *Server) dispatch(ctx context.Context, m method, ident rpc.Identity, params json.RawMessage) (result any, rpcErr *rpc.Error) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("rpc %s panicked: %v", m, rec)
			result = nil
			rpcErr = rpc.NewError(rpc.CodeUnhandledException, "Unhandled exception: %v", rec)
		}
	}()

	switch m {
	case methodSync:
		return s.handleSync(ctx, ident)
	case methodGetFile:
		var p struct {
			Filename string `json:"filename"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		return s.handleGetFile(ctx, ident, p.Filename)
	case methodStartDev:
		var p struct {
			AppSlug string `json:"app_slug"`
			URL     string `json:"url"`
			Toolbar *bool  `json:"toolbar"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		return s.handleStartDev(ctx, ident, p.AppSlug, p.URL, p.Toolbar)
	case methodStopDev:
		var p struct {
			AppSlug string `json:"app_slug"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		return s.handleStopDev(ctx, ident, p.AppSlug)
	case methodAuthenticate:
		var p struct {
			Username string  `json:"username"`
			Password string  `json:"password"`
			AppSlug  *string `json:"app_slug"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		return s.handleAuthenticate(ctx, p.Username, p.Password, p.AppSlug)
	case methodDeviceAuthenticate:
		var p struct {
			DeviceID string `json:"device_id"`
			AppKey   string `json:"app_key"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		return s.handleDeviceAuthenticate(ctx, p.DeviceID, p.AppKey)
	case methodStats:
		var p struct {
			Logs []json.RawMessage `json:"logs"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		return s.handleStats(ctx, ident, p.Logs)
	case methodSendABLogs:
		var p struct {
			Logs []json.RawMessage `json:"logs"`
			GUID string            `json:"guid"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		return s.handleSendABLogs(ctx, ident, p.Logs, p.GUID)
	case methodGetABMetadata:
		return s.handleGetABMetadata(ctx, ident)
	default:
		return nil, rpc.NewError(rpc.CodeUnknownMethod, "Unknown method (%s) was specified", m)
	}
}

func unmarshalParams(raw json.RawMessage, into any) *rpc.Error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return rpc.NewError(rpc.CodeUnhandledException, "Unhandled exception: %s", err)
	}
	return nil
}

// handleBlob serves signed temporary URLs minted by the blob signer.
func (s *Server) handleBlob(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/blob/")
	if key == "" || s.signer == nil {
		http.NotFound(w, r)
		return
	}
	q := r.URL.Query()
	if !s.signer.Validate(key, q.Get("expires"), q.Get("sig")) {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	content, err := s.blobs.Get(r.Context(), key)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	contentType := mime.TypeByExtension(path.Ext(key))
	if contentType == "" {
		contentType = "application/octet-stream"
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

func writeEnvelopeError(w http.ResponseWriter, id json.RawMessage, rpcErr *rpc.Error) {
	writeJSON(w, rpcErr.HTTPStatus(), rpc.Response{ID: id, Error: rpcErr, Result: nil})
}

func cacheKey(slug string, version int) string {
	return fmt.Sprintf("%s/%d", slug, version)
}
