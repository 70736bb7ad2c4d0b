package gateway

import (
	"archive/zip"
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/bounceapp/bounce/internal/rpc"
)

// handleUpload accepts a zip archive of a bundle build, validates every
// entry path, stores the files under a freshly minted version prefix,
// and records the version. The response result is {"version": n}.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)

	file, _, err := r.FormFile("archive")
	if err != nil {
		writeEnvelopeError(w, nil, rpc.NewError(rpc.CodeArchiveNotFound, "No archive was found in the upload."))
		return
	}
	defer file.Close()

	appSlug := r.Header.Get(rpc.HeaderAppSlug)
	if appSlug == "" {
		writeEnvelopeError(w, nil, rpc.NewError(rpc.CodeAppSlugRequired, "An app slug header is required."))
		return
	}

	user, err := s.userForCredentials(r.Context(), r.Header.Get(rpc.HeaderUsername), r.Header.Get(rpc.HeaderPassword))
	if err != nil {
		writeEnvelopeError(w, nil, rpc.NewError(rpc.CodeUnhandledException, "Unhandled exception: %s", err))
		return
	}
	if user == nil {
		writeEnvelopeError(w, nil, rpc.NewError(rpc.CodeInvalidAuthentication, "Invalid username or password."))
		return
	}

	app, err := s.store.AppByUserAndSlug(r.Context(), user.ID, appSlug)
	if err != nil {
		writeEnvelopeError(w, nil, rpc.NewError(rpc.CodeUnhandledException, "Unhandled exception: %s", err))
		return
	}
	if app == nil {
		writeEnvelopeError(w, nil, rpc.NewError(rpc.CodeInvalidAppSlug, "Invalid app slug: %s", appSlug))
		return
	}

	raw, err := io.ReadAll(file)
	if err != nil {
		writeEnvelopeError(w, nil, rpc.NewError(rpc.CodeUnhandledException, "Unhandled exception: %s", err))
		return
	}
	archive, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		writeEnvelopeError(w, nil, rpc.NewError(rpc.CodeArchiveNotFound, "The upload is not a readable zip archive."))
		return
	}

	// Every entry path is validated before anything touches the blob
	// store, so a hostile archive writes nothing at all.
	for _, entry := range archive.File {
		if !safeArchivePath(entry.Name) {
			writeEnvelopeError(w, nil, rpc.NewError(rpc.CodeArchiveSecurityException, "Illegal archive entry path: %s", entry.Name))
			return
		}
	}

	latest, found, err := s.store.LatestAppVersion(r.Context(), app.ID)
	if err != nil {
		writeEnvelopeError(w, nil, rpc.NewError(rpc.CodeUnhandledException, "Unhandled exception: %s", err))
		return
	}
	version := 1
	if found {
		version = latest + 1
	}

	hashes := map[string]string{}
	for _, entry := range archive.File {
		if entry.FileInfo().IsDir() {
			continue
		}
		rc, err := entry.Open()
		if err != nil {
			writeEnvelopeError(w, nil, rpc.NewError(rpc.CodeUnhandledException, "Unhandled exception: %s", err))
			return
		}
		content, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			writeEnvelopeError(w, nil, rpc.NewError(rpc.CodeUnhandledException, "Unhandled exception: %s", err))
			return
		}

		key := fmt.Sprintf("%s/%d/files/%s", appSlug, version, entry.Name)
		if err := s.blobs.Put(r.Context(), key, content); err != nil {
			writeEnvelopeError(w, nil, rpc.NewError(rpc.CodeUnhandledException, "Unhandled exception: %s", err))
			return
		}
		sum := md5.Sum(content)
		hashes[entry.Name] = hex.EncodeToString(sum[:])
	}

	manifest, err := json.Marshal(hashes)
	if err != nil {
		writeEnvelopeError(w, nil, rpc.NewError(rpc.CodeUnhandledException, "Unhandled exception: %s", err))
		return
	}
	manifestKey := fmt.Sprintf("%s/%d/meta/manifest.json", appSlug, version)
	if err := s.blobs.Put(r.Context(), manifestKey, manifest); err != nil {
		writeEnvelopeError(w, nil, rpc.NewError(rpc.CodeUnhandledException, "Unhandled exception: %s", err))
		return
	}

	if err := s.store.CreateAppVersion(r.Context(), app.ID, version); err != nil {
		writeEnvelopeError(w, nil, rpc.NewError(rpc.CodeUnhandledException, "Unhandled exception: %s", err))
		return
	}

	writeJSON(w, http.StatusOK, rpc.Response{Result: map[string]any{"version": version}})
}

// safeArchivePath rejects absolute paths and anything that climbs out
// of the extraction root.
func safeArchivePath(name string) bool {
	if name == "" || strings.HasPrefix(name, "/") || strings.Contains(name, "\\") {
		return false
	}
	cleaned := path.Clean(name)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return false
	}
	return true
}
