package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bounceapp/bounce/internal/blob"
	"github.com/bounceapp/bounce/internal/datastore"
	"github.com/bounceapp/bounce/internal/rpc"
)

// DefaultDevURL is the bundle URL handed to clients when no dev-mode
// override is active.
const DefaultDevURL = "http://127.0.0.1:41675/"

// normalizeBundleVersion turns a three-part dotted version into a
// fixed-width key that orders lexically ("2.3.10" > "2.3.9" and
// "2.10.0" > "2.3.10"). Anything malformed normalizes to "", which
// callers treat as "no range filter".
func normalizeBundleVersion(bundle string) string {
	parts := strings.Split(bundle, ".")
	if len(parts) != 3 {
		return ""
	}
	padded := make([]string, 3)
	for i, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 {
			return ""
		}
		padded[i] = fmt.Sprintf("%05d", n)
	}
	return strings.Join(padded, ".")
}

// fileManifest returns the content-hash manifest for a published
// version. Version 0 is "unversioned" and has no files. Manifests are
// immutable once published, so hits cache for process life.
func (s *Server) fileManifest(ctx context.Context, slug string, version int) (map[string]string, error) {
	if version == 0 {
		return map[string]string{}, nil
	}
	key := cacheKey(slug, version)
	s.manifestMu.Lock()
	cached, ok := s.manifestCache[key]
	s.manifestMu.Unlock()
	if ok {
		return cached, nil
	}

	content, err := s.blobs.Get(ctx, fmt.Sprintf("%s/%d/meta/manifest.json", slug, version))
	if errors.Is(err, blob.ErrNotFound) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, err
	}
	manifest := map[string]string{}
	if err := json.Unmarshal(content, &manifest); err != nil {
		return nil, err
	}

	s.manifestMu.Lock()
	s.manifestCache[key] = manifest
	s.manifestMu.Unlock()
	return manifest, nil
}

// userConf returns the app-author configuration published alongside a
// version, cached for process life like the manifest.
func (s *Server) userConf(ctx context.Context, slug string, version int) (map[string]any, error) {
	if version == 0 {
		return map[string]any{}, nil
	}
	key := cacheKey(slug, version)
	s.manifestMu.Lock()
	cached, ok := s.confCache[key]
	s.manifestMu.Unlock()
	if ok {
		return cached, nil
	}

	conf := map[string]any{}
	content, err := s.blobs.Get(ctx, fmt.Sprintf("%s/%d/files/bounce.json", slug, version))
	if err != nil && !errors.Is(err, blob.ErrNotFound) {
		return nil, err
	}
	if err == nil {
		if err := json.Unmarshal(content, &conf); err != nil {
			return nil, err
		}
	}

	s.manifestMu.Lock()
	s.confCache[key] = conf
	s.manifestMu.Unlock()
	return conf, nil
}

// mergedConf overlays runtime fields on the published configuration:
// the resolved version, the dev-mode override when fresh, and a list of
// keys whose datetime values were converted to numeric timestamps.
func (s *Server) mergedConf(ctx context.Context, app *datastore.App, version int, device *datastore.Device) (map[string]any, error) {
	var dev *datastore.DevMode
	if device != nil {
		updatedAfter := time.Now().Add(-s.cfg.DevModeWindow)
		var err error
		dev, err = s.store.DevMode(ctx, app.ID, device.UserID, updatedAfter)
		if err != nil {
			return nil, err
		}
	}

	userConf, err := s.userConf(ctx, app.Slug, version)
	if err != nil {
		return nil, err
	}

	conf := map[string]any{}
	timestamps := []string{}
	for key, value := range userConf {
		if raw, ok := value.(string); ok {
			if ts, err := time.Parse(time.RFC3339, raw); err == nil {
				conf[key] = float64(ts.UnixNano()) / float64(time.Second)
				timestamps = append(timestamps, key)
				continue
			}
		}
		conf[key] = value
	}

	conf["_version"] = version
	conf["_dev"] = dev != nil
	if dev != nil {
		conf["_url"] = dev.URL
		conf["_toolbar"] = dev.Toolbar
	} else {
		conf["_url"] = DefaultDevURL
		conf["_toolbar"] = false
	}
	conf["_timestamps"] = timestamps
	return conf, nil
}

func (s *Server) handleSync(ctx context.Context, ident rpc.Identity) (any, *rpc.Error) {
	app, err := s.store.AppByKey(ctx, ident.AppKey)
	if err != nil {
		return nil, rpc.NewError(rpc.CodeUnhandledException, "Unhandled exception: %s", err)
	}
	if app == nil {
		return nil, rpc.NewError(rpc.CodeInvalidAppKey, "Invalid app key: %s", ident.AppKey)
	}

	version, err := s.store.AppVersionForBundle(ctx, app.ID, normalizeBundleVersion(ident.BundleVersion))
	if err != nil {
		return nil, rpc.NewError(rpc.CodeUnhandledException, "Unhandled exception: %s", err)
	}

	// Over-limit apps still serve first-time installs so the SDK can
	// render its welcome state.
	if ident.AppVersion != rpc.FirstInstallSentinel && !app.Enabled {
		return nil, rpc.NewError(rpc.CodeAppOverLimit, "This app is over its monthly usage limit.")
	}

	device, err := s.store.DeviceByUDIDAndApp(ctx, ident.UDID, app.ID)
	if err != nil {
		return nil, rpc.NewError(rpc.CodeUnhandledException, "Unhandled exception: %s", err)
	}

	files, err := s.fileManifest(ctx, app.Slug, version)
	if err != nil {
		return nil, rpc.NewError(rpc.CodeUnhandledException, "Unhandled exception: %s", err)
	}
	conf, err := s.mergedConf(ctx, app, version, device)
	if err != nil {
		return nil, rpc.NewError(rpc.CodeUnhandledException, "Unhandled exception: %s", err)
	}

	return map[string]any{"files": files, "conf": conf}, nil
}

func (s *Server) handleGetFile(ctx context.Context, ident rpc.Identity, filename string) (any, *rpc.Error) {
	app, err := s.store.AppByKey(ctx, ident.AppKey)
	if err != nil {
		return nil, rpc.NewError(rpc.CodeUnhandledException, "Unhandled exception: %s", err)
	}
	if app == nil {
		return nil, rpc.NewError(rpc.CodeInvalidAppKey, "Invalid app key: %s", ident.AppKey)
	}

	key := fmt.Sprintf("%s/%s/files/%s", app.Slug, ident.AppVersion, filename)
	if _, err := s.blobs.Get(ctx, key); err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return nil, rpc.NewError(rpc.CodeFilenameNotFound, "No such file: %s", filename)
		}
		return nil, rpc.NewError(rpc.CodeUnhandledException, "Unhandled exception: %s", err)
	}

	signed, err := s.blobs.GenerateTemporaryURL(key, s.cfg.FileURLTTL)
	if err != nil {
		return nil, rpc.NewError(rpc.CodeUnhandledException, "Unhandled exception: %s", err)
	}

	// Android clients follow the URL themselves; everything else gets
	// an HTTP redirect straight to the content.
	if ident.Platform == "Android" {
		return map[string]any{"url": signed}, nil
	}
	return redirectResult{url: signed}, nil
}

func (s *Server) handleStartDev(ctx context.Context, ident rpc.Identity, appSlug, url string, toolbar *bool) (any, *rpc.Error) {
	user, err := s.userForCredentials(ctx, ident.Username, ident.Password)
	if err != nil {
		return nil, rpc.NewError(rpc.CodeUnhandledException, "Unhandled exception: %s", err)
	}
	if user == nil {
		return nil, rpc.NewError(rpc.CodeInvalidAuthentication, "Invalid username or password.")
	}

	app, err := s.store.AppByUserAndSlug(ctx, user.ID, appSlug)
	if err != nil {
		return nil, rpc.NewError(rpc.CodeUnhandledException, "Unhandled exception: %s", err)
	}
	if app == nil {
		return nil, rpc.NewError(rpc.CodeInvalidAppSlug, "Invalid app slug: %s", appSlug)
	}

	enabled := true
	if toolbar != nil {
		enabled = *toolbar
	}
	if err := s.store.UpsertDevMode(ctx, app.ID, user.ID, url, enabled); err != nil {
		return nil, rpc.NewError(rpc.CodeUnhandledException, "Unhandled exception: %s", err)
	}
	return map[string]any{"development": "active"}, nil
}

func (s *Server) handleStopDev(ctx context.Context, ident rpc.Identity, appSlug string) (any, *rpc.Error) {
	user, err := s.userForCredentials(ctx, ident.Username, ident.Password)
	if err != nil {
		return nil, rpc.NewError(rpc.CodeUnhandledException, "Unhandled exception: %s", err)
	}
	if user == nil {
		return nil, rpc.NewError(rpc.CodeInvalidAuthentication, "Invalid username or password.")
	}

	app, err := s.store.AppByUserAndSlug(ctx, user.ID, appSlug)
	if err != nil {
		return nil, rpc.NewError(rpc.CodeUnhandledException, "Unhandled exception: %s", err)
	}
	if app == nil {
		return nil, rpc.NewError(rpc.CodeInvalidAppSlug, "Invalid app slug: %s", appSlug)
	}

	if err := s.store.DeleteDevMode(ctx, user.ID, app.ID); err != nil {
		return nil, rpc.NewError(rpc.CodeUnhandledException, "Unhandled exception: %s", err)
	}
	return map[string]any{"development": "inactive"}, nil
}
