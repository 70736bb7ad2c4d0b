package gateway

import (
	"context"

	"github.com/bounceapp/bounce/internal/datastore"
	"github.com/bounceapp/bounce/internal/rpc"
)

// userPayload is the wire shape for a resolved user identity.
type userPayload struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

type appPayload struct {
	AppID int64  `json:"app_id"`
	Slug  string `json:"slug"`
	Name  string `json:"name"`
}

// Authenticate resolves a user from credentials. Bad credentials produce
// a null user in the result, never an error; when appSlug is supplied the
// result also reports membership under the slug itself as the key.
func (s *Server) Authenticate(ctx context.Context, username, password string, appSlug *string) (map[string]any, error) {
	user, err := s.store.UserByCredentials(ctx, username, password)
	if err != nil {
		return nil, err
	}

	resp := map[string]any{}
	if user != nil {
		resp["user"] = userPayload{UserID: user.ID, Username: user.Username, Email: user.Email}
	} else {
		resp["user"] = nil
	}

	if appSlug != nil {
		var member bool
		if user != nil {
			app, err := s.store.AppByUserAndSlug(ctx, user.ID, *appSlug)
			if err != nil {
				return nil, err
			}
			member = app != nil
		}
		resp[*appSlug] = member
	}
	return resp, nil
}

// DeviceAuthenticate resolves (app, device) from an app key and udid.
// Either lookup missing leaves its field absent from the result.
func (s *Server) DeviceAuthenticate(ctx context.Context, deviceID, appKey string) (map[string]any, error) {
	app, err := s.store.AppByKey(ctx, appKey)
	if err != nil {
		return nil, err
	}

	var device *datastore.Device
	if app != nil {
		device, err = s.store.DeviceByUDIDAndApp(ctx, deviceID, app.ID)
		if err != nil {
			return nil, err
		}
	}

	resp := map[string]any{}
	if device != nil {
		resp["user"] = userPayload{UserID: device.UserID, Username: device.Username, Email: device.Email}
	}
	if app != nil {
		resp["app"] = appPayload{AppID: app.ID, Slug: app.Slug, Name: app.Name}
	}
	return resp, nil
}

func (s *Server) handleAuthenticate(ctx context.Context, username, password string, appSlug *string) (any, *rpc.Error) {
	resp, err := s.Authenticate(ctx, username, password, appSlug)
	if err != nil {
		return nil, rpc.NewError(rpc.CodeUnhandledException, "Unhandled exception: %s", err)
	}
	return resp, nil
}

func (s *Server) handleDeviceAuthenticate(ctx context.Context, deviceID, appKey string) (any, *rpc.Error) {
	resp, err := s.DeviceAuthenticate(ctx, deviceID, appKey)
	if err != nil {
		return nil, rpc.NewError(rpc.CodeUnhandledException, "Unhandled exception: %s", err)
	}
	return resp, nil
}

// userForCredentials is the shared credential gate for start_dev, stop_dev,
// and uploads. A nil user means the caller should render code 10.
func (s *Server) userForCredentials(ctx context.Context, username, password string) (*datastore.User, error) {
	return s.store.UserByCredentials(ctx, username, password)
}
