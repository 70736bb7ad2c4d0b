package tunnel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bounceapp/bounce/internal/rpc"
)

// DeviceIdentity is the (username, app slug) pair a device resolves to.
type DeviceIdentity struct {
	Username string
	AppSlug  string
}

// Authenticator validates tunnel sessions against the RPC gateway.
type Authenticator interface {
	// Authenticate reports whether the credentials are valid and the
	// user is a member of the named app.
	Authenticate(ctx context.Context, username, password, appSlug string) (bool, error)
	// DeviceAuthenticate resolves a device to its owning user and app.
	// ok=false means the gateway did not recognize the pair.
	DeviceAuthenticate(ctx context.Context, deviceID, appKey string) (DeviceIdentity, bool, error)
}

type GatewayClientOptions struct {
	BaseURL    string
	HTTPClient *http.Client
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// GatewayClient calls the RPC gateway's authenticate methods over its
// JSON envelope, with bounded retries on transport faults.
type GatewayClient struct {
	baseURL    string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewGatewayClient(opts GatewayClientOptions) *GatewayClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8088"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	return &GatewayClient{
		baseURL:    baseURL,
		httpClient: httpClient,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
	}
}

func (c *GatewayClient) Authenticate(ctx context.Context, username, password, appSlug string) (bool, error) {
	result, err := c.call(ctx, "authenticate", map[string]any{
		"username": username,
		"password": password,
		"app_slug": appSlug,
	})
	if err != nil {
		return false, err
	}
	if result[appSlug] != true {
		return false, nil
	}
	return result["user"] != nil, nil
}

func (c *GatewayClient) DeviceAuthenticate(ctx context.Context, deviceID, appKey string) (DeviceIdentity, bool, error) {
	result, err := c.call(ctx, "device_authenticate", map[string]any{
		"device_id": deviceID,
		"app_key":   appKey,
	})
	if err != nil {
		return DeviceIdentity{}, false, err
	}
	user, _ := result["user"].(map[string]any)
	app, _ := result["app"].(map[string]any)
	if user == nil || app == nil {
		return DeviceIdentity{}, false, nil
	}
	username, _ := user["username"].(string)
	appSlug, _ := app["slug"].(string)
	if username == "" || appSlug == "" {
		return DeviceIdentity{}, false, nil
	}
	return DeviceIdentity{Username: username, AppSlug: appSlug}, true, nil
}

func (c *GatewayClient) call(ctx context.Context, method string, params map[string]any) (map[string]any, error) {
	body, err := json.Marshal(rpc.Request{
		Method: method,
		Params: mustRaw(params),
		ID:     json.RawMessage("1"),
	})
	if err != nil {
		return nil, err
	}
	url := c.baseURL + "/rpc/"

	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1)); waitErr != nil {
					return nil, waitErr
				}
				continue
			}
			return nil, err
		}

		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, readErr
		}
		if resp.StatusCode >= 500 && resp.StatusCode <= 599 && attempt < c.maxRetries {
			if waitErr := sleepContext(ctx, c.retryDelay(attempt+1)); waitErr != nil {
				return nil, waitErr
			}
			continue
		}

		var envelope struct {
			Error  *rpc.Error     `json:"error"`
			Result map[string]any `json:"result"`
		}
		if err := json.Unmarshal(respBody, &envelope); err != nil {
			return nil, fmt.Errorf("gateway call %s: status=%d body not json: %w", method, resp.StatusCode, err)
		}
		if envelope.Error != nil {
			return nil, envelope.Error
		}
		return envelope.Result, nil
	}
}

func (c *GatewayClient) retryDelay(attempt int) time.Duration {
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func mustRaw(params map[string]any) json.RawMessage {
	raw, err := json.Marshal(params)
	if err != nil {
		panic(err)
	}
	return raw
}
