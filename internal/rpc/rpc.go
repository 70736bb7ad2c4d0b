// Package rpc defines the JSON-RPC-style wire envelope shared by the
// gateway and the tunnel: the request object, the response envelope, the
// header-carried device identity, and the closed error-code taxonomy.
package rpc

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Request is the body of a POST to the RPC endpoint. ID is echoed back
// verbatim in the response envelope.
type Request struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	ID     json.RawMessage `json:"id"`
}

// Response is the envelope returned for every RPC call. Exactly one of
// Error and Result is non-null.
type Response struct {
	ID     json.RawMessage `json:"id"`
	Error  *Error          `json:"error"`
	Result any             `json:"result"`
}

// Error codes. Delivered with HTTP 200 except CodeFilenameNotFound,
// which uses 404.
const (
	CodeMethodNotSpecified       = 1
	CodeMethodNotFound           = 2
	CodeUnhandledException       = 3
	CodeFilenameNotFound         = 4
	CodeArchiveNotFound          = 5
	CodeArchiveSecurityException = 6
	CodeAppSlugRequired          = 7
	CodeInvalidAppKey            = 8
	CodeInvalidAppSlug           = 9
	CodeInvalidAuthentication    = 10
	CodeAccessDenied             = 11
	CodeUnknownMethod            = 12
	CodeUnknownDevice            = 13
	CodeDeactivatedAppKey        = 14
	CodeAppOverLimit             = 15
)

var slugs = map[int]string{
	CodeMethodNotSpecified:       "method-not-specified",
	CodeMethodNotFound:           "method-not-found",
	CodeUnhandledException:       "unhandled-exception",
	CodeFilenameNotFound:         "filename-not-found",
	CodeArchiveNotFound:          "archive-not-found",
	CodeArchiveSecurityException: "archive-security-exception",
	CodeAppSlugRequired:          "app-slug-required",
	CodeInvalidAppKey:            "invalid-app-key",
	CodeInvalidAppSlug:           "invalid-app-slug",
	CodeInvalidAuthentication:    "invalid-authentication",
	CodeAccessDenied:             "access-denied",
	CodeUnknownMethod:            "unknown-method",
	CodeUnknownDevice:            "unknown-device",
	CodeDeactivatedAppKey:        "deactivated-app-key",
	CodeAppOverLimit:             "app-over-limit",
}

// Error is the structured error object carried inside the envelope.
type Error struct {
	Code   int    `json:"code"`
	Slug   string `json:"slug"`
	Detail string `json:"detail"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d (%s): %s", e.Code, e.Slug, e.Detail)
}

// NewError builds an Error for a known code with a formatted detail string.
func NewError(code int, format string, args ...any) *Error {
	slug, ok := slugs[code]
	if !ok {
		slug = "unhandled-exception"
	}
	return &Error{
		Code:   code,
		Slug:   slug,
		Detail: fmt.Sprintf(format, args...),
	}
}

// HTTPStatus reports the HTTP status an error code is delivered with.
func (e *Error) HTTPStatus() int {
	if e.Code == CodeFilenameNotFound {
		return http.StatusNotFound
	}
	return http.StatusOK
}

// Identity is the device identity and optional credentials carried in
// request headers rather than the JSON body.
type Identity struct {
	AppKey        string
	UDID          string
	APIVersion    string
	AppVersion    string
	BundleVersion string
	Platform      string
	Username      string
	Password      string
}

// Header names for the identity fields.
const (
	HeaderAppKey        = "X-App-Key"
	HeaderUDID          = "X-UDID"
	HeaderAPIVersion    = "X-API-Version"
	HeaderAppVersion    = "X-App-Version"
	HeaderBundleVersion = "X-Bundle-Version"
	HeaderPlatform      = "X-Platform"
	HeaderUsername      = "X-Bounce-Username"
	HeaderPassword      = "X-Bounce-Password"
	HeaderAppSlug       = "X-App-Slug"
)

// IdentityFromHeaders extracts the device identity from HTTP headers.
// Platform defaults to iOS when the header is absent.
func IdentityFromHeaders(h http.Header) Identity {
	platform := h.Get(HeaderPlatform)
	if platform == "" {
		platform = "iOS"
	}
	return Identity{
		AppKey:        h.Get(HeaderAppKey),
		UDID:          h.Get(HeaderUDID),
		APIVersion:    h.Get(HeaderAPIVersion),
		AppVersion:    h.Get(HeaderAppVersion),
		BundleVersion: h.Get(HeaderBundleVersion),
		Platform:      platform,
		Username:      h.Get(HeaderUsername),
		Password:      h.Get(HeaderPassword),
	}
}

// FirstInstallSentinel is the app-version header value a first-time
// install reports. Over-limit enforcement skips these clients.
const FirstInstallSentinel = "-1"
