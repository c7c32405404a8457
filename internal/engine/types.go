// Package engine describes the browser operations the tab host needs from a
// rendering engine. The CDP implementation lives in internal/cdp; tests use
// the in-memory fake in internal/engine/enginetest.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
)

const (
	CodeValidation       = "VALIDATION"
	CodeTabNotFound      = "TAB_NOT_FOUND"
	CodeIsolationFailure = "ISOLATION_FAILURE"
	CodeScriptFailure    = "SCRIPT_FAILURE"
	CodeScriptTimeout    = "SCRIPT_TIMEOUT"
	CodeUploadFailure    = "UPLOAD_FAILURE"
	CodeCDPUnavailable   = "CDP_UNAVAILABLE"
)

// CodedError is a typed error used for stable API mapping.
type CodedError struct {
	Code    string
	Message string
	Cause   error
}

func (e *CodedError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
}

func (e *CodedError) Unwrap() error { return e.Cause }

// NewError returns a *CodedError.
func NewError(code, msg string, cause error) error {
	return &CodedError{Code: code, Message: msg, Cause: cause}
}

// ScriptError is a JavaScript exception thrown inside a page.
type ScriptError struct {
	Text   string `json:"text"`
	Line   int    `json:"line"`
	Column int    `json:"column"`
}

func (e *ScriptError) Error() string {
	return fmt.Sprintf("script exception at %d:%d: %s", e.Line, e.Column, e.Text)
}

// ContextID identifies an isolated browser context.
type ContextID string

// PageID identifies a page (render surface) inside a browser context.
type PageID string

// Rect is a window rectangle in screen pixels.
type Rect struct {
	Left   int `json:"left"`
	Top    int `json:"top"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Cookie is the cookie record exchanged with the cookie collaborator.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
	HTTPOnly bool    `json:"httpOnly,omitempty"`
	Expires  float64 `json:"expires,omitempty"`
	SameSite string  `json:"sameSite,omitempty"`
}

// PermissionSetting mirrors the CDP Browser.PermissionSetting values.
type PermissionSetting string

const (
	PermissionGranted PermissionSetting = "granted"
	PermissionDenied  PermissionSetting = "denied"
	PermissionPrompt  PermissionSetting = "prompt"
)

// EventKind names a page lifecycle event.
type EventKind string

const (
	EventLoadFinished    EventKind = "load_finished"
	EventLoadFailed      EventKind = "load_failed"
	EventNavigated       EventKind = "navigated"
	EventNavigatedInPage EventKind = "navigated_in_page"
	EventRedirect        EventKind = "redirect"
)

// Event is a page lifecycle notification. Only main-frame events are emitted.
type Event struct {
	Kind  EventKind `json:"kind"`
	URL   string    `json:"url,omitempty"`
	Error string    `json:"error,omitempty"`
}

// ContextController manages isolated browser contexts.
type ContextController interface {
	CreateBrowserContext(ctx context.Context) (ContextID, error)
	DisposeBrowserContext(ctx context.Context, id ContextID) error
	ClearBrowserContextData(ctx context.Context, id ContextID) error
	// SetPermission applies setting to permission for origin; an empty origin
	// applies to every origin in the context.
	SetPermission(ctx context.Context, id ContextID, origin, permission string, setting PermissionSetting) error
	SetCookies(ctx context.Context, id ContextID, cookies []Cookie) error
	Cookies(ctx context.Context, id ContextID) ([]Cookie, error)
}

// PageController manages pages and their windows.
type PageController interface {
	CreatePage(ctx context.Context, id ContextID) (PageID, error)
	ClosePage(ctx context.Context, page PageID) error
	WindowBounds(ctx context.Context, page PageID) (Rect, error)
	SetWindowBounds(ctx context.Context, page PageID, r Rect) error
	FocusPage(ctx context.Context, page PageID) error
	SetBlockedURLs(ctx context.Context, page PageID, patterns []string) error
}

// Evaluator runs JavaScript in a page and returns the completion value as
// JSON. Exceptions thrown by the script are returned as *ScriptError.
type Evaluator interface {
	Evaluate(ctx context.Context, page PageID, expression string) (json.RawMessage, error)
}

// Navigator drives page loads and reports lifecycle events.
type Navigator interface {
	// Navigate loads url. It may return as soon as the request is committed or
	// only once the load settles; callers race it against Subscribe events. A
	// non-nil error means the load failed.
	Navigate(ctx context.Context, page PageID, url string) error
	CurrentURL(ctx context.Context, page PageID) (string, error)
	// Subscribe returns a buffered event channel for page and a function that
	// retires it. Events are dropped rather than blocking the engine.
	Subscribe(page PageID) (<-chan Event, func())
}

// FileSetter assigns host file paths to a file input without moving bytes.
type FileSetter interface {
	SetFileInputFiles(ctx context.Context, page PageID, selector string, paths []string) error
}

// Engine is the full set of engine operations.
type Engine interface {
	ContextController
	PageController
	Evaluator
	Navigator
	FileSetter
}

// IsBlankURL reports whether url is an empty-page placeholder.
func IsBlankURL(url string) bool {
	switch url {
	case "", "about:blank", "chrome://newtab/", "chrome://new-tab-page/":
		return true
	}
	return false
}
