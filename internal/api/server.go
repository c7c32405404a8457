package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/dgnsrekt/tabhost/internal/engine"
	"github.com/dgnsrekt/tabhost/internal/events"
	"github.com/dgnsrekt/tabhost/internal/navigation"
	"github.com/dgnsrekt/tabhost/internal/tabs"
	"github.com/dgnsrekt/tabhost/internal/upload"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Service is the tab manager surface exposed over HTTP.
type Service interface {
	CreateTab(ctx context.Context, account, platform string, opts tabs.CreateOptions) (tabs.Tab, error)
	SwitchTab(ctx context.Context, id string) (tabs.Tab, error)
	CloseTab(ctx context.Context, id string) error
	NavigateTab(ctx context.Context, id, url string) (navigation.Result, error)
	ExecuteScript(ctx context.Context, id, script string) (json.RawMessage, error)
	LoadCookies(ctx context.Context, id, file string) (tabs.CookieResult, error)
	SaveCookies(ctx context.Context, id, file string) (tabs.CookieResult, error)
	Upload(ctx context.Context, id string, req upload.Request) (upload.Result, error)
	WaitForURLChange(ctx context.Context, id string, timeout time.Duration) (bool, error)
	RegisterInitScript(id, script string) (int, error)
	ListTabs() []tabs.Tab
	GetActiveTab() (tabs.Tab, bool)
}

// BrowserInfo reports the connected browser for the health endpoint.
type BrowserInfo interface {
	BrowserVersion(ctx context.Context) (string, error)
}

// envelope is the response body of every endpoint.
type envelope[T any] struct {
	Success bool   `json:"success"`
	Data    T      `json:"data"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}

type output[T any] struct {
	Body envelope[T]
}

func ok[T any](data T) *output[T] {
	return &output[T]{Body: envelope[T]{Success: true, Data: data}}
}

// apiError renders failures in the same envelope as successes.
type apiError struct {
	status  int
	Success bool   `json:"success"`
	Message string `json:"error"`
	Code    string `json:"code,omitempty"`
}

func (e *apiError) Error() string  { return e.Message }
func (e *apiError) GetStatus() int { return e.status }

func newAPIError(status int, code, msg string) *apiError {
	return &apiError{status: status, Message: msg, Code: code}
}

func init() {
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		for _, err := range errs {
			if err != nil {
				msg = fmt.Sprintf("%s: %v", msg, err)
			}
		}
		return newAPIError(status, "", msg)
	}
}

func NewServer(svc Service, broker *events.Broker, browser BrowserInfo) http.Handler {
	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(requestLogger)
	router.Use(middleware.Recoverer)

	cfg := huma.DefaultConfig("Tabhost API", "1.0.0")
	cfg.DocsPath = ""
	api := humachi.New(router, cfg)

	router.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		if _, err := w.Write([]byte(docsHTML)); err != nil {
			slog.Debug("docs response write failed", "error", err)
		}
	})
	router.Get("/docs/events", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		if _, err := w.Write([]byte(eventsDocsHTML)); err != nil {
			slog.Debug("docs response write failed", "error", err)
		}
	})

	if broker != nil {
		router.Get("/api/events", events.SSEHandler(broker))
		router.Get("/api/events/ws", events.WebSocketHandler(broker))
	}

	registerHealthHandlers(api, svc, broker, browser)
	registerAccountHandlers(api, svc)
	registerAccountIOHandlers(api, svc)

	return router
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var coded *engine.CodedError
	if errors.As(err, &coded) {
		switch coded.Code {
		case engine.CodeValidation:
			return newAPIError(http.StatusBadRequest, coded.Code, coded.Message)
		case engine.CodeTabNotFound:
			return newAPIError(http.StatusNotFound, coded.Code, coded.Message)
		case engine.CodeScriptTimeout:
			return newAPIError(http.StatusGatewayTimeout, coded.Code, coded.Message)
		case engine.CodeCDPUnavailable, engine.CodeIsolationFailure:
			return newAPIError(http.StatusBadGateway, coded.Code, coded.Error())
		case engine.CodeScriptFailure:
			return newAPIError(http.StatusUnprocessableEntity, coded.Code, coded.Error())
		default:
			return newAPIError(http.StatusInternalServerError, coded.Code, coded.Error())
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return newAPIError(http.StatusGatewayTimeout, "", err.Error())
	}
	return newAPIError(http.StatusInternalServerError, "", err.Error())
}
