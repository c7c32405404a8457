package api

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/dgnsrekt/tabhost/internal/events"
	"github.com/dgnsrekt/tabhost/internal/tabs"
	"github.com/dgnsrekt/tabhost/internal/upload"
)

type cookieData struct {
	TabID string `json:"tabId"`
	tabs.CookieResult
}

type cookieBody struct {
	TabID      string `json:"tabId" required:"true"`
	CookieFile string `json:"cookieFile,omitempty" doc:"Cookie JSON file; defaults to the tab's last cookie file"`
}

type uploadData struct {
	upload.Result
}

func registerAccountIOHandlers(api huma.API, svc Service) {
	huma.Register(api, huma.Operation{OperationID: "load-cookies", Method: http.MethodPost, Path: "/api/account/load-cookies", Summary: "Install cookies from a file and reload", Tags: []string{"Cookies"}},
		func(ctx context.Context, input *struct{ Body cookieBody }) (*output[cookieData], error) {
			res, err := svc.LoadCookies(ctx, input.Body.TabID, input.Body.CookieFile)
			if err != nil {
				return nil, mapErr(err)
			}
			return ok(cookieData{TabID: input.Body.TabID, CookieResult: res}), nil
		})

	huma.Register(api, huma.Operation{OperationID: "save-cookies", Method: http.MethodPost, Path: "/api/account/save-cookies", Summary: "Write a tab's cookies to a file", Tags: []string{"Cookies"}},
		func(ctx context.Context, input *struct{ Body cookieBody }) (*output[cookieData], error) {
			res, err := svc.SaveCookies(ctx, input.Body.TabID, input.Body.CookieFile)
			if err != nil {
				return nil, mapErr(err)
			}
			return ok(cookieData{TabID: input.Body.TabID, CookieResult: res}), nil
		})

	huma.Register(api, huma.Operation{OperationID: "upload-file", Method: http.MethodPost, Path: "/api/account/upload", Summary: "Deliver a host file into a page file input", Tags: []string{"Uploads"}},
		func(ctx context.Context, input *struct {
			Body struct {
				TabID string `json:"tabId" required:"true"`
				upload.Request
			}
		}) (*output[uploadData], error) {
			res, err := svc.Upload(ctx, input.Body.TabID, input.Body.Request)
			if err != nil {
				return nil, mapErr(err)
			}
			return ok(uploadData{res}), nil
		})
}

type healthData struct {
	Status        string    `json:"status"`
	Browser       string    `json:"browser,omitempty"`
	BrowserError  string    `json:"browserError,omitempty"`
	Tabs          int       `json:"tabs"`
	ActiveTab     string    `json:"activeTab,omitempty"`
	EventClients  int       `json:"eventClients"`
	Goroutines    int       `json:"goroutines"`
	CheckedAt     time.Time `json:"checkedAt"`
	UptimeSeconds int64     `json:"uptimeSeconds"`
}

func registerHealthHandlers(api huma.API, svc Service, broker *events.Broker, browser BrowserInfo) {
	started := time.Now()
	huma.Register(api, huma.Operation{OperationID: "health", Method: http.MethodGet, Path: "/api/health", Summary: "Health check", Tags: []string{"Health"}},
		func(ctx context.Context, input *struct{}) (*output[healthData], error) {
			h := healthData{
				Status:        "ok",
				Tabs:          len(svc.ListTabs()),
				Goroutines:    runtime.NumGoroutine(),
				CheckedAt:     time.Now().UTC(),
				UptimeSeconds: int64(time.Since(started).Seconds()),
			}
			if tab, found := svc.GetActiveTab(); found {
				h.ActiveTab = tab.ID
			}
			if broker != nil {
				h.EventClients = broker.ClientCount()
			}
			if browser != nil {
				version, err := browser.BrowserVersion(ctx)
				if err != nil {
					h.Status = "degraded"
					h.BrowserError = err.Error()
				} else {
					h.Browser = version
				}
			}
			return ok(h), nil
		})
}
