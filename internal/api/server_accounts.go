package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/dgnsrekt/tabhost/internal/navigation"
	"github.com/dgnsrekt/tabhost/internal/tabs"
)

// tabList keeps the list envelope's schema name apart from the single-tab one.
type tabList []tabs.Tab

type tabIDBody struct {
	TabID string `json:"tabId" required:"true" doc:"Tab identifier returned by account/create"`
}

func registerAccountHandlers(api huma.API, svc Service) {
	type createData struct {
		TabID string `json:"tabId"`
		tabs.Tab
	}
	huma.Register(api, huma.Operation{OperationID: "create-account-tab", Method: http.MethodPost, Path: "/api/account/create", Summary: "Create an isolated tab for an account", Tags: []string{"Accounts"}},
		func(ctx context.Context, input *struct {
			Body struct {
				Account    string `json:"accountName" required:"true" doc:"Account identifier"`
				Platform   string `json:"platform" required:"true" doc:"Platform name (selects login probe and init scripts)"`
				InitialURL string `json:"initialUrl,omitempty" doc:"URL loaded after creation"`
				Headless   bool   `json:"headless,omitempty" doc:"Never attach this tab to the visible region"`
			}
		}) (*output[createData], error) {
			tab, err := svc.CreateTab(ctx, input.Body.Account, input.Body.Platform, tabs.CreateOptions{
				InitialURL: input.Body.InitialURL,
				Headless:   input.Body.Headless,
			})
			if err != nil {
				return nil, mapErr(err)
			}
			return ok(createData{TabID: tab.ID, Tab: tab}), nil
		})

	huma.Register(api, huma.Operation{OperationID: "switch-account-tab", Method: http.MethodPost, Path: "/api/account/switch", Summary: "Show a tab in the content region", Tags: []string{"Accounts"}},
		func(ctx context.Context, input *struct{ Body tabIDBody }) (*output[*tabs.Tab], error) {
			tab, err := svc.SwitchTab(ctx, input.Body.TabID)
			if err != nil {
				return nil, mapErr(err)
			}
			return ok(&tab), nil
		})

	type closeData struct {
		TabID  string `json:"tabId"`
		Status string `json:"status"`
	}
	huma.Register(api, huma.Operation{OperationID: "close-account-tab", Method: http.MethodPost, Path: "/api/account/close", Summary: "Close a tab and release its context", Tags: []string{"Accounts"}},
		func(ctx context.Context, input *struct{ Body tabIDBody }) (*output[closeData], error) {
			if err := svc.CloseTab(ctx, input.Body.TabID); err != nil {
				return nil, mapErr(err)
			}
			return ok(closeData{TabID: input.Body.TabID, Status: "closed"}), nil
		})

	type navigateData struct {
		navigation.Result
	}
	huma.Register(api, huma.Operation{OperationID: "navigate-account-tab", Method: http.MethodPost, Path: "/api/account/navigate", Summary: "Load a URL and wait for it to settle", Tags: []string{"Accounts"}},
		func(ctx context.Context, input *struct {
			Body struct {
				TabID string `json:"tabId" required:"true"`
				URL   string `json:"url" required:"true"`
			}
		}) (*output[navigateData], error) {
			res, err := svc.NavigateTab(ctx, input.Body.TabID, input.Body.URL)
			if err != nil {
				return nil, mapErr(err)
			}
			return ok(navigateData{res}), nil
		})

	huma.Register(api, huma.Operation{OperationID: "execute-script", Method: http.MethodPost, Path: "/api/account/execute", Summary: "Evaluate JavaScript in a tab", Tags: []string{"Accounts"}},
		func(ctx context.Context, input *struct {
			Body struct {
				TabID  string `json:"tabId" required:"true"`
				Script string `json:"script" required:"true" doc:"Expression; promises are awaited"`
			}
		}) (*output[json.RawMessage], error) {
			raw, err := svc.ExecuteScript(ctx, input.Body.TabID, input.Body.Script)
			if err != nil {
				return nil, mapErr(err)
			}
			return ok(raw), nil
		})

	type waitData struct {
		Changed bool `json:"changed"`
	}
	huma.Register(api, huma.Operation{OperationID: "wait-url-change", Method: http.MethodPost, Path: "/api/account/wait-url-change", Summary: "Wait for a tab to leave its current URL", Tags: []string{"Accounts"}},
		func(ctx context.Context, input *struct {
			Body struct {
				TabID     string `json:"tabId" required:"true"`
				TimeoutMS int    `json:"timeoutMs,omitempty" minimum:"0" doc:"Zero uses the server default"`
			}
		}) (*output[waitData], error) {
			changed, err := svc.WaitForURLChange(ctx, input.Body.TabID, time.Duration(input.Body.TimeoutMS)*time.Millisecond)
			if err != nil {
				return nil, mapErr(err)
			}
			return ok(waitData{Changed: changed}), nil
		})

	type initScriptData struct {
		Count int `json:"count"`
	}
	huma.Register(api, huma.Operation{OperationID: "register-init-script", Method: http.MethodPost, Path: "/api/account/init-script", Summary: "Add a script replayed on every page load", Tags: []string{"Accounts"}},
		func(ctx context.Context, input *struct {
			Body struct {
				TabID  string `json:"tabId" required:"true"`
				Script string `json:"script" required:"true"`
			}
		}) (*output[initScriptData], error) {
			n, err := svc.RegisterInitScript(input.Body.TabID, input.Body.Script)
			if err != nil {
				return nil, mapErr(err)
			}
			return ok(initScriptData{Count: n}), nil
		})

	huma.Register(api, huma.Operation{OperationID: "list-accounts", Method: http.MethodGet, Path: "/api/accounts", Summary: "List tabs in creation order", Tags: []string{"Accounts"}},
		func(ctx context.Context, input *struct{}) (*output[tabList], error) {
			return ok(tabList(svc.ListTabs())), nil
		})

	huma.Register(api, huma.Operation{OperationID: "get-active-account", Method: http.MethodGet, Path: "/api/account/active", Summary: "Get the tab shown in the content region", Tags: []string{"Accounts"}},
		func(ctx context.Context, input *struct{}) (*output[*tabs.Tab], error) {
			tab, found := svc.GetActiveTab()
			if !found {
				return ok[*tabs.Tab](nil), nil
			}
			return ok(&tab), nil
		})
}
