package tabs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/dgnsrekt/tabhost/internal/config"
	"github.com/dgnsrekt/tabhost/internal/engine"
)

type LoginStatus string

const (
	LoggedIn  LoginStatus = "logged_in"
	LoggedOut LoginStatus = "logged_out"
	Unknown   LoginStatus = "unknown"
)

// State is a tab's lifecycle state.
type State string

const (
	StateCreating   State = "creating"
	StateReady      State = "ready"
	StateActive     State = "active"
	StateBackground State = "background"
	StateClosing    State = "closing"
	StateClosed     State = "closed"
)

// Tab is the registry record of one account session.
type Tab struct {
	ID          string           `json:"id"`
	Account     string           `json:"accountName"`
	Platform    string           `json:"platform"`
	ContextKey  string           `json:"contextKey"`
	ContextID   engine.ContextID `json:"contextId"`
	PageID      engine.PageID    `json:"pageId"`
	URL         string           `json:"url"`
	LoginStatus LoginStatus      `json:"loginStatus"`
	CookieFile  string           `json:"cookieFile,omitempty"`
	Headless    bool             `json:"headless"`
	Visible     bool             `json:"visible"`
	State       State            `json:"state"`
	CreatedAt   time.Time        `json:"createdAt"`
}

// CookieResult reports a cookie transfer and the file it used.
type CookieResult struct {
	Count int    `json:"count"`
	File  string `json:"file"`
}

// CreateOptions are the optional inputs of CreateTab.
type CreateOptions struct {
	InitialURL string `json:"initialUrl,omitempty"`
	Headless   bool   `json:"headless,omitempty"`
}

// LoginProbe reports the login state of the account shown in a page.
type LoginProbe interface {
	LoginStatus(ctx context.Context, pid engine.PageID) LoginStatus
}

// ScriptProbe evaluates a JS predicate: true means logged in, false logged
// out, null or any error unknown.
type ScriptProbe struct {
	Eval       engine.Evaluator
	Expression string
}

func (p ScriptProbe) LoginStatus(ctx context.Context, pid engine.PageID) LoginStatus {
	expr := fmt.Sprintf(`(() => { try { const v = (%s); return v === null || v === undefined ? null : !!v; } catch (e) { return null; } })()`, p.Expression)
	raw, err := p.Eval.Evaluate(ctx, pid, expr)
	if err != nil {
		slog.Debug("login probe failed", "page_id", pid, "error", err)
		return Unknown
	}
	var v *bool
	if err := json.Unmarshal(raw, &v); err != nil || v == nil {
		return Unknown
	}
	if *v {
		return LoggedIn
	}
	return LoggedOut
}

// ProbesFromPolicy builds a ScriptProbe for every platform with a login check.
func ProbesFromPolicy(p *config.Policy, eval engine.Evaluator) map[string]LoginProbe {
	probes := make(map[string]LoginProbe)
	for _, pl := range p.Platforms {
		if strings.TrimSpace(pl.LoginCheck) == "" {
			continue
		}
		probes[pl.Name] = ScriptProbe{Eval: eval, Expression: pl.LoginCheck}
	}
	return probes
}

// PlatformScripts returns the init scripts configured per platform.
func PlatformScripts(p *config.Policy) map[string][]string {
	out := make(map[string][]string)
	for _, pl := range p.Platforms {
		if len(pl.InitScripts) > 0 {
			out[pl.Name] = append([]string(nil), pl.InitScripts...)
		}
	}
	return out
}

func slug(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
