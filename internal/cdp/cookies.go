package cdp

import (
	"math"
	"strings"
	"time"

	cdproto "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/dgnsrekt/tabhost/internal/engine"
)

func toCookieParam(ck engine.Cookie) *network.CookieParam {
	p := &network.CookieParam{
		Name:     ck.Name,
		Value:    ck.Value,
		Domain:   ck.Domain,
		Path:     ck.Path,
		Secure:   ck.Secure,
		HTTPOnly: ck.HTTPOnly,
		SameSite: sameSite(ck.SameSite),
	}
	if p.Path == "" {
		p.Path = "/"
	}
	if ck.Expires > 0 {
		sec, frac := math.Modf(ck.Expires)
		ts := cdproto.TimeSinceEpoch(time.Unix(int64(sec), int64(frac*1e9)))
		p.Expires = &ts
	}
	return p
}

func fromNetworkCookie(ck *network.Cookie) engine.Cookie {
	out := engine.Cookie{
		Name:     ck.Name,
		Value:    ck.Value,
		Domain:   ck.Domain,
		Path:     ck.Path,
		Secure:   ck.Secure,
		HTTPOnly: ck.HTTPOnly,
		SameSite: string(ck.SameSite),
	}
	if !ck.Session && ck.Expires > 0 {
		out.Expires = ck.Expires
	}
	return out
}

// sameSite maps the spellings found in exported cookie files onto CDP values.
func sameSite(s string) network.CookieSameSite {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "strict":
		return network.CookieSameSiteStrict
	case "lax":
		return network.CookieSameSiteLax
	case "none", "no_restriction":
		return network.CookieSameSiteNone
	default:
		return ""
	}
}
