// Package isolation allocates one partitioned browser context per account key.
package isolation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/dgnsrekt/tabhost/internal/config"
	"github.com/dgnsrekt/tabhost/internal/engine"
)

// Provider maps context keys to isolated browser contexts.
type Provider struct {
	eng    engine.ContextController
	policy config.PermissionPolicy

	mu       sync.Mutex
	contexts map[string]engine.ContextID
	// creating serialises concurrent CreateContext calls for the same key.
	creating map[string]chan struct{}
}

func NewProvider(eng engine.ContextController, policy config.PermissionPolicy) *Provider {
	return &Provider{
		eng:      eng,
		policy:   policy,
		contexts: make(map[string]engine.ContextID),
		creating: make(map[string]chan struct{}),
	}
}

// Key returns the context key for an account on a platform.
func Key(platform, account string) string {
	return "persist:" + strings.ToLower(strings.TrimSpace(platform)) + ":" + strings.TrimSpace(account)
}

// CreateContext returns the context for key, creating it and installing the
// permission policy on first use.
func (p *Provider) CreateContext(ctx context.Context, key string) (engine.ContextID, error) {
	if strings.TrimSpace(key) == "" {
		return "", engine.NewError(engine.CodeValidation, "context key is required", nil)
	}

	for {
		p.mu.Lock()
		if id, ok := p.contexts[key]; ok {
			p.mu.Unlock()
			return id, nil
		}
		wait, busy := p.creating[key]
		if !busy {
			done := make(chan struct{})
			p.creating[key] = done
			p.mu.Unlock()

			id, err := p.create(ctx, key)

			p.mu.Lock()
			delete(p.creating, key)
			if err == nil {
				p.contexts[key] = id
			}
			p.mu.Unlock()
			close(done)
			return id, err
		}
		p.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func (p *Provider) create(ctx context.Context, key string) (engine.ContextID, error) {
	id, err := p.eng.CreateBrowserContext(ctx)
	if err != nil {
		return "", engine.NewError(engine.CodeIsolationFailure, "create browser context for "+key, err)
	}

	if err := p.applyPolicy(ctx, id); err != nil {
		if derr := p.eng.DisposeBrowserContext(ctx, id); derr != nil {
			slog.Warn("dispose after failed policy install", "context_key", key, "context_id", id, "error", derr)
		}
		return "", engine.NewError(engine.CodeIsolationFailure, "install permission policy for "+key, err)
	}

	slog.Info("Created isolated context", "context_key", key, "context_id", id)
	return id, nil
}

func (p *Provider) applyPolicy(ctx context.Context, id engine.ContextID) error {
	allowed := make(map[string]bool, len(p.policy.Allow))
	for _, name := range p.policy.Allow {
		allowed[name] = true
	}

	for _, name := range p.policy.Managed {
		if allowed[name] {
			continue
		}
		if err := p.eng.SetPermission(ctx, id, "", name, engine.PermissionDenied); err != nil {
			return fmt.Errorf("deny %s: %w", name, err)
		}
	}
	for _, name := range p.policy.Allow {
		if err := p.eng.SetPermission(ctx, id, "", name, engine.PermissionGranted); err != nil {
			return fmt.Errorf("grant %s: %w", name, err)
		}
	}
	for _, origin := range p.policy.TrustedDomains {
		for _, name := range p.policy.TrustedPermissions {
			if err := p.eng.SetPermission(ctx, id, origin, name, engine.PermissionGranted); err != nil {
				return fmt.Errorf("grant %s on %s: %w", name, origin, err)
			}
		}
	}
	return nil
}

// DeleteContext clears all storage for key and disposes its context. Unknown
// keys are a no-op. Disposal is attempted even when clearing fails.
func (p *Provider) DeleteContext(ctx context.Context, key string) error {
	p.mu.Lock()
	id, ok := p.contexts[key]
	delete(p.contexts, key)
	p.mu.Unlock()
	if !ok {
		return nil
	}

	var errs []error
	if err := p.eng.ClearBrowserContextData(ctx, id); err != nil {
		slog.Warn("clear context data failed", "context_key", key, "context_id", id, "error", err)
		errs = append(errs, err)
	}
	if err := p.eng.DisposeBrowserContext(ctx, id); err != nil {
		slog.Warn("dispose context failed", "context_key", key, "context_id", id, "error", err)
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return engine.NewError(engine.CodeIsolationFailure, "delete context "+key, errors.Join(errs...))
	}

	slog.Info("Deleted isolated context", "context_key", key, "context_id", id)
	return nil
}

// Lookup returns the context for key if one exists.
func (p *Provider) Lookup(key string) (engine.ContextID, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.contexts[key]
	return id, ok
}

// Len returns the number of live contexts.
func (p *Provider) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.contexts)
}
