// Package cookies reads and writes account cookie files.
package cookies

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dgnsrekt/tabhost/internal/engine"
)

// File is the on-disk cookie file. Older files hold a bare array.
type File struct {
	Cookies []engine.Cookie `json:"cookies"`
	SavedAt time.Time       `json:"saved_at"`
	Account string          `json:"account,omitempty"`
}

// Load reads a cookie file and returns the usable records.
func Load(path string) ([]engine.Cookie, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read cookie file: %w", err)
	}
	records, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("cookie file %s: %w", path, err)
	}
	return Sanitize(records), nil
}

// Parse decodes either the object form or a bare array of records.
func Parse(data []byte) ([]engine.Cookie, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if trimmed[0] == '[' {
		var records []engine.Cookie
		if err := json.Unmarshal(trimmed, &records); err != nil {
			return nil, err
		}
		return records, nil
	}
	var f File
	if err := json.Unmarshal(trimmed, &f); err != nil {
		return nil, err
	}
	return f.Cookies, nil
}

// Sanitize drops records without a domain, logging each skip.
func Sanitize(records []engine.Cookie) []engine.Cookie {
	out := make([]engine.Cookie, 0, len(records))
	for i, ck := range records {
		if strings.TrimSpace(ck.Domain) == "" {
			slog.Warn("skipping cookie without domain", "index", i, "name", ck.Name)
			continue
		}
		out = append(out, ck)
	}
	return out
}

// Save writes records with a domain to path atomically, mode 0600.
func Save(path, account string, records []engine.Cookie) (int, error) {
	kept := make([]engine.Cookie, 0, len(records))
	for _, ck := range records {
		if strings.TrimSpace(ck.Domain) == "" {
			continue
		}
		kept = append(kept, ck)
	}

	data, err := json.MarshalIndent(File{Cookies: kept, SavedAt: time.Now().UTC(), Account: account}, "", "  ")
	if err != nil {
		return 0, fmt.Errorf("encode cookies: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return 0, fmt.Errorf("create cookie dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".cookies-*.tmp")
	if err != nil {
		return 0, fmt.Errorf("create temp cookie file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return 0, fmt.Errorf("chmod cookie file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return 0, fmt.Errorf("write cookie file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return 0, fmt.Errorf("sync cookie file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("close cookie file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return 0, fmt.Errorf("replace cookie file: %w", err)
	}
	return len(kept), nil
}
