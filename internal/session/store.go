// Package session persists authentication cookies between process runs.
//
// The artifact is a single JSON file {cookies: [...], savedAt: ...} replaced
// wholesale on every save. A session is fresh only while now − savedAt stays
// under the configured TTL; stale sessions are discarded, never reused.
package session

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// Cookie is the persisted shape of one authentication cookie.
type Cookie struct {
	Name     string    `json:"name"`
	Value    string    `json:"value"`
	Domain   string    `json:"domain"`
	Path     string    `json:"path"`
	Expires  time.Time `json:"expires,omitempty"`
	Secure   bool      `json:"secure,omitempty"`
	HTTPOnly bool      `json:"httpOnly,omitempty"`
}

// State is the full persisted session artifact.
type State struct {
	Cookies []Cookie  `json:"cookies"`
	SavedAt time.Time `json:"savedAt"`
}

// Clone returns a deep copy so workers can seed isolated cookie jars without
// sharing backing storage.
func (s State) Clone() State {
	out := State{SavedAt: s.SavedAt, Cookies: make([]Cookie, len(s.Cookies))}
	copy(out.Cookies, s.Cookies)
	return out
}

// HTTPCookies converts the persisted cookies into net/http form.
func (s State) HTTPCookies() []*http.Cookie {
	out := make([]*http.Cookie, 0, len(s.Cookies))
	for _, c := range s.Cookies {
		out = append(out, &http.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires,
			Secure:   c.Secure,
			HttpOnly: c.HTTPOnly,
		})
	}
	return out
}

// FromHTTPCookies captures live cookies into a persistable State stamped now.
func FromHTTPCookies(cookies []*http.Cookie, now time.Time) State {
	st := State{SavedAt: now, Cookies: make([]Cookie, 0, len(cookies))}
	for _, c := range cookies {
		st.Cookies = append(st.Cookies, Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires,
			Secure:   c.Secure,
			HTTPOnly: c.HttpOnly,
		})
	}
	return st
}

// Store reads and writes the session file. Only the authenticator writes;
// downloader workers read a single snapshot at pool construction time.
type Store struct {
	path string
	ttl  time.Duration
}

// NewStore builds a Store for the given file path and freshness TTL.
func NewStore(path string, ttl time.Duration) *Store {
	return &Store{path: path, ttl: ttl}
}

// Load reads the persisted state. A missing file yields (nil, nil) — no
// session is a normal first-run condition, not an error.
func (s *Store) Load() (*State, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read session file %s: %w", s.path, err)
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode session file %s: %w", s.path, err)
	}
	return &st, nil
}

// Save atomically replaces the session file (write temp, rename).
func (s *Store) Save(st State) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".session-*.json")
	if err != nil {
		return fmt.Errorf("create temp session file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp session file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp session file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace session file: %w", err)
	}
	return nil
}

// IsFresh reports whether st is still within the TTL at the given time.
func (s *Store) IsFresh(st *State, now time.Time) bool {
	if st == nil || st.SavedAt.IsZero() {
		return false
	}
	return now.Sub(st.SavedAt) < s.ttl
}
