package session_test

import (
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"carhive/ingest-service/internal/session"
)

func newStore(t *testing.T) (*session.Store, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "session.json")
	return session.NewStore(path, time.Hour), path
}

func TestStore_LoadMissingFileIsNotAnError(t *testing.T) {
	store, _ := newStore(t)
	st, err := store.Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if st != nil {
		t.Errorf("want nil state for missing file, got %+v", st)
	}
}

func TestStore_SaveThenLoadRoundTrips(t *testing.T) {
	store, path := newStore(t)
	saved := session.State{
		SavedAt: time.Now().UTC().Truncate(time.Second),
		Cookies: []session.Cookie{
			{Name: "sid", Value: "abc123", Domain: "platform.example", Path: "/", HTTPOnly: true},
			{Name: "csrf", Value: "tok", Domain: "platform.example", Path: "/"},
		},
	}
	if err := store.Save(saved); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("session file not written: %v", err)
	}

	got, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got == nil {
		t.Fatal("Load returned nil state")
	}
	if !got.SavedAt.Equal(saved.SavedAt) {
		t.Errorf("SavedAt got %v, want %v", got.SavedAt, saved.SavedAt)
	}
	if len(got.Cookies) != 2 || got.Cookies[0].Name != "sid" || got.Cookies[0].Value != "abc123" {
		t.Errorf("cookies got %+v", got.Cookies)
	}
}

func TestStore_SaveReplacesWholesale(t *testing.T) {
	store, _ := newStore(t)
	first := session.State{SavedAt: time.Now(), Cookies: []session.Cookie{{Name: "old", Value: "1"}}}
	if err := store.Save(first); err != nil {
		t.Fatalf("Save: %v", err)
	}
	second := session.State{SavedAt: time.Now(), Cookies: []session.Cookie{{Name: "new", Value: "2"}}}
	if err := store.Save(second); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got.Cookies) != 1 || got.Cookies[0].Name != "new" {
		t.Errorf("old cookies survived the replace: %+v", got.Cookies)
	}
}

func TestStore_LoadCorruptFileErrors(t *testing.T) {
	store, path := newStore(t)
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Load(); err == nil {
		t.Error("want error for corrupt session file")
	}
}

func TestStore_IsFresh(t *testing.T) {
	store, _ := newStore(t)
	now := time.Now()
	cases := []struct {
		name string
		st   *session.State
		want bool
	}{
		{"nil state", nil, false},
		{"zero savedAt", &session.State{}, false},
		{"just saved", &session.State{SavedAt: now}, true},
		{"59 minutes old", &session.State{SavedAt: now.Add(-59 * time.Minute)}, true},
		{"exactly TTL old", &session.State{SavedAt: now.Add(-time.Hour)}, false},
		{"2 hours old", &session.State{SavedAt: now.Add(-2 * time.Hour)}, false},
	}
	for _, c := range cases {
		if got := store.IsFresh(c.st, now); got != c.want {
			t.Errorf("%s: IsFresh = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestState_CloneIsDeep(t *testing.T) {
	orig := session.State{
		SavedAt: time.Now(),
		Cookies: []session.Cookie{{Name: "sid", Value: "a"}},
	}
	clone := orig.Clone()
	clone.Cookies[0].Value = "mutated"
	if orig.Cookies[0].Value != "a" {
		t.Error("Clone shares cookie backing storage with the original")
	}
}

func TestState_HTTPCookiesRoundTrip(t *testing.T) {
	now := time.Now()
	raw := []*http.Cookie{{Name: "sid", Value: "v", Domain: "d.example", Path: "/", HttpOnly: true}}
	st := session.FromHTTPCookies(raw, now)
	if !st.SavedAt.Equal(now) {
		t.Errorf("SavedAt got %v, want %v", st.SavedAt, now)
	}
	back := st.HTTPCookies()
	if len(back) != 1 || back[0].Name != "sid" || back[0].Value != "v" || !back[0].HttpOnly {
		t.Errorf("HTTPCookies got %+v", back[0])
	}
}
