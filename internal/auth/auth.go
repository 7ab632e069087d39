// Package auth drives the two-hop login flow: a credential login on the
// identity portal followed by an OAuth-style hand-off to the auction
// platform. The resulting cookie set is persisted through the session store
// and shared (by copy) with every component that talks to the platform.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/sirupsen/logrus"

	"carhive/ingest-service/internal/errs"
	"carhive/ingest-service/internal/session"
)

// Config holds the credentials and endpoints of both hops.
type Config struct {
	PortalLoginURL  string
	Username        string
	Password        string
	PlatformBaseURL string
	ClientID        string
	Timeout         time.Duration
}

// Authenticator owns the authenticated HTTP client. State machine:
// unauthenticated → identity portal logged in → platform authenticated.
// Login failures are fatal; the retry engine wraps callers of this
// component, never its internals.
type Authenticator struct {
	cfg   Config
	store *session.Store
	log   *logrus.Logger

	platformURL *url.URL

	mu     sync.Mutex
	client *http.Client
}

// New validates the configured endpoints and returns an Authenticator.
func New(cfg Config, store *session.Store, log *logrus.Logger) (*Authenticator, error) {
	platformURL, err := url.Parse(cfg.PlatformBaseURL)
	if err != nil || platformURL.Host == "" {
		return nil, errs.Wrap(errs.ClassEnvironmentFault,
			fmt.Sprintf("malformed platform base URL %q", cfg.PlatformBaseURL), err)
	}
	if _, err := url.Parse(cfg.PortalLoginURL); err != nil {
		return nil, errs.Wrap(errs.ClassEnvironmentFault,
			fmt.Sprintf("malformed portal login URL %q", cfg.PortalLoginURL), err)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Authenticator{cfg: cfg, store: store, log: log, platformURL: platformURL}, nil
}

// Init establishes a platform session. A persisted session that is still
// fresh and passes a live verification round-trip short-circuits the login;
// anything else triggers the full two-hop flow.
func (a *Authenticator) Init(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if st, err := a.store.Load(); err != nil {
		a.log.WithError(err).Warn("could not load persisted session — performing full login")
	} else if a.store.IsFresh(st, time.Now()) {
		client, err := a.newClient()
		if err != nil {
			return err
		}
		client.Jar.SetCookies(a.platformURL, st.HTTPCookies())
		if a.verify(ctx, client) {
			a.client = client
			a.log.Info("reusing persisted session")
			return a.persistCookies()
		}
		a.log.Info("persisted session failed live verification — performing full login")
	}

	return a.loginLocked(ctx)
}

// RefreshSession tears down the current authenticated client and re-runs the
// full two-hop flow from scratch. Used mid-batch on detected expiry.
func (a *Authenticator) RefreshSession(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.client = nil
	a.log.Info("refreshing session — re-running full login flow")
	return a.loginLocked(ctx)
}

// IsSessionValid probes the platform home and reports whether the current
// session still serves content without bouncing to a login page.
func (a *Authenticator) IsSessionValid(ctx context.Context) bool {
	a.mu.Lock()
	client := a.client
	a.mu.Unlock()
	if client == nil {
		return false
	}
	return a.verify(ctx, client)
}

// Client returns the authenticated HTTP client. Nil until Init succeeds.
func (a *Authenticator) Client() *http.Client {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.client
}

// CookieSnapshot captures the current platform cookies as a value. Callers
// receive their own copy; mutating it cannot affect the live session.
func (a *Authenticator) CookieSnapshot() session.State {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client == nil {
		return session.State{}
	}
	return session.FromHTTPCookies(a.client.Jar.Cookies(a.platformURL), time.Now())
}

func (a *Authenticator) newClient() (*http.Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, errs.Wrap(errs.ClassEnvironmentFault, "cookie jar init failed", err)
	}
	return &http.Client{Jar: jar, Timeout: a.cfg.Timeout}, nil
}

// verify performs the cheap liveness round-trip: navigate to the platform
// home and confirm no redirect to a login URL.
func (a *Authenticator) verify(ctx context.Context, client *http.Client) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.platformURL.String(), nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false
	}
	return !errs.IsLoginRedirect(resp.Request.URL.String())
}

// loginLocked runs the full two-hop flow. Caller holds a.mu.
func (a *Authenticator) loginLocked(ctx context.Context) error {
	client, err := a.newClient()
	if err != nil {
		return err
	}

	// Hop 1: credential login on the identity portal.
	if err := a.portalLogin(ctx, client); err != nil {
		return err
	}
	a.log.Info("identity portal login succeeded")

	// Hop 2: OAuth-style hand-off to the platform.
	if err := a.platformHandoff(ctx, client); err != nil {
		return err
	}
	a.log.Info("platform hand-off succeeded")

	a.client = client
	return a.persistCookies()
}

func (a *Authenticator) portalLogin(ctx context.Context, client *http.Client) error {
	doc, finalURL, err := a.getDocument(ctx, client, a.cfg.PortalLoginURL)
	if err != nil {
		return fmt.Errorf("fetch portal login page: %w", err)
	}

	form, action, err := findLoginForm(doc, finalURL)
	if err != nil {
		return err
	}
	form.Set(form.userField, a.cfg.Username)
	form.Set(form.passwordField, a.cfg.Password)

	resp, err := a.postForm(ctx, client, action, form.values)
	if err != nil {
		return fmt.Errorf("submit portal credentials: %w", err)
	}
	resp.Body.Close()

	// A post-submit URL still pointing at the login page means the portal
	// rejected the credentials.
	if errs.IsLoginRedirect(resp.Request.URL.String()) {
		return errs.New(errs.ClassScrapeFailed,
			fmt.Sprintf("portal rejected credentials, landed on %s", resp.Request.URL))
	}
	return nil
}

func (a *Authenticator) platformHandoff(ctx context.Context, client *http.Client) error {
	entry := fmt.Sprintf("%s/oauth/authorize?client_id=%s",
		strings.TrimRight(a.cfg.PlatformBaseURL, "/"), url.QueryEscape(a.cfg.ClientID))

	doc, finalURL, err := a.getDocument(ctx, client, entry)
	if err != nil {
		return fmt.Errorf("navigate oauth entry point: %w", err)
	}

	// Some flows interpose an explicit "authorize" affordance; activate it.
	if form, action, ok := findAuthorizeForm(doc, finalURL); ok {
		resp, err := a.postForm(ctx, client, action, form)
		if err != nil {
			return fmt.Errorf("activate authorize form: %w", err)
		}
		resp.Body.Close()
		finalURL = resp.Request.URL
	}

	if finalURL.Host != a.platformURL.Host {
		return errs.New(errs.ClassScrapeFailed,
			fmt.Sprintf("oauth hand-off ended on %q, expected platform host %q",
				finalURL.Host, a.platformURL.Host))
	}
	return nil
}

func (a *Authenticator) persistCookies() error {
	st := session.FromHTTPCookies(a.client.Jar.Cookies(a.platformURL), time.Now())
	if err := a.store.Save(st); err != nil {
		return fmt.Errorf("persist session: %w", err)
	}
	return nil
}

func (a *Authenticator) getDocument(ctx context.Context, client *http.Client, rawURL string) (*goquery.Document, *url.URL, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	if err := errs.FromStatusCode(resp.StatusCode, rawURL); err != nil {
		return nil, nil, err
	}
	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("parse %s: %w", rawURL, err)
	}
	return doc, resp.Request.URL, nil
}

func (a *Authenticator) postForm(ctx context.Context, client *http.Client, action *url.URL, values url.Values) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, action.String(),
		strings.NewReader(values.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return client.Do(req)
}

// loginForm carries the discovered form fields plus the names of the two
// credential inputs.
type loginForm struct {
	values        url.Values
	userField     string
	passwordField string
}

func (f *loginForm) Set(key, value string) { f.values.Set(key, value) }

// findLoginForm locates the form containing a password input and collects
// its fields (hidden inputs included, so CSRF tokens survive). Missing
// required fields are a fatal authentication failure.
func findLoginForm(doc *goquery.Document, base *url.URL) (*loginForm, *url.URL, error) {
	var result *loginForm
	var action *url.URL
	var ferr error

	doc.Find("form").EachWithBreak(func(_ int, form *goquery.Selection) bool {
		password := form.Find(`input[type="password"]`).First()
		if password.Length() == 0 {
			return true
		}
		passwordName := password.AttrOr("name", "")
		user := form.Find(`input[type="text"], input[type="email"]`).First()
		userName := user.AttrOr("name", "")
		if passwordName == "" || userName == "" {
			ferr = errs.New(errs.ClassScrapeFailed, "login form is missing credential fields")
			return false
		}

		values := collectInputs(form)
		result = &loginForm{values: values, userField: userName, passwordField: passwordName}
		action = resolveAction(form, base)
		return false
	})

	if ferr != nil {
		return nil, nil, ferr
	}
	if result == nil {
		return nil, nil, errs.New(errs.ClassScrapeFailed, "no login form found on portal page")
	}
	return result, action, nil
}

// findAuthorizeForm detects an interposed authorization form on the OAuth
// consent page.
func findAuthorizeForm(doc *goquery.Document, base *url.URL) (url.Values, *url.URL, bool) {
	var values url.Values
	var action *url.URL
	found := false

	doc.Find("form").EachWithBreak(func(_ int, form *goquery.Selection) bool {
		actionAttr := strings.ToLower(form.AttrOr("action", ""))
		hasButton := form.Find(`button[name="authorize"], input[name="authorize"]`).Length() > 0
		if !hasButton && !strings.Contains(actionAttr, "authorize") {
			return true
		}
		values = collectInputs(form)
		if hasButton {
			values.Set("authorize", "1")
		}
		action = resolveAction(form, base)
		found = true
		return false
	})

	return values, action, found
}

func collectInputs(form *goquery.Selection) url.Values {
	values := url.Values{}
	form.Find("input").Each(func(_ int, input *goquery.Selection) {
		name := input.AttrOr("name", "")
		if name == "" {
			return
		}
		if t := strings.ToLower(input.AttrOr("type", "")); t == "submit" || t == "button" {
			return
		}
		values.Set(name, input.AttrOr("value", ""))
	})
	return values
}

func resolveAction(form *goquery.Selection, base *url.URL) *url.URL {
	actionAttr := form.AttrOr("action", "")
	if actionAttr == "" {
		return base
	}
	ref, err := url.Parse(actionAttr)
	if err != nil {
		return base
	}
	return base.ResolveReference(ref)
}
