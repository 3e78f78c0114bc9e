package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	apperrors "github.com/NakedTrashPanda/autoshift/internal/errors"
	"github.com/NakedTrashPanda/autoshift/internal/metrics"
)

const (
	homePath     = "/home"
	sessionsPath = "/sessions"
	accountPath  = "/account"
)

// Config carries everything the manager needs to authenticate.
type Config struct {
	User     string
	Password string
	BaseURL  string
	DataDir  string
	Timeout  time.Duration
}

// Manager performs login against the redemption site, caches the resulting
// session to disk and re-authenticates lazily. At most one login flow runs at
// a time; all entry points serialize on an internal mutex.
type Manager struct {
	cfg     Config
	log     zerolog.Logger
	nowTime func() time.Time
	client  func() *http.Client
	sleep   func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	current *Session
}

// getRetries bounds request-layer retries for transport failures on the
// manager's read-only requests. The credential post is never retried.
const getRetries = 3

// Option modifies a Manager instance.
type Option func(*Manager)

// WithNowTime sets the now time function (primarily for testing)
func WithNowTime(nowFunc func() time.Time) Option {
	return func(m *Manager) {
		m.nowTime = nowFunc
	}
}

// WithLogger sets the manager logger.
func WithLogger(log zerolog.Logger) Option {
	return func(m *Manager) {
		m.log = log
	}
}

// WithSleep replaces the retry sleep function (primarily for testing).
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(m *Manager) {
		m.sleep = sleep
	}
}

// NewManager builds a session Manager.
func NewManager(cfg Config, options ...Option) (*Manager, error) {
	if cfg.User == "" || cfg.Password == "" {
		return nil, errors.Wrap(apperrors.ErrInvalidCredentials, "[NewManager] user and password are required")
	}
	if cfg.BaseURL == "" {
		return nil, errors.New("[NewManager] base URL is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	m := &Manager{
		cfg:     cfg,
		log:     zerolog.Nop(),
		nowTime: time.Now,
		sleep:   sleepCtx,
	}
	m.client = m.newHTTPClient
	for _, opt := range options {
		opt(m)
	}
	return m, nil
}

func (m *Manager) newHTTPClient() *http.Client {
	jar, _ := cookiejar.New(nil)
	return &http.Client{
		Jar:     jar,
		Timeout: m.cfg.Timeout,
	}
}

// Current returns a valid session, loading the disk cache or logging in as
// needed. Callers see either a usable session or an error.
func (m *Manager) Current(ctx context.Context) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current.Valid() {
		return m.current, nil
	}
	if sess, err := m.loadCached(ctx); err == nil {
		m.current = sess
		return sess, nil
	} else if !os.IsNotExist(errors.Cause(err)) {
		m.log.Debug().Err(err).Msg("session cache unusable, logging in")
	}
	return m.loginLocked(ctx)
}

// Login authenticates with the configured credentials, replacing any cached
// session. It is fatal to the calling run on rejection: the session cache is
// left untouched and apperrors.ErrInvalidCredentials is returned.
func (m *Manager) Login(ctx context.Context) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loginLocked(ctx)
}

func (m *Manager) loginLocked(ctx context.Context) (*Session, error) {
	client := m.client()

	token, err := m.fetchCSRFToken(ctx, client, homePath)
	if err != nil {
		return nil, errors.Wrap(err, "[Login] fetching login form")
	}

	form := url.Values{
		"authenticity_token": {token},
		"user[email]":        {m.cfg.User},
		"user[password]":     {m.cfg.Password},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.BaseURL+sessionsPath, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, errors.Wrap(err, "[Login] building request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Referer", m.cfg.BaseURL+homePath)

	resp, err := client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "[Login] posting credentials")
	}
	defer resp.Body.Close()

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "[Login] reading response")
	}

	if rejected(resp, doc) {
		reason := strings.TrimSpace(doc.Find("div.notice, div.alert").First().Text())
		if reason == "" {
			reason = "login rejected"
		}
		return nil, errors.Wrap(apperrors.ErrInvalidCredentials, "[Login] "+reason)
	}

	sess := &Session{
		user:      m.cfg.User,
		token:     token,
		createdAt: m.nowTime(),
		client:    client,
		valid:     true,
	}
	m.current = sess

	if err := m.saveCache(sess); err != nil {
		// A failed cache write only costs a re-login on the next run.
		m.log.Warn().Err(err).Msg("could not persist session cache")
	}
	metrics.LoginsTotal.Inc()
	m.log.Info().Str("user", m.cfg.User).Msg("logged in to SHiFT")
	return sess, nil
}

// rejected detects a failed login: the site re-renders the login form with a
// notice instead of redirecting to the account page.
func rejected(resp *http.Response, doc *goquery.Document) bool {
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return true
	}
	if resp.Request != nil && strings.Contains(resp.Request.URL.Path, accountPath) {
		return false
	}
	return doc.Find("input[name='user[password]']").Length() > 0
}

// Invalidate marks the current session unusable, forcing a re-login on the
// next Current call. Called when the redemption client observes an expired
// session. The disk cache is kept; it is overwritten by the next login.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil {
		m.current.valid = false
	}
}

// Logout clears the in-memory session and deletes the disk cache.
func (m *Manager) Logout() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = nil
	if err := os.Remove(m.cachePath()); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "[Logout] removing session cache")
	}
	return nil
}

// get performs a read-only request, retrying transport failures a bounded
// number of times with exponential backoff.
func (m *Manager) get(ctx context.Context, client *http.Client, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.cfg.BaseURL+path, nil)
	if err != nil {
		return nil, errors.Wrap(err, "building request")
	}

	var lastErr error
	for attempt := 0; attempt < getRetries; attempt++ {
		if attempt > 0 {
			if err := m.sleep(ctx, time.Second<<(attempt-1)); err != nil {
				return nil, err
			}
		}
		resp, err := client.Do(req.Clone(ctx))
		if err != nil {
			lastErr = err
			m.log.Debug().Err(err).Int("attempt", attempt+1).Str("path", path).Msg("request failed, retrying")
			continue
		}
		return resp, nil
	}
	return nil, errors.Wrapf(lastErr, "request failed after %d attempts", getRetries)
}

// fetchCSRFToken loads a page and scrapes the csrf-token meta tag.
func (m *Manager) fetchCSRFToken(ctx context.Context, client *http.Client, path string) (string, error) {
	resp, err := m.get(ctx, client, path)
	if err != nil {
		return "", errors.Wrap(err, "fetching page")
	}
	defer resp.Body.Close()

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return "", errors.Wrap(err, "parsing page")
	}
	token, ok := doc.Find("meta[name='csrf-token']").Attr("content")
	if !ok || token == "" {
		return "", errors.New("csrf token not found")
	}
	return token, nil
}

func (m *Manager) cachePath() string {
	name := "session-" + accountHash(m.cfg.User) + ".json"
	return filepath.Join(m.cfg.DataDir, name)
}

func (m *Manager) saveCache(sess *Session) error {
	base, err := url.Parse(m.cfg.BaseURL)
	if err != nil {
		return errors.Wrap(err, "parsing base URL")
	}
	cf := cacheFile{
		User:      sess.user,
		Token:     sess.token,
		CreatedAt: sess.createdAt,
		Cookies:   toCachedCookies(sess.client.Jar.Cookies(base)),
	}
	data, err := json.MarshalIndent(cf, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshaling session cache")
	}
	if err := os.MkdirAll(m.cfg.DataDir, 0o700); err != nil {
		return errors.Wrap(err, "creating data dir")
	}
	return os.WriteFile(m.cachePath(), data, 0o600)
}

// loadCached restores a session from the disk cache and validates it against
// the account page, so a stale cache never reaches the redemption client.
func (m *Manager) loadCached(ctx context.Context) (*Session, error) {
	data, err := os.ReadFile(m.cachePath())
	if err != nil {
		return nil, errors.Wrap(err, "[loadCached] reading cache")
	}
	var cf cacheFile
	if err := json.Unmarshal(data, &cf); err != nil {
		return nil, errors.Wrap(err, "[loadCached] parsing cache")
	}
	if cf.User != m.cfg.User {
		return nil, errors.New("[loadCached] cache belongs to another account")
	}

	base, err := url.Parse(m.cfg.BaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "[loadCached] parsing base URL")
	}
	client := m.client()
	client.Jar.SetCookies(base, fromCachedCookies(cf.Cookies))

	sess := &Session{
		user:      cf.User,
		token:     cf.Token,
		createdAt: cf.CreatedAt,
		client:    client,
		valid:     true,
	}
	if err := m.validate(ctx, sess); err != nil {
		return nil, errors.Wrap(err, "[loadCached] validating cached session")
	}
	m.log.Info().Str("user", cf.User).Msg("restored session from cache")
	return sess, nil
}

// validate confirms the session still reaches the account page rather than
// being bounced to the login form.
func (m *Manager) validate(ctx context.Context, sess *Session) error {
	resp, err := m.get(ctx, sess.client, accountPath)
	if err != nil {
		return errors.Wrap(err, "fetching account page")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apperrors.ErrSessionExpired
	}
	if resp.Request != nil && strings.Contains(resp.Request.URL.Path, homePath) {
		return apperrors.ErrSessionExpired
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
