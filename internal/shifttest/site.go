// Package shifttest provides a scripted in-process stand-in for the
// redemption site, used by the session and shift tests.
package shifttest

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
)

// CSRFToken is the token the fake site embeds in every page.
const CSRFToken = "test-csrf-token"

// Scripted is the canned answer for one code.
type Scripted struct {
	// Platforms the lookup offers a redemption form for.
	Platforms []string
	// Notice is the result text served after the redemption post.
	Notice string
	// Status is the HTTP status of the redemption post answer (0 = 200).
	Status int
	// Unknown marks a code the lookup rejects as not valid.
	Unknown bool
}

// Site is the fake redemption site.
type Site struct {
	*httptest.Server

	user string
	pass string

	mu          sync.Mutex
	loginPosts  int
	generation  int
	scripts     map[string]Scripted
	redemptions []url.Values
	throttle    int
	drops       int
}

// NewSite starts a fake site accepting the given credentials.
func NewSite(user, pass string) *Site {
	s := &Site{
		user:    user,
		pass:    pass,
		scripts: make(map[string]Scripted),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/home", s.handleHome)
	mux.HandleFunc("/sessions", s.handleSessions)
	mux.HandleFunc("/account", s.handleAccount)
	mux.HandleFunc("/entitlement_offer_codes", s.handleLookup)
	mux.HandleFunc("/code_redemptions", s.handleRedeem)
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.takeDrop() {
			if hj, ok := w.(http.Hijacker); ok {
				if conn, _, err := hj.Hijack(); err == nil {
					conn.Close()
					return
				}
			}
		}
		mux.ServeHTTP(w, r)
	}))
	return s
}

// Script installs the canned answer for a code.
func (s *Site) Script(code string, sc Scripted) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[code] = sc
}

// LoginPosts reports how many credential posts the site accepted or rejected.
func (s *Site) LoginPosts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loginPosts
}

// RevokeSessions invalidates every cookie issued so far; later logins get
// fresh, valid cookies.
func (s *Site) RevokeSessions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generation++
}

// DropNext makes the site hang up on the next n requests without answering,
// simulating transport failures.
func (s *Site) DropNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drops = n
}

func (s *Site) takeDrop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.drops > 0 {
		s.drops--
		return true
	}
	return false
}

// ThrottleNext makes the site answer the next n redemption posts with 429.
func (s *Site) ThrottleNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.throttle = n
}

// Redemptions returns the redemption forms posted so far.
func (s *Site) Redemptions() []url.Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]url.Values, len(s.redemptions))
	copy(out, s.redemptions)
	return out
}

const loginFormHTML = `<html><head><meta name="csrf-token" content="%s"></head>
<body>%s<form action="/sessions" method="post">
<input type="email" name="user[email]">
<input type="password" name="user[password]">
</form></body></html>`

func (s *Site) handleHome(w http.ResponseWriter, _ *http.Request) {
	fmt.Fprintf(w, loginFormHTML, CSRFToken, "")
}

func (s *Site) handleSessions(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.loginPosts++
	s.mu.Unlock()

	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	if r.PostFormValue("user[email]") != s.user || r.PostFormValue("user[password]") != s.pass {
		fmt.Fprintf(w, loginFormHTML, CSRFToken, `<div class="notice">Incorrect email or password</div>`)
		return
	}
	s.mu.Lock()
	value := fmt.Sprintf("session-%d", s.generation)
	s.mu.Unlock()
	http.SetCookie(w, &http.Cookie{Name: "si", Value: value, Path: "/"})
	http.Redirect(w, r, "/account", http.StatusFound)
}

func (s *Site) authenticated(r *http.Request) bool {
	s.mu.Lock()
	current := fmt.Sprintf("session-%d", s.generation)
	s.mu.Unlock()
	c, err := r.Cookie("si")
	return err == nil && c.Value == current
}

func (s *Site) handleAccount(w http.ResponseWriter, r *http.Request) {
	if !s.authenticated(r) {
		http.Redirect(w, r, "/home", http.StatusFound)
		return
	}
	fmt.Fprintf(w, `<html><head><meta name="csrf-token" content="%s"></head><body>account</body></html>`, CSRFToken)
}

func (s *Site) handleLookup(w http.ResponseWriter, r *http.Request) {
	if !s.authenticated(r) {
		http.Redirect(w, r, "/home", http.StatusFound)
		return
	}
	code := r.URL.Query().Get("code")
	s.mu.Lock()
	sc, ok := s.scripts[code]
	s.mu.Unlock()
	if !ok || sc.Unknown {
		fmt.Fprint(w, `<div class="notice">This is not a valid SHiFT code</div>`)
		return
	}

	var b strings.Builder
	b.WriteString("<html><body>")
	for _, platform := range sc.Platforms {
		fmt.Fprintf(&b, `<form class="new_archway_code_redemption" action="/code_redemptions" method="post">
<input type="hidden" name="authenticity_token" value="form-token">
<input type="hidden" name="archway_code_redemption[code]" value="%s">
<input type="hidden" name="archway_code_redemption[check]" value="check-%s">
<input type="hidden" name="archway_code_redemption[service]" value="%s">
</form>`, code, platform, platform)
	}
	b.WriteString("</body></html>")
	fmt.Fprint(w, b.String())
}

func (s *Site) handleRedeem(w http.ResponseWriter, r *http.Request) {
	if !s.authenticated(r) {
		http.Redirect(w, r, "/home", http.StatusFound)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.redemptions = append(s.redemptions, r.PostForm)
	if s.throttle > 0 {
		s.throttle--
		s.mu.Unlock()
		w.WriteHeader(http.StatusTooManyRequests)
		return
	}
	code := r.PostFormValue("archway_code_redemption[code]")
	sc := s.scripts[code]
	s.mu.Unlock()

	status := sc.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	fmt.Fprintf(w, `<html><body><div class="notice">%s</div></body></html>`, sc.Notice)
}
