// Package shift implements the code-submission protocol against the
// redemption site: look up the redemption form for a code, post it, and
// classify the response into the outcome taxonomy.
package shift

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/NakedTrashPanda/autoshift/keys"
	"github.com/NakedTrashPanda/autoshift/session"
)

const (
	offerCodesPath  = "/entitlement_offer_codes"
	redemptionsPath = "/code_redemptions"
)

// transientRetries bounds request-layer retries for transport failures.
const transientRetries = 3

// Client submits one code at a time through an active session.
type Client struct {
	baseURL string
	log     zerolog.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// Option modifies a Client instance.
type Option func(*Client)

// WithLogger sets the client logger.
func WithLogger(log zerolog.Logger) Option {
	return func(c *Client) {
		c.log = log
	}
}

// WithSleep replaces the retry sleep function (primarily for testing).
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) {
		c.sleep = sleep
	}
}

// NewClient builds a redemption client for the given site.
func NewClient(baseURL string, options ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		log:     zerolog.Nop(),
		sleep:   sleepCtx,
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// redemptionForm is the per-platform form extracted from the code lookup.
type redemptionForm struct {
	token   string
	code    string
	check   string
	service string
}

// Redeem submits key through sess and classifies the server's answer.
// Expected steady-state conditions (already redeemed, expired, rate limited,
// session expired) are Status values, not errors; an error is returned only
// for transport failures that outlived the bounded retry budget.
func (c *Client) Redeem(ctx context.Context, sess *session.Session, key keys.Key) (keys.Status, error) {
	form, status, err := c.lookupForm(ctx, sess, key)
	if err != nil {
		return keys.Status{}, errors.Wrap(err, "[Redeem] form lookup")
	}
	if form == nil {
		// The lookup already produced a final classification
		// (invalid code, expired, session gone, throttled).
		return status, nil
	}

	status, err = c.submit(ctx, sess, *form)
	if err != nil {
		return keys.Status{}, errors.Wrap(err, "[Redeem] submit")
	}
	c.log.Debug().
		Str("code", key.Code).
		Str("platform", string(key.Platform)).
		Str("outcome", string(status.Outcome)).
		Msg("redemption classified")
	return status, nil
}

// lookupForm fetches the redemption forms for a code and picks the one for
// the key's platform. A nil form with a non-zero Status means the lookup
// itself settled the outcome.
func (c *Client) lookupForm(ctx context.Context, sess *session.Session, key keys.Key) (*redemptionForm, keys.Status, error) {
	lookupURL := c.baseURL + offerCodesPath + "?code=" + url.QueryEscape(key.Code)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, lookupURL, nil)
	if err != nil {
		return nil, keys.Status{}, errors.Wrap(err, "building request")
	}
	req.Header.Set("X-CSRF-Token", sess.Token())
	req.Header.Set("X-Requested-With", "XMLHttpRequest")

	resp, body, err := c.do(ctx, sess, req)
	if err != nil {
		return nil, keys.Status{}, err
	}

	if st, settled := earlyClassification(resp, body); settled {
		return nil, st, nil
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return nil, keys.Status{}, errors.Wrap(err, "parsing form document")
	}

	var form *redemptionForm
	doc.Find("form.new_archway_code_redemption").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		service, _ := s.Find("input[name='archway_code_redemption[service]']").Attr("value")
		if !strings.EqualFold(service, string(key.Platform)) {
			return true
		}
		token, _ := s.Find("input[name='authenticity_token']").Attr("value")
		code, _ := s.Find("input[name='archway_code_redemption[code]']").Attr("value")
		check, _ := s.Find("input[name='archway_code_redemption[check]']").Attr("value")
		form = &redemptionForm{token: token, code: code, check: check, service: service}
		return false
	})
	if form == nil {
		// No form for this platform. Prefer the server's own verdict
		// (invalid, expired, throttled); otherwise the code simply does
		// not apply here, which reads the same as an invalid code.
		if st := classify(resp.StatusCode, resultText(body)); st.Outcome != keys.OutcomeUnknownError {
			return nil, st, nil
		}
		return nil, keys.NewStatus(keys.OutcomeInvalid, "no redemption offered for platform "+string(key.Platform)), nil
	}
	if form.code == "" {
		form.code = key.Code
	}
	return form, keys.Status{}, nil
}

// submit posts the redemption form and classifies the resulting page.
func (c *Client) submit(ctx context.Context, sess *session.Session, form redemptionForm) (keys.Status, error) {
	values := url.Values{
		"authenticity_token":               {form.token},
		"archway_code_redemption[code]":    {form.code},
		"archway_code_redemption[check]":   {form.check},
		"archway_code_redemption[service]": {form.service},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+redemptionsPath, strings.NewReader(values.Encode()))
	if err != nil {
		return keys.Status{}, errors.Wrap(err, "building request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Referer", c.baseURL+"/rewards")

	resp, body, err := c.do(ctx, sess, req)
	if err != nil {
		return keys.Status{}, err
	}

	if st, settled := earlyClassification(resp, body); settled {
		return st, nil
	}
	return classify(resp.StatusCode, resultText(body)), nil
}

// earlyClassification handles answers that settle the outcome before any
// result text exists: throttling status codes and bounces to the login page.
func earlyClassification(resp *http.Response, body string) (keys.Status, bool) {
	if resp.StatusCode == http.StatusTooManyRequests {
		return keys.NewStatus(keys.OutcomeRateLimited, http.StatusText(resp.StatusCode)), true
	}
	if resp.Request != nil && strings.Contains(resp.Request.URL.Path, "/home") {
		return keys.NewStatus(keys.OutcomeSessionExpired, "redirected to login"), true
	}
	if strings.Contains(body, "name=\"user[password]\"") {
		return keys.NewStatus(keys.OutcomeSessionExpired, "login form served"), true
	}
	return keys.Status{}, false
}

// resultText extracts the server's human-readable verdict from the result
// page. Classification runs against this text only, never the whole page.
func resultText(body string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return body
	}
	for _, sel := range []string{"div.notice", "div.alert", "p.redemption_result", "title"} {
		if text := strings.TrimSpace(doc.Find(sel).First().Text()); text != "" {
			return text
		}
	}
	return strings.TrimSpace(doc.Text())
}

// do executes a request, retrying transport failures a bounded number of
// times with exponential backoff. HTTP-level answers are never retried here;
// outcome policy belongs to the scheduler.
func (c *Client) do(ctx context.Context, sess *session.Session, req *http.Request) (*http.Response, string, error) {
	var lastErr error
	for attempt := 0; attempt < transientRetries; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, time.Second<<(attempt-1)); err != nil {
				return nil, "", err
			}
		}
		attemptReq := req.Clone(ctx)
		if req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, "", errors.Wrap(err, "rewinding request body")
			}
			attemptReq.Body = body
		}
		resp, err := sess.Client().Do(attemptReq)
		if err != nil {
			lastErr = err
			c.log.Debug().Err(err).Int("attempt", attempt+1).Msg("transport failure, retrying")
			continue
		}
		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		return resp, string(data), nil
	}
	return nil, "", errors.Wrapf(lastErr, "request failed after %d attempts", transientRetries)
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
