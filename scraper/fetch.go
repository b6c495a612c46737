// Copyright (C) 2024 Inkdex, Inc.
// See LICENSE for copying information.

package scraper

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"inkdex.io/inkdex/private/errs2"
)

// FetchConfig contains configurable values for outbound page fetches.
type FetchConfig struct {
	Timeout             time.Duration `help:"budget for one fetch including redirects" default:"30s"`
	MaxBodyBytes        int64         `help:"largest response body accepted" default:"2097152"`
	MaxRedirects        int           `help:"redirects followed per fetch" default:"3"`
	UserAgent           string        `help:"user agent sent with every fetch" default:"inkdex-scraper/1.0 (+https://inkdex.io/bots)"`
	ProxyURL            string        `help:"outbound proxy url, empty for direct" default:""`
	ProxyCredentialFile string        `help:"file holding user:password for the proxy, re-read on 407" default:""`
}

// Page is a fetched HTML document. URL is the final location after
// redirects.
type Page struct {
	URL  string
	Body []byte
}

// Fetcher downloads artist pages with strict size, time and redirect
// caps. Failures are classified: errs2.Permanent means the target
// itself is at fault and a retry cannot help, everything else is worth
// retrying.
type Fetcher struct {
	log    *zap.Logger
	config FetchConfig

	mu        sync.Mutex
	client    *http.Client
	transport *http.Transport
	proxyCred string
}

// NewFetcher creates a Fetcher.
func NewFetcher(log *zap.Logger, config FetchConfig) (*Fetcher, error) {
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = 2 << 20
	}

	fetcher := &Fetcher{log: log, config: config}
	if config.ProxyCredentialFile != "" {
		cred, err := readCredential(config.ProxyCredentialFile)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		fetcher.proxyCred = cred
	}

	transport := &http.Transport{
		Proxy:               fetcher.proxy,
		MaxIdleConnsPerHost: 2,
		IdleConnTimeout:     90 * time.Second,
	}
	fetcher.transport = transport
	fetcher.client = &http.Client{
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= config.MaxRedirects {
				return errs2.Permanent.New("stopped after %d redirects", config.MaxRedirects)
			}
			return nil
		},
	}
	return fetcher, nil
}

func readCredential(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(raw)), nil
}

// proxy resolves the outbound proxy with the current credential.
func (fetcher *Fetcher) proxy(*http.Request) (*url.URL, error) {
	if fetcher.config.ProxyURL == "" {
		return nil, nil
	}
	u, err := url.Parse(fetcher.config.ProxyURL)
	if err != nil {
		return nil, err
	}
	fetcher.mu.Lock()
	cred := fetcher.proxyCred
	fetcher.mu.Unlock()
	if cred != "" {
		if user, pass, ok := strings.Cut(cred, ":"); ok {
			u.User = url.UserPassword(user, pass)
		} else {
			u.User = url.User(cred)
		}
	}
	return u, nil
}

// reloadProxyCredential re-reads the credential file and drops pooled
// connections so the next attempt authenticates fresh.
func (fetcher *Fetcher) reloadProxyCredential() bool {
	if fetcher.config.ProxyCredentialFile == "" {
		return false
	}
	cred, err := readCredential(fetcher.config.ProxyCredentialFile)
	if err != nil {
		fetcher.log.Warn("proxy credential reload failed", zap.Error(err))
		return false
	}
	fetcher.mu.Lock()
	changed := cred != fetcher.proxyCred
	fetcher.proxyCred = cred
	fetcher.mu.Unlock()
	fetcher.transport.CloseIdleConnections()
	mon.Counter("fetch_proxy_credential_reload").Inc(1)
	return changed
}

// Fetch downloads target and returns its HTML body. The caller's ctx
// bounds the whole fetch; config.Timeout applies on top.
func (fetcher *Fetcher) Fetch(ctx context.Context, target string) (_ *Page, err error) {
	defer mon.Task()(&ctx)(&err)

	ctx, cancel := context.WithTimeout(ctx, fetcher.config.Timeout)
	defer cancel()

	page, err := fetcher.fetchOnce(ctx, target)
	if err != nil && isProxyAuth(err) && fetcher.reloadProxyCredential() {
		page, err = fetcher.fetchOnce(ctx, target)
	}
	return page, err
}

// errProxyAuth tags a 407 so Fetch can reload the credential.
type errProxyAuth struct{ error }

func (e errProxyAuth) Unwrap() error { return e.error }

func isProxyAuth(err error) bool {
	var pa errProxyAuth
	return errors.As(err, &pa)
}

func (fetcher *Fetcher) fetchOnce(ctx context.Context, target string) (_ *Page, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, errs2.Permanent.Wrap(Error.Wrap(err))
	}
	req.Header.Set("User-Agent", fetcher.config.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := fetcher.client.Do(req)
	if err != nil {
		if errs2.IsCanceled(ctx.Err()) {
			return nil, ctx.Err()
		}
		if errs2.IsPermanent(err) {
			// the redirect cap fires inside the client
			return nil, Error.Wrap(err)
		}
		// flush pooled connections so the retry re-resolves DNS
		fetcher.transport.CloseIdleConnections()
		mon.Counter("fetch_network_errors").Inc(1)
		return nil, errs2.Transient.Wrap(Error.Wrap(err))
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusProxyAuthRequired:
		return nil, errProxyAuth{errs2.Transient.Wrap(Error.New("proxy rejected credentials"))}
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		mon.Counter("fetch_upstream_errors").Inc(1)
		return nil, errs2.Transient.Wrap(Error.New("unexpected status %d from %s", resp.StatusCode, target))
	default:
		return nil, errs2.Permanent.Wrap(Error.New("unexpected status %d from %s", resp.StatusCode, target))
	}

	contentType := resp.Header.Get("Content-Type")
	if !strings.Contains(contentType, "text/html") && !strings.Contains(contentType, "application/xhtml+xml") {
		return nil, errs2.Permanent.Wrap(Error.New("not an html page: %q", contentType))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, fetcher.config.MaxBodyBytes+1))
	if err != nil {
		if errs2.IsCanceled(ctx.Err()) {
			return nil, ctx.Err()
		}
		fetcher.transport.CloseIdleConnections()
		return nil, errs2.Transient.Wrap(Error.Wrap(err))
	}
	if int64(len(body)) > fetcher.config.MaxBodyBytes {
		return nil, errs2.Permanent.Wrap(Error.New("body of %s exceeds %d bytes", target, fetcher.config.MaxBodyBytes))
	}

	finalURL := target
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}
	mon.IntVal("fetch_body_bytes").Observe(int64(len(body)))
	return &Page{URL: finalURL, Body: body}, nil
}
