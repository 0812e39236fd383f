package client

import (
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"

	"golang.org/x/net/publicsuffix"
)

// Session owns the cookie jar shared by sequential requests of one client.
// Session-based APIs that set cookies on the first page expect them back on
// the following pages, so a Session is created once per query run and handed
// to the Client explicitly rather than living in a package global.
type Session struct {
	jar *cookiejar.Jar
}

// NewSession creates an empty session with a public-suffix aware cookie jar.
func NewSession() (*Session, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	return &Session{jar: jar}, nil
}

// Jar returns the underlying cookie jar.
func (s *Session) Jar() http.CookieJar {
	return s.jar
}

// Cookies returns the cookies that would be sent to rawURL.
func (s *Session) Cookies(rawURL string) ([]*http.Cookie, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	return s.jar.Cookies(u), nil
}

// SetCookies seeds the jar, e.g. with a session cookie obtained out of band.
func (s *Session) SetCookies(rawURL string, cookies []*http.Cookie) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	s.jar.SetCookies(u, cookies)
	return nil
}
