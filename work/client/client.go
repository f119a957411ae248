package client

import (
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// DefaultUserAgent identifies requests as a MAG set-top box, which Stalker
// middleware expects.
const DefaultUserAgent = "Mozilla/5.0 (QtEmbedded; U; Linux; C) AppleWebKit/533.3 (KHTML, like Gecko) MAG200 stbapp ver: 2 rev: 250 Safari/533.3"

// HeaderSettingClient wraps http.Client to automatically set the headers and
// cookies a portal expects from a set-top box. One underlying http.Client is
// kept per upstream proxy so connection pools are not shared across proxies.
type HeaderSettingClient struct {
	UserAgent string
	Timeout   time.Duration
	clients   *xsync.MapOf[string, *http.Client]
}

// NewHeaderSettingClient creates a client whose requests time out after timeout.
func NewHeaderSettingClient(timeout time.Duration) *HeaderSettingClient {
	return &HeaderSettingClient{
		UserAgent: DefaultUserAgent,
		Timeout:   timeout,
		clients:   xsync.NewMapOf[string, *http.Client](),
	}
}

// Do sends req through proxy (may be empty) as mac, with token as bearer when set.
func (hsc *HeaderSettingClient) Do(req *http.Request, proxy, mac, token string) (*http.Response, error) {
	c, err := hsc.clientFor(proxy)
	if err != nil {
		return nil, err
	}
	hsc.setHeaders(req, mac, token)
	return c.Do(req)
}

func (hsc *HeaderSettingClient) clientFor(proxy string) (*http.Client, error) {
	var proxyURL *url.URL
	if proxy != "" {
		u, err := url.Parse(proxy)
		if err != nil || u.Host == "" {
			return nil, fmt.Errorf("invalid proxy %q", proxy)
		}
		proxyURL = u
	}

	c, _ := hsc.clients.LoadOrCompute(proxy, func() *http.Client {
		transport := &http.Transport{
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			ResponseHeaderTimeout: hsc.Timeout,
		}
		if proxyURL != nil {
			transport.Proxy = http.ProxyURL(proxyURL)
		}
		return &http.Client{Timeout: hsc.Timeout, Transport: transport}
	})
	return c, nil
}

func (hsc *HeaderSettingClient) setHeaders(req *http.Request, mac, token string) {
	req.Header.Set("User-Agent", hsc.UserAgent)
	req.Header.Set("Accept", "*/*")
	req.Header.Set("X-User-Agent", "Model: MAG250; Link: WiFi")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.AddCookie(&http.Cookie{Name: "mac", Value: mac})
	req.AddCookie(&http.Cookie{Name: "stb_lang", Value: "en"})
	req.AddCookie(&http.Cookie{Name: "timezone", Value: "Europe/London"})
}
