package httpclient

import (
	"context"
	"math/rand"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	utls "github.com/refraction-networking/utls"

	"github.com/quotaguard/quotabar/internal/errors"
)

// EnvUTLS enables the Chrome TLS fingerprint for browser-style requests.
const EnvUTLS = "QUOTABAR_UTLS"

// Doer is the subset of *http.Client the fetch code depends on.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// RotatingClient sends browser-like requests for dashboard endpoints that
// reject obvious API clients. Headers the caller already set are kept.
type RotatingClient struct {
	client      *http.Client
	userAgents  []string
	langs       []string
	priorities  []string
	rng         *rand.Rand
	mu          sync.Mutex
	useUTLS     bool
	defaultUA   string
	defaultLang string
}

// Option configures a RotatingClient.
type Option func(*RotatingClient)

// WithTimeout overrides the overall request timeout.
func WithTimeout(d time.Duration) Option {
	return func(rc *RotatingClient) {
		rc.client.Timeout = d
	}
}

// WithTransport replaces the transport, mostly for tests.
func WithTransport(rt http.RoundTripper) Option {
	return func(rc *RotatingClient) {
		rc.client.Transport = rt
	}
}

// NewRotatingClient creates a client. The uTLS transport is used when
// QUOTABAR_UTLS=1.
func NewRotatingClient(opts ...Option) *RotatingClient {
	useUTLS := strings.TrimSpace(os.Getenv(EnvUTLS)) == "1"
	rc := &RotatingClient{
		client: &http.Client{
			Timeout:   20 * time.Second,
			Transport: newTransport(useUTLS),
		},
		userAgents: []string{
			"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/121.0.0.0 Safari/537.36",
		},
		langs:       []string{"en-US,en;q=0.9", "en-GB,en;q=0.8"},
		priorities:  []string{"u=1, i", "u=0, i", "u=1"},
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		useUTLS:     useUTLS,
		defaultUA:   "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		defaultLang: "en-US,en;q=0.9",
	}
	for _, opt := range opts {
		opt(rc)
	}
	return rc
}

// UsesUTLS reports whether the Chrome fingerprint transport is active.
func (rc *RotatingClient) UsesUTLS() bool {
	return rc.useUTLS
}

// Do applies browser headers and sends req.
func (rc *RotatingClient) Do(req *http.Request) (*http.Response, error) {
	if req == nil {
		return nil, errors.New("nil request")
	}
	rc.applyHeaders(req)
	return rc.client.Do(req)
}

func (rc *RotatingClient) applyHeaders(req *http.Request) {
	rc.mu.Lock()
	ua := rc.defaultUA
	lang := rc.defaultLang
	priority := "u=1"
	if len(rc.userAgents) > 0 {
		ua = rc.userAgents[rc.rng.Intn(len(rc.userAgents))]
	}
	if len(rc.langs) > 0 {
		lang = rc.langs[rc.rng.Intn(len(rc.langs))]
	}
	if len(rc.priorities) > 0 {
		priority = rc.priorities[rc.rng.Intn(len(rc.priorities))]
	}
	rc.mu.Unlock()

	setDefault(req.Header, "User-Agent", ua)
	setDefault(req.Header, "Accept-Language", lang)
	setDefault(req.Header, "Accept", "application/json, text/plain, */*")
	setDefault(req.Header, "Sec-CH-UA", `"Chromium";v="120", "Not(A:Brand";v="8", "Google Chrome";v="120"`)
	setDefault(req.Header, "Sec-CH-UA-Platform", `"Windows"`)
	setDefault(req.Header, "Priority", priority)
}

func setDefault(h http.Header, key, value string) {
	if h.Get(key) == "" {
		h.Set(key, value)
	}
}

func newTransport(useUTLS bool) http.RoundTripper {
	if !useUTLS {
		return &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout: 10 * time.Second,
			MaxIdleConns:        100,
			IdleConnTimeout:     90 * time.Second,
		}
	}

	return &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialTLSContext:      dialChromeTLS,
		TLSHandshakeTimeout: 10 * time.Second,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
	}
}

// dialChromeTLS performs a handshake with the Chrome 120 ClientHello. ALPN is
// pinned to http/1.1 because the transport does not speak h2 over a custom
// TLS connection.
func dialChromeTLS(ctx context.Context, network, addr string) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	rawConn, err := dialer.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	host := addr
	if strings.Contains(addr, ":") {
		host, _, _ = net.SplitHostPort(addr)
	}

	spec, err := utls.UTLSIdToSpec(utls.HelloChrome_120)
	if err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	for _, ext := range spec.Extensions {
		if alpn, ok := ext.(*utls.ALPNExtension); ok {
			alpn.AlpnProtocols = []string{"http/1.1"}
		}
	}

	uconn := utls.UClient(rawConn, &utls.Config{ServerName: host}, utls.HelloCustom)
	if err := uconn.ApplyPreset(&spec); err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	if err := uconn.HandshakeContext(ctx); err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	return uconn, nil
}
