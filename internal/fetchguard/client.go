// Copyright 2025 James Ross
package fetchguard

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	maxResponseBytes  = 10 * 1024 * 1024
	dnsTimeout        = 5 * time.Second
	requestTimeout    = 30 * time.Second
	fallbackConnectTO = 5 * time.Second
)

// ErrClientNotInitialized is returned for every request once both the
// primary and fallback transport constructors have failed; the manager must
// never panic or silently fall back to an unpinned default client.
var ErrClientNotInitialized = errors.New("fetchguard: client not initialized")

// Result is the structured outcome handed back to JS: url/method/ok/status
// plus the body, which capability/fetch.go exposes as text()/json().
type Result struct {
	RequestID string
	URL       string
	Method    string
	OK        bool
	Status    int
	Body      []byte
}

// Client mediates every outbound fetch() call: URL policy, admission,
// DNS pinning, and a streamed size cap.
type Client struct {
	admission *Admission
	logger    *zap.Logger
	disabled  bool
}

// NewClient builds a client with the default admission ceiling.
func NewClient(logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{admission: NewAdmission(0), logger: logger}
}

// Do executes one guarded request. method defaults to GET; body may be nil.
func (c *Client) Do(ctx context.Context, method, rawURL string, headers map[string]string, body []byte) (*Result, error) {
	if c.disabled {
		return nil, ErrClientNotInitialized
	}
	if method == "" {
		method = http.MethodGet
	}
	requestID := uuid.NewString()

	u, err := CheckURL(rawURL)
	if err != nil {
		c.logger.Warn("fetch rejected", zap.String("request_id", requestID), zap.Error(err))
		return nil, err
	}

	guard, err := c.admission.Acquire()
	if err != nil {
		return nil, err
	}
	defer guard.Release()

	addr, err := pinnedAddress(ctx, u.Hostname())
	if err != nil {
		return nil, err
	}

	transport, err := pinnedTransport(u.Hostname(), addr)
	if err != nil {
		c.logger.Warn("primary transport construction failed, trying fallback", zap.Error(err))
		transport, err = pinnedFallbackTransport(u.Hostname(), addr)
		if err != nil {
			c.disabled = true
			c.logger.Error("fallback transport construction also failed, client disabled", zap.Error(err))
			return nil, ErrClientNotInitialized
		}
	}

	client := &http.Client{
		Transport: transport,
		Timeout:   requestTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	var reqBody io.Reader
	if body != nil {
		reqBody = newByteReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.ContentLength > maxResponseBytes {
		return nil, errors.New("fetchguard: response exceeds size cap")
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxResponseBytes {
		return nil, errors.New("fetchguard: response exceeds size cap")
	}

	c.logger.Debug("fetch completed",
		zap.String("request_id", requestID),
		zap.String("url", u.String()),
		zap.Int("status", resp.StatusCode),
	)
	return &Result{
		RequestID: requestID,
		URL:       u.String(),
		Method:    method,
		OK:        resp.StatusCode >= 200 && resp.StatusCode < 300,
		Status:    resp.StatusCode,
		Body:      data,
	}, nil
}

func pinnedAddress(ctx context.Context, host string) (string, error) {
	dctx, cancel := context.WithTimeout(ctx, dnsTimeout)
	defer cancel()
	addrs, err := net.DefaultResolver.LookupIPAddr(dctx, host)
	if err != nil {
		return "", err
	}
	if len(addrs) == 0 {
		return "", ErrURLRejected
	}
	for _, a := range addrs {
		if IsForbiddenIP(a.IP) {
			return "", ErrURLRejected
		}
	}
	return addrs[0].IP.String(), nil
}

func pinnedTransport(host, pinnedIP string) (*http.Transport, error) {
	return buildPinnedTransport(host, pinnedIP, 10*time.Second), nil
}

func pinnedFallbackTransport(host, pinnedIP string) (*http.Transport, error) {
	return buildPinnedTransport(host, pinnedIP, fallbackConnectTO), nil
}

func buildPinnedTransport(host, pinnedIP string, connectTimeout time.Duration) *http.Transport {
	dialer := &net.Dialer{Timeout: connectTimeout}
	return &http.Transport{
		Proxy: nil,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			_, port, err := net.SplitHostPort(addr)
			if err != nil {
				port = "80"
			}
			return dialer.DialContext(ctx, network, net.JoinHostPort(pinnedIP, port))
		},
		TLSClientConfig: &tls.Config{ServerName: host},
	}
}

func newByteReader(b []byte) io.Reader {
	return &byteReader{b: b}
}

type byteReader struct {
	b   []byte
	pos int
}

func (r *byteReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.b) {
		return 0, io.EOF
	}
	n := copy(p, r.b[r.pos:])
	r.pos += n
	return n, nil
}
