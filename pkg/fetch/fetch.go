// Package fetch makes HTTP requests through a catalog proxy
package fetch

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Jigsaw-Code/outline-sdk/transport"
	"github.com/Jigsaw-Code/outline-sdk/x/configurl"

	"proxy-allocator/pkg/models"
)

// ErrTunnelNotAllowed is returned for https targets behind an HTTP proxy:
// those would need CONNECT tunnel negotiation, which this package does not do.
var ErrTunnelNotAllowed = errors.New("https target requires a CONNECT tunnel")

// maxBodySize bounds how much of a response is read.
const maxBodySize = 64 << 10

// Options contains all the configuration options for making a fetch request
type Options struct {
	// HTTP method to use (default: "GET")
	Method string
	// Raw HTTP headers to add (without \r\n)
	Headers []string
	// Timeout for the whole request (default: 5s)
	Timeout time.Duration
}

// Result contains the response from a fetch request
type Result struct {
	// HTTP response
	Response *http.Response
	// Response body as bytes
	Body []byte
}

// Fetch requests target through proxy p. SOCKS5 proxies are dialed with a
// SOCKS client wrapping the TCP connection; HTTP proxies receive an
// absolute-URI request carrying Proxy-Authorization when credentials exist.
func Fetch(ctx context.Context, p models.ProxyDescriptor, target string, opts Options) (*Result, error) {
	if opts.Method == "" {
		opts.Method = http.MethodGet
	}
	if opts.Timeout == 0 {
		opts.Timeout = 5 * time.Second
	}

	targetURL, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("invalid target URL: %w", err)
	}

	var rt *http.Transport
	switch p.Transport {
	case models.TransportSOCKS5:
		dialer, err := StreamDialer(p)
		if err != nil {
			return nil, err
		}
		rt = &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				if !strings.HasPrefix(network, "tcp") {
					return nil, fmt.Errorf("protocol not supported: %v", network)
				}
				return dialer.DialStream(ctx, addr)
			},
		}
	case models.TransportHTTP:
		if targetURL.Scheme != "http" {
			return nil, fmt.Errorf("%s: %w", target, ErrTunnelNotAllowed)
		}
		proxyURL := &url.URL{Scheme: "http", Host: hostPort(p)}
		rt = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
	default:
		return nil, fmt.Errorf("unsupported proxy transport: %q", p.Transport)
	}
	rt.DisableKeepAlives = true
	defer rt.CloseIdleConnections()

	httpClient := &http.Client{
		Transport: rt,
		Timeout:   opts.Timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	req, err := http.NewRequestWithContext(ctx, opts.Method, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	// Process headers
	if len(opts.Headers) > 0 {
		headerText := strings.Join(opts.Headers, "\r\n") + "\r\n\r\n"
		h, err := textproto.NewReader(bufio.NewReader(strings.NewReader(headerText))).ReadMIMEHeader()
		if err != nil {
			return nil, fmt.Errorf("invalid header line: %w", err)
		}
		for name, values := range h {
			for _, value := range values {
				req.Header.Add(name, value)
			}
		}
	}
	if p.Transport == models.TransportHTTP {
		if creds := p.Credentials(); creds != nil {
			req.Header.Set("Proxy-Authorization", BasicAuth(creds.Username, creds.Password))
		}
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("read of page body failed: %w", err)
	}

	return &Result{
		Response: resp,
		Body:     body,
	}, nil
}

// StreamDialer builds the outline-sdk dialer for a SOCKS5 proxy.
func StreamDialer(p models.ProxyDescriptor) (transport.StreamDialer, error) {
	u := url.URL{Scheme: "socks5", Host: hostPort(p)}
	if creds := p.Credentials(); creds != nil {
		u.User = url.UserPassword(creds.Username, creds.Password)
	}
	dialer, err := configurl.NewDefaultConfigToDialer().NewStreamDialer(u.String())
	if err != nil {
		return nil, fmt.Errorf("could not create dialer: %w", err)
	}
	return dialer, nil
}

// BasicAuth formats a Proxy-Authorization header value.
func BasicAuth(username, password string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(username+":"+password))
}

func hostPort(p models.ProxyDescriptor) string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}
