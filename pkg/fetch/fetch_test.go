package fetch

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"proxy-allocator/pkg/models"
)

// newForwardProxy returns a fake HTTP forward proxy and a descriptor pointing at it.
func newForwardProxy(t *testing.T, handler http.HandlerFunc) models.ProxyDescriptor {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	host, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	port, _ := strconv.Atoi(portStr)
	return models.ProxyDescriptor{
		Label:     "fake",
		Host:      host,
		Port:      port,
		Transport: models.TransportHTTP,
	}
}

func TestFetchThroughHTTPProxy(t *testing.T) {
	var gotURI, gotAuth string
	p := newForwardProxy(t, func(w http.ResponseWriter, r *http.Request) {
		gotURI = r.RequestURI
		gotAuth = r.Header.Get("Proxy-Authorization")
		w.Write([]byte("203.0.113.7\n"))
	})
	p.Username, p.Password = "user", "secret"

	result, err := Fetch(context.Background(), p, "http://echo.example/ip", Options{Headers: []string{"User-Agent: test/1.0"}})
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if got := string(result.Body); got != "203.0.113.7\n" {
		t.Errorf("Fetch() body = %q", got)
	}
	if gotURI != "http://echo.example/ip" {
		t.Errorf("request URI = %q, want absolute URI", gotURI)
	}
	if want := BasicAuth("user", "secret"); gotAuth != want {
		t.Errorf("Proxy-Authorization = %q, want %q", gotAuth, want)
	}
}

func TestFetchWithoutCredentials(t *testing.T) {
	var gotAuth string
	p := newForwardProxy(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Proxy-Authorization")
		w.WriteHeader(http.StatusTeapot)
	})

	result, err := Fetch(context.Background(), p, "http://echo.example/", Options{})
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if result.Response.StatusCode != http.StatusTeapot {
		t.Errorf("status = %d", result.Response.StatusCode)
	}
	if gotAuth != "" {
		t.Errorf("Proxy-Authorization = %q, want none", gotAuth)
	}
}

func TestFetchRejectsTunnel(t *testing.T) {
	p := models.ProxyDescriptor{Label: "a", Host: "127.0.0.1", Port: 1, Transport: models.TransportHTTP}
	_, err := Fetch(context.Background(), p, "https://echo.example/", Options{})
	if !errors.Is(err, ErrTunnelNotAllowed) {
		t.Errorf("Fetch() error = %v, want ErrTunnelNotAllowed", err)
	}
}

func TestFetchUnknownTransport(t *testing.T) {
	p := models.ProxyDescriptor{Label: "a", Host: "127.0.0.1", Port: 1, Transport: "ftp"}
	if _, err := Fetch(context.Background(), p, "http://echo.example/", Options{}); err == nil {
		t.Error("Fetch() error = nil, want error")
	}
}

func TestBasicAuth(t *testing.T) {
	if got, want := BasicAuth("Aladdin", "open sesame"), "Basic QWxhZGRpbjpvcGVuIHNlc2FtZQ=="; got != want {
		t.Errorf("BasicAuth() = %v, want %v", got, want)
	}
}
