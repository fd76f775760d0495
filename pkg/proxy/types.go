package proxy

import (
	"context"
	"errors"
	"net"
	"net/url"
	"strconv"

	"proxy-allocator/pkg/config"
	"proxy-allocator/pkg/models"
	"proxy-allocator/pkg/region"
)

var (
	// ErrNoCandidate means a full scan of the scope found nothing usable.
	ErrNoCandidate = errors.New("no usable proxy in scope")
	// ErrUnknownProxy means the pinned label is not in the pool.
	ErrUnknownProxy = errors.New("unknown proxy label")
	// ErrPinnedUnavailable means the pinned proxy is over quota or failed.
	ErrPinnedUnavailable = errors.New("pinned proxy unavailable")
)

// Attempt tries to allocate d. A non-nil error skips to the next candidate.
type Attempt func(ctx context.Context, d models.ProxyDescriptor) error

// Selector picks one proxy from a region's members.
type Selector interface {
	Strategy() config.Strategy
	Select(ctx context.Context, r *region.Region, canUse func(label string) bool, try Attempt) (models.ProxyDescriptor, error)
}

// BuildTransportURL returns the connection parameters a driver needs to use p.
func BuildTransportURL(p models.ProxyDescriptor) string {
	u := url.URL{
		Scheme: string(p.Transport),
		Host:   net.JoinHostPort(p.Host, strconv.Itoa(p.Port)),
	}
	if creds := p.Credentials(); creds != nil {
		u.User = url.UserPassword(creds.Username, creds.Password)
	}
	return u.String()
}
