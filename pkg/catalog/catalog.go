package catalog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"proxy-allocator/pkg/models"
)

var ErrInvalidEntry = errors.New("invalid catalog entry")

const (
	SourceFile     = "file"
	SourceDatabase = "database"
)

// Store is the persistent side of the catalog.
type Store interface {
	GetProxies(ctx context.Context) ([]models.ProxyDescriptor, error)
	UpsertProxies(ctx context.Context, proxies []models.ProxyDescriptor) error
}

// Entry is one proxy as written in a catalog file. URL, when set, supplies
// transport, host, port and credentials in one string.
type Entry struct {
	Label     string `yaml:"label"`
	URL       string `yaml:"url,omitempty"`
	Host      string `yaml:"host,omitempty"`
	Port      int    `yaml:"port,omitempty"`
	Username  string `yaml:"username,omitempty"`
	Password  string `yaml:"password,omitempty"`
	Transport string `yaml:"transport,omitempty"`
	Country   string `yaml:"country"`
	Class     string `yaml:"class"`
	LatencyMs *int64 `yaml:"latency_ms,omitempty"`
}

type File struct {
	Proxies []Entry `yaml:"proxies"`
}

// LoadFile reads and validates a YAML catalog.
func LoadFile(filename string) ([]models.ProxyDescriptor, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) ([]models.ProxyDescriptor, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}

	proxies := make([]models.ProxyDescriptor, 0, len(f.Proxies))
	for i, e := range f.Proxies {
		p, err := e.descriptor()
		if err != nil {
			return nil, fmt.Errorf("entry %d (%s): %w", i, e.Label, err)
		}
		proxies = append(proxies, p)
	}
	if err := Validate(proxies); err != nil {
		return nil, err
	}
	return proxies, nil
}

func (e Entry) descriptor() (models.ProxyDescriptor, error) {
	p := models.ProxyDescriptor{
		Label:             strings.TrimSpace(e.Label),
		Host:              e.Host,
		Port:              e.Port,
		Username:          e.Username,
		Password:          e.Password,
		Transport:         models.Transport(strings.ToLower(e.Transport)),
		DeclaredCountry:   strings.ToUpper(strings.TrimSpace(e.Country)),
		ConnectionClass:   models.ConnectionClass(strings.ToLower(e.Class)),
		MeasuredLatencyMs: e.LatencyMs,
	}
	if p.Transport == "" {
		p.Transport = models.TransportHTTP
	}
	if e.URL != "" {
		if err := applyURL(&p, e.URL); err != nil {
			return models.ProxyDescriptor{}, err
		}
	}
	return p, nil
}

// applyURL fills connection fields from scheme://[user:pass@]host:port.
func applyURL(p *models.ProxyDescriptor, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: failed to parse url: %w", ErrInvalidEntry, err)
	}
	host, port, err := net.SplitHostPort(u.Host)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalidEntry, raw, err)
	}
	n, err := strconv.Atoi(port)
	if err != nil {
		return fmt.Errorf("%w: port %q", ErrInvalidEntry, port)
	}

	p.Transport = models.Transport(strings.ToLower(u.Scheme))
	p.Host = host
	p.Port = n
	if u.User != nil {
		p.Username = u.User.Username()
		p.Password, _ = u.User.Password()
	}
	if p.Label == "" {
		p.Label = u.Fragment
	}
	return nil
}

// WriteLatencies rewrites latency_ms in a YAML catalog from measured, matched
// by label. Entries without a match keep their value; comments are not kept.
func WriteLatencies(filename string, measured []models.ProxyDescriptor) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("failed to parse catalog: %w", err)
	}

	byLabel := make(map[string]*int64, len(measured))
	for _, p := range measured {
		byLabel[p.Label] = p.MeasuredLatencyMs
	}
	for i, e := range f.Proxies {
		p, err := e.descriptor()
		if err != nil {
			return fmt.Errorf("entry %d (%s): %w", i, e.Label, err)
		}
		if latency, ok := byLabel[p.Label]; ok {
			f.Proxies[i].LatencyMs = latency
		}
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(f); err != nil {
		return fmt.Errorf("failed to encode catalog: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("failed to encode catalog: %w", err)
	}
	return os.WriteFile(filename, buf.Bytes(), 0o644)
}

// Validate checks every entry and label uniqueness.
func Validate(proxies []models.ProxyDescriptor) error {
	seen := make(map[string]bool, len(proxies))
	for _, p := range proxies {
		if p.Label == "" {
			return fmt.Errorf("%w: empty label for %s:%d", ErrInvalidEntry, p.Host, p.Port)
		}
		if seen[p.Label] {
			return fmt.Errorf("%w: duplicate label %s", ErrInvalidEntry, p.Label)
		}
		seen[p.Label] = true

		switch {
		case p.Host == "":
			return fmt.Errorf("%w: %s has no host", ErrInvalidEntry, p.Label)
		case p.Port < 1 || p.Port > 65535:
			return fmt.Errorf("%w: %s has port %d", ErrInvalidEntry, p.Label, p.Port)
		case p.Transport != models.TransportHTTP && p.Transport != models.TransportSOCKS5:
			return fmt.Errorf("%w: %s has transport %q", ErrInvalidEntry, p.Label, p.Transport)
		case p.ConnectionClass != models.ResidentClass && p.ConnectionClass != models.DatacenterClass:
			return fmt.Errorf("%w: %s has connection class %q", ErrInvalidEntry, p.Label, p.ConnectionClass)
		case p.DeclaredCountry == "":
			return fmt.Errorf("%w: %s has no country", ErrInvalidEntry, p.Label)
		}
	}
	return nil
}

// Load returns the catalog from the configured source.
func Load(ctx context.Context, source, filename string, store Store) ([]models.ProxyDescriptor, error) {
	switch source {
	case SourceFile, "":
		if filename == "" {
			return nil, fmt.Errorf("catalog source is file but no catalog file is set")
		}
		return LoadFile(filename)
	case SourceDatabase:
		if store == nil {
			return nil, fmt.Errorf("catalog source is database but no database is configured")
		}
		proxies, err := store.GetProxies(ctx)
		if err != nil {
			return nil, err
		}
		if err := Validate(proxies); err != nil {
			return nil, err
		}
		return proxies, nil
	default:
		return nil, fmt.Errorf("unknown catalog source: %s", source)
	}
}

// ImportFile loads a YAML catalog and upserts it into store.
func ImportFile(ctx context.Context, store Store, filename string, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}
	proxies, err := LoadFile(filename)
	if err != nil {
		return 0, err
	}
	for _, p := range proxies {
		logger.Debug("Adding proxy",
			"label", p.Label,
			"transport", p.Transport,
			"country", p.DeclaredCountry,
			"class", p.ConnectionClass)
	}
	if err := store.UpsertProxies(ctx, proxies); err != nil {
		return 0, err
	}
	logger.Info("Proxies imported", "file", filename, "count", len(proxies))
	return len(proxies), nil
}
