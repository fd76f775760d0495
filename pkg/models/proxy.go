package models

import (
	"time"

	"github.com/uptrace/bun"
)

type Transport string

const (
	TransportHTTP   Transport = "http"
	TransportSOCKS5 Transport = "socks5"
)

type ConnectionClass string

const (
	ResidentClass   ConnectionClass = "resident"
	DatacenterClass ConnectionClass = "datacenter"
)

// Credentials holds the username/password pair a proxy expects.
type Credentials struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"-"`
}

// ProxyDescriptor is one catalog entry. It is read-only once the catalog is loaded.
type ProxyDescriptor struct {
	bun.BaseModel `bun:"table:proxies,alias:p"`

	Label             string          `bun:",pk" json:"label"`
	Host              string          `bun:",notnull" json:"host"`
	Port              int             `bun:",notnull" json:"port"`
	Username          string          `json:"-"`
	Password          string          `json:"-"`
	Transport         Transport       `bun:",notnull" json:"transport"`
	DeclaredCountry   string          `bun:",notnull" json:"country"`
	ConnectionClass   ConnectionClass `bun:",notnull" json:"class"`
	MeasuredLatencyMs *int64          `bun:",nullzero" json:"latency_ms,omitempty"`
	CreatedAt         time.Time       `bun:",nullzero,notnull,default:current_timestamp" json:"-"`
	UpdatedAt         time.Time       `bun:",nullzero,notnull,default:current_timestamp" json:"-"`
}

// Credentials returns nil when the proxy is unauthenticated.
func (p ProxyDescriptor) Credentials() *Credentials {
	if p.Username == "" && p.Password == "" {
		return nil
	}
	return &Credentials{Username: p.Username, Password: p.Password}
}

func (p ProxyDescriptor) IsSOCKS5() bool {
	return p.Transport == TransportSOCKS5
}

// HasLatency reports whether a latency measurement is available.
func (p ProxyDescriptor) HasLatency() bool {
	return p.MeasuredLatencyMs != nil
}
