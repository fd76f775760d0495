package models

// ProxyUsage is the per-label view of the usage ledger.
type ProxyUsage struct {
	Label    string `json:"label" yaml:"label"`
	Usage    int    `json:"usage" yaml:"usage"`
	Failures int    `json:"failures" yaml:"failures"`
	LastIP   string `json:"last_ip,omitempty" yaml:"last_ip,omitempty"`
}

// IPUsage is the per-egress-IP view of the usage ledger.
type IPUsage struct {
	IP        string   `json:"ip" yaml:"ip"`
	Usage     int      `json:"usage" yaml:"usage"`
	Consumers []string `json:"consumers" yaml:"consumers"`
	AtLimit   bool     `json:"at_limit" yaml:"at_limit"`
}

type RegionStats struct {
	Name          string  `json:"name" yaml:"name"`
	Members       int     `json:"members" yaml:"members"`
	TargetPercent float64 `json:"target_percent" yaml:"target_percent"`
	ActualPercent float64 `json:"actual_percent" yaml:"actual_percent"`
	Allocations   int     `json:"allocations" yaml:"allocations"`
	CycleCount    int     `json:"cycle_count" yaml:"cycle_count"`
}

// Stats is a point-in-time snapshot of a scheduler.
type Stats struct {
	Strategy         string        `json:"strategy" yaml:"strategy"`
	MaxProfilesPerIP int           `json:"max_profiles_per_ip" yaml:"max_profiles_per_ip"`
	TotalAllocations int           `json:"total_allocations" yaml:"total_allocations"`
	Cycles           int           `json:"cycles" yaml:"cycles"`
	Proxies          []ProxyUsage  `json:"proxies" yaml:"proxies"`
	IPs              []IPUsage     `json:"ips" yaml:"ips"`
	Regions          []RegionStats `json:"regions,omitempty" yaml:"regions,omitempty"`
}
