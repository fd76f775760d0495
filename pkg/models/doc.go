/*
Package models defines the core data structures shared by the proxy allocator:
catalog entries, allocation results and scheduler statistics.

Core Types:

ProxyDescriptor is one entry of the proxy catalog:

	type ProxyDescriptor struct {
		Label             string          // Unique key
		Host              string          // Proxy host name or address
		Port              int             // Proxy port
		Username          string          // Optional credentials
		Password          string
		Transport         Transport       // http or socks5
		DeclaredCountry   string          // ISO country code the provider advertises
		ConnectionClass   ConnectionClass // resident or datacenter
		MeasuredLatencyMs *int64          // nil when never measured
	}

Allocation is what a driver receives for one session:

	type Allocation struct {
		ID           uuid.UUID       // Allocation identifier
		BatchID      uuid.UUID       // Batch the allocation belongs to
		Label        string          // Label of the chosen proxy
		IP           string          // Egress IP recorded for the proxy
		Region       string          // Region, when the geographic scheduler is used
		Cycle        int             // Cycle number in which it was allocated
		TransportURL string          // scheme://[user:pass@]host:port
		Proxy        ProxyDescriptor // The full descriptor
	}

Stats is a snapshot of the usage ledger and, for the geographic scheduler,
of the region targets against what was actually allocated.

Database Integration:

ProxyDescriptor maps to the proxies table so that a catalog can be loaded from
Postgres, and Allocation maps to the allocations table, indexed by batch and IP.
The transport URL and the embedded descriptor are not stored.

Thread Safety:

The model structures are plain values. Descriptors are never mutated after the
catalog is loaded, so they can be shared freely between goroutines.
*/
package models
