package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// Allocation is the result handed to a driver: one proxy for one session.
type Allocation struct {
	bun.BaseModel `bun:"table:allocations,alias:a"`

	ID           uuid.UUID `bun:",pk,type:uuid" json:"id"`
	BatchID      uuid.UUID `bun:",notnull,type:uuid" json:"batch_id"`
	Label        string    `bun:",notnull" json:"label"`
	IP           string    `bun:",notnull" json:"ip"`
	Region       string    `json:"region,omitempty"`
	Cycle        int       `bun:",notnull" json:"cycle"`
	TransportURL string    `bun:"-" json:"transport_url"`
	AllocatedAt  time.Time `bun:",notnull" json:"allocated_at"`

	Proxy ProxyDescriptor `bun:"-" json:"proxy"`
}

type _ struct {
	_ struct{} `bun:"index:allocations_batch_id_idx,column:batch_id"`
	_ struct{} `bun:"index:allocations_ip_idx,column:ip"`
}
