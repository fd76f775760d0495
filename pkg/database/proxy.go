package database

import (
	"context"
	"fmt"
	"sync"
	"time"

	"proxy-allocator/pkg/models"
)

// UpsertProxies inserts catalog entries, replacing everything but the
// measured latency of labels that already exist.
func (db *DB) UpsertProxies(ctx context.Context, proxies []models.ProxyDescriptor) error {
	if len(proxies) == 0 {
		return nil
	}

	_, err := db.NewInsert().
		Model(&proxies).
		On("CONFLICT (label) DO UPDATE").
		Set("host = EXCLUDED.host").
		Set("port = EXCLUDED.port").
		Set("username = EXCLUDED.username").
		Set("password = EXCLUDED.password").
		Set("transport = EXCLUDED.transport").
		Set("declared_country = EXCLUDED.declared_country").
		Set("connection_class = EXCLUDED.connection_class").
		Set("updated_at = CURRENT_TIMESTAMP").
		Exec(ctx)

	if err != nil {
		return fmt.Errorf("error upserting proxies: %w", err)
	}

	return nil
}

// GetProxies returns the catalog in insertion order, which is the order
// region classification and truncation rely on.
func (db *DB) GetProxies(ctx context.Context) ([]models.ProxyDescriptor, error) {
	var proxies []models.ProxyDescriptor
	err := db.NewSelect().
		Model(&proxies).
		Order("created_at", "label").
		Scan(ctx)

	if err != nil {
		return nil, fmt.Errorf("error getting proxies: %w", err)
	}

	return proxies, nil
}

var updateMutex sync.Mutex

// UpdateProxyLatency stores a measurement; nil clears it.
func (db *DB) UpdateProxyLatency(ctx context.Context, label string, latencyMs *int64) error {
	updateMutex.Lock()
	defer updateMutex.Unlock()

	_, err := db.NewUpdate().
		Model((*models.ProxyDescriptor)(nil)).
		Set("measured_latency_ms = ?", latencyMs).
		Set("updated_at = ?", time.Now()).
		Where("label = ?", label).
		Exec(ctx)

	if err != nil {
		return fmt.Errorf("error updating latency for %s: %w", label, err)
	}

	return nil
}
