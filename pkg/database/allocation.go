package database

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"proxy-allocator/pkg/models"
)

func (db *DB) InsertAllocation(ctx context.Context, allocation *models.Allocation) error {
	_, err := db.NewInsert().
		Model(allocation).
		Exec(ctx)

	if err != nil {
		return fmt.Errorf("error inserting allocation: %w", err)
	}

	return nil
}

func (db *DB) GetAllocationsByBatch(ctx context.Context, batchID uuid.UUID) ([]models.Allocation, error) {
	var allocations []models.Allocation
	err := db.NewSelect().
		Model(&allocations).
		Where("batch_id = ?", batchID).
		Order("allocated_at").
		Scan(ctx)

	if err != nil {
		return nil, fmt.Errorf("error getting allocations for batch %s: %w", batchID, err)
	}

	return allocations, nil
}
