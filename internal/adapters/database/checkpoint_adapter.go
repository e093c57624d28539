package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/doug-martin/goqu/v9"

	"github.com/opyter/cromqc/internal/domain/entities"
	"github.com/opyter/cromqc/internal/domain/repositories"
	"github.com/opyter/cromqc/internal/infrastructure/clients/postgres"
	apperrors "github.com/opyter/cromqc/pkg/errors"
)

// CheckpointAdapter implements CheckpointRepository on the batch_control table
type CheckpointAdapter struct {
	tierDB
}

// NewCheckpointAdapter creates a new checkpoint adapter
func NewCheckpointAdapter(client *postgres.Client) repositories.CheckpointRepository {
	return &CheckpointAdapter{tierDB: newTierDB(client)}
}

// Get returns the checkpoint of a named run
func (a *CheckpointAdapter) Get(ctx context.Context, runName string) (*entities.Checkpoint, error) {
	query, args, err := a.db.From(a.table(checkpointTable)).
		Select("run_name", "run_id", "next_offset", "total_rows", "success_count", "failure_count", "updated_at").
		Where(goqu.Ex{"run_name": runName}).
		ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build checkpoint query", err)
	}

	cp := &entities.Checkpoint{}
	err = a.client.DB().GetContext(ctx, cp, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("no checkpoint for run %s", runName))
	}
	if err != nil {
		return nil, wrapQueryError("failed to load checkpoint", err)
	}
	return cp, nil
}

// Save upserts the checkpoint of a named run
func (a *CheckpointAdapter) Save(ctx context.Context, cp *entities.Checkpoint) error {
	record := goqu.Record{
		"run_name":      cp.RunName,
		"run_id":        cp.RunID,
		"next_offset":   cp.NextOffset,
		"total_rows":    cp.Total,
		"success_count": cp.SuccessCount,
		"failure_count": cp.FailureCount,
		"updated_at":    cp.UpdatedAt,
	}

	query, args, err := a.db.Insert(a.table(checkpointTable)).
		Rows(record).
		OnConflict(goqu.DoUpdate("run_name", goqu.Record{
			"run_id":        goqu.I("excluded.run_id"),
			"next_offset":   goqu.I("excluded.next_offset"),
			"total_rows":    goqu.I("excluded.total_rows"),
			"success_count": goqu.I("excluded.success_count"),
			"failure_count": goqu.I("excluded.failure_count"),
			"updated_at":    goqu.I("excluded.updated_at"),
		})).
		ToSQL()
	if err != nil {
		return apperrors.NewInternalError("failed to build checkpoint upsert", err)
	}

	if _, err := a.client.DB().ExecContext(ctx, query, args...); err != nil {
		return wrapQueryError(fmt.Sprintf("failed to save checkpoint for run %s", cp.RunName), err)
	}
	return nil
}
