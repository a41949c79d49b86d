package sql

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	model "github.com/tigerroll/tsingest/pkg/ingest/core/domain/model"
	repository "github.com/tigerroll/tsingest/pkg/ingest/core/domain/repository"
	"github.com/tigerroll/tsingest/pkg/ingest/core/tx"
	"github.com/tigerroll/tsingest/pkg/ingest/support/util/exception"
)

const gapBatchSize = 100

// SQLGapRepository implements repository.GapRepository.
type SQLGapRepository struct {
	db *gorm.DB
}

// NewSQLGapRepository creates a new SQLGapRepository.
func NewSQLGapRepository(db *gorm.DB) *SQLGapRepository {
	return &SQLGapRepository{db: db}
}

func (r *SQLGapRepository) SaveGaps(ctx context.Context, gaps []*model.Gap) error {
	const op = "SQLGapRepository.SaveGaps"
	if len(gaps) == 0 {
		return nil
	}
	entities := make([]*GapEntity, 0, len(gaps))
	for _, g := range gaps {
		entities = append(entities, fromDomainGap(g))
	}
	if err := tx.Executor(ctx, r.db).CreateInBatches(entities, gapBatchSize).Error; err != nil {
		return exception.NewIngestError(op, fmt.Sprintf("failed to save %d gaps", len(gaps)), err, false, true)
	}
	return nil
}

func (r *SQLGapRepository) FindGaps(ctx context.Context, filter model.GapFilter) ([]*model.Gap, error) {
	const op = "SQLGapRepository.FindGaps"
	q := tx.Executor(ctx, r.db).Model(&GapEntity{})
	if filter.Type != "" {
		q = q.Where("gap_type = ?", string(filter.Type))
	}
	if filter.Severity != "" {
		q = q.Where("severity = ?", string(filter.Severity))
	}
	if len(filter.EntityKeys) > 0 {
		q = q.Where("entity_key IN ?", filter.EntityKeys)
	}
	if filter.Filled != nil {
		if *filter.Filled {
			q = q.Where("filled_at IS NOT NULL")
		} else {
			q = q.Where("filled_at IS NULL")
		}
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	var entities []GapEntity
	if err := q.Order("priority DESC, detected_at ASC, id ASC").Limit(limit).Find(&entities).Error; err != nil {
		return nil, exception.NewIngestError(op, "failed to list gaps", err, false, true)
	}
	return toDomainGaps(entities), nil
}

func (r *SQLGapRepository) FindUnfilledGaps(ctx context.Context, limit int) ([]*model.Gap, error) {
	open := false
	return r.FindGaps(ctx, model.GapFilter{Filled: &open, Limit: limit})
}

func (r *SQLGapRepository) FindGapsByEntity(ctx context.Context, gapType model.GapType, entityKey string) ([]*model.Gap, error) {
	const op = "SQLGapRepository.FindGapsByEntity"
	var entities []GapEntity
	err := tx.Executor(ctx, r.db).
		Where("gap_type = ? AND entity_key = ?", string(gapType), entityKey).
		Order("from_date ASC").
		Find(&entities).Error
	if err != nil {
		return nil, exception.NewIngestError(op, fmt.Sprintf("failed to list gaps of %s/%s", gapType, entityKey), err, false, true)
	}
	return toDomainGaps(entities), nil
}

func (r *SQLGapRepository) MarkGapFilled(ctx context.Context, gapID string, filledAt time.Time, executionID string) error {
	const op = "SQLGapRepository.MarkGapFilled"
	result := tx.Executor(ctx, r.db).Model(&GapEntity{}).
		Where("id = ? AND filled_at IS NULL", gapID).
		Updates(map[string]interface{}{
			"filled_at":         filledAt.UTC(),
			"fill_execution_id": executionID,
		})
	if result.Error != nil {
		return exception.NewIngestError(op, fmt.Sprintf("failed to mark Gap (ID: %s) filled", gapID), result.Error, false, true)
	}
	if result.RowsAffected == 0 {
		return exception.NewIngestError(op, fmt.Sprintf("open Gap (ID: %s)", gapID), repository.ErrGapNotFound, true, false)
	}
	return nil
}

func toDomainGaps(entities []GapEntity) []*model.Gap {
	out := make([]*model.Gap, 0, len(entities))
	for i := range entities {
		out = append(out, toDomainGap(&entities[i]))
	}
	return out
}

var _ repository.GapRepository = (*SQLGapRepository)(nil)
