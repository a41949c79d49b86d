package sql

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	model "github.com/tigerroll/tsingest/pkg/ingest/core/domain/model"
	repository "github.com/tigerroll/tsingest/pkg/ingest/core/domain/repository"
	"github.com/tigerroll/tsingest/pkg/ingest/core/tx"
	"github.com/tigerroll/tsingest/pkg/ingest/support/util/exception"
)

// SQLEntityRepository implements repository.EntityRepository.
type SQLEntityRepository struct {
	db *gorm.DB
}

// NewSQLEntityRepository creates a new SQLEntityRepository.
func NewSQLEntityRepository(db *gorm.DB) *SQLEntityRepository {
	return &SQLEntityRepository{db: db}
}

func (r *SQLEntityRepository) MarkInvalid(ctx context.Context, entity model.InvalidEntity) error {
	const op = "SQLEntityRepository.MarkInvalid"
	err := tx.Executor(ctx, r.db).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "source"}, {Name: "entity_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"reason", "marked_at"}),
	}).Create(fromDomainInvalidEntity(entity)).Error
	if err != nil {
		return exception.NewIngestError(op, fmt.Sprintf("failed to mark %s/%s invalid", entity.Source, entity.EntityKey), err, false, true)
	}
	return nil
}

func (r *SQLEntityRepository) IsInvalid(ctx context.Context, source, entityKey string) (bool, error) {
	const op = "SQLEntityRepository.IsInvalid"
	var count int64
	err := tx.Executor(ctx, r.db).Model(&InvalidEntityEntity{}).
		Where("source = ? AND entity_key = ?", source, entityKey).
		Count(&count).Error
	if err != nil {
		return false, exception.NewIngestError(op, fmt.Sprintf("failed to check %s/%s", source, entityKey), err, false, true)
	}
	return count > 0, nil
}

func (r *SQLEntityRepository) FindInvalid(ctx context.Context, source string) ([]model.InvalidEntity, error) {
	const op = "SQLEntityRepository.FindInvalid"
	q := tx.Executor(ctx, r.db).Model(&InvalidEntityEntity{})
	if source != "" {
		q = q.Where("source = ?", source)
	}
	var entities []InvalidEntityEntity
	if err := q.Order("source ASC, entity_key ASC").Find(&entities).Error; err != nil {
		return nil, exception.NewIngestError(op, "failed to list invalid entities", err, false, true)
	}
	out := make([]model.InvalidEntity, 0, len(entities))
	for i := range entities {
		out = append(out, toDomainInvalidEntity(&entities[i]))
	}
	return out, nil
}

func (r *SQLEntityRepository) ClearInvalid(ctx context.Context, source, entityKey string) error {
	const op = "SQLEntityRepository.ClearInvalid"
	err := tx.Executor(ctx, r.db).
		Where("source = ? AND entity_key = ?", source, entityKey).
		Delete(&InvalidEntityEntity{}).Error
	if err != nil {
		return exception.NewIngestError(op, fmt.Sprintf("failed to clear %s/%s", source, entityKey), err, false, true)
	}
	return nil
}

var _ repository.EntityRepository = (*SQLEntityRepository)(nil)
