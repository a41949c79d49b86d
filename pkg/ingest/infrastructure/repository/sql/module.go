package sql

import (
	"go.uber.org/fx"

	repository "github.com/tigerroll/tsingest/pkg/ingest/core/domain/repository"
	"github.com/tigerroll/tsingest/pkg/ingest/core/tx"
)

// Module provides the GORM-backed repositories and the transaction manager.
var Module = fx.Options(
	fx.Provide(
		tx.NewTransactionManager,
		fx.Annotate(NewSQLJobRepository, fx.As(new(repository.JobRepository))),
		fx.Annotate(NewSQLExecutionRepository, fx.As(new(repository.ExecutionRepository))),
		fx.Annotate(NewSQLGapRepository, fx.As(new(repository.GapRepository))),
		fx.Annotate(NewSQLEntityRepository, fx.As(new(repository.EntityRepository))),
	),
)
