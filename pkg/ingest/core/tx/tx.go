// Package tx provides a context-scoped transaction manager over GORM.
// Repositories pick up the active transaction from the context, so callers can group
// several repository calls into one atomic unit without passing *gorm.DB around.
package tx

import (
	"context"

	"gorm.io/gorm"
)

type txKey struct{}

// TransactionManager runs a function inside a database transaction.
type TransactionManager interface {
	// Do runs fn in a transaction. The transaction commits when fn returns nil
	// and rolls back otherwise (including on panic).
	Do(ctx context.Context, fn func(ctx context.Context) error) error
}

// GormTransactionManager implements TransactionManager with gorm.DB.Transaction.
type GormTransactionManager struct {
	db *gorm.DB
}

// NewTransactionManager creates a TransactionManager bound to db.
func NewTransactionManager(db *gorm.DB) TransactionManager {
	return &GormTransactionManager{db: db}
}

// Do implements TransactionManager. Nested calls reuse the outer transaction.
func (m *GormTransactionManager) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return fn(ctx)
	}
	return m.db.WithContext(ctx).Transaction(func(txDB *gorm.DB) error {
		return fn(context.WithValue(ctx, txKey{}, txDB))
	})
}

// Executor returns the transaction carried by ctx, or db bound to ctx when there is none.
func Executor(ctx context.Context, db *gorm.DB) *gorm.DB {
	if t, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return t
	}
	return db.WithContext(ctx)
}
