package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Repository is the persistence surface of the payment ledger. Methods take
// the executing handle explicitly so callers control transaction scope.
type Repository interface {
	// CreatePayment inserts a payment row. The partial unique index on
	// (order_id) over non-terminal rows turns a concurrent double-create
	// into a duplicate-key error, surfaced as ErrActivePaymentExists.
	CreatePayment(ctx context.Context, db *gorm.DB, payment *Payment) error

	FindPayment(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Payment, error)

	// FindPaymentForUpdate loads the row under a row-level lock. Must run
	// inside a transaction.
	FindPaymentForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Payment, error)

	FindByReference(ctx context.Context, db *gorm.DB, reference string) (*Payment, error)

	UpdatePayment(ctx context.Context, db *gorm.DB, payment *Payment) error

	InsertTransaction(ctx context.Context, db *gorm.DB, txn *Transaction) error

	ListTransactions(ctx context.Context, db *gorm.DB, paymentID snowflake.ID) ([]Transaction, error)

	// FindStalePayments returns processing push payments created before the
	// cutoff, claimed with SKIP LOCKED so concurrent reconcilers partition
	// the work.
	FindStalePayments(ctx context.Context, db *gorm.DB, methods []Method, cutoff time.Time, limit int) ([]Payment, error)

	// FindExpiredPayments returns processing payments whose expiry window
	// has closed.
	FindExpiredPayments(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]Payment, error)

	InsertCallback(ctx context.Context, db *gorm.DB, record *CallbackRecord) error

	UpdateCallback(ctx context.Context, db *gorm.DB, record *CallbackRecord) error

	// CallbackApplied reports whether a callback with the same provider
	// transaction id has already been processed successfully.
	CallbackApplied(ctx context.Context, db *gorm.DB, provider, providerTxnID string, excludeID snowflake.ID) (bool, error)
}
