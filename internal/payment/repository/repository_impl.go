package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/sokoline/sokopay/internal/payment/domain"
	pkgdb "github.com/sokoline/sokopay/pkg/db"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const paymentColumns = `id, order_id, payer_id, method, amount, currency, status,
	reference_number, provider_request_id, provider_txn_id, fee, failure_reason,
	notes, detail, created_at, updated_at, processed_at, expires_at`

func (r *repo) CreatePayment(ctx context.Context, db *gorm.DB, payment *domain.Payment) error {
	err := db.WithContext(ctx).Exec(
		`INSERT INTO payments (`+paymentColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		payment.ID,
		payment.OrderID,
		payment.PayerID,
		payment.Method,
		payment.Amount,
		payment.Currency,
		payment.Status,
		payment.ReferenceNumber,
		payment.ProviderRequestID,
		payment.ProviderTxnID,
		payment.Fee,
		payment.FailureReason,
		payment.Notes,
		payment.Detail,
		payment.CreatedAt,
		payment.UpdatedAt,
		payment.ProcessedAt,
		payment.ExpiresAt,
	).Error
	if pkgdb.IsDuplicateKeyErr(err) {
		return domain.ErrActivePaymentExists
	}
	return err
}

func (r *repo) FindPayment(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Payment, error) {
	var item domain.Payment
	err := db.WithContext(ctx).Raw(
		`SELECT `+paymentColumns+`
		 FROM payments
		 WHERE id = ?
		 LIMIT 1`,
		id,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, domain.ErrPaymentNotFound
	}
	return &item, nil
}

func (r *repo) FindPaymentForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Payment, error) {
	var item domain.Payment
	query := `SELECT ` + paymentColumns + `
		 FROM payments
		 WHERE id = ?
		 LIMIT 1`
	if db.Dialector.Name() != "sqlite" {
		query += ` FOR UPDATE`
	}
	err := db.WithContext(ctx).Raw(query, id).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, domain.ErrPaymentNotFound
	}
	return &item, nil
}

func (r *repo) FindByReference(ctx context.Context, db *gorm.DB, reference string) (*domain.Payment, error) {
	var item domain.Payment
	err := db.WithContext(ctx).Raw(
		`SELECT `+paymentColumns+`
		 FROM payments
		 WHERE reference_number = ?
		 LIMIT 1`,
		reference,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, domain.ErrPaymentNotFound
	}
	return &item, nil
}

func (r *repo) UpdatePayment(ctx context.Context, db *gorm.DB, payment *domain.Payment) error {
	return db.WithContext(ctx).Exec(
		`UPDATE payments
		 SET status = ?, provider_request_id = ?, provider_txn_id = ?,
			failure_reason = ?, notes = ?, detail = ?, updated_at = ?,
			processed_at = ?, expires_at = ?
		 WHERE id = ?`,
		payment.Status,
		payment.ProviderRequestID,
		payment.ProviderTxnID,
		payment.FailureReason,
		payment.Notes,
		payment.Detail,
		payment.UpdatedAt,
		payment.ProcessedAt,
		payment.ExpiresAt,
		payment.ID,
	).Error
}

func (r *repo) InsertTransaction(ctx context.Context, db *gorm.DB, txn *domain.Transaction) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO payment_transactions (
			id, payment_id, type, amount, status, external_ref, description, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		txn.ID,
		txn.PaymentID,
		txn.Type,
		txn.Amount,
		txn.Status,
		txn.ExternalRef,
		txn.Description,
		txn.CreatedAt,
	).Error
}

func (r *repo) ListTransactions(ctx context.Context, db *gorm.DB, paymentID snowflake.ID) ([]domain.Transaction, error) {
	var items []domain.Transaction
	err := db.WithContext(ctx).Raw(
		`SELECT id, payment_id, type, amount, status, external_ref, description, created_at
		 FROM payment_transactions
		 WHERE payment_id = ?
		 ORDER BY created_at, id`,
		paymentID,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) FindStalePayments(ctx context.Context, db *gorm.DB, methods []domain.Method, cutoff time.Time, limit int) ([]domain.Payment, error) {
	var items []domain.Payment
	query := `SELECT ` + paymentColumns + `
		 FROM payments
		 WHERE status = ? AND method IN (?) AND created_at <= ?
		 ORDER BY created_at
		 LIMIT ?`
	if db.Dialector.Name() == "postgres" {
		query += ` FOR UPDATE SKIP LOCKED`
	}
	err := db.WithContext(ctx).Raw(
		query,
		domain.StatusProcessing,
		methods,
		cutoff,
		limit,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) FindExpiredPayments(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]domain.Payment, error) {
	var items []domain.Payment
	query := `SELECT ` + paymentColumns + `
		 FROM payments
		 WHERE status = ? AND expires_at IS NOT NULL AND expires_at <= ?
		 ORDER BY expires_at
		 LIMIT ?`
	if db.Dialector.Name() == "postgres" {
		query += ` FOR UPDATE SKIP LOCKED`
	}
	err := db.WithContext(ctx).Raw(
		query,
		domain.StatusProcessing,
		now,
		limit,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) InsertCallback(ctx context.Context, db *gorm.DB, record *domain.CallbackRecord) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO provider_callbacks (
			id, provider, event_type, provider_txn_id, payload, signature_valid,
			payment_id, processed, applied, processing_error, received_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID,
		record.Provider,
		record.EventType,
		record.ProviderTxnID,
		record.Payload,
		record.SignatureValid,
		record.PaymentID,
		record.Processed,
		record.Applied,
		record.ProcessingError,
		record.ReceivedAt,
	).Error
}

func (r *repo) UpdateCallback(ctx context.Context, db *gorm.DB, record *domain.CallbackRecord) error {
	return db.WithContext(ctx).Exec(
		`UPDATE provider_callbacks
		 SET event_type = ?, provider_txn_id = ?, signature_valid = ?, payment_id = ?,
			processed = ?, applied = ?, processing_error = ?
		 WHERE id = ?`,
		record.EventType,
		record.ProviderTxnID,
		record.SignatureValid,
		record.PaymentID,
		record.Processed,
		record.Applied,
		record.ProcessingError,
		record.ID,
	).Error
}

// CallbackApplied reports whether another delivery with the same provider
// transaction id already drove a status transition. Deliveries that only
// recorded a pending provider status do not count; the terminal callback
// must still get through.
func (r *repo) CallbackApplied(ctx context.Context, db *gorm.DB, provider, providerTxnID string, excludeID snowflake.ID) (bool, error) {
	if providerTxnID == "" {
		return false, nil
	}
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(1)
		 FROM provider_callbacks
		 WHERE provider = ? AND provider_txn_id = ? AND applied = ? AND id <> ?`,
		provider,
		providerTxnID,
		true,
		excludeID,
	).Scan(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
