package repository

import (
	"context"

	"github.com/sokoline/sokopay/internal/method/domain"
	paymentdomain "github.com/sokoline/sokopay/internal/payment/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindByMethod(ctx context.Context, db *gorm.DB, method paymentdomain.Method) (*domain.MethodConfig, error) {
	var item domain.MethodConfig
	err := db.WithContext(ctx).Raw(
		`SELECT id, method, active, min_amount, max_amount, fixed_fee, percent_fee,
			test_mode, created_at, updated_at
		 FROM payment_methods
		 WHERE method = ?
		 LIMIT 1`,
		method,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) ListActive(ctx context.Context, db *gorm.DB) ([]domain.MethodConfig, error) {
	var items []domain.MethodConfig
	err := db.WithContext(ctx).Raw(
		`SELECT id, method, active, min_amount, max_amount, fixed_fee, percent_fee,
			test_mode, created_at, updated_at
		 FROM payment_methods
		 WHERE active = ?
		 ORDER BY method`,
		true,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}
