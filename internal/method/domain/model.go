package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	paymentdomain "github.com/sokoline/sokopay/internal/payment/domain"
	"gorm.io/gorm"
)

var (
	ErrMethodNotConfigured = errors.New("method_not_configured")
	ErrInvalidFeeConfig    = errors.New("invalid_fee_config")
)

// MethodConfig holds per-provider settings. Rows are managed by external
// configuration tooling; the orchestration core only reads them.
type MethodConfig struct {
	ID         snowflake.ID         `json:"id" gorm:"primaryKey"`
	Method     paymentdomain.Method `json:"method" gorm:"type:text;not null;uniqueIndex"`
	Active     bool                 `json:"active" gorm:"not null"`
	MinAmount  int64                `json:"min_amount" gorm:"not null"`
	MaxAmount  int64                `json:"max_amount" gorm:"not null"`
	FixedFee   int64                `json:"fixed_fee" gorm:"not null"`
	PercentFee float64              `json:"percent_fee" gorm:"not null"`
	TestMode   bool                 `json:"test_mode" gorm:"not null"`
	CreatedAt  time.Time            `json:"created_at" gorm:"not null"`
	UpdatedAt  time.Time            `json:"updated_at" gorm:"not null"`
}

func (MethodConfig) TableName() string { return "payment_methods" }

// FeeBreakdown is the computed charge for one payment amount.
type FeeBreakdown struct {
	Fee int64 `json:"fee"`
	Net int64 `json:"net"`
}

// Repository reads method configuration rows.
type Repository interface {
	FindByMethod(ctx context.Context, db *gorm.DB, method paymentdomain.Method) (*MethodConfig, error)
	ListActive(ctx context.Context, db *gorm.DB) ([]MethodConfig, error)
}

// Service exposes read-only method configuration to the orchestrator.
type Service interface {
	Config(ctx context.Context, method paymentdomain.Method) (*MethodConfig, error)
	ListActive(ctx context.Context) ([]MethodConfig, error)
}
