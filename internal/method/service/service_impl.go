package service

import (
	"context"

	"github.com/sokoline/sokopay/internal/method/domain"
	paymentdomain "github.com/sokoline/sokopay/internal/payment/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB   *gorm.DB
	Log  *zap.Logger
	Repo domain.Repository
}

type Service struct {
	db   *gorm.DB
	log  *zap.Logger
	repo domain.Repository
}

func NewService(p Params) domain.Service {
	return &Service{
		db:   p.DB,
		log:  p.Log.Named("method.service"),
		repo: p.Repo,
	}
}

func (s *Service) Config(ctx context.Context, method paymentdomain.Method) (*domain.MethodConfig, error) {
	if !method.Valid() {
		return nil, paymentdomain.ErrInvalidMethod
	}
	cfg, err := s.repo.FindByMethod(ctx, s.db, method)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, domain.ErrMethodNotConfigured
	}
	return cfg, nil
}

func (s *Service) ListActive(ctx context.Context) ([]domain.MethodConfig, error) {
	return s.repo.ListActive(ctx, s.db)
}
