package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sokoline/sokopay/internal/config"
	methoddomain "github.com/sokoline/sokopay/internal/method/domain"
	"github.com/sokoline/sokopay/internal/observability"
	obsmiddleware "github.com/sokoline/sokopay/internal/observability/logger"
	"github.com/sokoline/sokopay/internal/payment/collection"
	paymentservice "github.com/sokoline/sokopay/internal/payment/service"
	"github.com/sokoline/sokopay/internal/payment/webhook"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, log *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Log:             log,
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

type Server struct {
	engine        *gin.Engine
	paymentSvc    *paymentservice.Service
	webhookSvc    *webhook.Service
	collectionSvc *collection.Service
	methodSvc     methoddomain.Service
}

type ServerParams struct {
	fx.In

	Gin           *gin.Engine
	PaymentSvc    *paymentservice.Service
	WebhookSvc    *webhook.Service
	CollectionSvc *collection.Service
	MethodSvc     methoddomain.Service
}

func NewServer(p ServerParams) *Server {
	s := &Server{
		engine:        p.Gin,
		paymentSvc:    p.PaymentSvc,
		webhookSvc:    p.WebhookSvc,
		collectionSvc: p.CollectionSvc,
		methodSvc:     p.MethodSvc,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	v1 := s.engine.Group("/v1")

	v1.GET("/payment-methods", s.listPaymentMethods)

	payments := v1.Group("/payments")
	payments.POST("", s.createPayment)
	payments.GET("/:id", s.getPayment)
	payments.GET("/:id/transactions", s.listTransactions)
	payments.POST("/:id/cancel", s.cancelPayment)
	payments.POST("/:id/refund", s.refundPayment)

	payments.POST("/:id/collection/agent", s.assignAgent)
	payments.POST("/:id/collection/attempts", s.recordDeliveryAttempt)
	payments.POST("/:id/collection/complete", s.completeCollection)
	payments.POST("/:id/collection/fail", s.failCollection)

	v1.POST("/webhooks/:provider", s.handleWebhook)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}
