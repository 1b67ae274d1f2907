package server

import (
	"net/http"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	paymentdomain "github.com/sokoline/sokopay/internal/payment/domain"
	paymentservice "github.com/sokoline/sokopay/internal/payment/service"
)

type createPaymentRequest struct {
	OrderID         string `json:"order_id" binding:"required"`
	PayerID         string `json:"payer_id" binding:"required"`
	Method          string `json:"method" binding:"required"`
	Amount          int64  `json:"amount"`
	Currency        string `json:"currency"`
	Phone           string `json:"phone"`
	DeliveryAddress string `json:"delivery_address"`
	DeliveryPhone   string `json:"delivery_phone"`
	Notes           string `json:"notes"`
}

func (s *Server) createPayment(c *gin.Context) {
	var req createPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, newValidationError("request", "invalid_request", "invalid request body"))
		return
	}

	orderID, err := snowflake.ParseString(req.OrderID)
	if err != nil {
		AbortWithError(c, newValidationError("order_id", "invalid_id", "order_id must be a numeric id"))
		return
	}
	payerID, err := snowflake.ParseString(req.PayerID)
	if err != nil {
		AbortWithError(c, newValidationError("payer_id", "invalid_id", "payer_id must be a numeric id"))
		return
	}

	payment, err := s.paymentSvc.CreatePayment(c.Request.Context(), paymentservice.CreatePaymentInput{
		OrderID:         orderID,
		PayerID:         payerID,
		Method:          paymentdomain.Method(req.Method),
		Amount:          req.Amount,
		Currency:        req.Currency,
		Phone:           req.Phone,
		DeliveryAddress: req.DeliveryAddress,
		DeliveryPhone:   req.DeliveryPhone,
		Notes:           req.Notes,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, payment)
}

func (s *Server) getPayment(c *gin.Context) {
	id, ok := paymentID(c)
	if !ok {
		return
	}

	payment, err := s.paymentSvc.GetPayment(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, payment)
}

func (s *Server) listTransactions(c *gin.Context) {
	id, ok := paymentID(c)
	if !ok {
		return
	}

	// Surface not-found before returning an empty list for a payment
	// that never existed.
	if _, err := s.paymentSvc.GetPayment(c.Request.Context(), id); err != nil {
		AbortWithError(c, err)
		return
	}

	transactions, err := s.paymentSvc.ListTransactions(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": transactions})
}

type cancelPaymentRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) cancelPayment(c *gin.Context) {
	id, ok := paymentID(c)
	if !ok {
		return
	}

	var req cancelPaymentRequest
	_ = c.ShouldBindJSON(&req)

	payment, err := s.paymentSvc.Cancel(c.Request.Context(), id, req.Reason)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, payment)
}

type refundPaymentRequest struct {
	Amount int64  `json:"amount" binding:"required"`
	Reason string `json:"reason"`
}

func (s *Server) refundPayment(c *gin.Context) {
	id, ok := paymentID(c)
	if !ok {
		return
	}

	var req refundPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, newValidationError("amount", "invalid_request", "amount is required"))
		return
	}

	payment, err := s.paymentSvc.RecordRefund(c.Request.Context(), id, req.Amount, req.Reason)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, payment)
}

func (s *Server) listPaymentMethods(c *gin.Context) {
	configs, err := s.methodSvc.ListActive(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"methods": configs})
}

func paymentID(c *gin.Context) (snowflake.ID, bool) {
	id, err := snowflake.ParseString(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "id must be a numeric id"))
		return 0, false
	}
	return id, true
}
