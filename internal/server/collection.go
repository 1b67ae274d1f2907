package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type assignAgentRequest struct {
	Agent string `json:"agent" binding:"required"`
}

func (s *Server) assignAgent(c *gin.Context) {
	id, ok := paymentID(c)
	if !ok {
		return
	}

	var req assignAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, newValidationError("agent", "invalid_request", "agent is required"))
		return
	}

	payment, err := s.collectionSvc.AssignAgent(c.Request.Context(), id, req.Agent)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, payment)
}

type deliveryAttemptRequest struct {
	Note string `json:"note"`
}

func (s *Server) recordDeliveryAttempt(c *gin.Context) {
	id, ok := paymentID(c)
	if !ok {
		return
	}

	// The body is optional; an empty POST records a bare attempt.
	var req deliveryAttemptRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, newValidationError("note", "invalid_request", "body must be JSON"))
			return
		}
	}

	payment, err := s.collectionSvc.RecordDeliveryAttempt(c.Request.Context(), id, req.Note)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, payment)
}

type completeCollectionRequest struct {
	CashReceived int64 `json:"cash_received" binding:"required"`
	ChangeGiven  int64 `json:"change_given"`
}

func (s *Server) completeCollection(c *gin.Context) {
	id, ok := paymentID(c)
	if !ok {
		return
	}

	var req completeCollectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, newValidationError("cash_received", "invalid_request", "cash_received is required"))
		return
	}

	payment, err := s.collectionSvc.CompleteCollection(c.Request.Context(), id, req.CashReceived, req.ChangeGiven)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, payment)
}

type failCollectionRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) failCollection(c *gin.Context) {
	id, ok := paymentID(c)
	if !ok {
		return
	}

	var req failCollectionRequest
	_ = c.ShouldBindJSON(&req)

	payment, err := s.collectionSvc.Fail(c.Request.Context(), id, req.Reason)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, payment)
}
