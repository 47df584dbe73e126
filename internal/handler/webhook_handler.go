package handler

import (
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"paywall/internal/payment"
	"paywall/internal/service"
)

const maxWebhookBodyBytes = 65536

type WebhookHandler struct {
	logger   *log.Logger
	webhooks *service.WebhookService
}

func NewWebhookHandler(logger *log.Logger, webhooks *service.WebhookService) *WebhookHandler {
	return &WebhookHandler{
		logger:   logger,
		webhooks: webhooks,
	}
}

type WebhookResponsePayload struct {
	Received bool `json:"received"`
}

func (h *WebhookHandler) Receive(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBodyBytes+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Status: "failed", Message: "could not read body"})
		return
	}
	if len(payload) > maxWebhookBodyBytes {
		h.logger.Printf("Rejected payment notification from %s: body exceeds %d bytes", c.ClientIP(), maxWebhookBodyBytes)
		c.JSON(http.StatusRequestEntityTooLarge, ErrorResponse{Status: "failed", Message: "payload too large"})
		return
	}

	result, err := h.webhooks.HandleNotification(c.Request.Context(), payload, c.GetHeader(payment.StripeSignatureHeader))
	if err != nil {
		switch {
		case errors.Is(err, service.ErrUnauthorized):
			h.logger.Printf("Rejected payment notification from %s: %v", c.ClientIP(), err)
			c.JSON(http.StatusBadRequest, ErrorResponse{Status: "failed", Message: "invalid signature"})
		case errors.Is(err, service.ErrWebhookNotConfigured):
			h.logger.Printf("Error: payment notification received but webhook secret is not configured")
			c.JSON(http.StatusInternalServerError, ErrorResponse{Status: "failed", Message: "webhook misconfigured"})
		default:
			h.logger.Printf("Error processing payment notification: %v", err)
			c.JSON(http.StatusInternalServerError, ErrorResponse{Status: "failed", Message: "processing failed"})
		}
		return
	}

	h.logger.Printf("Payment notification %s (%s) handled: %s", result.EventID, result.EventType, result.Outcome)
	c.JSON(http.StatusOK, WebhookResponsePayload{Received: true})
}
