package handler

import (
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"paywall/internal/service"
)

type ErrorResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

type PurchaseHandler struct {
	logger    *log.Logger
	purchases *service.PurchaseService
}

func NewPurchaseHandler(logger *log.Logger, purchases *service.PurchaseService) *PurchaseHandler {
	return &PurchaseHandler{
		logger:    logger,
		purchases: purchases,
	}
}

type PurchaseResponsePayload struct {
	ClientSecret string `json:"clientSecret"`
	Amount       int64  `json:"amount"`
	Currency     string `json:"currency"`
}

func (h *PurchaseHandler) Initiate(c *gin.Context) {
	chapterID := c.Param("chapterId")
	userID := UserID(c)

	intent, err := h.purchases.InitiatePurchase(c.Request.Context(), userID, chapterID)
	if err != nil {
		h.writeError(c, err, userID, chapterID)
		return
	}

	c.JSON(http.StatusOK, PurchaseResponsePayload{
		ClientSecret: intent.ClientSecret,
		Amount:       intent.Amount,
		Currency:     intent.Currency,
	})
}

func (h *PurchaseHandler) writeError(c *gin.Context, err error, userID, chapterID string) {
	var statusCode int
	var message string

	switch {
	case errors.Is(err, service.ErrAuthenticationRequired):
		statusCode = http.StatusUnauthorized
		message = err.Error()
	case errors.Is(err, service.ErrNotFound):
		statusCode = http.StatusNotFound
		message = err.Error()
	case errors.Is(err, service.ErrAlreadyOwned):
		statusCode = http.StatusConflict
		message = service.ErrAlreadyOwned.Error()
	case errors.Is(err, service.ErrChapterIsFree):
		statusCode = http.StatusBadRequest
		message = "chapter is free"
	case errors.Is(err, service.ErrNoPriceSet):
		statusCode = http.StatusBadRequest
		message = "no price set"
	case errors.Is(err, service.ErrInvalidState):
		statusCode = http.StatusBadRequest
		message = err.Error()
	case errors.Is(err, service.ErrPaymentProvider):
		statusCode = http.StatusBadGateway
		message = service.ErrPaymentProvider.Error()
	default:
		h.logger.Printf("Error initiating purchase for user %s chapter %s: %v", userID, chapterID, err)
		statusCode = http.StatusInternalServerError
		message = "an unexpected error occurred"
	}

	c.JSON(statusCode, ErrorResponse{Status: "failed", Message: message})
}
