package service

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound               = errors.New("chapter not found")
	ErrInvalidState           = errors.New("invalid state")
	ErrChapterIsFree          = fmt.Errorf("%w: chapter is free", ErrInvalidState)
	ErrNoPriceSet             = fmt.Errorf("%w: no price set", ErrInvalidState)
	ErrAlreadyOwned           = errors.New("you already own this chapter")
	ErrPaymentProvider        = errors.New("payment failed, please try again")
	ErrUnauthorized           = errors.New("invalid webhook signature")
	ErrWebhookNotConfigured   = errors.New("webhook secret not configured")
	ErrReconciliationAnomaly  = errors.New("reconciliation anomaly")
	ErrAuthenticationRequired = errors.New("authentication required")
)
