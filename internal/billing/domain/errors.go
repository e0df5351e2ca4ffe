package domain

import "errors"

var (
	ErrInvalidSignature      = errors.New("invalid_signature")
	ErrInvalidPayload        = errors.New("invalid_payload")
	ErrInvalidEvent          = errors.New("invalid_event")
	ErrInvalidStream         = errors.New("invalid_stream")
	ErrInvalidSubject        = errors.New("invalid_subject")
	ErrInvalidPlan           = errors.New("invalid_plan")
	ErrInvalidAmount         = errors.New("invalid_amount")
	ErrInvalidCurrency       = errors.New("invalid_currency")
	ErrInvalidFrequency      = errors.New("invalid_frequency")
	ErrEventIgnored          = errors.New("event_ignored")
	ErrEventAlreadyProcessed = errors.New("event_already_processed")
	ErrRecordNotFound        = errors.New("payment_record_not_found")
	ErrActiveRecordExists    = errors.New("active_record_exists")
	ErrInvalidTransition     = errors.New("invalid_transition")
	ErrCheckoutUnavailable   = errors.New("checkout_unavailable")
)
