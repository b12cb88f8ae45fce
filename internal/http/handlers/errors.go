// Package handlers defines the relay's HTTP handlers: the Telegram webhook
// receiver and the operator admin API.
//
// Every error response carries one of the codes below. Clients branch on the
// code, never on the message.
//
//	{
//	  "request_id": "e1b9be03-4999-4289-9f03-999b042d65d6",
//	  "code": "not_found",
//	  "message": "link not found"
//	}
package handlers

const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeUnauthorized     = "unauthorized"
	ErrCodeNotFound         = "not_found"
	ErrCodeRateLimited      = "too_many_requests"
	ErrCodeInternal         = "internal_error"
	ErrCodeMethodNotAllowed = "method_not_allowed"
	ErrCodeUnavailable      = "unavailable"

	// Domain-specific:
	ErrCodeInvalidUpdate = "invalid_update"
	ErrCodeLookupFailed  = "lookup_failed"
	ErrCodeRevokeFailed  = "revoke_failed"
	ErrCodeStatsFailed   = "stats_failed"
)
