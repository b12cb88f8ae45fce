// Package services defines the business logic of the relay: the link store,
// the staging buffer, series finalization, delivery, and the ephemeral
// message lifecycle. This file centralizes common service-level error values
// so that they can be consistently returned by service methods and checked by
// callers.
//
// Translation into user-facing notifications or HTTP status codes is
// performed by the bot router and the HTTP handlers.
package services

import "errors"

var (
	// ErrLinkNotFound indicates an unknown, revoked, or mistyped token.
	// It is an expected outcome, not a failure.
	ErrLinkNotFound = errors.New("link not found")

	// ErrUnauthorized is returned when someone other than the operator
	// tries an operator-only action.
	ErrUnauthorized = errors.New("not authorized")

	// ErrNothingStaged is returned by finalize when the channel has no
	// staged poster or media, including when a concurrent finalize took it.
	ErrNothingStaged = errors.New("nothing staged for this channel")

	// ErrDuplicateToken signals a token collision in the link store. It is
	// an integrity failure and should never happen in practice.
	ErrDuplicateToken = errors.New("duplicate link token")

	// ErrEmptyLink is returned when storing a link that has no items.
	ErrEmptyLink = errors.New("link has no items")

	// ErrForwardFailed wraps the cause of a failed per-item forward.
	ErrForwardFailed = errors.New("forward failed")

	// ErrTransient marks a messenger failure worth retrying (network,
	// rate limit, upstream 5xx, timeout).
	ErrTransient = errors.New("transient messenger failure")

	// ErrPermanent marks a messenger failure that will not succeed on retry.
	ErrPermanent = errors.New("permanent messenger failure")
)
