package services

import "context"

// DeleteResult is the successful outcome of a delete call.
type DeleteResult int

const (
	// Deleted means the message was removed by this call.
	Deleted DeleteResult = iota
	// AlreadyAbsent means the message was already gone (user deleted it,
	// chat cleared, bot blocked).
	AlreadyAbsent
)

func (r DeleteResult) String() string {
	if r == AlreadyAbsent {
		return "already_absent"
	}
	return "deleted"
}

// Messenger is the outbound messaging capability the relay consumes.
//
// Errors returned by Delete should wrap ErrTransient or ErrPermanent so the
// lifecycle manager can decide whether to retry. Every call must honor ctx.
type Messenger interface {
	// Forward copies srcMessageID from srcChat into destChat and returns the
	// id of the new message in destChat.
	Forward(ctx context.Context, destChat, srcChat int64, srcMessageID int) (int, error)
	Delete(ctx context.Context, chatID int64, messageID int) (DeleteResult, error)
	Notify(ctx context.Context, chatID int64, text string) error
}
