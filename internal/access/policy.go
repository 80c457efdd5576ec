// Package access holds the authorization predicates gating every
// durable-store operation. All predicates are expressed in terms of
// the resolved identity and deny by default.
package access

import (
	"errors"
	"fmt"

	"kraken-chat/go-backend/pkg/models"
)

// ErrDenied is the hard authorization boundary. Operations failing a
// predicate are rejected before they are applied, never partially.
var ErrDenied = errors.New("access denied")

func deny(op string) error {
	return fmt.Errorf("%s: %w", op, ErrDenied)
}

// CanReadProfiles: anyone authenticated may read all profiles.
func CanReadProfiles(caller string) error {
	if models.NormalizeIdentity(caller) == "" {
		return deny("profile read")
	}
	return nil
}

// CanWriteProfile: a principal may only write the profile whose
// address equals their resolved identity.
func CanWriteProfile(caller, address string) error {
	caller = models.NormalizeIdentity(caller)
	if caller == "" || caller != models.NormalizeIdentity(address) {
		return deny("profile write")
	}
	return nil
}

func CanReadConversation(caller string, conv models.Conversation) error {
	if models.NormalizeIdentity(caller) == "" || !conv.HasParticipant(caller) {
		return deny("conversation read")
	}
	return nil
}

func CanWriteConversation(caller string, conv models.Conversation) error {
	if models.NormalizeIdentity(caller) == "" || !conv.HasParticipant(caller) {
		return deny("conversation write")
	}
	return nil
}

// CanReadMessage: sender or receiver only.
func CanReadMessage(caller string, msg models.Message) error {
	caller = models.NormalizeIdentity(caller)
	if caller == "" {
		return deny("message read")
	}
	if caller != models.NormalizeIdentity(msg.Sender) && caller != models.NormalizeIdentity(msg.Receiver) {
		return deny("message read")
	}
	return nil
}

// CanInsertMessage: the caller must be the declared sender.
func CanInsertMessage(caller string, msg models.Message) error {
	caller = models.NormalizeIdentity(caller)
	if caller == "" || caller != models.NormalizeIdentity(msg.Sender) {
		return deny("message insert")
	}
	return nil
}

// CanUpdateMessage: sender only.
func CanUpdateMessage(caller string, msg models.Message) error {
	caller = models.NormalizeIdentity(caller)
	if caller == "" || caller != models.NormalizeIdentity(msg.Sender) {
		return deny("message update")
	}
	return nil
}

// CanAccessAttachment: the caller must be a participant of the
// conversation owning the attachment's message.
func CanAccessAttachment(caller string, conv models.Conversation) error {
	if models.NormalizeIdentity(caller) == "" || !conv.HasParticipant(caller) {
		return deny("attachment access")
	}
	return nil
}
