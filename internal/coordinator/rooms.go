package coordinator

import (
	"context"
	"errors"
	"fmt"

	"supportchat-ws/internal/domain"
	"supportchat-ws/internal/room"

	"github.com/rs/zerolog/log"
)

// resolveRoom maps the addressing of an inbound event onto a room ident belongs
// to, binding the room on first use. It also returns the counterpart user when
// one is known.
func (c *Coordinator) resolveRoom(ctx context.Context, ident domain.Identity, chatRoomID, recipientID string) (string, string, error) {
	switch {
	case chatRoomID == room.General:
		return room.General, "", nil
	case chatRoomID == "" && recipientID != "":
		if recipientID == ident.UserID {
			return "", "", fmt.Errorf("recipient is the sender: %w", domain.ErrInvalidPayload)
		}
		return c.router.Pair(ident.UserID, recipientID), recipientID, nil
	case chatRoomID == "":
		return "", "", fmt.Errorf("missing chatRoomId: %w", domain.ErrInvalidPayload)
	}

	owner := ident.UserID
	if ident.Role == domain.RoleAdmin {
		owner = recipientID
	}
	if err := c.bindRoom(ctx, chatRoomID, owner, domain.RoleUser); err != nil {
		return "", "", err
	}
	if !c.router.Admits(chatRoomID, ident) {
		return "", "", fmt.Errorf("room %s: %w", chatRoomID, domain.ErrForbidden)
	}

	recipient := recipientID
	if a, b, ok := room.SplitPair(chatRoomID); ok {
		recipient = a
		if a == ident.UserID {
			recipient = b
		}
	}
	return chatRoomID, recipient, nil
}

// bindRoom teaches the router an unknown room: pair ids bind both halves, stored
// conversations bind their owner as a support room, and a brand new room becomes
// a provisional support room of owner. A room first touched by an admin has no
// owner until a user claims it.
func (c *Coordinator) bindRoom(ctx context.Context, roomID, owner string, ownerRole domain.Role) error {
	if ownerRole != domain.RoleUser {
		owner = ""
	}
	if c.router.Known(roomID) {
		if owner != "" && c.router.Claim(roomID, owner) {
			log.Debug().Str("room_id", roomID).Str("user_id", owner).Msg("room claimed")
		}
		return nil
	}
	if a, b, ok := room.SplitPair(roomID); ok {
		c.router.Bind(roomID, a, b)
		return nil
	}

	conv, err := c.store.GetConversation(ctx, roomID)
	switch {
	case err == nil:
		c.router.BindSupport(roomID, conv.UserID)
	case errors.Is(err, domain.ErrNotFound):
		c.router.BindProvisional(roomID, owner)
	default:
		log.Error().Err(err).Str("room_id", roomID).Msg("load conversation")
		return fmt.Errorf("load conversation %s: %w", roomID, err)
	}
	log.Debug().Str("room_id", roomID).Msg("room bound")
	return nil
}

// pruneRooms drops room bindings nobody needs. Rooms with someone typing stay.
func (c *Coordinator) pruneRooms() int {
	n := c.router.Prune(func(roomID string) bool {
		return len(c.typing.Active(roomID)) > 0
	})
	if n > 0 {
		log.Debug().Int("rooms", n).Msg("pruned room bindings")
	}
	return n
}
