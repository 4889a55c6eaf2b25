package delivery

import (
	"errors"
	"strconv"

	"supportchat-ws/internal/domain"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"
)

type sendMessageRequest struct {
	Message     string `json:"message"`
	RecipientID string `json:"recipientId"`
}

func identity(c *fiber.Ctx) domain.Identity {
	ident, _ := c.Locals(identityKey).(domain.Identity)
	return ident
}

// fail writes the JSON error body for err.
func fail(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrUnauthenticated):
		status = fiber.StatusUnauthorized
	case errors.Is(err, domain.ErrForbidden):
		status = fiber.StatusForbidden
	case errors.Is(err, domain.ErrUnknownMessage), errors.Is(err, domain.ErrNotFound):
		status = fiber.StatusNotFound
	case errors.Is(err, domain.ErrEmptyMessage), errors.Is(err, domain.ErrInvalidPayload):
		status = fiber.StatusBadRequest
	}

	message := err.Error()
	if status == fiber.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.Path()).Msg("request failed")
		message = "internal error"
	}
	return c.Status(status).JSON(fiber.Map{
		"success": false,
		"message": message,
		"error":   domain.ErrorCode(err),
	})
}

func (s *Server) handleListConversations(c *fiber.Ctx) error {
	ident := identity(c)
	if userID := c.Query("userId"); userID != "" && ident.Role != domain.RoleAdmin && userID != ident.UserID {
		return fail(c, domain.ErrForbidden)
	}

	convs, err := s.coord.Conversations(c.UserContext(), ident)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(fiber.Map{
		"success": true,
		"data":    convs,
	})
}

func (s *Server) handleGetConversation(c *fiber.Ctx) error {
	roomID := c.Params("id")
	msgs, err := s.coord.History(c.UserContext(), identity(c), roomID)
	if err != nil {
		return fail(c, err)
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	return c.JSON(fiber.Map{
		"success":    true,
		"chatRoomId": roomID,
		"messages":   msgs,
	})
}

func (s *Server) handleGetTyping(c *fiber.Ctx) error {
	roomID := c.Params("id")
	if _, err := s.coord.History(c.UserContext(), identity(c), roomID); err != nil {
		return fail(c, err)
	}
	if s.cluster != nil {
		states, err := s.cluster.ReadTyping(c.UserContext(), roomID)
		if err == nil {
			return c.JSON(fiber.Map{"success": true, "source": "cluster", "data": states})
		}
		log.Warn().Err(err).Str("room_id", roomID).Msg("cluster typing unavailable, serving local typing")
	}
	return c.JSON(fiber.Map{"success": true, "source": "local", "data": s.coord.TypingIn(roomID)})
}

// handleSendMessage persists and delivers a message. Without a conversation id
// the message goes to recipientId, or opens a new conversation.
func (s *Server) handleSendMessage(c *fiber.Ctx) error {
	var req sendMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return fail(c, domain.ErrInvalidPayload)
	}

	msg, err := s.coord.Send(c.UserContext(), identity(c), c.Params("id"), req.RecipientID, req.Message)
	if err != nil {
		return fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success": true,
		"message": "Message sent successfully",
		"data":    msg,
	})
}

func (s *Server) handleMarkRead(c *fiber.Ctx) error {
	id, err := strconv.ParseUint(c.Params("id"), 10, 64)
	if err != nil {
		return fail(c, domain.ErrInvalidPayload)
	}
	msg, err := s.coord.Acknowledge(c.UserContext(), identity(c), id)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(fiber.Map{
		"success": true,
		"data":    msg,
	})
}

// handleGetPresence serves the cluster roster, falling back to this instance's
// roster when Redis is unavailable.
func (s *Server) handleGetPresence(c *fiber.Ctx) error {
	if s.cluster != nil {
		roster, err := s.cluster.ReadRoster(c.UserContext())
		if err == nil {
			return c.JSON(fiber.Map{"success": true, "source": "cluster", "data": roster})
		}
		log.Warn().Err(err).Msg("cluster roster unavailable, serving local roster")
	}
	return c.JSON(fiber.Map{"success": true, "source": "local", "data": s.coord.Roster()})
}

// handleGetAdminStatus serves every instance's admin statuses, falling back to
// the statuses this instance tracks.
func (s *Server) handleGetAdminStatus(c *fiber.Ctx) error {
	if s.cluster != nil {
		statuses, err := s.cluster.ReadAdminStatuses(c.UserContext())
		if err == nil {
			return c.JSON(fiber.Map{"success": true, "source": "cluster", "data": statuses})
		}
		log.Warn().Err(err).Msg("cluster admin statuses unavailable, serving local statuses")
	}
	return c.JSON(fiber.Map{"success": true, "source": "local", "data": s.coord.AdminStatuses()})
}
