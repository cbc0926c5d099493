package controllers

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/MemberFox/app/models"
	"github.com/ManuelReschke/MemberFox/app/repository"
	"github.com/ManuelReschke/MemberFox/internal/pkg/apperror"
	"github.com/ManuelReschke/MemberFox/internal/pkg/security"
)

// CardController answers "is this membership card valid" for scanned tokens.
type CardController struct {
	cards  repository.CardStore
	signer *security.CardSigner
}

func NewCardController(cards repository.CardStore, signer *security.CardSigner) *CardController {
	return &CardController{cards: cards, signer: signer}
}

// HandleVerifyCard checks the token signature and that it still matches the
// stored card. A reissued token invalidates older ones.
func (cc *CardController) HandleVerifyCard(c *fiber.Ctx) error {
	if cc.signer == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "card_verification_disabled"})
	}
	token := strings.TrimSpace(c.Query("token"))
	if token == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "missing_token"})
	}

	claims, err := cc.signer.Verify(token)
	if errors.Is(err, security.ErrInvalidToken) {
		return c.JSON(fiber.Map{"valid": false, "reason": "invalid_token"})
	}
	expired := errors.Is(err, security.ErrCardExpired)

	ctx, cancel := newRequestContext()
	defer cancel()

	card, err := cc.cards.GetCardByNumber(ctx, claims.MembershipNumber)
	if apperror.IsKind(err, apperror.KindNotFound) {
		return c.JSON(fiber.Map{"valid": false, "reason": "unknown_card"})
	}
	if err != nil {
		return writeError(c, err)
	}

	out := fiber.Map{
		"membership_number": card.MembershipNumber,
		"status":            card.Status,
		"valid_until":       card.ValidUntil,
	}
	switch {
	case card.UserID != claims.UserID || card.VerificationToken != token:
		out["valid"] = false
		out["reason"] = "superseded"
	case expired:
		out["valid"] = false
		out["reason"] = "expired"
	case card.Status != models.CardStatusActive:
		out["valid"] = false
		out["reason"] = card.Status
	default:
		out["valid"] = true
	}
	return c.JSON(out)
}
