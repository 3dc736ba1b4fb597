package identity

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gofiber/fiber/v2"
)

// WalletOpener provisions the wallet of a newly registered user.
type WalletOpener interface {
	OpenWallet(ctx context.Context, email string) error
}

// Handler exposes identity endpoints.
type Handler struct {
	service *Service
	wallets WalletOpener
	logger  *slog.Logger
}

// NewHandler constructs an identity HTTP handler. wallets may be nil.
func NewHandler(service *Service, wallets WalletOpener, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{service: service, wallets: wallets, logger: logger}
}

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type registerResponse struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
}

// Register handles user onboarding and opens an empty wallet.
func (h *Handler) Register(c *fiber.Ctx) error {
	var req registerRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	user, err := h.service.Register(c.UserContext(), Credentials{Email: req.Email, Password: req.Password})
	if err != nil {
		if errors.Is(err, ErrUserExists) {
			return fiber.NewError(http.StatusConflict, "email already registered")
		}
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	if h.wallets != nil {
		if err := h.wallets.OpenWallet(c.UserContext(), user.Email); err != nil {
			h.logger.Error("open wallet", slog.String("user_email", user.Email), slog.Any("error", err))
			return fiber.NewError(http.StatusServiceUnavailable, "wallet provisioning failed")
		}
	}
	h.logger.Info("identity.register completed",
		slog.String("user_id", user.ID),
		slog.String("user_email", user.Email),
	)
	return c.Status(http.StatusCreated).JSON(registerResponse{UserID: user.ID, Email: user.Email})
}
