package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
)

const (
	idempotencyKeyHeader = "Idempotency-Key"
	replayedHeader       = "Idempotent-Replayed"
	idempotencyPrefix    = "meterpay:idem:v2:"
	inProgressMarker     = "__in_progress__"
	maxIdempotencyKeyLen = 128
	cacheOpTimeout       = 2 * time.Second
)

// replayedHeaders are the response headers restored on a replay.
var replayedHeaders = []string{fiber.HeaderContentType, fiber.HeaderLocation}

type storedResponse struct {
	Fingerprint string            `json:"fingerprint"`
	Status      int               `json:"status"`
	Body        string            `json:"body"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// Idempotency makes unsafe requests replayable by Idempotency-Key. The first
// response for a key is stored in Redis and replayed verbatim; reusing a key
// with a different method, path or body is rejected with 422. 5xx responses
// are not stored, so a request that hit an unavailable ledger can be retried
// with the same key. Keys are scoped to the authenticated user, so the
// middleware must run after JWTAuth.
func Idempotency(cache *redis.Client, ttl time.Duration, logger *slog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		switch c.Method() {
		case fiber.MethodGet, fiber.MethodHead, fiber.MethodOptions:
			return c.Next()
		}

		key := c.Get(idempotencyKeyHeader)
		if key == "" {
			return fiber.NewError(fiber.StatusBadRequest, "missing Idempotency-Key header")
		}
		if len(key) > maxIdempotencyKeyLen {
			return fiber.NewError(fiber.StatusBadRequest, "Idempotency-Key too long")
		}

		cacheKey := idempotencyPrefix + key
		if email, _ := c.Locals("user_email").(string); email != "" {
			cacheKey = idempotencyPrefix + email + ":" + key
		}
		fingerprint := requestFingerprint(c)
		log := logger.With(slog.String("idempotency_key", key))

		ctx, cancel := context.WithTimeout(context.Background(), cacheOpTimeout)
		cached, err := cache.Get(ctx, cacheKey).Result()
		cancel()
		switch {
		case err == nil:
			return replay(c, cached, fingerprint, log)
		case !errors.Is(err, redis.Nil):
			log.Error("idempotency lookup failed", slog.Any("error", err))
			return fiber.NewError(fiber.StatusInternalServerError, "idempotency store failure")
		}

		ctx, cancel = context.WithTimeout(context.Background(), cacheOpTimeout)
		reserved, err := cache.SetNX(ctx, cacheKey, inProgressMarker, ttl).Result()
		cancel()
		if err != nil {
			log.Error("idempotency reservation failed", slog.Any("error", err))
			return fiber.NewError(fiber.StatusInternalServerError, "idempotency reservation failure")
		}
		if !reserved {
			return fiber.NewError(fiber.StatusConflict, "duplicate request currently processing")
		}

		if err := c.Next(); err != nil {
			release(cache, cacheKey, log)
			return err
		}

		status := c.Response().StatusCode()
		if status >= fiber.StatusInternalServerError {
			release(cache, cacheKey, log)
			return nil
		}

		stored := storedResponse{
			Fingerprint: fingerprint,
			Status:      status,
			Body:        string(c.Response().Body()),
			Headers:     map[string]string{},
		}
		for _, h := range replayedHeaders {
			if v := c.Response().Header.Peek(h); len(v) > 0 {
				stored.Headers[h] = string(v)
			}
		}
		payload, err := json.Marshal(stored)
		if err != nil {
			release(cache, cacheKey, log)
			return fiber.NewError(fiber.StatusInternalServerError, "idempotency persistence failure")
		}

		ctx, cancel = context.WithTimeout(context.Background(), cacheOpTimeout)
		defer cancel()
		if err := cache.Set(ctx, cacheKey, payload, ttl).Err(); err != nil {
			// The handler already committed; the response goes out and a retry
			// falls back on the ledger's ClientTxID dedupe.
			log.Error("failed to persist idempotent response", slog.Any("error", err))
			release(cache, cacheKey, log)
		}
		return nil
	}
}

func replay(c *fiber.Ctx, cached, fingerprint string, log *slog.Logger) error {
	if cached == inProgressMarker {
		return fiber.NewError(fiber.StatusConflict, "duplicate request currently processing")
	}
	var stored storedResponse
	if err := json.Unmarshal([]byte(cached), &stored); err != nil {
		log.Warn("failed to decode stored idempotent response", slog.Any("error", err))
		return fiber.NewError(fiber.StatusConflict, "duplicate request")
	}
	if stored.Fingerprint != fingerprint {
		return fiber.NewError(fiber.StatusUnprocessableEntity, "Idempotency-Key reused with a different request")
	}
	for h, v := range stored.Headers {
		c.Set(h, v)
	}
	c.Set(replayedHeader, "true")
	return c.Status(stored.Status).SendString(stored.Body)
}

func release(cache *redis.Client, cacheKey string, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), cacheOpTimeout)
	defer cancel()
	if err := cache.Del(ctx, cacheKey).Err(); err != nil {
		log.Warn("idempotency key release failed", slog.Any("error", err))
	}
}

func requestFingerprint(c *fiber.Ctx) string {
	h := sha256.New()
	h.Write([]byte(c.Method()))
	h.Write([]byte{0})
	h.Write([]byte(c.Path()))
	h.Write([]byte{0})
	h.Write(c.Body())
	return hex.EncodeToString(h.Sum(nil))
}
