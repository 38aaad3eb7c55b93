// Package verification reads the confirmation signal left by the OTP flow.
// Codes are delivered and checked elsewhere; this package only answers
// whether an email has been confirmed for a purpose.
package verification

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

type Purpose string

const (
	PurposeRegister      Purpose = "register"
	PurposePasswordReset Purpose = "password_reset"
)

// confirmedValue is what the OTP flow stores once a code has been accepted.
const confirmedValue = "confirmed"

type Confirmer interface {
	Confirmed(ctx context.Context, email string, purpose Purpose) (bool, error)
	Consume(ctx context.Context, email string, purpose Purpose) error
}

type RedisConfirmer struct {
	client *redis.Client
}

func NewRedisConfirmer(client *redis.Client) *RedisConfirmer {
	return &RedisConfirmer{client: client}
}

// Key is the Redis key holding the confirmation for email and purpose.
func Key(email string, purpose Purpose) string {
	return fmt.Sprintf("verify:%s:%s", purpose, strings.ToLower(strings.TrimSpace(email)))
}

func (c *RedisConfirmer) Confirmed(ctx context.Context, email string, purpose Purpose) (bool, error) {
	val, err := c.client.Get(ctx, Key(email, purpose)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read confirmation: %w", err)
	}
	return val == confirmedValue, nil
}

// Consume deletes the confirmation so it cannot be replayed.
func (c *RedisConfirmer) Consume(ctx context.Context, email string, purpose Purpose) error {
	if err := c.client.Del(ctx, Key(email, purpose)).Err(); err != nil {
		return fmt.Errorf("consume confirmation: %w", err)
	}
	return nil
}
