package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/peakform/trainhub/pkg"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// Tokens are minted by the platform's identity provider; it binds them
// here through IssueToken, and CustomerChecker resolves an already-issued
// access token to the authenticated customer id.

const (
	DefaultTTL        = 24 * 7 * time.Hour
	tokenLength       = 35
	customerKeyPrefix = "trainhub-customer-token||"
)

var ErrTokenUnknown = errors.New("token unknown or expired")

type CustomerChecker struct {
	ttl         time.Duration
	redisClient *redis.Client
	// ability to inject random string generator func for tokens (for unit and dev testing)
	RandStringFunc func(s int) (string, error)
}

func NewCustomerChecker(ttl time.Duration, redisClient *redis.Client) *CustomerChecker {
	return &CustomerChecker{
		ttl:            ttl,
		redisClient:    redisClient,
		RandStringFunc: pkg.GenerateRandomString,
	}
}

// CustomerID resolves an access token to the customer it was issued for.
func (c *CustomerChecker) CustomerID(ctx context.Context, token string) (uuid.UUID, error) {
	cmd := c.redisClient.Get(ctx, customerKeyPrefix+token)
	if err := cmd.Err(); err != nil {
		if errors.Is(err, redis.Nil) {
			return uuid.Nil, ErrTokenUnknown
		}
		return uuid.Nil, fmt.Errorf("get token: %w", err)
	}

	customerID, err := uuid.Parse(cmd.Val())
	if err != nil {
		return uuid.Nil, fmt.Errorf("parse customer id: %w", err)
	}

	return customerID, nil
}

// IssueToken generates a fresh access token for the customer and binds
// it in redis. Called by the identity provider integration on login.
func (c *CustomerChecker) IssueToken(ctx context.Context, customerID uuid.UUID) (string, error) {
	token, err := c.RandStringFunc(tokenLength)
	if err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	if err := c.StoreToken(ctx, token, customerID); err != nil {
		return "", err
	}
	return token, nil
}

// StoreToken binds a token to a customer id, used by the identity
// provider integration and by tests.
func (c *CustomerChecker) StoreToken(ctx context.Context, token string, customerID uuid.UUID) error {
	cmd := c.redisClient.Set(ctx, customerKeyPrefix+token, customerID.String(), c.ttl)
	if err := cmd.Err(); err != nil {
		return fmt.Errorf("store token: %w", err)
	}
	return nil
}

type customerIDContextKey struct{}

func ContextWithCustomerID(ctx context.Context, customerID uuid.UUID) context.Context {
	return context.WithValue(ctx, customerIDContextKey{}, customerID)
}

// CustomerIDFromContext returns the authenticated customer id set by the
// auth middleware, or uuid.Nil when the request was not authenticated.
func CustomerIDFromContext(ctx context.Context) uuid.UUID {
	customerID, ok := ctx.Value(customerIDContextKey{}).(uuid.UUID)
	if !ok {
		return uuid.Nil
	}
	return customerID
}
