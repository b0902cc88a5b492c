package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/LuyxT/PitchOS-apple--sub002/pkg/models"
	"github.com/LuyxT/PitchOS-apple--sub002/pkg/utils"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const DefaultRealtimeTokenTTL = 5 * time.Minute

var ErrTokenConsumed = errors.New("realtime token already used or unknown")

// TokenRegistry records issued realtime token ids so each one opens at most
// one stream.
type TokenRegistry interface {
	Remember(ctx context.Context, tokenID, userID string, ttl time.Duration) error
	Consume(ctx context.Context, tokenID string) (string, error)
}

type RedisTokenRegistry struct {
	client *redis.Client
	prefix string
}

func NewRedisTokenRegistry(client *redis.Client) *RedisTokenRegistry {
	return &RedisTokenRegistry{client: client, prefix: "realtime-token:"}
}

func (r *RedisTokenRegistry) Remember(ctx context.Context, tokenID, userID string, ttl time.Duration) error {
	return r.client.Set(ctx, r.prefix+tokenID, userID, ttl).Err()
}

func (r *RedisTokenRegistry) Consume(ctx context.Context, tokenID string) (string, error) {
	userID, err := r.client.GetDel(ctx, r.prefix+tokenID).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrTokenConsumed
	}
	if err != nil {
		return "", err
	}
	return userID, nil
}

type MemoryTokenRegistry struct {
	mu     sync.Mutex
	tokens map[string]memoryToken
	now    func() time.Time
}

type memoryToken struct {
	userID    string
	expiresAt time.Time
}

func NewMemoryTokenRegistry() *MemoryTokenRegistry {
	return &MemoryTokenRegistry{tokens: make(map[string]memoryToken), now: time.Now}
}

func (r *MemoryTokenRegistry) Remember(_ context.Context, tokenID, userID string, ttl time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	for id, token := range r.tokens {
		if !now.Before(token.expiresAt) {
			delete(r.tokens, id)
		}
	}
	r.tokens[tokenID] = memoryToken{userID: userID, expiresAt: now.Add(ttl)}
	return nil
}

func (r *MemoryTokenRegistry) Consume(_ context.Context, tokenID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	token, ok := r.tokens[tokenID]
	if !ok {
		return "", ErrTokenConsumed
	}
	delete(r.tokens, tokenID)
	if !r.now().Before(token.expiresAt) {
		return "", ErrTokenConsumed
	}
	return token.userID, nil
}

// RealtimeTokenService issues and redeems the short-lived tokens that open
// a realtime stream. A token grants nothing else.
type RealtimeTokenService struct {
	secret   string
	ttl      time.Duration
	registry TokenRegistry
	logger   *zap.Logger
}

func NewRealtimeTokenService(secret string, ttl time.Duration, registry TokenRegistry, logger *zap.Logger) *RealtimeTokenService {
	if ttl <= 0 {
		ttl = DefaultRealtimeTokenTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RealtimeTokenService{secret: secret, ttl: ttl, registry: registry, logger: logger}
}

func (s *RealtimeTokenService) Issue(ctx context.Context, userID string) (*models.RealtimeToken, error) {
	if userID == "" {
		return nil, ErrUnauthorized
	}
	token, tokenID, expiresAt, err := utils.GenerateRealtimeToken(userID, s.secret, s.ttl)
	if err != nil {
		return nil, fmt.Errorf("sign realtime token: %w", err)
	}
	if err := s.registry.Remember(ctx, tokenID, userID, s.ttl); err != nil {
		return nil, fmt.Errorf("record realtime token: %w", err)
	}
	return &models.RealtimeToken{Token: token, ExpiresAt: expiresAt.UTC()}, nil
}

// Consume validates the token and marks it used. It returns the user the
// token was issued to.
func (s *RealtimeTokenService) Consume(ctx context.Context, token string) (string, error) {
	claims, err := utils.ValidateRealtimeToken(token, s.secret)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	userID, err := s.registry.Consume(ctx, claims.ID)
	if err != nil {
		if errors.Is(err, ErrTokenConsumed) {
			s.logger.Warn("realtime token replayed", zap.String("user_id", claims.UserID))
			return "", fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		return "", err
	}
	if userID != claims.UserID {
		return "", fmt.Errorf("%w: token subject mismatch", ErrUnauthorized)
	}
	return userID, nil
}
