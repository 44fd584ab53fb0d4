package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/ecomm-report-extractor/internal/domain"
)

var deleteIfMatch = redis.NewScript(`
	if redis.call("hget", KEYS[1], "access_token") == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// RedisTokenCache shares tokens between extractor processes. Each token is
// a hash that expires together with the token.
type RedisTokenCache struct {
	client *redis.Client
	prefix string
}

func NewRedisTokenCache(client *redis.Client) *RedisTokenCache {
	return &RedisTokenCache{client: client, prefix: "oauth-token:"}
}

func (c *RedisTokenCache) key(retailer string) string {
	return c.prefix + strings.ToLower(retailer)
}

func (c *RedisTokenCache) Get(ctx context.Context, retailer string) (domain.Token, bool, error) {
	vals, err := c.client.HGetAll(ctx, c.key(retailer)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Token{}, false, nil
		}
		return domain.Token{}, false, fmt.Errorf("read token for %s: %w", retailer, err)
	}
	if vals["access_token"] == "" {
		return domain.Token{}, false, nil
	}
	expiry, err := time.Parse(time.RFC3339Nano, vals["expiry"])
	if err != nil {
		return domain.Token{}, false, fmt.Errorf("read token for %s: bad expiry: %w", retailer, err)
	}
	return domain.Token{
		AccessToken: vals["access_token"],
		TokenType:   vals["token_type"],
		Expiry:      expiry,
		Retailer:    strings.ToLower(retailer),
		Scope:       vals["scope"],
	}, true, nil
}

func (c *RedisTokenCache) Set(ctx context.Context, tok domain.Token) error {
	key := c.key(tok.Retailer)
	_, err := c.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, key)
		p.HSet(ctx, key,
			"access_token", tok.AccessToken,
			"token_type", tok.TokenType,
			"expiry", tok.Expiry.UTC().Format(time.RFC3339Nano),
			"scope", tok.Scope,
		)
		p.PExpireAt(ctx, key, tok.Expiry)
		return nil
	})
	if err != nil {
		return fmt.Errorf("write token for %s: %w", tok.Retailer, err)
	}
	return nil
}

func (c *RedisTokenCache) Delete(ctx context.Context, retailer, accessToken string) error {
	return deleteIfMatch.Run(ctx, c.client, []string{c.key(retailer)}, accessToken).Err()
}
