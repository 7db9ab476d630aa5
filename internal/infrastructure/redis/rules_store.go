package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"bidstream/internal/domain"
	"bidstream/pkg/logger"

	"github.com/go-redis/redis/v8"
)

const RulesKey = "bid_validation_rules"

type RedisRuleStore struct {
	client   *redis.Client
	defaults *domain.BidValidationRules
	log      logger.Logger
}

// NewRedisRuleStore seeds defaults into redis the first time rules are missing.
func NewRedisRuleStore(client *redis.Client, defaults *domain.BidValidationRules, log logger.Logger) *RedisRuleStore {
	return &RedisRuleStore{
		client:   client,
		defaults: defaults,
		log:      log,
	}
}

func (r *RedisRuleStore) LoadRules(ctx context.Context) (*domain.BidValidationRules, error) {
	data, err := r.client.Get(ctx, RulesKey).Result()
	if err == redis.Nil {
		if r.defaults == nil {
			return nil, fmt.Errorf("no bid rules stored under %s", RulesKey)
		}
		r.log.Info("No bid rules stored, saving defaults", "key", RulesKey)
		if err := r.SaveRules(ctx, r.defaults); err != nil {
			return nil, err
		}
		return r.defaults, nil
	}
	if err != nil {
		return nil, err
	}

	var rules domain.BidValidationRules
	if err := json.Unmarshal([]byte(data), &rules); err != nil {
		return nil, fmt.Errorf("decode bid rules: %w", err)
	}
	return &rules, nil
}

func (r *RedisRuleStore) SaveRules(ctx context.Context, rules *domain.BidValidationRules) error {
	data, err := json.Marshal(rules)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, RulesKey, data, 0).Err()
}
