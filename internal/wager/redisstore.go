package wager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"pricegrid/internal/model"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

const redisMaxRetries = 16

// RedisOptions addresses the Redis instance holding the wallet.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string // key prefix, default "pricegrid:"
}

// RedisStore keeps the wallet in Redis:
//
//	<prefix>balance  string   decimal balance
//	<prefix>stakes   hash     box key -> stake JSON
//	<prefix>seq      counter  stake ids
//
// Apply is an optimistic WATCH/MULTI transaction on balance and stakes,
// retried when another writer touched them in between.
type RedisStore struct {
	client     *redis.Client
	balanceKey string
	stakesKey  string
	seqKey     string
}

// OpenRedisStore connects and seeds the balance with initial if it is unset.
func OpenRedisStore(ctx context.Context, opts RedisOptions, initial float64) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	prefix := opts.Prefix
	if prefix == "" {
		prefix = "pricegrid:"
	}
	s := &RedisStore{
		client:     client,
		balanceKey: prefix + "balance",
		stakesKey:  prefix + "stakes",
		seqKey:     prefix + "seq",
	}
	if err := client.SetNX(ctx, s.balanceKey, decimal.NewFromFloat(initial).String(), 0).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("seed balance: %w", err)
	}
	return s, nil
}

func (s *RedisStore) Apply(ctx context.Context, boxKey string, fn Mutation) (Record, error) {
	var result Record

	txf := func(tx *redis.Tx) error {
		cur, err := s.read(ctx, tx, boxKey)
		if err != nil {
			return err
		}
		next, write, err := runMutation(fn, cur)
		if err != nil {
			return err
		}
		if !write {
			result = next
			return nil
		}

		var payload []byte
		if next.Stake != nil {
			out := *next.Stake
			out.BoxKey = boxKey
			if out.ID == 0 {
				// the counter is outside the watched keys; a retry only burns an id
				id, err := tx.Incr(ctx, s.seqKey).Result()
				if err != nil {
					return fmt.Errorf("next stake id: %w", err)
				}
				out.ID = id
			}
			if payload, err = json.Marshal(out); err != nil {
				return fmt.Errorf("encode stake: %w", err)
			}
			next.Stake = &out
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, s.balanceKey, next.Balance.String(), 0)
			if payload != nil {
				pipe.HSet(ctx, s.stakesKey, boxKey, payload)
			}
			return nil
		})
		if err != nil {
			return err
		}
		result = next
		return nil
	}

	for i := 0; i < redisMaxRetries; i++ {
		err := s.client.Watch(ctx, txf, s.balanceKey, s.stakesKey)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return Record{}, err
	}
	return Record{}, fmt.Errorf("apply %s: %w", boxKey, redis.TxFailedErr)
}

func (s *RedisStore) read(ctx context.Context, tx *redis.Tx, boxKey string) (Record, error) {
	var cur Record
	raw, err := tx.Get(ctx, s.balanceKey).Result()
	if err != nil {
		return cur, fmt.Errorf("read balance: %w", err)
	}
	if cur.Balance, err = decimal.NewFromString(raw); err != nil {
		return cur, fmt.Errorf("parse balance %q: %w", raw, err)
	}

	data, err := tx.HGet(ctx, s.stakesKey, boxKey).Bytes()
	if err == redis.Nil {
		return cur, nil
	}
	if err != nil {
		return cur, fmt.Errorf("read stake %s: %w", boxKey, err)
	}
	var st model.Stake
	if err := json.Unmarshal(data, &st); err != nil {
		return cur, fmt.Errorf("decode stake %s: %w", boxKey, err)
	}
	cur.Stake = &st
	return cur, nil
}

func (s *RedisStore) Snapshot(ctx context.Context) (model.WalletState, error) {
	raw, err := s.client.Get(ctx, s.balanceKey).Result()
	if err != nil {
		return model.WalletState{}, fmt.Errorf("read balance: %w", err)
	}
	balance, err := decimal.NewFromString(raw)
	if err != nil {
		return model.WalletState{}, fmt.Errorf("parse balance %q: %w", raw, err)
	}

	all, err := s.client.HGetAll(ctx, s.stakesKey).Result()
	if err != nil {
		return model.WalletState{}, fmt.Errorf("read stakes: %w", err)
	}
	stakes := make([]model.Stake, 0, len(all))
	for key, data := range all {
		var st model.Stake
		if err := json.Unmarshal([]byte(data), &st); err != nil {
			return model.WalletState{}, fmt.Errorf("decode stake %s: %w", key, err)
		}
		stakes = append(stakes, st)
	}
	sortStakes(stakes)
	return model.WalletState{Balance: balance.InexactFloat64(), Stakes: stakes}, nil
}

func (s *RedisStore) Reset(ctx context.Context, balance decimal.Decimal) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.stakesKey)
		pipe.Set(ctx, s.balanceKey, balance.String(), 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("reset wallet: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
