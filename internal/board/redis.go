package board

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	constants "pikselo/internal/constants"
	models "pikselo/internal/models"
	util "pikselo/internal/util"
)

type RedisStore struct {
	rdb       *redis.Client
	timeout   time.Duration
	scanBatch int64
}

func NewRedisStore(rdb *redis.Client, timeout time.Duration, scanBatch int) *RedisStore {
	if scanBatch <= 0 {
		scanBatch = 500
	}
	return &RedisStore{rdb: rdb, timeout: timeout, scanBatch: int64(scanBatch)}
}

// Key builds the cell key, e.g. "pixel:3:7".
func Key(x, y int) string {
	return fmt.Sprintf("%s%d:%d", constants.PixelKeyPrefix, x, y)
}

func (s *RedisStore) Get(ctx context.Context, x, y int) (*models.Pixel, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	raw, err := s.rdb.Get(ctx, Key(x, y)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get %s: %v", ErrUnavailable, Key(x, y), err)
	}

	pixel, err := decodePixel([]byte(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrUnavailable, Key(x, y), err)
	}
	return pixel, nil
}

func (s *RedisStore) Set(ctx context.Context, pixel models.Pixel) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	b, err := json.Marshal(pixel)
	if err != nil {
		return fmt.Errorf("%w: encode pixel (%d,%d): %v", ErrUnavailable, pixel.X, pixel.Y, err)
	}
	if err := s.rdb.Set(ctx, Key(pixel.X, pixel.Y), b, 0).Err(); err != nil {
		return fmt.Errorf("%w: set %s: %v", ErrUnavailable, Key(pixel.X, pixel.Y), err)
	}
	return nil
}

// ForEach pages with SCAN + MGET so only one batch of cells is held in memory
// at a time, whatever the board size.
func (s *RedisStore) ForEach(ctx context.Context, fn func(models.Pixel) error) error {
	var cursor uint64
	for {
		batchCtx, cancel := context.WithTimeout(ctx, s.timeout)
		keys, next, err := s.rdb.Scan(batchCtx, cursor, constants.PixelKeyPrefix+"*", s.scanBatch).Result()
		if err != nil {
			cancel()
			return fmt.Errorf("%w: scan: %v", ErrUnavailable, err)
		}

		if len(keys) > 0 {
			values, err := s.rdb.MGet(batchCtx, keys...).Result()
			if err != nil {
				cancel()
				return fmt.Errorf("%w: mget batch of %d: %v", ErrUnavailable, len(keys), err)
			}
			for i, v := range values {
				raw, ok := v.(string)
				if !ok {
					// Key expired or was rewritten between SCAN and MGET.
					continue
				}
				pixel, err := decodePixel([]byte(raw))
				if err != nil {
					util.LogWarn("Skipping undecodable cell %s: %v", keys[i], err)
					continue
				}
				if err := fn(*pixel); err != nil {
					cancel()
					return err
				}
			}
		}
		cancel()

		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

func decodePixel(raw []byte) (*models.Pixel, error) {
	var pixel models.Pixel
	if err := json.Unmarshal(raw, &pixel); err != nil {
		return nil, err
	}
	return &pixel, nil
}
