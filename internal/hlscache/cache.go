package hlscache

import (
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// cacheManager keys records by CacheKey and degrades store failures: a failed
// read is a miss and a failed write is skipped. Only clear reports errors.
type cacheManager struct {
	store Store
	log   *zap.Logger
}

func (m *cacheManager) lookup(origin string) (Record, bool) {
	key := CacheKey(origin)
	rec, ok, err := m.store.Get(key)
	if err != nil {
		m.log.Warn("cache read failed, treating as miss",
			zap.String("origin", origin), zap.String("key", key), zap.Error(err))
		return Record{}, false
	}
	return rec, ok
}

func (m *cacheManager) save(origin string, payload []byte, contentType string) {
	key := CacheKey(origin)
	rec := Record{
		Payload:     payload,
		SourceURL:   origin,
		ContentType: contentType,
		StoredAt:    time.Now().Unix(),
	}
	if err := m.store.Set(key, rec); err != nil {
		m.log.Warn("cache write failed, skipping",
			zap.String("origin", origin), zap.String("key", key), zap.Error(err))
	}
}

func (m *cacheManager) clear() error {
	return errors.Wrap(m.store.RemoveAll(), "clear cache")
}
