package viewgate

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/okiedoc/viewgate/store"
	"github.com/redis/go-redis/v9"
)

func newTestRedisBackend(t *testing.T) (*store.Redis, func()) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	return store.NewRedis(rdb, store.RedisOptions{Prefix: "viewgate-test"}), func() {
		_ = rdb.Close()
		mr.Close()
	}
}

func containsCode(codes []string, code string) bool {
	for _, c := range codes {
		if c == code {
			return true
		}
	}
	return false
}
