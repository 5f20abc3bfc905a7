package cache

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

// Cache はTTL付きLRUとsingleflightを組み合わせた結果キャッシュ。
// 同一キーへの並行アクセスでは計算が1回に集約される。
type Cache struct {
	lru   *expirable.LRU[string, any]
	group singleflight.Group

	mu   sync.Mutex
	keys map[string]Key // 無効化用のキー登録簿
}

// New はCacheを生成する。sizeは保持する最大エントリ数、ttlは各エントリの有効期間。
func New(size int, ttl time.Duration) *Cache {
	return &Cache{
		lru:  expirable.NewLRU[string, any](size, nil, ttl),
		keys: make(map[string]Key),
	}
}

// GetOrCompute はキャッシュ済みの値を返すか、computeを実行して結果を格納する。
// 戻り値のhitはキャッシュから返した場合にtrue。
// 同一キーの並行呼び出しはcompute 1回に集約され、全員が同じ結果を受け取る。
// computeには呼び出し元から切り離したコンテキストを渡す。1つの呼び出し元の
// 切断が他の待機者の計算を中断しないようにするため。
func (c *Cache) GetOrCompute(ctx context.Context, key Key, compute func(context.Context) (any, error)) (any, bool, error) {
	ks := key.String()

	if v, ok := c.lru.Get(ks); ok {
		return v, true, nil
	}

	ch := c.group.DoChan(ks, func() (any, error) {
		v, err := compute(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.keys[ks] = key
		c.mu.Unlock()
		c.lru.Add(ks, v)
		return v, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, false, res.Err
		}
		return res.Val, false, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// Invalidate は対象期間にdateを含む全キャッシュエントリを削除し、削除件数を返す。
// TTL切れでLRUから消えたキーの登録簿エントリもここで掃除する。
func (c *Cache) Invalidate(date time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for ks, key := range c.keys {
		if !c.lru.Contains(ks) {
			delete(c.keys, ks)
			continue
		}
		if key.Contains(date) {
			c.lru.Remove(ks)
			delete(c.keys, ks)
			removed++
		}
	}
	return removed
}

// Purge は全キャッシュエントリを削除する。
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lru.Purge()
	c.keys = make(map[string]Key)
}

// Len は現在のキャッシュエントリ数を返す。
func (c *Cache) Len() int {
	return c.lru.Len()
}
