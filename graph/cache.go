package graph

import (
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/patrickmn/go-cache"
)

// GraphCache keeps parsed graphs keyed by flow id and payload hash, so an
// edited definition or an instance snapshot never reuses a stale parse.
type GraphCache struct {
	cache *cache.Cache
}

func NewGraphCache(ttl time.Duration) *GraphCache {
	return &GraphCache{cache: cache.New(ttl, 2*ttl)}
}

// Get returns the parsed graph for payload, parsing it on a miss.
func (c *GraphCache) Get(flowID, payload string) (*Graph, error) {
	key := flowID + ":" + strconv.FormatUint(xxhash.Sum64String(payload), 16)
	if g, ok := c.cache.Get(key); ok {
		return g.(*Graph), nil
	}
	g, err := Parse(flowID, payload)
	if err != nil {
		return nil, err
	}
	c.cache.SetDefault(key, g)
	return g, nil
}

func (c *GraphCache) Len() int {
	return c.cache.ItemCount()
}

func (c *GraphCache) Flush() {
	c.cache.Flush()
}
