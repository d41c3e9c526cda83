// Package cache memoizes chunking by content digest.
package cache

import (
	"strconv"
	"sync"

	"github.com/JakeFAU/site-ingest/internal/chunker"
	"github.com/JakeFAU/site-ingest/internal/crawler"
)

// Keyer digests the parts that identify a cached value.
type Keyer interface {
	Key(parts ...[]byte) string
}

// ChunkCache returns chunk records for a page, reusing the chunk texts of any
// earlier page with identical content and chunk size. Safe for concurrent use.
type ChunkCache struct {
	keyer Keyer
	size  int

	mu      sync.Mutex
	entries map[string][]string
	hits    int
	misses  int
}

// New creates a ChunkCache for one chunk size.
func New(keyer Keyer, size int) *ChunkCache {
	if size <= 0 {
		size = chunker.DefaultSize
	}
	return &ChunkCache{keyer: keyer, size: size, entries: make(map[string][]string)}
}

// Records returns the chunk records of page.
func (c *ChunkCache) Records(page crawler.PageRecord) []crawler.ChunkRecord {
	texts := c.texts(page.Content)
	out := make([]crawler.ChunkRecord, 0, len(texts))
	for i, text := range texts {
		out = append(out, crawler.ChunkRecord{
			SourceURL: page.URL,
			Title:     page.Title,
			Index:     i + 1,
			Text:      text,
		})
	}
	return out
}

func (c *ChunkCache) texts(content string) []string {
	key := c.keyer.Key([]byte(strconv.Itoa(c.size)), []byte(content))
	c.mu.Lock()
	if cached, ok := c.entries[key]; ok {
		c.hits++
		c.mu.Unlock()
		return cached
	}
	c.misses++
	c.mu.Unlock()

	texts := chunker.Texts(content, c.size)
	c.mu.Lock()
	c.entries[key] = texts
	c.mu.Unlock()
	return texts
}

// Stats reports cache hits and misses.
func (c *ChunkCache) Stats() (hits, misses int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}
