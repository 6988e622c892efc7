package cache

import (
	"context"
	"sync"

	"github.com/distributed-ecommerce-saga/order-lifecycle/internal/domain"
)

type lruNode struct {
	key   string
	value *domain.Order
	prev  *lruNode
	next  *lruNode
}

// LRUCache is the in-process cache used when no Redis is configured.
type LRUCache struct {
	mu       sync.Mutex
	entries  map[string]*lruNode
	head     *lruNode // least recently used
	tail     *lruNode
	capacity int
}

func NewLRUCache(capacity int) *LRUCache {
	if capacity <= 0 {
		capacity = 1
	}
	return &LRUCache{
		entries:  make(map[string]*lruNode, capacity),
		capacity: capacity,
	}
}

func (c *LRUCache) Set(_ context.Context, order *domain.Order) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if nd, ok := c.entries[order.ID]; ok {
		nd.value = order.Clone()
		c.moveToTail(nd)
		return nil
	}

	if len(c.entries) >= c.capacity {
		c.evictHead()
	}

	nd := &lruNode{key: order.ID, value: order.Clone()}
	c.appendToTail(nd)
	c.entries[order.ID] = nd
	return nil
}

func (c *LRUCache) Get(_ context.Context, orderID string) (*domain.Order, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	nd, ok := c.entries[orderID]
	if !ok {
		return nil, ErrCacheMiss
	}
	c.moveToTail(nd)
	return nd.value.Clone(), nil
}

func (c *LRUCache) Delete(_ context.Context, orderID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	nd, ok := c.entries[orderID]
	if !ok {
		return nil
	}
	c.unlink(nd)
	delete(c.entries, orderID)
	return nil
}

func (c *LRUCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *LRUCache) appendToTail(nd *lruNode) {
	if c.tail == nil {
		c.head = nd
		c.tail = nd
		return
	}
	nd.prev = c.tail
	c.tail.next = nd
	c.tail = nd
}

func (c *LRUCache) moveToTail(nd *lruNode) {
	if nd == c.tail {
		return
	}
	c.unlink(nd)
	c.appendToTail(nd)
}

func (c *LRUCache) evictHead() {
	if c.head == nil {
		return
	}
	evicted := c.head
	c.unlink(evicted)
	delete(c.entries, evicted.key)
}

func (c *LRUCache) unlink(nd *lruNode) {
	if nd.prev != nil {
		nd.prev.next = nd.next
	} else {
		c.head = nd.next
	}
	if nd.next != nil {
		nd.next.prev = nd.prev
	} else {
		c.tail = nd.prev
	}
	nd.prev = nil
	nd.next = nil
}
