package xbzrle

import (
	"math/bits"

	"github.com/cespare/xxhash/v2"
	"github.com/juju/errors"
)

// pageLifetime is the number of dirty syncs an entry is kept before a page
// hashing to the same slot may take it over.
const pageLifetime = 2

type entry struct {
	block  string
	offset uint64
	age    uint64
	used   bool
}

// Cache is a direct-mapped cache of the page contents last sent to the
// destination. It is not safe for concurrent use.
type Cache struct {
	pageSize uint64
	mask     uint64
	entries  []entry
	data     []byte

	hits, misses uint64
}

// NewCache returns a cache of at most size bytes. The number of pages is
// rounded down to a power of two.
func NewCache(size, pageSize uint64) (*Cache, error) {
	if pageSize == 0 || size < pageSize {
		return nil, errors.NotValidf("xbzrle cache of %d bytes for %d byte pages", size, pageSize)
	}

	n := uint64(1) << (63 - bits.LeadingZeros64(size/pageSize))

	return &Cache{
		pageSize: pageSize,
		mask:     n - 1,
		entries:  make([]entry, n),
		data:     make([]byte, n*pageSize),
	}, nil
}

// Pages returns the number of page slots.
func (c *Cache) Pages() int { return len(c.entries) }

// Stats returns the lookup hits and misses so far.
func (c *Cache) Stats() (hits, misses uint64) { return c.hits, c.misses }

func (c *Cache) slot(block string, offset uint64) uint64 {
	return (xxhash.Sum64String(block) + offset/c.pageSize) & c.mask
}

func (c *Cache) page(i uint64) []byte {
	return c.data[i*c.pageSize : (i+1)*c.pageSize : (i+1)*c.pageSize]
}

// Lookup returns the cached copy of the page, or nil. The copy may be
// written to.
func (c *Cache) Lookup(block string, offset uint64) []byte {
	i := c.slot(block, offset)

	e := &c.entries[i]
	if !e.used || e.block != block || e.offset != offset {
		c.misses++

		return nil
	}

	c.hits++

	return c.page(i)
}

// Insert copies page into the cache at dirty sync age and returns the
// cached copy. It returns nil, leaving the slot alone, when the slot holds
// another page younger than the page lifetime.
func (c *Cache) Insert(block string, offset uint64, page []byte, age uint64) []byte {
	i := c.slot(block, offset)

	e := &c.entries[i]
	if e.used && (e.block != block || e.offset != offset) && e.age+pageLifetime > age {
		return nil
	}

	*e = entry{block: block, offset: offset, age: age, used: true}

	dst := c.page(i)
	copy(dst, page)

	return dst
}
