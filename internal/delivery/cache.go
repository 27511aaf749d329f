package delivery

import "sync"

// maxDeleted bounds the deleted-message list; the oldest entries go first.
const maxDeleted = 4096

// Cache is the dispatcher's per-process state: uploaded file handles, so
// each image is uploaded once, and the messages deleted after one of their
// buttons was pressed.
type Cache struct {
	mu      sync.Mutex
	files   map[string]FileHandle
	deleted map[MessageRef]struct{}
	order   []MessageRef
}

func NewCache() *Cache {
	return &Cache{files: map[string]FileHandle{}, deleted: map[MessageRef]struct{}{}}
}

func (c *Cache) Get(path string) FileHandle {
	if c == nil {
		return ""
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.files[path]
}

func (c *Cache) Put(path string, h FileHandle) {
	if c == nil || path == "" || h == "" {
		return
	}
	c.mu.Lock()
	c.files[path] = h
	c.mu.Unlock()
}

// Forget drops the handles of paths so the next send uploads them again.
func (c *Cache) Forget(paths ...string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	for _, p := range paths {
		delete(c.files, p)
	}
	c.mu.Unlock()
}

// Len returns the number of cached file handles.
func (c *Cache) Len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.files)
}

func (c *Cache) markDeleted(ref MessageRef) {
	if c == nil || ref.ID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.deleted[ref]; ok {
		return
	}
	if len(c.order) >= maxDeleted {
		delete(c.deleted, c.order[0])
		c.order = c.order[1:]
	}
	c.deleted[ref] = struct{}{}
	c.order = append(c.order, ref)
}

// Deleted reports whether ref was deleted through Dispatcher.Retire.
func (c *Cache) Deleted(ref MessageRef) bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.deleted[ref]
	return ok
}
