package workspace

import (
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Cache holds loaded workspace files keyed by absolute path
type Cache struct {
	mu    sync.RWMutex
	files map[string]*File
}

// NewCache creates a new cache
func NewCache() *Cache {
	return &Cache{
		files: make(map[string]*File),
	}
}

// Set stores a file, reporting whether its content changed
func (c *Cache) Set(file *File) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev, ok := c.files[file.Path]
	c.files[file.Path] = file
	return !ok || prev.Hash != file.Hash
}

// Get retrieves a file by absolute path
func (c *Cache) Get(path string) (*File, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	file, ok := c.files[path]
	return file, ok
}

// Delete removes a file and any file below path when path was a directory
func (c *Cache) Delete(path string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	prefix := path + string(filepath.Separator)
	for key := range c.files {
		if key == path || strings.HasPrefix(key, prefix) {
			delete(c.files, key)
			removed++
		}
	}
	return removed
}

// ByKind returns the files of one kind sorted by relative path
func (c *Cache) ByKind(kind FileKind) []*File {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var result []*File
	for _, file := range c.files {
		if file.Kind == kind {
			result = append(result, file)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].RelPath < result[j].RelPath
	})
	return result
}

// Clear removes all files
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.files = make(map[string]*File)
}

// Len returns the number of cached files
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.files)
}
