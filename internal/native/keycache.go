package native

import (
	"crypto/sha256"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/crypto/ssh"

	"github.com/hectorm/keybridge/internal/utils/disk"
)

type cachedKey struct {
	digest [sha256.Size]byte
	signer ssh.Signer
}

// keyCache keeps parsed private key files, keyed by path and passphrase, and
// drops an entry as soon as the file or its directory reports a change.
type keyCache struct {
	watcher     *fsnotify.Watcher
	entries     map[string]*cachedKey
	generations map[string]uint64
	epoch       uint64
	dirs        map[string]struct{}
	mu          sync.Mutex
	done        chan struct{}
	wg          sync.WaitGroup
}

func newKeyCache(watch bool) (*keyCache, error) {
	cache := &keyCache{
		entries:     make(map[string]*cachedKey),
		generations: make(map[string]uint64),
		dirs:        make(map[string]struct{}),
		done:        make(chan struct{}),
	}

	if !watch {
		return cache, nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	cache.watcher = watcher

	cache.wg.Add(1)
	go func() {
		defer cache.wg.Done()
		cache.run()
	}()

	return cache, nil
}

func (c *keyCache) Load(path, passphrase string) (ssh.Signer, error) {
	path = filepath.Clean(path)
	digest := sha256.Sum256([]byte(passphrase))

	if c.watcher == nil {
		return c.read(path, passphrase)
	}

	c.mu.Lock()
	if entry, ok := c.entries[path]; ok && entry.digest == digest {
		c.mu.Unlock()
		slog.Debug("key cache hit", "file", path)
		return entry.signer, nil
	}
	c.watchDirLocked(filepath.Dir(path))
	stamp := c.stampLocked(path)
	c.mu.Unlock()

	signer, err := c.read(path, passphrase)
	if err != nil {
		return nil, err
	}

	c.store(path, stamp, &cachedKey{digest: digest, signer: signer})

	return signer, nil
}

// cacheStamp identifies the state of a path when a read started. A read is
// only cached if no event for the path, and no watcher error, arrived since.
type cacheStamp struct {
	generation uint64
	epoch      uint64
}

func (c *keyCache) stampLocked(path string) cacheStamp {
	return cacheStamp{generation: c.generations[path], epoch: c.epoch}
}

func (c *keyCache) store(path string, stamp cacheStamp, entry *cachedKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stampLocked(path) != stamp {
		return false
	}
	c.entries[path] = entry
	return true
}

func (c *keyCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *keyCache) Close() error {
	if c.watcher == nil {
		return nil
	}

	close(c.done)
	err := c.watcher.Close()
	c.wg.Wait()

	return err
}

func (c *keyCache) read(path, passphrase string) (ssh.Signer, error) {
	pemBytes, err := disk.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parseSigner(pemBytes, passphrase)
}

func (c *keyCache) watchDirLocked(dir string) {
	if _, ok := c.dirs[dir]; ok {
		return
	}
	if err := c.watcher.Add(dir); err != nil {
		slog.Warn("failed to watch key directory", "dir", dir, "error", err)
		return
	}
	c.dirs[dir] = struct{}{}
}

func (c *keyCache) invalidate(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.generations[path]++
	if _, ok := c.entries[path]; ok {
		delete(c.entries, path)
		slog.Debug("invalidated cached key", "file", path)
	}
}

// invalidateAll is used when the watcher may have dropped events.
func (c *keyCache) invalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.epoch++
	clear(c.entries)
}

func (c *keyCache) run() {
	for {
		select {
		case event, ok := <-c.watcher.Events:
			if !ok {
				return
			}

			if event.Has(fsnotify.Chmod) && !event.Has(fsnotify.Write) {
				continue
			}

			c.invalidate(filepath.Clean(event.Name))
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("key watcher error", "error", err)
			c.invalidateAll()
		case <-c.done:
			return
		}
	}
}
