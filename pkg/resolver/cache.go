package resolver

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/apex/log"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// DefaultCacheSize bounds the number of remembered offsets.
const DefaultCacheSize = 4096

// OffsetCache remembers offsets that resolved and installed successfully, keyed by
// library checksum and function name. It feeds the prior-stability term of the scorer.
type OffsetCache struct {
	cache *lru.Cache[string, uint64]
}

type cachedOffset struct {
	Checksum string `yaml:"checksum"`
	Name     string `yaml:"name"`
	Offset   uint64 `yaml:"offset"`
}

func NewOffsetCache(size int) (*OffsetCache, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	lcache, err := lru.New[string, uint64](size)
	if err != nil {
		return nil, err
	}
	return &OffsetCache{cache: lcache}, nil
}

func cacheKey(checksum, name string) string {
	return checksum + "/" + name
}

func (c *OffsetCache) Add(checksum, name string, offset uint64) {
	if c == nil {
		return
	}
	c.cache.Add(cacheKey(checksum, name), offset)
}

func (c *OffsetCache) Get(checksum, name string) (uint64, bool) {
	if c == nil {
		return 0, false
	}
	return c.cache.Get(cacheKey(checksum, name))
}

func (c *OffsetCache) Len() int {
	if c == nil {
		return 0
	}
	return c.cache.Len()
}

// Record stores every entry of a plan.
func (c *OffsetCache) Record(plan *Plan, entries ...Entry) {
	if c == nil || plan == nil || plan.Checksum == "" {
		return
	}
	for _, e := range entries {
		c.Add(plan.Checksum, e.Function.Name, e.Offset)
	}
}

// Save writes the cache as YAML, sorted for stable diffs.
func (c *OffsetCache) Save(w io.Writer) error {
	var out []cachedOffset
	for _, key := range c.cache.Keys() {
		off, ok := c.cache.Peek(key)
		if !ok {
			continue
		}
		checksum, name, _ := strings.Cut(key, "/")
		out = append(out, cachedOffset{Checksum: checksum, Name: name, Offset: off})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Checksum != out[j].Checksum {
			return out[i].Checksum < out[j].Checksum
		}
		return out[i].Name < out[j].Name
	})
	enc := yaml.NewEncoder(w)
	defer enc.Close()
	return enc.Encode(out)
}

// Load merges YAML written by Save into the cache.
func (c *OffsetCache) Load(r io.Reader) error {
	var in []cachedOffset
	if err := yaml.NewDecoder(r).Decode(&in); err != nil && err != io.EOF {
		return fmt.Errorf("failed to decode offset cache: %v", err)
	}
	for _, e := range in {
		if e.Checksum == "" || e.Name == "" {
			continue
		}
		c.Add(e.Checksum, e.Name, e.Offset)
	}
	return nil
}

// LoadCacheFile opens the cache at path, creating an empty one when it does not exist.
func LoadCacheFile(path string, size int) (*OffsetCache, error) {
	c, err := NewOffsetCache(size)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return c, nil
	} else if err != nil {
		return nil, errors.Wrapf(err, "failed to open offset cache %s", path)
	}
	defer f.Close()
	if err := c.Load(f); err != nil {
		log.WithError(err).Warn("ignoring corrupt offset cache")
	}
	return c, nil
}

// SaveFile writes the cache to path.
func (c *OffsetCache) SaveFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrapf(err, "failed to create %s", filepath.Dir(path))
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create offset cache %s", path)
	}
	defer f.Close()
	return c.Save(f)
}
