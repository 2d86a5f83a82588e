package config

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"dario.cat/mergo"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"go.yaml.in/yaml/v3"
)

// C holds the device settings, a tree of yaml maps addressed with dotted keys
// such as `queues.tx.size`.
type C struct {
	path      string
	callbacks []func(*C)
	l         *logrus.Logger

	// reloadLock serializes loads, mu guards the settings trees.
	reloadLock  sync.Mutex
	mu          sync.RWMutex
	settings    map[string]any
	oldSettings map[string]any
}

func NewC(l *logrus.Logger) *C {
	return &C{
		settings: make(map[string]any),
		l:        l,
	}
}

// Load reads path, a file or a directory of yaml files merged in lexical order.
// Later files win on scalar keys, lists are appended.
func (c *C) Load(path string) error {
	files, err := findFiles(path)
	if err != nil {
		return err
	}

	docs := make([][]byte, 0, len(files))
	for _, f := range files {
		b, err := os.ReadFile(f)
		if err != nil {
			return err
		}
		docs = append(docs, b)
	}

	m, err := merge(docs)
	if err != nil {
		return err
	}

	c.path = path
	c.replace(m)
	return nil
}

// LoadString loads the settings from one or more raw yaml documents, merged the
// same way Load merges files.
func (c *C) LoadString(raw ...string) error {
	docs := make([][]byte, 0, len(raw))
	for _, r := range raw {
		if strings.TrimSpace(r) == "" {
			continue
		}
		docs = append(docs, []byte(r))
	}

	if len(docs) == 0 {
		return errors.New("empty configuration")
	}

	m, err := merge(docs)
	if err != nil {
		return err
	}

	c.replace(m)
	return nil
}

func merge(docs [][]byte) (map[string]any, error) {
	m := make(map[string]any)
	for _, b := range docs {
		var nm map[string]any
		if err := yaml.Unmarshal(b, &nm); err != nil {
			return nil, err
		}

		if err := mergo.Merge(&nm, m, mergo.WithAppendSlice); err != nil {
			return nil, err
		}
		m = nm
	}

	if m == nil {
		m = make(map[string]any)
	}
	return m, nil
}

func (c *C) replace(m map[string]any) {
	c.mu.Lock()
	c.settings = m
	c.mu.Unlock()
}

// Settings returns the current settings tree. It must not be modified.
func (c *C) Settings() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.settings
}

// RegisterReloadCallback stores a function called after every reload. Use
// HasChanged to decide if anything needs to change. Callbacks run on the
// reloading goroutine and should return quickly.
func (c *C) RegisterReloadCallback(f func(*C)) {
	c.callbacks = append(c.callbacks, f)
}

// InitialLoad returns true until the first reload.
func (c *C) InitialLoad() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.oldSettings == nil
}

// HasChanged reports whether the value under k differs between the settings
// before and after the last reload. An empty k compares everything. Values are
// compared by their yaml encoding so reordered maps may report a change.
func (c *C) HasChanged(k string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.oldSettings == nil {
		return false
	}

	var nv, ov any = c.settings, c.oldSettings
	if k != "" {
		nv = lookup(k, c.settings)
		ov = lookup(k, c.oldSettings)
	}

	newVals, err := yaml.Marshal(nv)
	if err != nil {
		c.l.WithField("config_key", k).WithError(err).Error("Error while marshaling new config")
	}

	oldVals, err := yaml.Marshal(ov)
	if err != nil {
		c.l.WithField("config_key", k).WithError(err).Error("Error while marshaling old config")
	}

	return string(newVals) != string(oldVals)
}

// CatchHUP reloads the config from the path given to Load on every SIGHUP
// until ctx is done.
func (c *C) CatchHUP(ctx context.Context) {
	if c.path == "" {
		return
	}

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP)

	go func() {
		defer signal.Stop(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ch:
				c.l.Info("Caught HUP, reloading config")
				if err := c.Reload(); err != nil {
					c.l.WithField("config_path", c.path).WithError(err).Error("Error occurred while reloading config")
				}
			}
		}
	}()
}

// Reload reads the files again and runs the reload callbacks.
func (c *C) Reload() error {
	return c.reload(func() error { return c.Load(c.path) })
}

// ReloadString replaces the settings with raw and runs the reload callbacks.
func (c *C) ReloadString(raw ...string) error {
	return c.reload(func() error { return c.LoadString(raw...) })
}

func (c *C) reload(load func() error) error {
	c.reloadLock.Lock()
	defer c.reloadLock.Unlock()

	prev := c.Settings()
	if err := load(); err != nil {
		return err
	}

	c.mu.Lock()
	c.oldSettings = prev
	c.mu.Unlock()

	for _, f := range c.callbacks {
		f(c)
	}
	return nil
}

// Get returns the raw value under k or nil.
func (c *C) Get(k string) any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return lookup(k, c.settings)
}

func (c *C) IsSet(k string) bool {
	return c.Get(k) != nil
}

// GetString returns the value under k formatted as a string, or d when unset.
func (c *C) GetString(k, d string) string {
	r := c.Get(k)
	if r == nil {
		return d
	}
	return fmt.Sprintf("%v", r)
}

// GetInt returns d when k is unset or not an integer.
func (c *C) GetInt(k string, d int) int {
	v, err := strconv.Atoi(c.GetString(k, strconv.Itoa(d)))
	if err != nil {
		return d
	}
	return v
}

// GetUint32 returns d when k is unset or does not fit a uint32.
func (c *C) GetUint32(k string, d uint32) uint32 {
	r := c.GetInt(k, int(d))
	if r < 0 || uint64(r) > math.MaxUint32 {
		return d
	}
	return uint32(r)
}

// GetBool accepts anything strconv.ParseBool does plus y/yes and n/no.
func (c *C) GetBool(k string, d bool) bool {
	r := strings.ToLower(c.GetString(k, strconv.FormatBool(d)))
	switch r {
	case "y", "yes":
		return true
	case "n", "no":
		return false
	}

	v, err := strconv.ParseBool(r)
	if err != nil {
		return d
	}
	return v
}

func (c *C) GetDuration(k string, d time.Duration) time.Duration {
	v, err := time.ParseDuration(c.GetString(k, ""))
	if err != nil {
		return d
	}
	return v
}

// GetByteSize reads a size in bytes. Plain integers and humanized values such
// as `9KiB` or `16 kB` are accepted.
func (c *C) GetByteSize(k string, d int) int {
	r := c.GetString(k, "")
	if r == "" {
		return d
	}

	v, err := humanize.ParseBytes(r)
	if err != nil || v > math.MaxInt32 {
		return d
	}
	return int(v)
}

func lookup(k string, v any) any {
	for _, p := range strings.Split(k, ".") {
		m, ok := v.(map[string]any)
		if !ok {
			return nil
		}

		v, ok = m[p]
		if !ok {
			return nil
		}
	}

	return v
}
