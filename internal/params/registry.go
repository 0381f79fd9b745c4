package params

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/gofrs/flock"
	"github.com/google/renameio/v2"
)

// ErrMalformedRegistry is returned when types.json exists but cannot be used.
// The registry is never repaired automatically.
var ErrMalformedRegistry = errors.New("malformed stack type registry")

// FileName is the registry file inside the root directory.
const FileName = "types.json"

// Registry maps stack type names to their config, backed by types.json.
// Resolve-or-create runs under an in-process mutex and an advisory file lock
// so concurrent first uses of a type agree on a single persisted config.
type Registry struct {
	path     string
	lock     *flock.Flock
	mu       sync.Mutex
	logger   *slog.Logger
	defaults func() StackTypeConfig
}

// NewRegistry returns a registry stored in root/types.json.
func NewRegistry(root string, logger *slog.Logger) *Registry {
	path := filepath.Join(root, FileName)
	return &Registry{
		path:     path,
		lock:     flock.New(path + ".lock"),
		logger:   logger,
		defaults: Defaults,
	}
}

// Path returns the backing file.
func (r *Registry) Path() string { return r.path }

// Resolve returns the stored config for stackType, creating and persisting a
// copy of the defaults the first time the type is seen.
func (r *Registry) Resolve(stackType string) (StackTypeConfig, error) {
	if stackType == "" {
		return StackTypeConfig{}, fmt.Errorf("%w: empty stack type", ErrInvalidConfig)
	}

	var cfg StackTypeConfig
	err := r.withLock(func(types map[string]StackTypeConfig) (bool, error) {
		if stored, ok := types[stackType]; ok {
			if err := stored.Validate(); err != nil {
				return false, fmt.Errorf("stack type %q: %w", stackType, err)
			}
			cfg = stored
			return false, nil
		}
		cfg = r.defaults().Clone()
		types[stackType] = cfg
		r.logger.Info("registered new stack type with defaults", "type", stackType, "registry", r.path)
		return true, nil
	})
	if err != nil {
		return StackTypeConfig{}, err
	}
	return cfg.Clone(), nil
}

// Save validates cfg and overwrites whatever is stored for stackType.
func (r *Registry) Save(stackType string, cfg StackTypeConfig) error {
	if stackType == "" {
		return fmt.Errorf("%w: empty stack type", ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	return r.withLock(func(types map[string]StackTypeConfig) (bool, error) {
		types[stackType] = cfg.Clone()
		r.logger.Info("saved stack type config", "type", stackType)
		return true, nil
	})
}

// Types returns the known stack type names, sorted.
func (r *Registry) Types() ([]string, error) {
	var names []string
	err := r.withLock(func(types map[string]StackTypeConfig) (bool, error) {
		for name := range types {
			names = append(names, name)
		}
		return false, nil
	})
	sort.Strings(names)
	return names, err
}

// Lookup returns the stored config of stackType without creating it.
func (r *Registry) Lookup(stackType string) (StackTypeConfig, bool, error) {
	var (
		cfg StackTypeConfig
		ok  bool
	)
	err := r.withLock(func(types map[string]StackTypeConfig) (bool, error) {
		cfg, ok = types[stackType]
		if ok {
			cfg = cfg.Clone()
		}
		return false, nil
	})
	return cfg, ok, err
}

// Init writes an empty registry. Existing contents are kept unless reset is set.
func (r *Registry) Init(reset bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("create registry directory: %w", err)
	}
	if err := r.lock.Lock(); err != nil {
		return fmt.Errorf("lock registry: %w", err)
	}
	defer r.lock.Unlock()

	if _, err := os.Stat(r.path); err == nil && !reset {
		return nil
	}
	return r.write(map[string]StackTypeConfig{})
}

// withLock loads the registry under both locks, runs fn and writes the map
// back when fn reports a change.
func (r *Registry) withLock(fn func(map[string]StackTypeConfig) (bool, error)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("create registry directory: %w", err)
	}
	if err := r.lock.Lock(); err != nil {
		return fmt.Errorf("lock registry: %w", err)
	}
	defer func() {
		if err := r.lock.Unlock(); err != nil {
			r.logger.Warn("failed to release registry lock", "error", err)
		}
	}()

	types, err := r.load()
	if err != nil {
		return err
	}
	changed, err := fn(types)
	if err != nil || !changed {
		return err
	}
	return r.write(types)
}

func (r *Registry) load() (map[string]StackTypeConfig, error) {
	data, err := os.ReadFile(r.path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]StackTypeConfig{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedRegistry, r.path, err)
	}
	types := map[string]StackTypeConfig{}
	if err := json.Unmarshal(data, &types); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedRegistry, r.path, err)
	}
	if types == nil {
		// A literal "null" document.
		return nil, fmt.Errorf("%w: %s: not an object", ErrMalformedRegistry, r.path)
	}
	return types, nil
}

func (r *Registry) write(types map[string]StackTypeConfig) error {
	data, err := json.MarshalIndent(types, "", "  ")
	if err != nil {
		return fmt.Errorf("encode registry: %w", err)
	}
	if err := renameio.WriteFile(r.path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write registry: %w", err)
	}
	return nil
}
