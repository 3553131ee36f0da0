package registry

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"plugin"
	"sort"
	"strings"
	"sync"

	"github.com/dukex/kernelflow/pkg/protocol"
)

var ErrHandlerNotRegistered = errors.New("handler not registered")

// Registry maps handler references used by workflow nodes to factories.
type Registry struct {
	logger    *slog.Logger
	mu        sync.RWMutex
	factories map[string]protocol.HandlerFactory
}

func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		logger:    log,
		factories: make(map[string]protocol.HandlerFactory),
	}
}

func (r *Registry) LoadHandlerPlugins(pluginsPath string) ([]protocol.HandlerFactory, error) {
	return loadPlugin[protocol.HandlerFactory](r.logger, pluginsPath, "Handler")
}

func (r *Registry) RegisterHandler(factory protocol.HandlerFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.factories[factory.ID()] = factory
}

func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.factories[id]

	return ok
}

// IDs returns the registered handler references in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.factories))
	for id := range r.factories {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	return ids
}

func (r *Registry) CreateHandler(id string, config map[string]any) (protocol.Handler, error) { //nolint:ireturn
	r.mu.RLock()
	factory, ok := r.factories[id]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: '%s'", ErrHandlerNotRegistered, id)
	}

	if config == nil {
		config = map[string]any{}
	}

	return factory.Create(config)
}

func loadPlugin[T any](logger *slog.Logger, pluginsPath string, symbolName string) ([]T, error) {
	rootPath := pluginsPath + "/" + strings.ToLower(symbolName) + "s"
	root := os.DirFS(rootPath)

	pluginPathList, err := fs.Glob(root, "**/*.so")
	if err != nil {
		return nil, err
	}

	l := logger.With(slog.String("path", pluginsPath), slog.String("type", symbolName))
	l.Info("Loading plugins")

	pluginList := make([]T, 0, len(pluginPathList))

	for _, p := range pluginPathList {
		plg, err := plugin.Open(rootPath + "/" + p)
		if err != nil {
			return nil, fmt.Errorf("failed to open plugin %s: %w", p, err)
		}

		v, err := plg.Lookup(symbolName)
		if err != nil {
			return nil, fmt.Errorf("plugin %s does not export %s: %w", p, symbolName, err)
		}

		castV, ok := v.(T)
		if !ok {
			return nil, fmt.Errorf("plugin %s: %s has unexpected type %T", p, symbolName, v)
		}

		pluginList = append(pluginList, castV)

		l.Info("Loaded handler plugin", slog.String("plugin", p))
	}

	return pluginList, nil
}
