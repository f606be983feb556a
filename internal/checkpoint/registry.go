package checkpoint

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
)

// BackendFactory builds a backend from a full DSN.
type BackendFactory func(dsn string) (Backend, error)

var backendFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]BackendFactory
}{
	factories: map[string]BackendFactory{},
}

// RegisterBackendFactory installs a factory for a DSN scheme, overriding any
// built-in handling of that scheme.
func RegisterBackendFactory(scheme string, factory BackendFactory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.factories[scheme] = factory
}

func lookupBackendFactory(scheme string) (BackendFactory, bool) {
	scheme = normalizeScheme(scheme)
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.factories[scheme]
	return factory, ok
}

// BuildBackendFromDSN selects a checkpoint backend by DSN scheme:
// memory://, file://PATH (or a bare path), sqlite://PATH, and
// postgres://... are built in.
func BuildBackendFromDSN(dsn string) (Backend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeScheme(parsed.Scheme)
	if factory, ok := lookupBackendFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		return NewFileBackend(dsnPath(dsn, "file"))
	case "memory", "mem", "inmem":
		return NewMemoryBackend(), nil
	case "sqlite", "sqlite3":
		return NewSQLiteBackend(dsnPath(dsn, parsed.Scheme))
	case "postgres", "postgresql":
		return NewPostgresBackend(dsn)
	case "mysql":
		return nil, fmt.Errorf("%w: checkpoint backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported checkpoint backend scheme: %s", scheme)
	}
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

// dsnPath strips the scheme prefix, keeping relative and absolute paths
// intact ("file://./x", "file:///var/x", "./x").
func dsnPath(dsn, scheme string) string {
	if scheme == "" {
		return dsn
	}
	for _, prefix := range []string{scheme + "://", scheme + ":"} {
		if strings.HasPrefix(dsn, prefix) {
			return strings.TrimPrefix(dsn, prefix)
		}
	}
	return dsn
}
