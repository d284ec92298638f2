package caserelay

import (
	"strings"
	"sync"
)

type RepositoryFactory func(dsn string) (Repository, error)
type JobQueueFactory func(dsn string, capacity int) (JobQueue, error)

var backendFactoryRegistry = struct {
	mu        sync.RWMutex
	repos     map[string]RepositoryFactory
	jobQueues map[string]JobQueueFactory
}{
	repos:     map[string]RepositoryFactory{},
	jobQueues: map[string]JobQueueFactory{},
}

// RegisterRepositoryFactory overrides or extends the built-in repository
// schemes. Registered factories win over built-ins.
func RegisterRepositoryFactory(scheme string, factory RepositoryFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.repos[scheme] = factory
}

func RegisterJobQueueFactory(scheme string, factory JobQueueFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.jobQueues[scheme] = factory
}

func lookupRepositoryFactory(scheme string) (RepositoryFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.repos[scheme]
	return factory, ok
}

func lookupJobQueueFactory(scheme string) (JobQueueFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.jobQueues[scheme]
	return factory, ok
}

func normalizeBackendScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
