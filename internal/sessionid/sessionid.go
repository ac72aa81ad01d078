// Package sessionid supplies the anonymous browsing-session identifier that
// seat locks are attributed to.  The identifier is independent of login
// state: it is created on first use, persisted, and returned unchanged on
// every later call until the store is wiped.
package sessionid

import (
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Store persists the identifier between process runs.  Load returns "" and a
// nil error when nothing has been stored yet.
type Store interface {
	Load() (string, error)
	Save(id string) error
}

// Provider hands out the session identifier.  It is safe for concurrent use.
type Provider struct {
	store Store
	log   logrus.FieldLogger

	mu sync.Mutex
	id string
}

// NewProvider returns a Provider backed by store.  Nothing is read until the
// first call to Get.
func NewProvider(store Store, log logrus.FieldLogger) *Provider {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Provider{store: store, log: log}
}

// Get returns the session identifier, generating and persisting one when the
// store is empty, unreadable or holds something that is not a UUID.  It never
// fails: a store that cannot be written still yields a usable identifier for
// the lifetime of the process.
func (p *Provider) Get() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.id != "" {
		return p.id
	}

	stored, err := p.store.Load()
	if err != nil {
		p.log.WithError(err).Warn("sessionid: stored identifier unreadable, regenerating")
	} else if Valid(stored) {
		p.id = stored
		return p.id
	}

	p.id = uuid.NewString()
	if err := p.store.Save(p.id); err != nil {
		p.log.WithError(err).Warn("sessionid: failed to persist identifier")
	}
	return p.id
}

// Valid reports whether id has the shape of an identifier this package
// issues.
func Valid(id string) bool {
	if id == "" {
		return false
	}
	_, err := uuid.Parse(id)
	return err == nil
}
