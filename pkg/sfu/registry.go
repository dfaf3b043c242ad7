package sfu

import (
	"sync"

	"github.com/elliotchance/orderedmap/v2"
	"github.com/pkg/errors"
)

// Registry maps session usernames to their endpoints. It is owned by the
// transport layer; endpoints are bound when a session is established and
// removed on teardown.
type Registry struct {
	lock      sync.RWMutex
	endpoints *orderedmap.OrderedMap[string, *Endpoint]
}

func NewRegistry() *Registry {
	return &Registry{
		endpoints: orderedmap.NewOrderedMap[string, *Endpoint](),
	}
}

func (r *Registry) Bind(username string, endpoint *Endpoint) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	if _, ok := r.endpoints.Get(username); ok {
		return errors.Wrap(ErrSessionExists, username)
	}
	r.endpoints.Set(username, endpoint)
	return nil
}

func (r *Registry) Get(username string) (*Endpoint, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	return r.endpoints.Get(username)
}

// Remove unbinds and closes the endpoint for username.
func (r *Registry) Remove(username string) {
	r.lock.Lock()
	endpoint, ok := r.endpoints.Get(username)
	if ok {
		r.endpoints.Delete(username)
	}
	r.lock.Unlock()

	if ok {
		endpoint.Close()
	}
}

func (r *Registry) Len() int {
	r.lock.RLock()
	defer r.lock.RUnlock()

	return r.endpoints.Len()
}

// Usernames returns bound sessions in bind order.
func (r *Registry) Usernames() []string {
	r.lock.RLock()
	defer r.lock.RUnlock()

	return r.endpoints.Keys()
}

// CloseAll closes and removes every endpoint, oldest first.
func (r *Registry) CloseAll() {
	r.lock.Lock()
	endpoints := make([]*Endpoint, 0, r.endpoints.Len())
	for el := r.endpoints.Front(); el != nil; el = el.Next() {
		endpoints = append(endpoints, el.Value)
	}
	r.endpoints = orderedmap.NewOrderedMap[string, *Endpoint]()
	r.lock.Unlock()

	for _, endpoint := range endpoints {
		endpoint.Close()
	}
}
