// Package auth resolves API keys to host identities.
package auth

import (
	"crypto/subtle"
	"sort"

	"github.com/isdmx/codejail/config"
	"github.com/isdmx/codejail/sandbox"
)

type credential struct {
	hostID string
	key    []byte
}

// Resolver maps API keys to hosts. It is read-only after construction.
type Resolver struct {
	credentials []credential
}

// NewResolver builds a resolver from the configured host keys.
func NewResolver(cfg *config.Config) *Resolver {
	return NewResolverFromKeys(cfg.API.Keys)
}

// NewResolverFromKeys builds a resolver from a host id to key map.
func NewResolverFromKeys(keys map[string]string) *Resolver {
	r := &Resolver{credentials: make([]credential, 0, len(keys))}
	for host, key := range keys {
		r.credentials = append(r.credentials, credential{hostID: host, key: []byte(key)})
	}
	sort.Slice(r.credentials, func(i, j int) bool {
		return r.credentials[i].hostID < r.credentials[j].hostID
	})
	return r
}

// Resolve returns the host that owns key. Every configured key is compared
// in constant time, so the time taken does not depend on which one matched.
func (r *Resolver) Resolve(key string) (sandbox.HostIdentity, error) {
	if key == "" {
		return sandbox.HostIdentity{}, sandbox.ErrUnauthenticated
	}

	var match string
	matches := 0
	for _, c := range r.credentials {
		if subtle.ConstantTimeCompare(c.key, []byte(key)) == 1 {
			match = c.hostID
			matches++
		}
	}
	// A key shared by several hosts identifies none of them.
	if matches != 1 {
		return sandbox.HostIdentity{}, sandbox.ErrUnauthenticated
	}
	return sandbox.HostIdentity{ID: match}, nil
}

// Hosts returns the configured host ids.
func (r *Resolver) Hosts() []string {
	hosts := make([]string, 0, len(r.credentials))
	for _, c := range r.credentials {
		hosts = append(hosts, c.hostID)
	}
	return hosts
}
