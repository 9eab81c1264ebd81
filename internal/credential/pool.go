// Package credential holds the fixed pool of upstream credentials and the
// shared round-robin cursor that decides where each dispatch starts.
package credential

import (
	"errors"
	"strings"
	"sync"
)

// ErrNoCredentials is returned by NewPool when no usable credential is supplied.
var ErrNoCredentials = errors.New("credential pool: at least one credential is required")

// Pool is an immutable ordered list of credentials with a rotation cursor.
// ReserveStart is the only operation that mutates state.
type Pool struct {
	credentials []string

	mu   sync.Mutex
	next int
}

// NewPool builds a pool from creds, trimming entries and dropping blanks.
func NewPool(creds []string) (*Pool, error) {
	cleaned := make([]string, 0, len(creds))
	for _, c := range creds {
		if c = strings.TrimSpace(c); c != "" {
			cleaned = append(cleaned, c)
		}
	}
	if len(cleaned) == 0 {
		return nil, ErrNoCredentials
	}
	return &Pool{credentials: cleaned}, nil
}

// Len returns the number of credentials N.
func (p *Pool) Len() int {
	return len(p.credentials)
}

// At returns the credential at index i modulo N.
func (p *Pool) At(i int) string {
	n := len(p.credentials)
	i %= n
	if i < 0 {
		i += n
	}
	return p.credentials[i]
}

// First returns the first configured credential.
func (p *Pool) First() string {
	return p.credentials[0]
}

// ReserveStart returns the current cursor and advances it by one, modulo N.
// The critical section covers only the read-increment; callers must not hold
// any lock from this package across I/O.
func (p *Pool) ReserveStart() int {
	p.mu.Lock()
	idx := p.next
	p.next = (idx + 1) % len(p.credentials)
	p.mu.Unlock()
	return idx
}
