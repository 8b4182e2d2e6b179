package auth

import (
	"crypto/sha256"
	"errors"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/spec-kit/ticket-lifecycle/internal/domain"
)

var (
	errNoServiceCredential = errors.New("service credential not configured")
	errServiceNotAllowed   = errors.New("service not allowed")
	errBadServiceToken     = errors.New("invalid service token")
)

// ServiceAuthenticator checks the shared service token against a bcrypt hash.
// Tokens that already matched are remembered by digest so bcrypt runs once per token.
type ServiceAuthenticator struct {
	hash    []byte
	allowed map[string]struct{}

	mu       sync.RWMutex
	verified map[[sha256.Size]byte]struct{}
}

// NewServiceAuthenticator builds an authenticator. An empty allowlist accepts any
// service name.
func NewServiceAuthenticator(tokenHash string, allowedServices []string) *ServiceAuthenticator {
	allowed := make(map[string]struct{}, len(allowedServices))
	for _, name := range allowedServices {
		if name = strings.TrimSpace(name); name != "" {
			allowed[name] = struct{}{}
		}
	}
	return &ServiceAuthenticator{
		hash:     []byte(tokenHash),
		allowed:  allowed,
		verified: make(map[[sha256.Size]byte]struct{}),
	}
}

// Authenticate returns the service actor for serviceName when token matches.
func (a *ServiceAuthenticator) Authenticate(serviceName, token string) (domain.Actor, error) {
	if len(a.hash) == 0 {
		return domain.Actor{}, errNoServiceCredential
	}
	serviceName = strings.TrimSpace(serviceName)
	if serviceName == "" {
		return domain.Actor{}, errServiceNotAllowed
	}
	if len(a.allowed) > 0 {
		if _, ok := a.allowed[serviceName]; !ok {
			return domain.Actor{}, errServiceNotAllowed
		}
	}

	digest := sha256.Sum256([]byte(token))
	a.mu.RLock()
	_, ok := a.verified[digest]
	a.mu.RUnlock()
	if !ok {
		if err := bcrypt.CompareHashAndPassword(a.hash, []byte(token)); err != nil {
			return domain.Actor{}, errBadServiceToken
		}
		a.mu.Lock()
		a.verified[digest] = struct{}{}
		a.mu.Unlock()
	}
	return domain.ServiceActor(serviceName), nil
}

// HashToken hashes a service token with cost.
func HashToken(token string, cost int) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(token), cost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

