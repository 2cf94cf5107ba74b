package proxy

import (
	"crypto/tls"
	"sync"

	"github.com/jmgilman/go/errors"
	"github.com/sirupsen/logrus"
)

// certStore implements goproxy.CertStorage, caching one certificate per host
type certStore struct {
	mu    sync.Mutex
	certs map[string]*tls.Certificate
}

func newCertStore() *certStore {
	return &certStore{certs: map[string]*tls.Certificate{}}
}

func (s *certStore) Fetch(hostname string, gen func() (*tls.Certificate, error)) (*tls.Certificate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cert, ok := s.certs[hostname]; ok {
		return cert, nil
	}

	cert, err := gen()
	if err != nil {
		logrus.Errorf("Failed to generate certificate for hostname '%s': %v", hostname, err)
		return nil, errors.Wrapf(err, errors.CodeInternal, "failed to generate certificate for hostname '%s'", hostname)
	}

	s.certs[hostname] = cert
	return cert, nil
}
