// Copyright 2026 Tapwire Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package ca implements C1: the root CA bootstrap and the on-demand leaf
// certificate mint/cache described in spec.md §4.1. Concurrent mint requests
// for the same hostname are deduplicated with a singleflight.Group, the way
// caddytls/handshake.go dedups obtainOnDemandCertificate calls with a
// hand-rolled wait-chan map; here the stdlib-adjacent pack primitive
// (golang.org/x/sync/singleflight) does the same job.
package ca

import (
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tapwire/tapwire/internal/errs"
	"go.step.sm/crypto/keyutil"
	"go.step.sm/crypto/pemutil"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

const (
	// CommonName is the root CA's subject common name, per spec §4.1.
	CommonName = "Proxy Magic CA"

	rootValidity = 10 * 365 * 24 * time.Hour
	leafValidity = 365 * 24 * time.Hour
)

// Leaf is a minted leaf certificate and its signer, cached for the process
// lifetime per spec's C1 contract.
type Leaf struct {
	Cert   *x509.Certificate
	Signer crypto.Signer
	// Chain is [leaf, root] DER bytes, ready for tls.Certificate.Certificate.
	Chain [][]byte
}

// Store is the CA & Leaf Certificate Store (C1). It is safe for concurrent
// use; callers obtain leaves through GetLeaf, which blocks only on the
// first call for a given hostname (spec §4.1 "Concurrency").
type Store struct {
	log *zap.Logger

	rootCert   *x509.Certificate
	rootSigner crypto.Signer

	mu    sync.RWMutex
	cache map[string]*Leaf

	group   singleflight.Group
	limiter *rate.Limiter
}

// Dirs bundles the on-disk layout documented in spec §6: "Persisted state".
type Dirs struct {
	Root string // {caCertDir}
}

func (d Dirs) certPath() string { return filepath.Join(d.Root, "certs", "ca.pem") }
func (d Dirs) keyPath() string  { return filepath.Join(d.Root, "keys", "ca.key") }

// Open loads the root CA from dir, generating and persisting a new one if
// absent, per spec §4.1 "Root bootstrap". The leaf mint rate limiter caps
// issuance at 20/s with a burst of 40, mirroring the teacher's
// checkLimitsForObtainingNewCerts's defensive posture against runaway
// issuance without hand-rolling the bookkeeping caddytls does inline.
func Open(dirs Dirs, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Store{
		log:     log.Named("ca"),
		cache:   make(map[string]*Leaf),
		limiter: rate.NewLimiter(rate.Limit(20), 40),
	}

	cert, signer, err := loadRoot(dirs)
	if os.IsNotExist(err) {
		cert, signer, err = generateRoot(dirs)
		if err != nil {
			return nil, errs.New(errs.KindConfig, fmt.Errorf("generate root CA: %w", err))
		}
		s.log.Info("generated new root CA",
			zap.String("cert", dirs.certPath()), zap.String("key", dirs.keyPath()))
	} else if err != nil {
		return nil, errs.New(errs.KindConfig, fmt.Errorf("load root CA: %w", err))
	} else {
		s.log.Info("loaded root CA", zap.String("cert", dirs.certPath()))
	}

	s.rootCert = cert
	s.rootSigner = signer
	return s, nil
}

// RootCertPEMPath returns the path users install into their trust store.
func (d Dirs) RootCertPEMPath() string { return d.certPath() }

func loadRoot(dirs Dirs) (*x509.Certificate, crypto.Signer, error) {
	certBlock, err := pemutil.Read(dirs.certPath())
	if err != nil {
		return nil, nil, err
	}
	cert, ok := certBlock.(*x509.Certificate)
	if !ok {
		return nil, nil, fmt.Errorf("%s does not contain a certificate", dirs.certPath())
	}

	signerAny, err := pemutil.Read(dirs.keyPath())
	if err != nil {
		return nil, nil, err
	}
	signer, ok := signerAny.(crypto.Signer)
	if !ok {
		return nil, nil, fmt.Errorf("%s does not contain a private key", dirs.keyPath())
	}
	return cert, signer, nil
}

func generateRoot(dirs Dirs) (*x509.Certificate, crypto.Signer, error) {
	if err := os.MkdirAll(filepath.Dir(dirs.certPath()), 0o755); err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(filepath.Dir(dirs.keyPath()), 0o700); err != nil {
		return nil, nil, err
	}

	signer, err := keyutil.GenerateDefaultSigner()
	if err != nil {
		return nil, nil, fmt.Errorf("generate CA key: %w", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, nil, err
	}

	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: CommonName, Organization: []string{"Tapwire"}},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(rootValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            1,
		MaxPathLenZero:        false,
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, signer.Public(), signer)
	if err != nil {
		return nil, nil, fmt.Errorf("create root certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, err
	}

	if _, err := pemutil.Serialize(cert, pemutil.WithFilename(dirs.certPath())); err != nil {
		return nil, nil, fmt.Errorf("write root cert: %w", err)
	}
	// The private key must never leave the directory; 0600 is enforced by
	// pemutil.Serialize for key material, matching spec §4.1's invariant.
	if _, err := pemutil.Serialize(signer, pemutil.WithFilename(dirs.keyPath())); err != nil {
		return nil, nil, fmt.Errorf("write root key: %w", err)
	}

	return cert, signer, nil
}

func randomSerial() (*big.Int, error) {
	return rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
}

// GetLeaf returns a cached or freshly minted leaf certificate for host.
// Concurrent callers for the same host share one mint operation (spec
// §4.1, §8 boundary behavior: "exactly one leaf-cert mint operation").
func (s *Store) GetLeaf(host string) (*Leaf, error) {
	s.mu.RLock()
	if l, ok := s.cache[host]; ok {
		s.mu.RUnlock()
		return l, nil
	}
	s.mu.RUnlock()

	v, err, _ := s.group.Do(host, func() (any, error) {
		// Re-check under the group: another goroutine may have completed
		// the mint for this host between our RUnlock and Do entering.
		s.mu.RLock()
		if l, ok := s.cache[host]; ok {
			s.mu.RUnlock()
			return l, nil
		}
		s.mu.RUnlock()

		if !s.limiter.Allow() {
			return nil, errs.Newf(errs.KindCert, "leaf issuance rate limit exceeded for %s", host)
		}

		leaf, err := s.mint(host)
		if err != nil {
			return nil, errs.New(errs.KindCert, err)
		}

		s.mu.Lock()
		s.cache[host] = leaf
		s.mu.Unlock()
		return leaf, nil
	})
	if err != nil {
		s.log.Debug("leaf mint failed", zap.String("host", host), zap.Error(err))
		return nil, err
	}
	return v.(*Leaf), nil
}

// mint signs a fresh leaf certificate for host. Per Open Question 3
// (DESIGN.md), the SAN list is always exactly [host] — no wildcard forms
// are ever produced.
func (s *Store) mint(host string) (*Leaf, error) {
	signer, err := keyutil.GenerateDefaultSigner()
	if err != nil {
		return nil, fmt.Errorf("generate leaf key: %w", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: host},
		DNSNames:     []string{host},
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(leafValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, s.rootCert, signer.Public(), s.rootSigner)
	if err != nil {
		return nil, fmt.Errorf("sign leaf certificate for %s: %w", host, err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}

	s.log.Debug("minted leaf certificate", zap.String("host", host), zap.Time("notAfter", cert.NotAfter))

	return &Leaf{
		Cert:   cert,
		Signer: signer,
		Chain:  [][]byte{der, s.rootCert.Raw},
	}, nil
}

// RootCert returns the root CA certificate (for tests and diagnostics).
func (s *Store) RootCert() *x509.Certificate { return s.rootCert }
