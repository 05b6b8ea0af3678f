// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package sshca issues short-lived SSH certificates for authorized
// shell sessions. The CA private key lives in the secrets store; it
// never leaves this package in any response.
package sshca

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"strings"
	"time"

	"github.com/juju/clock"
	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"golang.org/x/crypto/ssh"

	"github.com/canonical/hatchery/internal/audit"
	"github.com/canonical/hatchery/internal/secrets"
)

var logger = loggo.GetLogger("hatchery.sshca")

const (
	// caKeyBits is the RSA modulus size for a generated CA.
	caKeyBits = 4096

	// caSecretName locates the CA private key in the secrets store.
	caSecretName = "ssh-ca-private-key"

	// DefaultMaxValidity caps certificate lifetimes unless configured
	// otherwise.
	DefaultMaxValidity = 8 * time.Hour
)

const (
	// ErrValidityExceeded rejects requests asking for more lifetime
	// than the configured cap.
	ErrValidityExceeded = errors.ConstError("validity exceeds maximum")

	// ErrPrincipalNotAllowed rejects requests naming principals the
	// caller is not entitled to on the resource.
	ErrPrincipalNotAllowed = errors.ConstError("principal not allowed")
)

// Request asks for one SSH certificate.
type Request struct {
	// UserEmail identifies the caller and seeds the key id.
	UserEmail string

	// PublicKey is the caller's key in authorized_keys format.
	PublicKey string

	// Principals are the login names the certificate authorizes.
	Principals []string

	// Validity is the requested lifetime.
	Validity time.Duration

	// ResourceRef names the target resource, e.g. "machine/m-7".
	ResourceRef string

	// AllowedPrincipals are the principals the caller holds on the
	// resource, resolved by the caller's capability check.
	AllowedPrincipals []string
}

// Validate checks the request is complete.
func (r Request) Validate() error {
	if r.UserEmail == "" {
		return errors.NotValidf("signing request without user")
	}
	if r.PublicKey == "" {
		return errors.NotValidf("signing request without public key")
	}
	if len(r.Principals) == 0 {
		return errors.NotValidf("signing request without principals")
	}
	if r.Validity <= 0 {
		return errors.NotValidf("signing request validity %v", r.Validity)
	}
	if r.ResourceRef == "" {
		return errors.NotValidf("signing request without resource")
	}
	return nil
}

// CA signs user certificates against a persistent keypair.
type CA struct {
	store       secrets.Store
	sink        audit.Sink
	clock       clock.Clock
	maxValidity time.Duration
}

// NewCA returns a CA over the given secrets store. A zero maxValidity
// means DefaultMaxValidity.
func NewCA(store secrets.Store, sink audit.Sink, clk clock.Clock, maxValidity time.Duration) *CA {
	if maxValidity <= 0 {
		maxValidity = DefaultMaxValidity
	}
	return &CA{
		store:       store,
		sink:        sink,
		clock:       clk,
		maxValidity: maxValidity,
	}
}

// Bootstrap generates and stores the CA keypair if none exists yet.
// Calling it on an initialised store is a no-op.
func (ca *CA) Bootstrap(ctx context.Context) error {
	_, err := ca.store.Get(ctx, caSecretName)
	if err == nil {
		return nil
	}
	if !errors.IsNotFound(err) {
		return errors.Trace(err)
	}
	logger.Infof("generating %d-bit ssh ca keypair", caKeyBits)
	key, err := rsa.GenerateKey(rand.Reader, caKeyBits)
	if err != nil {
		return errors.Annotate(err, "generating ca key")
	}
	encoded := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	return errors.Trace(ca.store.Put(ctx, caSecretName, encoded))
}

// PublicKey returns the CA public key in authorized_keys format, for
// distribution to machine sshd configs.
func (ca *CA) PublicKey(ctx context.Context) (string, error) {
	signer, err := ca.signer(ctx)
	if err != nil {
		return "", errors.Trace(err)
	}
	return string(ssh.MarshalAuthorizedKey(signer.PublicKey())), nil
}

func (ca *CA) signer(ctx context.Context) (ssh.Signer, error) {
	raw, err := ca.store.Get(ctx, caSecretName)
	if err != nil {
		return nil, errors.Annotate(err, "loading ca key")
	}
	signer, err := ssh.ParsePrivateKey(raw)
	if err != nil {
		return nil, errors.Annotate(err, "parsing ca key")
	}
	return signer, nil
}

// Sign validates the request and returns a signed certificate in
// authorized_keys format. Rejections and issuances are both audited.
func (ca *CA) Sign(ctx context.Context, req Request) (string, error) {
	if err := req.Validate(); err != nil {
		ca.reject(req, err)
		return "", errors.Trace(err)
	}
	if req.Validity > ca.maxValidity {
		err := errors.Annotatef(ErrValidityExceeded, "requested %v, maximum %v", req.Validity, ca.maxValidity)
		ca.reject(req, err)
		return "", err
	}
	allowed := set.NewStrings(req.AllowedPrincipals...)
	for _, p := range req.Principals {
		if !allowed.Contains(p) {
			err := errors.Annotatef(ErrPrincipalNotAllowed, "principal %q", p)
			ca.reject(req, err)
			return "", err
		}
	}
	userKey, _, _, _, err := ssh.ParseAuthorizedKey([]byte(req.PublicKey))
	if err != nil {
		err = errors.NotValidf("public key: %v", err)
		ca.reject(req, err)
		return "", err
	}
	signer, err := ca.signer(ctx)
	if err != nil {
		return "", errors.Trace(err)
	}

	now := ca.clock.Now()
	keyID := fmt.Sprintf("%s@%s-%d", req.UserEmail, req.ResourceRef, now.Unix())
	cert := &ssh.Certificate{
		Key:             userKey,
		KeyId:           keyID,
		CertType:        ssh.UserCert,
		ValidPrincipals: req.Principals,
		ValidAfter:      uint64(now.Unix()),
		ValidBefore:     uint64(now.Add(req.Validity).Unix()),
		Permissions: ssh.Permissions{
			Extensions: map[string]string{
				"permit-pty":              "",
				"permit-agent-forwarding": "",
			},
		},
	}
	if err := cert.SignCert(rand.Reader, signer); err != nil {
		return "", errors.Annotate(err, "signing certificate")
	}

	ca.sink.Append(audit.Event{
		Type:        audit.EventCertIssued,
		Severity:    audit.SeverityInfo,
		Actor:       req.UserEmail,
		ResourceRef: req.ResourceRef,
		Details: map[string]string{
			"key_id":     keyID,
			"principals": strings.Join(req.Principals, ","),
			"validity":   req.Validity.String(),
		},
		Timestamp: now,
	})
	return string(ssh.MarshalAuthorizedKey(cert)), nil
}

func (ca *CA) reject(req Request, cause error) {
	ca.sink.Append(audit.Event{
		Type:        audit.EventCertRejected,
		Severity:    audit.SeverityWarning,
		Actor:       req.UserEmail,
		ResourceRef: req.ResourceRef,
		Details:     map[string]string{"reason": cause.Error()},
		Timestamp:   ca.clock.Now(),
	})
}
