// Package auth builds and validates the credential material carried by
// AUTHENT packets.
package auth

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"filerelay/crypto"
	"filerelay/models"
)

// DefaultMaxClockSkew bounds the accepted age of an AUTHENT timestamp.
const DefaultMaxClockSkew = 5 * time.Minute

var (
	// ErrUnknownHost indicates the presenting host is not a known partner.
	ErrUnknownHost = errors.New("auth: unknown host")
	// ErrStaleCredentials indicates the AUTHENT timestamp is outside the accepted skew.
	ErrStaleCredentials = errors.New("auth: stale credentials")
	// ErrNoCredentials indicates neither a signature nor a password could be checked.
	ErrNoCredentials = errors.New("auth: no usable credentials")
)

// HostLookup resolves partner host records.
type HostLookup interface {
	GetHost(id string) (models.Host, error)
}

// Request is the AUTHENT payload sent by the requester.
type Request struct {
	HostID    string `json:"host_id"`
	Timestamp int64  `json:"timestamp"`
	Password  string `json:"password,omitempty"`
	Signature string `json:"signature,omitempty"`
}

// Acceptance is the AUTHENT payload returned by the requested host.
type Acceptance struct {
	HostID    string `json:"host_id"`
	Accepted  bool   `json:"accepted"`
	Timestamp int64  `json:"timestamp"`
}

// Options configures an Authenticator.
type Options struct {
	HostID       string
	Password     string
	Key          crypto.HostKey
	Hosts        HostLookup
	MaxClockSkew time.Duration
	Now          func() time.Time
}

func (o Options) withDefaults() Options {
	out := o
	if out.MaxClockSkew <= 0 {
		out.MaxClockSkew = DefaultMaxClockSkew
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	return out
}

// Authenticator plays both sides of the AUTHENT exchange for the local host.
type Authenticator struct {
	opts Options
}

// New returns an Authenticator for the local host.
func New(opts Options) (*Authenticator, error) {
	opts = opts.withDefaults()
	if opts.HostID == "" {
		return nil, errors.New("auth: local host id is required")
	}
	if opts.Hosts == nil {
		return nil, errors.New("auth: host lookup is required")
	}
	return &Authenticator{opts: opts}, nil
}

// HostID returns the local host id.
func (a *Authenticator) HostID() string {
	return a.opts.HostID
}

// Credentials builds the AUTHENT payload presented to a peer.
func (a *Authenticator) Credentials() ([]byte, error) {
	req := Request{
		HostID:    a.opts.HostID,
		Timestamp: a.opts.Now().UnixMilli(),
		Password:  a.opts.Password,
	}
	if len(a.opts.Key.Private) > 0 {
		sig, err := a.opts.Key.Sign(signedBytes(req.HostID, req.Timestamp))
		if err != nil {
			return nil, fmt.Errorf("sign credentials: %w", err)
		}
		req.Signature = base64.StdEncoding.EncodeToString(sig)
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal credentials: %w", err)
	}
	return payload, nil
}

// Verify validates a requester's AUTHENT payload and returns its host id.
// Failures are classified AuthenticationFailed.
func (a *Authenticator) Verify(payload []byte) (string, error) {
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return "", models.Wrap(models.CodeAuthenticationFailed, fmt.Errorf("decode credentials: %w", err))
	}
	if req.HostID == "" {
		return "", models.NewError(models.CodeAuthenticationFailed, "credentials missing host id")
	}

	logger := log.WithField("peer", req.HostID)
	if err := a.verify(req); err != nil {
		logger.WithError(err).Warn("rejected AUTHENT")
		return "", models.Wrap(models.CodeAuthenticationFailed, err)
	}
	logger.Debug("accepted AUTHENT")
	return req.HostID, nil
}

func (a *Authenticator) verify(req Request) error {
	skew := a.opts.Now().Sub(time.UnixMilli(req.Timestamp))
	if skew < 0 {
		skew = -skew
	}
	if skew > a.opts.MaxClockSkew {
		return fmt.Errorf("%w: skew %s", ErrStaleCredentials, skew)
	}

	host, err := a.opts.Hosts.GetHost(req.HostID)
	if err != nil {
		return fmt.Errorf("%w %q: %v", ErrUnknownHost, req.HostID, err)
	}

	checked := false
	if host.PublicKey != "" {
		publicKey, err := crypto.ParsePublicKey(host.PublicKey)
		if err != nil {
			return fmt.Errorf("stored key for %q: %w", host.ID, err)
		}
		sig, err := base64.StdEncoding.DecodeString(req.Signature)
		if err != nil || !crypto.Verify(publicKey, signedBytes(req.HostID, req.Timestamp), sig) {
			return errors.New("auth: invalid signature")
		}
		checked = true
	}
	if host.PasswordHash != "" {
		if err := crypto.CheckPassword(host.PasswordHash, req.Password); err != nil {
			return err
		}
		checked = true
	}
	if !checked {
		return ErrNoCredentials
	}
	return nil
}

// Accept builds the AUTHENT acceptance returned to an authenticated requester.
func (a *Authenticator) Accept() ([]byte, error) {
	payload, err := json.Marshal(Acceptance{
		HostID:    a.opts.HostID,
		Accepted:  true,
		Timestamp: a.opts.Now().UnixMilli(),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal acceptance: %w", err)
	}
	return payload, nil
}

// CheckAcceptance validates the requested host's answer and returns its host id.
func (a *Authenticator) CheckAcceptance(payload []byte) (string, error) {
	var acc Acceptance
	if err := json.Unmarshal(payload, &acc); err != nil {
		return "", models.Wrap(models.CodeAuthenticationFailed, fmt.Errorf("decode acceptance: %w", err))
	}
	if !acc.Accepted {
		return "", models.NewError(models.CodeAuthenticationFailed, "peer %q refused credentials", acc.HostID)
	}
	return acc.HostID, nil
}

func signedBytes(hostID string, timestamp int64) []byte {
	return []byte(hostID + "|" + strconv.FormatInt(timestamp, 10))
}
