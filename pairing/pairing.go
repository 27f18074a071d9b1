// Package pairing issues short-lived pairing codes that let an unprovisioned
// device bind to a user account.
//
// A code is reserved with a single SetNX on the shared provider; there is no
// process-local locking, so any number of replicas can issue concurrently
// against the same store.
package pairing

import (
	"context"
	"crypto/rand"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/unkn0wn-root/devsync"
	c "github.com/unkn0wn-root/devsync/codec"
	"github.com/unkn0wn-root/devsync/internal/opctx"
	pr "github.com/unkn0wn-root/devsync/provider"
)

// largest multiple of len(Alphabet) that fits a byte; bytes at or above it
// are rejected so every symbol is equally likely
const unbiasedLimit = 256 - 256%len(Alphabet)

type Options struct {
	// Required
	Provider pr.Conditional

	Codec       c.Codec[Session] // default JSON
	Namespace   string           // optional key prefix
	TTL         time.Duration    // default 24h
	MaxAttempts int              // default 256
	OpTimeout   time.Duration    // per SetNX/Get; default 2s
	Logger      devsync.Logger
	Hooks       devsync.Hooks
	Rand        io.Reader // code entropy; default crypto/rand
}

type Issuer struct {
	p           pr.Conditional
	codec       c.Codec[Session]
	ns          string
	ttl         time.Duration
	maxAttempts int
	timeout     time.Duration
	log         devsync.Logger
	hooks       devsync.Hooks
	rand        io.Reader
}

func New(opts Options) (*Issuer, error) {
	if opts.Provider == nil {
		return nil, errors.New("pairing: provider is required")
	}
	if opts.TTL < 0 || opts.MaxAttempts < 0 || opts.OpTimeout < 0 {
		return nil, errors.New("pairing: negative TTL, MaxAttempts or OpTimeout")
	}
	if v, ok := opts.Codec.(c.Validator); ok {
		if err := v.Validate(); err != nil {
			return nil, fmt.Errorf("pairing: codec: %w", err)
		}
	}
	if opts.TTL > 0 && opts.TTL < time.Second {
		return nil, fmt.Errorf("pairing: TTL %s is below one second", opts.TTL)
	}
	iss := &Issuer{
		p:           opts.Provider,
		ns:          opts.Namespace,
		ttl:         DefaultTTL,
		maxAttempts: DefaultMaxAttempts,
		timeout:     DefaultOpTimeout,
		rand:        rand.Reader,
	}
	if opts.TTL > 0 {
		iss.ttl = opts.TTL
	}
	if opts.MaxAttempts > 0 {
		iss.maxAttempts = opts.MaxAttempts
	}
	if opts.OpTimeout > 0 {
		iss.timeout = opts.OpTimeout
	}
	if opts.Rand != nil {
		iss.rand = opts.Rand
	}
	if opts.Codec != nil {
		iss.codec = opts.Codec
	} else {
		iss.codec = c.JSON[Session]{}
	}
	iss.log = opts.Logger
	if iss.log == nil {
		iss.log = devsync.NopLogger{}
	}
	iss.hooks = opts.Hooks
	if iss.hooks == nil {
		iss.hooks = devsync.NopHooks{}
	}
	return iss, nil
}

// Issue reserves a fresh code for state and returns the new session.
//
// A taken code is redrawn without delay, up to MaxAttempts times. Provider
// failures are returned at once as *devsync.BackendError and never retried.
func (i *Issuer) Issue(ctx context.Context, state string) (Session, error) {
	if state == "" {
		return Session{}, fmt.Errorf("%w: empty pairing state", devsync.ErrInvalidRequest)
	}
	s := Session{
		State:      state,
		Token:      newToken(),
		Expiration: int(i.ttl / time.Second),
	}

	for attempt := 1; attempt <= i.maxAttempts; attempt++ {
		code, err := drawCode(i.rand)
		if err != nil {
			return Session{}, fmt.Errorf("pairing: draw code: %w", err)
		}
		s.Code = code
		raw, err := i.codec.Encode(s)
		if err != nil {
			return Session{}, fmt.Errorf("pairing: encode session: %w", err)
		}

		sctx, cancel := opctx.WithTimeout(ctx, i.timeout)
		ok, err := i.p.SetNX(sctx, i.key(code), raw, i.ttl)
		cancel()
		if err != nil {
			i.log.Error("pairing setnx failed", devsync.Fields{"attempt": attempt, "err": err})
			return Session{}, devsync.Unavailable("setnx", i.key(code), err)
		}
		if ok {
			i.log.Debug("pairing code issued", devsync.Fields{"attempt": attempt})
			return s, nil
		}
		i.hooks.PairingCollision(attempt)
		i.log.Debug("pairing code collision, redrawing", devsync.Fields{"attempt": attempt})
	}

	i.hooks.PairingExhausted(i.maxAttempts)
	i.log.Warn("pairing code space exhausted", devsync.Fields{"attempts": i.maxAttempts})
	return Session{}, ErrCodeSpaceExhausted
}

// Lookup returns the live session for code. Codes are case-insensitive.
func (i *Issuer) Lookup(ctx context.Context, code string) (Session, bool, error) {
	code, ok := normalizeCode(code)
	if !ok {
		return Session{}, false, nil
	}
	gctx, cancel := opctx.WithTimeout(ctx, i.timeout)
	raw, ok, err := i.p.Get(gctx, i.key(code))
	cancel()
	if err != nil {
		return Session{}, false, devsync.Unavailable("get", i.key(code), err)
	}
	if !ok {
		return Session{}, false, nil
	}
	s, err := i.codec.Decode(raw)
	if err != nil {
		return Session{}, false, fmt.Errorf("pairing: decode session %s: %w", code, err)
	}
	return s, true, nil
}

// Claim consumes the session for code on behalf of the device that presents
// state. The session is removed whether or not state matches, so a wrong
// guess forces the device to request a new code.
func (i *Issuer) Claim(ctx context.Context, code, state string) (Session, error) {
	if state == "" {
		return Session{}, fmt.Errorf("%w: empty pairing state", devsync.ErrInvalidRequest)
	}
	code, ok := normalizeCode(code)
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	gctx, cancel := opctx.WithTimeout(ctx, i.timeout)
	raw, ok, err := i.p.GetDel(gctx, i.key(code))
	cancel()
	if err != nil {
		return Session{}, devsync.Unavailable("getdel", i.key(code), err)
	}
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	s, err := i.codec.Decode(raw)
	if err != nil {
		return Session{}, fmt.Errorf("pairing: decode session %s: %w", code, err)
	}
	if s.State != state {
		i.log.Info("pairing claim with wrong state; code burned", devsync.Fields{"code": code})
		return Session{}, ErrStateMismatch
	}
	return s, nil
}

func (i *Issuer) key(code string) string {
	if i.ns == "" {
		return keyPrefix + code
	}
	return i.ns + ":" + keyPrefix + code
}

// drawCode reads CodeLength symbols from r by rejection sampling. It consumes
// exactly one byte per accepted symbol plus one per rejected byte.
func drawCode(r io.Reader) (string, error) {
	var buf [CodeLength]byte
	out := make([]byte, 0, CodeLength)
	for len(out) < CodeLength {
		need := buf[:CodeLength-len(out)]
		if _, err := io.ReadFull(r, need); err != nil {
			return "", err
		}
		for _, b := range need {
			if int(b) >= unbiasedLimit {
				continue
			}
			out = append(out, Alphabet[int(b)%len(Alphabet)])
		}
	}
	return string(out), nil
}

// newToken is the hex SHA-512 of a random UUID: 128 lowercase hex chars.
func newToken() string {
	sum := sha512.Sum512([]byte(uuid.NewString()))
	return hex.EncodeToString(sum[:])
}
