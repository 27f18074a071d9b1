// Package sloghooks logs devsync.Hooks events to a *slog.Logger with optional
// sampling for the noisy ones. Keys are redacted by default.
package sloghooks

import (
	"log/slog"
	"sync/atomic"

	"github.com/unkn0wn-root/devsync"
	"github.com/unkn0wn-root/devsync/internal/util"
)

type Options struct {
	// Sampling to avoid floods; 0/1 = log all.
	SelfHealEvery  uint64
	CollisionEvery uint64
	// Optional key redactor. Defaults to a SHA-256 prefix.
	Redact func(string) string
}

type Hooks struct {
	l    *slog.Logger
	opts Options

	selfHealCtr  atomic.Uint64
	collisionCtr atomic.Uint64
}

var _ devsync.Hooks = (*Hooks)(nil)

func New(l *slog.Logger, opts Options) *Hooks {
	return &Hooks{l: l, opts: opts}
}

func (h *Hooks) redact(k string) string {
	if h.opts.Redact != nil {
		return h.opts.Redact(k)
	}
	return util.ShortHash(k)
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n == 0 || n == 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (h *Hooks) SelfHeal(storageKey, reason string) {
	if h.l == nil || !sample(h.opts.SelfHealEvery, &h.selfHealCtr) {
		return
	}
	h.l.Debug("devsync.self_heal",
		"key", h.redact(storageKey),
		"reason", reason)
}

func (h *Hooks) ProviderSetRejected(storageKey string) {
	if h.l == nil {
		return
	}
	h.l.Warn("devsync.provider_set_rejected",
		"key", h.redact(storageKey))
}

func (h *Hooks) StaleFillSkipped(storageKey string) {
	if h.l == nil {
		return
	}
	h.l.Debug("devsync.stale_fill_skipped",
		"key", h.redact(storageKey))
}

func (h *Hooks) GenSnapshotError(storageKey string, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("devsync.gen_snapshot_error",
		"key", h.redact(storageKey),
		"err", err)
}

func (h *Hooks) GenBumpError(storageKey string, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("devsync.gen_bump_error",
		"key", h.redact(storageKey),
		"err", err)
}

func (h *Hooks) InvalidateOutage(key string, bumpErr, delErr error) {
	if h.l == nil {
		return
	}
	h.l.Error("devsync.invalidate_outage",
		"key", h.redact(key),
		"bump_err", bumpErr,
		"del_err", delErr)
}

func (h *Hooks) PairingCollision(attempt int) {
	if h.l == nil || !sample(h.opts.CollisionEvery, &h.collisionCtr) {
		return
	}
	h.l.Debug("devsync.pairing_collision",
		"attempt", attempt)
}

func (h *Hooks) PairingExhausted(attempts int) {
	if h.l == nil {
		return
	}
	h.l.Error("devsync.pairing_exhausted",
		"attempts", attempts)
}

func (h *Hooks) LocalGenStore() {
	if h.l == nil {
		return
	}
	h.l.Warn("devsync.local_genstore",
		"msg", "in-process generations; fingerprints may go stale across replicas")
}
