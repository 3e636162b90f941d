// Package hint implements the distributed hint (lease): a storage-object-
// backed mutual-exclusion primitive used to coordinate cache maintenance
// (and other single-coordinator tasks) across processes and hosts. It
// depends only on monotonic wall-clock comparisons stored in the lease
// object itself, never on clock synchronization between holders.
package hint

import (
	"bytes"
	"context"
	"encoding/json"
	"path"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/objectfs/objectfs/internal/provider"
	"github.com/objectfs/objectfs/pkg/errors"
	"github.com/objectfs/objectfs/pkg/logging"
	"github.com/objectfs/objectfs/pkg/types"
)

// LeaseObjectName is the well-known object name written under a hint's
// prefix.
const LeaseObjectName = "lease.json"

// DefaultLeaseDuration and DefaultBuffer give the package's default
// timing; DefaultHeartbeatInterval is chosen so the required invariant
// heartbeat_interval < lease_duration - buffer holds with headroom.
const (
	DefaultLeaseDuration     = 10 * time.Second
	DefaultBuffer            = 2 * time.Second
	DefaultHeartbeatInterval = 3 * time.Second
)

// Config configures a Hint.
type Config struct {
	// HintPrefix is the well-known storage path identifying this hint.
	HintPrefix string
	// LeaseDuration is how long a lease stays LIVE without a heartbeat.
	LeaseDuration time.Duration
	// Buffer accounts for clock skew between holders when deciding a
	// lease has expired.
	Buffer time.Duration
	// HeartbeatInterval is how often a held lease is renewed. Must be
	// less than LeaseDuration - Buffer.
	HeartbeatInterval time.Duration
	// OnLost, if set, is invoked from the heartbeat goroutine when a
	// renewal fails and the lease is declared lost, so the caller can
	// cancel dependent work.
	OnLost func()
	// Logger, if set, receives acquire/renew/lost/release diagnostics.
	// Defaults to logging.Nop().
	Logger *logging.Logger
}

// Hint is a distributed mutual-exclusion lease over a storage.Provider.
type Hint struct {
	storage  provider.Provider
	cfg      Config
	holderID string
	log      *logging.Logger

	mu     sync.Mutex
	held   bool
	etag   string
	stopCh chan struct{}
	wg     sync.WaitGroup
	lost   atomic.Bool
}

// New constructs a Hint. The backend must support both "*"-guarded and
// etag-guarded conditional writes (IfNoneMatch="*" and IfMatch); a backend
// that doesn't cannot host a distributed hint, which is a configuration
// error.
func New(storage provider.Provider, cfg Config) (*Hint, error) {
	if cfg.HintPrefix == "" {
		return nil, errors.NewInvalidArgument("hint requires a non-empty HintPrefix").WithComponent("hint")
	}
	cap := storage.ConditionalWriteSupport()
	if cap.IfNoneMatchStar == types.CapabilityUnsupported || cap.IfMatchETag == types.CapabilityUnsupported {
		return nil, errors.NewInvalidArgument(
			"backend %q does not support the conditional writes a distributed hint requires", storage.Name(),
		).WithComponent("hint")
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = DefaultLeaseDuration
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = DefaultBuffer
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.HeartbeatInterval >= cfg.LeaseDuration-cfg.Buffer {
		return nil, errors.NewInvalidArgument(
			"heartbeat_interval (%s) must be less than lease_duration - buffer (%s)",
			cfg.HeartbeatInterval, cfg.LeaseDuration-cfg.Buffer,
		).WithComponent("hint")
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Nop()
	}
	log = log.WithComponent("hint").With(logging.F("hint_prefix", cfg.HintPrefix))
	return &Hint{
		storage:  storage,
		cfg:      cfg,
		holderID: uuid.NewString(),
		log:      log,
	}, nil
}

func (h *Hint) leaseKey() string { return path.Join(h.cfg.HintPrefix, LeaseObjectName) }

func (h *Hint) encode(now time.Time) []byte {
	state := types.HintState{
		HolderID:      h.holderID,
		AcquiredAt:    now,
		LastHeartbeat: now,
		LeaseDuration: h.cfg.LeaseDuration.String(),
	}
	b, _ := json.Marshal(state)
	return b
}

// Acquire attempts to take the lease. On success it spawns a background
// heartbeat goroutine and returns true; the caller must call Release when
// done. At most one concurrent Acquire across all participants for a
// given HintPrefix returns true.
func (h *Hint) Acquire(ctx context.Context) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.held {
		return false, nil
	}

	key := h.leaseKey()
	now := time.Now().UTC()

	_, headErr := h.storage.Head(ctx, key)
	if errors.IsNotFound(headErr) {
		body := h.encode(now)
		etag, err := h.storage.Put(ctx, key, bytes.NewReader(body), int64(len(body)), types.PutOptions{IfNoneMatch: "*"})
		if errors.IsPreconditionFailed(err) {
			return h.tryTakeExpired(ctx)
		}
		if err != nil {
			return false, err
		}
		h.startHeld(etag)
		return true, nil
	}
	if headErr != nil {
		return false, headErr
	}
	return h.tryTakeExpired(ctx)
}

// tryTakeExpired implements acquire steps 2-3: read the current lease; if
// expired (past lease_duration + buffer since its last heartbeat), try to
// take it by a conditional put keyed on the current etag; otherwise the
// lease is LIVE and acquisition fails.
func (h *Hint) tryTakeExpired(ctx context.Context) (bool, error) {
	key := h.leaseKey()
	meta, err := h.storage.Head(ctx, key)
	if errors.IsNotFound(err) {
		return h.Acquire(ctx)
	}
	if err != nil {
		return false, err
	}

	rc, err := h.storage.Get(ctx, key, nil)
	if err != nil {
		return false, err
	}
	var state types.HintState
	decodeErr := json.NewDecoder(rc).Decode(&state)
	rc.Close()
	if decodeErr != nil {
		return false, errors.NewInternal("decode lease state: %v", decodeErr).WithComponent("hint")
	}

	leaseDuration, _ := time.ParseDuration(state.LeaseDuration)
	if leaseDuration <= 0 {
		leaseDuration = h.cfg.LeaseDuration
	}
	expiresAt := state.LastHeartbeat.Add(leaseDuration).Add(h.cfg.Buffer)
	if time.Now().UTC().Before(expiresAt) {
		return false, nil // LIVE
	}

	now := time.Now().UTC()
	body := h.encode(now)
	etag, putErr := h.storage.Put(ctx, key, bytes.NewReader(body), int64(len(body)), types.PutOptions{IfMatch: meta.ETag})
	if errors.IsPreconditionFailed(putErr) {
		return false, nil // someone else took it first
	}
	if putErr != nil {
		return false, putErr
	}
	h.startHeld(etag)
	return true, nil
}

func (h *Hint) startHeld(etag string) {
	h.held = true
	h.etag = etag
	h.lost.Store(false)
	h.stopCh = make(chan struct{})
	h.wg.Add(1)
	h.log.Info("lease acquired", logging.F("holder_id", h.holderID))
	go h.heartbeatLoop(h.stopCh)
}

// heartbeatLoop renews the lease every HeartbeatInterval via a conditional
// put keyed on the etag we currently hold. A failed renewal declares the
// lease lost and invokes OnLost.
func (h *Hint) heartbeatLoop(stop chan struct{}) {
	defer h.wg.Done()
	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !h.renew() {
				return
			}
		}
	}
}

func (h *Hint) renew() bool {
	h.mu.Lock()
	if !h.held {
		h.mu.Unlock()
		return false
	}
	etag := h.etag
	h.mu.Unlock()

	now := time.Now().UTC()
	body := h.encode(now)
	newEtag, err := h.storage.Put(context.Background(), h.leaseKey(), bytes.NewReader(body), int64(len(body)), types.PutOptions{IfMatch: etag})
	if err != nil {
		h.mu.Lock()
		h.held = false
		h.mu.Unlock()
		h.lost.Store(true)
		h.log.Warn("lease renewal failed, declaring lost", logging.F("err", err))
		if h.cfg.OnLost != nil {
			h.cfg.OnLost()
		}
		return false
	}
	h.mu.Lock()
	h.etag = newEtag
	h.mu.Unlock()
	return true
}

// Lost reports whether a previously-held lease was declared lost by a
// failed heartbeat renewal.
func (h *Hint) Lost() bool { return h.lost.Load() }

// IsHeld reports whether this Hint currently believes it holds the lease.
func (h *Hint) IsHeld() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.held
}

// Release best-effort clears the lease if we still own it, and stops the
// heartbeat goroutine. A lost lease is otherwise released by timeout alone.
func (h *Hint) Release(ctx context.Context) error {
	h.mu.Lock()
	if !h.held {
		h.mu.Unlock()
		return nil
	}
	stop := h.stopCh
	h.held = false
	h.mu.Unlock()

	close(stop)
	h.wg.Wait()

	err := h.storage.Delete(ctx, h.leaseKey())
	if errors.IsPreconditionFailed(err) {
		return nil
	}
	if err != nil {
		h.log.Warn("lease release failed", logging.F("err", err))
	} else {
		h.log.Info("lease released", logging.F("holder_id", h.holderID))
	}
	return err
}
