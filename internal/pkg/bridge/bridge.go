package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/deye-bridge/deye-bridge/internal/pkg/credentials"
	"github.com/deye-bridge/deye-bridge/internal/pkg/deyeapi"
	"github.com/deye-bridge/deye-bridge/internal/pkg/logging"
	"github.com/deye-bridge/deye-bridge/internal/pkg/poller"
	"github.com/deye-bridge/deye-bridge/internal/pkg/statecache"
)

// Options configures one bridge instance
type Options struct {
	BaseURL   string
	AppID     string
	AppSecret string
	Email     string
	Password  string
	TokenFile string

	PollInterval  time.Duration
	CycleDeadline time.Duration
	Workers       int
	MaxRetries    int
	APITimeout    time.Duration
}

// UpdateKind says what a subscription event describes
type UpdateKind int

const (
	// UpdateCycleCompleted - a poll cycle finished;  Cycle is set
	UpdateCycleCompleted UpdateKind = iota
	// UpdateCommandApplied - a command succeeded and its optimistic
	// write-through landed;  SN and Control are set
	UpdateCommandApplied
)

// Update is delivered to subscribers so entity adapters can re-render
// without polling the cache themselves
type Update struct {
	Kind    UpdateKind
	Cycle   *poller.CycleResult
	SN      string
	Control string
}

// Bridge is the integration facade: it owns the credential store, the
// API client, the cache and the polling coordinator, and exposes the
// snapshot/command/subscription surface the host platform consumes.
type Bridge struct {
	mu     sync.Mutex
	opts   Options
	cancel context.CancelFunc

	api   deyeapi.DeyeCloud
	cache *statecache.Cache
	coord *poller.Coordinator

	subMu   sync.Mutex
	subs    map[int]chan Update
	nextSub int
}

func New() *Bridge {
	return &Bridge{
		subs: make(map[int]chan Update),
	}
}

// Initialize wires the components and starts polling.  Idempotent: a
// second call with the same credentials is a no-op, a call with
// different credentials is refused.
func (b *Bridge) Initialize(ctx context.Context, opts Options, reg prometheus.Registerer) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cancel != nil {
		if b.opts.AppID == opts.AppID && b.opts.AppSecret == opts.AppSecret {
			logging.Logger(ctx).Debug("bridge already initialized")
			return nil
		}
		return errors.New("bridge already initialized with different credentials")
	}

	creds := credentials.NewStore(credentials.Config{
		BaseURL:   opts.BaseURL,
		AppID:     opts.AppID,
		AppSecret: opts.AppSecret,
		Email:     opts.Email,
		Password:  opts.Password,
		TokenFile: opts.TokenFile,
	})

	if err := creds.Verify(ctx); err != nil {
		return errors.Wrap(err, "verifying Deye Cloud credentials")
	}

	var api deyeapi.DeyeCloud = deyeapi.NewLiveClient(opts.BaseURL, creds)
	if opts.APITimeout > 0 {
		api = api.WithTimeout(opts.APITimeout)
	}

	cache := statecache.New()
	coord := poller.New(api, cache, poller.Config{
		Interval:      opts.PollInterval,
		CycleDeadline: opts.CycleDeadline,
		Workers:       opts.Workers,
		MaxRetries:    opts.MaxRetries,
	}, b.notifyCycle, newMetrics(reg))

	runCtx, cancel := context.WithCancel(context.Background())

	b.opts = opts
	b.api = api
	b.cache = cache
	b.coord = coord
	b.cancel = cancel

	go coord.Run(runCtx)

	return nil
}

func newMetrics(reg prometheus.Registerer) *poller.Metrics {
	if reg == nil {
		return nil
	}
	return poller.NewMetrics(reg)
}

// Close stops polling and drops all subscribers
func (b *Bridge) Close() {
	b.mu.Lock()
	if b.cancel != nil {
		b.cancel()
		b.cancel = nil
	}
	b.mu.Unlock()

	b.subMu.Lock()
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
	b.subMu.Unlock()
}

// ErrNotInitialized is returned when the bridge is used before
// Initialize succeeded
var ErrNotInitialized = errors.New("bridge not initialized")

func (b *Bridge) components() (deyeapi.DeyeCloud, *statecache.Cache, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cache == nil {
		return nil, nil, ErrNotInitialized
	}

	return b.api, b.cache, nil
}

// GetSnapshot returns the last known state of one device.  A stale
// snapshot still carries its last good data.
func (b *Bridge) GetSnapshot(sn string) (statecache.DeviceSnapshot, error) {
	_, cache, err := b.components()
	if err != nil {
		return statecache.DeviceSnapshot{}, err
	}

	return cache.Device(sn)
}

// Snapshots returns every device snapshot, ordered by serial
func (b *Bridge) Snapshots() []statecache.DeviceSnapshot {
	_, cache, err := b.components()
	if err != nil {
		return nil
	}

	return cache.Devices()
}

// Stations returns every station snapshot
func (b *Bridge) Stations() []statecache.StationSnapshot {
	_, cache, err := b.components()
	if err != nil {
		return nil
	}

	return cache.Stations()
}

// Subscribe registers for updates.  The returned cancel func must be
// called to release the subscription.  Slow consumers lose events
// rather than stalling the poll loop.
func (b *Bridge) Subscribe() (<-chan Update, func()) {
	b.subMu.Lock()
	defer b.subMu.Unlock()

	id := b.nextSub
	b.nextSub++

	ch := make(chan Update, 8)
	b.subs[id] = ch

	cancel := func() {
		b.subMu.Lock()
		defer b.subMu.Unlock()

		if ch, ok := b.subs[id]; ok {
			close(ch)
			delete(b.subs, id)
		}
	}

	return ch, cancel
}

func (b *Bridge) publish(u Update) {
	b.subMu.Lock()
	defer b.subMu.Unlock()

	for _, ch := range b.subs {
		select {
		case ch <- u:
		default:
			logging.Logger(nil).Debug("dropping update for slow subscriber")
		}
	}
}

func (b *Bridge) notifyCycle(res poller.CycleResult) {
	b.publish(Update{Kind: UpdateCycleCompleted, Cycle: &res})
}

// IssueCommand validates and sends one control change.  The value is
// checked against the control's accepted values before any network
// call;  on success the new value is written through to the cache
// optimistically, pending the next poll's confirmation.
func (b *Bridge) IssueCommand(ctx context.Context, sn, control, value string) error {
	api, cache, err := b.components()
	if err != nil {
		return err
	}

	allowed, ok := deyeapi.AllowedValues(control)
	if !ok {
		return &deyeapi.Error{
			Kind: deyeapi.FailureInvalidValue,
			Op:   "validating command",
		}
	}

	valid := false
	for _, v := range allowed {
		if v == value {
			valid = true
			break
		}
	}
	if !valid {
		return &deyeapi.Error{
			Kind: deyeapi.FailureInvalidValue,
			Op:   "validating command",
		}
	}

	switch control {
	case deyeapi.ControlWorkMode:
		err = api.SetWorkMode(ctx, sn, value)
	case deyeapi.ControlEnergyPattern:
		err = api.SetEnergyPattern(ctx, sn, value)
	case deyeapi.ControlBatteryChargeMode:
		err = api.SetBatteryChargeMode(ctx, sn, value == "on")
	}

	if err != nil {
		logging.Logger(ctx).WithError(err).Errorf("command %s=%s for device %s failed", control, value, sn)
		return err
	}

	if err := cache.UpsertControl(sn, deyeapi.Control{
		Name:    control,
		Value:   value,
		Allowed: allowed,
	}); err != nil {
		// Command landed but the device is unknown locally;  the next
		// poll will pick it up
		logging.Logger(ctx).WithError(err).Warn("optimistic update skipped")
		return nil
	}

	b.publish(Update{Kind: UpdateCommandApplied, SN: sn, Control: control})

	return nil
}
