package poller

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/korovkin/limiter"

	"github.com/deye-bridge/deye-bridge/internal/pkg/deyeapi"
	"github.com/deye-bridge/deye-bridge/internal/pkg/logging"
	"github.com/deye-bridge/deye-bridge/internal/pkg/statecache"
)

const (
	minInterval = time.Second * 30
	maxInterval = time.Second * 300

	defaultWorkers       = 4
	defaultMaxRetries    = 2
	defaultCycleDeadline = time.Second * 45
	defaultBackoffBase   = time.Second
)

// CycleResult summarises one enumerate-fetch-reconcile pass.  It is
// emitted for observability and never persisted.
type CycleResult struct {
	ID               string
	StartedAt        time.Time
	FinishedAt       time.Time
	DevicesAttempted int
	DevicesSucceeded int
	DevicesFailed    map[string]statecache.Reason

	// Err is set when enumeration failed and the cycle was skipped
	Err error

	// Skipped is set when the previous cycle was still running
	Skipped bool
}

// Config tunes the polling loop.  Zero values select the defaults;
// the interval is clamped to the vendor's published rate-limit band.
type Config struct {
	Interval      time.Duration
	CycleDeadline time.Duration
	Workers       int
	MaxRetries    int

	// BackoffBase is the first retry delay, doubled per attempt.
	// Shrunk by tests.
	BackoffBase time.Duration
}

func (cfg Config) withDefaults() Config {
	if cfg.Interval == 0 {
		cfg.Interval = time.Second * 60
	}
	if cfg.Interval < minInterval {
		logging.Logger(nil).Warnf("poll interval %s below %s, clamping", cfg.Interval, minInterval)
		cfg.Interval = minInterval
	}
	if cfg.Interval > maxInterval {
		logging.Logger(nil).Warnf("poll interval %s above %s, clamping", cfg.Interval, maxInterval)
		cfg.Interval = maxInterval
	}
	if cfg.CycleDeadline == 0 {
		cfg.CycleDeadline = defaultCycleDeadline
	}
	if cfg.Workers == 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = defaultBackoffBase
	}

	return cfg
}

// Coordinator drives the periodic refresh: enumerate the account,
// fetch each device with bounded concurrency, reconcile into the cache.
type Coordinator struct {
	api     deyeapi.DeyeCloud
	cache   *statecache.Cache
	cfg     Config
	notify  func(CycleResult)
	metrics *Metrics

	running int32
}

// New builds a coordinator.  notify may be nil;  when set it is called
// synchronously with every completed (non-skipped) cycle's result.
func New(api deyeapi.DeyeCloud, cache *statecache.Cache, cfg Config, notify func(CycleResult), metrics *Metrics) *Coordinator {
	return &Coordinator{
		api:     api,
		cache:   cache,
		cfg:     cfg.withDefaults(),
		notify:  notify,
		metrics: metrics,
	}
}

// Interval reports the effective (clamped) polling interval
func (c *Coordinator) Interval() time.Duration {
	return c.cfg.Interval
}

// Run polls until the context is cancelled.  The first cycle starts
// immediately;  ticks that arrive while a cycle is still in flight are
// skipped so cycles never overlap.
func (c *Coordinator) Run(ctx context.Context) {
	logging.Logger(nil).Infof("poll-loop: refreshing every %s", c.cfg.Interval)

	c.RunCycle(ctx)

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.Logger(nil).Info("poll-loop: shutting down")
			return
		case <-ticker.C:
			c.RunCycle(ctx)
		}
	}
}

// RunCycle executes one enumerate-fetch-reconcile pass.  Safe to call
// concurrently with the loop: overlapping invocations are skipped.
func (c *Coordinator) RunCycle(ctx context.Context) CycleResult {
	if !atomic.CompareAndSwapInt32(&c.running, 0, 1) {
		logging.Logger(nil).Warn("poll-loop: previous cycle still running, skipping tick")
		res := CycleResult{ID: uuid.New().String(), Skipped: true}
		c.metrics.observeCycle(res, 0, 0)
		return res
	}
	defer atomic.StoreInt32(&c.running, 0)

	res := CycleResult{
		ID:            uuid.New().String(),
		StartedAt:     time.Now(),
		DevicesFailed: make(map[string]statecache.Reason),
	}
	ctxLogger := logging.Logger(nil).WithField("cycle", res.ID)

	cctx, cancel := context.WithTimeout(ctx, c.cfg.CycleDeadline)
	defer cancel()

	topo, err := c.api.Topology(cctx)
	if err != nil {
		reason := statecache.ReasonEnumerationFailed
		if deyeapi.KindOf(err) == deyeapi.FailureAuth {
			reason = statecache.ReasonAuthFailure
		}

		ctxLogger.WithError(err).Errorf("enumeration failed, marking all snapshots stale (%s)", reason)
		c.cache.MarkAllStale(reason)

		res.Err = err
		return c.finishCycle(res)
	}

	for _, station := range topo.Stations {
		c.cache.EnsureStation(station)
	}
	for _, device := range topo.Devices {
		c.cache.EnsureDevice(device)
	}

	res.DevicesAttempted = len(topo.Devices)
	st := newCycleState(c.cache)

	limit := limiter.NewConcurrencyLimiter(c.cfg.Workers)
	for _, device := range topo.Devices {
		sn := device.SN
		limit.ExecuteWithTicket(func(ticket int) {
			c.fetchDevice(cctx, cancel, ticket, sn, st)
		})
	}
	for _, station := range topo.Stations {
		id := station.ID
		limit.ExecuteWithTicket(func(ticket int) {
			c.fetchStation(cctx, ticket, id, st)
		})
	}

	// Wait for the pool, but only up to the cycle deadline.  Workers
	// still running after that are abandoned: the cycle state is closed
	// so their eventual results are discarded, and their devices are
	// reconciled as CycleTimeout below.
	waitDone := make(chan struct{})
	go func() {
		limit.Wait()
		close(waitDone)
	}()

	select {
	case <-waitDone:
	case <-cctx.Done():
	}

	outcomes, authAborted := st.close()

	for _, device := range topo.Devices {
		outcome, ok := outcomes[device.SN]
		switch {
		case !ok:
			reason := statecache.ReasonCycleTimeout
			if authAborted {
				reason = statecache.ReasonAuthFailure
			}
			c.cache.MarkStale(device.SN, reason)
			res.DevicesFailed[device.SN] = reason
		case outcome == "":
			res.DevicesSucceeded++
		default:
			res.DevicesFailed[device.SN] = outcome
		}
	}

	return c.finishCycle(res)
}

func (c *Coordinator) finishCycle(res CycleResult) CycleResult {
	res.FinishedAt = time.Now()

	known := 0
	stale := 0
	for _, snap := range c.cache.Devices() {
		known++
		if snap.Stale {
			stale++
		}
	}
	c.metrics.observeCycle(res, known, stale)

	logging.Logger(nil).WithField("cycle", res.ID).Infof(
		"cycle finished in %s: %d/%d devices ok, %d failed",
		res.FinishedAt.Sub(res.StartedAt).Round(time.Millisecond),
		res.DevicesSucceeded, res.DevicesAttempted, len(res.DevicesFailed))

	if c.notify != nil {
		c.notify(res)
	}

	return res
}

// fetchDevice polls one device, retrying transient and rate-limit
// failures with exponential backoff.  An auth failure cancels the whole
// cycle: credentials are an account-wide precondition.
func (c *Coordinator) fetchDevice(ctx context.Context, cancelCycle context.CancelFunc, ticket int, sn string, st *cycleState) {
	ctxLogger := logging.Logger(nil).WithField("device", sn)

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			st.failFromContext(sn, lastErr)
			return
		}

		if attempt > 0 {
			backoff := c.cfg.BackoffBase << (attempt - 1)
			if suggested := deyeapi.SuggestedBackoff(lastErr); suggested > backoff {
				backoff = suggested
			}
			ctxLogger.Debugf("fetch-worker %d: attempt %d failed, backing off %s", ticket, attempt, backoff)

			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				st.failFromContext(sn, lastErr)
				return
			}
		}

		dataList, err := c.api.LatestData(ctx, []string{sn})
		if err == nil {
			for _, dd := range dataList {
				if dd.SN == sn {
					st.succeed(sn, dd)
					return
				}
			}

			// The service answered but not about this device
			ctxLogger.Warn("latest-data response did not include the device")
			st.fail(sn, statecache.ReasonProtocolFailure)
			return
		}

		switch deyeapi.KindOf(err) {
		case deyeapi.FailureAuth:
			ctxLogger.WithError(err).Error("authentication failed, aborting cycle")
			st.abortAuth()
			cancelCycle()
			st.fail(sn, statecache.ReasonAuthFailure)
			return

		case deyeapi.FailureProtocol:
			ctxLogger.WithError(err).Error("unrecognized payload, not retrying")
			st.fail(sn, statecache.ReasonProtocolFailure)
			return

		default:
			// transient or rate-limited: retry within the bound
			lastErr = err
		}
	}

	ctxLogger.WithError(lastErr).Warnf("giving up after %d attempts", c.cfg.MaxRetries+1)
	st.fail(sn, statecache.ReasonForFailure(deyeapi.KindOf(lastErr)))
}

// fetchStation refreshes one station's rollup metrics.  Station data is
// supplementary, so a failure just marks the station stale: no retries.
func (c *Coordinator) fetchStation(ctx context.Context, ticket int, id string, st *cycleState) {
	data, err := c.api.StationLatest(ctx, id)
	if err != nil {
		logging.Logger(nil).WithError(err).Warnf("fetch-worker %d: station %s refresh failed", ticket, id)
		st.failStation(id, statecache.ReasonForFailure(deyeapi.KindOf(err)))
		return
	}

	st.succeedStation(id, data)
}

// cycleState collects per-device outcomes for one cycle and guards the
// cache against writes from workers that outlived the cycle.
type cycleState struct {
	cache *statecache.Cache

	mu          sync.Mutex
	closed      bool
	authAborted bool

	// empty reason means success
	outcomes map[string]statecache.Reason
}

func newCycleState(cache *statecache.Cache) *cycleState {
	return &cycleState{
		cache:    cache,
		outcomes: make(map[string]statecache.Reason),
	}
}

func (st *cycleState) succeed(sn string, dd deyeapi.DeviceData) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.closed {
		logging.Logger(nil).Debugf("discarding late result for device %s", sn)
		return
	}

	if err := st.cache.Upsert(sn, dd.Readings, dd.Controls, time.Now()); err != nil {
		logging.Logger(nil).WithError(err).Warnf("cannot reconcile device %s", sn)
		return
	}
	st.outcomes[sn] = ""
}

func (st *cycleState) fail(sn string, reason statecache.Reason) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.closed {
		return
	}

	st.cache.MarkStale(sn, reason)
	st.outcomes[sn] = reason
}

// failFromContext records a device whose fetch was cut short by cycle
// cancellation, distinguishing an auth abort from the deadline.
func (st *cycleState) failFromContext(sn string, lastErr error) {
	st.mu.Lock()
	aborted := st.authAborted
	st.mu.Unlock()

	if aborted {
		st.fail(sn, statecache.ReasonAuthFailure)
		return
	}
	if lastErr != nil {
		st.fail(sn, statecache.ReasonForFailure(deyeapi.KindOf(lastErr)))
		return
	}
	st.fail(sn, statecache.ReasonCycleTimeout)
}

func (st *cycleState) succeedStation(id string, data deyeapi.StationData) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.closed {
		return
	}

	if err := st.cache.UpsertStation(id, data.Readings, time.Now()); err != nil {
		logging.Logger(nil).WithError(err).Warnf("cannot reconcile station %s", id)
	}
}

func (st *cycleState) failStation(id string, reason statecache.Reason) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.closed {
		return
	}

	st.cache.MarkStationStale(id, reason)
}

func (st *cycleState) abortAuth() {
	st.mu.Lock()
	defer st.mu.Unlock()

	st.authAborted = true
}

// close ends the cycle: later worker results are discarded.  Returns
// the recorded outcomes and whether the cycle was auth-aborted.
func (st *cycleState) close() (map[string]statecache.Reason, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()

	st.closed = true

	out := make(map[string]statecache.Reason, len(st.outcomes))
	for k, v := range st.outcomes {
		out[k] = v
	}

	return out, st.authAborted
}
