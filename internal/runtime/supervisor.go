package runtime

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dgurram/decoy/internal/config"
	"github.com/dgurram/decoy/internal/probe"
	"github.com/dgurram/decoy/internal/registry"
	"github.com/dgurram/decoy/internal/service/logger"
	"github.com/dgurram/decoy/internal/util"
	"github.com/dgurram/decoy/model"
)

const (
	agentPort        = "9090"
	agentSocketFile  = "agent.sock"
	agentMountTarget = "/run/agent"

	provisionAttempts = 3
	healthStrikes     = 3
	probeTimeout      = 5 * time.Second
)

// Initial delay between launch retries, doubling per attempt.
var provisionBackoff = time.Second

// Supervisor owns the arena of live runtimes. Exactly one container per
// worker; re-provisioning always tears the old one down first.
type Supervisor struct {
	driver    Driver
	reg       *registry.Registry
	cfg       *config.SupervisorConfig
	transport probe.TransportType

	mu       sync.Mutex
	arena    map[uuid.UUID]*runtimeState
	restarts map[uuid.UUID]int
	pending  map[uuid.UUID]bool
}

type runtimeState struct {
	handle      *Handle
	client      *probe.Client
	unreachable int
	degraded    int
}

var (
	sup       *Supervisor
	once      sync.Once
	initError error
)

func NewSupervisor(reg *registry.Registry) (*Supervisor, error) {
	once.Do(func() {
		cfg, err := config.GetSupervisorConfig()
		if err != nil {
			initError = err
			return
		}

		driver, err := NewDriver(cfg.RUNTIME_BACKEND, cfg.RUNTIME, cfg.SECCOMP_PROFILE)
		if err != nil {
			initError = err
			return
		}

		sup = NewSupervisorWithDeps(driver, reg, cfg)
	})
	if initError != nil {
		return nil, initError
	}
	return sup, nil
}

// NewSupervisorWithDeps wires an explicit driver and config, bypassing the
// singleton. Unit tests use it with a fake driver.
func NewSupervisorWithDeps(driver Driver, reg *registry.Registry, cfg *config.SupervisorConfig) *Supervisor {
	return &Supervisor{
		driver:    driver,
		reg:       reg,
		cfg:       cfg,
		transport: probe.TransportType(cfg.AGENT_TRANSPORT),
		arena:     make(map[uuid.UUID]*runtimeState),
		restarts:  make(map[uuid.UUID]int),
		pending:   make(map[uuid.UUID]bool),
	}
}

// Provision launches a container runtime for the worker. It is idempotent: an
// existing live handle is returned as-is, a dead one is replaced. Launch
// failures retry with doubling backoff before giving up.
func (s *Supervisor) Provision(ctx context.Context, w *model.Worker) (*Handle, error) {
	if h := s.liveHandle(ctx, w.ID); h != nil {
		return h, nil
	}

	s.mu.Lock()
	if s.pending[w.ID] {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: provision already in progress", model.ErrWorkerBusy)
	}
	s.pending[w.ID] = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, w.ID)
		s.mu.Unlock()
	}()

	runDir := s.workerRunDir(w.ID)
	if err := util.EnsureDirExist(runDir); err != nil {
		return nil, err
	}

	opts := s.launchOptions(w, runDir)

	var containerID string
	backoff := provisionBackoff
	for attempt := 1; ; attempt++ {
		id, err := s.driver.Launch(ctx, opts)
		if err == nil {
			containerID = id
			break
		}
		if attempt >= provisionAttempts {
			return nil, fmt.Errorf("provision worker %s: %w", w.ID, err)
		}
		logger.Log.Warn().Err(err).Str("workerID", w.ID.String()).Int("attempt", attempt).Msg("worker launch failed, retrying")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	h := &Handle{
		WorkerID:    w.ID,
		ContainerID: containerID,
		Backend:     s.driver.Backend(),
		StartedAt:   time.Now().UTC(),
	}

	var tr probe.Transport
	switch s.transport {
	case probe.UDS:
		h.Socket = filepath.Join(runDir, agentSocketFile)
		tr = probe.NewUDSTransport(h.Socket)
	case probe.TCP:
		ip, err := s.driver.GetIP(ctx, containerID)
		if err != nil {
			s.driver.Remove(ctx, containerID)
			return nil, err
		}
		h.Addr = net.JoinHostPort(ip, agentPort)
		tr = probe.NewTCPTransport(h.Addr)
	default:
		s.driver.Remove(ctx, containerID)
		return nil, fmt.Errorf("unsupported agent transport: %s", s.transport)
	}

	s.mu.Lock()
	s.arena[w.ID] = &runtimeState{handle: h, client: probe.NewClient(tr)}
	s.mu.Unlock()

	logger.Log.Info().
		Str("workerID", w.ID.String()).
		Str("containerID", containerID).
		Str("backend", h.Backend).
		Msg("worker runtime provisioned")
	return h, nil
}

// liveHandle returns the existing handle when its container still runs, and
// clears a stale entry otherwise.
func (s *Supervisor) liveHandle(ctx context.Context, workerID uuid.UUID) *Handle {
	s.mu.Lock()
	st, ok := s.arena[workerID]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	running, err := s.driver.IsRunning(ctx, st.handle.ContainerID)
	if err == nil && running {
		return st.handle
	}

	if err := s.Teardown(ctx, workerID); err != nil {
		logger.Log.Warn().Err(err).Str("workerID", workerID.String()).Msg("stale runtime teardown failed")
	}
	return nil
}

// HealthCheck folds the container state and the agent's health report into
// one condition.
func (s *Supervisor) HealthCheck(ctx context.Context, workerID uuid.UUID) (Condition, error) {
	s.mu.Lock()
	st, ok := s.arena[workerID]
	s.mu.Unlock()
	if !ok {
		return Unreachable, model.ErrNotFound
	}

	running, err := s.driver.IsRunning(ctx, st.handle.ContainerID)
	if err != nil || !running {
		return Unreachable, nil
	}

	hctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	health, err := st.client.Health(hctx)
	if err != nil {
		return Unreachable, nil
	}
	if health.Status != model.SessionConnected {
		return Degraded, nil
	}
	return Healthy, nil
}

// Invoke runs one validation on the worker's agent. A missing runtime is a
// transient failure so the task fails over while the monitor heals the worker.
func (s *Supervisor) Invoke(ctx context.Context, workerID uuid.UUID, req model.ProbeRequest, timeout time.Duration) (*model.ProbeResult, error) {
	s.mu.Lock()
	st, ok := s.arena[workerID]
	s.mu.Unlock()
	if !ok {
		return nil, model.Transient(fmt.Errorf("worker %s has no runtime", workerID))
	}
	return st.client.Validate(ctx, req, timeout)
}

// Teardown stops and removes the worker's container and always drops the
// arena entry, even when the driver errors.
func (s *Supervisor) Teardown(ctx context.Context, workerID uuid.UUID) error {
	s.mu.Lock()
	st, ok := s.arena[workerID]
	delete(s.arena, workerID)
	s.mu.Unlock()
	if !ok {
		return nil
	}

	if err := s.driver.Stop(ctx, st.handle.ContainerID); err != nil {
		logger.Log.Warn().Err(err).Str("workerID", workerID.String()).Msg("graceful stop failed, removing anyway")
	}
	if err := s.driver.Remove(ctx, st.handle.ContainerID); err != nil {
		return fmt.Errorf("remove runtime for worker %s: %w", workerID, err)
	}

	if err := os.RemoveAll(s.workerRunDir(workerID)); err != nil {
		logger.Log.Warn().Err(err).Str("workerID", workerID.String()).Msg("could not clean worker run dir")
	}
	return nil
}

// Recreate tears the worker's runtime down and provisions a fresh one. Used
// for re-login (new session) and by the monitor's self-heal.
func (s *Supervisor) Recreate(ctx context.Context, w *model.Worker) (*Handle, error) {
	if err := s.Teardown(ctx, w.ID); err != nil {
		logger.Log.Warn().Err(err).Str("workerID", w.ID.String()).Msg("teardown before recreate failed")
	}
	return s.Provision(ctx, w)
}

// ShutdownAll tears down every live runtime. Called on orchestrator exit.
func (s *Supervisor) ShutdownAll(ctx context.Context) {
	for _, workerID := range s.workerIDs() {
		if err := s.Teardown(ctx, workerID); err != nil {
			logger.Log.Error().Err(err).Str("workerID", workerID.String()).Msg("teardown on shutdown failed")
		}
	}
}

// Handle returns the live handle for a worker, if any.
func (s *Supervisor) Handle(workerID uuid.UUID) (*Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.arena[workerID]
	if !ok {
		return nil, false
	}
	return st.handle, true
}

// Monitor polls every runtime each health interval and heals the ones that
// stay unreachable or degraded. Blocks until ctx is cancelled.
func (s *Supervisor) Monitor(ctx context.Context) {
	interval := time.Duration(s.cfg.HEALTH_INTERVAL_SEC) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Supervisor) sweep(ctx context.Context) {
	for _, workerID := range s.workerIDs() {
		if err := ctx.Err(); err != nil {
			return
		}
		s.checkWorker(ctx, workerID)
	}
}

func (s *Supervisor) checkWorker(ctx context.Context, workerID uuid.UUID) {
	cond, err := s.HealthCheck(ctx, workerID)
	if err != nil {
		return
	}

	s.mu.Lock()
	st, ok := s.arena[workerID]
	if !ok {
		s.mu.Unlock()
		return
	}

	if cond == Healthy {
		recovered := st.unreachable > 0 || st.degraded > 0
		st.unreachable = 0
		st.degraded = 0
		s.restarts[workerID] = 0
		s.mu.Unlock()
		if recovered {
			if _, err := s.reg.ClearFailures(ctx, workerID.String()); err != nil {
				logger.Log.Error().Err(err).Str("workerID", workerID.String()).Msg("unable to clear failure streak")
			}
		}
		return
	}

	if cond == Unreachable {
		st.unreachable++
	} else {
		st.degraded++
	}
	strikes := st.unreachable
	if st.degraded > strikes {
		strikes = st.degraded
	}
	s.mu.Unlock()

	logger.Log.Warn().
		Str("workerID", workerID.String()).
		Str("condition", string(cond)).
		Int("strikes", strikes).
		Msg("worker runtime unhealthy")

	if strikes >= healthStrikes {
		s.heal(ctx, workerID)
	}
}

// heal replaces a persistently unhealthy runtime. Each heal charges one
// failure to the worker; a failed post-provision probe counts toward the
// restart-storm cap, and exceeding the cap parks the worker in error until an
// operator re-login.
func (s *Supervisor) heal(ctx context.Context, workerID uuid.UUID) {
	w, err := s.reg.MarkFailure(ctx, workerID.String())
	if err != nil {
		logger.Log.Error().Err(err).Str("workerID", workerID.String()).Msg("unable to record runtime failure")
		return
	}
	if w.Status == model.WorkerError {
		// Failure threshold tripped; park the runtime.
		s.Teardown(ctx, workerID)
		return
	}

	if _, err := s.Recreate(ctx, w); err != nil {
		logger.Log.Error().Err(err).Str("workerID", workerID.String()).Msg("self-heal provision failed")
		s.parkWorker(ctx, workerID)
		return
	}

	cond, _ := s.HealthCheck(ctx, workerID)
	s.mu.Lock()
	if cond == Healthy {
		s.restarts[workerID] = 0
		s.mu.Unlock()
		return
	}
	s.restarts[workerID]++
	storm := s.restarts[workerID]
	s.mu.Unlock()

	if storm > s.cfg.RESTART_STORM_LIMIT {
		logger.Log.Error().
			Str("workerID", workerID.String()).
			Int("restarts", storm).
			Msg("restart storm cap hit, parking worker")
		s.parkWorker(ctx, workerID)
	}
}

func (s *Supervisor) parkWorker(ctx context.Context, workerID uuid.UUID) {
	s.Teardown(ctx, workerID)
	s.mu.Lock()
	delete(s.restarts, workerID)
	s.mu.Unlock()
	if err := s.reg.UpdateStatus(ctx, workerID.String(), model.WorkerError); err != nil {
		logger.Log.Error().Err(err).Str("workerID", workerID.String()).Msg("unable to park worker in error")
	}
}

func (s *Supervisor) workerIDs() []uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]uuid.UUID, 0, len(s.arena))
	for id := range s.arena {
		ids = append(ids, id)
	}
	return ids
}

func (s *Supervisor) workerRunDir(workerID uuid.UUID) string {
	return filepath.Join(s.cfg.RUN_DIR, workerID.String())
}

func (s *Supervisor) launchOptions(w *model.Worker, runDir string) model.LaunchOptions {
	return model.LaunchOptions{
		Name:        "decoy-" + w.ID.String(),
		Image:       s.cfg.WORKER_IMAGE,
		CPUQuota:    int64(s.cfg.CPU_QUOTA),
		MemoryLimit: int64(s.cfg.MEMORY_LIMIT_BYTES),
		PidsLimit:   int64(s.cfg.PIDS_LIMIT),
		Env:         s.agentEnv(w),
		Labels: map[string]string{
			"decoy.worker":   w.ID.String(),
			"decoy.platform": string(w.Platform),
		},
		RunDir: runDir,
	}
}

// agentEnv pins the session to its egress proxy and device identity at
// container create time, before the driver process starts.
func (s *Supervisor) agentEnv(w *model.Worker) map[string]string {
	env := map[string]string{
		"PLATFORM":    string(w.Platform),
		"PHONE":       w.Phone,
		"PROXY_URL":   proxyURL(w.Proxy),
		"FP_DEVICE":   w.Fingerprint.Device,
		"FP_LOCALE":   w.Fingerprint.Locale,
		"FP_TIMEZONE": w.Fingerprint.Timezone,
	}
	if w.SessionRef != "" {
		env["SESSION_REF"] = w.SessionRef
	}

	switch s.transport {
	case probe.TCP:
		env["TRANSPORT"] = string(probe.TCP)
		env["PORT"] = agentPort
	default:
		env["TRANSPORT"] = string(probe.UDS)
		env["SOCKET_PATH"] = filepath.Join(agentMountTarget, agentSocketFile)
	}
	return env
}

func proxyURL(p model.Proxy) string {
	u := url.URL{
		Scheme: p.Scheme,
		Host:   net.JoinHostPort(p.Host, strconv.Itoa(p.Port)),
	}
	if p.Username != "" {
		u.User = url.UserPassword(p.Username, p.Password)
	}
	return u.String()
}
