// Package registry tracks runners: the self-hosted poller processes that
// claim and execute runs. Registration is idempotent and identity is
// derived from the runner's stable attributes, so a restarted runner
// reclaims its previous entry.
package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentor/agentor/internal/capability"
	"github.com/agentor/agentor/internal/common/logger"
	busevents "github.com/agentor/agentor/internal/events"
	"github.com/agentor/agentor/internal/events/bus"
)

// RunnerStatus is the registry's view of a runner's liveness.
type RunnerStatus string

const (
	StatusOnline       RunnerStatus = "online"
	StatusStale        RunnerStatus = "stale"
	StatusShuttingDown RunnerStatus = "shutting_down"
)

// Runner is one registered poller.
type Runner struct {
	RunnerID        string                  `json:"runner_id"`
	Hostname        string                  `json:"hostname"`
	ProjectDir      string                  `json:"project_dir"`
	ExecutorProfile string                  `json:"executor_profile"`
	Capabilities    capability.Capabilities `json:"capabilities"`
	Status          RunnerStatus            `json:"status"`
	RegisteredAt    time.Time               `json:"registered_at"`
	LastHeartbeat   time.Time               `json:"last_heartbeat"`
}

// RunnerID derives the deterministic runner identity from the attributes
// that define a distinct execution environment.
func RunnerID(hostname, projectDir, executorProfile string) string {
	sum := sha256.Sum256([]byte(hostname + "|" + projectDir + "|" + executorProfile))
	return "lnch_" + hex.EncodeToString(sum[:])[:12]
}

// Config holds registry behaviour.
type Config struct {
	HeartbeatInterval time.Duration // advertised to runners at registration
	HeartbeatTimeout  time.Duration // silence after which a runner is stale
	SweepInterval     time.Duration
}

type runnerEntry struct {
	runner       Runner
	deregistered bool
	stopRuns     []string
}

// Registry is the in-memory runner table. Runner state is ephemeral on
// purpose: a coordinator restart just waits for the next poll to
// repopulate it.
type Registry struct {
	mu      sync.Mutex
	runners map[string]*runnerEntry
	// wakeCh is closed and replaced on Wake; long-pollers snapshot it via
	// WakeChan so every waiter of the current generation is released.
	wakeCh chan struct{}

	bus    bus.EventBus
	logger *logger.Logger
	config Config

	runMu   sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates an empty registry.
func New(eventBus bus.EventBus, cfg Config, log *logger.Logger) *Registry {
	return &Registry{
		runners: make(map[string]*runnerEntry),
		wakeCh:  make(chan struct{}),
		bus:     eventBus,
		logger:  log.WithFields(zap.String("component", "runner_registry")),
		config:  cfg,
	}
}

// Register adds or refreshes a runner. Re-registering clears any pending
// deregistration so a restarted runner resumes polling immediately.
func (r *Registry) Register(ctx context.Context, hostname, projectDir, executorProfile string, caps capability.Capabilities) *Runner {
	id := RunnerID(hostname, projectDir, executorProfile)
	now := time.Now().UTC()

	r.mu.Lock()
	entry, exists := r.runners[id]
	if !exists {
		entry = &runnerEntry{
			runner: Runner{
				RunnerID:        id,
				Hostname:        hostname,
				ProjectDir:      projectDir,
				ExecutorProfile: executorProfile,
				RegisteredAt:    now,
			},
		}
		r.runners[id] = entry
	}
	entry.runner.Capabilities = caps
	entry.runner.LastHeartbeat = now
	entry.deregistered = false
	snapshot := entry.runner
	r.mu.Unlock()

	r.publish(ctx, busevents.SubjectRunnerRegistered, map[string]interface{}{
		"runner_id": id,
		"hostname":  hostname,
	})
	r.logger.Info("runner registered",
		zap.String("runner_id", id),
		zap.String("hostname", hostname),
		zap.Strings("tags", caps.Tags))
	return &snapshot
}

// Heartbeat refreshes a runner's liveness. Unknown runners report false
// so the caller can tell the runner to re-register.
func (r *Registry) Heartbeat(runnerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.runners[runnerID]
	if !ok {
		return false
	}
	entry.runner.LastHeartbeat = time.Now().UTC()
	return true
}

// Touch refreshes liveness as a side effect of polling.
func (r *Registry) Touch(runnerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.runners[runnerID]; ok {
		entry.runner.LastHeartbeat = time.Now().UTC()
	}
}

// Get returns a snapshot of one runner.
func (r *Registry) Get(runnerID string) (*Runner, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.runners[runnerID]
	if !ok {
		return nil, false
	}
	snapshot := entry.runner
	snapshot.Status = r.statusLocked(entry)
	return &snapshot, true
}

// List returns all runners with their computed status.
func (r *Registry) List() []*Runner {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Runner, 0, len(r.runners))
	for _, entry := range r.runners {
		snapshot := entry.runner
		snapshot.Status = r.statusLocked(entry)
		out = append(out, &snapshot)
	}
	return out
}

func (r *Registry) statusLocked(entry *runnerEntry) RunnerStatus {
	if entry.deregistered {
		return StatusShuttingDown
	}
	if time.Since(entry.runner.LastHeartbeat) > r.config.HeartbeatTimeout {
		return StatusStale
	}
	return StatusOnline
}

// MarkDeregistered flags a runner for shutdown. The runner learns about
// it on its next poll and stops polling.
func (r *Registry) MarkDeregistered(ctx context.Context, runnerID string) bool {
	r.mu.Lock()
	entry, ok := r.runners[runnerID]
	if ok {
		entry.deregistered = true
	}
	r.mu.Unlock()
	if !ok {
		return false
	}

	r.publish(ctx, busevents.SubjectRunnerDeregistered, map[string]interface{}{
		"runner_id": runnerID,
	})
	r.logger.Info("runner marked for deregistration", zap.String("runner_id", runnerID))
	r.Wake()
	return true
}

// IsDeregistered reports whether the runner was told to shut down.
func (r *Registry) IsDeregistered(runnerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.runners[runnerID]
	return ok && entry.deregistered
}

// Remove drops a runner from the table entirely.
func (r *Registry) Remove(runnerID string) {
	r.mu.Lock()
	delete(r.runners, runnerID)
	r.mu.Unlock()
}

// EnqueueStop queues a stop instruction for the runner owning a run. The
// instruction is delivered on the runner's next poll.
func (r *Registry) EnqueueStop(runnerID, runID string) {
	r.mu.Lock()
	entry, ok := r.runners[runnerID]
	if ok {
		entry.stopRuns = append(entry.stopRuns, runID)
	}
	r.mu.Unlock()
	if ok {
		r.Wake()
	}
}

// DrainStops returns and clears the runner's pending stop instructions.
func (r *Registry) DrainStops(runnerID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.runners[runnerID]
	if !ok || len(entry.stopRuns) == 0 {
		return nil
	}
	stops := entry.stopRuns
	entry.stopRuns = nil
	return stops
}

// WakeChan returns the current wake generation. It is closed on the next
// Wake, releasing every long-poller waiting on it.
func (r *Registry) WakeChan() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.wakeCh
}

// Wake releases all current long-pollers.
func (r *Registry) Wake() {
	r.mu.Lock()
	close(r.wakeCh)
	r.wakeCh = make(chan struct{})
	r.mu.Unlock()
}

// Start launches the staleness sweeper.
func (r *Registry) Start(ctx context.Context) {
	r.runMu.Lock()
	if r.running {
		r.runMu.Unlock()
		return
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.runMu.Unlock()

	r.wg.Add(1)
	go r.sweepLoop(ctx)
}

// Stop halts the staleness sweeper.
func (r *Registry) Stop() {
	r.runMu.Lock()
	if !r.running {
		r.runMu.Unlock()
		return
	}
	r.running = false
	close(r.stopCh)
	r.runMu.Unlock()
	r.wg.Wait()
}

func (r *Registry) sweepLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.sweepStale(ctx)
		}
	}
}

func (r *Registry) sweepStale(ctx context.Context) {
	r.mu.Lock()
	stale := make([]string, 0)
	for id, entry := range r.runners {
		if !entry.deregistered && time.Since(entry.runner.LastHeartbeat) > r.config.HeartbeatTimeout {
			stale = append(stale, id)
		}
	}
	r.mu.Unlock()

	for _, id := range stale {
		r.publish(ctx, busevents.SubjectRunnerStale, map[string]interface{}{
			"runner_id": id,
		})
		r.logger.Warn("runner heartbeat missed", zap.String("runner_id", id))
	}
}

func (r *Registry) publish(ctx context.Context, subject string, data map[string]interface{}) {
	if r.bus == nil {
		return
	}
	if err := busevents.Publish(ctx, r.bus, subject, "runner_registry", data); err != nil {
		r.logger.Warn("failed to publish bus event",
			zap.String("subject", subject),
			zap.Error(err))
	}
}
