package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/flowmesh/flowmesh/pkg/config"
	"github.com/flowmesh/flowmesh/pkg/models"
	"github.com/flowmesh/flowmesh/pkg/queue"
)

// ErrProvisionTimeout is returned when a sandbox's MCP endpoint never became
// healthy within the provisioning deadline.
var ErrProvisionTimeout = errors.New("sandbox provisioning timed out")

// Metadata is the persistence surface the controller needs. *Store is the
// production implementation; tests substitute an in-memory one.
type Metadata interface {
	Create(ctx context.Context, sb *models.Sandbox) error
	Get(ctx context.Context, sandboxID string) (*models.Sandbox, error)
	GetLive(ctx context.Context, sandboxID string) (*models.Sandbox, error)
	FindLive(ctx context.Context, userID, sessionID string) (*models.Sandbox, error)
	UpdateStatus(ctx context.Context, sandboxID string, to models.SandboxStatus) error
	UpdateEndpoints(ctx context.Context, sandboxID, providerID, mcpURL, vscodeURL string) error
	Touch(ctx context.Context, sandboxID string) (time.Time, error)
}

// Controller drives sandbox lifecycles: session-sticky get-or-create,
// activity-driven pause/delete scheduling, and provider pass-through
// operations. Concurrent GetOrCreate calls for the same (user, session)
// collapse into one provisioning flight.
type Controller struct {
	store    Metadata
	provider Provider
	queue    *queue.DelayQueue
	prober   HealthProber
	resolver SnapshotResolver
	cfg      config.SandboxConfig

	flights singleflight.Group
	logger  *slog.Logger
}

// NewController wires a controller. prober and resolver may be nil; a nil
// prober skips readiness checks, a nil resolver always falls back to the
// base template.
func NewController(store Metadata, provider Provider, q *queue.DelayQueue,
	prober HealthProber, resolver SnapshotResolver, cfg config.SandboxConfig) *Controller {
	return &Controller{
		store:    store,
		provider: provider,
		queue:    q,
		prober:   prober,
		resolver: resolver,
		cfg:      cfg,
		logger:   slog.Default().With("component", "sandbox"),
	}
}

// GetOrCreate returns the live sandbox for (user, session), reviving or
// creating one as needed. At most one provisioning flight runs per key.
func (c *Controller) GetOrCreate(ctx context.Context, userID, sessionID string, spec SnapshotSpec) (*models.Sandbox, error) {
	key := userID + ":" + sessionID
	v, err, _ := c.flights.Do(key, func() (any, error) {
		return c.getOrCreate(ctx, userID, sessionID, spec)
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.Sandbox), nil
}

func (c *Controller) getOrCreate(ctx context.Context, userID, sessionID string, spec SnapshotSpec) (*models.Sandbox, error) {
	sb, err := c.store.FindLive(ctx, userID, sessionID)
	switch {
	case err == nil:
		return c.revive(ctx, sb)
	case errors.Is(err, ErrNotFound):
		return c.create(ctx, userID, sessionID, spec)
	default:
		return nil, err
	}
}

// revive brings an existing record back to running. The provider is the
// source of truth for reachability: a sandbox the provider lost is marked
// failed so the next call creates a fresh one.
func (c *Controller) revive(ctx context.Context, sb *models.Sandbox) (*models.Sandbox, error) {
	switch sb.Status {
	case models.SandboxRunning:
		if _, err := c.provider.Connect(ctx, sb.ProviderSandboxID); err != nil {
			c.logger.Warn("running sandbox unreachable, marking failed",
				"sandbox_id", sb.ID, "error", err)
			if serr := c.store.UpdateStatus(ctx, sb.ID, models.SandboxFailed); serr != nil {
				return nil, serr
			}
			return nil, fmt.Errorf("sandbox %s unreachable: %w", sb.ID, err)
		}

	case models.SandboxPaused:
		inst, err := c.provider.Connect(ctx, sb.ProviderSandboxID)
		if err != nil {
			return nil, fmt.Errorf("failed to connect sandbox %s: %w", sb.ID, err)
		}
		if err := inst.Resume(ctx); err != nil {
			return nil, fmt.Errorf("failed to resume sandbox %s: %w", sb.ID, err)
		}
		if err := c.store.UpdateStatus(ctx, sb.ID, models.SandboxRunning); err != nil {
			return nil, err
		}
		sb.Status = models.SandboxRunning

	case models.SandboxStopped:
		if err := c.restart(ctx, sb); err != nil {
			return nil, err
		}

	case models.SandboxInitializing:
		// Another replica is provisioning; wait for it to finish.
		revived, err := c.awaitRunning(ctx, sb.ID)
		if err != nil {
			return nil, err
		}
		sb = revived

	default:
		return nil, fmt.Errorf("sandbox %s in unexpected state %s", sb.ID, sb.Status)
	}

	if err := c.TouchActivity(ctx, sb.ID); err != nil {
		return nil, err
	}
	return sb, nil
}

// create provisions a new sandbox: insert an initializing record first so
// the partial unique index serializes concurrent creators across replicas,
// then provision, expose ports, and wait for the MCP server to come up.
func (c *Controller) create(ctx context.Context, userID, sessionID string, spec SnapshotSpec) (*models.Sandbox, error) {
	templateID := c.cfg.TemplateID
	snapshotID := ""
	if c.resolver != nil {
		if id := c.resolver.Resolve(spec.Key()); id != "" {
			templateID = id
			snapshotID = spec.Key()
		}
	}

	now := time.Now().UTC()
	sb := &models.Sandbox{
		ID:             uuid.NewString(),
		UserID:         userID,
		SessionID:      sessionID,
		Status:         models.SandboxInitializing,
		TemplateID:     templateID,
		SnapshotID:     snapshotID,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	if err := c.store.Create(ctx, sb); err != nil {
		// A concurrent creator on another replica won the unique index race;
		// fall back to its record.
		if existing, ferr := c.store.FindLive(ctx, userID, sessionID); ferr == nil && existing.ID != sb.ID {
			return c.revive(ctx, existing)
		}
		return nil, err
	}

	cctx, cancel := context.WithTimeout(ctx, c.cfg.CreateTimeout)
	defer cancel()

	if err := c.provision(cctx, sb); err != nil {
		if serr := c.store.UpdateStatus(ctx, sb.ID, models.SandboxFailed); serr != nil {
			c.logger.Error("failed to mark sandbox failed", "sandbox_id", sb.ID, "error", serr)
		}
		return nil, err
	}

	if err := c.store.UpdateStatus(ctx, sb.ID, models.SandboxRunning); err != nil {
		return nil, err
	}
	sb.Status = models.SandboxRunning

	if err := c.scheduleTimeouts(ctx, sb.ID, sb.LastActivityAt); err != nil {
		c.logger.Warn("failed to schedule sandbox timeouts", "sandbox_id", sb.ID, "error", err)
	}
	c.logger.Info("sandbox created", "sandbox_id", sb.ID, "user_id", userID,
		"template_id", templateID, "snapshot", snapshotID != "")
	return sb, nil
}

func (c *Controller) provision(ctx context.Context, sb *models.Sandbox) error {
	inst, err := c.provider.Create(ctx, sb.UserID, sb.TemplateID)
	if err != nil {
		return fmt.Errorf("provider create failed: %w", err)
	}

	mcpURL, err := inst.ExposePort(ctx, c.cfg.MCPServerPort)
	if err != nil {
		return fmt.Errorf("failed to expose MCP port: %w", err)
	}
	vscodeURL, err := inst.ExposePort(ctx, c.cfg.CodeServerPort)
	if err != nil {
		return fmt.Errorf("failed to expose code server port: %w", err)
	}

	sb.ProviderSandboxID = inst.ID()
	sb.MCPURL = mcpURL
	sb.VSCodeURL = vscodeURL
	if err := c.store.UpdateEndpoints(ctx, sb.ID, inst.ID(), mcpURL, vscodeURL); err != nil {
		return err
	}
	return c.awaitHealthy(ctx, mcpURL)
}

// awaitHealthy probes the MCP endpoint until it answers or the deadline
// passes. The endpoint needs time to install packages on first boot.
func (c *Controller) awaitHealthy(ctx context.Context, mcpURL string) error {
	if c.prober == nil {
		return nil
	}
	deadline := time.Now().Add(c.cfg.HealthDeadline)
	for {
		pctx, cancel := context.WithTimeout(ctx, c.cfg.HealthProbeTimeout)
		err := c.prober.Probe(pctx, mcpURL)
		cancel()
		if err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %v", ErrProvisionTimeout, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.HealthProbeTimeout):
		}
	}
}

// awaitRunning polls the store while another flight finishes provisioning.
func (c *Controller) awaitRunning(ctx context.Context, sandboxID string) (*models.Sandbox, error) {
	deadline := time.Now().Add(c.cfg.CreateTimeout)
	for {
		sb, err := c.store.GetLive(ctx, sandboxID)
		if err != nil {
			return nil, err
		}
		if sb.Status == models.SandboxRunning {
			return sb, nil
		}
		if time.Now().After(deadline) {
			return nil, ErrProvisionTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}

// restart replaces the provider instance of a stopped sandbox while keeping
// the record and its session binding.
func (c *Controller) restart(ctx context.Context, sb *models.Sandbox) error {
	cctx, cancel := context.WithTimeout(ctx, c.cfg.CreateTimeout)
	defer cancel()

	if err := c.provision(cctx, sb); err != nil {
		return fmt.Errorf("failed to restart sandbox %s: %w", sb.ID, err)
	}
	if err := c.store.UpdateStatus(ctx, sb.ID, models.SandboxRunning); err != nil {
		return err
	}
	sb.Status = models.SandboxRunning
	return nil
}

// Connect returns a live sandbox by id, resuming it if paused.
func (c *Controller) Connect(ctx context.Context, sandboxID string) (*models.Sandbox, error) {
	sb, err := c.store.GetLive(ctx, sandboxID)
	if err != nil {
		return nil, err
	}
	return c.revive(ctx, sb)
}

// TouchActivity records activity and re-arms the pause and delete timers
// from now.
func (c *Controller) TouchActivity(ctx context.Context, sandboxID string) error {
	at, err := c.store.Touch(ctx, sandboxID)
	if err != nil {
		return err
	}
	return c.scheduleTimeouts(ctx, sandboxID, at)
}

// scheduleTimeouts arms pause at activity+timeout-pauseBefore and delete at
// activity+timeout. Scheduling is keyed, so re-arming replaces prior timers.
func (c *Controller) scheduleTimeouts(ctx context.Context, sandboxID string, activityAt time.Time) error {
	if c.queue == nil {
		return nil
	}
	pauseAt := activityAt.Add(c.cfg.Timeout - c.cfg.PauseBeforeTimeout)
	if err := c.queue.Schedule(ctx, sandboxID, queue.ActionPause, pauseAt); err != nil {
		return err
	}
	return c.queue.Schedule(ctx, sandboxID, queue.ActionDelete, activityAt.Add(c.cfg.Timeout))
}

// HandleTimeout is the delay-queue consumer entrypoint. Stale messages,
// meaning those scheduled before the latest activity re-armed the timers, are
// dropped; delivery is at-least-once so the check is mandatory.
func (c *Controller) HandleTimeout(ctx context.Context, msg queue.Message) error {
	sb, err := c.store.Get(ctx, msg.SandboxID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if sb.Status.Terminal() {
		return nil
	}

	var due time.Time
	switch msg.Action {
	case queue.ActionPause:
		due = sb.LastActivityAt.Add(c.cfg.Timeout - c.cfg.PauseBeforeTimeout)
	case queue.ActionDelete:
		due = sb.LastActivityAt.Add(c.cfg.Timeout)
	default:
		return fmt.Errorf("unknown action %q", msg.Action)
	}
	if time.Now().Before(due) {
		// Activity since scheduling; the re-armed timer will fire later.
		return nil
	}

	switch msg.Action {
	case queue.ActionPause:
		return c.pause(ctx, sb)
	default:
		return c.Delete(ctx, sb.ID)
	}
}

func (c *Controller) pause(ctx context.Context, sb *models.Sandbox) error {
	if sb.Status != models.SandboxRunning {
		return nil
	}
	inst, err := c.provider.Connect(ctx, sb.ProviderSandboxID)
	if err != nil {
		return fmt.Errorf("failed to connect sandbox %s for pause: %w", sb.ID, err)
	}
	if err := inst.Pause(ctx); err != nil {
		return fmt.Errorf("failed to pause sandbox %s: %w", sb.ID, err)
	}
	if err := c.store.UpdateStatus(ctx, sb.ID, models.SandboxPaused); err != nil {
		return err
	}
	c.logger.Info("sandbox paused", "sandbox_id", sb.ID)
	return nil
}

// Delete tears a sandbox down and cancels its timers. Provider teardown
// failures still mark the record deleted; the provider's own expiry catches
// stragglers.
func (c *Controller) Delete(ctx context.Context, sandboxID string) error {
	sb, err := c.store.Get(ctx, sandboxID)
	if errors.Is(err, ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if sb.Status == models.SandboxDeleted {
		return nil
	}

	if c.queue != nil {
		_ = c.queue.Cancel(ctx, sandboxID, queue.ActionPause)
		_ = c.queue.Cancel(ctx, sandboxID, queue.ActionDelete)
	}

	if sb.ProviderSandboxID != "" {
		if inst, cerr := c.provider.Connect(ctx, sb.ProviderSandboxID); cerr == nil {
			if derr := inst.Delete(ctx); derr != nil {
				c.logger.Warn("provider delete failed", "sandbox_id", sandboxID, "error", derr)
			}
		}
	}

	if err := c.store.UpdateStatus(ctx, sandboxID, models.SandboxDeleted); err != nil {
		return err
	}
	c.logger.Info("sandbox deleted", "sandbox_id", sandboxID)
	return nil
}

// instance reattaches to a live sandbox for a pass-through operation.
func (c *Controller) instance(ctx context.Context, sandboxID string) (Instance, *models.Sandbox, error) {
	sb, err := c.Connect(ctx, sandboxID)
	if err != nil {
		return nil, nil, err
	}
	inst, err := c.provider.Connect(ctx, sb.ProviderSandboxID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect sandbox %s: %w", sandboxID, err)
	}
	return inst, sb, nil
}

// RunCmd executes a command in the sandbox and records activity.
func (c *Controller) RunCmd(ctx context.Context, sandboxID, cmd string, background bool) (string, error) {
	inst, _, err := c.instance(ctx, sandboxID)
	if err != nil {
		return "", err
	}
	return inst.RunCmd(ctx, cmd, background)
}

// ReadFile reads a file from the sandbox filesystem.
func (c *Controller) ReadFile(ctx context.Context, sandboxID, path string) (string, error) {
	inst, _, err := c.instance(ctx, sandboxID)
	if err != nil {
		return "", err
	}
	return inst.ReadFile(ctx, path)
}

// WriteFile writes a file into the sandbox, creating parent directories.
func (c *Controller) WriteFile(ctx context.Context, sandboxID, path, content string) error {
	inst, _, err := c.instance(ctx, sandboxID)
	if err != nil {
		return err
	}
	if dir := parentDir(path); dir != "" {
		if err := inst.CreateDirectory(ctx, dir); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return inst.WriteFile(ctx, path, content)
}

func parentDir(path string) string {
	for i := len(path) - 1; i > 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return ""
}
