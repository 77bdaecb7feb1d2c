package sandbox

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/flowmesh/pkg/config"
	"github.com/flowmesh/flowmesh/pkg/models"
	"github.com/flowmesh/flowmesh/pkg/queue"
)

// fakeMetadata is an in-memory Metadata for controller tests.
type fakeMetadata struct {
	mu        sync.Mutex
	sandboxes map[string]*models.Sandbox
}

func newFakeMetadata() *fakeMetadata {
	return &fakeMetadata{sandboxes: make(map[string]*models.Sandbox)}
}

func (m *fakeMetadata) Create(ctx context.Context, sb *models.Sandbox) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.sandboxes {
		if existing.UserID == sb.UserID && existing.SessionID == sb.SessionID &&
			!existing.Status.Terminal() {
			return fmt.Errorf("duplicate live sandbox for %s/%s", sb.UserID, sb.SessionID)
		}
	}
	cp := *sb
	m.sandboxes[sb.ID] = &cp
	return nil
}

func (m *fakeMetadata) Get(ctx context.Context, sandboxID string) (*models.Sandbox, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sb, ok := m.sandboxes[sandboxID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sb
	return &cp, nil
}

func (m *fakeMetadata) GetLive(ctx context.Context, sandboxID string) (*models.Sandbox, error) {
	sb, err := m.Get(ctx, sandboxID)
	if err != nil {
		return nil, err
	}
	if sb.Status.Terminal() {
		return nil, ErrNotFound
	}
	return sb, nil
}

func (m *fakeMetadata) FindLive(ctx context.Context, userID, sessionID string) (*models.Sandbox, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sb := range m.sandboxes {
		if sb.UserID == userID && sb.SessionID == sessionID && !sb.Status.Terminal() {
			cp := *sb
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *fakeMetadata) UpdateStatus(ctx context.Context, sandboxID string, to models.SandboxStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sb, ok := m.sandboxes[sandboxID]
	if !ok {
		return ErrNotFound
	}
	if sb.Status == to {
		return nil
	}
	if err := models.ValidateSandboxTransition(sb.Status, to); err != nil {
		return err
	}
	sb.Status = to
	return nil
}

func (m *fakeMetadata) UpdateEndpoints(ctx context.Context, sandboxID, providerID, mcpURL, vscodeURL string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sb, ok := m.sandboxes[sandboxID]
	if !ok {
		return ErrNotFound
	}
	sb.ProviderSandboxID = providerID
	sb.MCPURL = mcpURL
	sb.VSCodeURL = vscodeURL
	return nil
}

func (m *fakeMetadata) Touch(ctx context.Context, sandboxID string) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sb, ok := m.sandboxes[sandboxID]
	if !ok {
		return time.Time{}, ErrNotFound
	}
	sb.LastActivityAt = time.Now().UTC()
	return sb.LastActivityAt, nil
}

func (m *fakeMetadata) seed(sb *models.Sandbox) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sb
	m.sandboxes[sb.ID] = &cp
}

// fakeProvider hands out fakeInstances and counts creations.
type fakeProvider struct {
	mu          sync.Mutex
	creates     atomic.Int64
	createDelay time.Duration
	connectErr  map[string]error
	instances   map[string]*fakeInstance
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		connectErr: make(map[string]error),
		instances:  make(map[string]*fakeInstance),
	}
}

func (p *fakeProvider) Create(ctx context.Context, userID, templateID string) (Instance, error) {
	if p.createDelay > 0 {
		time.Sleep(p.createDelay)
	}
	n := p.creates.Add(1)
	inst := &fakeInstance{id: fmt.Sprintf("prov-%d", n)}
	p.mu.Lock()
	p.instances[inst.id] = inst
	p.mu.Unlock()
	return inst, nil
}

func (p *fakeProvider) Connect(ctx context.Context, providerSandboxID string) (Instance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.connectErr[providerSandboxID]; err != nil {
		return nil, err
	}
	if inst, ok := p.instances[providerSandboxID]; ok {
		return inst, nil
	}
	inst := &fakeInstance{id: providerSandboxID}
	p.instances[providerSandboxID] = inst
	return inst, nil
}

type fakeInstance struct {
	mu      sync.Mutex
	id      string
	paused  bool
	deleted bool
	mkdirs  []string
	files   map[string]string
}

func (i *fakeInstance) ID() string { return i.id }

func (i *fakeInstance) Pause(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.paused = true
	return nil
}

func (i *fakeInstance) Resume(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.paused = false
	return nil
}

func (i *fakeInstance) Delete(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.deleted = true
	return nil
}

func (i *fakeInstance) ExposePort(ctx context.Context, port int) (string, error) {
	return fmt.Sprintf("https://%s-%d.sandbox.test", i.id, port), nil
}

func (i *fakeInstance) RunCmd(ctx context.Context, cmd string, background bool) (string, error) {
	return "ran: " + cmd, nil
}

func (i *fakeInstance) ReadFile(ctx context.Context, path string) (string, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	content, ok := i.files[path]
	if !ok {
		return "", fmt.Errorf("no such file %s", path)
	}
	return content, nil
}

func (i *fakeInstance) WriteFile(ctx context.Context, path, content string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.files == nil {
		i.files = make(map[string]string)
	}
	i.files[path] = content
	return nil
}

func (i *fakeInstance) CreateDirectory(ctx context.Context, path string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.mkdirs = append(i.mkdirs, path)
	return nil
}

func testSandboxConfig() config.SandboxConfig {
	return config.SandboxConfig{
		Timeout:            time.Hour,
		PauseBeforeTimeout: 10 * time.Minute,
		MCPServerPort:      6060,
		CodeServerPort:     9000,
		CreateTimeout:      5 * time.Second,
		HealthProbeTimeout: 10 * time.Millisecond,
		HealthDeadline:     50 * time.Millisecond,
		TemplateID:         "tpl-base",
	}
}

func newTestController(store Metadata, provider Provider) *Controller {
	return NewController(store, provider, nil, nil, nil, testSandboxConfig())
}

func TestGetOrCreateProvisionsOnce(t *testing.T) {
	store := newFakeMetadata()
	provider := newFakeProvider()
	provider.createDelay = 50 * time.Millisecond
	c := newTestController(store, provider)

	var wg sync.WaitGroup
	results := make([]*models.Sandbox, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.GetOrCreate(context.Background(), "user-1", "sess-1", SnapshotSpec{})
		}(i)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, int64(1), provider.creates.Load(), "concurrent callers share one flight")
	assert.Equal(t, results[0].ID, results[1].ID)
	assert.Equal(t, models.SandboxRunning, results[0].Status)
	assert.NotEmpty(t, results[0].MCPURL)
	assert.NotEmpty(t, results[0].VSCodeURL)
}

func TestGetOrCreateIsolatesSessions(t *testing.T) {
	store := newFakeMetadata()
	provider := newFakeProvider()
	c := newTestController(store, provider)

	a, err := c.GetOrCreate(context.Background(), "user-1", "sess-a", SnapshotSpec{})
	require.NoError(t, err)
	b, err := c.GetOrCreate(context.Background(), "user-1", "sess-b", SnapshotSpec{})
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, int64(2), provider.creates.Load())
}

func TestGetOrCreateReusesRunning(t *testing.T) {
	store := newFakeMetadata()
	provider := newFakeProvider()
	c := newTestController(store, provider)

	first, err := c.GetOrCreate(context.Background(), "user-1", "sess-1", SnapshotSpec{})
	require.NoError(t, err)
	second, err := c.GetOrCreate(context.Background(), "user-1", "sess-1", SnapshotSpec{})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, int64(1), provider.creates.Load())
}

func TestGetOrCreateResumesPaused(t *testing.T) {
	store := newFakeMetadata()
	provider := newFakeProvider()
	store.seed(&models.Sandbox{
		ID: "sbx-1", UserID: "user-1", SessionID: "sess-1",
		Status: models.SandboxPaused, ProviderSandboxID: "prov-frozen",
		LastActivityAt: time.Now().Add(-time.Hour),
	})
	c := newTestController(store, provider)

	sb, err := c.GetOrCreate(context.Background(), "user-1", "sess-1", SnapshotSpec{})
	require.NoError(t, err)
	assert.Equal(t, "sbx-1", sb.ID)
	assert.Equal(t, models.SandboxRunning, sb.Status)
	assert.Equal(t, int64(0), provider.creates.Load(), "revive must not provision")

	inst := provider.instances["prov-frozen"]
	require.NotNil(t, inst)
	assert.False(t, inst.paused)
}

func TestGetOrCreateReplacesUnreachable(t *testing.T) {
	store := newFakeMetadata()
	provider := newFakeProvider()
	store.seed(&models.Sandbox{
		ID: "sbx-1", UserID: "user-1", SessionID: "sess-1",
		Status: models.SandboxRunning, ProviderSandboxID: "prov-lost",
	})
	provider.connectErr["prov-lost"] = fmt.Errorf("instance gone")
	c := newTestController(store, provider)

	_, err := c.GetOrCreate(context.Background(), "user-1", "sess-1", SnapshotSpec{})
	require.Error(t, err)

	marked, err := store.Get(context.Background(), "sbx-1")
	require.NoError(t, err)
	assert.Equal(t, models.SandboxFailed, marked.Status)

	// The failed record no longer binds the session; a fresh one is created.
	sb, err := c.GetOrCreate(context.Background(), "user-1", "sess-1", SnapshotSpec{})
	require.NoError(t, err)
	assert.NotEqual(t, "sbx-1", sb.ID)
	assert.Equal(t, int64(1), provider.creates.Load())
}

func TestGetOrCreateUsesSnapshotTemplate(t *testing.T) {
	store := newFakeMetadata()
	provider := newFakeProvider()
	spec := SnapshotSpec{BaseImageVersion: "v3", PinnedDeps: []string{"numpy"}}
	resolver := NewStaticResolver(map[string]string{spec.Key(): "tpl-snap"})
	c := NewController(store, provider, nil, nil, resolver, testSandboxConfig())

	sb, err := c.GetOrCreate(context.Background(), "user-1", "sess-1", spec)
	require.NoError(t, err)
	assert.Equal(t, "tpl-snap", sb.TemplateID)
	assert.Equal(t, spec.Key(), sb.SnapshotID)

	// An unknown spec falls back to the base template.
	other, err := c.GetOrCreate(context.Background(), "user-1", "sess-2", SnapshotSpec{BaseImageVersion: "v9"})
	require.NoError(t, err)
	assert.Equal(t, "tpl-base", other.TemplateID)
	assert.Empty(t, other.SnapshotID)
}

func TestCreateFailsWhenNeverHealthy(t *testing.T) {
	store := newFakeMetadata()
	provider := newFakeProvider()
	prober := proberFunc(func(ctx context.Context, mcpURL string) error {
		return fmt.Errorf("still booting")
	})
	c := NewController(store, provider, nil, prober, nil, testSandboxConfig())

	_, err := c.GetOrCreate(context.Background(), "user-1", "sess-1", SnapshotSpec{})
	require.ErrorIs(t, err, ErrProvisionTimeout)

	sb, err := store.FindLive(context.Background(), "user-1", "sess-1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Nil(t, sb)
}

type proberFunc func(ctx context.Context, mcpURL string) error

func (f proberFunc) Probe(ctx context.Context, mcpURL string) error { return f(ctx, mcpURL) }

func TestConnectRejectsDeleted(t *testing.T) {
	store := newFakeMetadata()
	store.seed(&models.Sandbox{ID: "sbx-1", UserID: "u", Status: models.SandboxDeleted})
	c := newTestController(store, newFakeProvider())

	_, err := c.Connect(context.Background(), "sbx-1")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = c.Connect(context.Background(), "does-not-exist")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHandleTimeoutDropsStaleMessages(t *testing.T) {
	store := newFakeMetadata()
	provider := newFakeProvider()
	store.seed(&models.Sandbox{
		ID: "sbx-1", UserID: "u", Status: models.SandboxRunning,
		ProviderSandboxID: "prov-1",
		LastActivityAt:    time.Now(), // fresh activity re-armed the timers
	})
	c := newTestController(store, provider)

	err := c.HandleTimeout(context.Background(), queue.Message{
		SandboxID: "sbx-1", Action: queue.ActionPause,
	})
	require.NoError(t, err)

	sb, err := store.Get(context.Background(), "sbx-1")
	require.NoError(t, err)
	assert.Equal(t, models.SandboxRunning, sb.Status, "a stale pause must be dropped")
}

func TestHandleTimeoutPausesIdle(t *testing.T) {
	store := newFakeMetadata()
	provider := newFakeProvider()
	store.seed(&models.Sandbox{
		ID: "sbx-1", UserID: "u", Status: models.SandboxRunning,
		ProviderSandboxID: "prov-1",
		LastActivityAt:    time.Now().Add(-2 * time.Hour),
	})
	c := newTestController(store, provider)

	err := c.HandleTimeout(context.Background(), queue.Message{
		SandboxID: "sbx-1", Action: queue.ActionPause,
	})
	require.NoError(t, err)

	sb, err := store.Get(context.Background(), "sbx-1")
	require.NoError(t, err)
	assert.Equal(t, models.SandboxPaused, sb.Status)
	assert.True(t, provider.instances["prov-1"].paused)
}

func TestHandleTimeoutDeletesIdle(t *testing.T) {
	store := newFakeMetadata()
	provider := newFakeProvider()
	store.seed(&models.Sandbox{
		ID: "sbx-1", UserID: "u", Status: models.SandboxPaused,
		ProviderSandboxID: "prov-1",
		LastActivityAt:    time.Now().Add(-2 * time.Hour),
	})
	c := newTestController(store, provider)

	err := c.HandleTimeout(context.Background(), queue.Message{
		SandboxID: "sbx-1", Action: queue.ActionDelete,
	})
	require.NoError(t, err)

	sb, err := store.Get(context.Background(), "sbx-1")
	require.NoError(t, err)
	assert.Equal(t, models.SandboxDeleted, sb.Status)
	assert.True(t, provider.instances["prov-1"].deleted)
}

func TestHandleTimeoutIgnoresMissingAndTerminal(t *testing.T) {
	store := newFakeMetadata()
	store.seed(&models.Sandbox{ID: "sbx-dead", UserID: "u", Status: models.SandboxDeleted})
	c := newTestController(store, newFakeProvider())

	assert.NoError(t, c.HandleTimeout(context.Background(), queue.Message{
		SandboxID: "gone", Action: queue.ActionDelete,
	}))
	assert.NoError(t, c.HandleTimeout(context.Background(), queue.Message{
		SandboxID: "sbx-dead", Action: queue.ActionDelete,
	}))
}

func TestDeleteIsIdempotent(t *testing.T) {
	store := newFakeMetadata()
	provider := newFakeProvider()
	c := newTestController(store, provider)

	sb, err := c.GetOrCreate(context.Background(), "user-1", "sess-1", SnapshotSpec{})
	require.NoError(t, err)

	require.NoError(t, c.Delete(context.Background(), sb.ID))
	require.NoError(t, c.Delete(context.Background(), sb.ID))
	assert.ErrorIs(t, c.Delete(context.Background(), "missing"), ErrNotFound)

	got, err := store.Get(context.Background(), sb.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SandboxDeleted, got.Status)
}

func TestWriteFileCreatesParentDir(t *testing.T) {
	store := newFakeMetadata()
	provider := newFakeProvider()
	c := newTestController(store, provider)

	sb, err := c.GetOrCreate(context.Background(), "user-1", "sess-1", SnapshotSpec{})
	require.NoError(t, err)

	require.NoError(t, c.WriteFile(context.Background(), sb.ID, "/workspace/out/report.md", "# hi"))

	inst := provider.instances[sb.ProviderSandboxID]
	require.NotNil(t, inst)
	assert.Contains(t, inst.mkdirs, "/workspace/out")
	assert.Equal(t, "# hi", inst.files["/workspace/out/report.md"])

	content, err := c.ReadFile(context.Background(), sb.ID, "/workspace/out/report.md")
	require.NoError(t, err)
	assert.Equal(t, "# hi", content)

	out, err := c.RunCmd(context.Background(), sb.ID, "ls", false)
	require.NoError(t, err)
	assert.Equal(t, "ran: ls", out)
}

func TestParentDir(t *testing.T) {
	assert.Equal(t, "/workspace/out", parentDir("/workspace/out/report.md"))
	assert.Equal(t, "", parentDir("report.md"))
	assert.Equal(t, "", parentDir("/report.md"))
}
