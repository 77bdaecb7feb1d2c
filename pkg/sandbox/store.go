package sandbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/flowmesh/flowmesh/pkg/database"
	"github.com/flowmesh/flowmesh/pkg/models"
)

// ErrNotFound is returned when no live sandbox matches a lookup. Deleted and
// failed sandboxes are invisible to lookups.
var ErrNotFound = errors.New("sandbox not found")

// Store persists sandbox metadata. Provider state is the source of truth for
// what the sandbox is doing; the store records what we last observed.
type Store struct {
	db *database.Client
}

// NewStore builds a sandbox metadata store over the shared pool.
func NewStore(db *database.Client) *Store {
	return &Store{db: db}
}

const sandboxColumns = `sandbox_id, provider_sandbox_id, user_id, COALESCE(session_id, ''),
	status, template_id, snapshot_id, mcp_url, vscode_url, created_at, last_activity_at`

// Create inserts a new sandbox record.
func (s *Store) Create(ctx context.Context, sb *models.Sandbox) error {
	var sessionID any
	if sb.SessionID != "" {
		sessionID = sb.SessionID
	}
	_, err := s.db.Pool().Exec(ctx, `
		INSERT INTO sandboxes (sandbox_id, provider_sandbox_id, user_id, session_id,
			status, template_id, snapshot_id, mcp_url, vscode_url, created_at, last_activity_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		sb.ID, sb.ProviderSandboxID, sb.UserID, sessionID,
		sb.Status, sb.TemplateID, sb.SnapshotID, sb.MCPURL, sb.VSCodeURL,
		sb.CreatedAt, sb.LastActivityAt)
	if err != nil {
		return fmt.Errorf("failed to insert sandbox %s: %w", sb.ID, err)
	}
	return nil
}

// Get returns a sandbox by id, including terminal ones. Callers that must
// not see terminal sandboxes use GetLive.
func (s *Store) Get(ctx context.Context, sandboxID string) (*models.Sandbox, error) {
	row := s.db.Pool().QueryRow(ctx,
		`SELECT `+sandboxColumns+` FROM sandboxes WHERE sandbox_id = $1`, sandboxID)
	return scanSandbox(row)
}

// GetLive returns a sandbox by id, excluding deleted and failed ones.
func (s *Store) GetLive(ctx context.Context, sandboxID string) (*models.Sandbox, error) {
	row := s.db.Pool().QueryRow(ctx, `
		SELECT `+sandboxColumns+` FROM sandboxes
		WHERE sandbox_id = $1 AND status NOT IN ('deleted', 'failed')`, sandboxID)
	return scanSandbox(row)
}

// FindLive returns the live sandbox for a (user, session) pair, if any.
func (s *Store) FindLive(ctx context.Context, userID, sessionID string) (*models.Sandbox, error) {
	row := s.db.Pool().QueryRow(ctx, `
		SELECT `+sandboxColumns+` FROM sandboxes
		WHERE user_id = $1 AND session_id = $2 AND status NOT IN ('deleted', 'failed')`,
		userID, sessionID)
	return scanSandbox(row)
}

// UpdateStatus transitions a sandbox after validating the edge against the
// state machine. The check runs inside the row lock so concurrent callers
// cannot race a terminal transition.
func (s *Store) UpdateStatus(ctx context.Context, sandboxID string, to models.SandboxStatus) error {
	tx, err := s.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var from models.SandboxStatus
	err = tx.QueryRow(ctx,
		`SELECT status FROM sandboxes WHERE sandbox_id = $1 FOR UPDATE`, sandboxID).Scan(&from)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to lock sandbox %s: %w", sandboxID, err)
	}
	if from == to {
		return tx.Commit(ctx)
	}
	if err := models.ValidateSandboxTransition(from, to); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE sandboxes SET status = $2 WHERE sandbox_id = $1`, sandboxID, to); err != nil {
		return fmt.Errorf("failed to update sandbox %s status: %w", sandboxID, err)
	}
	return tx.Commit(ctx)
}

// UpdateEndpoints records provider id and exposed URLs after provisioning.
func (s *Store) UpdateEndpoints(ctx context.Context, sandboxID, providerID, mcpURL, vscodeURL string) error {
	_, err := s.db.Pool().Exec(ctx, `
		UPDATE sandboxes SET provider_sandbox_id = $2, mcp_url = $3, vscode_url = $4
		WHERE sandbox_id = $1`, sandboxID, providerID, mcpURL, vscodeURL)
	if err != nil {
		return fmt.Errorf("failed to update sandbox %s endpoints: %w", sandboxID, err)
	}
	return nil
}

// Touch advances last_activity_at to now and returns the new value.
func (s *Store) Touch(ctx context.Context, sandboxID string) (time.Time, error) {
	var at time.Time
	err := s.db.Pool().QueryRow(ctx, `
		UPDATE sandboxes SET last_activity_at = now()
		WHERE sandbox_id = $1 RETURNING last_activity_at`, sandboxID).Scan(&at)
	if errors.Is(err, pgx.ErrNoRows) {
		return at, ErrNotFound
	}
	if err != nil {
		return at, fmt.Errorf("failed to touch sandbox %s: %w", sandboxID, err)
	}
	return at, nil
}

func scanSandbox(row pgx.Row) (*models.Sandbox, error) {
	var sb models.Sandbox
	err := row.Scan(&sb.ID, &sb.ProviderSandboxID, &sb.UserID, &sb.SessionID,
		&sb.Status, &sb.TemplateID, &sb.SnapshotID, &sb.MCPURL, &sb.VSCodeURL,
		&sb.CreatedAt, &sb.LastActivityAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan sandbox: %w", err)
	}
	return &sb, nil
}
