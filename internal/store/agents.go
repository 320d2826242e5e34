package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Agent is a registered identity, human or automated, authenticated by an
// opaque API key.
type Agent struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	APIKey    string    `json:"api_key,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// newAPIKey returns an opaque bearer credential.
func newAPIKey() string {
	return "mb_" + strings.ReplaceAll(uuid.New().String(), "-", "")
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// CreateAgent registers a new agent. The API key is generated here and
// only ever returned from this call.
func (s *Store) CreateAgent(ctx context.Context, name string) (*Agent, error) {
	a := &Agent{
		ID:        uuid.New().String(),
		Name:      name,
		APIKey:    newAPIKey(),
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO agents (id, name, api_key, created_at)
		VALUES ($1, $2, $3, $4)`,
		a.ID, a.Name, a.APIKey, a.CreatedAt,
	)
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("agent %q: %w", name, ErrDuplicate)
	}
	if err != nil {
		return nil, fmt.Errorf("create agent %q: %w", name, err)
	}
	return a, nil
}

// GetAgentByKey resolves an API key to its agent.
func (s *Store) GetAgentByKey(ctx context.Context, apiKey string) (*Agent, error) {
	return s.scanAgent(s.db.QueryRow(ctx, `
		SELECT id, name, api_key, created_at FROM agents WHERE api_key = $1`, apiKey))
}

// FindAgentByName looks up an agent by exact name.
func (s *Store) FindAgentByName(ctx context.Context, name string) (*Agent, error) {
	return s.scanAgent(s.db.QueryRow(ctx, `
		SELECT id, name, api_key, created_at FROM agents WHERE name = $1`, name))
}

// GetAgent retrieves an agent by ID.
func (s *Store) GetAgent(ctx context.Context, id string) (*Agent, error) {
	return s.scanAgent(s.db.QueryRow(ctx, `
		SELECT id, name, api_key, created_at FROM agents WHERE id = $1`, id))
}

// ListAgents returns all agents, oldest first. API keys are stripped.
func (s *Store) ListAgents(ctx context.Context) ([]*Agent, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, name, created_at FROM agents ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		var a Agent
		if err := rows.Scan(&a.ID, &a.Name, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, &a)
	}
	return agents, rows.Err()
}

func (s *Store) scanAgent(row pgx.Row) (*Agent, error) {
	var a Agent
	err := row.Scan(&a.ID, &a.Name, &a.APIKey, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan agent: %w", err)
	}
	return &a, nil
}
