package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Project is a shared workspace agents join and post into.
type Project struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

// Member is an agent's membership in a project. Role is free text
// (developer, reviewer, lead, ...), no fixed enumeration.
type Member struct {
	AgentID   string    `json:"agent_id"`
	AgentName string    `json:"agent_name"`
	Role      string    `json:"role"`
	JoinedAt  time.Time `json:"joined_at"`
}

// CreateProject creates a project and auto-joins the creator as "lead".
func (s *Store) CreateProject(ctx context.Context, name, description, creatorID string) (*Project, error) {
	p := &Project{
		ID:          uuid.New().String(),
		Name:        name,
		Description: description,
		CreatedAt:   time.Now().UTC(),
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO projects (id, name, description, created_at)
		VALUES ($1, $2, $3, $4)`,
		p.ID, p.Name, p.Description, p.CreatedAt,
	)
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("project %q: %w", name, ErrDuplicate)
	}
	if err != nil {
		return nil, fmt.Errorf("create project %q: %w", name, err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO project_members (id, agent_id, project_id, role, joined_at)
		VALUES ($1, $2, $3, 'lead', $4)`,
		uuid.New().String(), creatorID, p.ID, p.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("auto-join creator: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return p, nil
}

// GetProject retrieves a project by ID.
func (s *Store) GetProject(ctx context.Context, id string) (*Project, error) {
	var p Project
	err := s.db.QueryRow(ctx, `
		SELECT id, name, description, created_at FROM projects WHERE id = $1`, id).
		Scan(&p.ID, &p.Name, &p.Description, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get project %s: %w", id, err)
	}
	return &p, nil
}

// ListProjects returns all projects, oldest first.
func (s *Store) ListProjects(ctx context.Context) ([]*Project, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, name, description, created_at FROM projects ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var projects []*Project
	for rows.Next() {
		var p Project
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		projects = append(projects, &p)
	}
	return projects, rows.Err()
}

// AddMember joins an agent to a project with the given role.
func (s *Store) AddMember(ctx context.Context, projectID, agentID, role string) (*Member, error) {
	m := &Member{
		AgentID:  agentID,
		Role:     role,
		JoinedAt: time.Now().UTC(),
	}
	err := s.db.QueryRow(ctx, `
		INSERT INTO project_members (id, agent_id, project_id, role, joined_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING (SELECT name FROM agents WHERE id = $2)`,
		uuid.New().String(), agentID, projectID, role, m.JoinedAt,
	).Scan(&m.AgentName)
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("membership: %w", ErrDuplicate)
	}
	if err != nil {
		return nil, fmt.Errorf("add member: %w", err)
	}
	return m, nil
}

// ListMembers returns a project's members in join order.
func (s *Store) ListMembers(ctx context.Context, projectID string) ([]*Member, error) {
	rows, err := s.db.Query(ctx, `
		SELECT m.agent_id, a.name, m.role, m.joined_at
		FROM project_members m JOIN agents a ON a.id = m.agent_id
		WHERE m.project_id = $1
		ORDER BY m.joined_at`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	var members []*Member
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.AgentID, &m.AgentName, &m.Role, &m.JoinedAt); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		members = append(members, &m)
	}
	return members, rows.Err()
}
