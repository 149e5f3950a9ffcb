package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/runforge/agentrunner/pkg/database"
	"github.com/runforge/agentrunner/pkg/models"
)

// ProjectService manages project registration and lookup
type ProjectService struct {
	client *database.Client
}

// NewProjectService creates a new ProjectService
func NewProjectService(client *database.Client) *ProjectService {
	return &ProjectService{client: client}
}

// CreateProject registers a new project
func (s *ProjectService) CreateProject(httpCtx context.Context, req models.CreateProjectRequest) (*models.Project, error) {
	if fe := req.Validate(); fe != nil {
		return nil, NewValidationError(fe.Field, fe.Message)
	}

	// Use background context with timeout for critical write
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	row := s.client.DB().QueryRowContext(ctx, `
		INSERT INTO projects (name, local_path)
		VALUES ($1, $2)
		RETURNING id, name, local_path, created_at`,
		req.Name, req.LocalPath)

	project, err := scanProject(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrAlreadyExists
		}
		return nil, fmt.Errorf("failed to create project: %w", err)
	}

	return project, nil
}

// GetProject retrieves a project by ID
func (s *ProjectService) GetProject(ctx context.Context, projectID int64) (*models.Project, error) {
	row := s.client.DB().QueryRowContext(ctx, `
		SELECT id, name, local_path, created_at
		FROM projects
		WHERE id = $1`,
		projectID)

	project, err := scanProject(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get project: %w", err)
	}

	return project, nil
}

// ListProjects lists all registered projects, oldest first
func (s *ProjectService) ListProjects(ctx context.Context) ([]*models.Project, error) {
	rows, err := s.client.DB().QueryContext(ctx, `
		SELECT id, name, local_path, created_at
		FROM projects
		ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()

	projects := make([]*models.Project, 0)
	for rows.Next() {
		project, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		projects = append(projects, project)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate projects: %w", err)
	}

	return projects, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (*models.Project, error) {
	var p models.Project
	if err := row.Scan(&p.ID, &p.Name, &p.LocalPath, &p.CreatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

// isUniqueViolation reports whether err is a Postgres unique constraint violation
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
