package engine

import (
	"context"

	"github.com/google/uuid"

	"peerhub/internal/domain"
)

type ProjectSpec struct {
	Name        string
	Description string
	HostedURL   string
	Category    string
}

// CreateProject registers a builder's product for testing.
func (e Engine) CreateProject(ctx context.Context, builderID string, spec ProjectSpec) (domain.Project, error) {
	if spec.Name == "" {
		return domain.Project{}, ValidationError{Field: "name", Reason: "name is required"}
	}
	p := domain.Project{
		ID:          uuid.NewString(),
		BuilderID:   builderID,
		Name:        spec.Name,
		Description: spec.Description,
		HostedURL:   spec.HostedURL,
		Category:    spec.Category,
		Status:      "active",
		CreatedAt:   e.nowRFC3339(),
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertProject(ctx, tx, p); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// GetProject returns one project.
func (e Engine) GetProject(ctx context.Context, id string) (domain.Project, error) {
	return e.Repo.GetProject(ctx, id)
}

// ListProjects returns the builder's projects, or all active projects when
// builderID is empty.
func (e Engine) ListProjects(ctx context.Context, builderID string) ([]domain.Project, error) {
	return e.Repo.ListProjects(ctx, builderID)
}

// UpdateProject applies partial edits to a project the builder owns.
func (e Engine) UpdateProject(ctx context.Context, builderID, id string, name, description, hostedURL, category, status *string) (domain.Project, error) {
	p, err := e.Repo.GetProject(ctx, id)
	if err != nil {
		return domain.Project{}, err
	}
	if p.BuilderID != builderID {
		return domain.Project{}, AuthorizationError{Reason: "only the owning builder can edit a project"}
	}
	if status != nil && *status != "active" && *status != "archived" {
		return domain.Project{}, ValidationError{Field: "status", Reason: "status must be active or archived"}
	}
	if err := e.Repo.UpdateProject(ctx, id, name, description, hostedURL, category, status); err != nil {
		return domain.Project{}, err
	}
	return e.Repo.GetProject(ctx, id)
}
