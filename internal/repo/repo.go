package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/shopspring/decimal"

	"peerhub/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// querier is satisfied by both *sql.DB and *sql.Tx so reads can run inside or
// outside a transaction.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (r Repo) q(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func dec(s sql.NullString) decimal.Decimal {
	if !s.Valid || strings.TrimSpace(s.String) == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s.String)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func (r Repo) InsertProject(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO projects(id,builder_id,name,description,hosted_url,category,status,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		p.ID, p.BuilderID, p.Name, nullable(p.Description), nullable(p.HostedURL), nullable(p.Category), p.Status, p.CreatedAt)
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	var p domain.Project
	var desc, hosted, category sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,builder_id,name,description,hosted_url,category,status,created_at FROM projects WHERE id=?`, id).
		Scan(&p.ID, &p.BuilderID, &p.Name, &desc, &hosted, &category, &p.Status, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.Description = desc.String
	p.HostedURL = hosted.String
	p.Category = category.String
	return p, nil
}

// ListProjects returns the builder's own projects, or all active projects when
// builderID is empty (the tester browse view).
func (r Repo) ListProjects(ctx context.Context, builderID string) ([]domain.Project, error) {
	query := `SELECT id,builder_id,name,COALESCE(description,''),COALESCE(hosted_url,''),COALESCE(category,''),status,created_at FROM projects`
	var args []any
	if builderID != "" {
		query += ` WHERE builder_id=?`
		args = append(args, builderID)
	} else {
		query += ` WHERE status='active'`
	}
	query += ` ORDER BY created_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.BuilderID, &p.Name, &p.Description, &p.HostedURL, &p.Category, &p.Status, &p.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) UpdateProject(ctx context.Context, id string, name, description, hostedURL, category, status *string) error {
	var (
		fields []string
		args   []any
	)
	if name != nil {
		fields = append(fields, "name=?")
		args = append(args, *name)
	}
	if description != nil {
		fields = append(fields, "description=?")
		args = append(args, nullableStringPtr(description))
	}
	if hostedURL != nil {
		fields = append(fields, "hosted_url=?")
		args = append(args, nullableStringPtr(hostedURL))
	}
	if category != nil {
		fields = append(fields, "category=?")
		args = append(args, nullableStringPtr(category))
	}
	if status != nil {
		fields = append(fields, "status=?")
		args = append(args, *status)
	}
	if len(fields) == 0 {
		return nil
	}
	args = append(args, id)
	res, err := r.DB.ExecContext(ctx, `UPDATE projects SET `+strings.Join(fields, ",")+` WHERE id=?`, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// EventsAfter returns up to limit events with id greater than cursor, oldest
// first. Used by the notification dispatcher.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,type,entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE id > ? ORDER BY id ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the current tail of the event log.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM events`).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id.Int64, nil
}
