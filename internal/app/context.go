package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"reportline/internal/config"
	"reportline/internal/domain"
	"reportline/internal/repo"
)

// EnsureProject returns the project called name, creating it with the
// given interrupt timeout if it does not exist yet.
func EnsureProject(ctx context.Context, r repo.Repo, name string, interruptJobTime time.Duration, now time.Time) (domain.Project, error) {
	if name == "" {
		return domain.Project{}, errors.New("project name is required")
	}
	var p domain.Project
	err := r.InTx(ctx, func(tx *sql.Tx) error {
		existing, err := r.GetProjectByName(ctx, tx, name)
		if err == nil {
			p = existing
			return nil
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		p = domain.Project{Name: name, InterruptJobTime: interruptJobTime, CreatedAt: now.UTC()}
		id, err := r.InsertProject(ctx, tx, p)
		if err != nil {
			return fmt.Errorf("insert project: %w", err)
		}
		p.ID = id
		return nil
	})
	return p, err
}

// EnsureReporter registers the project and user named in a START_LAUNCH
// envelope when auto registration is enabled.
func EnsureReporter(ctx context.Context, r repo.Repo, cfg *config.Config, projectName, login string, now time.Time) error {
	if cfg == nil || !cfg.AutoRegister {
		return nil
	}
	if _, err := EnsureProject(ctx, r, projectName, cfg.Projects.DefaultInterruptJobTime, now); err != nil {
		return fmt.Errorf("ensure project %s: %w", projectName, err)
	}
	if login == "" {
		return nil
	}
	if _, err := r.EnsureUser(ctx, login, now); err != nil {
		return fmt.Errorf("ensure user %s: %w", login, err)
	}
	return nil
}
