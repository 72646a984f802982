package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// CreateTask inserts a new media task in the created state.
func (s *TranscriptStore) CreateTask(ctx context.Context, task *Task) error {
	const query = `
		INSERT INTO media_tasks (id, user_id, status)
		VALUES ($1, $2, $3)
		RETURNING created_at, updated_at`

	status := task.Status
	if status == "" {
		status = TaskCreated
	}
	err := s.db.QueryRow(ctx, query, task.ID, task.UserID, status).
		Scan(&task.CreatedAt, &task.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("store: task %q already exists", task.ID)
		}
		return fmt.Errorf("store: create task: %w", err)
	}
	task.Status = status
	return nil
}

// GetTask returns the task with the given ID, or [ErrNotFound].
func (s *TranscriptStore) GetTask(ctx context.Context, id string) (*Task, error) {
	const query = `
		SELECT id, user_id, status, progress, error_message, created_at, updated_at
		FROM media_tasks
		WHERE id = $1`

	var task Task
	err := s.db.QueryRow(ctx, query, id).Scan(
		&task.ID, &task.UserID, &task.Status, &task.Progress,
		&task.ErrorMessage, &task.CreatedAt, &task.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("store: task %q: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("store: get task %q: %w", id, err)
	}
	return &task, nil
}

// UpdateTaskStatus transitions a task to the given status and progress.
func (s *TranscriptStore) UpdateTaskStatus(ctx context.Context, id string, status TaskStatus, progress int) error {
	if !status.IsValid() {
		return fmt.Errorf("store: update task %q: invalid status %q", id, status)
	}
	const query = `
		UPDATE media_tasks
		SET status = $2, progress = $3, updated_at = now()
		WHERE id = $1`

	tag, err := s.db.Exec(ctx, query, id, status, progress)
	if err != nil {
		return fmt.Errorf("store: update task %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("store: update task %q: %w", id, ErrNotFound)
	}
	return nil
}

// FailTask marks a task failed and records the error message. Partial outputs
// written before the failure are left in place.
func (s *TranscriptStore) FailTask(ctx context.Context, id string, errMsg string) error {
	const query = `
		UPDATE media_tasks
		SET status = $2, error_message = $3, updated_at = now()
		WHERE id = $1`

	tag, err := s.db.Exec(ctx, query, id, TaskFailed, errMsg)
	if err != nil {
		return fmt.Errorf("store: fail task %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("store: fail task %q: %w", id, ErrNotFound)
	}
	return nil
}
