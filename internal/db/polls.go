package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const pollColumns = `id, org_id, flow_uuid, remote_name, name, is_active, created_at, updated_at`

// CreatePoll inserts a poll mirrored from a flow.
func (q *Queries) CreatePoll(ctx context.Context, p *Poll) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	query := `INSERT INTO polls (` + pollColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := q.q.ExecContext(ctx, query,
		p.ID, p.OrgID, p.FlowUUID, p.RemoteName, p.Name, p.IsActive, micros(p.CreatedAt), micros(p.UpdatedAt))
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: poll %s", ErrDuplicate, p.FlowUUID)
	}
	if err != nil {
		return fmt.Errorf("failed to create poll: %w", err)
	}
	return nil
}

// UpdatePoll updates a poll's names and active flag.
func (q *Queries) UpdatePoll(ctx context.Context, p *Poll) error {
	p.UpdatedAt = time.Now().UTC()
	query := `UPDATE polls SET remote_name = ?, name = ?, is_active = ?, updated_at = ? WHERE id = ?`
	result, err := q.q.ExecContext(ctx, query, p.RemoteName, p.Name, p.IsActive, micros(p.UpdatedAt), p.ID)
	if err != nil {
		return fmt.Errorf("failed to update poll: %w", err)
	}
	return requireAffected(result)
}

// GetPoll returns a poll by its ID.
func (q *Queries) GetPoll(ctx context.Context, id string) (*Poll, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+pollColumns+` FROM polls WHERE id = ?`, id)
	return scanPoll(row)
}

// ListPolls returns every poll of an org.
func (q *Queries) ListPolls(ctx context.Context, orgID string) ([]*Poll, error) {
	return q.queryPolls(ctx, `SELECT `+pollColumns+` FROM polls WHERE org_id = ? ORDER BY name`, orgID)
}

// ListActivePolls returns the polls whose runs are mirrored.
func (q *Queries) ListActivePolls(ctx context.Context, orgID string) ([]*Poll, error) {
	return q.queryPolls(ctx, `SELECT `+pollColumns+` FROM polls WHERE org_id = ? AND is_active = 1 ORDER BY name`, orgID)
}

func (q *Queries) queryPolls(ctx context.Context, query string, args ...any) ([]*Poll, error) {
	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query polls: %w", err)
	}
	defer rows.Close()

	var polls []*Poll
	for rows.Next() {
		p, err := scanPoll(rows)
		if err != nil {
			return nil, err
		}
		polls = append(polls, p)
	}
	return polls, rows.Err()
}

func scanPoll(row rowScanner) (*Poll, error) {
	p := &Poll{}
	var createdAt, updatedAt int64
	err := row.Scan(&p.ID, &p.OrgID, &p.FlowUUID, &p.RemoteName, &p.Name, &p.IsActive, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan poll: %w", err)
	}
	p.CreatedAt = fromMicros(createdAt)
	p.UpdatedAt = fromMicros(updatedAt)
	return p, nil
}

// UpsertQuestion creates a question or refreshes an existing one by rule set.
// A locally chosen question type and name are kept on refresh.
func (q *Queries) UpsertQuestion(ctx context.Context, question *Question) error {
	query := `UPDATE questions SET remote_name = ?, ord = ?, is_active = ?
		WHERE poll_id = ? AND ruleset_uuid = ?`
	result, err := q.q.ExecContext(ctx, query,
		question.RemoteName, question.Order, question.IsActive, question.PollID, question.RuleSetUUID)
	if err != nil {
		return fmt.Errorf("failed to update question: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows > 0 {
		return nil
	}

	if question.ID == "" {
		question.ID = uuid.New().String()
	}
	if question.Name == "" {
		question.Name = question.RemoteName
	}
	insert := `INSERT INTO questions (id, poll_id, ruleset_uuid, remote_name, name, question_type, ord, is_active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = q.q.ExecContext(ctx, insert,
		question.ID, question.PollID, question.RuleSetUUID, question.RemoteName, question.Name,
		question.QuestionType, question.Order, question.IsActive)
	if err != nil {
		return fmt.Errorf("failed to create question: %w", err)
	}
	return nil
}

// DeactivateQuestionsExcept deactivates a poll's questions whose rule set is
// not in keep.
func (q *Queries) DeactivateQuestionsExcept(ctx context.Context, pollID string, keep []string) (int64, error) {
	keepSet := make(map[string]bool, len(keep))
	for _, k := range keep {
		keepSet[k] = true
	}

	questions, err := q.ListQuestions(ctx, pollID)
	if err != nil {
		return 0, err
	}

	var count int64
	for _, question := range questions {
		if keepSet[question.RuleSetUUID] || !question.IsActive {
			continue
		}
		if _, err := q.q.ExecContext(ctx, `UPDATE questions SET is_active = 0 WHERE id = ?`, question.ID); err != nil {
			return count, fmt.Errorf("failed to deactivate question: %w", err)
		}
		count++
	}
	return count, nil
}

// ListQuestions returns all questions of a poll in flow order.
func (q *Queries) ListQuestions(ctx context.Context, pollID string) ([]*Question, error) {
	query := `SELECT id, poll_id, ruleset_uuid, remote_name, name, question_type, ord, is_active
		FROM questions WHERE poll_id = ? ORDER BY ord, id`
	rows, err := q.q.QueryContext(ctx, query, pollID)
	if err != nil {
		return nil, fmt.Errorf("failed to query questions: %w", err)
	}
	defer rows.Close()

	var questions []*Question
	for rows.Next() {
		question := &Question{}
		if err := rows.Scan(&question.ID, &question.PollID, &question.RuleSetUUID, &question.RemoteName,
			&question.Name, &question.QuestionType, &question.Order, &question.IsActive); err != nil {
			return nil, fmt.Errorf("failed to scan question: %w", err)
		}
		questions = append(questions, question)
	}
	return questions, rows.Err()
}

// SetQuestionActive toggles whether a question counts toward responses.
func (q *Queries) SetQuestionActive(ctx context.Context, id string, active bool) error {
	result, err := q.q.ExecContext(ctx, `UPDATE questions SET is_active = ? WHERE id = ?`, active, id)
	if err != nil {
		return fmt.Errorf("failed to update question: %w", err)
	}
	return requireAffected(result)
}
