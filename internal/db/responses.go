package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// FindUniversalPollRun returns the universal poll run of a poll conducted in
// [start, end), the earliest first.
func (q *Queries) FindUniversalPollRun(ctx context.Context, pollID string, start, end time.Time) (*PollRun, error) {
	query := `SELECT id, poll_id, region_id, pollrun_type, conducted_on, created_at FROM pollruns
		WHERE poll_id = ? AND pollrun_type = ? AND region_id IS NULL
		AND conducted_on >= ? AND conducted_on < ? ORDER BY conducted_on, id LIMIT 1`
	row := q.q.QueryRowContext(ctx, query, pollID, PollRunUniversal, micros(start), micros(end))
	return scanPollRun(row)
}

// CreatePollRun inserts a poll run.
func (q *Queries) CreatePollRun(ctx context.Context, pr *PollRun) error {
	if pr.ID == "" {
		pr.ID = uuid.New().String()
	}
	pr.CreatedAt = time.Now().UTC()

	query := `INSERT INTO pollruns (id, poll_id, region_id, pollrun_type, conducted_on, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`
	_, err := q.q.ExecContext(ctx, query,
		pr.ID, pr.PollID, nullString(pr.RegionID), pr.Type, micros(pr.ConductedOn), micros(pr.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to create poll run: %w", err)
	}
	return nil
}

// ListPollRuns returns all runs of a poll.
func (q *Queries) ListPollRuns(ctx context.Context, pollID string) ([]*PollRun, error) {
	query := `SELECT id, poll_id, region_id, pollrun_type, conducted_on, created_at FROM pollruns
		WHERE poll_id = ? ORDER BY conducted_on, id`
	rows, err := q.q.QueryContext(ctx, query, pollID)
	if err != nil {
		return nil, fmt.Errorf("failed to query poll runs: %w", err)
	}
	defer rows.Close()

	var runs []*PollRun
	for rows.Next() {
		pr, err := scanPollRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, pr)
	}
	return runs, rows.Err()
}

func scanPollRun(row rowScanner) (*PollRun, error) {
	pr := &PollRun{}
	var regionID sql.NullString
	var conductedOn, createdAt int64
	err := row.Scan(&pr.ID, &pr.PollID, &regionID, &pr.Type, &conductedOn, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan poll run: %w", err)
	}
	pr.RegionID = regionID.String
	pr.ConductedOn = fromMicros(conductedOn)
	pr.CreatedAt = fromMicros(createdAt)
	return pr, nil
}

const responseColumns = `id, org_id, pollrun_id, contact_id, flow_run_id, created_on, updated_on, status, is_active`

// GetResponseByFlowRun returns the response mirrored from a remote run.
func (q *Queries) GetResponseByFlowRun(ctx context.Context, orgID string, flowRunID int64) (*Response, error) {
	row := q.q.QueryRowContext(ctx,
		`SELECT `+responseColumns+` FROM responses WHERE org_id = ? AND flow_run_id = ?`, orgID, flowRunID)
	return scanResponse(row)
}

// CreateResponse inserts a response.
func (q *Queries) CreateResponse(ctx context.Context, r *Response) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	query := `INSERT INTO responses (` + responseColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := q.q.ExecContext(ctx, query,
		r.ID, r.OrgID, r.PollRunID, r.ContactID, r.FlowRunID,
		micros(r.CreatedOn), micros(r.UpdatedOn), r.Status, r.IsActive)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: response for run %d", ErrDuplicate, r.FlowRunID)
	}
	if err != nil {
		return fmt.Errorf("failed to create response: %w", err)
	}
	return nil
}

// UpdateResponse stores a response's recomputed status and change marker.
func (q *Queries) UpdateResponse(ctx context.Context, r *Response) error {
	query := `UPDATE responses SET updated_on = ?, status = ?, is_active = ? WHERE id = ?`
	result, err := q.q.ExecContext(ctx, query, micros(r.UpdatedOn), r.Status, r.IsActive, r.ID)
	if err != nil {
		return fmt.Errorf("failed to update response: %w", err)
	}
	return requireAffected(result)
}

// DeactivateOtherResponses marks inactive every active response of a contact
// to a poll run except keepID.
func (q *Queries) DeactivateOtherResponses(ctx context.Context, contactID, pollRunID, keepID string) (int64, error) {
	query := `UPDATE responses SET is_active = 0
		WHERE contact_id = ? AND pollrun_id = ? AND id != ? AND is_active = 1`
	result, err := q.q.ExecContext(ctx, query, contactID, pollRunID, keepID)
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate responses: %w", err)
	}
	return result.RowsAffected()
}

// ListContactResponses returns every response of a contact, newest first.
func (q *Queries) ListContactResponses(ctx context.Context, contactID string) ([]*Response, error) {
	rows, err := q.q.QueryContext(ctx,
		`SELECT `+responseColumns+` FROM responses WHERE contact_id = ? ORDER BY created_on DESC, id`, contactID)
	if err != nil {
		return nil, fmt.Errorf("failed to query responses: %w", err)
	}
	defer rows.Close()

	var responses []*Response
	for rows.Next() {
		r, err := scanResponse(rows)
		if err != nil {
			return nil, err
		}
		responses = append(responses, r)
	}
	return responses, rows.Err()
}

func scanResponse(row rowScanner) (*Response, error) {
	r := &Response{}
	var createdOn, updatedOn int64
	err := row.Scan(&r.ID, &r.OrgID, &r.PollRunID, &r.ContactID, &r.FlowRunID,
		&createdOn, &updatedOn, &r.Status, &r.IsActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan response: %w", err)
	}
	r.CreatedOn = fromMicros(createdOn)
	r.UpdatedOn = fromMicros(updatedOn)
	return r, nil
}

const answerColumns = `id, response_id, question_id, contact_id, value, category, submitted_on, value_last, value_sum`

// CreateAnswer inserts an answer.
func (q *Queries) CreateAnswer(ctx context.Context, a *Answer) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	query := `INSERT INTO answers (` + answerColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := q.q.ExecContext(ctx, query,
		a.ID, a.ResponseID, a.QuestionID, a.ContactID, a.Value, a.Category,
		micros(a.SubmittedOn), a.ValueLast, a.ValueSum)
	if err != nil {
		return fmt.Errorf("failed to create answer: %w", err)
	}
	return nil
}

// ListAnswers returns the answers of a response.
func (q *Queries) ListAnswers(ctx context.Context, responseID string) ([]*Answer, error) {
	return q.queryAnswers(ctx,
		`SELECT `+answerColumns+` FROM answers WHERE response_id = ? ORDER BY submitted_on, id`, responseID)
}

// DeleteAnswers removes every answer of a response.
func (q *Queries) DeleteAnswers(ctx context.Context, responseID string) (int64, error) {
	result, err := q.q.ExecContext(ctx, `DELETE FROM answers WHERE response_id = ?`, responseID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete answers: %w", err)
	}
	return result.RowsAffected()
}

// ListBucketAnswers returns the answers of one contact to one question
// submitted in [start, end), oldest first.
func (q *Queries) ListBucketAnswers(ctx context.Context, questionID, contactID string, start, end time.Time) ([]*Answer, error) {
	return q.queryAnswers(ctx, `SELECT `+answerColumns+` FROM answers
		WHERE question_id = ? AND contact_id = ? AND submitted_on >= ? AND submitted_on < ?
		ORDER BY submitted_on, id`, questionID, contactID, micros(start), micros(end))
}

// SetAnswerAggregates stores the same-day aggregates of an answer.
func (q *Queries) SetAnswerAggregates(ctx context.Context, id string, last *string, sum *float64) error {
	result, err := q.q.ExecContext(ctx,
		`UPDATE answers SET value_last = ?, value_sum = ? WHERE id = ?`, last, sum, id)
	if err != nil {
		return fmt.Errorf("failed to update answer aggregates: %w", err)
	}
	return requireAffected(result)
}

func (q *Queries) queryAnswers(ctx context.Context, query string, args ...any) ([]*Answer, error) {
	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query answers: %w", err)
	}
	defer rows.Close()

	var answers []*Answer
	for rows.Next() {
		a := &Answer{}
		var submittedOn int64
		var last sql.NullString
		var sum sql.NullFloat64
		if err := rows.Scan(&a.ID, &a.ResponseID, &a.QuestionID, &a.ContactID, &a.Value, &a.Category,
			&submittedOn, &last, &sum); err != nil {
			return nil, fmt.Errorf("failed to scan answer: %w", err)
		}
		a.SubmittedOn = fromMicros(submittedOn)
		if last.Valid {
			a.ValueLast = &last.String
		}
		if sum.Valid {
			a.ValueSum = &sum.Float64
		}
		answers = append(answers, a)
	}
	return answers, rows.Err()
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
