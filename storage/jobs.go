package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/relaydb/jobstore/apperrors"
	"github.com/relaydb/jobstore/locking"
	"github.com/relaydb/jobstore/sqldb"
)

// JobData is the projection returned by GetJobData. LoadError is set, not
// raised, when InvocationData fails to deserialize (spec §4.9, §7's
// LoadError taxonomy entry) — the row was still read successfully.
type JobData struct {
	ID             string
	InvocationData []byte
	Arguments      []byte
	CreatedAt      time.Time
	ExpireAt       *time.Time
	LoadError      error
}

// StateData is the projection returned by GetStateData: the state row PJob
// currently points at.
type StateData struct {
	JobID     string
	Name      string
	Reason    string
	Data      []byte
	CreatedAt time.Time
}

// CreateExpiredJob inserts a job row plus its parameters in one batch under
// the Job lock, returning the new job id in its external textual form.
func (r *Reader) CreateExpiredJob(ctx context.Context, invocationData, arguments []byte, parameters map[string]string, createdAt time.Time, expireIn time.Duration) (string, error) {
	deadline := time.Now().Add(r.timeout)
	var newID int64
	err := r.repeater.ExecuteMany(ctx, r.prefix, []locking.Resource{locking.ResourceJob}, deadline,
		func(ctx context.Context, ac locking.ActionContext) error {
			expireAt := createdAt.UTC().Add(expireIn)
			result, err := ac.Tx.ExecContext(ctx,
				fmt.Sprintf("INSERT INTO %sJob (InvocationData, Arguments, CreatedAt, ExpireAt) VALUES (?, ?, ?, ?)", r.prefix),
				invocationData, arguments, createdAt.UTC(), expireAt)
			if err != nil {
				return err
			}
			newID, err = result.LastInsertId()
			if err != nil {
				return err
			}
			for name, value := range parameters {
				if _, err := ac.Tx.ExecContext(ctx,
					fmt.Sprintf("INSERT INTO %sJobParameter (JobId, Name, Value) VALUES (?, ?, ?)", r.prefix),
					newID, name, value); err != nil {
					return err
				}
			}
			return nil
		})
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(newID, 10), nil
}

// GetJobData reads a job row. Deserialization of InvocationData is only
// checked for well-formedness (valid JSON); failure is attached as
// LoadError rather than raised.
func (r *Reader) GetJobData(ctx context.Context, jobID string) (JobData, error) {
	id, err := parseID(jobID)
	if err != nil {
		return JobData{}, err
	}
	var data JobData
	err = r.withSession(ctx, func(session sqldb.DB) error {
		var invocation, arguments []byte
		var expireAt sql.NullTime
		row := session.QueryRowContext(ctx,
			fmt.Sprintf("SELECT InvocationData, Arguments, CreatedAt, ExpireAt FROM %sJob WHERE Id = ?", r.prefix), id)
		if err := row.Scan(&invocation, &arguments, &data.CreatedAt, &expireAt); err != nil {
			return err
		}
		data.ID = jobID
		data.InvocationData = invocation
		data.Arguments = arguments
		if expireAt.Valid {
			t := expireAt.Time
			data.ExpireAt = &t
		}
		if len(invocation) > 0 && !json.Valid(invocation) {
			data.LoadError = fmt.Errorf("job %s: invocation data is not valid JSON", jobID)
		}
		return nil
	})
	if err != nil {
		return JobData{}, err
	}
	return data, nil
}

// GetStateData joins PJob to the PState row it currently points at.
func (r *Reader) GetStateData(ctx context.Context, jobID string) (StateData, error) {
	id, err := parseID(jobID)
	if err != nil {
		return StateData{}, err
	}
	var state StateData
	err = r.withSession(ctx, func(session sqldb.DB) error {
		row := session.QueryRowContext(ctx, fmt.Sprintf(
			"SELECT s.Name, s.Reason, s.Data, s.CreatedAt FROM %[1]sJob j JOIN %[1]sState s ON s.Id = j.StateId WHERE j.Id = ?",
			r.prefix), id)
		var reason sql.NullString
		if err := row.Scan(&state.Name, &reason, &state.Data, &state.CreatedAt); err != nil {
			return err
		}
		state.JobID = jobID
		state.Reason = reason.String
		return nil
	})
	if err != nil {
		return StateData{}, err
	}
	return state, nil
}

// SetJobParameter upserts one (JobId, Name) parameter row under the Job
// lock.
func (r *Reader) SetJobParameter(ctx context.Context, jobID, name, value string) error {
	id, err := parseID(jobID)
	if err != nil {
		return err
	}
	deadline := time.Now().Add(r.timeout)
	return r.repeater.ExecuteOne(ctx, r.prefix, []locking.Resource{locking.ResourceJob}, deadline,
		func(ctx context.Context, ac locking.ActionContext) error {
			_, err := ac.Session.ExecContext(ctx, fmt.Sprintf(
				"INSERT INTO %sJobParameter (JobId, Name, Value) VALUES (?, ?, ?) ON DUPLICATE KEY UPDATE Value = VALUES(Value)",
				r.prefix), id, name, value)
			return err
		})
}

// GetJobParameter reads one parameter value, if present.
func (r *Reader) GetJobParameter(ctx context.Context, jobID, name string) (string, bool, error) {
	id, err := parseID(jobID)
	if err != nil {
		return "", false, err
	}
	var value string
	var found bool
	err = r.withSession(ctx, func(session sqldb.DB) error {
		row := session.QueryRowContext(ctx,
			fmt.Sprintf("SELECT Value FROM %sJobParameter WHERE JobId = ? AND Name = ?", r.prefix), id, name)
		if err := row.Scan(&value); err != nil {
			if sqldb.IsNoRows(err) {
				return nil
			}
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return "", false, err
	}
	return value, found, nil
}

func parseID(id string) (int64, error) {
	v, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid job id %q", apperrors.ErrValidation, id)
	}
	return v, nil
}
