package sfapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// slurmRunningStates are the scheduler states in which a job is still in
// flight. Anything else is terminal for reconciliation purposes.
var slurmRunningStates = map[string]struct{}{
	"RUNNING":      {},
	"PENDING":      {},
	"CONFIGURING":  {},
	"COMPLETING":   {},
	"RESIZING":     {},
	"SUSPENDED":    {},
	"SIGNALING":    {},
	"SPECIAL_EXIT": {},
	"STAGE_OUT":    {},
	"STOPPED":      {},
}

// Job is one scheduler accounting row of a tracked batch job.
type Job struct {
	Workdir string
	Name    string
	State   string
	SlurmID int64
	Elapsed time.Duration
}

// Terminal returns whether the job has left the scheduler's running states.
func (j Job) Terminal() bool {
	var _, running = slurmRunningStates[j.State]
	return !running
}

// SubmitJob submits the batch script at |scriptPath|, which must already
// exist on |machine|'s filesystem, and polls the resulting task until the
// scheduler assigns a job id.
func (c *Client) SubmitJob(ctx context.Context, machine, scriptPath string) (int64, error) {
	var submitted struct {
		Status string `json:"status"`
		TaskID string `json:"task_id"`
		Error  string `json:"error"`
	}
	var err = c.postForm(ctx, "/compute/jobs/"+url.PathEscape(machine), url.Values{
		"job":    []string{scriptPath},
		"isPath": []string{"true"},
	}, &submitted)
	if err != nil {
		return 0, err
	} else if !strings.EqualFold(submitted.Status, "ok") {
		return 0, &Error{Message: submitted.Error}
	}

	for {
		var task struct {
			Status string  `json:"status"`
			Result *string `json:"result"`
			Error  string  `json:"error"`
		}
		if err = c.get(ctx, "/tasks/"+url.PathEscape(submitted.TaskID), nil, &task); err != nil {
			return 0, err
		} else if strings.EqualFold(task.Status, "error") {
			return 0, &Error{Message: task.Error}
		}

		// A null result means the task hasn't resolved yet.
		if task.Result == nil {
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(c.pollInterval):
			}
			continue
		}

		var result struct {
			Status string          `json:"status"`
			JobID  json.RawMessage `json:"jobid"`
			Error  string          `json:"error"`
		}
		if err = json.Unmarshal([]byte(*task.Result), &result); err != nil {
			return 0, &Error{Message: fmt.Sprintf("malformed task result %q: %s", *task.Result, err)}
		} else if strings.EqualFold(result.Status, "error") {
			return 0, &Error{Message: result.Error}
		} else if len(result.JobID) == 0 {
			return 0, &Error{Message: fmt.Sprintf("scheduler id missing from task result %q", *task.Result)}
		}
		return parseJobID(result.JobID)
	}
}

// Status returns the operational status of |machine|, e.g. "up" or "down".
func (c *Client) Status(ctx context.Context, machine string) (string, error) {
	var status struct {
		Status string `json:"status"`
	}
	var err = c.get(ctx, "/status/"+url.PathEscape(machine), nil, &status)
	return status.Status, err
}

// ComputeJobs returns the scheduler's accounting of |user|'s batch jobs on
// |machine|, optionally restricted to QOS |qos|. Rows which cannot be
// parsed are logged and skipped.
func (c *Client) ComputeJobs(ctx context.Context, machine, user, qos string) ([]Job, error) {
	var query = url.Values{
		"kwargs": []string{"user=" + user},
		"sacct":  []string{"true"},
	}
	if qos != "" {
		query["kwargs"] = append(query["kwargs"], "qos="+qos)
	}

	var listing struct {
		Status string `json:"status"`
		Output []struct {
			Workdir string          `json:"workdir"`
			State   string          `json:"state"`
			Name    string          `json:"jobname"`
			JobID   json.RawMessage `json:"jobid"`
			Elapsed string          `json:"elapsed"`
		} `json:"output"`
		Error string `json:"error"`
	}
	if err := c.get(ctx, "/compute/jobs/"+url.PathEscape(machine), query, &listing); err != nil {
		return nil, err
	} else if !strings.EqualFold(listing.Status, "ok") {
		return nil, &Error{Message: listing.Error}
	}

	var jobs []Job
	for _, row := range listing.Output {
		var slurmID, err = parseJobID(row.JobID)
		if err != nil {
			log.WithFields(log.Fields{"machine": machine, "jobid": string(row.JobID)}).
				Warn("skipping accounting row with a malformed scheduler id")
			continue
		}
		elapsed, err := ParseElapsed(row.Elapsed)
		if err != nil {
			log.WithFields(log.Fields{"machine": machine, "slurmId": slurmID, "elapsed": row.Elapsed}).
				Warn("skipping accounting row with a malformed elapsed time")
			continue
		}
		jobs = append(jobs, Job{
			Workdir: row.Workdir,
			Name:    row.Name,
			State:   row.State,
			SlurmID: slurmID,
			Elapsed: elapsed,
		})
	}
	return jobs, nil
}

// ParseElapsed parses a scheduler elapsed time of the form "HH:MM:SS".
func ParseElapsed(s string) (time.Duration, error) {
	var parts = strings.Split(s, ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("malformed elapsed time %q", s)
	}

	var total time.Duration
	for i, unit := range []time.Duration{time.Hour, time.Minute, time.Second} {
		var n, err = strconv.Atoi(parts[i])
		if err != nil || n < 0 {
			return 0, fmt.Errorf("malformed elapsed time %q", s)
		}
		total += time.Duration(n) * unit
	}
	return total, nil
}

// parseJobID parses a scheduler job id which the remote encodes as either
// a JSON string or a bare number.
func parseJobID(raw json.RawMessage) (int64, error) {
	var id, err = strconv.ParseInt(strings.Trim(string(raw), `"`), 10, 64)
	if err != nil {
		return 0, &Error{Message: fmt.Sprintf("malformed scheduler id %s", raw)}
	}
	return id, nil
}
