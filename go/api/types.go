// Package api is a client of the record store REST API, which fronts the
// relational tables of scans, locations, jobs, and compute machines.
package api

import (
	"encoding/json"
	"time"
)

// Location is a host-qualified path at which a scan's data lives.
type Location struct {
	ID   int64  `json:"id,omitempty"`
	Host string `json:"host"`
	Path string `json:"path"`
}

// Scan is a logical grouping of detector output, identified by the
// instrument-assigned scan number and the creation time of its primary
// log file.
type Scan struct {
	ID        int64      `json:"id"`
	ScanID    int        `json:"scan_id"`
	Created   time.Time  `json:"created"`
	LogFiles  int        `json:"log_files"`
	Locations []Location `json:"locations,omitempty"`
	HaadfPath *string    `json:"haadf_path,omitempty"`
	Notes     *string    `json:"notes,omitempty"`
}

// ScanCreate is the payload of a scan creation.
type ScanCreate struct {
	ScanID    int        `json:"scan_id"`
	Created   time.Time  `json:"created"`
	LogFiles  int        `json:"log_files"`
	Locations []Location `json:"locations,omitempty"`
}

// ScanUpdate is a partial update of a scan. Nil fields are omitted from
// the request and left unchanged by the server.
type ScanUpdate struct {
	ID        int64      `json:"-"`
	LogFiles  *int       `json:"log_files,omitempty"`
	Locations []Location `json:"locations,omitempty"`
	HaadfPath *string    `json:"haadf_path,omitempty"`
	Notes     *string    `json:"notes,omitempty"`
}

// Job is a unit of compute submitted on behalf of a scan.
type Job struct {
	ID      int64          `json:"id"`
	JobType string         `json:"job_type"`
	ScanID  int64          `json:"scan_id"`
	Machine string         `json:"machine"`
	Params  map[string]any `json:"params,omitempty"`
	SlurmID *int64         `json:"slurm_id,omitempty"`
	State   *string        `json:"state,omitempty"`
	Elapsed *Elapsed       `json:"elapsed,omitempty"`
	Output  *string        `json:"output,omitempty"`
}

// JobUpdate is a partial update of a job. Nil fields are omitted.
type JobUpdate struct {
	ID      int64    `json:"-"`
	SlurmID *int64   `json:"slurm_id,omitempty"`
	State   *string  `json:"state,omitempty"`
	Elapsed *Elapsed `json:"elapsed,omitempty"`
	Output  *string  `json:"output,omitempty"`
}

// Machine is the submission profile of a compute machine.
type Machine struct {
	Name          string  `json:"name"`
	Account       string  `json:"account"`
	Qos           string  `json:"qos"`
	QosFilter     *string `json:"qos_filter,omitempty"`
	Nodes         int     `json:"nodes"`
	NtasksPerNode int     `json:"ntasks_per_node"`
	CPUsPerTask   int     `json:"cpus_per_task"`
	Constraint    string  `json:"constraint"`
	Reservation   *string `json:"reservation,omitempty"`
	BbcpDestDir   string  `json:"bbcp_dest_dir"`
}

// Elapsed is a job's wall-clock runtime, serialized as seconds.
type Elapsed time.Duration

func (e Elapsed) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(e).Seconds())
}

func (e *Elapsed) UnmarshalJSON(b []byte) error {
	var secs float64
	if err := json.Unmarshal(b, &secs); err != nil {
		return err
	}
	*e = Elapsed(time.Duration(secs * float64(time.Second)))
	return nil
}
