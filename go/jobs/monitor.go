package jobs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/ncemhub/distiller/go/api"
	"github.com/ncemhub/distiller/go/config"
	"github.com/ncemhub/distiller/go/sfapi"
)

// monitor folds remote scheduler state back into the record store. It runs
// serially on a timer, so its fields need no synchronization.
type monitor struct {
	cfg      *config.Settings
	api      *api.Client
	sfapi    *sfapi.Client
	machines *machineCatalog

	// completed holds record ids of jobs already finalized. It's process
	// local and lost on restart, which is fine: state writes collapse.
	completed map[int64]struct{}
}

func newMonitor(cfg *config.Settings, apiClient *api.Client, sfapiClient *sfapi.Client, machines *machineCatalog) *monitor {
	return &monitor{
		cfg:       cfg,
		api:       apiClient,
		sfapi:     sfapiClient,
		machines:  machines,
		completed: make(map[int64]struct{}),
	}
}

// reconcile walks every configured machine and reconciles the scheduler's
// accounting of our jobs against the record store.
func (m *monitor) reconcile(ctx context.Context) {
	var names, err = m.machines.Names(ctx)
	if err != nil {
		log.WithField("err", err).Error("failed to fetch machines for reconciliation")
		return
	}
	for _, name := range names {
		m.reconcileMachine(ctx, name)
	}
}

func (m *monitor) reconcileMachine(ctx context.Context, name string) {
	var machine, err = m.machines.Machine(ctx, name)
	if err != nil {
		log.WithFields(log.Fields{"err": err, "machine": name}).
			Error("failed to resolve machine")
		return
	}

	status, err := m.sfapi.Status(ctx, name)
	if err != nil {
		log.WithFields(log.Fields{"err": err, "machine": name}).
			Warn("failed to fetch machine status")
		return
	}
	if status != "up" {
		log.WithFields(log.Fields{"machine": name, "status": status}).
			Info("machine is not up, skipping")
		return
	}

	var qos string
	if machine.QosFilter != nil {
		qos = *machine.QosFilter
	}
	jobs, err := m.sfapi.ComputeJobs(ctx, name, m.cfg.SfapiUser, qos)
	if err != nil {
		log.WithFields(log.Fields{"err": err, "machine": name}).
			Error("failed to fetch compute jobs")
		return
	}

	for i := range jobs {
		m.reconcileJob(ctx, name, &jobs[i])
	}
}

// reconcileJob pushes one scheduler accounting row to the record store.
// Rows whose workdir doesn't name a job record, and rows for jobs the
// store doesn't know, are skipped.
func (m *monitor) reconcileJob(ctx context.Context, machine string, job *sfapi.Job) {
	var recordID, err = strconv.ParseInt(filepath.Base(job.Workdir), 10, 64)
	if err != nil {
		log.WithField("workdir", job.Workdir).
			Warn("unable to extract a job id from workdir")
		return
	}
	if _, ok := m.completed[recordID]; ok {
		return
	}

	var output *string
	if job.Terminal() {
		if text, ok := readSlurmOutput(job.Workdir, job.SlurmID); ok {
			output = &text
		}
		m.completed[recordID] = struct{}{}
	}

	// sacct reports cancellations as "CANCELLED by <uid>".
	var state = job.State
	if strings.HasPrefix(state, "CANCELLED by") {
		state = "CANCELLED"
	}
	var elapsed = api.Elapsed(job.Elapsed)

	if _, err = m.api.UpdateJob(ctx, api.JobUpdate{
		ID:      recordID,
		State:   &state,
		Elapsed: &elapsed,
		Output:  output,
	}); err != nil {
		var statusErr *api.StatusError
		if errors.As(err, &statusErr) && statusErr.NotFound() {
			// Not one of ours.
			return
		}
		log.WithFields(log.Fields{"err": err, "jobId": recordID}).
			Error("failed to update job state")
		return
	}
	jobStateUpdateCounter.Inc()

	if state == "COMPLETED" && strings.Contains(job.Name, JobTypeTransfer) {
		if err = m.recordTransferLocation(ctx, machine, recordID); err != nil {
			log.WithFields(log.Fields{"err": err, "jobId": recordID}).
				Error("failed to record transfer location")
		}
	}
}

// recordTransferLocation appends the machine-side destination of a
// completed transfer to the scan's locations.
func (m *monitor) recordTransferLocation(ctx context.Context, machine string, recordID int64) error {
	var job, err = m.api.GetJob(ctx, recordID)
	if err != nil {
		return fmt.Errorf("fetching job %d: %w", recordID, err)
	}
	scan, err := m.api.GetScan(ctx, job.ScanID)
	if err != nil {
		return fmt.Errorf("fetching scan %d: %w", job.ScanID, err)
	}
	var dateDir = scan.Created.Local().Format(dateDirFormat)

	if _, err = m.api.UpdateScan(ctx, api.ScanUpdate{
		ID: scan.ID,
		Locations: []api.Location{{
			Host: machine,
			Path: filepath.Join(m.cfg.JobNcemhubRawDataPath, dateDir),
		}},
	}); err != nil {
		return fmt.Errorf("updating scan %d: %w", scan.ID, err)
	}
	transferLocationCounter.Inc()
	return nil
}

// readSlurmOutput reads the scheduler's captured output of a finished job
// from its working directory, if the file exists.
func readSlurmOutput(workdir string, slurmID int64) (string, bool) {
	var path = filepath.Join(workdir, fmt.Sprintf("slurm-%d.out", slurmID))
	var b, err = os.ReadFile(path)
	if os.IsNotExist(err) {
		return "", false
	} else if err != nil {
		log.WithFields(log.Fields{"err": err, "path": path}).
			Warn("failed to read scheduler output")
		return "", false
	}
	log.WithField("path", path).Info("read scheduler output")
	return string(b), true
}
