// Package jobs implements the job orchestrator: a stream consumer which
// renders batch scripts for submission events, submits them through the
// super-facility API, and runs a timed reconciler which folds remote
// scheduler state back into the record store.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-co-op/gocron/v2"
	log "github.com/sirupsen/logrus"
	pb "go.gazette.dev/core/broker/protocol"
	"go.gazette.dev/core/consumer"
	"go.gazette.dev/core/consumer/recoverylog"
	"go.gazette.dev/core/mainboilerplate/runconsumer"
	"go.gazette.dev/core/message"

	"github.com/ncemhub/distiller/go/api"
	"github.com/ncemhub/distiller/go/config"
	"github.com/ncemhub/distiller/go/records"
	"github.com/ncemhub/distiller/go/sfapi"
)

// Config is the configuration of the job orchestrator.
type Config struct {
	runconsumer.BaseConfig
	Distiller config.Settings `group:"Distiller" namespace:"distiller"`
}

// App implements the job orchestrator consumer.
type App struct {
	cfg      Config
	api      *api.Client
	sfapi    *sfapi.Client
	machines *machineCatalog
	monitor  *monitor
	cron     gocron.Scheduler
}

var _ runconsumer.Application = (*App)(nil)

// NewConfig returns a new Config.
func (a *App) NewConfig() runconsumer.Config { return new(Config) }

// InitApplication builds the record store and super-facility clients, and
// schedules the reconciler.
func (a *App) InitApplication(args runconsumer.InitArgs) error {
	var cfg = *args.Config.(*Config)

	a.cfg = cfg
	a.api = api.NewClient(cfg.Distiller.APIURL, cfg.Distiller.APIKeyName, cfg.Distiller.APIKey)

	var err error
	if a.sfapi, err = sfapi.NewClient(sfapi.Config{
		BaseURL:    cfg.Distiller.SfapiURL,
		TokenURL:   cfg.Distiller.SfapiTokenURL,
		ClientID:   cfg.Distiller.SfapiClientID,
		PrivateKey: cfg.Distiller.SfapiPrivateKey,
		GrantType:  cfg.Distiller.SfapiGrantType,
	}); err != nil {
		return fmt.Errorf("building sfapi client: %w", err)
	}

	a.machines = newMachineCatalog(a.api, cfg.Distiller.JobMachineOverridesPath)
	a.monitor = newMonitor(&a.cfg.Distiller, a.api, a.sfapi, a.machines)

	if a.cron, err = gocron.NewScheduler(); err != nil {
		return fmt.Errorf("creating scheduler: %w", err)
	}
	if _, err = a.cron.NewJob(
		gocron.DurationJob(time.Minute),
		gocron.NewTask(func() { a.monitor.reconcile(args.Tasks.Context()) }),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return fmt.Errorf("scheduling reconciler: %w", err)
	}
	a.cron.Start()

	args.Tasks.Queue("jobs.monitor", func() error {
		<-args.Tasks.Context().Done()
		return a.cron.Shutdown()
	})

	log.WithFields(log.Fields{
		"apiUrl":   cfg.Distiller.APIURL,
		"sfapiUrl": cfg.Distiller.SfapiURL,
	}).Info("initialized job orchestrator")
	return nil
}

// NewStore builds a JSON file store which persists only offsets and
// checkpoints: all durable job state lives in the record store.
func (a *App) NewStore(shard consumer.Shard, rec *recoverylog.Recorder) (consumer.Store, error) {
	return consumer.NewJSONFileStore(rec, new(struct{}))
}

// NewMessage returns a zero-valued message of |spec|'s topic.
func (a *App) NewMessage(spec *pb.JournalSpec) (message.Message, error) {
	return records.NewMessage(spec, a.cfg.Distiller.TopicPrefix)
}

// ConsumeMessage submits the job of a submission event.
func (a *App) ConsumeMessage(shard consumer.Shard, store consumer.Store, env message.Envelope, pub *message.Publisher) error {
	var event, ok = env.Message.(*records.SubmitJobEvent)
	if !ok {
		return fmt.Errorf("unexpected message type %T", env.Message)
	}
	return a.processSubmitJob(shard.Context(), event)
}

// FinalizeTxn is a no-op: submissions have no deferred work.
func (a *App) FinalizeTxn(shard consumer.Shard, store consumer.Store, pub *message.Publisher) error {
	return nil // No-op.
}

// processSubmitJob renders, stages, and submits one job, then records the
// assigned scheduler id. Submissions which terminally fail at the
// super-facility API are logged and dropped; local faults propagate so
// the event is redelivered.
func (a *App) processSubmitJob(ctx context.Context, event *records.SubmitJobEvent) error {
	var job = event.Job

	if job.JobType != JobTypeCount && job.JobType != JobTypeTransfer {
		log.WithFields(log.Fields{"jobId": job.ID, "jobType": job.JobType}).
			Error("skipping job of unknown type")
		return nil
	}

	var machine, err = a.machines.Machine(ctx, job.Machine)
	if errors.Is(err, errUnknownMachine) {
		log.WithFields(log.Fields{"jobId": job.ID, "machine": job.Machine}).
			Error("skipping job for unknown machine")
		return nil
	} else if err != nil {
		return err
	}
	names, err := a.machines.Names(ctx)
	if err != nil {
		return err
	}

	var sctx = buildScriptContext(&a.cfg.Distiller, event, machine, names)

	if err = os.MkdirAll(sctx.DestDir, 0755); err != nil {
		return fmt.Errorf("creating destination directory: %w", err)
	}

	script, bbcp, err := renderScripts(&sctx)
	if err != nil {
		return err
	}
	var scriptName = sctx.JobName + ".sh"
	if err = writeScripts(sctx.ScriptDir, scriptName, script, bbcp); err != nil {
		return err
	}

	slurmID, err := a.sfapi.SubmitJob(ctx, machine.Name, filepath.Join(sctx.ScriptDir, scriptName))

	var sfapiErr *sfapi.Error
	var retryErr *sfapi.RetryError
	if errors.As(err, &sfapiErr) || errors.As(err, &retryErr) {
		jobSubmitFailureCounter.Inc()
		log.WithFields(log.Fields{"err": err, "jobId": job.ID, "machine": machine.Name}).
			Error("error submitting job")
		return nil
	} else if err != nil {
		return err
	}

	if _, err = a.api.UpdateJob(ctx, api.JobUpdate{ID: job.ID, SlurmID: &slurmID}); err != nil {
		return fmt.Errorf("updating job %d: %w", job.ID, err)
	}
	jobSubmitCounter.Inc()

	log.WithFields(log.Fields{
		"jobId":   job.ID,
		"jobType": job.JobType,
		"machine": machine.Name,
		"slurmId": slurmID,
	}).Info("submitted job")
	return nil
}
