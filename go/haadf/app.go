// Package haadf implements the HAADF image worker: a stream consumer which
// renders detector DM4 files into false-color PNG previews, uploads them to
// the record store, and expires aged previews from the upload directory.
package haadf

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/ncemhub/distiller/go/api"
	"github.com/ncemhub/distiller/go/config"
	"github.com/ncemhub/distiller/go/records"
	log "github.com/sirupsen/logrus"
	pb "go.gazette.dev/core/broker/protocol"
	"go.gazette.dev/core/consumer"
	"go.gazette.dev/core/consumer/recoverylog"
	"go.gazette.dev/core/mainboilerplate/runconsumer"
	"go.gazette.dev/core/message"
)

// Config is the configuration of the HAADF image worker.
type Config struct {
	runconsumer.BaseConfig
	Distiller config.Settings `group:"Distiller" namespace:"distiller"`
}

// App implements the HAADF image worker consumer.
type App struct {
	cfg  Config
	api  *api.Client
	cron gocron.Scheduler
}

var _ runconsumer.Application = (*App)(nil)

// NewConfig returns a new Config.
func (a *App) NewConfig() runconsumer.Config { return new(Config) }

// InitApplication builds the record store client and schedules the hourly
// expiry sweep of the upload directory.
func (a *App) InitApplication(args runconsumer.InitArgs) error {
	var cfg = *args.Config.(*Config)

	a.cfg = cfg
	a.api = api.NewClient(cfg.Distiller.APIURL, cfg.Distiller.APIKeyName, cfg.Distiller.APIKey)

	var err error
	if a.cron, err = gocron.NewScheduler(); err != nil {
		return fmt.Errorf("creating scheduler: %w", err)
	}
	var maxAge = time.Duration(cfg.Distiller.HaadfImageUploadDirExpirationHours) * time.Hour
	if _, err = a.cron.NewJob(
		gocron.DurationJob(time.Hour),
		gocron.NewTask(pruneUploads, cfg.Distiller.HaadfImageUploadDir, maxAge),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return fmt.Errorf("scheduling upload expiry: %w", err)
	}
	a.cron.Start()

	args.Tasks.Queue("haadf.expiry", func() error {
		<-args.Tasks.Context().Done()
		return a.cron.Shutdown()
	})

	log.WithFields(log.Fields{
		"apiUrl":    cfg.Distiller.APIURL,
		"uploadDir": cfg.Distiller.HaadfImageUploadDir,
	}).Info("initialized HAADF image worker")
	return nil
}

// NewStore builds a JSON file store which persists only offsets and
// checkpoints: the worker keeps no state between events.
func (a *App) NewStore(shard consumer.Shard, rec *recoverylog.Recorder) (consumer.Store, error) {
	var store, err = consumer.NewJSONFileStore(rec, new(struct{}))
	if err != nil {
		return nil, fmt.Errorf("creating JSON file store: %w", err)
	}
	return store, nil
}

// NewMessage returns a zero-valued message of |spec|'s topic.
func (a *App) NewMessage(spec *pb.JournalSpec) (message.Message, error) {
	return records.NewMessage(spec, a.cfg.Distiller.TopicPrefix)
}

// ConsumeMessage renders and uploads the preview of one HAADF event.
func (a *App) ConsumeMessage(shard consumer.Shard, store consumer.Store, env message.Envelope, pub *message.Publisher) error {
	var event, ok = env.Message.(*records.HaadfEvent)
	if !ok {
		return fmt.Errorf("unexpected message type %T", env.Message)
	}
	return a.processEvent(shard.Context(), event)
}

// FinalizeTxn is a no-op.
func (a *App) FinalizeTxn(shard consumer.Shard, store consumer.Store, pub *message.Publisher) error {
	return nil // No-op.
}

// processEvent reads the event's DM4 file, renders it to <tmp>/<scan_id>.png,
// uploads the preview, and then removes the source file off the transaction
// path. Read, render, and upload errors fail the event so it is redelivered.
func (a *App) processEvent(ctx context.Context, event *records.HaadfEvent) error {
	var img, err = ReadImage(event.Path)
	if err != nil {
		return fmt.Errorf("reading image: %w", err)
	}

	var tmp string
	if tmp, err = os.MkdirTemp("", "haadf"); err != nil {
		return err
	}
	defer os.RemoveAll(tmp)

	var name = fmt.Sprintf("%d.png", event.ScanID)
	var path = filepath.Join(tmp, name)

	var file *os.File
	if file, err = os.Create(path); err != nil {
		return err
	}
	err = RenderPNG(img, file)
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("rendering %s: %w", name, err)
	}

	if file, err = os.Open(path); err != nil {
		return err
	}
	defer file.Close()

	if err = a.api.UploadHaadfImage(ctx, name, file); err != nil {
		return fmt.Errorf("uploading %s: %w", name, err)
	}
	imageUploadCounter.Inc()

	log.WithFields(log.Fields{
		"scanId": event.ScanID,
		"path":   event.Path,
		"width":  img.Width,
		"height": img.Height,
	}).Info("uploaded HAADF preview")

	// Best-effort removal of the source file.
	go func(path string) {
		if err := os.Remove(path); err != nil {
			log.WithFields(log.Fields{"err": err, "path": path}).
				Warn("failed to remove source file")
		}
	}(event.Path)

	return nil
}

// pruneUploads removes previews older than |maxAge| from |dir|.
func pruneUploads(dir string, maxAge time.Duration) {
	var entries, err = os.ReadDir(dir)
	if err != nil {
		log.WithFields(log.Fields{"err": err, "dir": dir}).
			Warn("reading upload directory")
		return
	}
	var cutoff = time.Now().Add(-maxAge)

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".png" {
			continue
		}
		var info, err = entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		var path = filepath.Join(dir, entry.Name())
		if err = os.Remove(path); err != nil {
			log.WithFields(log.Fields{"err": err, "path": path}).
				Warn("removing expired preview")
			continue
		}
		expiredPreviewCounter.Inc()
		log.WithField("path", path).Info("removed expired preview")
	}
}
