// Package scans implements the scan reconstructor: a stream consumer which
// folds detector file events into per-scan path sets, creates and updates
// Scan records in the record store, and publishes per-scan progress events.
package scans

import (
	"context"
	"fmt"
	"time"

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

// Config is the configuration of the scan reconstructor.
type Config struct {
	runconsumer.BaseConfig
	Distiller config.Settings `group:"Distiller" namespace:"distiller"`
}

// App implements the scan reconstructor consumer.
type App struct {
	cfg     Config
	api     *api.Client
	mapping message.MappingFunc
}

var _ runconsumer.Application = (*App)(nil)

// emitFunc publishes a ScanEvent within the scope of the current transaction.
type emitFunc func(*records.ScanEvent) error

// NewConfig returns a new Config.
func (a *App) NewConfig() runconsumer.Config { return new(Config) }

// InitApplication builds the record store client and topic mapping.
func (a *App) InitApplication(args runconsumer.InitArgs) error {
	var cfg = *args.Config.(*Config)

	a.cfg = cfg
	a.api = api.NewClient(cfg.Distiller.APIURL, cfg.Distiller.APIKeyName, cfg.Distiller.APIKey)
	a.mapping = records.NewMapping(cfg.Distiller.TopicPrefix, cfg.Distiller.TopicPartitions)

	log.WithFields(log.Fields{
		"apiUrl":      cfg.Distiller.APIURL,
		"topicPrefix": cfg.Distiller.TopicPrefix,
	}).Info("initialized scan reconstructor")
	return nil
}

// NewStore builds a JSON file store of the shard's Tables.
func (a *App) NewStore(shard consumer.Shard, rec *recoverylog.Recorder) (consumer.Store, error) {
	var store, err = consumer.NewJSONFileStore(rec, new(Tables))
	if err != nil {
		return nil, fmt.Errorf("creating JSON file store: %w", err)
	}
	store.State.(*Tables).init()
	return store, nil
}

// NewMessage returns a zero-valued message of |spec|'s topic.
func (a *App) NewMessage(spec *pb.JournalSpec) (message.Message, error) {
	return records.NewMessage(spec, a.cfg.Distiller.TopicPrefix)
}

// ConsumeMessage applies a file or sync event to the shard's Tables.
func (a *App) ConsumeMessage(shard consumer.Shard, store consumer.Store, env message.Envelope, pub *message.Publisher) error {
	var tables = tablesOf(store)
	var emit = func(event *records.ScanEvent) error {
		var _, err = pub.PublishUncommitted(a.mapping, event)
		return err
	}

	switch msg := env.Message.(type) {
	case *records.FileSystemEvent:
		return a.onFileEvent(shard.Context(), tables, emit, msg)
	case *records.SyncEvent:
		return a.onSyncEvent(shard.Context(), tables, emit, msg)
	default:
		return fmt.Errorf("unexpected message type %T", env.Message)
	}
}

// FinalizeTxn is a no-op: all table mutations happen in ConsumeMessage.
func (a *App) FinalizeTxn(shard consumer.Shard, store consumer.Store, pub *message.Publisher) error {
	return nil // No-op.
}

// onFileEvent advances the per-path state machine of a single file event.
func (a *App) onFileEvent(ctx context.Context, tables *Tables, emit emitFunc, event *records.FileSystemEvent) error {
	if event.IsDirectory {
		return nil
	}
	switch event.EventType {
	case records.FileEventCreated, records.FileEventModified,
		records.FileEventClosed, records.FileEventDeleted:
	default:
		return nil
	}
	fileEventCounter.WithLabelValues(event.EventType).Inc()

	var scanID, err = records.ScanIDFromPath(event.SrcPath)
	if err != nil {
		log.WithField("path", event.SrcPath).Warn("skipping path which doesn't encode a scan number")
		return nil
	}

	if event.EventType == records.FileEventDeleted {
		a.processDelete(tables, scanID, event.SrcPath)
		return nil
	}

	var state = tables.LogFile(event.SrcPath)
	if state.Processed && state.Created != nil && state.Created.Equal(event.Created) {
		return nil
	}
	if state.Created != nil && !state.Created.Equal(event.Created) {
		a.processOverride(tables, scanID)
	}

	var created = event.Created
	state.Created = &created

	switch event.EventType {
	case records.FileEventCreated, records.FileEventModified:
		state.ReceivedCreatedEvent = true
	case records.FileEventClosed:
		state.ReceivedClosedEvent = true
	}

	if state.ReceivedCreatedEvent && state.ReceivedClosedEvent {
		var processed, err = a.processLogFile(ctx, tables, emit, scanID, event.SrcPath, event.Created)
		if err != nil {
			return err
		}
		state.Processed = processed
	}

	tables.PutLogFile(event.SrcPath, state)
	return nil
}

// onSyncEvent reconciles the Tables against a full snapshot of the watched
// directory: tracked paths absent from the snapshot are deleted, and every
// snapshot path is fast-forwarded through the state machine.
func (a *App) onSyncEvent(ctx context.Context, tables *Tables, emit emitFunc, event *records.SyncEvent) error {
	syncEventCounter.Inc()

	var inSnapshot = make(map[string]struct{}, len(event.Files))
	for _, file := range event.Files {
		inSnapshot[file.Path] = struct{}{}
	}

	for _, path := range tables.LogFilePaths() {
		if _, ok := inSnapshot[path]; ok {
			continue
		}
		var scanID, err = records.ScanIDFromPath(path)
		if err != nil {
			tables.DeleteLogFile(path)
			continue
		}
		a.processDelete(tables, scanID, path)
	}

	for _, file := range event.Files {
		var scanID, err = records.ScanIDFromPath(file.Path)
		if err != nil {
			log.WithField("path", file.Path).Warn("skipping path which doesn't encode a scan number")
			continue
		}

		var state = tables.LogFile(file.Path)
		if state.Processed && state.Created != nil && state.Created.Equal(file.Created) {
			continue
		}
		if state.Created != nil && !state.Created.Equal(file.Created) {
			a.processOverride(tables, scanID)
		}

		var processed, perr = a.processLogFile(ctx, tables, emit, scanID, file.Path, file.Created)
		if perr != nil {
			return perr
		}

		var created = file.Created
		state.Created = &created
		state.ReceivedCreatedEvent = true
		state.ReceivedClosedEvent = true
		state.Processed = processed
		tables.PutLogFile(file.Path, state)
	}
	return nil
}

// processLogFile adds |path| to its scan's path set, resolves the Scan
// record when |path| is the primary log file, publishes a progress event,
// and pushes the new path count to the record store. It returns false,
// without error, when the event must be skipped but the shard should
// continue.
func (a *App) processLogFile(ctx context.Context, tables *Tables, emit emitFunc, scanID int, path string, created time.Time) (bool, error) {
	var count = tables.AddScanPath(scanID, path)

	if records.IsPrimaryLogFile(path) {
		var scans, err = a.api.GetScans(ctx, scanID, created)
		if err != nil {
			return false, fmt.Errorf("fetching scans with number %d: %w", scanID, err)
		}

		switch len(scans) {
		case 0:
			scan, err := a.api.CreateScan(ctx, api.ScanCreate{
				ScanID:   scanID,
				Created:  created,
				LogFiles: count,
			})
			if err != nil {
				return false, fmt.Errorf("creating scan %d: %w", scanID, err)
			}
			tables.SetScanRecordID(scanID, scan.ID)
			scanCreateCounter.Inc()

			log.WithFields(log.Fields{"scanId": scanID, "id": scan.ID}).Info("created scan")
		case 1:
			tables.SetScanRecordID(scanID, scans[0].ID)
		default:
			multipleScanCounter.Inc()
			log.WithFields(log.Fields{"scanId": scanID, "created": created, "matches": len(scans)}).
				Error("multiple scans share a scan number and creation time")
			return false, nil
		}
	}

	if err := emit(&records.ScanEvent{ScanID: scanID, LogFiles: count}); err != nil {
		return false, fmt.Errorf("publishing scan event: %w", err)
	}

	if id, ok := tables.ScanRecordID(scanID); ok {
		if _, err := a.api.UpdateScan(ctx, api.ScanUpdate{ID: id, LogFiles: &count}); err != nil {
			return false, fmt.Errorf("updating scan %d: %w", scanID, err)
		}
	}

	if count == a.cfg.Distiller.NumberOfLogFiles {
		log.WithFields(log.Fields{"scanId": scanID, "logFiles": count}).Info("transfer complete for scan")
	}
	return true, nil
}

// processDelete forgets |path|. When the last path of a scan is deleted
// the scan's table entries are dropped, but the Scan record is kept.
func (a *App) processDelete(tables *Tables, scanID int, path string) {
	tables.DeleteLogFile(path)

	if remaining, ok := tables.RemoveScanPath(scanID, path); ok && remaining == 0 {
		tables.DeleteScan(scanID)
		scanRemoveCounter.Inc()
		log.WithField("scanId", scanID).Info("removed scan")
	}
}

// processOverride purges all table state of |scanID|. It runs when a
// tracked path is seen again with a different creation time, meaning the
// instrument reused the scan number.
func (a *App) processOverride(tables *Tables, scanID int) {
	tables.DeleteScan(scanID)

	for _, path := range tables.LogFilePaths() {
		if id, err := records.ScanIDFromPath(path); err == nil && id == scanID {
			tables.DeleteLogFile(path)
		}
	}
	scanOverrideCounter.Inc()
	log.WithField("scanId", scanID).Info("scan override")
}

func tablesOf(store consumer.Store) *Tables {
	return store.(*consumer.JSONFileStore).State.(*Tables)
}
