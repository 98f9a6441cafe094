// Package records defines the topic records exchanged between the
// acquisition watchers and the distiller workers, along with the mapping of
// records onto partitioned journals.
package records

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"github.com/ncemhub/distiller/go/api"
	pb "go.gazette.dev/core/broker/protocol"
	"go.gazette.dev/core/message"
)

// Topics of the distiller pipeline. A topic is realized as one or more
// journals named "<prefix>/<topic>/part-NNN".
const (
	TopicFileEvents      = "file-events"
	TopicSyncEvents      = "sync-events"
	TopicScanEvents      = "scan-events"
	TopicSubmitJobEvents = "submit-job-events"
	TopicHaadfEvents     = "haadf-file-events"
)

// Event types reported by the filesystem watcher.
const (
	FileEventCreated  = "created"
	FileEventModified = "modified"
	FileEventClosed   = "closed"
	FileEventDeleted  = "deleted"
)

var (
	// scanIDRegex extracts the scan number from a log file basename,
	// eg "log_0042_3.data" => 42.
	scanIDRegex = regexp.MustCompile(`^log_(\d+)_`)
	// primaryLogRegex matches the one log file whose creation timestamp
	// defines the scan's created time.
	primaryLogRegex = regexp.MustCompile(`^log_\d+_primary\.data$`)
)

// ScanIDFromPath extracts the scan number encoded in the basename of |path|.
func ScanIDFromPath(path string) (int, error) {
	var m = scanIDRegex.FindStringSubmatch(filepath.Base(path))
	if m == nil {
		return 0, fmt.Errorf("path %q does not encode a scan id", path)
	}
	var id, err = strconv.Atoi(m[1])
	if err != nil {
		return 0, fmt.Errorf("parsing scan id of path %q: %w", path, err)
	}
	return id, nil
}

// IsPrimaryLogFile returns whether |path| names the primary log file of its scan.
func IsPrimaryLogFile(path string) bool {
	return primaryLogRegex.MatchString(filepath.Base(path))
}

// FileSystemEvent is a single watcher observation of a log file.
type FileSystemEvent struct {
	UUID        message.UUID `json:"uuid,omitempty"`
	EventType   string       `json:"event_type"`
	SrcPath     string       `json:"src_path"`
	IsDirectory bool         `json:"is_directory"`
	Created     time.Time    `json:"created"`
}

// GetUUID returns the message UUID. Watchers publish without one, and a
// zero UUID reads as an already-committed message.
func (e *FileSystemEvent) GetUUID() message.UUID     { return e.UUID }
func (e *FileSystemEvent) SetUUID(uuid message.UUID) { e.UUID = uuid }
func (e *FileSystemEvent) NewAcknowledgement(pb.Journal) message.Message {
	return new(FileSystemEvent)
}

// SyncFile is one entry of a full-directory sync snapshot.
type SyncFile struct {
	Path    string    `json:"path"`
	Created time.Time `json:"created"`
}

// SyncEvent is a periodic full snapshot of the log files the watcher sees.
type SyncEvent struct {
	UUID  message.UUID `json:"uuid,omitempty"`
	Files []SyncFile   `json:"files"`
}

func (e *SyncEvent) GetUUID() message.UUID                         { return e.UUID }
func (e *SyncEvent) SetUUID(uuid message.UUID)                     { e.UUID = uuid }
func (e *SyncEvent) NewAcknowledgement(pb.Journal) message.Message { return new(SyncEvent) }

// ScanEvent reports the reconstructor's current log-file count for a scan.
// It is published for observability and is not consumed by the pipeline.
type ScanEvent struct {
	UUID     message.UUID `json:"uuid,omitempty"`
	ScanID   int          `json:"scan_id"`
	LogFiles int          `json:"log_files"`
}

func (e *ScanEvent) GetUUID() message.UUID                         { return e.UUID }
func (e *ScanEvent) SetUUID(uuid message.UUID)                     { e.UUID = uuid }
func (e *ScanEvent) NewAcknowledgement(pb.Journal) message.Message { return new(ScanEvent) }

// Topic returns the topic this record is published to.
func (e *ScanEvent) Topic() string { return TopicScanEvents }

// PartitionKey orders all events of one scan onto the same partition.
func (e *ScanEvent) PartitionKey() []byte { return []byte(strconv.Itoa(e.ScanID)) }

// SubmitJob describes the job to be submitted to the remote facility.
type SubmitJob struct {
	ID      int64          `json:"id"`
	JobType string         `json:"job_type"`
	Machine string         `json:"machine"`
	Params  map[string]any `json:"params"`
}

// SubmitJobEvent asks the orchestrator to submit a batch job for a scan.
type SubmitJobEvent struct {
	UUID message.UUID `json:"uuid,omitempty"`
	Job  SubmitJob    `json:"job"`
	Scan api.Scan     `json:"scan"`
}

func (e *SubmitJobEvent) GetUUID() message.UUID                         { return e.UUID }
func (e *SubmitJobEvent) SetUUID(uuid message.UUID)                     { e.UUID = uuid }
func (e *SubmitJobEvent) NewAcknowledgement(pb.Journal) message.Message { return new(SubmitJobEvent) }

// HaadfEvent announces a new HAADF DM4 file for a scan.
type HaadfEvent struct {
	UUID   message.UUID `json:"uuid,omitempty"`
	Path   string       `json:"path"`
	ScanID int          `json:"scan_id"`
}

func (e *HaadfEvent) GetUUID() message.UUID                         { return e.UUID }
func (e *HaadfEvent) SetUUID(uuid message.UUID)                     { e.UUID = uuid }
func (e *HaadfEvent) NewAcknowledgement(pb.Journal) message.Message { return new(HaadfEvent) }

// NewMessage allocates the record type read from |spec|, which must be a
// journal of a known topic.
func NewMessage(spec *pb.JournalSpec, prefix string) (message.Message, error) {
	switch TopicOfJournal(spec.Name, prefix) {
	case TopicFileEvents:
		return new(FileSystemEvent), nil
	case TopicSyncEvents:
		return new(SyncEvent), nil
	case TopicScanEvents:
		return new(ScanEvent), nil
	case TopicSubmitJobEvents:
		return new(SubmitJobEvent), nil
	case TopicHaadfEvents:
		return new(HaadfEvent), nil
	}
	return nil, fmt.Errorf("journal %s is not part of a known topic", spec.Name)
}
