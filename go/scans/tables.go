package scans

import (
	"sort"
	"time"
)

// LogFileState tracks one path through the created/closed event state
// machine.
type LogFileState struct {
	ReceivedCreatedEvent bool       `json:"received_created_event"`
	ReceivedClosedEvent  bool       `json:"received_closed_event"`
	Created              *time.Time `json:"created"`
	Processed            bool       `json:"processed"`
}

// Tables is the reconstructor's durable state, persisted as a JSON
// document through the shard recovery log. Keys of a given scan number
// are always read and written by the same shard, so lookups are
// consistent with the event sequence.
type Tables struct {
	// LogFiles indexes each observed path's progress.
	LogFiles map[string]LogFileState `json:"log_files"`
	// ScanIDToID maps a scan number to its record store id.
	ScanIDToID map[int]int64 `json:"scan_id_to_id"`
	// ScanLogFiles maps a scan number to its sorted set of observed paths.
	ScanLogFiles map[int][]string `json:"scan_id_to_log_files"`
}

// init allocates empty tables. A state restored from JSON may hold nil maps.
func (t *Tables) init() {
	if t.LogFiles == nil {
		t.LogFiles = make(map[string]LogFileState)
	}
	if t.ScanIDToID == nil {
		t.ScanIDToID = make(map[int]int64)
	}
	if t.ScanLogFiles == nil {
		t.ScanLogFiles = make(map[int][]string)
	}
}

// LogFile returns the tracked state of |path|, or a zero state.
func (t *Tables) LogFile(path string) LogFileState { return t.LogFiles[path] }

// PutLogFile stores the state of |path|.
func (t *Tables) PutLogFile(path string, state LogFileState) { t.LogFiles[path] = state }

// DeleteLogFile drops the state of |path|.
func (t *Tables) DeleteLogFile(path string) { delete(t.LogFiles, path) }

// LogFilePaths returns a sorted snapshot of all tracked paths.
func (t *Tables) LogFilePaths() []string {
	var paths = make([]string, 0, len(t.LogFiles))
	for path := range t.LogFiles {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

// AddScanPath adds |path| to the path set of |scanID| and returns the
// set's new size.
func (t *Tables) AddScanPath(scanID int, path string) int {
	var paths = t.ScanLogFiles[scanID]
	var at = sort.SearchStrings(paths, path)

	if at == len(paths) || paths[at] != path {
		paths = append(paths, "")
		copy(paths[at+1:], paths[at:])
		paths[at] = path
		t.ScanLogFiles[scanID] = paths
	}
	return len(paths)
}

// RemoveScanPath removes |path| from the path set of |scanID|. It returns
// the set's remaining size, and whether the set was present at all.
func (t *Tables) RemoveScanPath(scanID int, path string) (int, bool) {
	var paths, ok = t.ScanLogFiles[scanID]
	if !ok {
		return 0, false
	}

	var at = sort.SearchStrings(paths, path)
	if at != len(paths) && paths[at] == path {
		paths = append(paths[:at], paths[at+1:]...)
		t.ScanLogFiles[scanID] = paths
	}
	return len(paths), true
}

// ScanPaths returns a copy of the path set of |scanID|.
func (t *Tables) ScanPaths(scanID int) []string {
	return append([]string(nil), t.ScanLogFiles[scanID]...)
}

// ScanRecordID returns the record store id of |scanID|, if known.
func (t *Tables) ScanRecordID(scanID int) (int64, bool) {
	var id, ok = t.ScanIDToID[scanID]
	return id, ok
}

// SetScanRecordID stores the record store id of |scanID|.
func (t *Tables) SetScanRecordID(scanID int, id int64) { t.ScanIDToID[scanID] = id }

// DeleteScan drops both the record id mapping and the path set of |scanID|.
func (t *Tables) DeleteScan(scanID int) {
	delete(t.ScanIDToID, scanID)
	delete(t.ScanLogFiles, scanID)
}
