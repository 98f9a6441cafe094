package records

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	pb "go.gazette.dev/core/broker/protocol"
	"go.gazette.dev/core/labels"
	"go.gazette.dev/core/message"
)

func TestScanIDExtraction(t *testing.T) {
	for _, tc := range []struct {
		path   string
		expect int
	}{
		{"log_0042_3.data", 42},
		{"log_7_primary.data", 7},
		{"/mnt/nvme/acquisition/log_123_0.data", 123},
	} {
		var id, err = ScanIDFromPath(tc.path)
		require.NoError(t, err)
		require.Equal(t, tc.expect, id)
	}

	for _, path := range []string{
		"notes.txt",
		"log_.data",
		"log_x_1.data",
		"/mnt/nvme/acquisition/",
	} {
		var _, err = ScanIDFromPath(path)
		require.Error(t, err, "path %q", path)
	}
}

func TestPrimaryLogDetection(t *testing.T) {
	require.True(t, IsPrimaryLogFile("log_4_primary.data"))
	require.True(t, IsPrimaryLogFile("/mnt/nvme/acquisition/log_4_primary.data"))
	require.False(t, IsPrimaryLogFile("log_4_2.data"))
	require.False(t, IsPrimaryLogFile("log_primary.data"))
	require.False(t, IsPrimaryLogFile("log_4_primary.data.bak"))
}

func TestJournalNamesRoundTrip(t *testing.T) {
	var journal = Journal("distiller", TopicFileEvents, 2)
	require.Equal(t, pb.Journal("distiller/file-events/part-002"), journal)
	require.Equal(t, TopicFileEvents, TopicOfJournal(journal, "distiller"))

	// A journal of some other prefix is not ours.
	require.Equal(t, "", TopicOfJournal(journal, "other"))
	// Nor is the bare prefix itself.
	require.Equal(t, "", TopicOfJournal(pb.Journal("distiller"), "distiller"))
}

func TestNewMessageFromJournalSpec(t *testing.T) {
	for _, tc := range []struct {
		topic  string
		expect message.Message
	}{
		{TopicFileEvents, new(FileSystemEvent)},
		{TopicSyncEvents, new(SyncEvent)},
		{TopicScanEvents, new(ScanEvent)},
		{TopicSubmitJobEvents, new(SubmitJobEvent)},
		{TopicHaadfEvents, new(HaadfEvent)},
	} {
		var spec = &pb.JournalSpec{Name: Journal("distiller", tc.topic, 0)}
		var msg, err = NewMessage(spec, "distiller")
		require.NoError(t, err)
		require.IsType(t, tc.expect, msg)
	}

	var _, err = NewMessage(&pb.JournalSpec{Name: "other/topic/part-000"}, "distiller")
	require.Error(t, err)
}

func TestMappingIsStable(t *testing.T) {
	var mapping = NewMapping("distiller", 4)

	var journal, contentType, err = mapping(&ScanEvent{ScanID: 42})
	require.NoError(t, err)
	require.Equal(t, labels.ContentType_JSONLines, contentType)
	require.Equal(t, TopicScanEvents, TopicOfJournal(journal, "distiller"))
	require.Regexp(t, `/part-00[0-3]$`, journal.String())

	// The same key always maps to the same partition, across mapping instances.
	for i := 0; i != 3; i++ {
		var again, _, err = NewMapping("distiller", 4)(&ScanEvent{ScanID: 42})
		require.NoError(t, err)
		require.Equal(t, journal, again)
	}

	// Log-file counts of many scans spread over all partitions of the topic.
	var seen = make(map[pb.Journal]struct{})
	for id := 0; id != 256; id++ {
		var journal, _, err = mapping(&ScanEvent{ScanID: id})
		require.NoError(t, err)
		seen[journal] = struct{}{}
	}
	require.Len(t, seen, 4)
}

func TestMappingEdgeCases(t *testing.T) {
	// Partition counts are clamped to at least one.
	var journal, _, err = NewMapping("distiller", 0)(&ScanEvent{ScanID: 9})
	require.NoError(t, err)
	require.Equal(t, Journal("distiller", TopicScanEvents, 0), journal)

	// Messages which don't implement Record cannot be mapped.
	_, _, err = NewMapping("distiller", 1)(new(FileSystemEvent))
	require.EqualError(t, err,
		fmt.Sprintf("message %#v is not a mappable record", new(FileSystemEvent)))
}
