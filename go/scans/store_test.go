package scans

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.gazette.dev/core/broker/client"
	pb "go.gazette.dev/core/broker/protocol"
	"go.gazette.dev/core/brokertest"
	"go.gazette.dev/core/consumer"
	"go.gazette.dev/core/consumer/recoverylog"
	"go.gazette.dev/core/etcdtest"
)

func TestTablesPersistAcrossStores(t *testing.T) {
	var etcd = etcdtest.TestClient()
	defer etcdtest.Cleanup()

	var broker = brokertest.NewBroker(t, etcd, "local", "broker")
	brokertest.CreateJournals(t, broker,
		brokertest.Journal(pb.JournalSpec{Name: "recovery/scans"}))

	var dir = t.TempDir()
	var ajc = client.NewAppendService(broker.Tasks.Context(), broker.Client())

	var openStore = func() *consumer.JSONFileStore {
		var fsm, err = recoverylog.NewFSM(recoverylog.FSMHints{Log: "recovery/scans"})
		require.NoError(t, err)
		var rec = recoverylog.NewRecorder("recovery/scans", fsm, 1234, dir, ajc)

		store, err := new(App).NewStore(nil, rec)
		require.NoError(t, err)
		return store.(*consumer.JSONFileStore)
	}

	var store = openStore()
	var tables = tablesOf(store)

	// A fresh store starts with empty, initialized tables.
	require.Empty(t, tables.LogFilePaths())
	var _, ok = tables.ScanRecordID(1)
	require.False(t, ok)

	var created = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	tables.PutLogFile("/data/log_0001_primary.data", LogFileState{
		ReceivedCreatedEvent: true,
		ReceivedClosedEvent:  true,
		Created:              &created,
		Processed:            true,
	})
	tables.AddScanPath(1, "/data/log_0001_primary.data")
	tables.SetScanRecordID(1, 7)

	var cp, err = store.RestoreCheckpoint(nil)
	require.NoError(t, err)
	require.NoError(t, store.StartCommit(nil, cp, nil).Err())

	// A store opened over the same directory restores the tables.
	var recovered = tablesOf(openStore())
	require.Equal(t, []string{"/data/log_0001_primary.data"}, recovered.LogFilePaths())
	require.Equal(t, []string{"/data/log_0001_primary.data"}, recovered.ScanPaths(1))

	id, ok := recovered.ScanRecordID(1)
	require.True(t, ok)
	require.Equal(t, int64(7), id)

	var state = recovered.LogFile("/data/log_0001_primary.data")
	require.True(t, state.Processed)
	require.True(t, created.Equal(*state.Created))

	broker.Tasks.Cancel()
	require.NoError(t, broker.Tasks.Wait())
}

func TestTablesRestoreFromFixture(t *testing.T) {
	var etcd = etcdtest.TestClient()
	defer etcdtest.Cleanup()

	var broker = brokertest.NewBroker(t, etcd, "local", "broker")
	brokertest.CreateJournals(t, broker,
		brokertest.Journal(pb.JournalSpec{Name: "recovery/scans"}))

	var dir = t.TempDir()
	var ajc = client.NewAppendService(broker.Tasks.Context(), broker.Client())

	// Offsets, followed by state, followed by checkpoint. See NewJSONFileStore.
	var fixture = `{}
{"log_files":{"/data/log_0002_00.data":{"received_created_event":true,"received_closed_event":true,"created":"2024-01-02T03:04:05Z","processed":true}},"scan_id_to_id":{"2":11},"scan_id_to_log_files":{"2":["/data/log_0002_00.data"]}}
{}
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "state.json"), []byte(fixture), 0600))

	var fsm, err = recoverylog.NewFSM(recoverylog.FSMHints{Log: "recovery/scans"})
	require.NoError(t, err)
	var rec = recoverylog.NewRecorder("recovery/scans", fsm, 1234, dir, ajc)

	store, err := new(App).NewStore(nil, rec)
	require.NoError(t, err)
	var tables = tablesOf(store)

	require.Equal(t, []string{"/data/log_0002_00.data"}, tables.LogFilePaths())
	require.Equal(t, []string{"/data/log_0002_00.data"}, tables.ScanPaths(2))

	var id, ok = tables.ScanRecordID(2)
	require.True(t, ok)
	require.Equal(t, int64(11), id)

	var state = tables.LogFile("/data/log_0002_00.data")
	require.True(t, state.ReceivedCreatedEvent)
	require.True(t, state.ReceivedClosedEvent)
	require.True(t, state.Processed)

	broker.Tasks.Cancel()
	require.NoError(t, broker.Tasks.Wait())
}

func TestMain(m *testing.M) { etcdtest.TestMainWithEtcd(m) }
