package jobs

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bradleyjkemp/cupaloy"
	"github.com/stretchr/testify/require"

	"github.com/ncemhub/distiller/go/api"
	"github.com/ncemhub/distiller/go/config"
	"github.com/ncemhub/distiller/go/records"
)

func TestRenderCountScript(t *testing.T) {
	var sctx = snapshotContext(JobTypeCount)
	var script, _, err = renderScripts(&sctx)
	require.NoError(t, err)
	cupaloy.SnapshotT(t, script)
}

func TestRenderTransferScript(t *testing.T) {
	var sctx = snapshotContext(JobTypeTransfer)
	var script, _, err = renderScripts(&sctx)
	require.NoError(t, err)
	cupaloy.SnapshotT(t, script)
}

func TestRenderBbcpScript(t *testing.T) {
	var sctx = snapshotContext(JobTypeCount)
	var _, bbcp, err = renderScripts(&sctx)
	require.NoError(t, err)
	cupaloy.SnapshotT(t, bbcp)
}

// Rendering the same event twice yields byte-identical scripts, regardless
// of param map iteration order.
func TestRenderingIsDeterministic(t *testing.T) {
	var settings = testSettings()
	var event = submitEvent(JobTypeCount, map[string]any{
		"threshold":     4.5,
		"algorithm":     "maximal",
		"frames":        float64(1024),
		"dark-subtract": true,
	},
		api.Location{Host: "microscope.lab.gov", Path: "/data/a"},
		api.Location{Host: "vault.lab.gov", Path: "/data/b"},
	)

	var first = buildScriptContext(&settings, event, testMachine(), []string{"perlmutter"})
	script1, bbcp1, err := renderScripts(&first)
	require.NoError(t, err)

	var second = buildScriptContext(&settings, event, testMachine(), []string{"perlmutter"})
	script2, bbcp2, err := renderScripts(&second)
	require.NoError(t, err)

	require.Equal(t, script1, script2)
	require.Equal(t, bbcp1, bbcp2)
}

func TestScriptContextDerivations(t *testing.T) {
	var settings = testSettings()
	var machine = testMachine()

	var event = submitEvent(JobTypeCount, nil)
	var sctx = buildScriptContext(&settings, event, machine, nil)

	var dateDir = event.Scan.Created.Local().Format("2006-01-02")
	require.Equal(t, "count-7", sctx.JobName)
	require.Equal(t, "/global/homes/d/distiller/scripts/7", sctx.ScriptDir)
	require.Equal(t, dateDir, sctx.DateDir)
	require.Equal(t, filepath.Join("/global/cfs/ncemhub/counted", dateDir), sctx.DestDir)
	require.Equal(t, "/pscratch/bb/7", sctx.BbcpDestDir)
	require.Equal(t, "realtime", sctx.Qos)
	require.Equal(t, "", sctx.Reservation)

	// Transfer jobs fetch straight into the destination.
	event = submitEvent(JobTypeTransfer, nil)
	sctx = buildScriptContext(&settings, event, machine, nil)
	require.Equal(t, filepath.Join("/global/cfs/ncemhub/raw", dateDir), sctx.DestDir)
	require.Equal(t, sctx.DestDir, sctx.BbcpDestDir)

	// A machine without its own QOS falls back to the configured default,
	// and a reservation is flattened out of its pointer.
	machine.Qos = ""
	var reservation = "ncem_res"
	machine.Reservation = &reservation
	sctx = buildScriptContext(&settings, event, machine, nil)
	require.Equal(t, "regular", sctx.Qos)
	require.Equal(t, "ncem_res", sctx.Reservation)
}

// Locations hosted on a known machine are dropped, custodial hosts are
// fetched as the custodian account, and sources are ordered.
func TestSourcesFilterAndAccounts(t *testing.T) {
	var settings = testSettings()
	var event = submitEvent(JobTypeTransfer, nil,
		api.Location{Host: "vault.lab.gov", Path: "/vault/scan42"},
		api.Location{Host: "perlmutter", Path: "/pscratch/old"},
		api.Location{Host: "microscope.lab.gov", Path: "/data/scan42"},
	)

	var sctx = buildScriptContext(&settings, event, testMachine(), []string{"cori", "perlmutter"})

	require.Equal(t, []scriptSource{
		{User: "acquire", Host: "microscope.lab.gov", Path: "/data/scan42"},
		{User: "custodian", Host: "vault.lab.gov", Path: "/vault/scan42"},
	}, sctx.Sources)
}

func TestParamsAreSortedAndFormatted(t *testing.T) {
	var settings = testSettings()
	var event = submitEvent(JobTypeCount, map[string]any{
		"threshold":     4.5,
		"algorithm":     "maximal",
		"frames":        float64(1024),
		"dark-subtract": true,
	})

	var sctx = buildScriptContext(&settings, event, testMachine(), nil)
	require.Equal(t, []scriptParam{
		{Key: "algorithm", Value: "maximal"},
		{Key: "dark-subtract", Value: "true"},
		{Key: "frames", Value: "1024"},
		{Key: "threshold", Value: "4.5"},
	}, sctx.Params)
}

func TestWrittenScriptsAreGroupExecutable(t *testing.T) {
	var dir = filepath.Join(t.TempDir(), "7")

	require.NoError(t, writeScripts(dir, "count-7.sh", "#!/bin/bash\n", "#!/bin/bash\nbbcp\n"))
	// Writing over an existing script directory overrides it.
	require.NoError(t, writeScripts(dir, "count-7.sh", "#!/bin/bash\nv2\n", "#!/bin/bash\nbbcp\n"))

	var content, err = os.ReadFile(filepath.Join(dir, "count-7.sh"))
	require.NoError(t, err)
	require.Equal(t, "#!/bin/bash\nv2\n", string(content))

	for _, name := range []string{"count-7.sh", "bbcp.sh"} {
		info, err := os.Stat(filepath.Join(dir, name))
		require.NoError(t, err)
		require.Equal(t, os.FileMode(0740), info.Mode().Perm())
	}
}

func testSettings() config.Settings {
	return config.Settings{
		AcquisitionUser:         "acquire",
		CustodianUser:           "custodian",
		CustodianValidHosts:     []string{"vault.lab.gov"},
		JobCountScriptPath:      "/global/common/software/ncem/stempy-count",
		JobNcemhubRawDataPath:   "/global/cfs/ncemhub/raw",
		JobNcemhubCountDataPath: "/global/cfs/ncemhub/counted",
		JobScriptDirectory:      "/global/homes/d/distiller/scripts",
		JobBbcpNumberOfStreams:  16,
		JobQos:                  "regular",
		JobBbcpExecutablePath:   "/global/common/software/ncem/bbcp",
		HaadfNcemhubDm4DataPath: "/global/cfs/ncemhub/dm4",
		SfapiUser:               "dsmith",
	}
}

func testMachine() api.Machine {
	return api.Machine{
		Name:          "perlmutter",
		Account:       "ncem",
		Qos:           "realtime",
		Nodes:         2,
		NtasksPerNode: 4,
		CPUsPerTask:   16,
		Constraint:    "cpu",
		BbcpDestDir:   "/pscratch/bb",
	}
}

func submitEvent(jobType string, params map[string]any, locations ...api.Location) *records.SubmitJobEvent {
	return &records.SubmitJobEvent{
		Job: records.SubmitJob{
			ID:      7,
			JobType: jobType,
			Machine: "perlmutter",
			Params:  params,
		},
		Scan: api.Scan{
			ID:        11,
			ScanID:    42,
			Created:   time.Date(2024, 1, 2, 12, 0, 0, 0, time.UTC),
			Locations: locations,
		},
	}
}

// snapshotContext is a fixed render context. Snapshots must not depend on
// the local time zone, so the date-derived fields are pinned.
func snapshotContext(jobType string) scriptContext {
	var sctx = scriptContext{
		Settings:    testSettings(),
		Scan:        api.Scan{ID: 11, ScanID: 42},
		Job:         records.SubmitJob{ID: 7, JobType: jobType, Machine: "perlmutter"},
		Machine:     testMachine(),
		Qos:         "regular",
		Reservation: "ncem_res",
		JobName:     jobType + "-7",
		ScriptDir:   "/global/homes/d/distiller/scripts/7",
		DateDir:     "2024-01-02",
		Sources: []scriptSource{
			{User: "acquire", Host: "microscope.lab.gov", Path: "/data/scan42"},
		},
	}
	if jobType == JobTypeTransfer {
		sctx.DestDir = "/global/cfs/ncemhub/raw/2024-01-02"
		sctx.BbcpDestDir = sctx.DestDir
	} else {
		sctx.DestDir = "/global/cfs/ncemhub/counted/2024-01-02"
		sctx.BbcpDestDir = "/pscratch/bb/7"
		sctx.Params = []scriptParam{{Key: "threshold", Value: "4.5"}}
	}
	return sctx
}
