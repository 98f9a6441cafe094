package jobs

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"text/template"

	log "github.com/sirupsen/logrus"

	"github.com/ncemhub/distiller/go/api"
	"github.com/ncemhub/distiller/go/config"
	"github.com/ncemhub/distiller/go/records"
)

// Job types accepted by the orchestrator.
const (
	JobTypeCount    = "count"
	JobTypeTransfer = "transfer"
)

// dateDirFormat lays out the per-day directory under the raw and counted
// data roots, derived from the scan's creation time in local time.
const dateDirFormat = "2006-01-02"

const countScriptTemplate = `#!/bin/bash
#SBATCH --qos={{.Qos}}
#SBATCH --account={{.Machine.Account}}
#SBATCH --nodes={{.Machine.Nodes}}
#SBATCH --ntasks-per-node={{.Machine.NtasksPerNode}}
#SBATCH --cpus-per-task={{.Machine.CPUsPerTask}}
{{if .Machine.Constraint}}#SBATCH --constraint={{.Machine.Constraint}}
{{end}}{{if .Reservation}}#SBATCH --reservation={{.Reservation}}
{{end}}#SBATCH --chdir={{.ScriptDir}}
#SBATCH --job-name={{.JobName}}

set -e

{{range .Sources}}{{$.ScriptDir}}/bbcp.sh "{{.User}}@{{.Host}}:{{.Path}}/"
{{end}}
srun {{.Settings.JobCountScriptPath}} \
    --scan-id={{.Scan.ScanID}} \
    --input-dir={{.BbcpDestDir}} \
    --output-dir={{.DestDir}}{{range .Params}} \
    --{{.Key}}={{.Value}}{{end}}
`

const transferScriptTemplate = `#!/bin/bash
#SBATCH --qos={{.Qos}}
#SBATCH --account={{.Machine.Account}}
#SBATCH --nodes={{.Machine.Nodes}}
#SBATCH --ntasks-per-node={{.Machine.NtasksPerNode}}
#SBATCH --cpus-per-task={{.Machine.CPUsPerTask}}
{{if .Machine.Constraint}}#SBATCH --constraint={{.Machine.Constraint}}
{{end}}{{if .Reservation}}#SBATCH --reservation={{.Reservation}}
{{end}}#SBATCH --chdir={{.ScriptDir}}
#SBATCH --job-name={{.JobName}}

set -e

{{range .Sources}}{{$.ScriptDir}}/bbcp.sh "{{.User}}@{{.Host}}:{{.Path}}/"
{{end}}
mkdir -p {{.Settings.HaadfNcemhubDm4DataPath}}/{{.DateDir}}
find {{.DestDir}} -maxdepth 1 -name '*.dm4' -exec cp {} {{.Settings.HaadfNcemhubDm4DataPath}}/{{.DateDir}}/ \;
`

const bbcpScriptTemplate = `#!/bin/bash

# Stages one source directory into the job's data directory.
# Usage: bbcp.sh <user@host:/path/>

src="$1"

mkdir -p {{.BbcpDestDir}}
{{.Settings.JobBbcpExecutablePath}} -z -P 10 -w 8m -s {{.Settings.JobBbcpNumberOfStreams}} "$src" {{.BbcpDestDir}}/
`

// scriptTemplates render the batch submission script of each job type and
// the bbcp staging wrapper. Rendering is deterministic: sources and params
// are pre-sorted, and fallback or pointer-valued machine fields are
// flattened into the context ahead of time.
var scriptTemplates = func() *template.Template {
	var t = template.New("scripts")
	template.Must(t.New(JobTypeCount).Parse(countScriptTemplate))
	template.Must(t.New(JobTypeTransfer).Parse(transferScriptTemplate))
	template.Must(t.New("bbcp").Parse(bbcpScriptTemplate))
	return t
}()

// scriptSource is one remote directory a job fetches data from.
type scriptSource struct {
	User string
	Host string
	Path string
}

// scriptParam is one job parameter, rendered as a long-form flag of the
// counting entrypoint.
type scriptParam struct {
	Key   string
	Value string
}

// scriptContext is the data bound into the script templates.
type scriptContext struct {
	Settings config.Settings
	Scan     api.Scan
	Job      records.SubmitJob
	Machine  api.Machine

	Qos         string
	Reservation string
	JobName     string
	ScriptDir   string
	DestDir     string
	BbcpDestDir string
	DateDir     string
	Sources     []scriptSource
	Params      []scriptParam
}

// buildScriptContext derives the render context of |event| against the
// resolved |machine|. Scan locations hosted on a known machine are dropped
// (a machine never fetches from itself), and remaining sources run as the
// custodian account where the host requires it.
func buildScriptContext(cfg *config.Settings, event *records.SubmitJobEvent, machine api.Machine, machineNames []string) scriptContext {
	var job = event.Job
	var dateDir = event.Scan.Created.Local().Format(dateDirFormat)

	var destDir string
	if job.JobType == JobTypeTransfer {
		destDir = filepath.Join(cfg.JobNcemhubRawDataPath, dateDir)
	} else {
		destDir = filepath.Join(cfg.JobNcemhubCountDataPath, dateDir)
	}

	// Count jobs stage into a per-job scratch directory. Transfer jobs
	// fetch straight into the destination.
	var bbcpDestDir = filepath.Join(machine.BbcpDestDir, strconv.FormatInt(job.ID, 10))
	if job.JobType == JobTypeTransfer {
		bbcpDestDir = destDir
	}

	var qos = machine.Qos
	if qos == "" {
		qos = cfg.JobQos
	}
	var reservation string
	if machine.Reservation != nil {
		reservation = *machine.Reservation
	}

	var known = make(map[string]struct{}, len(machineNames))
	for _, name := range machineNames {
		known[name] = struct{}{}
	}
	var sources []scriptSource
	for _, loc := range event.Scan.Locations {
		if _, ok := known[loc.Host]; ok {
			continue
		}
		var user = cfg.AcquisitionUser
		if cfg.IsCustodianHost(loc.Host) {
			user = cfg.CustodianUser
		}
		sources = append(sources, scriptSource{User: user, Host: loc.Host, Path: loc.Path})
	}
	sort.Slice(sources, func(i, j int) bool {
		if sources[i].Host != sources[j].Host {
			return sources[i].Host < sources[j].Host
		}
		return sources[i].Path < sources[j].Path
	})

	var params []scriptParam
	for key, value := range job.Params {
		params = append(params, scriptParam{Key: key, Value: formatParam(value)})
	}
	sort.Slice(params, func(i, j int) bool { return params[i].Key < params[j].Key })

	return scriptContext{
		Settings:    *cfg,
		Scan:        event.Scan,
		Job:         job,
		Machine:     machine,
		Qos:         qos,
		Reservation: reservation,
		JobName:     fmt.Sprintf("%s-%d", job.JobType, job.ID),
		ScriptDir:   filepath.Join(cfg.JobScriptDirectory, strconv.FormatInt(job.ID, 10)),
		DestDir:     destDir,
		BbcpDestDir: bbcpDestDir,
		DateDir:     dateDir,
		Sources:     sources,
		Params:      params,
	}
}

// formatParam renders a job parameter value as flag text. Numbers decoded
// from JSON arrive as float64 and are printed without a trailing ".0".
func formatParam(v any) string {
	switch v := v.(type) {
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

// renderScripts renders the job's submission script and bbcp wrapper.
func renderScripts(sctx *scriptContext) (script, bbcp string, err error) {
	var buf bytes.Buffer
	if err = scriptTemplates.ExecuteTemplate(&buf, sctx.Job.JobType, sctx); err != nil {
		return "", "", fmt.Errorf("rendering %s script: %w", sctx.Job.JobType, err)
	}
	script = buf.String()

	buf.Reset()
	if err = scriptTemplates.ExecuteTemplate(&buf, "bbcp", sctx); err != nil {
		return "", "", fmt.Errorf("rendering bbcp script: %w", err)
	}
	return script, buf.String(), nil
}

// writeScripts writes the rendered scripts into the job's script
// directory, each executable by owner and group.
func writeScripts(scriptDir, scriptName, script, bbcp string) error {
	if _, err := os.Stat(scriptDir); err == nil {
		log.WithField("dir", scriptDir).Warn("job script directory exists, overriding")
	}
	if err := os.MkdirAll(scriptDir, 0750); err != nil {
		return fmt.Errorf("creating script directory: %w", err)
	}
	if err := writeScript(filepath.Join(scriptDir, scriptName), script); err != nil {
		return err
	}
	return writeScript(filepath.Join(scriptDir, "bbcp.sh"), bbcp)
}

func writeScript(path, content string) error {
	if err := os.WriteFile(path, []byte(content), 0740); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	// WriteFile's permission argument is subject to the umask.
	return os.Chmod(path, 0740)
}
