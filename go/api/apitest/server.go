// Package apitest provides an in-memory record store for tests.
package apitest

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ncemhub/distiller/go/api"
)

// Request is a captured request. Body is empty unless the request
// carried a JSON payload.
type Request struct {
	Method string
	Path   string
	Body   string
}

// Upload is a captured HAADF preview upload.
type Upload struct {
	Filename    string
	ContentType string
	Content     []byte
}

// Server is a fake record store. It applies the store's update guards,
// requires the API key header on every request, and records requests
// and uploads for later assertion.
type Server struct {
	*httptest.Server

	KeyName string
	Key     string

	mu       sync.Mutex
	scans    map[int64]*api.Scan
	jobs     map[int64]*api.Job
	machines map[string]api.Machine
	nextID   int64
	uploads  []Upload
	requests []Request
}

// NewServer starts a Server which expects API key |key| in header |keyName|.
// Callers must Close it when done.
func NewServer(keyName, key string) *Server {
	var s = &Server{
		KeyName:  keyName,
		Key:      key,
		scans:    make(map[int64]*api.Scan),
		jobs:     make(map[int64]*api.Job),
		machines: make(map[string]api.Machine),
	}

	var mux = http.NewServeMux()
	mux.HandleFunc("GET /scans", s.getScans)
	mux.HandleFunc("POST /scans", s.postScan)
	mux.HandleFunc("GET /scans/{id}", s.getScan)
	mux.HandleFunc("PATCH /scans/{id}", s.patchScan)
	mux.HandleFunc("GET /jobs/{id}", s.getJob)
	mux.HandleFunc("PATCH /jobs/{id}", s.patchJob)
	mux.HandleFunc("GET /machines", s.getMachines)
	mux.HandleFunc("GET /machines/{name}", s.getMachine)
	mux.HandleFunc("POST /files/haadf", s.postHaadf)

	s.Server = httptest.NewServer(s.record(s.auth(mux)))
	return s
}

// Client returns an api.Client of the fake store.
func (s *Server) Client() *api.Client {
	return api.NewClient(s.URL, s.KeyName, s.Key)
}

// AddScan seeds a scan, assigning its record id, and returns it.
func (s *Server) AddScan(scan api.Scan) api.Scan {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	scan.ID = s.nextID
	s.scans[scan.ID] = &scan
	return scan
}

// AddJob seeds a job, assigning its record id, and returns it.
func (s *Server) AddJob(job api.Job) api.Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	job.ID = s.nextID
	s.jobs[job.ID] = &job
	return job
}

// AddMachine seeds a machine profile.
func (s *Server) AddMachine(machine api.Machine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.machines[machine.Name] = machine
}

// Scan returns a copy of the scan with record id |id|.
func (s *Server) Scan(id int64) (api.Scan, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var scan, ok = s.scans[id]
	if !ok {
		return api.Scan{}, false
	}
	return copyScan(scan), true
}

// Scans returns copies of all stored scans, ordered by record id.
func (s *Server) Scans() []api.Scan {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []api.Scan
	for _, id := range s.sortedScanIDs() {
		out = append(out, copyScan(s.scans[id]))
	}
	return out
}

// Job returns a copy of the job with record id |id|.
func (s *Server) Job(id int64) (api.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var job, ok = s.jobs[id]
	if !ok {
		return api.Job{}, false
	}
	return *job, true
}

// Uploads returns captured HAADF uploads.
func (s *Server) Uploads() []Upload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Upload(nil), s.uploads...)
}

// Requests returns captured requests matching |method| and |path|.
// An empty |method| or |path| matches any.
func (s *Server) Requests(method, path string) []Request {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Request
	for _, r := range s.requests {
		if (method == "" || r.Method == method) && (path == "" || r.Path == path) {
			out = append(out, r)
		}
	}
	return out
}

func (s *Server) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body []byte
		if r.Body != nil && strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
			body, _ = io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewReader(body))
		}
		s.mu.Lock()
		s.requests = append(s.requests, Request{Method: r.Method, Path: r.URL.Path, Body: string(body)})
		s.mu.Unlock()

		next.ServeHTTP(w, r)
	})
}

func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(s.KeyName) != s.Key {
			http.Error(w, "invalid API key", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) getScans(w http.ResponseWriter, r *http.Request) {
	var q = r.URL.Query()

	var scanID, err = strconv.Atoi(q.Get("scan_id"))
	if err != nil {
		http.Error(w, "malformed scan_id", http.StatusUnprocessableEntity)
		return
	}
	created, err := time.Parse(time.RFC3339, q.Get("created"))
	if err != nil {
		http.Error(w, "malformed created", http.StatusUnprocessableEntity)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out = []api.Scan{}
	for _, id := range s.sortedScanIDs() {
		if scan := s.scans[id]; scan.ScanID == scanID && scan.Created.Equal(created) {
			out = append(out, copyScan(scan))
		}
	}
	writeJSON(w, out)
}

func (s *Server) postScan(w http.ResponseWriter, r *http.Request) {
	var create api.ScanCreate
	if err := json.NewDecoder(r.Body).Decode(&create); err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	var scan = &api.Scan{
		ID:        s.nextID,
		ScanID:    create.ScanID,
		Created:   create.Created,
		LogFiles:  create.LogFiles,
		Locations: create.Locations,
	}
	s.scans[scan.ID] = scan
	writeJSON(w, copyScan(scan))
}

func (s *Server) getScan(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var scan, ok = s.scans[pathID(r)]
	if !ok {
		http.Error(w, "scan not found", http.StatusNotFound)
		return
	}
	writeJSON(w, copyScan(scan))
}

// patchScan applies the store's update guards: log_files must strictly
// increase, locations append uniquely by (host, path), and haadf_path
// and notes update only on change.
func (s *Server) patchScan(w http.ResponseWriter, r *http.Request) {
	var update api.ScanUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var scan, ok = s.scans[pathID(r)]
	if !ok {
		http.Error(w, "scan not found", http.StatusNotFound)
		return
	}

	if update.LogFiles != nil && *update.LogFiles > scan.LogFiles {
		scan.LogFiles = *update.LogFiles
	}
	for _, l := range update.Locations {
		if !hasLocation(scan.Locations, l) {
			l.ID = int64(len(scan.Locations) + 1)
			scan.Locations = append(scan.Locations, l)
		}
	}
	if update.HaadfPath != nil && (scan.HaadfPath == nil || *scan.HaadfPath != *update.HaadfPath) {
		scan.HaadfPath = update.HaadfPath
	}
	if update.Notes != nil && (scan.Notes == nil || *scan.Notes != *update.Notes) {
		scan.Notes = update.Notes
	}
	writeJSON(w, copyScan(scan))
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var job, ok = s.jobs[pathID(r)]
	if !ok {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	writeJSON(w, job)
}

func (s *Server) patchJob(w http.ResponseWriter, r *http.Request) {
	var update api.JobUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var job, ok = s.jobs[pathID(r)]
	if !ok {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}

	if update.SlurmID != nil {
		job.SlurmID = update.SlurmID
	}
	if update.State != nil {
		job.State = update.State
	}
	if update.Elapsed != nil {
		job.Elapsed = update.Elapsed
	}
	if update.Output != nil {
		job.Output = update.Output
	}
	writeJSON(w, job)
}

func (s *Server) getMachines(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var names = []string{}
	for name := range s.machines {
		names = append(names, name)
	}
	sort.Strings(names)
	writeJSON(w, names)
}

func (s *Server) getMachine(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var machine, ok = s.machines[r.PathValue("name")]
	if !ok {
		http.Error(w, "machine not found", http.StatusNotFound)
		return
	}
	writeJSON(w, machine)
}

func (s *Server) postHaadf(w http.ResponseWriter, r *http.Request) {
	var file, header, err = r.FormFile("file")
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	s.mu.Lock()
	s.uploads = append(s.uploads, Upload{
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Content:     content,
	})
	s.mu.Unlock()

	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) sortedScanIDs() []int64 {
	var ids []int64
	for id := range s.scans {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func copyScan(scan *api.Scan) api.Scan {
	var out = *scan
	out.Locations = append([]api.Location(nil), scan.Locations...)
	return out
}

func hasLocation(locations []api.Location, l api.Location) bool {
	for _, have := range locations {
		if have.Host == l.Host && have.Path == l.Path {
			return true
		}
	}
	return false
}

func pathID(r *http.Request) int64 {
	var id, _ = strconv.ParseInt(r.PathValue("id"), 10, 64)
	return id
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
