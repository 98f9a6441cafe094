package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// StatusError is a non-2xx response of the record store.
type StatusError struct {
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("record store returned %s", e.Status)
}

// NotFound returns whether the response was a 404.
func (e *StatusError) NotFound() bool { return e.StatusCode == http.StatusNotFound }

// Client is a record store REST client. Every request carries the
// configured API key header.
type Client struct {
	baseURL string
	keyName string
	key     string
	http    *http.Client
}

// NewClient returns a Client of the record store at |baseURL|, passing
// API key |key| in header |keyName| with each request.
func NewClient(baseURL, keyName, key string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		keyName: keyName,
		key:     key,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// GetScans returns scans having |scanID| and |created|. Zero, one, or
// (on invariant violation) many scans may match.
func (c *Client) GetScans(ctx context.Context, scanID int, created time.Time) ([]Scan, error) {
	var query = url.Values{
		"scan_id": []string{strconv.Itoa(scanID)},
		"created": []string{created.UTC().Format(time.RFC3339)},
	}
	var scans []Scan
	var err = c.do(ctx, http.MethodGet, "/scans", query, nil, &scans)
	return scans, err
}

// CreateScan creates a scan and returns the stored record.
func (c *Client) CreateScan(ctx context.Context, create ScanCreate) (Scan, error) {
	var scan Scan
	var err = c.do(ctx, http.MethodPost, "/scans", nil, create, &scan)
	return scan, err
}

// GetScan returns the scan having record id |id|.
func (c *Client) GetScan(ctx context.Context, id int64) (Scan, error) {
	var scan Scan
	var err = c.do(ctx, http.MethodGet, fmt.Sprintf("/scans/%d", id), nil, nil, &scan)
	return scan, err
}

// UpdateScan applies a partial |update| to its scan.
func (c *Client) UpdateScan(ctx context.Context, update ScanUpdate) (Scan, error) {
	var scan Scan
	var err = c.do(ctx, http.MethodPatch, fmt.Sprintf("/scans/%d", update.ID), nil, update, &scan)
	return scan, err
}

// GetJob returns the job having record id |id|.
func (c *Client) GetJob(ctx context.Context, id int64) (Job, error) {
	var job Job
	var err = c.do(ctx, http.MethodGet, fmt.Sprintf("/jobs/%d", id), nil, nil, &job)
	return job, err
}

// UpdateJob applies a partial |update| to its job.
func (c *Client) UpdateJob(ctx context.Context, update JobUpdate) (Job, error) {
	var job Job
	var err = c.do(ctx, http.MethodPatch, fmt.Sprintf("/jobs/%d", update.ID), nil, update, &job)
	return job, err
}

// MachineNames returns the names of the configured compute machines.
func (c *Client) MachineNames(ctx context.Context) ([]string, error) {
	var names []string
	var err = c.do(ctx, http.MethodGet, "/machines", nil, nil, &names)
	return names, err
}

// GetMachine returns the machine profile named |name|.
func (c *Client) GetMachine(ctx context.Context, name string) (Machine, error) {
	var machine Machine
	var err = c.do(ctx, http.MethodGet, "/machines/"+url.PathEscape(name), nil, nil, &machine)
	return machine, err
}

// UploadHaadfImage posts a rendered HAADF preview read from |r| as a
// multipart form file named |filename|.
func (c *Client) UploadHaadfImage(ctx context.Context, filename string, r io.Reader) error {
	var body bytes.Buffer
	var form = multipart.NewWriter(&body)

	var header = make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, filename))
	header.Set("Content-Type", "image/png")

	var part, err = form.CreatePart(header)
	if err != nil {
		return fmt.Errorf("building multipart body: %w", err)
	} else if _, err = io.Copy(part, r); err != nil {
		return fmt.Errorf("building multipart body: %w", err)
	} else if err = form.Close(); err != nil {
		return fmt.Errorf("building multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/files/haadf", &body)
	if err != nil {
		return fmt.Errorf("building upload request: %w", err)
	}
	req.Header.Set(c.keyName, c.key)
	req.Header.Set("Content-Type", form.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("uploading %s: %w", filename, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		var b, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding %s %s request: %w", method, path, err)
		}
		reqBody = bytes.NewReader(b)
	}
	var u = c.baseURL + path
	if len(query) != 0 {
		u += "?" + query.Encode()
	}

	var req, err = http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return fmt.Errorf("building %s %s request: %w", method, path, err)
	}
	req.Header.Set(c.keyName, c.key)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return &StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}
	if out != nil {
		if err = json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding %s %s response: %w", method, path, err)
		}
	}
	return nil
}
