package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/joho/godotenv"

	"github.com/ncemhub/distiller/go/api"
)

// errUnknownMachine marks a job naming a machine the record store doesn't
// have. Callers skip such jobs rather than retrying them.
var errUnknownMachine = errors.New("unknown machine")

// machineCatalog resolves the submission profiles of compute machines.
// The catalog is fetched from the record store once per process, while
// per-machine override files are re-read on every access so operators can
// adjust a profile without a restart.
type machineCatalog struct {
	api          *api.Client
	overridesDir string

	mu       sync.Mutex
	machines map[string]api.Machine
	names    []string
}

func newMachineCatalog(client *api.Client, overridesDir string) *machineCatalog {
	return &machineCatalog{api: client, overridesDir: overridesDir}
}

// Names returns the sorted machine names, fetching the catalog on first use.
func (c *machineCatalog) Names(ctx context.Context) ([]string, error) {
	if err := c.fetch(ctx); err != nil {
		return nil, err
	}
	return c.names, nil
}

// Machine returns the named machine with any overrides applied.
func (c *machineCatalog) Machine(ctx context.Context, name string) (api.Machine, error) {
	if err := c.fetch(ctx); err != nil {
		return api.Machine{}, err
	}
	c.mu.Lock()
	var machine, ok = c.machines[name]
	c.mu.Unlock()

	if !ok {
		return api.Machine{}, fmt.Errorf("%w %q", errUnknownMachine, name)
	}
	return c.applyOverrides(machine)
}

// fetch populates the catalog. A failed fetch leaves it empty, to be
// retried on the next access.
func (c *machineCatalog) fetch(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.machines != nil {
		return nil
	}
	var names, err = c.api.MachineNames(ctx)
	if err != nil {
		return fmt.Errorf("fetching machine names: %w", err)
	}
	var machines = make(map[string]api.Machine, len(names))
	for _, name := range names {
		machine, err := c.api.GetMachine(ctx, name)
		if err != nil {
			return fmt.Errorf("fetching machine %s: %w", name, err)
		}
		machines[name] = machine
	}
	sort.Strings(names)
	c.machines, c.names = machines, names
	return nil
}

// applyOverrides overlays the machine's override file, if one exists, as a
// JSON merge patch. Values are key=value lines keyed by the machine's JSON
// field names, and are coerced to the type of the field they override.
func (c *machineCatalog) applyOverrides(machine api.Machine) (api.Machine, error) {
	if c.overridesDir == "" {
		return machine, nil
	}
	var path = filepath.Join(c.overridesDir, machine.Name)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return machine, nil
	}
	var overrides, err = godotenv.Read(path)
	if err != nil {
		return api.Machine{}, fmt.Errorf("reading overrides %s: %w", path, err)
	}

	doc, err := json.Marshal(machine)
	if err != nil {
		return api.Machine{}, err
	}
	var fields map[string]json.RawMessage
	if err = json.Unmarshal(doc, &fields); err != nil {
		return api.Machine{}, err
	}

	var patch = make(map[string]any, len(overrides))
	for key, value := range overrides {
		patch[key] = coerceOverride(fields[key], value)
	}
	patchDoc, err := json.Marshal(patch)
	if err != nil {
		return api.Machine{}, err
	}
	merged, err := jsonpatch.MergePatch(doc, patchDoc)
	if err != nil {
		return api.Machine{}, fmt.Errorf("applying overrides %s: %w", path, err)
	}

	var out api.Machine
	if err = json.Unmarshal(merged, &out); err != nil {
		return api.Machine{}, fmt.Errorf("applying overrides %s: %w", path, err)
	}
	return out, nil
}

// coerceOverride matches an override value against the type of the field
// it replaces. Overrides of unknown or string fields pass through as text.
func coerceOverride(existing json.RawMessage, value string) any {
	var current any
	if len(existing) != 0 && json.Unmarshal(existing, &current) == nil {
		switch current.(type) {
		case float64:
			if n, err := strconv.ParseFloat(value, 64); err == nil {
				return n
			}
		case bool:
			if b, err := strconv.ParseBool(value); err == nil {
				return b
			}
		}
	}
	return value
}
