package jobs

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ncemhub/distiller/go/api"
	"github.com/ncemhub/distiller/go/api/apitest"
)

func TestCatalogIsFetchedOnce(t *testing.T) {
	var server = apitest.NewServer("X-API-Key", "secret")
	defer server.Close()
	server.AddMachine(testMachine())
	server.AddMachine(api.Machine{Name: "cori", Account: "ncem", Qos: "shared", Nodes: 1})

	var catalog = newMachineCatalog(server.Client(), "")
	var ctx = context.Background()

	names, err := catalog.Names(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"cori", "perlmutter"}, names)

	for i := 0; i != 3; i++ {
		machine, err := catalog.Machine(ctx, "perlmutter")
		require.NoError(t, err)
		require.Equal(t, testMachine(), machine)
	}

	require.Len(t, server.Requests("GET", "/machines"), 1)
	require.Len(t, server.Requests("GET", "/machines/perlmutter"), 1)
	require.Len(t, server.Requests("GET", "/machines/cori"), 1)
}

func TestCatalogUnknownMachine(t *testing.T) {
	var server = apitest.NewServer("X-API-Key", "secret")
	defer server.Close()
	server.AddMachine(testMachine())

	var catalog = newMachineCatalog(server.Client(), "")
	var _, err = catalog.Machine(context.Background(), "edison")
	require.ErrorIs(t, err, errUnknownMachine)
}

// Override files are re-read on every access and overlay the pristine
// profile, with values coerced to the type of the field they replace.
func TestCatalogOverrides(t *testing.T) {
	var server = apitest.NewServer("X-API-Key", "secret")
	defer server.Close()
	server.AddMachine(testMachine())
	server.AddMachine(api.Machine{Name: "cori", Account: "ncem", Qos: "shared", Nodes: 1})

	var dir = t.TempDir()
	var path = filepath.Join(dir, "perlmutter")
	require.NoError(t, os.WriteFile(path,
		[]byte("qos=preempt\nnodes=4\nreservation=gpu_res\n"), 0644))

	var catalog = newMachineCatalog(server.Client(), dir)
	var ctx = context.Background()

	machine, err := catalog.Machine(ctx, "perlmutter")
	require.NoError(t, err)
	require.Equal(t, "preempt", machine.Qos)
	require.Equal(t, 4, machine.Nodes)
	require.NotNil(t, machine.Reservation)
	require.Equal(t, "gpu_res", *machine.Reservation)
	// Fields the file doesn't name are untouched.
	require.Equal(t, "ncem", machine.Account)
	require.Equal(t, "/pscratch/bb", machine.BbcpDestDir)

	// A machine without an override file resolves unchanged.
	machine, err = catalog.Machine(ctx, "cori")
	require.NoError(t, err)
	require.Equal(t, "shared", machine.Qos)

	// Rewriting the file takes effect immediately, and dropped overrides
	// revert to the profile's own values.
	require.NoError(t, os.WriteFile(path, []byte("nodes=8\n"), 0644))
	machine, err = catalog.Machine(ctx, "perlmutter")
	require.NoError(t, err)
	require.Equal(t, 8, machine.Nodes)
	require.Equal(t, "realtime", machine.Qos)
	require.Nil(t, machine.Reservation)
}
