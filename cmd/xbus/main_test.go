package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/glimte/xbus/extapi"
	"github.com/glimte/xbus/transports/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCatalog(t *testing.T) {
	registry, err := newCatalog(2)
	require.NoError(t, err)

	assert.Equal(t, 2, registry.Len())
	assert.True(t, registry.Contains(catalogProvider, "customers", "list"))
	assert.True(t, registry.Contains(catalogProvider, "customers", "get"))
	assert.False(t, registry.Contains(catalogProvider, "orders", "list"))
}

func TestRunDemo(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var out bytes.Buffer
	require.NoError(t, runDemo(ctx, &out, quietLogger()))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, `part 1/2: [{"id":2,"name":"Grace Hopper","country":"US"},{"id":4,"name":"Barbara Liskov","country":"US"}]`, lines[0])
	assert.Equal(t, `part 2/2: [{"id":6,"name":"Frances Allen","country":"US"}]`, lines[1])
	assert.Equal(t, "status: ready (2 parts)", lines[2])
	assert.Equal(t, "event demo.customers.exported: 2 parts for US", lines[3])
}

func TestRootCommand(t *testing.T) {
	t.Run("Registers subcommands", func(t *testing.T) {
		root := newRootCommand()
		for _, name := range []string{"serve", "fetch", "publish", "demo"} {
			cmd, _, err := root.Find([]string{name})
			require.NoError(t, err, name)
			assert.Equal(t, name, cmd.Name())
		}
	})

	t.Run("Publish rejects unknown kinds", func(t *testing.T) {
		root := newRootCommand()
		root.SetOut(io.Discard)
		root.SetErr(io.Discard)
		root.SetArgs([]string{"publish", "--env-file", "does-not-exist.env", "query", "orders", "{}"})

		err := root.Execute()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown message kind")
	})

	t.Run("Fetch needs three arguments", func(t *testing.T) {
		root := newRootCommand()
		root.SetOut(io.Discard)
		root.SetErr(io.Discard)
		root.SetArgs([]string{"fetch", "demo", "customers"})

		assert.Error(t, root.Execute())
	})
}

func TestOpsServer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := demoConnection(ctx, memory.NewTransport(memory.WithLogger(quietLogger())), quietLogger(), "ops", extapi.EnableClient())
	require.NoError(t, err)
	defer func() { _ = conn.Close(context.Background()) }()

	server := newOpsServer(":0", conn)

	for path, want := range map[string]int{
		"/healthz": http.StatusOK,
		"/readyz":  http.StatusOK,
		"/livez":   http.StatusOK,
		"/metrics": http.StatusOK,
	} {
		rec := httptest.NewRecorder()
		server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, want, rec.Code, path)
	}

	require.NoError(t, conn.Close(ctx))
	rec := httptest.NewRecorder()
	server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
