package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/italolelis/deliveryopt/internal/agent"
	"github.com/italolelis/deliveryopt/internal/config"
	"github.com/italolelis/deliveryopt/internal/http/rest"
	"github.com/italolelis/deliveryopt/pkg/do"
	"github.com/italolelis/deliveryopt/pkg/do/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseValue(t *testing.T) {
	v, err := parseValue(do.PropUseForegroundPriority, "true")
	require.NoError(t, err)
	assert.Equal(t, "true", formatValue(v))

	v, err = parseValue(do.PropNoProgressTimeoutSeconds, "90")
	require.NoError(t, err)
	assert.Equal(t, "90", formatValue(v))

	v, err = parseValue(do.PropCallerName, "nightly")
	require.NoError(t, err)
	assert.Equal(t, "nightly", formatValue(v))

	_, err = parseValue(do.PropNoProgressTimeoutSeconds, "-1")
	assert.ErrorIs(t, err, do.ErrInvalidArg)

	_, err = parseValue(do.PropUseForegroundPriority, "maybe")
	assert.ErrorIs(t, err, do.ErrInvalidArg)

	_, err = parseValue(do.PropCallbackInterface, "x")
	assert.ErrorIs(t, err, do.ErrInvalidArg)
}

func TestFormatStatus(t *testing.T) {
	s := formatStatus(do.NewStatus(512, 1024, do.OK, do.OK, do.StateTransferring))
	assert.Contains(t, s, "transferring")
	assert.Contains(t, s, "512 B / 1.0 kB (50%)")

	s = formatStatus(do.NewStatus(0, 0, do.HTTPError(404), do.OK, do.StatePaused))
	assert.Contains(t, s, "http status 404")
}

func TestWriteRecords(t *testing.T) {
	now := time.Now()

	var buf bytes.Buffer
	writeRecords(&buf, []rpc.Record{{
		ID:         "dl-1",
		State:      "transferred",
		BytesTotal: 2048,
		LocalPath:  "/tmp/a",
		UpdatedAt:  now.Add(-time.Hour),
	}}, now)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "STATE")
	assert.Contains(t, lines[1], "dl-1")
	assert.Contains(t, lines[1], "2.0 kB")
	assert.Contains(t, lines[1], "1 hour ago")
}

func TestRootCmd_CreateSetGet(t *testing.T) {
	a := agent.New(agent.Config{})
	t.Cleanup(func() { _ = a.Close(context.Background()) })

	srv := httptest.NewServer(rest.NewDownloadsHandler(a, nil, "").Routes())
	t.Cleanup(srv.Close)

	execute := func(args ...string) (string, error) {
		cmd := newRootCmd(&config.ClientConfig{AgentURL: srv.URL, Timeout: 5 * time.Second})

		var out bytes.Buffer
		cmd.SetOut(&out)
		cmd.SetErr(&out)
		cmd.SetArgs(args)

		err := cmd.ExecuteContext(context.Background())

		return strings.TrimSpace(out.String()), err
	}

	id, err := execute("create", "http://example.com/file", filepath.Join(t.TempDir(), "file"))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	_, err = execute("set", id, "no_progress_timeout_seconds", "30")
	require.NoError(t, err)

	got, err := execute("get", id, "no_progress_timeout_seconds")
	require.NoError(t, err)
	assert.Equal(t, "30", got)

	got, err = execute("status", id)
	require.NoError(t, err)
	assert.Contains(t, got, "created")

	_, err = execute("pause", id)
	assert.Equal(t, do.ErrInvalidState, do.CodeOf(err))

	_, err = execute("abort", id)
	require.NoError(t, err)

	_, err = execute("status", id)
	assert.Equal(t, do.ErrNotFound, do.CodeOf(err))
}
