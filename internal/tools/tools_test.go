package tools

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorMarkerCounting(t *testing.T) {
	// /bin/sh stands in for a tool that exits 0 while reporting failures.
	r := &Runner{Timeout: 5 * time.Second}
	res, err := r.run(context.Background(), nil, "sh", "-c",
		`echo "pg_restore: error: relation missing"; echo "pg_restore: ERROR: again"; exit 0`)
	require.NoError(t, err)
	assert.Equal(t, 2, res.ErrorCount)
	assert.Contains(t, res.Output, "relation missing")
}

func TestRunNonZeroExit(t *testing.T) {
	r := &Runner{Timeout: 5 * time.Second}
	res, err := r.run(context.Background(), nil, "sh", "-c", `echo partial; exit 3`)
	assert.Error(t, err)
	assert.Contains(t, res.Output, "partial")
}

func TestRunTimeout(t *testing.T) {
	r := &Runner{Timeout: 100 * time.Millisecond}
	_, err := r.run(context.Background(), nil, "sleep", "5")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDumpRejectsUnknownKind(t *testing.T) {
	r := &Runner{}
	_, err := r.Dump(context.Background(), DumpOpts{ObjectKind: "view"})
	assert.Error(t, err)
}
