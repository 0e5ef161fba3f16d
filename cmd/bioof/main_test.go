package main

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/jeffreymariaraj/BioOF/pkg/hybrid"
	"github.com/jeffreymariaraj/BioOF/pkg/seed"
)

func setupEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("BIOOF_CATALOG_DRIVER", "sqlite")
	t.Setenv("BIOOF_CATALOG_DSN", filepath.Join(dir, "catalog.db"))
	t.Setenv("BIOOF_DOCSTORE_DIR", filepath.Join(dir, "genes"))
	t.Setenv("BIOOF_INDEX_SNAPSHOT", "fs")
	t.Setenv("BIOOF_INDEX_SNAPSHOT_PATH", filepath.Join(dir, "snapshots"))
	t.Setenv("BIOOF_AUDIT_LOG", filepath.Join(dir, "audit.log"))
	t.Setenv("BIOOF_LOG_LEVEL", "ERROR")
	return dir
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "BioOF v"+version)
}

func TestHashPassword(t *testing.T) {
	out, err := run(t, "hash-password", "sequencing")
	require.NoError(t, err)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(strings.TrimSpace(out)), []byte("sequencing")))

	_, err = run(t, "hash-password", "short")
	assert.Error(t, err)
}

func TestCommandWorkflow(t *testing.T) {
	setupEnv(t)

	out, err := run(t, "seed", "--projects", "3", "--experiments", "6", "--genes", "120", "--seed", "7")
	require.NoError(t, err)
	var sum seed.Summary
	require.NoError(t, json.Unmarshal([]byte(out), &sum))
	assert.False(t, sum.Skipped)
	assert.Equal(t, 120, sum.Genes)

	out, err = run(t, "seed", "--projects", "3", "--experiments", "6", "--genes", "120")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &sum))
	assert.True(t, sum.Skipped, "a populated catalog is not reseeded")

	out, err = run(t, "stats")
	require.NoError(t, err)
	var stats hybrid.Analytics
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	var total int64
	for _, c := range stats.Chromosomes {
		total += c.Count
	}
	assert.EqualValues(t, 120, total)

	out, err = run(t, "evolve", "status", "--default", "Validated")
	require.NoError(t, err)
	var res hybrid.EvolutionResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, 120, res.DocumentsUpdated)
	assert.Equal(t, 120, res.DerivedUpdated)

	_, err = run(t, "evolve", "status", "--default", "Pending")
	assert.Error(t, err, "duplicate attribute")

	out, err = run(t, "evolve", "status", "--resume")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Zero(t, res.DocumentsUpdated)

	out, err = run(t, "schema")
	require.NoError(t, err)
	assert.Contains(t, out, "status")
	assert.Contains(t, out, "Validated")

	out, err = run(t, "query", "1", "--min-score", "0")
	require.NoError(t, err)
	var q struct {
		Project struct {
			ID int64 `json:"id"`
		} `json:"project_metadata"`
		Genes []json.RawMessage `json:"gene_data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &q))
	assert.EqualValues(t, 1, q.Project.ID)

	_, err = run(t, "query", "one")
	assert.Error(t, err)

	out, err = run(t, "reindex")
	require.NoError(t, err)
	var st hybrid.IndexStatus
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Equal(t, 120, st.Genes)
	assert.True(t, st.Persisted)

	out, err = run(t, "audit", "--type", "seed")
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(out, "SEED"))
}

func TestInvalidConfigFails(t *testing.T) {
	setupEnv(t)
	t.Setenv("BIOOF_CACHE_BACKEND", "redis")
	_, err := run(t, "stats")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cache backend")
}
