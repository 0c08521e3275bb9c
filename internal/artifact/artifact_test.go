package artifact_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shepherdhq/shepherd/internal/artifact"
)

func TestWrite_CreatesParentDirsAndContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "times.json")

	doc := artifact.Document{
		"p1": {"initialized": 0, "started": 0.01, "final": 1.2},
	}

	require.NoError(t, artifact.Write(path, doc))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var got artifact.Document
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, doc, got)
}

func TestWrite_NoLeftoverTempFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "times.json")
	require.NoError(t, artifact.Write(path, artifact.Document{}))

	_, err := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}
