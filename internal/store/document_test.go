package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/hedgebot/internal/domain"
)

func TestDocument_PreservesKeyOrder(t *testing.T) {
	raw := `{"zeta": {"address": "0x1", "modules": [{"module_name": "opinion", "status": true}]},
		"alpha": {"address": "0x2", "modules": [{"module_name": "opinion", "status": "to_run"}]}}`

	doc := newDocument()
	require.NoError(t, json.Unmarshal([]byte(raw), doc))
	assert.Equal(t, []string{"zeta", "alpha"}, doc.keys)
	assert.Equal(t, domain.StatusTrue, doc.get("zeta").Modules[0].Status)

	out, err := json.Marshal(doc)
	require.NoError(t, err)

	again := newDocument()
	require.NoError(t, json.Unmarshal(out, again))
	assert.Equal(t, doc.keys, again.keys)
	assert.Contains(t, string(out), `"status":true`)
}

func TestDocument_RemoveKeepsOrder(t *testing.T) {
	doc := newDocument()
	for _, k := range []string{"a", "b", "c"} {
		doc.put(k, &record{Modules: []Module{{Name: "m", Status: domain.StatusToRun}}})
	}
	doc.remove("b")
	doc.remove("missing")
	assert.Equal(t, []string{"a", "c"}, doc.keys)
	assert.Equal(t, 2, doc.moduleCount())
}

func TestWriteJSON_ReplacesAtomically(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stats.json")

	require.NoError(t, writeJSON(path, map[string]int{"a": 1}))
	require.NoError(t, writeJSON(path, map[string]int{"b": 2}))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"b": 2}`, string(b))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
