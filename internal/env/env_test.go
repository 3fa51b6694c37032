package env

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFileAndExpand(t *testing.T) {
	t.Setenv("SKEELZDB_TEST_OS", "from-os")
	dir := t.TempDir()
	p := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(p, []byte("# secrets\nexport TOKEN=\"abc\"\nKEY='k v'\nBROKEN\n=x\n"), 0o600))

	e := New()
	require.NoError(t, e.LoadFile(p))
	assert.Equal(t, Var{"TOKEN": "abc", "KEY": "k v"}, e.Var)

	assert.Equal(t, "Bearer abc", e.Expand("Bearer ${TOKEN}"))
	assert.Equal(t, "from-os/k v", e.Expand("${SKEELZDB_TEST_OS}/${KEY}"))
	assert.Equal(t, "${MISSING}-abc", e.Expand("${MISSING}-${TOKEN}"))
	assert.Equal(t, "no refs", e.Expand("no refs"))
	assert.Equal(t, "${TOKEN", e.Expand("${TOKEN"))

	v, ok := e.Lookup("SKEELZDB_TEST_OS")
	assert.True(t, ok)
	assert.Equal(t, "from-os", v)

	assert.Error(t, e.LoadFile(filepath.Join(dir, "missing.env")))
}

func TestMergeOrder(t *testing.T) {
	t.Setenv("SKEELZDB_TEST_BASE", "os")
	e := New().WithSet("SKEELZDB_TEST_BASE", "var").WithSet("CHAIN", "${SKEELZDB_TEST_BASE}-x")
	m := map[string]string{}
	for _, kv := range e.Merge([]string{"EXTRA=1", "=bad"}) {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				m[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	assert.Equal(t, "var", m["SKEELZDB_TEST_BASE"])
	assert.Equal(t, "var-x", m["CHAIN"])
	assert.Equal(t, "1", m["EXTRA"])
	_, bad := m[""]
	assert.False(t, bad)
}
