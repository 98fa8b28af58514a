package output

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/jamesainslie/circlink/pkg/circlink/ledger"
	"github.com/jamesainslie/circlink/pkg/circlink/types"
)

func sampleRecords() []*types.Record {
	running := &types.Record{
		ID:        1,
		Name:      "lib",
		ReadPath:  "/work/project/src/*.py",
		WritePath: "/media/CIRCUITPY/lib",
		BaseDir:   "/work/project",
		Recursive: true,
		ProcessID: 4242,
		Confirmed: true,
	}
	stopped := &types.Record{
		ID:        2,
		ReadPath:  "code.py",
		WritePath: "/media/CIRCUITPY",
		BaseDir:   "/work/project",
		Confirmed: true,
		EndFlag:   true,
		Stopped:   true,
	}
	return []*types.Record{running, stopped}
}

func render(t *testing.T, format string, tbl *Table) string {
	t.Helper()
	out, err := Render(format, tbl)
	require.NoError(t, err)
	return out
}

func TestRegistry(t *testing.T) {
	assert.Equal(t,
		[]string{"csv", "json", "markdown", "plain", "pretty", "simple", "tsv", "yaml"},
		Available())

	for _, name := range Available() {
		f, err := Get(name)
		require.NoError(t, err, name)
		assert.NotNil(t, f)
		assert.NoError(t, Validate(name))
	}

	_, err := Get("fancy")
	assert.Error(t, err)
	err = Validate("fancy")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "plain")

	r := NewRegistry()
	assert.Empty(t, r.Available())
	r.Register("x", func() Formatter { return &PlainFormatter{} })
	assert.Equal(t, []string{"x"}, r.Available())
}

func TestNewLinkTable(t *testing.T) {
	tbl := NewLinkTable(sampleRecords(), LinkTableOptions{ShowProcessID: true})

	assert.Equal(t, "links", tbl.Subject)
	assert.Contains(t, tbl.Headers(), "PID")
	assert.NotContains(t, tbl.Headers(), "BASE DIR")
	require.Len(t, tbl.Rows, 2)

	rows := tbl.Strings()
	assert.Equal(t, []string{
		"1", "lib", "running", "src/*.py", "/media/CIRCUITPY/lib",
		"true", "false", "false", "4242", "true", "false", "false",
	}, rows[0])
	assert.Equal(t, "---", rows[1][1])
	assert.Equal(t, "stopped", rows[1][2])
	assert.Equal(t, "code.py", rows[1][3])
}

func TestNewLinkTable_Options(t *testing.T) {
	tbl := NewLinkTable(sampleRecords(), LinkTableOptions{AbsPath: true})

	assert.NotContains(t, tbl.Headers(), "PID")
	rows := tbl.Strings()
	assert.Equal(t, "/work/project/src/*.py", rows[0][3])
	assert.Equal(t, filepath.Join("/work/project", "code.py"), rows[1][3])
	assert.Len(t, rows[0], len(tbl.Columns))
}

func TestNewLedgerTable(t *testing.T) {
	dir := t.TempDir()
	present := filepath.Join(dir, "code.py")
	require.NoError(t, os.WriteFile(present, bytes.Repeat([]byte("x"), 2048), 0o644))

	tbl := NewLedgerTable([]ledger.Entry{
		{Destination: present, LinkID: 1, ProcessID: 10},
		{Destination: filepath.Join(dir, "gone.py"), LinkID: 2, ProcessID: 20},
	}, true)

	rows := tbl.Strings()
	assert.Equal(t, []string{present, "1", "10", "2.0 KiB"}, rows[0])
	assert.Equal(t, "-", rows[1][3])

	hidden := NewLedgerTable([]ledger.Entry{{Destination: present, LinkID: 1, ProcessID: 10}}, false)
	assert.Equal(t, []string{"DESTINATION", "LINK", "SIZE"}, hidden.Headers())
	assert.Equal(t, []string{present, "1", "2.0 KiB"}, hidden.Strings()[0])
}

func TestPlainFormatter(t *testing.T) {
	out := render(t, "plain", NewLinkTable(sampleRecords(), LinkTableOptions{}))

	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "ID  NAME"))
	assert.Contains(t, lines[1], "src/*.py")
	assert.NotContains(t, out, "\t")
}

func TestSimpleFormatter(t *testing.T) {
	tbl := &Table{
		Columns: []Column{{Key: "a", Header: "A"}, {Key: "b", Header: "LONGER"}},
		Rows:    [][]any{{"wide value", 1}},
	}

	out := render(t, "simple", tbl)
	assert.Equal(t, "A           LONGER\n----------  ------\nwide value  1\n", out)
}

func TestSimpleFormatter_Empty(t *testing.T) {
	tbl := &Table{Columns: []Column{{Key: "a", Header: "A"}}}

	assert.Equal(t, "A\n-\n", render(t, "simple", tbl))
}

func TestTSVFormatter(t *testing.T) {
	tbl := &Table{
		Columns: []Column{{Key: "a", Header: "A"}, {Key: "b", Header: "B"}},
		Rows:    [][]any{{"x", true}},
	}

	assert.Equal(t, "A\tB\nx\ttrue\n", render(t, "tsv", tbl))
}

func TestCSVFormatter_Quoting(t *testing.T) {
	tbl := NewLedgerTable([]ledger.Entry{
		{Destination: `/dest/a,b "c".py`, LinkID: 3, ProcessID: 30},
	}, true)

	out := render(t, "csv", tbl)
	records, err := csv.NewReader(strings.NewReader(out)).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, []string{"DESTINATION", "LINK", "PID", "SIZE"}, records[0])
	assert.Equal(t, `/dest/a,b "c".py`, records[1][0])
}

func TestMarkdownFormatter(t *testing.T) {
	tbl := &Table{
		Columns: []Column{{Key: "p", Header: "PATH"}},
		Rows:    [][]any{{"a|b"}},
	}

	out := render(t, "markdown", tbl)
	assert.Equal(t, "| PATH |\n| --- |\n| a\\|b |\n", out)
}

func TestJSONFormatter(t *testing.T) {
	out := render(t, "json", NewLinkTable(sampleRecords(), LinkTableOptions{ShowProcessID: true}))

	var decoded []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	require.Len(t, decoded, 2)
	assert.Equal(t, float64(1), decoded[0]["id"])
	assert.Equal(t, true, decoded[0]["recursive"])
	assert.Equal(t, float64(4242), decoded[0]["proc_id"])
	assert.Equal(t, "src/*.py", decoded[0]["read"])

	assert.Less(t, strings.Index(out, `"id"`), strings.Index(out, `"name"`), "keys follow column order")
	assert.Less(t, strings.Index(out, `"write"`), strings.Index(out, `"stopped"`))
}

func TestJSONFormatter_Empty(t *testing.T) {
	out := render(t, "json", NewLinkTable(nil, LinkTableOptions{}))
	assert.Equal(t, "[]\n", out)
}

func TestYAMLFormatter(t *testing.T) {
	out := render(t, "yaml", NewLinkTable(sampleRecords(), LinkTableOptions{}))

	var decoded []map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(out), &decoded))
	require.Len(t, decoded, 2)
	assert.Equal(t, 2, decoded[1]["id"])
	assert.Equal(t, true, decoded[1]["stopped"])
	assert.Equal(t, "---", decoded[1]["name"])
	assert.True(t, strings.HasPrefix(out, "- id: 1\n  name: lib\n"))
}

func TestPrettyFormatter(t *testing.T) {
	out := render(t, "pretty", NewLinkTable(sampleRecords(), LinkTableOptions{}))

	assert.Contains(t, out, "ID")
	assert.Contains(t, out, "src/*.py")
	assert.Contains(t, out, "running")
	assert.Contains(t, out, "╭")
}

func TestPrettyFormatter_Empty(t *testing.T) {
	out := render(t, "pretty", NewLedgerTable(nil, true))
	assert.Contains(t, out, "No ledger entries")
}
