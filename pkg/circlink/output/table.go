package output

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/dustin/go-humanize"

	"github.com/jamesainslie/circlink/pkg/circlink/ledger"
	"github.com/jamesainslie/circlink/pkg/circlink/types"
)

// Column describes one table column. Key names the field in json and yaml
// output; Header is the text shown by the tabular formats.
type Column struct {
	Key    string
	Header string
}

// Table is a format-independent set of rows. Cells keep their Go types so the
// structured formats can emit numbers and booleans.
type Table struct {
	// Subject names what the rows are, e.g. "links".
	Subject string

	Columns []Column
	Rows    [][]any
}

// Headers returns the column headers.
func (t *Table) Headers() []string {
	out := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		out[i] = c.Header
	}
	return out
}

// Strings returns the rows with every cell rendered as text.
func (t *Table) Strings() [][]string {
	out := make([][]string, len(t.Rows))
	for i, row := range t.Rows {
		cells := make([]string, len(row))
		for j, v := range row {
			cells[j] = cellText(v)
		}
		out[i] = cells
	}
	return out
}

func cellText(v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case int:
		return strconv.Itoa(v)
	default:
		return fmt.Sprint(v)
	}
}

// LinkTableOptions control NewLinkTable.
type LinkTableOptions struct {
	// AbsPath shows read paths resolved against the base directory.
	AbsPath bool

	// ShowProcessID adds the worker process id column.
	ShowProcessID bool
}

// NewLinkTable builds the view table for a set of link records.
func NewLinkTable(recs []*types.Record, opts LinkTableOptions) *Table {
	t := &Table{Subject: "links"}
	t.Columns = []Column{
		{Key: "id", Header: "ID"},
		{Key: "name", Header: "NAME"},
		{Key: "state", Header: "STATE"},
		{Key: "read", Header: "READ"},
		{Key: "write", Header: "WRITE"},
		{Key: "recursive", Header: "RECURSIVE"},
		{Key: "wipe_dest", Header: "WIPE DEST"},
		{Key: "skip_presave", Header: "SKIP PRESAVE"},
	}
	if opts.ShowProcessID {
		t.Columns = append(t.Columns, Column{Key: "proc_id", Header: "PID"})
	}
	t.Columns = append(t.Columns,
		Column{Key: "confirmed", Header: "CONFIRMED"},
		Column{Key: "end_flag", Header: "END FLAG"},
		Column{Key: "stopped", Header: "STOPPED"},
	)

	for _, r := range recs {
		row := []any{
			r.ID,
			r.DisplayName(),
			r.State(),
			readPath(r, opts.AbsPath),
			r.WritePath,
			r.Recursive,
			r.WipeDest,
			r.SkipPresave,
		}
		if opts.ShowProcessID {
			row = append(row, r.ProcessID)
		}
		row = append(row, r.Confirmed, r.EndFlag, r.Stopped)
		t.Rows = append(t.Rows, row)
	}
	return t
}

// readPath returns the read path as shown in the view: relative to the base
// directory unless abs is set.
func readPath(r *types.Record, abs bool) string {
	if abs {
		return r.AbsReadPath()
	}
	if !filepath.IsAbs(r.ReadPath) {
		return r.ReadPath
	}
	rel, err := filepath.Rel(r.BaseDir, r.ReadPath)
	if err != nil {
		return r.ReadPath
	}
	return rel
}

// NewLedgerTable builds the table of ledger entries. The size column shows
// the destination file's current size, or "-" when it is missing.
func NewLedgerTable(entries []ledger.Entry, showProcessID bool) *Table {
	t := &Table{
		Subject: "ledger entries",
		Columns: []Column{
			{Key: "destination", Header: "DESTINATION"},
			{Key: "link_id", Header: "LINK"},
		},
	}
	if showProcessID {
		t.Columns = append(t.Columns, Column{Key: "proc_id", Header: "PID"})
	}
	t.Columns = append(t.Columns, Column{Key: "size", Header: "SIZE"})

	for _, e := range entries {
		size := "-"
		if info, err := os.Stat(e.Destination); err == nil {
			size = humanize.IBytes(uint64(info.Size()))
		}
		row := []any{e.Destination, e.LinkID}
		if showProcessID {
			row = append(row, e.ProcessID)
		}
		t.Rows = append(t.Rows, append(row, size))
	}
	return t
}
