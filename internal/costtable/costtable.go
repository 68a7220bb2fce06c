// Package costtable loads courier cost tables and answers route lookups.
// The spreadsheet-backed collector lives outside this repo; here we consume
// its CSV export through the same FindCandidates contract.
package costtable

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
)

// CostRecord is one priced lane from the cost table.
type CostRecord struct {
	Courier     string
	Origin      string
	Destination string
	FirstCost   float64 // price for the first kilogram
	ExtraCost   float64 // price per additional kilogram
	ThrowRatio  float64 // volumetric divisor, 0 when the lane has none
	Source      string  // file the record came from
	Version     string  // cost-table version tag, if the file carries one
}

// Table is an in-memory cost table with route lookup.
type Table struct {
	mu      sync.RWMutex
	records []CostRecord
	version string
	source  string
}

// Empty returns a table with no lanes. Every lookup misses, which pushes
// the quote engine onto its template fallback.
func Empty() *Table {
	return &Table{source: "none"}
}

// LoadCSV reads a cost table from a CSV file. Expected header:
// courier,origin,destination,first_cost,extra_cost[,throw_ratio[,version]].
func LoadCSV(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open cost table: %w", err)
	}
	defer f.Close()

	t := &Table{source: path}
	if err := t.parse(f); err != nil {
		return nil, fmt.Errorf("failed to parse cost table %s: %w", path, err)
	}
	return t, nil
}

func (t *Table) parse(r io.Reader) error {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return err
	}
	col := map[string]int{}
	for i, name := range header {
		col[strings.TrimSpace(strings.ToLower(name))] = i
	}
	for _, required := range []string{"courier", "origin", "destination", "first_cost", "extra_cost"} {
		if _, ok := col[required]; !ok {
			return fmt.Errorf("missing column %q", required)
		}
	}

	line := 1
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		line++

		rec := CostRecord{
			Courier:     field(row, col, "courier"),
			Origin:      field(row, col, "origin"),
			Destination: field(row, col, "destination"),
			Source:      t.source,
		}
		if rec.Courier == "" || rec.Destination == "" {
			continue
		}
		if rec.FirstCost, err = parseFloat(field(row, col, "first_cost")); err != nil {
			return fmt.Errorf("line %d: bad first_cost: %w", line, err)
		}
		if rec.ExtraCost, err = parseFloat(field(row, col, "extra_cost")); err != nil {
			return fmt.Errorf("line %d: bad extra_cost: %w", line, err)
		}
		if v := field(row, col, "throw_ratio"); v != "" {
			if rec.ThrowRatio, err = parseFloat(v); err != nil {
				return fmt.Errorf("line %d: bad throw_ratio: %w", line, err)
			}
		}
		if v := field(row, col, "version"); v != "" {
			rec.Version = v
			t.version = v
		}
		t.records = append(t.records, rec)
	}
	return nil
}

// FindCandidates returns all records matching the route. Courier "auto" or
// empty matches every courier. Origin matching is prefix-tolerant so that
// province-level lanes cover city queries.
func (t *Table) FindCandidates(origin, destination, courier string) []CostRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []CostRecord
	for _, r := range t.records {
		if courier != "" && courier != "auto" && r.Courier != courier {
			continue
		}
		if !laneMatch(r.Origin, origin) || !laneMatch(r.Destination, destination) {
			continue
		}
		out = append(out, r)
	}
	return out
}

// Version returns the cost-table version tag, empty when the file has none.
func (t *Table) Version() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.version
}

// Len returns the number of loaded records.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.records)
}

func laneMatch(lane, query string) bool {
	if lane == "" || lane == "*" {
		return true
	}
	return strings.HasPrefix(query, lane) || strings.HasPrefix(lane, query)
}

func field(row []string, col map[string]int, name string) string {
	i, ok := col[name]
	if !ok || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

func parseFloat(s string) (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(s), 64)
}
