package commandgateway

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ReplicaRow is one parsed line of `longhorn ls-replica` output.
type ReplicaRow struct {
	Endpoint      string
	Mode          string
	SnapshotChain []string
}

var bracketGroup = regexp.MustCompile(`\[([^\]]*)\]\s*$`)

// ParseListReplicas parses the list-replicas table: skip the header, then
// for each non-empty line split on whitespace — first token endpoint,
// second token mode, an optional trailing bracketed group `[v1 v2 ...]`
// the snapshot chain. Tolerant of trailing blank lines and variable inner
// spacing, per spec.md §4.1.
func ParseListReplicas(stdout string) []ReplicaRow {
	lines := splitNonEmptyLines(stdout)
	if len(lines) == 0 {
		return nil
	}
	// skip header
	lines = lines[1:]

	var rows []ReplicaRow
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		chain := []string(nil)
		if m := bracketGroup.FindStringSubmatch(line); m != nil {
			chain = strings.Fields(m[1])
			line = strings.TrimSpace(line[:len(line)-len(m[0])])
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		rows = append(rows, ReplicaRow{
			Endpoint:      fields[0],
			Mode:          fields[1],
			SnapshotChain: chain,
		})
	}
	return rows
}

// ParseSnapshotList parses `longhorn snapshots ls`: skip the header,
// remaining non-empty lines are snapshot names.
func ParseSnapshotList(stdout string) []string {
	lines := splitNonEmptyLines(stdout)
	if len(lines) == 0 {
		return nil
	}
	lines = lines[1:]
	var names []string
	for _, l := range lines {
		l = strings.TrimSpace(l)
		if l != "" {
			names = append(names, l)
		}
	}
	return names
}

// ParseJSON unmarshals the whole of stdout, used for `longhorn info`,
// `snapshots info` and `snapshots hash-status`, all of which print a
// single JSON document.
func ParseJSON(stdout string, v interface{}) error {
	if err := json.Unmarshal([]byte(stdout), v); err != nil {
		return errors.Wrap(err, "parsing engine JSON output")
	}
	return nil
}

// DFResult is the parsed second line of `df`.
type DFResult struct {
	TotalGiB   float64
	UsedGiB    float64
	AvailGiB   float64
	UsedPercent float64
}

// kbToGiB converts 1k-blocks to GiB the way the source does: divide by
// 1024*1024 (kB -> GiB), not SI-decimal.
func kbToGiB(kb float64) float64 { return kb / (1024 * 1024) }

// ParseDF parses `df <path>` output: the second line, split on whitespace,
// yields total/used/avail in 1k-blocks and a percent column.
func ParseDF(stdout string) (DFResult, error) {
	lines := splitNonEmptyLines(stdout)
	if len(lines) < 2 {
		return DFResult{}, errors.New("df output missing data line")
	}
	fields := strings.Fields(lines[1])
	if len(fields) < 5 {
		return DFResult{}, errors.Errorf("df data line has %d fields, want >= 5", len(fields))
	}
	total, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return DFResult{}, errors.Wrap(err, "parsing df total")
	}
	used, err := strconv.ParseFloat(fields[2], 64)
	if err != nil {
		return DFResult{}, errors.Wrap(err, "parsing df used")
	}
	avail, err := strconv.ParseFloat(fields[3], 64)
	if err != nil {
		return DFResult{}, errors.Wrap(err, "parsing df avail")
	}
	pct, err := strconv.ParseFloat(strings.TrimSuffix(fields[4], "%"), 64)
	if err != nil {
		return DFResult{}, errors.Wrap(err, "parsing df percent")
	}
	return DFResult{
		TotalGiB:    kbToGiB(total),
		UsedGiB:     kbToGiB(used),
		AvailGiB:    kbToGiB(avail),
		UsedPercent: pct,
	}, nil
}

// ParseDU parses `du -s <path>` output: the first line's first
// whitespace-delimited field, in 1k-blocks, converted to GiB identically
// to ParseDF.
func ParseDU(stdout string) (float64, error) {
	lines := splitNonEmptyLines(stdout)
	if len(lines) == 0 {
		return 0, errors.New("du output is empty")
	}
	fields := strings.Fields(lines[0])
	if len(fields) == 0 {
		return 0, errors.New("du output line has no fields")
	}
	kb, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, errors.Wrap(err, "parsing du size")
	}
	return kbToGiB(kb), nil
}

func splitNonEmptyLines(s string) []string {
	raw := strings.Split(s, "\n")
	var out []string
	seenContent := false
	// Only trailing blank lines are dropped (spec.md §4.1), so scan from
	// the end; leading and interior blank lines are kept as they are and
	// left to the row parsers to skip.
	for i := len(raw) - 1; i >= 0; i-- {
		if strings.TrimSpace(raw[i]) == "" && !seenContent {
			continue
		}
		seenContent = true
		out = append([]string{raw[i]}, out...)
	}
	return out
}
