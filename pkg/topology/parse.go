/*
Copyright 2018 The Zpoold Authors. All rights reserved.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package topology

import (
	"fmt"
	"path"
	"strconv"
	"strings"
)

// ParseError means a status report did not contain a recognizable device
// configuration section.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse pool status: %s", e.Reason)
}

// statusLine is one row of the config section of a status report.
type statusLine struct {
	level int
	name  string
	state string
	read  uint64
	write uint64
	cksum uint64
}

// Parse builds a topology tree from the output of a pool status report. The
// returned tree is already normalized, see Validate.
func Parse(raw string) (*Tree, error) {
	lines, err := configLines(raw)
	if err != nil {
		return nil, err
	}
	tree, err := build(lines, nil)
	if err != nil {
		return nil, err
	}
	tree.Scan = parseScan(raw)
	tree.Validate()
	return tree, nil
}

// ParseWithGUIDs builds a topology tree from two status reports of the same
// pool taken back to back, one with device paths and one with vdev guids in
// place of every name. The structure comes from the first report and each
// node takes its guid from the matching row of the second.
func ParseWithGUIDs(raw, guidRaw string) (*Tree, error) {
	lines, err := configLines(raw)
	if err != nil {
		return nil, err
	}
	guidLines, err := configLines(guidRaw)
	if err != nil {
		return nil, err
	}
	if len(lines) != len(guidLines) {
		return nil, &ParseError{Reason: fmt.Sprintf(
			"guid report has %d config rows, expected %d", len(guidLines), len(lines))}
	}
	tree, err := build(lines, guidLines)
	if err != nil {
		return nil, err
	}
	tree.Scan = parseScan(raw)
	tree.Validate()
	return tree, nil
}

// configLines extracts the rows of the config section, with the indentation
// depth of each.
func configLines(raw string) ([]statusLine, error) {
	var lines []statusLine
	inConfig := false
	sawHeader := false

	for _, line := range strings.Split(raw, "\n") {
		trimmed := strings.TrimSpace(line)
		if !inConfig {
			if strings.HasPrefix(trimmed, "config:") {
				inConfig = true
			}
			continue
		}
		if trimmed == "" {
			if sawHeader {
				break
			}
			continue
		}
		if strings.HasPrefix(trimmed, "errors:") {
			break
		}
		if !sawHeader {
			// the column header row, NAME STATE READ WRITE CKSUM
			if strings.HasPrefix(trimmed, "NAME") {
				sawHeader = true
			}
			continue
		}

		// rows are tab-prefixed, then two spaces per nesting level
		row := strings.TrimPrefix(line, "\t")
		indent := len(row) - len(strings.TrimLeft(row, " "))

		fields := strings.Fields(row)
		sl := statusLine{level: indent / 2, name: fields[0]}
		if len(fields) > 1 {
			sl.state = fields[1]
		}
		if len(fields) > 4 {
			sl.read = parseCounter(fields[2])
			sl.write = parseCounter(fields[3])
			sl.cksum = parseCounter(fields[4])
		}
		lines = append(lines, sl)
	}

	if len(lines) == 0 {
		return nil, &ParseError{Reason: "no device configuration section found"}
	}
	return lines, nil
}

func build(lines []statusLine, guidLines []statusLine) (*Tree, error) {
	tree := &Tree{}
	current := map[int]NodeID{}

	for i, ln := range lines {
		guid := ""
		if guidLines != nil {
			guid = path.Base(guidLines[i].name)
		}

		// parents deeper than this row belong to a finished subtree and must
		// not adopt later rows
		for lvl := range current {
			if lvl > ln.level {
				delete(current, lvl)
			}
		}

		if ln.level == 0 {
			node := Node{
				Kind:     KindRoot,
				Name:     ln.name,
				Status:   ln.state,
				Read:     ln.read,
				Write:    ln.write,
				Checksum: ln.cksum,
				Parent:   NoParent,
			}
			if tree.Pool == "" {
				// the first section is the pool itself, holding the data vdevs
				tree.Pool = ln.name
				node.Role = RoleData
			} else {
				node.Role = rootRole(ln.name)
			}
			current[0] = tree.add(node)
			continue
		}

		parent, ok := current[ln.level-1]
		if !ok {
			return nil, &ParseError{Reason: fmt.Sprintf("row %q skips a nesting level", ln.name)}
		}

		// a replacing group is transient, its members belong to the vdev above
		if strings.HasPrefix(strings.ToLower(ln.name), "replacing") {
			current[ln.level] = parent
			continue
		}

		node := Node{
			Name:     ln.name,
			Status:   ln.state,
			Read:     ln.read,
			Write:    ln.write,
			Checksum: ln.cksum,
			Parent:   parent,
			GUID:     guid,
		}
		if vtype, isVdev := ParseVdevType(ln.name); isVdev {
			node.Kind = KindVdev
			node.Type = vtype
		} else {
			node.Kind = KindDevice
			if strings.HasPrefix(ln.name, "/") {
				node.Path = ln.name
				node.Name = path.Base(ln.name)
			}
		}
		current[ln.level] = tree.add(node)
	}

	return tree, nil
}

func rootRole(section string) RootRole {
	switch strings.ToLower(section) {
	case "logs":
		return RoleLog
	case "cache":
		return RoleCache
	case "spares":
		return RoleSpare
	}
	return RootRole(strings.ToLower(section))
}

func parseCounter(s string) uint64 {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		// counters can carry K/M/G suffixes once they overflow, the exact
		// figure does not matter at that point
		trimmed := strings.TrimRight(s, "KMGT")
		if v, err = strconv.ParseUint(trimmed, 10, 64); err != nil {
			return 0
		}
	}
	return v
}

// parseScan summarizes the scan line of a status report.
func parseScan(raw string) ScanStatus {
	scan := ScanStatus{}
	lines := strings.Split(raw, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "scan:") {
			continue
		}
		text := strings.TrimSpace(strings.TrimPrefix(trimmed, "scan:"))
		switch {
		case strings.HasPrefix(text, "resilver in progress"):
			scan.Function, scan.State = "resilver", "scanning"
		case strings.HasPrefix(text, "resilvered"):
			scan.Function, scan.State = "resilver", "finished"
		case strings.HasPrefix(text, "scrub in progress"):
			scan.Function, scan.State = "scrub", "scanning"
		case strings.HasPrefix(text, "scrub repaired"):
			scan.Function, scan.State = "scrub", "finished"
		case strings.HasPrefix(text, "scrub canceled"):
			scan.Function, scan.State = "scrub", "canceled"
		default:
			return scan
		}
		if scan.State == "finished" {
			scan.Percent = 100
		}
		if scan.State == "scanning" {
			scan.Percent = scanPercent(lines[i:])
		}
		return scan
	}
	return scan
}

// scanPercent digs the "NN.NN% done" figure out of the progress lines that
// follow an in-progress scan header.
func scanPercent(lines []string) float64 {
	for _, line := range lines {
		for _, field := range strings.Fields(line) {
			if !strings.HasSuffix(field, "%") {
				continue
			}
			if v, err := strconv.ParseFloat(strings.TrimSuffix(field, "%"), 64); err == nil {
				return v
			}
		}
		if strings.Contains(line, "config:") {
			break
		}
	}
	return 0
}
