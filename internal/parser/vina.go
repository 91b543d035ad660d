// Package parser turns docking engine output into pose records.
//
// The engine prints a result table on stdout:
//
//	mode |   affinity | dist from best mode
//	     | (kcal/mol) | rmsd l.b.| rmsd u.b.
//	-----+------------+----------+----------
//	   1       -7.2          0          0
//	   2       -6.9      1.893      2.441
//
// and writes one "REMARK VINA RESULT:" record per model into the output
// structure. Parse reads either form.
package parser

import (
	"bufio"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ErrNoPosesFound is returned when the output holds no well-formed pose row.
var ErrNoPosesFound = errors.New("no poses found")

var (
	number = `[-+]?(?:\d+\.?\d*|\.\d+)(?:[eE][-+]?\d+)?`

	tableRow  = regexp.MustCompile(`^\s*(\d+)\s+(` + number + `)\s+(` + number + `)\s+(` + number + `)\s*$`)
	remarkRow = regexp.MustCompile(`^\s*REMARK VINA RESULT:\s+(` + number + `)\s+(` + number + `)\s+(` + number + `)`)
)

// Pose is one ranked binding mode.
type Pose struct {
	Rank      int
	Affinity  float64
	RMSDLower float64
	RMSDUpper float64
}

// Parse extracts poses in the engine's own order. Table rows take precedence;
// REMARK records are used only when no table row is present.
func Parse(text string) ([]Pose, error) {
	var table, remarks []Pose

	scanner := bufio.NewScanner(strings.NewReader(text))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if m := tableRow.FindStringSubmatch(line); m != nil {
			pose, err := poseFromFields(m[1], m[2], m[3], m[4])
			if err != nil {
				continue
			}
			table = append(table, pose)
			continue
		}
		if m := remarkRow.FindStringSubmatch(line); m != nil {
			pose, err := poseFromFields(strconv.Itoa(len(remarks)+1), m[1], m[2], m[3])
			if err != nil {
				continue
			}
			remarks = append(remarks, pose)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan engine output: %w", err)
	}

	switch {
	case len(table) > 0:
		return table, nil
	case len(remarks) > 0:
		return remarks, nil
	default:
		return nil, ErrNoPosesFound
	}
}

// Best returns the rank-1 pose. The engine's ranking is authoritative, so the
// lowest affinity is not searched for.
func Best(poses []Pose) (Pose, error) {
	for _, p := range poses {
		if p.Rank == 1 {
			return p, nil
		}
	}
	return Pose{}, fmt.Errorf("%w: rank 1 missing", ErrNoPosesFound)
}

func poseFromFields(rank, affinity, lb, ub string) (Pose, error) {
	r, err := strconv.Atoi(rank)
	if err != nil || r < 1 {
		return Pose{}, fmt.Errorf("bad rank %q", rank)
	}
	var p Pose
	p.Rank = r
	if p.Affinity, err = strconv.ParseFloat(affinity, 64); err != nil {
		return Pose{}, err
	}
	if p.RMSDLower, err = strconv.ParseFloat(lb, 64); err != nil {
		return Pose{}, err
	}
	if p.RMSDUpper, err = strconv.ParseFloat(ub, 64); err != nil {
		return Pose{}, err
	}
	return p, nil
}
