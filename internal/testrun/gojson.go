package testrun

import (
	"bufio"
	"encoding/json"
	"io"
	"sort"
	"strings"
)

// event is one line of `go test -json` output.
type event struct {
	Action  string  `json:"Action"`
	Package string  `json:"Package"`
	Test    string  `json:"Test"`
	Elapsed float64 `json:"Elapsed"`
	Output  string  `json:"Output"`
}

// Summary counts test events by outcome.
type Summary struct {
	Passed         int
	Failed         int
	Skipped        int
	FailedTests    []string
	FailedPackages []string
	Output         []string // last output lines, at most maxOutputLines
}

const maxOutputLines = 200

// ParseGoTestJSON reads a `go test -json` stream. Lines that are not JSON
// events (build output, for example) are ignored.
func ParseGoTestJSON(r io.Reader) (Summary, error) {
	var s Summary
	failedPkgs := map[string]bool{}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var ev event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			continue
		}
		if ev.Action == "output" {
			s.Output = append(s.Output, strings.TrimRight(ev.Output, "\n"))
			if len(s.Output) > maxOutputLines {
				s.Output = s.Output[len(s.Output)-maxOutputLines:]
			}
			continue
		}
		if ev.Test == "" {
			if ev.Action == "fail" && ev.Package != "" {
				failedPkgs[ev.Package] = true
			}
			continue
		}
		switch ev.Action {
		case "pass":
			s.Passed++
		case "fail":
			s.Failed++
			s.FailedTests = append(s.FailedTests, ev.Package+"."+ev.Test)
		case "skip":
			s.Skipped++
		}
	}
	if err := sc.Err(); err != nil {
		return s, err
	}

	for pkg := range failedPkgs {
		s.FailedPackages = append(s.FailedPackages, pkg)
	}
	sort.Strings(s.FailedPackages)
	return s, nil
}
