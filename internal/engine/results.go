// ABOUTME: XML shapes for explore output, progress reports and run results.
// ABOUTME: Shared by the process runner and tests that stub a runner.

package engine

import (
	"encoding/xml"
	"fmt"
	"time"
)

// Result values used in test-case and test-run elements.
const (
	ResultPassed  = "Passed"
	ResultFailed  = "Failed"
	ResultSkipped = "Skipped"

	LabelCancelled = "Cancelled"
	LabelError     = "Error"
	LabelTimeout   = "Timeout"
)

// Run states used in explore output.
const (
	RunStateRunnable    = "Runnable"
	RunStateNotRunnable = "NotRunnable"
)

type cdata struct {
	Text string `xml:",cdata"`
}

type xmlReason struct {
	Message cdata `xml:"message"`
}

type xmlTestCase struct {
	XMLName  xml.Name   `xml:"test-case"`
	ID       string     `xml:"id,attr"`
	Name     string     `xml:"name,attr"`
	FullName string     `xml:"fullname,attr"`
	RunState string     `xml:"runstate,attr,omitempty"`
	Result   string     `xml:"result,attr,omitempty"`
	Label    string     `xml:"label,attr,omitempty"`
	Start    string     `xml:"start-time,attr,omitempty"`
	End      string     `xml:"end-time,attr,omitempty"`
	Duration string     `xml:"duration,attr,omitempty"`
	ExitCode *int       `xml:"exitcode,attr"`
	Reason   *xmlReason `xml:"reason"`
	Failure  *xmlReason `xml:"failure"`
	Output   *cdata     `xml:"output"`
}

type xmlTestSuite struct {
	XMLName       xml.Name      `xml:"test-suite"`
	Type          string        `xml:"type,attr"`
	ID            string        `xml:"id,attr"`
	Name          string        `xml:"name,attr"`
	FullName      string        `xml:"fullname,attr"`
	RunState      string        `xml:"runstate,attr"`
	TestCaseCount int           `xml:"testcasecount,attr"`
	Reason        *xmlReason    `xml:"reason"`
	TestCases     []xmlTestCase `xml:"test-case"`
}

type xmlTestRun struct {
	XMLName       xml.Name       `xml:"test-run"`
	ID            string         `xml:"id,attr"`
	TestCaseCount int            `xml:"testcasecount,attr"`
	Result        string         `xml:"result,attr,omitempty"`
	Label         string         `xml:"label,attr,omitempty"`
	Total         *int           `xml:"total,attr"`
	Passed        *int           `xml:"passed,attr"`
	Failed        *int           `xml:"failed,attr"`
	Skipped       *int           `xml:"skipped,attr"`
	Start         string         `xml:"start-time,attr,omitempty"`
	End           string         `xml:"end-time,attr,omitempty"`
	Duration      string         `xml:"duration,attr,omitempty"`
	Suites        []xmlTestSuite `xml:"test-suite"`
	Cases         []xmlTestCase  `xml:"test-case"`
}

type xmlStartRun struct {
	XMLName xml.Name `xml:"start-run"`
	Count   int      `xml:"count,attr"`
}

type xmlStartTest struct {
	XMLName  xml.Name `xml:"start-test"`
	ID       string   `xml:"id,attr"`
	Name     string   `xml:"name,attr"`
	FullName string   `xml:"fullname,attr"`
}

// RunSummary holds the counts written into a <test-run> element.
type RunSummary struct {
	Total, Passed, Failed, Skipped int
}

// Result returns the overall outcome of the run.
func (s RunSummary) Result() string {
	if s.Failed > 0 {
		return ResultFailed
	}
	if s.Total > 0 && s.Skipped == s.Total {
		return ResultSkipped
	}
	return ResultPassed
}

func marshalString(v any) string {
	out, err := xml.Marshal(v)
	if err != nil {
		// Only plain structs of strings and ints are marshaled here.
		panic(fmt.Sprintf("engine: marshaling %T: %v", v, err))
	}
	return string(out)
}

func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04:05.000Z")
}

func formatDuration(d time.Duration) string {
	return fmt.Sprintf("%.6f", d.Seconds())
}

func intPtr(v int) *int { return &v }

// RunResult is the outcome read back from a <test-run> document.
type RunResult struct {
	RunSummary
	Result string
	Label  string
}

// ParseRunResult reads the overall counts from a <test-run> document.
func ParseRunResult(doc string) (RunResult, error) {
	var run xmlTestRun
	if err := xml.Unmarshal([]byte(doc), &run); err != nil {
		return RunResult{}, fmt.Errorf("parsing test-run result: %w", err)
	}
	deref := func(p *int) int {
		if p == nil {
			return 0
		}
		return *p
	}
	return RunResult{
		RunSummary: RunSummary{
			Total:   deref(run.Total),
			Passed:  deref(run.Passed),
			Failed:  deref(run.Failed),
			Skipped: deref(run.Skipped),
		},
		Result: run.Result,
		Label:  run.Label,
	}, nil
}
