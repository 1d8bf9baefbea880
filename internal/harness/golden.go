package harness

import (
	"bytes"
	"fmt"
	"sort"
	"testing"

	"github.com/sebdah/goldie/v2"
)

// Listing renders a result as golden file content: one header line per
// run, then every managed binary's dump in file name order.
func Listing(scenarioName string, result *Result) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "# scenario: %s\n", scenarioName)
	for i, run := range result.Runs {
		fmt.Fprintf(&buf, "# run %d: %s\n", i+1, run.Status())
	}

	files := make([]string, 0, len(result.Listings))
	for file := range result.Listings {
		files = append(files, file)
	}
	sort.Strings(files)
	for _, file := range files {
		fmt.Fprintf(&buf, "## %s\n", file)
		buf.WriteString(result.Listings[file])
	}
	return buf.Bytes()
}

// RunWithGolden executes a scenario and compares its listing against a
// golden file stored in testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns error if scenario execution fails.
// Test failure (via goldie) occurs if the listing doesn't match.
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	AssertGolden(t, scenario.Name, result)
	return result, nil
}

// AssertGolden compares an existing result against its golden file
// without re-running the scenario.
func AssertGolden(t *testing.T, scenarioName string, result *Result) {
	t.Helper()

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, Listing(scenarioName, result))
}
