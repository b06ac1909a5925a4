//go:build integration

package integration

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type ExampleSuite struct {
	suite.Suite
	repoRoot string
}

func (s *ExampleSuite) SetupSuite() {
	if os.Getenv("TAPASCO_TEST_EXAMPLES") == "" {
		s.T().Skip("set TAPASCO_TEST_EXAMPLES=1 to run example integration tests")
	}
	root, err := detectRepoRoot()
	require.NoError(s.T(), err, "locate repository root")
	s.repoRoot = root
}

func (s *ExampleSuite) TestArraySum() {
	out := s.runExample("examples/arraysum", "-workers", "4", "-runs", "5")
	s.Contains(out, "20 arrays summed")
}

func (s *ExampleSuite) TestDMACopy() {
	out := s.runExample("examples/dma_copy", "-size", "256KiB", "-chunk", "16KiB")
	s.Contains(out, "from device:")
}

func (s *ExampleSuite) TestDMACopyPolling() {
	out := s.runExample("examples/dma_copy", "-size", "64KiB", "-poll")
	s.Contains(out, "to device:")
}

func (s *ExampleSuite) TestMonitor() {
	out := s.runExample("examples/monitor", "-jobs", "3", "-latency", "10ms")
	s.Contains(out, "slot 3 arg0 after poke: 0x00c0ffee")
}

func (s *ExampleSuite) runExample(relPath string, args ...string) string {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "go", append([]string{"run", "./" + relPath}, args...)...)
	cmd.Env = os.Environ()
	cmd.Dir = s.repoRoot

	output, err := cmd.CombinedOutput()
	if ctx.Err() == context.DeadlineExceeded {
		s.FailNowf("example timeout", "example %s timed out:\n%s", relPath, string(output))
	}
	require.NoErrorf(s.T(), err, "example %s failed:\n%s", relPath, string(output))
	return string(output)
}

func detectRepoRoot() (string, error) {
	root, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		if _, err := os.Stat(filepath.Join(root, "go.mod")); err == nil {
			return root, nil
		}
		next := filepath.Dir(root)
		if next == root {
			return "", fmt.Errorf("could not locate repository root containing go.mod")
		}
		root = next
	}
}

func TestExamples(t *testing.T) {
	suite.Run(t, new(ExampleSuite))
}
