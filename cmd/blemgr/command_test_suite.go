package main

import (
	"bytes"
	"io"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/srg/blemgr/internal/scenario"
	"github.com/srg/blemgr/internal/simstack"
	"github.com/stretchr/testify/suite"
)

// CommandTestSuite runs the CLI against the simulated stack.
// All cmd/blemgr test suites should embed it.
type CommandTestSuite struct {
	suite.Suite
	TempDir string
}

func (s *CommandTestSuite) SetupTest() {
	s.TempDir = s.T().TempDir()
	resetFlags()
}

// ExecuteCommand runs a cobra command with args, returns output and error.
func (s *CommandTestSuite) ExecuteCommand(cmd *cobra.Command, args ...string) (string, error) {
	return s.ExecuteCommandWithInput(cmd, nil, args...)
}

// ExecuteCommandWithInput is ExecuteCommand with in as standard input.
func (s *CommandTestSuite) ExecuteCommandWithInput(cmd *cobra.Command, in io.Reader, args ...string) (string, error) {
	buf := new(bytes.Buffer)
	if in == nil {
		in = strings.NewReader("")
	}
	cmd.SetIn(in)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

// Path returns name inside the test's temporary directory.
func (s *CommandTestSuite) Path(name string) string {
	return filepath.Join(s.TempDir, name)
}

// resetFlags restores every flag variable; cobra keeps parsed values between executions.
func resetFlags() {
	simulateBonds = ""
	simulateInteractive = false
	simulateVerbose = false
	simulateQueueSize = simstack.DefaultQueueSize
	simulateSyncTimeout = scenario.DefaultSyncTimeout
	simulateFormat = "table"
	bondsStore = ""
	bondsRemoveAll = false
	_ = rootCmd.PersistentFlags().Set("log-level", "")
	_ = rootCmd.PersistentFlags().Set("config", "")
}
