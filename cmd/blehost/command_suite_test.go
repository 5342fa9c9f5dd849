package main

import (
	"bytes"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/srg/blehost/internal/device"
	"github.com/srg/blehost/internal/devicefactory"
	"github.com/srg/blehost/internal/testutils"
	"github.com/stretchr/testify/suite"
)

// Test device addresses for consistent fake device identification
const (
	TestDeviceAddress1 = "00:00:00:00:00:01"
	TestDeviceAddress2 = "00:00:00:00:00:02"
)

// CommandTestSuite runs commands against a scripted backend registered as "fake".
// All cmd/blehost test suites should embed it.
type CommandTestSuite struct {
	suite.Suite
	Backend *testutils.FakeBackend

	originalConstructors map[string]func(*logrus.Logger) device.Backend
	stderr               string
}

func (s *CommandTestSuite) SetupTest() {
	s.Backend = testutils.NewFakeBackend()
	s.originalConstructors = devicefactory.Constructors
	devicefactory.Constructors = map[string]func(*logrus.Logger) device.Backend{
		"fake": func(*logrus.Logger) device.Backend { return s.Backend },
	}
}

func (s *CommandTestSuite) TearDownTest() {
	devicefactory.Constructors = s.originalConstructors
}

// ExecuteCommand runs the CLI with args on the fake backend and returns stdout.
// Logs written to stderr are kept in Stderr().
func (s *CommandTestSuite) ExecuteCommand(stdin string, args ...string) (string, error) {
	root := newRootCmd()
	out := new(bytes.Buffer)
	errOut := new(bytes.Buffer)
	root.SetOut(out)
	root.SetErr(errOut)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(append(args, "--backend", "fake"))

	err := root.Execute()
	s.stderr = errOut.String()
	return out.String(), err
}

// Stderr returns what the last command logged.
func (s *CommandTestSuite) Stderr() string {
	return s.stderr
}
