package main

import (
	"encoding/json"
	"testing"

	"github.com/srg/blehost/internal/device"
	"github.com/srg/blehost/internal/locator"
	"github.com/srg/blehost/internal/testutils"
	"github.com/stretchr/testify/suite"
)

type LocateTestSuite struct {
	CommandTestSuite
}

func (s *LocateTestSuite) TestLocateJSONFound() {
	s.Backend.WithCycle(
		testutils.Adv("dev-02", TestDeviceAddress2),
		testutils.Adv("dev-01", TestDeviceAddress1),
	)

	out, err := s.ExecuteCommand("", "locate", "dev-01", "-f", "json", "--attempts", "2", "--attempt-timeout", "50ms")

	s.Require().NoError(err)
	testutils.NewJSONAsserter(s.T()).Assert(out, `{
		"target": "dev-01",
		"state": "found",
		"attempts": 1,
		"device": {"name": "dev-01", "address": "00:00:00:00:00:01", "rssi": -50},
		"seen": [
			{"name": "dev-01", "address": "00:00:00:00:00:01", "rssi": -50},
			{"name": "dev-02", "address": "00:00:00:00:00:02", "rssi": -50}
		],
		"elapsed": "<<PRESENCE>>"
	}`)
}

func (s *LocateTestSuite) TestLocateJSONNotFound() {
	s.Backend.WithCycle(testutils.Adv("dev-01-extra", TestDeviceAddress2))

	out, err := s.ExecuteCommand("", "locate", "dev-01", "-f", "json", "--attempts", "3", "--attempt-timeout", "10ms")

	s.Require().ErrorIs(err, ErrDeviceNotFound, "exhausted attempts MUST exit non-zero")
	var report locateReport
	s.Require().NoError(json.Unmarshal([]byte(out), &report), "report MUST still be printed")
	s.Equal(locator.StateNotFound.String(), report.State)
	s.Equal(3, report.Attempts)
	s.Nil(report.Device, "a name prefix MUST NOT count as a match")
	s.Len(report.Seen, 1)
}

func (s *LocateTestSuite) TestLocateTable() {
	s.Backend.WithCycle(testutils.Adv("dev-01", TestDeviceAddress1))

	out, err := s.ExecuteCommand("", "locate", "dev-01", "--attempts", "1", "--attempt-timeout", "50ms")

	s.Require().NoError(err)
	s.Contains(out, "NAME")
	s.Contains(out, TestDeviceAddress1)
	s.Contains(out, "Found dev-01 at "+TestDeviceAddress1+" after 1 attempt(s)")
}

func (s *LocateTestSuite) TestLocateScanFault() {
	s.Backend.WithScanError(1, device.ErrBluetoothOff)

	_, err := s.ExecuteCommand("", "locate", "dev-01", "--attempts", "2", "--attempt-timeout", "10ms")

	s.Require().Error(err)
	s.ErrorIs(err, device.ErrBluetoothOff)
	s.Equal("Bluetooth is turned off or no adapter is available", FormatUserError(err))
}

func (s *LocateTestSuite) TestLocateInvalidOptions() {
	_, err := s.ExecuteCommand("", "locate", "dev-01", "--attempts", "0")
	s.Require().Error(err)
	s.ErrorIs(err, locator.ErrInvalidOptions)
	s.Zero(s.Backend.ScanCount(), "invalid options MUST be rejected before scanning")
}

func (s *LocateTestSuite) TestLocateRequiresName() {
	_, err := s.ExecuteCommand("", "locate")
	s.Error(err)
}

func TestLocateTestSuite(t *testing.T) {
	suite.Run(t, new(LocateTestSuite))
}
