package services

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"carrier.is/modemd/internal/logging"
)

func testLogger() *logging.Logger {
	return logging.New(logging.Config{Level: logging.LevelError, Output: io.Discard})
}

func jobResult(result string) func(mock.Arguments) {
	return func(args mock.Arguments) {
		args.Get(3).(chan<- string) <- result
	}
}

func TestStartUnitWaitsForDone(t *testing.T) {
	conn := new(mockConn)
	m := NewSystemdManagerWithConn(conn, testLogger())

	conn.On("StartUnitContext", mock.Anything, UnitTimeSync, "replace", mock.Anything).
		Run(jobResult("done")).Return(1, nil).Once()

	require.NoError(t, m.StartUnit(context.Background(), UnitTimeSync))
	conn.AssertExpectations(t)
}

func TestStartUnitJobFailed(t *testing.T) {
	conn := new(mockConn)
	m := NewSystemdManagerWithConn(conn, testLogger())

	conn.On("StartUnitContext", mock.Anything, UnitDNSResolver, "replace", mock.Anything).
		Run(jobResult("failed")).Return(1, nil).Once()

	err := m.StartUnit(context.Background(), UnitDNSResolver)
	assert.ErrorContains(t, err, "failed")
	conn.AssertExpectations(t)
}

func TestStopUnitWaitsForDone(t *testing.T) {
	conn := new(mockConn)
	m := NewSystemdManagerWithConn(conn, testLogger())

	conn.On("StopUnitContext", mock.Anything, UnitDNSResolver, "replace", mock.Anything).
		Run(jobResult("done")).Return(2, nil).Once()

	require.NoError(t, m.StopUnit(context.Background(), UnitDNSResolver))
	conn.AssertExpectations(t)
}

func TestStopUnitEnqueueError(t *testing.T) {
	conn := new(mockConn)
	m := NewSystemdManagerWithConn(conn, testLogger())

	conn.On("StopUnitContext", mock.Anything, UnitTimeSync, "replace", mock.Anything).
		Return(0, assert.AnError).Once()

	err := m.StopUnit(context.Background(), UnitTimeSync)
	assert.Error(t, err)
	conn.AssertExpectations(t)
}

func TestStartUnitContextCanceled(t *testing.T) {
	conn := new(mockConn)
	m := NewSystemdManagerWithConn(conn, testLogger())

	// The job never reports; a canceled context unblocks the wait.
	conn.On("StartUnitContext", mock.Anything, UnitTimeSync, "replace", mock.Anything).
		Return(1, nil).Once()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := m.StartUnit(ctx, UnitTimeSync)
	assert.ErrorIs(t, err, context.Canceled)
	conn.AssertExpectations(t)
}
