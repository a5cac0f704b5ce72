// Package mocks holds testify mocks for the port interfaces.
package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/bnema/restora/internal/domain"
	"github.com/bnema/restora/internal/port"
)

type testingT interface {
	mock.TestingT
	Cleanup(func())
}

type HardwareProberMock struct {
	mock.Mock
}

func NewHardwareProberMock(t testingT) *HardwareProberMock {
	m := &HardwareProberMock{}
	m.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

func (m *HardwareProberMock) Probe(ctx context.Context) (domain.Snapshot, error) {
	args := m.Called(ctx)
	return args.Get(0).(domain.Snapshot), args.Error(1)
}

type JobStoreMock struct {
	mock.Mock
}

func NewJobStoreMock(t testingT) *JobStoreMock {
	m := &JobStoreMock{}
	m.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

func (m *JobStoreMock) SaveAll(jobs []*domain.Job) error {
	return m.Called(jobs).Error(0)
}

func (m *JobStoreMock) LoadAll() ([]*domain.Job, error) {
	args := m.Called()
	jobs, _ := args.Get(0).([]*domain.Job)
	return jobs, args.Error(1)
}

func (m *JobStoreMock) Close() error {
	return m.Called().Error(0)
}

type MediaProberMock struct {
	mock.Mock
}

func NewMediaProberMock(t testingT) *MediaProberMock {
	m := &MediaProberMock{}
	m.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

func (m *MediaProberMock) ProbeMedia(ctx context.Context, input string) (*domain.MediaInfo, error) {
	args := m.Called(ctx, input)
	info, _ := args.Get(0).(*domain.MediaInfo)
	return info, args.Error(1)
}

var (
	_ port.HardwareProber = (*HardwareProberMock)(nil)
	_ port.JobStore       = (*JobStoreMock)(nil)
	_ port.MediaProber    = (*MediaProberMock)(nil)
)
