package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/loanbook/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type stubReporter struct {
	groups []models.OverdueGroup
	err    error
	owners []string
}

func (s *stubReporter) OverdueReport(_ context.Context, ownerID string) ([]models.OverdueGroup, error) {
	s.owners = append(s.owners, ownerID)
	return s.groups, s.err
}

func TestSweepOverdue(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	reporter := &stubReporter{groups: []models.OverdueGroup{
		{ClientID: uuid.New(), ClientName: "Ana", Count: 2, Total: decimal.NewFromInt(100)},
		{ClientID: uuid.New(), ClientName: "Bruno", Count: 1, Total: decimal.NewFromInt(30)},
	}}

	s := New("0 8 * * *", time.UTC, reporter, zap.New(core))
	groups := s.SweepOverdue(context.Background())

	assert.Len(t, groups, 2)
	assert.Equal(t, []string{""}, reporter.owners, "sweep covers every owner")
	assert.Equal(t, 2, logs.FilterMessage("client has overdue installments").Len())

	summary := logs.FilterMessage("overdue sweep complete").All()
	require.Len(t, summary, 1)
	assert.EqualValues(t, 3, summary[0].ContextMap()["installments"])
}

func TestSweepOverdue_Error(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	s := New("0 8 * * *", nil, &stubReporter{err: errors.New("db locked")}, zap.New(core))

	assert.Nil(t, s.SweepOverdue(context.Background()))
	assert.Equal(t, 1, logs.FilterMessage("overdue sweep failed").Len())
}

func TestStart_RejectsBadSpec(t *testing.T) {
	s := New("not a cron spec", time.UTC, &stubReporter{}, zap.NewNop())
	assert.Error(t, s.Start(context.Background()))
}

func TestStart_StopsOnCancel(t *testing.T) {
	s := New("@every 1h", time.UTC, &stubReporter{}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, s.Start(ctx))
	s.Stop()
}
