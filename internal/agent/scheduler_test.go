package agent

import (
	"context"
	"testing"

	"github.com/MacJediWizard/tidyup/internal/models"
	"github.com/MacJediWizard/tidyup/internal/vault"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockEnqueuer struct {
	requests []models.EnqueueJobRequest
}

func (m *mockEnqueuer) EnqueueJob(_ context.Context, req models.EnqueueJobRequest) (*models.EnqueueJobResponse, error) {
	m.requests = append(m.requests, req)
	return &models.EnqueueJobResponse{RunID: "run_scheduled", Status: models.RunStatusQueued}, nil
}

type staticSettings struct {
	settings models.Settings
}

func (s staticSettings) GetSettings(context.Context) (models.Settings, error) {
	return s.settings, nil
}

func TestScheduler_RunNow(t *testing.T) {
	secrets := vault.NewMemoryVault()
	enq := &mockEnqueuer{}
	set := models.DefaultSettings(t.TempDir())
	set.DryRunDefault = false
	s := NewScheduler("0 3 * * *", enq, staticSettings{set}, secrets, zerolog.Nop())

	_, err := s.RunNow(context.Background())
	assert.True(t, models.IsCode(err, models.CodeMissingDeviceID))
	assert.Empty(t, enq.requests)

	require.NoError(t, secrets.Set(vault.KeyDeviceID, "dev_1"))
	resp, err := s.RunNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "run_scheduled", resp.RunID)

	require.Len(t, enq.requests, 1)
	req := enq.requests[0]
	assert.Equal(t, "dev_1", req.DeviceID)
	assert.Equal(t, models.TriggerScheduled, req.Trigger)
	assert.Equal(t, ScheduledRequester, req.RequestedBy)
	assert.False(t, req.Mode.DryRun)
	assert.Equal(t, models.DefaultAllowedActions(), req.Mode.AllowedActions)
}

func TestScheduler_StartStop(t *testing.T) {
	s := NewScheduler("*/5 * * * *", &mockEnqueuer{}, staticSettings{}, vault.NewMemoryVault(), zerolog.Nop())

	require.NoError(t, s.Start())
	assert.Error(t, s.Start(), "double start is rejected")
	<-s.Stop().Done()
	<-s.Stop().Done()

	bad := NewScheduler("not a cron spec", &mockEnqueuer{}, staticSettings{}, vault.NewMemoryVault(), zerolog.Nop())
	assert.Error(t, bad.Start())

	empty := NewScheduler("", &mockEnqueuer{}, staticSettings{}, vault.NewMemoryVault(), zerolog.Nop())
	assert.Error(t, empty.Start())
}
