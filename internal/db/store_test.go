package db

import (
	"context"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/MacJediWizard/tidyup/internal/models"
	"github.com/MacJediWizard/tidyup/internal/registry"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// dockerAvailable returns true if a Docker daemon is reachable.
func dockerAvailable() bool {
	cmd := exec.Command("docker", "info")
	return cmd.Run() == nil
}

// setupTestDB creates a PostgreSQL testcontainer, runs migrations, and returns a connected DB.
func setupTestDB(t *testing.T) *DB {
	t.Helper()

	if !dockerAvailable() {
		t.Skip("Docker is not available, skipping integration test")
	}

	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("tidyup_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, pgContainer.Terminate(ctx))
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	logger := zerolog.New(zerolog.NewTestWriter(t))
	cfg := DefaultConfig(connStr)
	cfg.MaxConns = 5
	cfg.MinConns = 1

	database, err := New(ctx, cfg, logger)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	err = database.Migrate(ctx)
	require.NoError(t, err)

	return database
}

// createTestDevice creates and persists a paired device.
func createTestDevice(t *testing.T, db *DB, label string) *models.Device {
	t.Helper()
	token, err := registry.GenerateDeviceToken()
	require.NoError(t, err)
	device := models.NewDevice(label, "linux", registry.HashToken(token))
	require.NoError(t, db.CreateDevice(context.Background(), device))
	return device
}

// createTestJob queues a job and its run for device.
func createTestJob(t *testing.T, db *DB, deviceID string) (*models.CleanupJob, string) {
	t.Helper()
	job := models.NewCleanupJob(deviceID, models.TriggerManual, models.JobScope{}, models.JobMode{DryRun: true}, "test")
	runID := models.NewID(models.PrefixRun)
	run := models.NewRunSummary(runID, job)
	require.NoError(t, db.CreateJob(context.Background(), job, &run))
	return job, runID
}

func TestStore_PairingSessions(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	session := models.NewPairingSession("ABC234", "laptop", time.Minute, true)
	require.NoError(t, db.CreatePairingSession(ctx, session))

	got, err := db.GetPairingSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, "ABC234", got.Code)
	assert.True(t, got.Approved)
	assert.False(t, got.IsUsed())

	got.MarkUsed("dev_1")
	require.NoError(t, db.UpdatePairingSession(ctx, got))

	got, err = db.GetPairingSession(ctx, session.ID)
	require.NoError(t, err)
	assert.True(t, got.IsUsed())
	assert.Equal(t, "dev_1", got.DeviceID)

	_, err = db.GetPairingSession(ctx, "pair_missing")
	assert.ErrorIs(t, err, registry.ErrPairingNotFound)
}

func TestStore_Devices(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	device := createTestDevice(t, db, "workstation")

	t.Run("GetByTokenHash", func(t *testing.T) {
		got, err := db.GetDeviceByTokenHash(ctx, device.TokenHash)
		require.NoError(t, err)
		assert.Equal(t, device.ID, got.ID)
		assert.Nil(t, got.Host)
		assert.Empty(t, got.Capabilities)
	})

	t.Run("Heartbeat", func(t *testing.T) {
		device.RecordHeartbeat(models.HeartbeatRequest{
			AgentVersion: "1.2.0",
			Capabilities: models.DefaultCapabilities(),
			LocalUIPort:  5050,
			Host:         &models.HostInfo{OS: "linux", Hostname: "ws"},
		}, time.Now().UTC())
		require.NoError(t, db.UpdateDevice(ctx, device))

		got, err := db.GetDevice(ctx, device.ID)
		require.NoError(t, err)
		assert.Equal(t, models.DeviceStatusOnline, got.Status)
		assert.Equal(t, "1.2.0", got.AgentVersion)
		assert.Equal(t, 5050, got.LocalUIPort)
		require.NotNil(t, got.Host)
		assert.Equal(t, "ws", got.Host.Hostname)
		assert.Equal(t, models.DefaultCapabilities(), got.Capabilities)
		require.NotNil(t, got.LastHeartbeatAt)
	})

	t.Run("NotFound", func(t *testing.T) {
		_, err := db.GetDevice(ctx, "dev_missing")
		assert.ErrorIs(t, err, registry.ErrDeviceNotFound)

		err = db.UpdateDevice(ctx, &models.Device{ID: "dev_missing"})
		assert.ErrorIs(t, err, registry.ErrDeviceNotFound)
	})

	t.Run("List", func(t *testing.T) {
		createTestDevice(t, db, "another")
		devices, err := db.ListDevices(ctx)
		require.NoError(t, err)
		assert.Len(t, devices, 2)
	})
}

func TestStore_JobQueue(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	device := createTestDevice(t, db, "queue")
	first, firstRun := createTestJob(t, db, device.ID)
	second, secondRun := createTestJob(t, db, device.ID)

	t.Run("FIFO", func(t *testing.T) {
		job, runID, err := db.ClaimNextJob(ctx, device.ID)
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, first.ID, job.ID)
		assert.Equal(t, firstRun, runID)
		assert.Equal(t, models.RunStatusClaimed, job.Status)
		assert.True(t, job.Mode.DryRun)

		snap, err := db.GetRun(ctx, runID)
		require.NoError(t, err)
		assert.Equal(t, models.RunStatusClaimed, snap.Summary.Status)

		job, runID, err = db.ClaimNextJob(ctx, device.ID)
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, second.ID, job.ID)
		assert.Equal(t, secondRun, runID)
	})

	t.Run("EmptyQueue", func(t *testing.T) {
		job, runID, err := db.ClaimNextJob(ctx, device.ID)
		require.NoError(t, err)
		assert.Nil(t, job)
		assert.Empty(t, runID)
	})

	t.Run("ConcurrentClaimsHandOutOnce", func(t *testing.T) {
		createTestJob(t, db, device.ID)

		var (
			mu      sync.Mutex
			claimed int
			wg      sync.WaitGroup
		)
		for i := 0; i < 5; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				job, _, err := db.ClaimNextJob(ctx, device.ID)
				if err == nil && job != nil {
					mu.Lock()
					claimed++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, claimed)
	})

	t.Run("GetJob", func(t *testing.T) {
		job, runID, err := db.GetJob(ctx, first.ID)
		require.NoError(t, err)
		assert.Equal(t, firstRun, runID)
		assert.Equal(t, models.DefaultMaxFiles, job.Scope.MaxFiles)

		_, _, err = db.GetJob(ctx, "job_missing")
		assert.ErrorIs(t, err, registry.ErrJobNotFound)
	})
}

func TestStore_Runs(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	device := createTestDevice(t, db, "runs")
	job, runID := createTestJob(t, db, device.ID)

	snap, err := db.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Empty(t, snap.Proposals)

	snap.Summary.Status = models.RunStatusAwaitingApproval
	snap.Summary.FilesScanned = 3
	snap.Summary.UpdatedAt = time.Now().UTC()
	snap.Proposals = []models.Proposal{{
		ID:     models.NewID(models.PrefixProposal),
		RunID:  runID,
		Action: models.ActionMove,
		Status: models.ProposalStatusProposed,
	}}
	snap.Recount()
	require.NoError(t, db.SaveRun(ctx, snap))

	got, err := db.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusAwaitingApproval, got.Summary.Status)
	assert.Equal(t, 3, got.Summary.FilesScanned)
	assert.Equal(t, 1, got.Summary.ProposalsCreated)
	require.Len(t, got.Proposals, 1)
	assert.Equal(t, models.ActionMove, got.Proposals[0].Action)

	storedJob, _, err := db.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusAwaitingApproval, storedJob.Status)

	t.Run("ListFilters", func(t *testing.T) {
		createTestJob(t, db, device.ID)

		all, err := db.ListRuns(ctx, registry.RunFilter{DeviceID: device.ID})
		require.NoError(t, err)
		assert.Len(t, all, 2)

		awaiting, err := db.ListRuns(ctx, registry.RunFilter{Status: models.RunStatusAwaitingApproval})
		require.NoError(t, err)
		require.Len(t, awaiting, 1)
		assert.Equal(t, runID, awaiting[0].RunID)

		limited, err := db.ListRuns(ctx, registry.RunFilter{Limit: 1})
		require.NoError(t, err)
		assert.Len(t, limited, 1)
	})

	t.Run("SaveMissing", func(t *testing.T) {
		err := db.SaveRun(ctx, &models.RunSnapshot{Summary: models.RunSummary{RunID: "run_missing"}})
		assert.ErrorIs(t, err, registry.ErrRunNotFound)
	})
}

func TestStore_Progress(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	device := createTestDevice(t, db, "progress")
	_, runID := createTestJob(t, db, device.ID)

	stages := []models.ProgressStage{models.StageScanStarted, models.StageScanCompleted}
	for _, stage := range stages {
		ev := models.NewProgressEvent(runID, models.RunStatusRunning, stage, string(stage), map[string]int64{"files": 2})
		ev.DeviceID = device.ID
		require.NoError(t, db.AppendProgress(ctx, ev))
	}

	events, err := db.ListProgress(ctx, runID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, models.StageScanStarted, events[0].Stage)
	assert.Equal(t, models.StageScanCompleted, events[1].Stage)
	assert.Equal(t, int64(2), events[1].Counts["files"])
	assert.Equal(t, device.ID, events[0].DeviceID)
}

func TestStore_CommandMailboxes(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	device := createTestDevice(t, db, "commands")
	_, runID := createTestJob(t, db, device.ID)

	cmds, err := db.GetCommands(ctx, runID)
	require.NoError(t, err)
	assert.True(t, cmds.Empty())
	assert.Equal(t, models.RunStatusQueued, cmds.RunStatus)

	first := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, db.SetApprovalCommand(ctx, runID, &models.ApprovalCommand{
		Decisions:   []models.ApprovalDecision{{ProposalID: "prop_1", Decision: models.DecisionApprove}},
		RequestedAt: first,
	}))
	require.NoError(t, db.SetExecuteCommand(ctx, runID, &models.ExecuteCommand{RequestedAt: first}))

	second := first.Add(time.Second)
	require.NoError(t, db.SetExecuteCommand(ctx, runID, &models.ExecuteCommand{RequestedBy: "ops", RequestedAt: second}))

	cmds, err = db.GetCommands(ctx, runID)
	require.NoError(t, err)
	require.NotNil(t, cmds.Approvals)
	require.Len(t, cmds.Approvals.Decisions, 1)
	require.NotNil(t, cmds.Execute)
	assert.Equal(t, "ops", cmds.Execute.RequestedBy)
	assert.True(t, second.Equal(cmds.Execute.RequestedAt))
	assert.Nil(t, cmds.Rollback)

	require.NoError(t, db.ClearCommand(ctx, runID, models.CommandExecute))
	cmds, err = db.GetCommands(ctx, runID)
	require.NoError(t, err)
	assert.Nil(t, cmds.Execute)
	assert.NotNil(t, cmds.Approvals)

	_, err = db.GetCommands(ctx, "run_missing")
	assert.ErrorIs(t, err, registry.ErrRunNotFound)
	err = db.SetRollbackCommand(ctx, "run_missing", &models.RollbackCommand{RequestedAt: second})
	assert.ErrorIs(t, err, registry.ErrRunNotFound)
}
