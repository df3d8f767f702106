package registry

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/MacJediWizard/tidyup/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRepository_ConcurrentClaimHandsOutOnce(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	job := models.NewCleanupJob("dev_1", models.TriggerManual, models.JobScope{}, models.JobMode{}, "")
	run := models.NewRunSummary(models.NewID(models.PrefixRun), job)
	require.NoError(t, repo.CreateJob(ctx, job, &run))

	var claimed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, _, err := repo.ClaimNextJob(ctx, "dev_1")
			if err == nil && got != nil {
				claimed.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), claimed.Load())
}

func TestMemoryRepository_ReturnsCopies(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	job := models.NewCleanupJob("dev_1", models.TriggerManual, models.JobScope{}, models.JobMode{}, "")
	run := models.NewRunSummary(models.NewID(models.PrefixRun), job)
	require.NoError(t, repo.CreateJob(ctx, job, &run))

	snap, err := repo.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	snap.Summary.Status = models.RunStatusFailed
	snap.Proposals = append(snap.Proposals, models.Proposal{ID: "prop_x"})

	again, err := repo.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusQueued, again.Summary.Status)
	assert.Empty(t, again.Proposals)

	_, err = repo.GetRun(ctx, "run_missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
	assert.ErrorIs(t, repo.SaveRun(ctx, &models.RunSnapshot{Summary: models.RunSummary{RunID: "run_missing"}}), ErrRunNotFound)
	assert.ErrorIs(t, repo.ClearCommand(ctx, "run_missing", models.CommandExecute), ErrRunNotFound)
}
