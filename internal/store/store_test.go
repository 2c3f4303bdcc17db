package store_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/maauso/videogen-api/internal/credit"
	"github.com/maauso/videogen-api/internal/job"
	"github.com/maauso/videogen-api/internal/library"
	"github.com/maauso/videogen-api/internal/store"
)

// setupTestDB spins up a Postgres container, runs migrations, and returns a pool.
func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("videogen_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, pgContainer.Terminate(ctx))
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	require.NoError(t, store.RunMigrations(connStr))
	// A second run is a no-op.
	require.NoError(t, store.RunMigrations(connStr))

	pool, err := store.Connect(ctx, connStr, 5)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	return pool
}

func newJob(t *testing.T, repo *store.JobRepository) *job.Job {
	t.Helper()
	j := job.New("user-1", "media-1", job.ModeImageToVideo)
	j.VideoLength = 5
	j.Steps = 30
	require.NoError(t, repo.Create(context.Background(), j))
	return j
}

// --- Jobs ---

func TestJobRepository_CreateAndFind(t *testing.T) {
	pool := setupTestDB(t)
	repo := store.NewJobRepository(pool)
	ctx := context.Background()

	j := newJob(t, repo)

	got, err := repo.FindByID(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, j.ID, got.ID)
	assert.Equal(t, job.StatusSubmitting, got.Status)
	assert.Equal(t, job.ModeImageToVideo, got.Mode)
	assert.Equal(t, 5.0, got.VideoLength)
	assert.Empty(t, got.HighNoiseLoras)
	assert.True(t, got.CompletedAt.IsZero())

	assert.ErrorIs(t, repo.Create(ctx, j), job.ErrJobExists)

	_, err = repo.FindByID(ctx, "missing")
	assert.ErrorIs(t, err, job.ErrJobNotFound)
}

func TestJobRepository_SubmissionLifecycle(t *testing.T) {
	pool := setupTestDB(t)
	repo := store.NewJobRepository(pool)
	ctx := context.Background()
	j := newJob(t, repo)

	loras := []job.LoraSelection{{ID: "surf", Mode: job.LoraModeAuto, Scale: 0.8}}
	ok, err := repo.SaveResolvedRequest(ctx, j.ID, job.ResolvedRequest{
		Prompt: "a cat surfing", Width: 1792, Height: 896, Seed: 7,
		HighNoiseLoras: loras, LowNoiseLoras: loras, EnableLoras: true, RunPodModel: "wan-lora",
	})
	require.NoError(t, err)
	assert.True(t, ok)

	attempts, failed, err := repo.RecordSubmissionFailure(ctx, j.ID, "503", 3)
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
	assert.False(t, failed)

	ok, err = repo.MarkSubmitted(ctx, j.ID, "rp-1")
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := repo.FindByID(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusInQueue, got.Status)
	assert.Equal(t, "rp-1", got.RunPodJobID)
	assert.Equal(t, 1792, got.Width)
	assert.Equal(t, "a cat surfing", got.ResolvedPrompt)
	assert.Equal(t, j.Prompt, got.Prompt)
	assert.Equal(t, loras, got.HighNoiseLoras)
	assert.Empty(t, got.SubmissionError)

	// Guard: no longer SUBMITTING.
	ok, err = repo.SaveResolvedRequest(ctx, j.ID, job.ResolvedRequest{Prompt: "changed"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestJobRepository_SubmissionFailureExhausted(t *testing.T) {
	pool := setupTestDB(t)
	repo := store.NewJobRepository(pool)
	ctx := context.Background()
	j := newJob(t, repo)

	var (
		attempts int
		failed   bool
		err      error
	)
	for i := 0; i < 3; i++ {
		attempts, failed, err = repo.RecordSubmissionFailure(ctx, j.ID, "timeout", 3)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, attempts)
	assert.True(t, failed)

	got, _ := repo.FindByID(ctx, j.ID)
	assert.Equal(t, job.StatusFailed, got.Status)
	assert.Equal(t, "timeout", got.Error)

	attempts, failed, err = repo.RecordSubmissionFailure(ctx, j.ID, "timeout", 3)
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.True(t, failed)
}

func TestJobRepository_ProviderStatusAndCompletion(t *testing.T) {
	pool := setupTestDB(t)
	repo := store.NewJobRepository(pool)
	ctx := context.Background()
	j := newJob(t, repo)
	_, err := repo.MarkSubmitted(ctx, j.ID, "rp-1")
	require.NoError(t, err)

	delay, exec := int64(900), int64(1200)
	ok, err := repo.RecordProviderStatus(ctx, j.ID, job.ProviderObservation{
		Status: job.StatusInProgress, DelayTime: &delay, ExecutionTime: &exec,
	})
	require.NoError(t, err)
	assert.True(t, ok)

	// Backwards transition is rejected but timings are kept.
	exec = 4000
	ok, err = repo.RecordProviderStatus(ctx, j.ID, job.ProviderObservation{Status: job.StatusInQueue, ExecutionTime: &exec})
	require.NoError(t, err)
	assert.False(t, ok)

	got, _ := repo.FindByID(ctx, j.ID)
	assert.Equal(t, job.StatusInProgress, got.Status)
	assert.Equal(t, int64(900), got.DelayTime)
	assert.Equal(t, int64(4000), got.ExecutionTime)

	completedAt := time.Now().UTC().Truncate(time.Millisecond)
	ok, err = repo.MarkCompleted(ctx, j.ID, j.ID, completedAt)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.MarkFailed(ctx, j.ID, "late")
	require.NoError(t, err)
	assert.False(t, ok)

	got, _ = repo.FindByID(ctx, j.ID)
	assert.Equal(t, job.StatusCompleted, got.Status)
	assert.Equal(t, j.ID, got.ResultMediaID)
	assert.WithinDuration(t, completedAt, got.CompletedAt, time.Millisecond)
}

func TestJobRepository_ConcurrentCompletion(t *testing.T) {
	pool := setupTestDB(t)
	repo := store.NewJobRepository(pool)
	ctx := context.Background()
	j := newJob(t, repo)
	_, err := repo.MarkSubmitted(ctx, j.ID, "rp-1")
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		applied atomic.Int32
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := repo.MarkCompleted(ctx, j.ID, j.ID, time.Now())
			assert.NoError(t, err)
			if ok {
				applied.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), applied.Load())
}

func TestJobRepository_MarkRefunded(t *testing.T) {
	pool := setupTestDB(t)
	repo := store.NewJobRepository(pool)
	ctx := context.Background()
	j := newJob(t, repo)

	ok, err := repo.MarkRefunded(ctx, j.ID, time.Now())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.MarkRefunded(ctx, j.ID, time.Now())
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = repo.MarkRefunded(ctx, "missing", time.Now())
	assert.ErrorIs(t, err, job.ErrJobNotFound)
}

// --- Credits ---

func TestCreditLedger_DebitAndRefund(t *testing.T) {
	pool := setupTestDB(t)
	ledger := store.NewCreditLedger(pool)
	ctx := context.Background()

	require.NoError(t, ledger.Increment(ctx, "u1", credit.PoolPlan, 4))
	require.NoError(t, ledger.Increment(ctx, "u1", credit.PoolPurchased, 10))

	require.NoError(t, ledger.Debit(ctx, "u1", 6))
	assert.ErrorIs(t, ledger.Debit(ctx, "u1", 100), credit.ErrInsufficientCredits)
	assert.ErrorIs(t, ledger.Debit(ctx, "nobody", 1), credit.ErrInsufficientCredits)

	b, err := ledger.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 0.0, b.PlanSeconds)
	assert.Equal(t, 8.0, b.PurchasedSeconds)

	applied, err := ledger.Refund(ctx, "job-1", "u1", 6)
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = ledger.Refund(ctx, "job-1", "u1", 6)
	require.NoError(t, err)
	assert.False(t, applied)

	b, _ = ledger.Balance(ctx, "u1")
	assert.Equal(t, 14.0, b.PurchasedSeconds)
}

func TestCreditLedger_ConcurrentRefund(t *testing.T) {
	pool := setupTestDB(t)
	ledger := store.NewCreditLedger(pool)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		applied atomic.Int32
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := ledger.Refund(ctx, "job-race", "u2", 5)
			assert.NoError(t, err)
			if ok {
				applied.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), applied.Load())
	b, _ := ledger.Balance(ctx, "u2")
	assert.Equal(t, 5.0, b.PurchasedSeconds)
}

// --- Media ---

func TestMediaRepository(t *testing.T) {
	pool := setupTestDB(t)
	repo := store.NewMediaRepository(pool)
	ctx := context.Background()

	m := &library.Media{
		ID:        "job-1",
		UserID:    "u1",
		Kind:      library.KindVideo,
		Primary:   library.Artifact{Key: "videos/u1/job-1.mp4", URL: "https://cdn/videos/u1/job-1.mp4", SizeBytes: 2048},
		Secondary: &library.Artifact{Key: "videos/u1/job-1.webm", SizeBytes: 1024},
		Generation: &library.Generation{
			Prompt: "a cat surfing", Width: 1792, Height: 896, Seed: 7, Mode: "image-to-video", JobID: "job-1",
		},
	}
	require.NoError(t, repo.Upsert(ctx, m))
	require.NoError(t, repo.Upsert(ctx, m))

	got, err := repo.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, library.KindVideo, got.Kind)
	assert.Equal(t, int64(2048), got.Primary.SizeBytes)
	require.NotNil(t, got.Secondary)
	assert.Equal(t, int64(1024), got.Secondary.SizeBytes)
	require.NotNil(t, got.Generation)
	assert.Equal(t, "a cat surfing", got.Generation.Prompt)

	_, err = repo.Get(ctx, "missing")
	assert.ErrorIs(t, err, library.ErrMediaNotFound)

	require.NoError(t, repo.IncrementGenerated(ctx, "u1"))
	require.NoError(t, repo.IncrementGenerated(ctx, "u1"))
	n, err := repo.GeneratedCount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}
