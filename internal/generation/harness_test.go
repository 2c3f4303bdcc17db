package generation

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/maauso/videogen-api/internal/credit"
	"github.com/maauso/videogen-api/internal/job"
	"github.com/maauso/videogen-api/internal/library"
	"github.com/maauso/videogen-api/internal/lora"
	"github.com/maauso/videogen-api/internal/media"
	"github.com/maauso/videogen-api/internal/prompt"
	"github.com/maauso/videogen-api/internal/queue"
	"github.com/maauso/videogen-api/internal/runpod"
	"github.com/maauso/videogen-api/internal/storage"
)

// mockRunPodClient is a mock implementation of runpod.Client.
type mockRunPodClient struct {
	mock.Mock
}

func (m *mockRunPodClient) Submit(ctx context.Context, model string, req runpod.SubmitRequest) (runpod.SubmitResult, error) {
	args := m.Called(ctx, model, req)
	return args.Get(0).(runpod.SubmitResult), args.Error(1)
}

func (m *mockRunPodClient) Status(ctx context.Context, model, jobID string) (runpod.StatusResult, error) {
	args := m.Called(ctx, model, jobID)
	return args.Get(0).(runpod.StatusResult), args.Error(1)
}

type published struct {
	msg   queue.Message
	delay time.Duration
}

// recordingPublisher captures published messages instead of delivering them.
type recordingPublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (p *recordingPublisher) Publish(_ context.Context, msg queue.Message, delay time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, published{msg: msg, delay: delay})
	return nil
}

func (p *recordingPublisher) all() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.msgs...)
}

type fakeModerator struct {
	verdict prompt.Verdict
	err     error
	seen    []string
}

func (m *fakeModerator) Moderate(_ context.Context, text string) (prompt.Verdict, error) {
	m.seen = append(m.seen, text)
	return m.verdict, m.err
}

type fakeOptimizer struct {
	result prompt.OptimizeResult
	err    error
	// suffix, when set, is appended to whatever text comes in.
	suffix string
	seen   []string
}

func (o *fakeOptimizer) Optimize(_ context.Context, text, _ string) (prompt.OptimizeResult, error) {
	o.seen = append(o.seen, text)
	if o.suffix != "" {
		return prompt.OptimizeResult{Success: true, Prompt: text + o.suffix}, nil
	}
	return o.result, o.err
}

type fakeFrames struct {
	frame media.Frame
	err   error
	calls int
}

func (f *fakeFrames) ExtractLastFrame(context.Context, string, string) (media.Frame, error) {
	f.calls++
	return f.frame, f.err
}

// fakeDownloader writes canned content into temp storage.
type fakeDownloader struct {
	store   storage.Storage
	content string
	err     error
}

func (d *fakeDownloader) Fetch(ctx context.Context, _, name string) (string, error) {
	if d.err != nil {
		return "", d.err
	}
	return d.store.SaveTemp(ctx, name, strings.NewReader(d.content))
}

type fakeTranscoder struct {
	err error
}

func (t *fakeTranscoder) Transcode(_ context.Context, src, dst string) error {
	if t.err != nil {
		return t.err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()
	_, err = io.Copy(out, io.MultiReader(strings.NewReader("web:"), in))
	return err
}

type harness struct {
	jobs      *job.MemoryRepository
	library   *library.MemoryRepository
	ledger    *credit.MemoryLedger
	store     *storage.LocalStorage
	client    *mockRunPodClient
	publisher *recordingPublisher
	moderator *fakeModerator
	optimizer *fakeOptimizer
	frames    *fakeFrames
	download  *fakeDownloader
	transcode *fakeTranscoder

	compensator *Compensator
	finalizer   *Finalizer
	submitter   *SubmissionService
	poller      *Poller
	dispatcher  *Dispatcher
}

const testUser = "user-1"

var testSettings = Settings{
	BaseModel:             "wan-base",
	LoraModel:             "wan-lora",
	MaxEdge:               1792,
	MaxSubmissionAttempts: 3,
	DefaultSteps:          30,
	DefaultGuidance:       5,
	FlowShift:             5,
	EnableSafetyChecker:   true,
	SecondsPerVideoSecond: 20,
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	store, err := storage.NewLocalStorage(t.TempDir(), "http://cdn.test")
	require.NoError(t, err)

	catalog, err := lora.NewCatalog(
		lora.Entry{ID: "anime", TriggerWords: []string{"anime"}, HighNoisePath: "anime_high", LowNoisePath: "anime_low", DefaultScale: 0.8},
		lora.Entry{ID: "grain", TriggerWords: []string{"grain"}, HighNoisePath: "grain_high", LowNoisePath: "grain_low"},
		lora.Entry{ID: "half", TriggerWords: []string{"half"}, HighNoisePath: "half_high"},
	)
	require.NoError(t, err)

	h := &harness{
		jobs:      job.NewMemoryRepository(),
		library:   library.NewMemoryRepository(),
		ledger:    credit.NewMemoryLedger(),
		store:     store,
		client:    &mockRunPodClient{},
		publisher: &recordingPublisher{},
		moderator: &fakeModerator{verdict: prompt.Verdict{Allowed: true}},
		optimizer: &fakeOptimizer{},
		frames:    &fakeFrames{},
		transcode: &fakeTranscoder{},
	}
	h.download = &fakeDownloader{store: store, content: "mp4 bytes"}

	h.compensator = NewCompensator(h.ledger, h.jobs, nil)
	h.finalizer = NewFinalizer(h.jobs, h.library, store, h.download, h.transcode, nil)
	h.submitter = NewSubmissionService(SubmissionDeps{
		Jobs:        h.jobs,
		Library:     h.library,
		Client:      h.client,
		Frames:      h.frames,
		Moderator:   h.moderator,
		Optimizer:   h.optimizer,
		Selector:    lora.NewKeywordSelector(catalog),
		Catalog:     catalog,
		Publisher:   h.publisher,
		Compensator: h.compensator,
	}, testSettings)
	h.poller = NewPoller(h.jobs, h.client, h.finalizer, h.compensator, h.publisher, nil)
	h.dispatcher = NewDispatcher(h.submitter, h.poller, nil)

	ctx := context.Background()
	require.NoError(t, h.library.Upsert(ctx, &library.Media{
		ID:      "src-image",
		UserID:  testUser,
		Kind:    library.KindImage,
		Primary: library.Artifact{Key: "images/src.png", URL: "http://cdn.test/files/images/src.png"},
	}))
	require.NoError(t, h.library.Upsert(ctx, &library.Media{
		ID:           "src-video",
		UserID:       testUser,
		Kind:         library.KindVideo,
		Primary:      library.Artifact{Key: "videos/src.mp4", URL: "http://cdn.test/files/videos/src.mp4"},
		ThumbnailURL: "http://cdn.test/files/thumbs/src.png",
		Generation:   &library.Generation{Prompt: "a stored prompt"},
	}))
	return h
}

// newJob creates a SUBMITTING job and reserves its credits like the API does.
func (h *harness) newJob(t *testing.T, mutate func(*job.Job)) *job.Job {
	t.Helper()
	ctx := context.Background()

	j := job.New(testUser, "src-image", job.ModeImageToVideo)
	j.Prompt = "a cat surfing"
	j.Width = 1280
	j.Height = 720
	j.VideoLength = 5
	if mutate != nil {
		mutate(j)
	}

	require.NoError(t, h.ledger.Increment(ctx, testUser, credit.PoolPurchased, j.VideoLength))
	require.NoError(t, h.ledger.Debit(ctx, testUser, j.VideoLength))
	require.NoError(t, h.jobs.Create(ctx, j))
	return j
}

// submitted creates a job that the provider already accepted.
func (h *harness) submitted(t *testing.T, status job.Status) *job.Job {
	t.Helper()
	ctx := context.Background()
	j := h.newJob(t, nil)

	_, err := h.jobs.SaveResolvedRequest(ctx, j.ID, job.ResolvedRequest{
		Prompt:         j.Prompt,
		Width:          j.Width,
		Height:         j.Height,
		Seed:           7,
		RunPodModel:    "wan-base",
		SourceImageURL: "http://cdn.test/files/images/src.png",
	})
	require.NoError(t, err)
	_, err = h.jobs.MarkSubmitted(ctx, j.ID, "rp-"+j.ID)
	require.NoError(t, err)
	if status == job.StatusInProgress {
		_, err = h.jobs.RecordProviderStatus(ctx, j.ID, job.ProviderObservation{Status: job.StatusInProgress})
		require.NoError(t, err)
	}

	got, err := h.jobs.FindByID(ctx, j.ID)
	require.NoError(t, err)
	return got
}

func (h *harness) job(t *testing.T, id string) *job.Job {
	t.Helper()
	j, err := h.jobs.FindByID(context.Background(), id)
	require.NoError(t, err)
	return j
}

func (h *harness) purchased(t *testing.T) float64 {
	t.Helper()
	b, err := h.ledger.Balance(context.Background(), testUser)
	require.NoError(t, err)
	return b.PurchasedSeconds
}

var errProvider = errors.New("runpod: server error 503")

func ptr[T any](v T) *T { return &v }
