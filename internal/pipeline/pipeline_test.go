package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rwaea3/relay-bot/internal/broadcast"
	"github.com/rwaea3/relay-bot/internal/dedup"
	"github.com/rwaea3/relay-bot/internal/render"
	"github.com/rwaea3/relay-bot/internal/telegram"
)

const source = int64(-1001)

type fakeBroadcaster struct {
	mu   sync.Mutex
	jobs []broadcast.Job
	err  error
}

func (f *fakeBroadcaster) Broadcast(ctx context.Context, job broadcast.Job) (broadcast.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
	return broadcast.Report{}, f.err
}

type fakePublisher struct {
	sent    []telegram.Photo
	caption string
	err     error
}

func (f *fakePublisher) SendPhoto(ctx context.Context, to int64, photo telegram.Photo, caption string) (telegram.Sent, error) {
	if f.err != nil {
		return telegram.Sent{}, f.err
	}
	f.sent = append(f.sent, photo)
	f.caption = caption
	return telegram.Sent{MessageID: 900 + len(f.sent), FileID: "card-file"}, nil
}

type fakeRenderer struct {
	max   int
	err   error
	calls int
}

func (f *fakeRenderer) Accepts(text string) bool { return len([]rune(text)) <= f.max }

func (f *fakeRenderer) Render(ctx context.Context, text string) (render.Artifact, error) {
	f.calls++
	if f.err != nil {
		return render.Artifact{}, f.err
	}
	return render.Artifact{Data: []byte("png"), Name: "card.png"}, nil
}

type harness struct {
	p     *Pipeline
	store *dedup.MemoryStore
	bc    *fakeBroadcaster
	pub   *fakePublisher
	rend  *fakeRenderer
	m     *Metrics
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store: dedup.NewMemory(),
		bc:    &fakeBroadcaster{},
		pub:   &fakePublisher{},
		rend:  &fakeRenderer{max: 300},
		m:     NewMetrics(prometheus.NewRegistry()),
	}
	h.p = New(h.store, h.rend, h.pub, h.bc, Options{
		SourceChatID:         source,
		Handle:               "@Rwaea3",
		AllowedLinkSubstring: "rwaea3",
		Metrics:              h.m,
	})
	return h
}

func TestTextPostBecomesCard(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	d, err := h.p.HandlePost(ctx, Post{ChatID: source, MessageID: 10, Text: "العلم نور"})
	require.NoError(t, err)
	assert.Equal(t, BroadcastCard, d)

	require.Len(t, h.pub.sent, 1)
	assert.Equal(t, "✨ @Rwaea3", h.pub.caption)
	require.Len(t, h.bc.jobs, 1)
	assert.Equal(t, broadcast.Job{SourceMessageID: 10, PhotoFileID: "card-file", Caption: "✨ @Rwaea3"}, h.bc.jobs[0])

	// The card loops back as a channel post and is recognised.
	d, err = h.p.HandlePost(ctx, Post{ChatID: source, MessageID: 901, HasMedia: true})
	require.NoError(t, err)
	assert.Equal(t, SelfLoop, d)
	assert.Len(t, h.bc.jobs, 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.m.Posts.WithLabelValues("self_loop")))
}

func TestSecondDeliveryOfSamePostIsDuplicate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	post := Post{ChatID: source, MessageID: 11, HasMedia: true, Text: "caption"}

	d, err := h.p.HandlePost(ctx, post)
	require.NoError(t, err)
	assert.Equal(t, BroadcastOriginal, d)

	d, err = h.p.HandlePost(ctx, post)
	require.NoError(t, err)
	assert.Equal(t, Duplicate, d)
	assert.Len(t, h.bc.jobs, 1)
}

func TestProcessedMarkerOutlivesLock(t *testing.T) {
	h := newHarness(t)
	h.p.opt.LockTTL = 20 * time.Millisecond
	ctx := context.Background()
	post := Post{ChatID: source, MessageID: 12, HasMedia: true}

	_, err := h.p.HandlePost(ctx, post)
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	d, err := h.p.HandlePost(ctx, post)
	require.NoError(t, err)
	assert.Equal(t, Duplicate, d)
	assert.Len(t, h.bc.jobs, 1)
}

func TestConcurrentDeliveriesBroadcastOnce(t *testing.T) {
	h := newHarness(t)
	post := Post{ChatID: source, MessageID: 13, HasMedia: true}

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = h.p.HandlePost(context.Background(), post)
		}()
	}
	wg.Wait()
	assert.Len(t, h.bc.jobs, 1)
}

func TestRoutingDecisions(t *testing.T) {
	cases := []struct {
		name string
		post Post
		want Decision
	}{
		{"other chat", Post{ChatID: 5, MessageID: 1, Text: "x"}, Ignore},
		{"empty", Post{ChatID: source, MessageID: 2}, Ignore},
		{"signed", Post{ChatID: source, MessageID: 3, Text: "قصيدة\n✨ @rwaea3"}, SelfLoop},
		{"external forward", Post{ChatID: source, MessageID: 4, Text: "x", Forwarded: true, ForwardChatID: 77}, Rejected},
		{"hidden forward", Post{ChatID: source, MessageID: 5, Text: "x", Forwarded: true}, Rejected},
		{"own forward", Post{ChatID: source, MessageID: 6, HasMedia: true, Forwarded: true, ForwardChatID: source}, BroadcastOriginal},
		{"foreign link", Post{ChatID: source, MessageID: 7, Text: "اشترك https://spam.example/x"}, Rejected},
		{"foreign text link", Post{ChatID: source, MessageID: 8, Text: "اضغط هنا", Links: []string{"https://spam.example"}}, Rejected},
		{"own link", Post{ChatID: source, MessageID: 9, HasMedia: true, Text: "t.me/Rwaea3/55"}, BroadcastOriginal},
		{"too long to render", Post{ChatID: source, MessageID: 10, Text: strings.Repeat("ب", 301)}, BroadcastOriginal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			d, err := h.p.HandlePost(context.Background(), tc.post)
			require.NoError(t, err)
			assert.Equal(t, tc.want, d)
		})
	}
}

func TestRejectedPostIsNotMarkedProcessed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d, err := h.p.HandlePost(ctx, Post{ChatID: source, MessageID: 20, Text: "http://ad.example"})
	require.NoError(t, err)
	assert.Equal(t, Rejected, d)

	ok, err := h.store.Exists(ctx, dedup.ProcessedKey(source, 20))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, h.bc.jobs)
}

func TestRenderFailureFallsBackToOriginal(t *testing.T) {
	h := newHarness(t)
	h.rend.err = &render.RenderError{Failures: []render.ProviderError{{Provider: "card", Err: render.ErrNoImage}}}

	d, err := h.p.HandlePost(context.Background(), Post{ChatID: source, MessageID: 30, Text: "حكمة"})
	require.NoError(t, err)
	assert.Equal(t, BroadcastOriginal, d)
	assert.Empty(t, h.pub.sent)
	assert.Equal(t, []broadcast.Job{{SourceMessageID: 30}}, h.bc.jobs)
}

func TestCardWithoutFontFallsBackToOriginal(t *testing.T) {
	h := newHarness(t)
	cards := render.NewCardRenderer(render.CardOptions{FontPath: filepath.Join(t.TempDir(), "missing.ttf")})
	rend := render.NewManager(render.Provider{Name: "card", Renderer: cards, MaxRunes: 300})
	p := New(h.store, rend, h.pub, h.bc, Options{SourceChatID: source, Handle: "@Rwaea3"})

	d, err := p.HandlePost(context.Background(), Post{ChatID: source, MessageID: 33, Text: "العلم نور"})
	require.NoError(t, err)
	assert.Equal(t, BroadcastOriginal, d)
	assert.Empty(t, h.pub.sent)
	assert.Equal(t, []broadcast.Job{{SourceMessageID: 33}}, h.bc.jobs)
}

func TestPublishFailureFallsBackToOriginal(t *testing.T) {
	h := newHarness(t)
	h.pub.err = errors.New("Bad Request: not enough rights")

	d, err := h.p.HandlePost(context.Background(), Post{ChatID: source, MessageID: 31, Text: "حكمة"})
	require.NoError(t, err)
	assert.Equal(t, BroadcastOriginal, d)
	assert.Equal(t, 1, h.rend.calls)
}

func TestNoRendererBroadcastsOriginal(t *testing.T) {
	h := newHarness(t)
	p := New(h.store, nil, h.pub, h.bc, Options{SourceChatID: source, Handle: "@Rwaea3"})
	d, err := p.HandlePost(context.Background(), Post{ChatID: source, MessageID: 32, Text: "حكمة"})
	require.NoError(t, err)
	assert.Equal(t, BroadcastOriginal, d)
}

func TestBroadcastErrorSurfaces(t *testing.T) {
	h := newHarness(t)
	h.bc.err = errors.New("database is locked")

	d, err := h.p.HandlePost(context.Background(), Post{ChatID: source, MessageID: 40, HasMedia: true})
	assert.Equal(t, BroadcastOriginal, d)
	assert.ErrorContains(t, err, "broadcast 40")
}

type brokenStore struct{ dedup.Store }

func (brokenStore) Exists(context.Context, string) (bool, error) {
	return false, dedup.ErrUnavailable
}

func TestStoreFailureStopsProcessing(t *testing.T) {
	h := newHarness(t)
	p := New(brokenStore{h.store}, h.rend, h.pub, h.bc, Options{SourceChatID: source, Metrics: h.m})

	d, err := p.HandlePost(context.Background(), Post{ChatID: source, MessageID: 50, HasMedia: true})
	assert.Equal(t, Failed, d)
	assert.ErrorIs(t, err, dedup.ErrUnavailable)
	assert.Empty(t, h.bc.jobs)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.m.Posts.WithLabelValues("failed")))
}

func TestHasSignature(t *testing.T) {
	assert.True(t, HasSignature("✨ @Rwaea3", "@Rwaea3"))
	assert.True(t, HasSignature("✨ ＠ＲＷＡＥＡ３", "@Rwaea3"), "full-width look-alikes fold")
	assert.False(t, HasSignature("plain", "@Rwaea3"))
	assert.False(t, HasSignature("anything", ""))
}

func TestLinks(t *testing.T) {
	got := Links("see https://a.example/x and telegram.me/chan plus T.ME/Other", " https://b.example ")
	assert.Equal(t, []string{"https://a.example/x", "telegram.me/chan", "t.me/other", "https://b.example"}, got)
	assert.Empty(t, Links("لا روابط هنا"))
}

func TestScreenAllowsEverythingWithoutSubstring(t *testing.T) {
	why, _ := Screen(Post{Text: "https://any.example"}, source, "")
	assert.Equal(t, NotRejected, why)
}
