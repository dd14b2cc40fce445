package classify

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bryan-buckman/threadlens/internal/database"
	"github.com/bryan-buckman/threadlens/internal/events"
	"github.com/bryan-buckman/threadlens/internal/model"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeOracle answers per post title. It records calls and the peak number
// of concurrent calls.
type fakeOracle struct {
	mu      sync.Mutex
	answer  func(title string) (string, error)
	calls   map[string]int
	active  int
	peak    int
	delay   time.Duration
	started chan string
	release chan struct{}
}

func newFakeOracle(answer func(title string) (string, error)) *fakeOracle {
	return &fakeOracle{answer: answer, calls: make(map[string]int)}
}

func (f *fakeOracle) Name() string { return "fake/test-model" }

func (f *fakeOracle) Complete(ctx context.Context, prompt string) (string, error) {
	title := titleOf(prompt)

	f.mu.Lock()
	f.calls[title]++
	f.active++
	if f.active > f.peak {
		f.peak = f.active
	}
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()

	if f.started != nil {
		f.started <- title
	}
	if f.release != nil {
		<-f.release
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return f.answer(title)
}

func (f *fakeOracle) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func titleOf(prompt string) string {
	const marker = "Post Title: "
	i := strings.Index(prompt, marker)
	if i < 0 {
		return ""
	}
	rest := prompt[i+len(marker):]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		rest = rest[:nl]
	}
	return rest
}

type recordingPublisher struct {
	events.Nop
	mu         sync.Mutex
	classified []events.ClassifiedEvent
}

func (p *recordingPublisher) PublishClassified(_ context.Context, ev events.ClassifiedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.classified = append(p.classified, ev)
	return nil
}

func post(id string) model.Post {
	return model.Post{ExternalID: id, Title: "title " + id, Body: "body " + id}
}

func answerJSON(membership map[string]bool) string {
	var b strings.Builder
	b.WriteString(`{"explanation":"because"`)
	for _, id := range DefaultSchema().IDs() {
		fmt.Fprintf(&b, `,%q:%t`, id, membership[id])
	}
	b.WriteString("}")
	return b.String()
}

func newClassifier(t *testing.T, o *fakeOracle, workers int) (*Classifier, *StoreCache, *recordingPublisher) {
	t.Helper()
	store, err := database.New(filepath.Join(t.TempDir(), "classify.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cache := NewStoreCache(store, 5*time.Second)
	pub := &recordingPublisher{}
	c := New(o, cache, DefaultSchema(), pub, Options{Workers: workers}, zaptest.NewLogger(t))
	return c, cache, pub
}

func TestClassifyCachesOnce(t *testing.T) {
	answer := answerJSON(map[string]bool{"money-talk": true})
	o := newFakeOracle(func(string) (string, error) { return answer, nil })
	c, _, _ := newClassifier(t, o, 2)
	ctx := context.Background()

	first, err := c.Classify(ctx, post("a1"))
	require.NoError(t, err)
	assert.True(t, first.Member("money-talk"))
	assert.Equal(t, "because", first.Explanation)
	assert.Equal(t, "fake/test-model", first.Model)

	// The oracle would now answer differently; the cached verdict stands.
	answer = answerJSON(map[string]bool{"pain-anger": true})
	second, err := c.Classify(ctx, post("a1"))
	require.NoError(t, err)

	assert.Equal(t, 1, o.total())
	if diff := cmp.Diff(first, second, cmpopts.EquateApproxTime(time.Second)); diff != "" {
		t.Errorf("cached classification changed (-first +second):\n%s", diff)
	}
}

func TestClassifyClosesMembership(t *testing.T) {
	o := newFakeOracle(func(string) (string, error) {
		return `{"explanation":"x","bogus":true,"advice-request":true}`, nil
	})
	c, cache, _ := newClassifier(t, o, 1)

	cl, err := c.Classify(context.Background(), post("b1"))
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{
		"solution-request": false,
		"pain-anger":       false,
		"advice-request":   true,
		"money-talk":       false,
	}, cl.Membership)

	stored, err := cache.Get(context.Background(), "b1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.NotContains(t, stored.Membership, "bogus")
	assert.Len(t, stored.Membership, 4)
}

func TestClassifyInvalidResponseNotCached(t *testing.T) {
	o := newFakeOracle(func(string) (string, error) { return "no idea", nil })
	c, cache, _ := newClassifier(t, o, 1)
	ctx := context.Background()

	_, err := c.Classify(ctx, post("c1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrOracleResponseInvalid)

	var me *model.Error
	require.True(t, errors.As(err, &me))
	assert.Equal(t, "c1", me.ExternalID)

	stored, err := cache.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Nil(t, stored)

	_, _ = c.Classify(ctx, post("c1"))
	assert.Equal(t, 2, o.total())
}

func TestClassifyAndAggregateIsolatesFailures(t *testing.T) {
	o := newFakeOracle(func(title string) (string, error) {
		switch title {
		case "title p2":
			return "", errors.New("connection reset")
		case "title p1":
			return answerJSON(map[string]bool{"solution-request": true, "money-talk": true}), nil
		default:
			return answerJSON(map[string]bool{"money-talk": true}), nil
		}
	})
	c, _, pub := newClassifier(t, o, 3)
	posts := []model.Post{post("p1"), post("p2"), post("p3")}

	report := c.ClassifyAndAggregate(context.Background(), posts)
	require.Len(t, report.Results, 3)

	assert.NoError(t, report.Results[0].Err)
	assert.NotNil(t, report.Results[0].Classification)
	assert.ErrorIs(t, report.Results[1].Err, model.ErrOracleUnavailable)
	assert.Nil(t, report.Results[1].Classification)
	assert.NoError(t, report.Results[2].Err)
	assert.NotNil(t, report.Results[2].Classification)

	failed := report.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, "p2", failed[0].Post.ExternalID)

	require.Len(t, report.Buckets, 4)
	money := report.Buckets[3]
	assert.Equal(t, "money-talk", money.Category.ID)
	assert.Equal(t, 2, money.Count)
	assert.Equal(t, []string{"p1", "p3"}, ids(money.Posts))
	assert.Equal(t, []string{"p1"}, ids(report.Buckets[0].Posts))

	require.Len(t, pub.classified, 1)
	assert.Equal(t, events.ClassifiedEvent{
		Posts:      3,
		Classified: 2,
		Failed:     1,
		Buckets:    map[string]int{"solution-request": 1, "pain-anger": 0, "advice-request": 0, "money-talk": 2},
	}, pub.classified[0])
}

func TestClassifyBatchBoundsConcurrency(t *testing.T) {
	o := newFakeOracle(func(string) (string, error) { return answerJSON(nil), nil })
	o.delay = 20 * time.Millisecond
	c, _, _ := newClassifier(t, o, 2)

	var posts []model.Post
	for i := 0; i < 6; i++ {
		posts = append(posts, post(fmt.Sprintf("w%d", i)))
	}
	results := c.ClassifyBatch(context.Background(), posts)

	for i, r := range results {
		assert.NoError(t, r.Err)
		assert.Equal(t, posts[i].ExternalID, r.Post.ExternalID)
	}
	assert.Equal(t, 6, o.total())
	assert.LessOrEqual(t, o.peak, 2)
}

func TestClassifyBatchSharesDuplicateCalls(t *testing.T) {
	o := newFakeOracle(func(string) (string, error) { return answerJSON(map[string]bool{"pain-anger": true}), nil })
	o.delay = 10 * time.Millisecond
	c, _, _ := newClassifier(t, o, 4)

	posts := []model.Post{post("d1"), post("d1"), post("d1"), post("d1")}
	results := c.ClassifyBatch(context.Background(), posts)
	for _, r := range results {
		require.NoError(t, r.Err)
		assert.True(t, r.Classification.Member("pain-anger"))
	}
	assert.Equal(t, 1, o.total())
}

func TestClassifyBatchCancellation(t *testing.T) {
	o := newFakeOracle(func(string) (string, error) { return answerJSON(map[string]bool{"money-talk": true}), nil })
	o.started = make(chan string, 3)
	o.release = make(chan struct{})
	c, cache, _ := newClassifier(t, o, 1)

	ctx, cancel := context.WithCancel(context.Background())
	posts := []model.Post{post("x1"), post("x2"), post("x3")}

	done := make(chan []model.ItemResult)
	go func() { done <- c.ClassifyBatch(ctx, posts) }()

	assert.Equal(t, "title x1", <-o.started)
	cancel()
	close(o.release)
	results := <-done

	require.NoError(t, results[0].Err)
	assert.True(t, results[0].Classification.Member("money-talk"))
	assert.ErrorIs(t, results[1].Err, context.Canceled)
	assert.ErrorIs(t, results[2].Err, context.Canceled)
	assert.Equal(t, 1, o.total())

	// The in-flight call still populated the cache.
	stored, err := cache.Get(context.Background(), "x1")
	require.NoError(t, err)
	assert.NotNil(t, stored)
}

func TestAggregateStoredAndInvalidate(t *testing.T) {
	o := newFakeOracle(func(title string) (string, error) {
		if title == "title s1" {
			return answerJSON(map[string]bool{"advice-request": true}), nil
		}
		return answerJSON(nil), nil
	})
	c, _, _ := newClassifier(t, o, 2)
	ctx := context.Background()

	_, err := c.Classify(ctx, post("s1"))
	require.NoError(t, err)
	require.Equal(t, 1, o.total())

	buckets, err := c.AggregateStored(ctx, []model.Post{post("s0"), post("s1")})
	require.NoError(t, err)
	assert.Equal(t, 1, o.total())
	assert.Equal(t, []string{"s1"}, ids(buckets[2].Posts))
	assert.Equal(t, 0, buckets[0].Count)

	n, err := c.Invalidate(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	buckets, err = c.AggregateStored(ctx, []model.Post{post("s1")})
	require.NoError(t, err)
	assert.Equal(t, 0, buckets[2].Count)

	_, err = c.Classify(ctx, post("s1"))
	require.NoError(t, err)
	assert.Equal(t, 2, o.total())
}

func TestClassifyRequiresExternalID(t *testing.T) {
	o := newFakeOracle(func(string) (string, error) { return "{}", nil })
	c, _, _ := newClassifier(t, o, 1)

	_, err := c.Classify(context.Background(), model.Post{Title: "orphan"})
	assert.Error(t, err)
	assert.Equal(t, 0, o.total())
}

func TestAggregate(t *testing.T) {
	s := DefaultSchema()
	posts := []model.Post{post("a"), post("b"), post("c"), post("d")}
	cls := map[string]*model.Classification{
		"a": {Membership: map[string]bool{"pain-anger": true}},
		"b": {Membership: map[string]bool{"pain-anger": true, "money-talk": true}},
		"d": {Membership: map[string]bool{"pain-anger": true, "unknown": true}},
	}

	buckets := Aggregate(s, posts, cls)
	require.Len(t, buckets, 4)
	for i, id := range s.IDs() {
		assert.Equal(t, id, buckets[i].Category.ID)
		assert.Equal(t, len(buckets[i].Posts), buckets[i].Count)
		assert.NotNil(t, buckets[i].Posts)
	}
	assert.Equal(t, []string{"a", "b", "d"}, ids(buckets[1].Posts))
	assert.Equal(t, []string{"b"}, ids(buckets[3].Posts))
	assert.Empty(t, buckets[0].Posts)

	empty := Aggregate(s, nil, nil)
	assert.Len(t, empty, 4)
}

func ids(posts []model.Post) []string {
	out := make([]string, len(posts))
	for i, p := range posts {
		out[i] = p.ExternalID
	}
	return out
}
