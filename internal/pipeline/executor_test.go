package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adrian/answerforge/internal/db"
	"github.com/adrian/answerforge/internal/links"
	"github.com/adrian/answerforge/internal/llm"
	"github.com/adrian/answerforge/internal/stagecache"
)

// scriptedClient returns canned text per call and records requests.
type scriptedClient struct {
	text  string
	err   error
	calls int
	reqs  []llm.GenerateRequest
}

func (c *scriptedClient) Generate(_ context.Context, req llm.GenerateRequest) (*llm.GenerateResult, error) {
	c.calls++
	c.reqs = append(c.reqs, req)
	if c.err != nil {
		return nil, c.err
	}
	return &llm.GenerateResult{Text: c.text}, nil
}

func (c *scriptedClient) Close() error { return nil }

// memCacheStore is an in-memory stagecache.Store.
type memCacheStore struct {
	mu      sync.Mutex
	entries map[string]*db.CacheEntry
}

func newMemCacheStore() *memCacheStore {
	return &memCacheStore{entries: map[string]*db.CacheEntry{}}
}

func (s *memCacheStore) GetCacheEntry(_ context.Context, fp string) (*db.CacheEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[fp]; ok {
		cp := *e
		return &cp, nil
	}
	return nil, nil
}

func (s *memCacheStore) PutCacheEntry(_ context.Context, entry *db.CacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[entry.Fingerprint]; !ok {
		cp := *entry
		s.entries[entry.Fingerprint] = &cp
	}
	return nil
}

func (s *memCacheStore) DeleteCacheEntry(_ context.Context, fp string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, fp)
	return nil
}

// memChunkStore is an in-memory ChunkStore.
type memChunkStore struct {
	mu     sync.Mutex
	chunks map[string][]db.ReferenceChunk
}

func newMemChunkStore() *memChunkStore {
	return &memChunkStore{chunks: map[string][]db.ReferenceChunk{}}
}

func (s *memChunkStore) InsertReferenceChunks(_ context.Context, chunks []db.ReferenceChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range chunks {
		s.chunks[c.SourceID] = append(s.chunks[c.SourceID], c)
	}
	return nil
}

func (s *memChunkStore) HasReferenceChunks(_ context.Context, sourceID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chunks[sourceID]) > 0, nil
}

func newTestExecutor(client llm.Client, chunks ChunkStore) *Executor {
	return NewExecutor(client, nil, stagecache.New(newMemCacheStore()), links.NewValidator(nil), chunks)
}

func TestRunStage_CacheableStageMissThenHit(t *testing.T) {
	client := &scriptedClient{text: "draft answer"}
	exec := newTestExecutor(client, nil)

	in := Inputs{Question: "What is your uptime SLA?", Research: "some refs"}

	first, err := exec.RunStage(context.Background(), Stages[StageDraft], in)
	require.NoError(t, err)
	assert.False(t, first.CacheHit)
	assert.Equal(t, "draft answer", first.Output)

	second, err := exec.RunStage(context.Background(), Stages[StageDraft], in)
	require.NoError(t, err)
	assert.True(t, second.CacheHit)
	assert.Equal(t, "draft answer", second.Output)

	assert.Equal(t, 1, client.calls, "identical draft inputs hit the cache")
}

func TestRunStage_DifferentResearchMissesCache(t *testing.T) {
	client := &scriptedClient{text: "draft"}
	exec := newTestExecutor(client, nil)

	_, err := exec.RunStage(context.Background(), Stages[StageDraft], Inputs{Question: "q", Research: "a"})
	require.NoError(t, err)
	_, err = exec.RunStage(context.Background(), Stages[StageDraft], Inputs{Question: "q", Research: "b"})
	require.NoError(t, err)

	assert.Equal(t, 2, client.calls)
}

func TestRunStage_TailorNeverCached(t *testing.T) {
	client := &scriptedClient{text: "tailored answer"}
	exec := newTestExecutor(client, nil)

	in := Inputs{Question: "q", Draft: "d", Instructions: "formal tone", Documents: "docs"}
	for i := 0; i < 2; i++ {
		res, err := exec.RunStage(context.Background(), Stages[StageTailor], in)
		require.NoError(t, err)
		assert.False(t, res.CacheHit)
	}
	assert.Equal(t, 2, client.calls, "tailored responses are always generated fresh")
}

func TestRunStage_PromptSubstitution(t *testing.T) {
	client := &scriptedClient{text: "out"}
	exec := newTestExecutor(client, nil)

	in := Inputs{
		Question:     "What encryption is used?",
		Draft:        "AES-256 everywhere.",
		Instructions: "Answer as Acme Corp.",
		Documents:    "SOC2 report excerpt",
	}
	res, err := exec.RunStage(context.Background(), Stages[StageTailor], in)
	require.NoError(t, err)

	for _, want := range []string{in.Question, in.Draft, in.Instructions, in.Documents} {
		assert.Contains(t, res.Prompt, want)
	}
	require.Len(t, client.reqs, 1)
	assert.Equal(t, res.Prompt, client.reqs[0].UserPrompt)
	assert.NotEmpty(t, client.reqs[0].SystemPrompt)
}

func TestRunStage_EmptyOutputIsError(t *testing.T) {
	client := &scriptedClient{text: ""}
	exec := newTestExecutor(client, nil)

	_, err := exec.RunStage(context.Background(), Stages[StageTailor], Inputs{Question: "q"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty output")
}

func TestRunStage_ResearchChunksReachableReferences(t *testing.T) {
	page := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusOK)
			return
		}
		_, _ = w.Write([]byte("<html><body><main><p>Encryption keys rotate every 90 days.</p></main></body></html>"))
	}))
	defer page.Close()

	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer dead.Close()

	client := &scriptedClient{text: fmt.Sprintf(
		"%s — key rotation policy\n%s — removed page", page.URL, dead.URL)}
	chunks := newMemChunkStore()
	exec := newTestExecutor(client, chunks)

	res, err := exec.RunStage(context.Background(), Stages[StageResearch], Inputs{Question: "How are keys managed?"})
	require.NoError(t, err)
	require.Len(t, res.Links, 2)

	byURL := map[string]links.Outcome{}
	for _, l := range res.Links {
		byURL[l.URL] = l.Outcome
	}
	assert.Equal(t, links.OutcomeValid, byURL[page.URL])
	assert.Equal(t, links.OutcomeInvalid, byURL[dead.URL])

	assert.NotEmpty(t, chunks.chunks[page.URL], "reachable reference is chunked")
	assert.Empty(t, chunks.chunks[dead.URL], "unreachable reference is not fetched")
}

func TestRunStage_ResearchCacheHitSkipsProbing(t *testing.T) {
	client := &scriptedClient{text: "no urls here"}
	exec := newTestExecutor(client, newMemChunkStore())

	in := Inputs{Question: "q"}
	_, err := exec.RunStage(context.Background(), Stages[StageResearch], in)
	require.NoError(t, err)

	res, err := exec.RunStage(context.Background(), Stages[StageResearch], in)
	require.NoError(t, err)
	assert.True(t, res.CacheHit)
	assert.Empty(t, res.Links)
}

func TestStageByIndex(t *testing.T) {
	s, ok := StageByIndex(StageResearch)
	require.True(t, ok)
	assert.Equal(t, "Reference Research", s.Name)

	_, ok = StageByIndex(3)
	assert.False(t, ok)
	_, ok = StageByIndex(-1)
	assert.False(t, ok)
}
