package pipeline

import (
	"context"
	"fmt"

	"github.com/adrian/answerforge/internal/chunking"
	"github.com/adrian/answerforge/internal/db"
	"github.com/adrian/answerforge/internal/fetch"
	"github.com/adrian/answerforge/internal/links"
	"github.com/adrian/answerforge/internal/llm"
	"github.com/adrian/answerforge/internal/prompts"
	"github.com/adrian/answerforge/internal/stagecache"
)

const promptFile = "pipeline.json"

// ChunkStore persists chunked reference pages.
type ChunkStore interface {
	InsertReferenceChunks(ctx context.Context, chunks []db.ReferenceChunk) error
	HasReferenceChunks(ctx context.Context, sourceID string) (bool, error)
}

// Inputs carries everything a stage prompt can draw on. Question is the
// resolved form; Research and Draft are outputs of the earlier stages.
type Inputs struct {
	Question     string
	Research     string
	Draft        string
	Instructions string
	Documents    string
}

// StageResult is the outcome of running one stage for one row.
type StageResult struct {
	Output   string
	Model    string
	Prompt   string
	CacheHit bool
	// Links holds reference probe results for the research stage. It is
	// empty on cache hits; the cached output was already processed.
	Links []links.Result
}

// Executor runs individual stages against the generation backend, consulting
// the shared stage cache for cacheable stages.
type Executor struct {
	client    llm.Client
	config    *llm.Config
	cache     *stagecache.Cache
	validator *links.Validator
	chunks    ChunkStore
	fetchOpts *fetch.Options
}

// NewExecutor creates an Executor. cache is required; chunks may be nil to
// skip reference page chunking.
func NewExecutor(client llm.Client, config *llm.Config, cache *stagecache.Cache, validator *links.Validator, chunks ChunkStore) *Executor {
	if config == nil {
		config = llm.DefaultConfig()
	}
	if validator == nil {
		validator = links.NewValidator(nil)
	}
	return &Executor{
		client:    client,
		config:    config,
		cache:     cache,
		validator: validator,
		chunks:    chunks,
		fetchOpts: fetch.DefaultOptions(),
	}
}

// SetFetchOptions overrides how reference pages are retrieved.
func (e *Executor) SetFetchOptions(opts *fetch.Options) {
	e.fetchOpts = opts
}

// RunStage executes one stage with the given inputs. Cacheable stages are
// served from the shared cache when an identical invocation already ran.
func (e *Executor) RunStage(ctx context.Context, stage Stage, in Inputs) (*StageResult, error) {
	prompt := e.renderPrompt(stage, in)

	if !stage.Cacheable {
		output, model, err := e.generate(ctx, stage, prompt)
		if err != nil {
			return nil, err
		}
		return &StageResult{Output: output, Model: model, Prompt: prompt}, nil
	}

	var probed []links.Result
	cached, err := e.cache.GetOrCompute(ctx, stage.Name, cacheInputs(stage, in), func(ctx context.Context) (*stagecache.ComputeResult, error) {
		output, model, err := e.generate(ctx, stage, prompt)
		if err != nil {
			return nil, err
		}
		if stage.Index == StageResearch {
			probed = e.processReferences(ctx, output)
		}
		return &stagecache.ComputeResult{Output: output, Model: model}, nil
	})
	if err != nil {
		return nil, err
	}

	return &StageResult{
		Output:   cached.Output,
		Model:    cached.Model,
		Prompt:   prompt,
		CacheHit: cached.CacheHit,
		Links:    probed,
	}, nil
}

// generate issues one backend call for a stage.
func (e *Executor) generate(ctx context.Context, stage Stage, prompt string) (output, model string, err error) {
	model = e.config.GetModel(stage.Tier)
	result, err := e.client.Generate(ctx, llm.GenerateRequest{
		Model:        model,
		SystemPrompt: prompts.MustGet(promptFile, stage.SystemKey),
		UserPrompt:   prompt,
		Temperature:  stage.Temperature,
		MaxTokens:    stage.MaxTokens,
	})
	if err != nil {
		return "", model, fmt.Errorf("%s stage failed: %w", stage.Name, err)
	}
	if result.Text == "" {
		return "", model, fmt.Errorf("%s stage returned empty output", stage.Name)
	}
	return result.Text, model, nil
}

// renderPrompt fills the stage's user template from the inputs.
func (e *Executor) renderPrompt(stage Stage, in Inputs) string {
	return prompts.Format(prompts.MustGet(promptFile, stage.UserKey), map[string]string{
		"QUESTION":     in.Question,
		"RESEARCH":     in.Research,
		"DRAFT":        in.Draft,
		"INSTRUCTIONS": in.Instructions,
		"DOCUMENTS":    in.Documents,
	})
}

// cacheInputs lists the inputs that define a cacheable stage's identity.
func cacheInputs(stage Stage, in Inputs) []string {
	switch stage.Index {
	case StageResearch:
		return []string{in.Question}
	case StageDraft:
		return []string{in.Question, in.Research}
	default:
		return nil
	}
}

// processReferences probes the URLs found in fresh research output, then
// fetches and chunks reachable pages that have not been chunked before.
// Everything here is best effort; research output stands regardless.
func (e *Executor) processReferences(ctx context.Context, output string) []links.Result {
	urls := links.ExtractURLs(output)
	if len(urls) == 0 {
		return nil
	}
	results := e.validator.Validate(ctx, urls)
	if e.chunks == nil {
		return results
	}

	for _, r := range results {
		if r.Outcome != links.OutcomeValid {
			continue
		}
		done, err := e.chunks.HasReferenceChunks(ctx, r.URL)
		if err != nil || done {
			continue
		}
		page, err := fetch.Page(ctx, r.URL, e.fetchOpts)
		if err != nil || page.Text == "" {
			continue
		}
		pieces := chunking.Split(page.Text, r.URL)
		stored := make([]db.ReferenceChunk, 0, len(pieces))
		for _, c := range pieces {
			stored = append(stored, db.ReferenceChunk{
				SourceID: c.SourceID,
				Index:    c.Index,
				Text:     c.Text,
				Tokens:   c.Tokens,
				Start:    c.Start,
				End:      c.End,
			})
		}
		_ = e.chunks.InsertReferenceChunks(ctx, stored)
	}
	return results
}
