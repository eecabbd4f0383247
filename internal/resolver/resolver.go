// Package resolver rewrites a row's question into a self-contained form by
// detecting references to earlier rows. Resolution failures never block row
// processing: the fallback is always the original question.
package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/adrian/answerforge/internal/llm"
	"github.com/adrian/answerforge/internal/prompts"
	"github.com/adrian/answerforge/internal/schemas"
)

// Resolution is the structured result of resolving one row.
// ReferencedRowIndices are 1-based row numbers, matching how rows are shown
// to the user.
type Resolution struct {
	ResolvedQuestion     string `json:"resolved_question"`
	HasReferences        bool   `json:"has_references"`
	ReferencedRowIndices []int  `json:"referenced_row_indices"`
	Reasoning            string `json:"reasoning"`
}

// resolutionSchema enforces the backend's structured contract. A response
// missing any required field is a malformed-output failure.
const resolutionSchema = `{
	"type": "object",
	"required": ["resolved_question", "has_references", "referenced_row_indices", "reasoning"],
	"properties": {
		"resolved_question": {"type": "string"},
		"has_references": {"type": "boolean"},
		"referenced_row_indices": {"type": "array", "items": {"type": "integer"}},
		"reasoning": {"type": "string"}
	}
}`

// Resolver detects cross-row references using the generation backend.
type Resolver struct {
	client llm.Client
	config *llm.Config
}

// New creates a Resolver.
func New(client llm.Client, config *llm.Config) *Resolver {
	if config == nil {
		config = llm.DefaultConfig()
	}
	return &Resolver{client: client, config: config}
}

// Resolve produces a self-contained question for the row at rowIndex
// (zero-based) given all of the job's questions in order. The first row
// always resolves to itself. Any backend error or malformed response falls
// back to the original question with the failure named in Reasoning.
func (r *Resolver) Resolve(ctx context.Context, questions []string, rowIndex int) *Resolution {
	question := questions[rowIndex]

	if rowIndex == 0 {
		return &Resolution{
			ResolvedQuestion: question,
			HasReferences:    false,
			Reasoning:        "first row has no prior context",
		}
	}

	prior := make([]string, 0, rowIndex)
	for i := 0; i < rowIndex; i++ {
		prior = append(prior, fmt.Sprintf("%d. %s", i+1, questions[i]))
	}

	system := prompts.MustGet("resolver.json", "resolve-context-system")
	user := prompts.Format(prompts.MustGet("resolver.json", "resolve-context"), map[string]string{
		"PRIOR_QUESTIONS": strings.Join(prior, "\n"),
		"ROW_NUMBER":      fmt.Sprintf("%d", rowIndex+1),
		"QUESTION":        question,
	})

	result, err := r.client.Generate(ctx, llm.GenerateRequest{
		Model:        r.config.GetModel(llm.TierLite),
		SystemPrompt: system,
		UserPrompt:   user,
		Temperature:  0.1,
		JSON:         true,
	})
	if err != nil {
		return fallback(question, fmt.Sprintf("context resolution failed: %v", err))
	}

	text := llm.CleanJSONBlock(result.Text)
	if err := schemas.ValidateJSONString(resolutionSchema, text); err != nil {
		return fallback(question, fmt.Sprintf("context resolution returned malformed response: %v", err))
	}

	var res Resolution
	if err := json.Unmarshal([]byte(text), &res); err != nil {
		return fallback(question, fmt.Sprintf("context resolution returned unparseable JSON: %v", err))
	}

	// Keep only row numbers that are strictly earlier than this row.
	var refs []int
	for _, idx := range res.ReferencedRowIndices {
		if idx >= 1 && idx <= rowIndex {
			refs = append(refs, idx)
		}
	}
	res.ReferencedRowIndices = refs

	if !res.HasReferences || strings.TrimSpace(res.ResolvedQuestion) == "" {
		res.ResolvedQuestion = question
	}
	if !res.HasReferences {
		res.ReferencedRowIndices = nil
	}

	return &res
}

// fallback builds the never-block identity resolution.
func fallback(question, reasoning string) *Resolution {
	return &Resolution{
		ResolvedQuestion: question,
		HasReferences:    false,
		Reasoning:        reasoning,
	}
}
