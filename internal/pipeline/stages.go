// Package pipeline executes the fixed three-stage generation sequence for a
// single row: reference research, generic draft, tailored response.
package pipeline

import "github.com/adrian/answerforge/internal/llm"

// Stage indices. Order is fixed; a later stage consumes earlier outputs.
const (
	StageResearch = 0
	StageDraft    = 1
	StageTailor   = 2
)

// StageCount is the number of stages every row passes through.
const StageCount = 3

// Stage describes one step of the sequence.
type Stage struct {
	Index       int
	Name        string
	SystemKey   string
	UserKey     string
	Tier        llm.ModelTier
	Temperature float32
	MaxTokens   int32
	// Cacheable stages share outputs across rows and jobs. The tailored
	// stage depends on per-job instructions and documents and is always
	// generated fresh.
	Cacheable bool
}

// Stages holds the pipeline definition in execution order.
var Stages = [StageCount]Stage{
	{
		Index:       StageResearch,
		Name:        "Reference Research",
		SystemKey:   "reference-research-system",
		UserKey:     "reference-research",
		Tier:        llm.TierStandard,
		Temperature: 0.3,
		MaxTokens:   2048,
		Cacheable:   true,
	},
	{
		Index:       StageDraft,
		Name:        "Generic Draft Generation",
		SystemKey:   "generic-draft-system",
		UserKey:     "generic-draft",
		Tier:        llm.TierAdvanced,
		Temperature: 0.7,
		MaxTokens:   4096,
		Cacheable:   true,
	},
	{
		Index:       StageTailor,
		Name:        "Tailored Response",
		SystemKey:   "tailored-response-system",
		UserKey:     "tailored-response",
		Tier:        llm.TierAdvanced,
		Temperature: 0.7,
		MaxTokens:   4096,
		Cacheable:   false,
	},
}

// StageByIndex returns the stage definition for an index.
func StageByIndex(index int) (Stage, bool) {
	if index < 0 || index >= StageCount {
		return Stage{}, false
	}
	return Stages[index], true
}
