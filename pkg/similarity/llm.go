package similarity

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/engramdb/engram/pkg/llm"
	"github.com/engramdb/engram/pkg/store"
)

// relationshipPrompt is the prompt template for pairwise classification.
const relationshipPrompt = `You are a memory curation assistant for an AI agent.

Two stored memories are similar enough that their relationship needs to be
classified. Decide how memory A relates to memory B:
- "agrees": they state compatible facts or preferences
- "contradicts": they cannot both be true or both be followed
- "refines": one is a more specific or updated version of the other
- "unrelated": the similarity is superficial

Memory A (created %s):
---
%s
---

Memory B (created %s):
---
%s
---

Return ONLY valid JSON:
{"relationship": "agrees|contradicts|refines|unrelated", "confidence": 0.0, "explanation": "..."}`

// LLMClassifier implements Classifier on a completion client.
type LLMClassifier struct {
	LLM llm.Client
}

// NewLLMClassifier creates a classifier backed by the given client.
func NewLLMClassifier(client llm.Client) *LLMClassifier {
	return &LLMClassifier{LLM: client}
}

type relationshipResult struct {
	Relationship string  `json:"relationship"`
	Confidence   float64 `json:"confidence"`
	Explanation  string  `json:"explanation"`
}

// Classify asks the model how two memories relate.
func (c *LLMClassifier) Classify(ctx context.Context, a, b store.MemorySnapshot) (Classification, error) {
	prompt := fmt.Sprintf(relationshipPrompt,
		formatCreatedAt(a.CreatedAt), a.Content,
		formatCreatedAt(b.CreatedAt), b.Content)

	var result relationshipResult
	if err := c.LLM.CompleteWithSchema(ctx, prompt, &result); err != nil {
		return Classification{}, fmt.Errorf("classify relationship: %w", err)
	}

	rel := Relationship(strings.ToLower(strings.TrimSpace(result.Relationship)))
	switch rel {
	case RelAgrees, RelContradicts, RelRefines, RelUnrelated:
	default:
		return Classification{}, fmt.Errorf("classifier returned unknown relationship %q", result.Relationship)
	}
	if result.Confidence < 0 || result.Confidence > 1 {
		return Classification{}, fmt.Errorf("classifier returned confidence %v outside [0,1]", result.Confidence)
	}

	return Classification{
		Relationship: rel,
		Confidence:   result.Confidence,
		Explanation:  strings.TrimSpace(result.Explanation),
	}, nil
}

// semanticPrompt is the prompt template for semantic edge extraction.
const semanticPrompt = `You are a memory curation assistant for an AI agent.

Given a new memory and a list of recent memories, identify typed relationships.
Allowed types:
- caused_by: the new memory describes an effect of another memory's cause
- prefers_over: the new memory expresses a preference over another's subject
- depends_on: the new memory depends on something another memory establishes
- specializes: the new memory narrows another memory's general statement
- conditional_on: the new memory only applies under a condition; use a short
  normalized condition key like "time:morning" or "env:production" instead of
  a target memory

New memory (id %s):
---
%s
---

Recent memories:
%s

For each relationship set "direction" to "from_new" when the new memory is the
source and "to_new" when it is the target. Only report relationships you are
confident about.

Return ONLY valid JSON:
{"edges": [{"type": "...", "targetMemoryId": "...", "conditionKey": "", "direction": "from_new|to_new", "confidence": 0.0, "evidence": "..."}]}`

// LLMExtractor implements Extractor on a completion client.
type LLMExtractor struct {
	LLM llm.Client
}

// NewLLMExtractor creates a semantic extractor backed by the given client.
func NewLLMExtractor(client llm.Client) *LLMExtractor {
	return &LLMExtractor{LLM: client}
}

type semanticResult struct {
	Edges []struct {
		Type           string  `json:"type"`
		TargetMemoryID string  `json:"targetMemoryId"`
		ConditionKey   string  `json:"conditionKey"`
		Direction      string  `json:"direction"`
		Confidence     float64 `json:"confidence"`
		Evidence       string  `json:"evidence"`
	} `json:"edges"`
}

// ExtractEdges asks the model for semantic relationships between the new
// memory and the recent window.
func (x *LLMExtractor) ExtractEdges(ctx context.Context, mem store.MemorySnapshot, recent []store.MemorySnapshot) ([]SemanticEdge, error) {
	if len(recent) == 0 {
		return nil, nil
	}

	var sb strings.Builder
	for _, r := range recent {
		fmt.Fprintf(&sb, "- id %s (created %s): %s\n", r.ID, formatCreatedAt(r.CreatedAt), r.Content)
	}
	prompt := fmt.Sprintf(semanticPrompt, mem.ID, mem.Content, sb.String())

	var result semanticResult
	if err := x.LLM.CompleteWithSchema(ctx, prompt, &result); err != nil {
		return nil, fmt.Errorf("extract semantic edges: %w", err)
	}

	edges := make([]SemanticEdge, 0, len(result.Edges))
	for _, e := range result.Edges {
		direction := EdgeDirection(strings.TrimSpace(e.Direction))
		if direction != FromNew && direction != ToNew {
			direction = FromNew
		}
		edges = append(edges, SemanticEdge{
			Type:           store.EdgeType(strings.ToLower(strings.TrimSpace(e.Type))),
			TargetMemoryID: strings.TrimSpace(e.TargetMemoryID),
			ConditionKey:   strings.TrimSpace(e.ConditionKey),
			Direction:      direction,
			Confidence:     e.Confidence,
			Evidence:       strings.TrimSpace(e.Evidence),
		})
	}
	return edges, nil
}

func formatCreatedAt(t time.Time) string {
	if t.IsZero() {
		return "unknown"
	}
	return t.Format(time.RFC3339)
}
