package answer

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"clinrag/backend/internal/retrieval"
	"clinrag/backend/internal/retry"
)

// InsufficientContextAnswer is returned verbatim when retrieval produced
// nothing to ground an answer on. The model is not called in that case.
const InsufficientContextAnswer = "The available guideline excerpts do not contain enough information to answer this question."

const refusalInstruction = "If the excerpts do not contain the information needed to answer, reply exactly: " + InsufficientContextAnswer

// GroundingViolation reports an answer that cites no sources or cites
// markers outside the provided context.
type GroundingViolation struct {
	Answer         string
	InvalidMarkers []string
}

func (e *GroundingViolation) Error() string {
	if len(e.InvalidMarkers) > 0 {
		return fmt.Sprintf("grounding violation: unknown citation markers %v", e.InvalidMarkers)
	}
	return "grounding violation: answer cites no sources"
}

// Generator produces text from a prompt. Implemented by the Gemini client.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

type Answer struct {
	Text       string               `json:"text"`
	Citations  []retrieval.Citation `json:"citations"`
	Unverified bool                 `json:"unverified,omitempty"`
}

type Answerer struct {
	generator Generator
	policy    retry.Policy
	strict    bool
}

func New(generator Generator, policy retry.Policy, strict bool) *Answerer {
	return &Answerer{generator: generator, policy: policy, strict: strict}
}

var citationMarker = regexp.MustCompile(`\[S(\d+)\]`)

// Answer generates a grounded answer from retrieved context. Every factual
// statement must carry a [Sn] marker resolving to one of the hits; in
// strict mode an ungrounded answer gets one corrective re-prompt before
// failing with GroundingViolation, otherwise it is returned flagged
// Unverified.
func (a *Answerer) Answer(ctx context.Context, question string, result retrieval.Result) (Answer, error) {
	if result.Empty() {
		return Answer{Text: InsufficientContextAnswer}, nil
	}

	prompt := buildPrompt(question, result.Items, "")
	text, err := a.generate(ctx, prompt)
	if err != nil {
		return Answer{}, err
	}

	cited, invalid := resolveCitations(text, result.Items)
	if len(invalid) == 0 && len(cited) > 0 {
		return Answer{Text: text, Citations: cited}, nil
	}
	if isRefusal(text) {
		return Answer{Text: InsufficientContextAnswer}, nil
	}

	if !a.strict {
		slog.WarnContext(ctx, "answer not grounded, returning unverified",
			"invalid_markers", invalid, "cited", len(cited))
		return Answer{Text: text, Citations: cited, Unverified: true}, nil
	}

	slog.WarnContext(ctx, "answer not grounded, re-prompting",
		"invalid_markers", invalid, "cited", len(cited))
	correction := correctionNote(invalid, len(result.Items))
	text, err = a.generate(ctx, buildPrompt(question, result.Items, correction))
	if err != nil {
		return Answer{}, err
	}
	if isRefusal(text) {
		return Answer{Text: InsufficientContextAnswer}, nil
	}
	cited, invalid = resolveCitations(text, result.Items)
	if len(invalid) > 0 || len(cited) == 0 {
		return Answer{}, &GroundingViolation{Answer: text, InvalidMarkers: invalid}
	}
	return Answer{Text: text, Citations: cited}, nil
}

func (a *Answerer) generate(ctx context.Context, prompt string) (string, error) {
	var text string
	err := a.policy.Do(ctx, func() error {
		var genErr error
		text, genErr = a.generator.Generate(ctx, prompt)
		return genErr
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

func buildPrompt(question string, hits []retrieval.Hit, correction string) string {
	var b strings.Builder
	b.WriteString("You are a clinical guideline assistant. Answer the question using ONLY the guideline excerpts below.\n")
	b.WriteString("Cite every factual statement with the marker of the excerpt it comes from, e.g. [S1].\n")
	b.WriteString("Do not use any knowledge outside the excerpts. ")
	b.WriteString(refusalInstruction)
	b.WriteString("\n\n")

	for i, h := range hits {
		b.WriteString(fmt.Sprintf("[S%d] (%s", i+1, h.SourceID))
		if h.SectionPath != "" {
			b.WriteString(", " + h.SectionPath)
		}
		if h.PageFirst > 0 {
			if h.PageLast > h.PageFirst {
				b.WriteString(fmt.Sprintf(", pages %d-%d", h.PageFirst, h.PageLast))
			} else {
				b.WriteString(fmt.Sprintf(", page %d", h.PageFirst))
			}
		}
		b.WriteString(")\n")
		b.WriteString(h.Content)
		b.WriteString("\n\n")
	}

	if correction != "" {
		b.WriteString(correction)
		b.WriteString("\n\n")
	}

	b.WriteString("Question: ")
	b.WriteString(question)
	b.WriteString("\nAnswer:")
	return b.String()
}

func correctionNote(invalid []string, n int) string {
	if len(invalid) > 0 {
		return fmt.Sprintf("Your previous answer cited %v, which do not exist. Only markers [S1] through [S%d] are valid. Rewrite the answer citing only those.", invalid, n)
	}
	return fmt.Sprintf("Your previous answer cited no sources. Every factual statement must carry a marker from [S1] through [S%d]. Rewrite the answer with citations.", n)
}

// resolveCitations maps the markers present in the answer to citations,
// preserving first-mention order. Markers outside [S1]..[Sn] are invalid.
func resolveCitations(text string, hits []retrieval.Hit) ([]retrieval.Citation, []string) {
	var (
		citations []retrieval.Citation
		invalid   []string
		seen      = make(map[int]bool)
	)
	for _, m := range citationMarker.FindAllStringSubmatch(text, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil || n < 1 || n > len(hits) {
			if !contains(invalid, m[0]) {
				invalid = append(invalid, m[0])
			}
			continue
		}
		if seen[n] {
			continue
		}
		seen[n] = true
		c := hits[n-1].Citation()
		c.Marker = m[0]
		citations = append(citations, c)
	}
	return citations, invalid
}

func isRefusal(text string) bool {
	return strings.Contains(text, InsufficientContextAnswer) ||
		strings.EqualFold(strings.TrimSpace(citationMarker.ReplaceAllString(text, "")), InsufficientContextAnswer)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
