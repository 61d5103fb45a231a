package answer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"clinrag/backend/internal/retrieval"
	"clinrag/backend/internal/retry"
)

type fakeGenerator struct {
	responses []string
	prompts   []string
	err       error
}

func (f *fakeGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	f.prompts = append(f.prompts, prompt)
	if f.err != nil {
		return "", f.err
	}
	idx := len(f.prompts) - 1
	if idx >= len(f.responses) {
		idx = len(f.responses) - 1
	}
	return f.responses[idx], nil
}

func testResult() retrieval.Result {
	return retrieval.Result{
		Items: []retrieval.Hit{
			{ChunkID: "c1", Content: "Tamoxifen 20 mg daily for 5 years.", SourceID: "src-1", Version: 1, SectionPath: "Breast > Treatment", PageFirst: 3, PageLast: 3, Locator: "BINV-5"},
			{ChunkID: "c2", Content: "Annual mammography after treatment.", SourceID: "src-1", Version: 1, SectionPath: "Breast > Follow-up", PageFirst: 7, PageLast: 7},
		},
		TotalChars: 70,
	}
}

func testPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 1, BaseDelay: time.Millisecond}
}

func TestAnswer_ResolvesCitations(t *testing.T) {
	gen := &fakeGenerator{responses: []string{"Take tamoxifen for 5 years [S1]. Then screen annually [S2]."}}
	a := New(gen, testPolicy(), true)

	ans, err := a.Answer(context.Background(), "what is the adjuvant therapy?", testResult())

	assert.NoError(t, err)
	assert.False(t, ans.Unverified)
	if assert.Len(t, ans.Citations, 2) {
		assert.Equal(t, "[S1]", ans.Citations[0].Marker)
		assert.Equal(t, "BINV-5", ans.Citations[0].Locator)
		assert.Equal(t, "[S2]", ans.Citations[1].Marker)
		assert.Equal(t, "Breast > Follow-up", ans.Citations[1].SectionPath)
	}
	assert.Len(t, gen.prompts, 1)
	assert.Contains(t, gen.prompts[0], "[S1] (src-1, Breast > Treatment, page 3)")
	assert.Contains(t, gen.prompts[0], "what is the adjuvant therapy?")
}

func TestAnswer_RepeatedMarkerCitedOnce(t *testing.T) {
	gen := &fakeGenerator{responses: []string{"Tamoxifen [S1] is standard [S1]."}}
	a := New(gen, testPolicy(), true)

	ans, err := a.Answer(context.Background(), "q", testResult())

	assert.NoError(t, err)
	assert.Len(t, ans.Citations, 1)
}

func TestAnswer_EmptyResultShortCircuits(t *testing.T) {
	gen := &fakeGenerator{responses: []string{"should never be called"}}
	a := New(gen, testPolicy(), true)

	ans, err := a.Answer(context.Background(), "q", retrieval.Result{})

	assert.NoError(t, err)
	assert.Equal(t, InsufficientContextAnswer, ans.Text)
	assert.Empty(t, ans.Citations)
	assert.Empty(t, gen.prompts)
}

func TestAnswer_StrictRepromptRecovers(t *testing.T) {
	gen := &fakeGenerator{responses: []string{
		"Tamoxifen is standard of care.", // no citations
		"Tamoxifen is standard of care [S1].",
	}}
	a := New(gen, testPolicy(), true)

	ans, err := a.Answer(context.Background(), "q", testResult())

	assert.NoError(t, err)
	assert.Len(t, ans.Citations, 1)
	if assert.Len(t, gen.prompts, 2) {
		assert.Contains(t, gen.prompts[1], "cited no sources")
	}
}

func TestAnswer_StrictRepromptStillUngrounded(t *testing.T) {
	gen := &fakeGenerator{responses: []string{
		"See reference [S9].",
		"Still citing nothing valid [S7].",
	}}
	a := New(gen, testPolicy(), true)

	_, err := a.Answer(context.Background(), "q", testResult())

	var violation *GroundingViolation
	if assert.ErrorAs(t, err, &violation) {
		assert.Equal(t, []string{"[S7]"}, violation.InvalidMarkers)
	}
	if assert.Len(t, gen.prompts, 2) {
		assert.Contains(t, gen.prompts[1], "[S9]")
	}
}

func TestAnswer_LenientModeAnnotatesUnverified(t *testing.T) {
	gen := &fakeGenerator{responses: []string{"No citations here."}}
	a := New(gen, testPolicy(), false)

	ans, err := a.Answer(context.Background(), "q", testResult())

	assert.NoError(t, err)
	assert.True(t, ans.Unverified)
	assert.Equal(t, "No citations here.", ans.Text)
	assert.Len(t, gen.prompts, 1)
}

func TestAnswer_ModelRefusalPassesThrough(t *testing.T) {
	gen := &fakeGenerator{responses: []string{InsufficientContextAnswer}}
	a := New(gen, testPolicy(), true)

	ans, err := a.Answer(context.Background(), "q", testResult())

	assert.NoError(t, err)
	assert.Equal(t, InsufficientContextAnswer, ans.Text)
	assert.Empty(t, ans.Citations)
	assert.Len(t, gen.prompts, 1)
}

func TestAnswer_GenerationErrorPropagates(t *testing.T) {
	gen := &fakeGenerator{err: errors.New("model unavailable")}
	a := New(gen, testPolicy(), true)

	_, err := a.Answer(context.Background(), "q", testResult())
	assert.Error(t, err)
}

func TestAnswer_InvalidMarkerOutOfRange(t *testing.T) {
	gen := &fakeGenerator{responses: []string{
		"Good fact [S1] but also [S3].",
		"Good fact [S1] and [S2].",
	}}
	a := New(gen, testPolicy(), true)

	ans, err := a.Answer(context.Background(), "q", testResult())

	assert.NoError(t, err)
	assert.Len(t, ans.Citations, 2)
	assert.Len(t, gen.prompts, 2)
}
