package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize_SectionPathFollowsHeadingStack(t *testing.T) {
	n := NewNormalizer()

	blocks := []RawBlock{
		{Kind: KindParagraph, Text: "Breast Cancer", Page: 1, HeadingLevel: 1},
		{Kind: KindParagraph, Text: "Workup", Page: 1, HeadingLevel: 2},
		{Kind: KindParagraph, Text: "Order a bilateral mammogram.", Page: 1},
		{Kind: KindParagraph, Text: "Treatment", Page: 2, HeadingLevel: 2},
		{Kind: KindParagraph, Text: "Consider neoadjuvant therapy.", Page: 2},
		{Kind: KindParagraph, Text: "Ovarian Cancer", Page: 3, HeadingLevel: 1},
		{Kind: KindParagraph, Text: "Staging follows FIGO.", Page: 3},
	}

	units, skipped := n.Normalize("src-1", blocks)

	assert.Equal(t, 0, skipped)
	if assert.Len(t, units, 3) {
		assert.Equal(t, "Breast Cancer > Workup", units[0].SectionPath)
		assert.Equal(t, "Breast Cancer > Treatment", units[1].SectionPath)
		// A new level-1 heading pops the whole stack.
		assert.Equal(t, "Ovarian Cancer", units[2].SectionPath)
	}
}

func TestNormalize_SkipsMalformedBlocks(t *testing.T) {
	n := NewNormalizer()

	blocks := []RawBlock{
		{Kind: "sidebar", Text: "unknown kind", Page: 1},
		{Kind: KindParagraph, Text: "no position at all"},
		{Kind: KindParagraph, Text: "kept, has locator", Locator: "BINV-1"},
		{Kind: KindParagraph, Text: "kept, has page", Page: 2},
	}

	units, skipped := n.Normalize("src-1", blocks)

	assert.Equal(t, 2, skipped)
	assert.Len(t, units, 2)
}

func TestNormalize_StripsRepeatedBoilerplate(t *testing.T) {
	n := NewNormalizer()

	footer := "NCCN Guidelines Version 3.2025"
	blocks := []RawBlock{
		{Kind: KindParagraph, Text: "First page content.\n" + footer, Page: 1},
		{Kind: KindParagraph, Text: "Second page content.\n" + footer, Page: 2},
		{Kind: KindParagraph, Text: footer + "\nThird page content.", Page: 3},
	}

	units, _ := n.Normalize("src-1", blocks)

	if assert.Len(t, units, 3) {
		for _, u := range units {
			assert.NotContains(t, u.Text, footer)
		}
	}
}

func TestNormalize_BoilerplateNeedsThreePages(t *testing.T) {
	n := NewNormalizer()

	line := "Possibly a header"
	blocks := []RawBlock{
		{Kind: KindParagraph, Text: "Content one.\n" + line, Page: 1},
		{Kind: KindParagraph, Text: "Content two.\n" + line, Page: 2},
	}

	units, _ := n.Normalize("src-1", blocks)

	if assert.Len(t, units, 2) {
		assert.Contains(t, units[0].Text, line)
	}
}

func TestNormalize_SerializesTableRows(t *testing.T) {
	n := NewNormalizer()

	blocks := []RawBlock{
		{
			Kind: KindTable,
			Page: 4,
			Rows: [][]string{
				{"Regimen", "Dose"},
				{"AC", "60 mg/m2"},
			},
		},
	}

	units, _ := n.Normalize("src-1", blocks)

	if assert.Len(t, units, 1) {
		assert.Equal(t, KindTable, units[0].Kind)
		assert.Equal(t, "Regimen | Dose\nAC | 60 mg/m2", units[0].Text)
	}
}

func TestNormalize_CollapsesWhitespace(t *testing.T) {
	n := NewNormalizer()

	blocks := []RawBlock{
		{Kind: KindParagraph, Text: "Line  with\tgaps\n\n\n\nNext   paragraph", Page: 1},
	}

	units, _ := n.Normalize("src-1", blocks)

	if assert.Len(t, units, 1) {
		assert.Equal(t, "Line with gaps\n\nNext paragraph", units[0].Text)
	}
}

func TestNormalize_DropsEmptyBlocks(t *testing.T) {
	n := NewNormalizer()

	blocks := []RawBlock{
		{Kind: KindParagraph, Text: "   \n\t\n", Page: 1},
	}

	units, skipped := n.Normalize("src-1", blocks)

	assert.Equal(t, 0, skipped)
	assert.Empty(t, units)
}

func TestPassRank(t *testing.T) {
	assert.Greater(t, PassAutomated.Rank(), PassInteractive.Rank())
	assert.Equal(t, 0, Pass("unknown").Rank())
}
