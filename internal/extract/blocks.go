package extract

// BlockKind is a closed enum for the shapes the extraction backend can
// produce. Downstream code branches on this tag, never on record shape.
type BlockKind string

const (
	KindParagraph     BlockKind = "paragraph"
	KindTable         BlockKind = "table"
	KindFigureCaption BlockKind = "figure-caption"
	KindImageText     BlockKind = "image-text"
)

func (k BlockKind) Valid() bool {
	switch k {
	case KindParagraph, KindTable, KindFigureCaption, KindImageText:
		return true
	}
	return false
}

// Atomic kinds are never split across chunks and may stand alone even when
// undersized.
func (k BlockKind) Atomic() bool {
	return k == KindTable || k == KindFigureCaption
}

// Pass identifies which extraction pipeline produced a document.
type Pass string

const (
	PassInteractive Pass = "interactive"
	PassAutomated   Pass = "automated"
)

func (p Pass) Valid() bool {
	return p == PassInteractive || p == PassAutomated
}

// Rank orders passes by authority. The automated pass supersedes the
// interactive one when both exist for a source.
func (p Pass) Rank() int {
	switch p {
	case PassAutomated:
		return 2
	case PassInteractive:
		return 1
	}
	return 0
}

// RawBlock is one record from the extraction backend. Both passes emit the
// same shape; the normalizer treats them interchangeably.
type RawBlock struct {
	Kind         BlockKind  `json:"kind"`
	Text         string     `json:"text"`
	Page         int        `json:"page"`
	Locator      string     `json:"locator,omitempty"`
	HeadingLevel int        `json:"heading_level,omitempty"`
	Rows         [][]string `json:"rows,omitempty"`
	Confidence   float64    `json:"confidence,omitempty"`
}

// ContentUnit is a normalized block with provenance. Read-only downstream.
type ContentUnit struct {
	Kind        BlockKind
	Text        string
	SourceID    string
	SectionPath string
	Page        int
	Locator     string
	Confidence  float64
}
