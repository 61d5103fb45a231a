package text

import (
	"crypto/sha256"
	"fmt"
	"strings"

	"clinrag/backend/internal/extract"
)

// UnitRef points back at a contributing ContentUnit's position, for
// citation resolution.
type UnitRef struct {
	Page    int    `json:"page"`
	Locator string `json:"locator,omitempty"`
}

// Chunk is one retrieval unit. Its ID is content-addressed: identical
// content at the same position yields the same ID regardless of which
// extraction pass produced it, so re-ingestion is idempotent.
type Chunk struct {
	ID          string
	SourceID    string
	Version     int
	Pass        extract.Pass
	Index       int
	Text        string
	ContentHash string
	Length      int
	SectionPath string
	Kind        extract.BlockKind
	Units       []UnitRef
}

// Span reports the page range the chunk covers and the locator of its
// first unit.
func (c Chunk) Span() (pageFirst, pageLast int, locator string) {
	if len(c.Units) == 0 {
		return 0, 0, ""
	}
	first, last := c.Units[0], c.Units[len(c.Units)-1]
	return first.Page, last.Page, first.Locator
}

type Chunker struct {
	MinChars     int
	MaxChars     int
	OverlapChars int
}

func NewChunker(minChars, maxChars, overlapChars int) *Chunker {
	return &Chunker{MinChars: minChars, MaxChars: maxChars, OverlapChars: overlapChars}
}

// Chunk greedily accumulates consecutive units into [min,max]-sized
// chunks. Chunks break at section boundaries; an undersized chunk at a
// boundary may run over by one unit instead. Tables and figure captions
// are never split and may stand alone even when undersized. The overlap
// tail of the previous chunk is prepended to the next chunk's text but is
// excluded from the identity hash.
func (c *Chunker) Chunk(units []extract.ContentUnit) []Chunk {
	var chunks []Chunk
	var cur builder

	flush := func() {
		if cur.len() == 0 {
			return
		}
		chunks = append(chunks, cur.build(len(chunks)))
		cur = builder{}
	}

	for i := 0; i < len(units); i++ {
		u := units[i]

		if u.Kind.Atomic() {
			if cur.len() > 0 && cur.len()+len(u.Text) > c.MaxChars {
				flush()
			}
			cur.add(u)
			// Atomic content stays whole; close the chunk here so a
			// following unit can never split it retroactively.
			if cur.units[0].Kind.Atomic() && len(cur.units) == 1 {
				flush()
			}
			continue
		}

		if cur.len() > 0 {
			sectionChanged := u.SectionPath != cur.section()
			wouldOverflow := cur.len()+len(u.Text)+1 > c.MaxChars

			if sectionChanged {
				if cur.len() < c.MinChars && !wouldOverflow {
					// Run over the boundary by one unit rather than emit
					// an undersized chunk.
					cur.add(u)
					flush()
					continue
				}
				flush()
			} else if wouldOverflow {
				flush()
			}
		}

		cur.add(u)
	}
	flush()

	if c.OverlapChars > 0 {
		c.applyOverlap(chunks)
	}
	return chunks
}

// applyOverlap prepends the tail of each chunk's primary text to the next
// chunk. IDs and content hashes were computed before this step and cover
// primary content only.
func (c *Chunker) applyOverlap(chunks []Chunk) {
	for i := 1; i < len(chunks); i++ {
		prev := chunks[i-1].Text
		if n := len(prev); n > c.OverlapChars {
			prev = prev[n-c.OverlapChars:]
		}
		// Cut at a word boundary so the overlap does not open mid-word.
		if idx := strings.IndexAny(prev, " \n"); idx >= 0 && idx < len(prev)-1 {
			prev = prev[idx+1:]
		}
		chunks[i].Text = prev + "\n" + chunks[i].Text
		chunks[i].Length = len(chunks[i].Text)
	}
}

// ChunkID derives the deterministic chunk id from source identity, the
// position span of the contributing units, and the primary content hash.
func ChunkID(sourceID string, first, last UnitRef, contentHash string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%d:%s|%d:%s|%s", sourceID, first.Page, first.Locator, last.Page, last.Locator, contentHash)
	return fmt.Sprintf("%x", h.Sum(nil))
}

type builder struct {
	units []extract.ContentUnit
	text  strings.Builder
}

func (b *builder) len() int { return b.text.Len() }

func (b *builder) section() string {
	if len(b.units) == 0 {
		return ""
	}
	return b.units[0].SectionPath
}

func (b *builder) add(u extract.ContentUnit) {
	if b.text.Len() > 0 {
		b.text.WriteString("\n")
	}
	b.text.WriteString(u.Text)
	b.units = append(b.units, u)
}

func (b *builder) build(index int) Chunk {
	text := b.text.String()
	contentHash := fmt.Sprintf("%x", sha256.Sum256([]byte(text)))

	refs := make([]UnitRef, len(b.units))
	for i, u := range b.units {
		refs[i] = UnitRef{Page: u.Page, Locator: u.Locator}
	}

	kind := extract.KindParagraph
	if len(b.units) == 1 && b.units[0].Kind.Atomic() {
		kind = b.units[0].Kind
	}

	return Chunk{
		ID:          ChunkID(b.units[0].SourceID, refs[0], refs[len(refs)-1], contentHash),
		SourceID:    b.units[0].SourceID,
		Index:       index,
		Text:        text,
		ContentHash: contentHash,
		Length:      len(text),
		SectionPath: b.units[0].SectionPath,
		Kind:        kind,
		Units:       refs,
	}
}
