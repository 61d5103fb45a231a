package dedup

import (
	"hash/fnv"
	"sort"
	"strings"
)

// Fingerprint is an embedding-free near-duplicate signature: the set of
// hashed word shingles of a chunk's text.
type Fingerprint map[uint64]struct{}

// NewFingerprint shingles the normalized words of text with window size w.
// Texts shorter than one shingle hash as a single window.
func NewFingerprint(text string, w int) Fingerprint {
	words := strings.Fields(strings.ToLower(text))
	fp := make(Fingerprint)
	if len(words) == 0 {
		return fp
	}
	if w < 1 {
		w = 1
	}
	if len(words) < w {
		fp[hashShingle(words)] = struct{}{}
		return fp
	}
	for i := 0; i+w <= len(words); i++ {
		fp[hashShingle(words[i:i+w])] = struct{}{}
	}
	return fp
}

func hashShingle(words []string) uint64 {
	h := fnv.New64a()
	for _, word := range words {
		h.Write([]byte(word))
		h.Write([]byte{0})
	}
	return h.Sum64()
}

// Similarity is the Jaccard coefficient of two fingerprints.
func Similarity(a, b Fingerprint) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	small, large := a, b
	if len(small) > len(large) {
		small, large = large, small
	}
	inter := 0
	for s := range small {
		if _, ok := large[s]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

// Item is a deduplication candidate. PassRank orders extraction passes by
// authority; Incumbent marks chunks already stored from a prior run.
type Item struct {
	ID          string
	Text        string
	SectionPath string
	PageFirst   int
	PageLast    int
	PassRank    int
	Incumbent   bool

	fp Fingerprint
}

// Outcome reports which items survived and which were discarded, keyed by
// the survivor that displaced them.
type Outcome struct {
	Survivors []Item
	Discarded []Discard
}

type Discard struct {
	ID         string
	KeptID     string
	Similarity float64
}

type Deduper struct {
	// Threshold is the fingerprint similarity above which two
	// position-overlapping chunks are duplicates.
	Threshold float64
	// ShingleSize is the word-shingle window.
	ShingleSize int
	// PositionFree disables the position-overlap gate. The retriever's
	// secondary pass runs position-free because near-duplicates there come
	// from different documents.
	PositionFree bool
}

func New(threshold float64, shingleSize int) *Deduper {
	return &Deduper{Threshold: threshold, ShingleSize: shingleSize}
}

// Run collapses near-duplicates among items. Of a duplicate pair, the item
// from the more authoritative pass survives; on equal rank the incumbent
// survives, then the earlier item. Tombstoned ids are dropped outright so a
// discarded chunk is never re-admitted by a later run.
func (d *Deduper) Run(items []Item, tombstoned map[string]bool) Outcome {
	var out Outcome

	live := make([]Item, 0, len(items))
	for _, it := range items {
		if tombstoned[it.ID] {
			continue
		}
		it.fp = NewFingerprint(it.Text, d.ShingleSize)
		live = append(live, it)
	}

	// Authoritative items first so survivors are decided in one sweep.
	sort.SliceStable(live, func(i, j int) bool {
		if live[i].PassRank != live[j].PassRank {
			return live[i].PassRank > live[j].PassRank
		}
		return live[i].Incumbent && !live[j].Incumbent
	})

	for _, cand := range live {
		dup := false
		for k := range out.Survivors {
			kept := &out.Survivors[k]
			if cand.ID == kept.ID {
				dup = true
				out.Discarded = append(out.Discarded, Discard{ID: cand.ID, KeptID: kept.ID, Similarity: 1})
				break
			}
			if !d.PositionFree && !overlaps(cand, *kept) {
				continue
			}
			if sim := Similarity(cand.fp, kept.fp); sim > d.Threshold {
				dup = true
				out.Discarded = append(out.Discarded, Discard{ID: cand.ID, KeptID: kept.ID, Similarity: sim})
				break
			}
		}
		if !dup {
			out.Survivors = append(out.Survivors, cand)
		}
	}

	return out
}

// overlaps reports whether two items occupy overlapping page ranges or the
// same section path.
func overlaps(a, b Item) bool {
	if a.SectionPath != "" && a.SectionPath == b.SectionPath {
		return true
	}
	if a.PageFirst == 0 || b.PageFirst == 0 {
		return false
	}
	return a.PageFirst <= b.PageLast && b.PageFirst <= a.PageLast
}
