package extract

import (
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
)

// ErrMissingLocator marks a block without usable positional metadata.
// Such blocks are skipped and logged; they never fail the document.
var ErrMissingLocator = errors.New("block missing positional metadata")

// boilerplateMinPages is the number of distinct pages a line must repeat on
// before it is treated as a running header or footer.
const boilerplateMinPages = 3

var whitespaceRe = regexp.MustCompile(`[ \t]+`)

// Normalizer converts raw extraction-backend blocks into ordered
// ContentUnits, tracking section headings and stripping page boilerplate.
type Normalizer struct{}

func NewNormalizer() *Normalizer {
	return &Normalizer{}
}

// Normalize returns the normalized units in input order and the number of
// blocks skipped for malformed positional metadata.
func (n *Normalizer) Normalize(sourceID string, blocks []RawBlock) ([]ContentUnit, int) {
	boiler := detectBoilerplate(blocks)

	var units []ContentUnit
	var headings []heading
	skipped := 0

	for i, b := range blocks {
		if err := validateBlock(b); err != nil {
			slog.Warn("skipping malformed block", "source_id", sourceID, "index", i, "error", err)
			skipped++
			continue
		}

		if b.HeadingLevel > 0 {
			headings = pushHeading(headings, heading{level: b.HeadingLevel, title: collapseWhitespace(b.Text)})
			continue
		}

		text := b.Text
		if b.Kind == KindTable && len(b.Rows) > 0 {
			text = serializeTable(b.Rows)
		} else {
			text = stripBoilerplate(text, boiler)
			text = collapseWhitespace(text)
		}
		if text == "" {
			continue
		}

		units = append(units, ContentUnit{
			Kind:        b.Kind,
			Text:        text,
			SourceID:    sourceID,
			SectionPath: sectionPath(headings),
			Page:        b.Page,
			Locator:     b.Locator,
			Confidence:  b.Confidence,
		})
	}

	return units, skipped
}

func validateBlock(b RawBlock) error {
	if !b.Kind.Valid() {
		return fmt.Errorf("unknown block kind %q", b.Kind)
	}
	if b.Page <= 0 && b.Locator == "" {
		return fmt.Errorf("%w: kind=%s", ErrMissingLocator, b.Kind)
	}
	return nil
}

type heading struct {
	level int
	title string
}

// pushHeading maintains the smallest-enclosing-heading stack: a new heading
// pops every heading at the same or deeper level before it is pushed.
func pushHeading(stack []heading, h heading) []heading {
	for len(stack) > 0 && stack[len(stack)-1].level >= h.level {
		stack = stack[:len(stack)-1]
	}
	return append(stack, h)
}

func sectionPath(stack []heading) string {
	if len(stack) == 0 {
		return ""
	}
	parts := make([]string, len(stack))
	for i, h := range stack {
		parts[i] = h.title
	}
	return strings.Join(parts, " > ")
}

// detectBoilerplate finds short lines that repeat across enough distinct
// pages to count as running headers or footers.
func detectBoilerplate(blocks []RawBlock) map[string]bool {
	pagesByLine := make(map[string]map[int]bool)
	for _, b := range blocks {
		if b.Page <= 0 {
			continue
		}
		for _, line := range strings.Split(b.Text, "\n") {
			line = strings.TrimSpace(line)
			if line == "" || len(line) > 120 {
				continue
			}
			if pagesByLine[line] == nil {
				pagesByLine[line] = make(map[int]bool)
			}
			pagesByLine[line][b.Page] = true
		}
	}

	boiler := make(map[string]bool)
	for line, pages := range pagesByLine {
		if len(pages) >= boilerplateMinPages {
			boiler[line] = true
		}
	}
	return boiler
}

func stripBoilerplate(text string, boiler map[string]bool) string {
	if len(boiler) == 0 {
		return text
	}
	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if boiler[strings.TrimSpace(line)] {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}

func collapseWhitespace(text string) string {
	lines := strings.Split(text, "\n")
	var out []string
	blank := false
	for _, line := range lines {
		line = strings.TrimSpace(whitespaceRe.ReplaceAllString(line, " "))
		if line == "" {
			blank = true
			continue
		}
		if blank && len(out) > 0 {
			out = append(out, "")
		}
		blank = false
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

// serializeTable renders rows as pipe-separated lines, first row treated as
// the header. Tables are kept as text rather than dropped.
func serializeTable(rows [][]string) string {
	var b strings.Builder
	for i, row := range rows {
		cells := make([]string, len(row))
		for j, c := range row {
			cells[j] = collapseWhitespace(strings.ReplaceAll(c, "\n", " "))
		}
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(strings.Join(cells, " | "))
	}
	return b.String()
}
