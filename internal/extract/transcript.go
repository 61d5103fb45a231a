package extract

import (
	"regexp"
	"strconv"
	"strings"
)

// The extraction passes historically wrote their output as framed page
// transcripts. ParseTranscript turns such a file back into raw blocks so
// old output can be replayed through the pipeline.
//
//	=== PAGE 12 ===
//	<content>
//	BINV-5
//	=== END PAGE ===

var (
	pageStartRe = regexp.MustCompile(`^=== PAGE (\d+) ===$`)
	pageEndRe   = regexp.MustCompile(`^=== END PAGE ===$`)
	// Guideline page codes printed at the bottom-right of each page,
	// e.g. "BINV-5" or "OV-C 2".
	locatorRe = regexp.MustCompile(`^[A-Z]{2,10}-[A-Z0-9]+( \d+)?$`)
)

func ParseTranscript(text string) []RawBlock {
	var blocks []RawBlock

	page := 0
	var body []string
	flush := func() {
		if page == 0 {
			return
		}
		content := strings.TrimSpace(strings.Join(body, "\n"))
		body = nil
		if content == "" {
			return
		}

		locator := ""
		lines := strings.Split(content, "\n")
		last := strings.TrimSpace(lines[len(lines)-1])
		if locatorRe.MatchString(last) {
			locator = last
			content = strings.TrimSpace(strings.Join(lines[:len(lines)-1], "\n"))
		}
		if content == "" {
			return
		}

		kind := KindParagraph
		// The vision pass serializes tables to JSON.
		if strings.HasPrefix(content, "{") || strings.HasPrefix(content, "[") {
			kind = KindTable
		}

		blocks = append(blocks, RawBlock{
			Kind:    kind,
			Text:    content,
			Page:    page,
			Locator: locator,
		})
	}

	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if m := pageStartRe.FindStringSubmatch(trimmed); m != nil {
			flush()
			page, _ = strconv.Atoi(m[1])
			continue
		}
		if pageEndRe.MatchString(trimmed) {
			flush()
			page = 0
			continue
		}
		if page > 0 {
			body = append(body, line)
		}
	}
	flush()

	return blocks
}
