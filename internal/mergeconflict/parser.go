// Package mergeconflict finds git-style conflict regions in text and resolves
// them by choosing the current side, the incoming side, or both.
//
// A region is, line by line:
//
//	<<<<<<< label
//	current body
//	||||||| label      (optional, at most once)
//	ancestor body
//	=======
//	incoming body
//	>>>>>>> label
//
// Anything that does not complete this shape is not a region and is left alone.
package mergeconflict

import (
	"strings"
)

const markerLen = 7

var (
	startMarker     = strings.Repeat("<", markerLen)
	ancestorMarker  = strings.Repeat("|", markerLen)
	separatorMarker = strings.Repeat("=", markerLen)
	endMarker       = strings.Repeat(">", markerLen)
)

// Region is one conflict region. Line fields are zero-based indices into the
// document's lines as split on "\n".
type Region struct {
	Start     int
	Ancestor  int // -1 when the region has no ancestor section
	Separator int
	End       int

	CurrentLabel  string
	AncestorLabel string
	IncomingLabel string

	Current  string
	Base     string
	Incoming string
}

// HasAncestor reports whether the region carries a ||||||| section.
func (r Region) HasAncestor() bool {
	return r.Ancestor >= 0
}

type lineKind int

const (
	lineText lineKind = iota
	lineStart
	lineAncestor
	lineSeparator
	lineEnd
)

// classify reports which marker, if any, a line is, and its label.
// A trailing "\r" is ignored so CRLF documents parse the same way.
func classify(line string) (lineKind, string) {
	line = strings.TrimSuffix(line, "\r")
	if line == separatorMarker {
		return lineSeparator, ""
	}
	for _, m := range []struct {
		marker string
		kind   lineKind
	}{
		{startMarker, lineStart},
		{ancestorMarker, lineAncestor},
		{endMarker, lineEnd},
	} {
		if label, ok := labelAfter(line, m.marker); ok {
			return m.kind, label
		}
	}
	return lineText, ""
}

// labelAfter matches marker alone or marker followed by a space and a label.
func labelAfter(line, marker string) (string, bool) {
	if !strings.HasPrefix(line, marker) {
		return "", false
	}
	rest := line[len(marker):]
	if rest == "" {
		return "", true
	}
	if rest[0] != ' ' {
		return "", false
	}
	return rest[1:], true
}

func splitLines(content string) []string {
	return strings.Split(content, "\n")
}

// Parse scans content once, left to right, and returns every well-formed region.
// An unterminated or malformed region is skipped; a start marker seen inside
// an open region abandons it and opens a new one.
func Parse(content string) []Region {
	lines := splitLines(content)

	var (
		regions []Region
		open    bool
		state   lineKind // last marker seen inside the open region
		cur     Region
	)

	begin := func(i int, label string) {
		open = true
		state = lineStart
		cur = Region{Start: i, Ancestor: -1, Separator: -1, End: -1, CurrentLabel: label}
	}

	for i, line := range lines {
		kind, label := classify(line)

		if !open {
			if kind == lineStart {
				begin(i, label)
			}
			continue
		}

		switch kind {
		case lineStart:
			begin(i, label)

		case lineAncestor:
			if state != lineStart {
				open = false
				continue
			}
			cur.Ancestor = i
			cur.AncestorLabel = label
			state = lineAncestor

		case lineSeparator:
			if state == lineSeparator {
				open = false
				continue
			}
			cur.Separator = i
			state = lineSeparator

		case lineEnd:
			open = false
			if state != lineSeparator {
				continue
			}
			cur.End = i
			cur.IncomingLabel = label
			fill(&cur, lines)
			regions = append(regions, cur)
		}
	}

	return regions
}

// fill populates the body text of a completed region.
func fill(r *Region, lines []string) {
	currentEnd := r.Separator
	if r.HasAncestor() {
		currentEnd = r.Ancestor
		r.Base = joinBody(lines[r.Ancestor+1 : r.Separator])
	}
	r.Current = joinBody(lines[r.Start+1 : currentEnd])
	r.Incoming = joinBody(lines[r.Separator+1 : r.End])
}

func joinBody(lines []string) string {
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = strings.TrimSuffix(l, "\r")
	}
	return strings.Join(out, "\n")
}

// HasConflicts reports whether content contains at least one region.
func HasConflicts(content string) bool {
	return len(Parse(content)) > 0
}
