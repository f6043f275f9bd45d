package mergeconflict

import (
	"fmt"
	"strings"
)

// Choice selects which side of a region survives.
type Choice string

const (
	AcceptCurrentChoice  Choice = "accept_current"
	AcceptIncomingChoice Choice = "accept_incoming"
	AcceptBothChoice     Choice = "accept_both"
)

// ParseChoice accepts the wire names and the short forms current/incoming/both.
func ParseChoice(s string) (Choice, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(AcceptCurrentChoice), "current", "ours":
		return AcceptCurrentChoice, nil
	case string(AcceptIncomingChoice), "incoming", "theirs":
		return AcceptIncomingChoice, nil
	case string(AcceptBothChoice), "both":
		return AcceptBothChoice, nil
	default:
		return "", fmt.Errorf("unknown merge choice %q", s)
	}
}

// Resolve splices region r out of content and substitutes the chosen body.
// Lines outside the region are kept verbatim. r must come from Parse(content);
// after resolving, line indices of any other region are stale, so callers
// re-parse before resolving the next one.
func Resolve(content string, r Region, choice Choice) (string, error) {
	lines := splitLines(content)
	if r.Start < 0 || r.End >= len(lines) || r.Separator <= r.Start || r.End <= r.Separator {
		return "", fmt.Errorf("region %d-%d does not fit a %d-line document", r.Start, r.End, len(lines))
	}
	if kind, _ := classify(lines[r.Start]); kind != lineStart {
		return "", fmt.Errorf("line %d is not a conflict start marker", r.Start)
	}
	if kind, _ := classify(lines[r.End]); kind != lineEnd {
		return "", fmt.Errorf("line %d is not a conflict end marker", r.End)
	}

	currentEnd := r.Separator
	if r.HasAncestor() {
		currentEnd = r.Ancestor
	}
	current := lines[r.Start+1 : currentEnd]
	incoming := lines[r.Separator+1 : r.End]

	var body []string
	switch choice {
	case AcceptCurrentChoice:
		body = current
	case AcceptIncomingChoice:
		body = incoming
	case AcceptBothChoice:
		body = append(append([]string{}, current...), incoming...)
	default:
		return "", fmt.Errorf("unknown merge choice %q", choice)
	}

	out := make([]string, 0, len(lines)-(r.End-r.Start+1)+len(body))
	out = append(out, lines[:r.Start]...)
	out = append(out, body...)
	out = append(out, lines[r.End+1:]...)
	return strings.Join(out, "\n"), nil
}

// AcceptCurrent keeps the current side of r.
func AcceptCurrent(content string, r Region) (string, error) {
	return Resolve(content, r, AcceptCurrentChoice)
}

// AcceptIncoming keeps the incoming side of r.
func AcceptIncoming(content string, r Region) (string, error) {
	return Resolve(content, r, AcceptIncomingChoice)
}

// AcceptBoth keeps the current side followed by the incoming side of r.
func AcceptBoth(content string, r Region) (string, error) {
	return Resolve(content, r, AcceptBothChoice)
}

// ResolveAt resolves the index-th region of content.
func ResolveAt(content string, index int, choice Choice) (string, error) {
	regions := Parse(content)
	if index < 0 || index >= len(regions) {
		return "", fmt.Errorf("conflict region %d out of range (%d regions)", index, len(regions))
	}
	return Resolve(content, regions[index], choice)
}

// ResolveAll applies choice to every region, one at a time, re-parsing
// between steps.
func ResolveAll(content string, choice Choice) (string, error) {
	for {
		regions := Parse(content)
		if len(regions) == 0 {
			return content, nil
		}
		next, err := Resolve(content, regions[0], choice)
		if err != nil {
			return "", err
		}
		content = next
	}
}

// Sides returns the whole document as the current side would have it and as
// the incoming side would have it.
func Sides(content string) (current, incoming string, err error) {
	if current, err = ResolveAll(content, AcceptCurrentChoice); err != nil {
		return "", "", err
	}
	if incoming, err = ResolveAll(content, AcceptIncomingChoice); err != nil {
		return "", "", err
	}
	return current, incoming, nil
}
