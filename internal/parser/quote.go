package parser

import (
	"regexp"
	"strings"
)

var (
	// "On Tue, 5 Mar 2024 at 10:00, Bob <bob@example.com> wrote:"
	attributionRegex = regexp.MustCompile(`(?i)^on\b.*\bwrote:$`)
	originalRegex    = regexp.MustCompile(`(?i)^-{2,}\s*original message\s*-{2,}$`)
	forwardedRegex   = regexp.MustCompile(`(?i)^-{2,}\s*forwarded message\s*-{2,}$`)
	outlookFromRegex = regexp.MustCompile(`(?i)^\*?from:\*?\s+\S`)
	outlookMetaRegex = regexp.MustCompile(`(?i)^\*?(sent|date|to|subject):\*?\s`)
	separatorRegex   = regexp.MustCompile(`^_{10,}$`)
)

// stripQuotes removes quoted reply chains from a plain text body: "> " lines,
// and everything after an attribution line, an "Original Message" marker, an
// Outlook header block or a signature delimiter.
func stripQuotes(body string) string {
	body = strings.ReplaceAll(body, "\r\n", "\n")
	lines := strings.Split(body, "\n")

	kept := make([]string, 0, len(lines))
	for i := 0; i < len(lines); i++ {
		raw := lines[i]
		line := strings.TrimSpace(raw)

		if strings.HasPrefix(line, ">") {
			continue
		}
		if raw == "-- " || line == "--" {
			break
		}
		if attributionRegex.MatchString(line) || originalRegex.MatchString(line) || forwardedRegex.MatchString(line) {
			break
		}
		// attribution wrapped over two lines
		if i+1 < len(lines) && strings.HasPrefix(strings.ToLower(line), "on ") &&
			attributionRegex.MatchString(line+" "+strings.TrimSpace(lines[i+1])) {
			break
		}
		if separatorRegex.MatchString(line) && startsOutlookBlock(lines, i+1) {
			break
		}
		if startsOutlookBlock(lines, i) {
			break
		}

		kept = append(kept, raw)
	}

	return strings.Join(kept, "\n")
}

// startsOutlookBlock reports a "From:" line followed closely by Sent:/Date:/To:/Subject:
func startsOutlookBlock(lines []string, i int) bool {
	if i >= len(lines) || !outlookFromRegex.MatchString(strings.TrimSpace(lines[i])) {
		return false
	}
	for j := i + 1; j < len(lines) && j <= i+3; j++ {
		if outlookMetaRegex.MatchString(strings.TrimSpace(lines[j])) {
			return true
		}
	}
	return false
}

// collapseWhitespace joins all whitespace runs into single spaces
func collapseWhitespace(s string) string {
	s = invisibleRegex.ReplaceAllString(s, "")
	return strings.Join(strings.Fields(s), " ")
}

// truncateRunes caps s at limit runes, appending "…" when something was cut
func truncateRunes(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "…"
}
