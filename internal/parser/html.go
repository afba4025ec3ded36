package parser

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// quoteSelectors match the containers mail clients wrap quoted history in
const quoteSelectors = "blockquote, .gmail_quote, .yahoo_quoted, #divRplyFwdMsg, #appendonsend, .moz-cite-prefix"

var (
	inlineSpaceRegex = regexp.MustCompile(`[^\S\n]+`)
	newlineRegex     = regexp.MustCompile(`\n{3,}`)
	// zero-width spaces, soft hyphens and other invisible code points
	invisibleRegex = regexp.MustCompile(`[\x{200B}-\x{200D}\x{FEFF}\x{00AD}\x{034F}\x{061C}\x{115F}\x{1160}\x{17B4}\x{17B5}\x{180E}\x{2060}-\x{2064}\x{206A}-\x{206F}\x{FE00}-\x{FE0F}\x{FFF0}-\x{FFF8}]+`)
)

// htmlToText renders an HTML body as plain text, one block element per line.
// With dropQuotes set, quoted history containers are removed first.
func htmlToText(html string, dropQuotes bool) string {
	if strings.TrimSpace(html) == "" {
		return ""
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}

	doc.Find("script, style, head, meta, link, title").Remove()
	if dropQuotes {
		doc.Find(quoteSelectors).Remove()
	}

	doc.Find("p, div, br, h1, h2, h3, h4, h5, h6, li, tr, blockquote, pre, hr").Each(func(_ int, s *goquery.Selection) {
		s.PrependHtml("\n")
	})

	return cleanLines(doc.Text())
}

// cleanLines removes invisible characters, squeezes inline whitespace and
// drops blank lines
func cleanLines(text string) string {
	text = invisibleRegex.ReplaceAllString(text, "")
	text = strings.ReplaceAll(text, "\u00a0", " ")
	text = inlineSpaceRegex.ReplaceAllString(text, " ")

	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if line = strings.TrimSpace(line); line != "" {
			kept = append(kept, line)
		}
	}
	text = strings.Join(kept, "\n")

	return strings.TrimSpace(newlineRegex.ReplaceAllString(text, "\n\n"))
}
