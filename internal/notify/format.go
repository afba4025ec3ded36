package notify

import (
	"fmt"
	"strings"
	"time"
)

// Formatter renders operator alerts as Telegram HTML
type Formatter struct {
	maxLength int
}

// NewFormatter creates a new alert formatter
func NewFormatter() *Formatter {
	return &Formatter{
		maxLength: 4000, // Telegram caps messages at 4096
	}
}

// FormatAuthFailure formats an alert about rejected mail credentials
func (f *Formatter) FormatAuthFailure(userID, username, reason string, at time.Time) string {
	var sb strings.Builder

	sb.WriteString("<b>Mail sync: login rejected</b>\n\n")
	sb.WriteString(fmt.Sprintf("<b>User:</b> <code>%s</code>\n", escapeHTML(userID)))
	if username != "" {
		sb.WriteString(fmt.Sprintf("<b>Mailbox:</b> %s\n", escapeHTML(username)))
	}
	sb.WriteString(fmt.Sprintf("<b>Time:</b> %s\n", at.UTC().Format("02.01.2006 15:04 MST")))
	if reason != "" {
		sb.WriteString(fmt.Sprintf("<b>Reason:</b> %s\n", escapeHTML(f.truncate(reason, 500))))
	}
	sb.WriteString("\n<i>The account is paused until its credentials are updated.</i>")

	return f.truncate(sb.String(), f.maxLength)
}

// FormatSweepStuck formats an alert about a sweep that keeps overrunning its interval
func (f *Formatter) FormatSweepStuck(skippedTicks int, runningSince, now time.Time) string {
	var sb strings.Builder

	sb.WriteString("<b>Mail sync: sweep still running</b>\n\n")
	sb.WriteString(fmt.Sprintf("<b>Skipped ticks:</b> %d\n", skippedTicks))
	if !runningSince.IsZero() {
		sb.WriteString(fmt.Sprintf("<b>Running since:</b> %s\n", runningSince.UTC().Format("02.01.2006 15:04 MST")))
		sb.WriteString(fmt.Sprintf("<b>Running for:</b> %s\n", now.Sub(runningSince).Round(time.Second)))
	}

	return sb.String()
}

// escapeHTML escapes HTML special characters for Telegram
func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	return s
}

// truncate truncates text to maxLen characters
func (f *Formatter) truncate(s string, maxLen int) string {
	if maxLen <= 0 {
		maxLen = 100
	}
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "…"
}
