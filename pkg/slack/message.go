package slack

import (
	"fmt"
	"strings"
	"unicode/utf8"

	goslack "github.com/slack-go/slack"
)

const deliverablePreviewLimit = 500

// BuildTerminalMessage renders the block layout for a terminal task
// notification: a status headline, the mandate, a deliverable or error
// preview, and an optional dashboard link.
func BuildTerminalMessage(input TaskTerminalInput, dashboardURL string) []goslack.Block {
	var blocks []goslack.Block

	headline := ":white_check_mark: Research task completed"
	if input.Status != "completed" || !input.Success {
		headline = fmt.Sprintf(":x: Research task %s", input.Status)
	}
	blocks = append(blocks, goslack.NewHeaderBlock(
		goslack.NewTextBlockObject(goslack.PlainTextType, headline, true, false)))

	fields := []*goslack.TextBlockObject{
		goslack.NewTextBlockObject(goslack.MarkdownType,
			fmt.Sprintf("*Mandate:*\n%s", truncate(input.Mandate, 150)), false, false),
		goslack.NewTextBlockObject(goslack.MarkdownType,
			fmt.Sprintf("*Ticks used:*\n%d", input.Ticks), false, false),
	}
	blocks = append(blocks, goslack.NewSectionBlock(nil, fields, nil))

	switch {
	case input.Error != "":
		blocks = append(blocks, goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType,
				fmt.Sprintf("*Error:*\n%s", truncate(input.Error, deliverablePreviewLimit)), false, false),
			nil, nil))
	case input.Deliverable != "":
		blocks = append(blocks, goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType,
				fmt.Sprintf("*Deliverable:*\n%s", truncate(input.Deliverable, deliverablePreviewLimit)), false, false),
			nil, nil))
	}

	if dashboardURL != "" {
		link := fmt.Sprintf("%s/tasks/%s", strings.TrimRight(dashboardURL, "/"), input.CorrelationID)
		blocks = append(blocks, goslack.NewContextBlock("",
			goslack.NewTextBlockObject(goslack.MarkdownType,
				fmt.Sprintf("<%s|View task> · `%s`", link, input.CorrelationID), false, false)))
	} else {
		blocks = append(blocks, goslack.NewContextBlock("",
			goslack.NewTextBlockObject(goslack.MarkdownType,
				fmt.Sprintf("`%s`", input.CorrelationID), false, false)))
	}
	return blocks
}

func truncate(s string, limit int) string {
	s = strings.TrimSpace(s)
	if len(s) <= limit {
		return s
	}
	// Back up to a rune boundary so the cut never splits a multi-byte rune.
	for limit > 0 && !utf8.RuneStart(s[limit]) {
		limit--
	}
	return s[:limit] + "…"
}
