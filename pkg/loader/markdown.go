package loader

import (
	"strconv"
	"strings"
	"unicode"

	"github.com/vladm3105/tradegent/pkg/common"
)

// SplitMarkdown splits markdown text into sections at ATX headings. The
// section path follows the heading hierarchy; text before the first heading
// goes to a "body" section. Headings inside fenced code blocks are ignored.
func SplitMarkdown(text string) []common.Section {
	type heading struct {
		level int
		slug  string
		title string
	}

	var (
		sections []common.Section
		stack    []heading
		buf      []string
		inFence  bool
	)

	flush := func() {
		body := strings.TrimSpace(strings.Join(buf, "\n"))
		buf = buf[:0]
		if body == "" {
			return
		}
		if len(stack) == 0 {
			sections = append(sections, common.Section{Path: "body", Label: "Body", Text: body})
			return
		}
		slugs := make([]string, len(stack))
		titles := make([]string, len(stack))
		for i, h := range stack {
			slugs[i] = h.slug
			titles[i] = h.title
		}
		sections = append(sections, common.Section{
			Path:  strings.Join(slugs, "."),
			Label: strings.Join(titles, " > "),
			Text:  body,
		})
	}

	for _, line := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") || strings.HasPrefix(trimmed, "~~~") {
			inFence = !inFence
			buf = append(buf, line)
			continue
		}
		level, title := parseHeading(trimmed)
		if inFence || level == 0 {
			buf = append(buf, line)
			continue
		}
		flush()
		for len(stack) > 0 && stack[len(stack)-1].level >= level {
			stack = stack[:len(stack)-1]
		}
		stack = append(stack, heading{level: level, slug: slugify(title), title: title})
	}
	flush()

	return uniquePaths(sections)
}

func parseHeading(line string) (int, string) {
	level := 0
	for level < len(line) && line[level] == '#' {
		level++
	}
	if level == 0 || level > 6 || level >= len(line) || line[level] != ' ' {
		return 0, ""
	}
	title := strings.TrimSpace(strings.TrimRight(line[level:], "# "))
	if title == "" {
		return 0, ""
	}
	return level, title
}

func slugify(title string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range strings.ToLower(title) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			lastUnderscore = false
			continue
		}
		if !lastUnderscore && b.Len() > 0 {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	slug := strings.TrimSuffix(b.String(), "_")
	if slug == "" {
		return "section"
	}
	return slug
}

// repeated headings get a numeric suffix so paths stay unique
func uniquePaths(sections []common.Section) []common.Section {
	seen := make(map[string]int, len(sections))
	for i := range sections {
		p := sections[i].Path
		seen[p]++
		if n := seen[p]; n > 1 {
			sections[i].Path = p + "_" + strconv.Itoa(n)
		}
	}
	return sections
}
