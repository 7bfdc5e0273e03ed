package notify

import (
	"fmt"
	"net/url"
	"strings"
)

// Render builds the message for p. appURL, when set, adds a link to the
// assignment page.
func Render(p Payload, appURL string) Message {
	title := strings.TrimSpace(p.Title)
	if title == "" {
		title = "Untitled assignment"
	}
	typ := strings.TrimSpace(p.Type)
	if typ == "" {
		typ = "assignment"
	}
	course := strings.TrimSpace(p.Course)
	if course == "" {
		course = title
	}

	m := Message{Subject: fmt.Sprintf("New %s: %s", typ, title)}

	var b strings.Builder
	fmt.Fprintf(&b, "A new %s was added to your study plan.\n\n", typ)
	fmt.Fprintf(&b, "Title:  %s\n", title)
	fmt.Fprintf(&b, "Course: %s\n", course)
	if !p.Date.IsZero() {
		fmt.Fprintf(&b, "Due:    %s\n", p.Date.UTC().Format("Mon, 02 Jan 2006 15:04 MST"))
	}
	if len(p.Topics) > 0 {
		fmt.Fprintf(&b, "Topics: %s\n", strings.Join(p.Topics, ", "))
	}
	if link := assignmentLink(appURL, p.ID); link != "" {
		m.Link = link
		fmt.Fprintf(&b, "\nOpen: %s\n", link)
	}
	m.Text = b.String()
	return m
}

func assignmentLink(appURL, id string) string {
	base := strings.TrimRight(strings.TrimSpace(appURL), "/")
	if base == "" || strings.TrimSpace(id) == "" {
		return ""
	}
	return base + "/assignments/" + url.PathEscape(id)
}
