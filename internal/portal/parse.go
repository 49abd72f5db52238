package portal

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Event is one entry of the iLearn upcoming events block.
type Event struct {
	Title string `json:"title"`
	Link  string `json:"link"`
	Date  string `json:"date"`
}

// ParseEvents extracts events from the HTML of the upcoming events block.
// Every `.event` must carry a `.text-truncate` link and a `.date`; relative
// links are resolved against base, the URL of the page the block came from.
func ParseEvents(html string, base *url.URL) ([]Event, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("failed to parse events html: %w", err)
	}

	events := make([]Event, 0)
	var parseErr error

	doc.Find(".event").EachWithBreak(func(i int, s *goquery.Selection) bool {
		link := s.Find(".text-truncate").First()
		if link.Length() == 0 {
			parseErr = fmt.Errorf("event %d has no title element", i)
			return false
		}
		date := s.Find(".date").First()
		if date.Length() == 0 {
			parseErr = fmt.Errorf("event %d has no date element", i)
			return false
		}

		href, _ := link.Attr("href")
		events = append(events, Event{
			Title: visibleText(link),
			Link:  resolveLink(base, href),
			Date:  visibleText(date),
		})
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}

	return events, nil
}

// visibleText collapses whitespace the way a browser renders it.
func visibleText(s *goquery.Selection) string {
	return strings.Join(strings.Fields(s.Text()), " ")
}

func resolveLink(base *url.URL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" || base == nil {
		return href
	}
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	return base.ResolveReference(ref).String()
}

// ParseCourseList decodes the MyFCU timetable response. The courses are the
// `d` member of the ASP.NET page-method envelope, passed through unchanged
// whatever its JSON type; a missing or null `d` is an empty list.
func ParseCourseList(body string) (json.RawMessage, error) {
	var envelope struct {
		D json.RawMessage `json:"d"`
	}
	if err := json.Unmarshal([]byte(body), &envelope); err != nil {
		return nil, fmt.Errorf("failed to decode course list: %w", err)
	}
	if len(envelope.D) == 0 || string(envelope.D) == "null" {
		return json.RawMessage("[]"), nil
	}
	return envelope.D, nil
}
