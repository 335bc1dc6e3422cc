// Package opml imports and exports reader-sync topics as OPML.
package opml

import (
	"encoding/xml"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/robertmeta/reader-sync/feed"
	"github.com/robertmeta/reader-sync/model"
)

// OPML represents the root OPML structure.
type OPML struct {
	XMLName xml.Name `xml:"opml"`
	Version string   `xml:"version,attr"`
	Head    Head     `xml:"head"`
	Body    Body     `xml:"body"`
}

// Head contains metadata about the OPML document.
type Head struct {
	Title       string `xml:"title,omitempty"`
	DateCreated string `xml:"dateCreated,omitempty"`
}

// Body contains the outline elements.
type Body struct {
	Outlines []Outline `xml:"outline"`
}

// Outline is a topic or a folder of topics. A topic outline carries its
// "kind:slug" key in the category attribute.
type Outline struct {
	Text     string    `xml:"text,attr,omitempty"`
	Title    string    `xml:"title,attr,omitempty"`
	Type     string    `xml:"type,attr,omitempty"`
	XMLUrl   string    `xml:"xmlUrl,attr,omitempty"`
	Category string    `xml:"category,attr,omitempty"`
	Outlines []Outline `xml:"outline,omitempty"`
}

var folderNames = []struct {
	kind model.TopicKind
	name string
}{
	{model.TopicTag, "Tags"},
	{model.TopicSite, "Sites"},
	{model.TopicList, "Lists"},
	{model.TopicFeed, "Feeds"},
}

// Parse reads an OPML document and extracts topics. Outlines from other
// readers, which only have a feed URL, become feed topics.
func Parse(r io.Reader) ([]*model.Topic, error) {
	var doc OPML
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to parse OPML: %w", err)
	}
	return extractTopics(doc.Body.Outlines), nil
}

func extractTopics(outlines []Outline) []*model.Topic {
	var topics []*model.Topic
	for _, outline := range outlines {
		if topic := outlineTopic(outline); topic != nil {
			topics = append(topics, topic)
		}
		if len(outline.Outlines) > 0 {
			topics = append(topics, extractTopics(outline.Outlines)...)
		}
	}
	return topics
}

func outlineTopic(o Outline) *model.Topic {
	title := o.Title
	if title == "" {
		title = o.Text
	}

	if kind, slug, err := model.ParseTopicKey(o.Category); err == nil {
		topic := &model.Topic{Kind: kind, Slug: slug, Title: title}
		if kind == model.TopicFeed {
			topic.URL = o.XMLUrl
		}
		if topic.Validate() == nil {
			return topic
		}
	}

	if o.XMLUrl == "" {
		return nil
	}
	topic := &model.Topic{Kind: model.TopicFeed, Slug: feedSlug(o.XMLUrl), Title: title, URL: o.XMLUrl}
	if topic.Validate() != nil {
		return nil
	}
	return topic
}

// feedSlug derives a stable slug from a feed URL: host plus path.
func feedSlug(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	return strings.ToLower(u.Host) + strings.TrimRight(u.Path, "/")
}

// Generate writes topics as OPML, one folder per topic kind.
func Generate(w io.Writer, topics []*model.Topic) error {
	byKind := make(map[model.TopicKind][]*model.Topic)
	for _, topic := range topics {
		byKind[topic.Kind] = append(byKind[topic.Kind], topic)
	}

	doc := OPML{
		Version: "2.0",
		Head: Head{
			Title:       "reader-sync Topics",
			DateCreated: time.Now().Format(time.RFC1123),
		},
		Body: Body{
			Outlines: []Outline{},
		},
	}

	for _, folder := range folderNames {
		members := byKind[folder.kind]
		if len(members) == 0 {
			continue
		}
		parent := Outline{Text: folder.name, Title: folder.name}
		for _, topic := range members {
			title := topic.Title
			if title == "" {
				title = topic.Slug
			}
			child := Outline{
				Type:     "rss",
				Text:     title,
				Title:    title,
				Category: topic.Key(),
			}
			// Lists have no public feed; the key alone identifies them.
			if u, err := feed.TopicURL(*topic); err == nil {
				child.XMLUrl = u
			}
			parent.Outlines = append(parent.Outlines, child)
		}
		doc.Body.Outlines = append(doc.Body.Outlines, parent)
	}

	encoder := xml.NewEncoder(w)
	encoder.Indent("", "  ")

	if _, err := w.Write([]byte(xml.Header)); err != nil {
		return fmt.Errorf("failed to write XML header: %w", err)
	}
	if err := encoder.Encode(doc); err != nil {
		return fmt.Errorf("failed to encode OPML: %w", err)
	}
	if _, err := w.Write([]byte("\n")); err != nil {
		return fmt.Errorf("failed to write final newline: %w", err)
	}
	return nil
}
