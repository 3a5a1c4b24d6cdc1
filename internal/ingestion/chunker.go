package ingestion

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

const DefaultChunkWords = 1000

// pageMarker matches "=== Page 12 ===" lines produced by text extraction.
var pageMarker = regexp.MustCompile(`(?m)^[ \t]*=== Page (\d+)[^\n]*$`)

type TextChunk struct {
	Number     int
	Content    string
	PageNumber int
	WordCount  int
}

type page struct {
	number  int
	content string
}

// splitPages cuts text at page markers. Text before the first marker, or text
// without any markers, is attributed to page 1.
func splitPages(text string) []page {
	locs := pageMarker.FindAllStringSubmatchIndex(text, -1)
	if len(locs) == 0 {
		return []page{{number: 1, content: text}}
	}

	var pages []page
	if lead := strings.TrimSpace(text[:locs[0][0]]); lead != "" {
		pages = append(pages, page{number: 1, content: lead})
	}

	for i, loc := range locs {
		num, err := strconv.Atoi(text[loc[2]:loc[3]])
		if err != nil || num < 1 {
			num = 1
		}

		end := len(text)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		pages = append(pages, page{number: num, content: text[loc[1]:end]})
	}
	return pages
}

// ChunkText splits page-marked text into chunks of whole paragraphs holding
// at most maxWords words, except where a single paragraph is longer. Chunks
// never span pages and are numbered from 1.
func ChunkText(text string, maxWords int) []TextChunk {
	if maxWords <= 0 {
		maxWords = DefaultChunkWords
	}

	var chunks []TextChunk
	emit := func(paragraphs []string, words, pageNum int) {
		chunks = append(chunks, TextChunk{
			Number:     len(chunks) + 1,
			Content:    strings.Join(paragraphs, "\n\n"),
			PageNumber: pageNum,
			WordCount:  words,
		})
	}

	for _, pg := range splitPages(text) {
		var (
			current []string
			words   int
		)
		for _, para := range strings.Split(pg.content, "\n\n") {
			para = strings.TrimSpace(para)
			if para == "" {
				continue
			}
			n := len(strings.Fields(para))
			if words+n > maxWords && len(current) > 0 {
				emit(current, words, pg.number)
				current, words = nil, 0
			}
			current = append(current, para)
			words += n
		}
		if len(current) > 0 {
			emit(current, words, pg.number)
		}
	}
	return chunks
}

var blockSelector = "h1, h2, h3, h4, h5, h6, p, li, pre, blockquote, td"

// HTMLToText strips markup and keeps block elements as paragraphs.
func HTMLToText(html string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", err
	}

	doc.Find("script, style, nav, footer, header, aside").Remove()

	whitespace := regexp.MustCompile(`\s+`)
	var paragraphs []string
	doc.Find(blockSelector).Each(func(_ int, s *goquery.Selection) {
		if s.Find(blockSelector).Length() > 0 {
			return
		}
		if text := strings.TrimSpace(whitespace.ReplaceAllString(s.Text(), " ")); text != "" {
			paragraphs = append(paragraphs, text)
		}
	})

	if len(paragraphs) == 0 {
		text := strings.TrimSpace(whitespace.ReplaceAllString(doc.Find("body").Text(), " "))
		return text, nil
	}
	return strings.Join(paragraphs, "\n\n"), nil
}
