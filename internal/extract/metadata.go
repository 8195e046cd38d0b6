// Package extract holds the extraction strategies shipped with the
// engine.
//
// The engine treats extractors as injected strategy objects; this
// package provides the generic ones that work on any HTML document
// (standard metadata, Open Graph, JSON-LD). Site-layout parsers plug in
// through the same interface but live with their owners.
package extract

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/MutugiD/linkedin-crm/internal/hash/sha256"
	"github.com/MutugiD/linkedin-crm/internal/scrape"
)

// Func adapts a plain function to scrape.Extractor.
type Func func(payload []byte) ([]scrape.Record, error)

// Extract implements scrape.Extractor.
func (f Func) Extract(payload []byte) ([]scrape.Record, error) {
	return f(payload)
}

// Metadata extracts document-level metadata from any HTML payload: the
// title, description and canonical link, Open Graph properties, and raw
// JSON-LD blocks. It fails when the document yields nothing, which the
// engine treats as layout drift.
type Metadata struct {
	hasher *sha256.Hasher
}

// NewMetadata builds the generic metadata extractor.
func NewMetadata() *Metadata {
	return &Metadata{hasher: sha256.New()}
}

// Extract implements scrape.Extractor.
func (m *Metadata) Extract(payload []byte) ([]scrape.Record, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	record := scrape.Record{}
	if title := strings.TrimSpace(doc.Find("title").First().Text()); title != "" {
		record["title"] = title
	}
	doc.Find("meta").Each(func(_ int, sel *goquery.Selection) {
		content, ok := sel.Attr("content")
		if !ok || strings.TrimSpace(content) == "" {
			return
		}
		if name, ok := sel.Attr("name"); ok && name == "description" {
			record["description"] = strings.TrimSpace(content)
		}
		if prop, ok := sel.Attr("property"); ok && strings.HasPrefix(prop, "og:") {
			record[strings.ReplaceAll(prop, ":", "_")] = strings.TrimSpace(content)
		}
	})
	if canonical, ok := doc.Find(`link[rel="canonical"]`).First().Attr("href"); ok {
		record["canonical_url"] = canonical
	}

	var jsonld []string
	doc.Find(`script[type="application/ld+json"]`).Each(func(_ int, sel *goquery.Selection) {
		if text := strings.TrimSpace(sel.Text()); text != "" {
			jsonld = append(jsonld, text)
		}
	})
	if len(jsonld) > 0 {
		record["json_ld"] = jsonld
	}

	if len(record) == 0 {
		return nil, fmt.Errorf("no extractable metadata in payload")
	}

	digest, err := m.hasher.Hash(payload)
	if err != nil {
		return nil, fmt.Errorf("hash payload: %w", err)
	}
	record["payload_sha256"] = digest
	return []scrape.Record{record}, nil
}

// DefaultSet maps every target kind to the generic metadata extractor.
// Callers with layout-specific strategies overwrite individual entries.
func DefaultSet() map[scrape.TargetKind]scrape.Extractor {
	m := NewMetadata()
	return map[scrape.TargetKind]scrape.Extractor{
		scrape.TargetProfile: m,
		scrape.TargetCompany: m,
		scrape.TargetContent: m,
	}
}
