// Package filesxml streams the per-media files.xml file list format —
// <files fn="NEVRA">path\npath\n...</files> elements under a single root —
// without ever building a DOM: xml.Decoder.Token() keeps memory constant
// no matter how large the index grows. A regex-only fast path extracts
// just the fn attributes when the full file list is not needed.
package filesxml

import (
	"bufio"
	"bytes"
	"encoding/xml"
	"io"
	"regexp"
	"strings"
)

// Entry is one <files> element: the package it describes and its file
// list.
type Entry struct {
	NEVRA string
	Files []string
}

// Parse streams over r's <files> elements, invoking fn for each one as it
// closes. Decoder state is discarded between elements (xml.Decoder only
// buffers the current token), so memory use stays bounded regardless of
// file size. Entries with no fn attribute are skipped.
func Parse(r io.Reader, fn func(Entry) error) error {
	dec := xml.NewDecoder(r)

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != "files" {
			continue
		}

		var fnAttr string
		for _, a := range start.Attr {
			if a.Name.Local == "fn" {
				fnAttr = a.Value
				break
			}
		}

		text, err := readElementText(dec, start.Name)
		if err != nil {
			return err
		}
		if fnAttr == "" {
			continue
		}

		if err := fn(Entry{NEVRA: fnAttr, Files: splitLines(text)}); err != nil {
			return err
		}
	}
}

// readElementText consumes tokens until the matching end element, returning
// any character data encountered (nested elements, if any, are skipped).
func readElementText(dec *xml.Decoder, name xml.Name) (string, error) {
	var text strings.Builder
	depth := 0

	for {
		tok, err := dec.Token()
		if err != nil {
			return "", err
		}
		switch t := tok.(type) {
		case xml.CharData:
			if depth == 0 {
				text.Write(t)
			}
		case xml.StartElement:
			depth++
		case xml.EndElement:
			if depth == 0 && t.Name.Local == name.Local {
				return text.String(), nil
			}
			depth--
		}
	}
}

func splitLines(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

// ParseAll is a convenience wrapper around Parse for callers (and tests)
// that want the full entry set in memory; production ingestion code should
// prefer the streaming Parse so large files.xml blobs never fully load.
func ParseAll(r io.Reader) ([]Entry, error) {
	var entries []Entry
	err := Parse(r, func(e Entry) error {
		entries = append(entries, e)
		return nil
	})
	return entries, err
}

var fnAttrPattern = regexp.MustCompile(`fn="([^"]*)"`)

// ExtractNEVRAs scans r for fn="..." attributes without parsing any XML
// structure; differential import uses it to compute the incoming NEVRA set
// without paying for a full decode.
func ExtractNEVRAs(r io.Reader) (map[string]struct{}, error) {
	nevras := make(map[string]struct{})
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)

	for sc.Scan() {
		line := sc.Bytes()
		if !bytes.Contains(line, []byte("fn=\"")) {
			continue
		}
		if m := fnAttrPattern.FindSubmatch(line); m != nil {
			nevras[string(m[1])] = struct{}{}
		}
	}
	return nevras, sc.Err()
}
