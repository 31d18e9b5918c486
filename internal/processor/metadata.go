package processor

import (
	"bytes"
	"encoding/xml"
	"errors"
	"io"
	"strconv"
	"strings"

	"github.com/ChuLiYu/scoreload/pkg/types"
)

// ExtractMetadata derives title, composer, part count, measure count and
// tempo markings from a validated score document. unit names the measure
// element; empty means "measure".
//
// Measures are counted once per score: inside the first <part> of a
// partwise score, or directly under the root of a timewise score.
func ExtractMetadata(content []byte, unit string) (*types.DocumentMetadata, error) {
	meta, _, err := scanDocument(content, unit)
	return meta, err
}

// scanDocument runs the metadata pass and also counts structural units the
// way the streaming parser does: every unit element opened while no other
// unit is open, across all parts.
func scanDocument(content []byte, unit string) (*types.DocumentMetadata, int, error) {
	if unit == "" {
		unit = "measure"
	}

	d := xml.NewDecoder(bytes.NewReader(content))
	d.Strict = false

	var (
		meta      types.DocumentMetadata
		stack     []string
		root      string
		firstPart = -1 // stack depth of the first <part>, -1 before it opens
		partSeen  bool
		text      strings.Builder
		capture   string
		units     int
		unitDepth = -1 // stack depth of the open unit, -1 when none is open
	)

	for {
		tok, err := d.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, 0, err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			name := t.Name.Local
			depth := len(stack)
			if depth == 0 {
				root = name
			}
			if name == unit && unitDepth < 0 {
				units++
				unitDepth = depth
			}

			switch {
			case name == "score-part":
				meta.PartCount++
			case name == "part" && root == "score-partwise" && depth == 1 && !partSeen:
				partSeen = true
				firstPart = depth
			case name == unit:
				if root == "score-timewise" && depth == 1 {
					meta.MeasureCount++
				} else if firstPart >= 0 && depth == firstPart+1 {
					meta.MeasureCount++
				} else if root != "score-partwise" && root != "score-timewise" {
					meta.MeasureCount++
				}
			case name == "sound":
				for _, a := range t.Attr {
					if a.Name.Local != "tempo" {
						continue
					}
					if v, err := strconv.ParseFloat(strings.TrimSpace(a.Value), 64); err == nil && v > 0 {
						meta.Tempos = append(meta.Tempos, v)
					}
				}
			case name == "work-title" || name == "movement-title":
				capture = name
				text.Reset()
			case name == "creator" && attr(t, "type") == "composer":
				capture = name
				text.Reset()
			}
			stack = append(stack, name)

		case xml.CharData:
			if capture != "" {
				text.Write(t)
			}

		case xml.EndElement:
			if len(stack) == 0 {
				return nil, 0, errors.New("unbalanced end element")
			}
			name := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if unitDepth == len(stack) {
				unitDepth = -1
			}
			if name == "part" && firstPart == len(stack) {
				firstPart = -1
			}
			if capture != "" && name == capture {
				value := strings.TrimSpace(text.String())
				switch capture {
				case "work-title":
					meta.Title = value
				case "movement-title":
					if meta.Title == "" {
						meta.Title = value
					}
				case "creator":
					if meta.Composer == "" {
						meta.Composer = value
					}
				}
				capture = ""
			}
		}
	}
	return &meta, units, nil
}

func attr(se xml.StartElement, local string) string {
	for _, a := range se.Attr {
		if a.Name.Local == local {
			return a.Value
		}
	}
	return ""
}
