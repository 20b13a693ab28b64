package extract

import (
	"context"
	"encoding/xml"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/nguyenthenguyen/docx"
)

// NativeEngine extracts text in-process by walking the document body
// XML. It sees no layout model, so the text is plainer than the
// subprocess output, but it needs nothing beyond this binary.
type NativeEngine struct{}

// NewNativeEngine returns the in-process engine.
func NewNativeEngine() *NativeEngine { return &NativeEngine{} }

// Start implements Engine; there is no process to bring up.
func (*NativeEngine) Start(context.Context) error { return nil }

// Restart implements Engine.
func (*NativeEngine) Restart(context.Context) error { return nil }

// Close implements Engine.
func (*NativeEngine) Close() error { return nil }

// Extract parses the file and flattens its body to plain text. Parse
// failures are per-document results, not engine errors.
func (*NativeEngine) Extract(ctx context.Context, path string) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r, err := docx.ReadDocxFile(path)
	if err != nil {
		return &Result{Success: false, Error: fmt.Sprintf("parse docx: %v", err)}, nil
	}
	defer r.Close()

	text, tables, images := flattenBody(r.Editable().GetContent())
	if text == "" {
		return &Result{Success: false, Error: "document contains no extractable text"}, nil
	}
	return &Result{
		Success:    true,
		Text:       text,
		WordCount:  int32(len(strings.Fields(text))),
		CharCount:  int32(utf8.RuneCountInString(text)),
		TableCount: tables,
		ImageCount: images,
		Language:   "unknown",
	}, nil
}

// flattenBody walks the document XML and collects the text runs.
// Adjacent runs concatenate without separators because Word splits
// words across runs freely; only explicit paragraph ends, breaks and
// tabs produce whitespace.
func flattenBody(body string) (text string, tables, images int32) {
	dec := xml.NewDecoder(strings.NewReader(body))
	dec.Strict = false

	var b strings.Builder
	inRun := false
	for {
		tok, err := dec.Token()
		if err != nil {
			break
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inRun = true
			case "tab":
				b.WriteByte('\t')
			case "br", "cr":
				b.WriteByte('\n')
			case "tbl":
				tables++
			case "drawing":
				images++
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inRun = false
			case "p":
				b.WriteByte('\n')
			}
		case xml.CharData:
			if inRun {
				b.Write(t)
			}
		}
	}
	return strings.TrimSpace(b.String()), tables, images
}
