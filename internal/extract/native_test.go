package extract

import (
	"archive/zip"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/require"
)

const contentTypesXML = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<Types xmlns="http://schemas.openxmlformats.org/package/2006/content-types">
<Default Extension="rels" ContentType="application/vnd.openxmlformats-package.relationships+xml"/>
<Default Extension="xml" ContentType="application/xml"/>
<Override PartName="/word/document.xml" ContentType="application/vnd.openxmlformats-officedocument.wordprocessingml.document.main+xml"/>
</Types>`

const packageRelsXML = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<Relationships xmlns="http://schemas.openxmlformats.org/package/2006/relationships">
<Relationship Id="rId1" Type="http://schemas.openxmlformats.org/officeDocument/2006/relationships/officeDocument" Target="word/document.xml"/>
</Relationships>`

const documentRelsXML = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<Relationships xmlns="http://schemas.openxmlformats.org/package/2006/relationships"/>`

// writeDocx assembles a minimal but well-formed package around the
// given document body.
func writeDocx(t *testing.T, dir, body string) string {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	parts := []struct{ name, data string }{
		{"[Content_Types].xml", contentTypesXML},
		{"_rels/.rels", packageRelsXML},
		{"word/document.xml", body},
		{"word/_rels/document.xml.rels", documentRelsXML},
	}
	for _, part := range parts {
		w, err := zw.Create(part.name)
		require.NoError(t, err)
		_, err = w.Write([]byte(part.data))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())

	path := filepath.Join(dir, "fixture.docx")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))
	return path
}

func TestNativeEngineExtract(t *testing.T) {
	t.Parallel()

	body := `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">
<w:body>
<w:p><w:r><w:t>Quar</w:t></w:r><w:r><w:t>terly</w:t></w:r><w:r><w:t xml:space="preserve"> report</w:t></w:r></w:p>
<w:p><w:r><w:t>Totals</w:t></w:r><w:r><w:tab/></w:r><w:r><w:t>42 &amp; up</w:t></w:r></w:p>
<w:tbl><w:tr><w:tc><w:p><w:r><w:t>cell</w:t></w:r></w:p></w:tc></w:tr></w:tbl>
<w:p><w:r><w:drawing/></w:r></w:p>
</w:body>
</w:document>`
	path := writeDocx(t, t.TempDir(), body)

	eng := NewNativeEngine()
	res, err := eng.Extract(context.Background(), path)
	require.NoError(t, err)
	require.True(t, res.Success)

	// Runs concatenate without injected spaces: Word splits words
	// across runs freely.
	want := "Quarterly report\nTotals\t42 & up\ncell"
	require.Equal(t, want, res.Text)
	require.Equal(t, int32(len(strings.Fields(want))), res.WordCount)
	require.Equal(t, int32(utf8.RuneCountInString(want)), res.CharCount)
	require.Equal(t, int32(1), res.TableCount)
	require.Equal(t, int32(1), res.ImageCount)
	require.Equal(t, "unknown", res.Language)
	require.Zero(t, res.LanguageConfidence)
	require.Empty(t, res.Extraction)
}

func TestNativeEngineExtractEmptyDocument(t *testing.T) {
	t.Parallel()

	body := `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">
<w:body><w:p/></w:body>
</w:document>`
	path := writeDocx(t, t.TempDir(), body)

	res, err := NewNativeEngine().Extract(context.Background(), path)
	require.NoError(t, err)
	require.False(t, res.Success)
	require.Contains(t, res.Error, "no extractable text")
}

func TestNativeEngineExtractRejectsGarbage(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "garbage.docx")
	require.NoError(t, os.WriteFile(path, []byte("this is not a zip archive"), 0o600))

	res, err := NewNativeEngine().Extract(context.Background(), path)
	require.NoError(t, err)
	require.False(t, res.Success)
	require.Contains(t, res.Error, "parse docx")
}

func TestNativeEngineLifecycleIsNoOp(t *testing.T) {
	t.Parallel()

	eng := NewNativeEngine()
	require.NoError(t, eng.Start(context.Background()))
	require.NoError(t, eng.Restart(context.Background()))
	require.NoError(t, eng.Close())
}
