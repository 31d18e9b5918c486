package processor

import (
	"archive/zip"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/scoreload/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// helpers
// ============================================================================

// scoreDoc builds a partwise score with the given measures. Each measure is
// padded with a comment so the document reaches roughly size bytes.
func scoreDoc(t *testing.T, measures int, size int) string {
	t.Helper()

	head := `<?xml version="1.0" encoding="UTF-8"?>` + "\n" +
		`<score-partwise version="4.0">` + "\n" +
		`<work><work-title>Test Piece</work-title></work>` + "\n" +
		`<identification><creator type="composer">J. Tester</creator></identification>` + "\n" +
		`<part-list><score-part id="P1"><part-name>Piano</part-name></score-part></part-list>` + "\n" +
		`<part id="P1">` + "\n"
	tail := "</part>\n</score-partwise>\n"

	measure := func(i int, pad int) string {
		m := fmt.Sprintf(`<measure number="%d"><direction><sound tempo="96"/></direction>`+
			`<note><rest/><duration>4</duration></note>`, i)
		if pad > 0 {
			m += "<!--" + strings.Repeat("x", pad) + "-->"
		}
		return m + "</measure>\n"
	}

	fixed := len(head) + len(tail)
	for i := 1; i <= measures; i++ {
		fixed += len(measure(i, 0))
	}
	pad := 0
	if measures > 0 && size > fixed {
		pad = (size - fixed) / measures
		if pad > 0 && pad < 8 {
			pad = 0
		} else if pad > 0 {
			pad -= len("<!---->")
		}
	}

	var b strings.Builder
	b.WriteString(head)
	for i := 1; i <= measures; i++ {
		b.WriteString(measure(i, pad))
	}
	b.WriteString(tail)

	doc := b.String()
	if len(doc) < size {
		// top up with whitespace inside the root
		doc = doc[:len(doc)-len("</score-partwise>\n")] + strings.Repeat(" ", size-len(doc)) + "</score-partwise>\n"
	}
	return doc
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func writeZip(t *testing.T, dir, name string, files map[string]string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	f, err := os.Create(p)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for n, body := range files {
		w, err := zw.Create(n)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
	return p
}

type recordingSink struct {
	mu     sync.Mutex
	events []types.ChunkEvent
}

func (s *recordingSink) Emit(_ context.Context, ev types.ChunkEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

const manifest = `<?xml version="1.0" encoding="UTF-8"?>
<container><rootfiles><rootfile full-path="%s" media-type="application/vnd.recordare.musicxml+xml"/></rootfiles></container>`

// ============================================================================
// tests
// ============================================================================

func TestProcessSmallFileIsSynchronous(t *testing.T) {
	doc := scoreDoc(t, 8, 512000)
	require.Len(t, doc, 512000)
	path := writeFile(t, t.TempDir(), "small.musicxml", doc)

	sink := &recordingSink{}
	res := New(DefaultConfig(), nil).Process(context.Background(), Task{JobID: "job-1", FilePath: path}, sink)

	require.True(t, res.Success, "error: %+v", res.Error)
	assert.Nil(t, res.Error)
	assert.Equal(t, types.JobID("job-1"), res.JobID)
	assert.Equal(t, int64(512000), res.FileSizeBytes)
	assert.Equal(t, "small.musicxml", res.FileName)
	assert.Equal(t, doc, res.Content)
	assert.False(t, res.Streamed)
	assert.Empty(t, sink.events, "sync path must not emit chunk events")

	require.NotNil(t, res.Metadata)
	assert.Equal(t, "Test Piece", res.Metadata.Title)
	assert.Equal(t, "J. Tester", res.Metadata.Composer)
	assert.Equal(t, 1, res.Metadata.PartCount)
	assert.Equal(t, 8, res.Metadata.MeasureCount)
	assert.Equal(t, 8, res.Units)
	assert.GreaterOrEqual(t, res.Timing.TotalTime, res.Timing.ReadTime)
}

func TestProcessLargeFileStreams(t *testing.T) {
	doc := scoreDoc(t, 20, 2*1024*1024)
	path := writeFile(t, t.TempDir(), "large.xml", doc)

	sink := &recordingSink{}
	res := New(DefaultConfig(), nil).Process(context.Background(), Task{JobID: "job-2", FilePath: path}, sink)

	require.True(t, res.Success, "error: %+v", res.Error)
	assert.True(t, res.Streamed)
	assert.Equal(t, 20, res.Units)
	assert.Equal(t, int64(len(doc)), res.FileSizeBytes)
	assert.Equal(t, doc, res.Content)

	require.GreaterOrEqual(t, len(sink.events), 3)
	first := sink.events[0]
	assert.Equal(t, types.ChunkFirst, first.Kind)
	assert.Equal(t, 4, first.Units)

	progress := 0
	for _, ev := range sink.events[1 : len(sink.events)-1] {
		assert.Equal(t, types.ChunkProgress, ev.Kind)
		progress += ev.Units
	}
	assert.Equal(t, 16, progress)

	last := sink.events[len(sink.events)-1]
	assert.Equal(t, types.ChunkComplete, last.Kind)
	assert.True(t, last.IsFinal)
	assert.Equal(t, 20, last.UnitsProcessed)

	for _, ev := range sink.events {
		assert.Equal(t, types.JobID("job-2"), ev.JobID)
	}

	require.NotNil(t, res.Metadata)
	assert.Equal(t, 20, res.Metadata.MeasureCount)
	assert.Len(t, res.Metadata.Tempos, 20)
}

func TestProcessStreamingTruncatedDocument(t *testing.T) {
	doc := scoreDoc(t, 20, 2*1024*1024)
	doc = doc[:strings.LastIndex(doc, "</measure>")]
	path := writeFile(t, t.TempDir(), "truncated.musicxml", doc)

	sink := &recordingSink{}
	res := New(DefaultConfig(), nil).Process(context.Background(), Task{JobID: "job-3", FilePath: path}, sink)

	require.False(t, res.Success)
	assert.Empty(t, res.Content)
	assert.Equal(t, types.CodeUnexpectedEOF, res.Error.Code)
	for _, ev := range sink.events {
		assert.NotEqual(t, types.ChunkComplete, ev.Kind)
	}
}

func TestProcessRejections(t *testing.T) {
	dir := t.TempDir()
	valid := scoreDoc(t, 2, 0)

	tests := []struct {
		name string
		path string
		cfg  func(*Config)
		want types.Code
	}{
		{name: "relative path", path: "scores/a.musicxml", want: types.CodeInvalidPath},
		{name: "traversal", path: dir + "/../a.musicxml", want: types.CodeInvalidPath},
		{name: "unsupported extension", path: writeFile(t, dir, "a.pdf", valid), want: types.CodeUnsupportedExtension},
		{name: "missing file", path: filepath.Join(dir, "missing.xml"), want: types.CodeIO},
		{name: "directory", path: func() string {
			p := filepath.Join(dir, "folder.xml")
			require.NoError(t, os.Mkdir(p, 0o755))
			return p
		}(), want: types.CodeInvalidPath},
		{
			name: "too large",
			path: writeFile(t, dir, "big.xml", valid),
			cfg:  func(c *Config) { c.MaxFileBytes = 64 },
			want: types.CodeFileTooLarge,
		},
		{
			name: "wrong root",
			path: writeFile(t, dir, "page.xml", `<?xml version="1.0"?><html></html>`),
			want: types.CodeInvalidDocument,
		},
		{
			name: "no declaration",
			path: writeFile(t, dir, "nodecl.musicxml", `<score-partwise></score-partwise>`),
			want: types.CodeInvalidDocument,
		},
		{
			name: "stylesheet without declaration",
			path: writeFile(t, dir, "styled.musicxml", "<?xml-stylesheet href=\"a.xsl\"?>\n"+valid[strings.Index(valid, "<score-partwise"):]),
			want: types.CodeInvalidDocument,
		},
		{
			name: "not a zip",
			path: writeFile(t, dir, "fake.mxl", valid),
			want: types.CodeMalformedArchive,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			if tt.cfg != nil {
				tt.cfg(&cfg)
			}
			res := New(cfg, nil).Process(context.Background(), Task{JobID: "job", FilePath: tt.path}, nil)

			require.False(t, res.Success)
			require.NotNil(t, res.Error)
			assert.Equal(t, tt.want, res.Error.Code, res.Error.Message)
			assert.Empty(t, res.Content)
		})
	}
}

func TestProcessArchive(t *testing.T) {
	dir := t.TempDir()
	doc := scoreDoc(t, 3, 0)

	tests := []struct {
		name    string
		files   map[string]string
		cfg     func(*Config)
		want    types.Code
		success bool
	}{
		{
			name:    "manifest",
			files:   map[string]string{"META-INF/container.xml": fmt.Sprintf(manifest, "score/main.xml"), "score/main.xml": doc},
			success: true,
		},
		{
			name:    "no manifest",
			files:   map[string]string{"META-INF/other.xml": "<x/>", "piece.musicxml": doc},
			success: true,
		},
		{
			name:  "unsafe manifest path",
			files: map[string]string{"META-INF/container.xml": fmt.Sprintf(manifest, "../evil.xml"), "evil.xml": doc},
			want:  types.CodeUnsafeArchivePath,
		},
		{
			name:  "absolute manifest path",
			files: map[string]string{"META-INF/container.xml": fmt.Sprintf(manifest, "/etc/score.xml")},
			want:  types.CodeUnsafeArchivePath,
		},
		{
			name:  "rootfile missing",
			files: map[string]string{"META-INF/container.xml": fmt.Sprintf(manifest, "gone.xml")},
			want:  types.CodeMissingDocument,
		},
		{
			name:  "no score entry",
			files: map[string]string{"readme.txt": "hello"},
			want:  types.CodeMissingDocument,
		},
		{
			name:  "broken manifest",
			files: map[string]string{"META-INF/container.xml": "<container><rootfiles>", "a.xml": doc},
			want:  types.CodeMalformedArchive,
		},
		{
			name:  "inflated too large",
			files: map[string]string{"a.xml": doc},
			cfg:   func(c *Config) { c.MaxInflatedBytes = 100 },
			want:  types.CodeFileTooLarge,
		},
		{
			name:  "invalid inner document",
			files: map[string]string{"a.xml": `<?xml version="1.0"?><opus/>`},
			want:  types.CodeInvalidDocument,
		},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeZip(t, dir, fmt.Sprintf("case%d.mxl", i), tt.files)
			cfg := DefaultConfig()
			if tt.cfg != nil {
				tt.cfg(&cfg)
			}
			sink := &recordingSink{}
			res := New(cfg, nil).Process(context.Background(), Task{JobID: "job", FilePath: path}, sink)

			assert.Empty(t, sink.events, "archives never stream")
			if tt.success {
				require.True(t, res.Success, "error: %+v", res.Error)
				assert.Equal(t, doc, res.Content)
				assert.False(t, res.Streamed)
				return
			}
			require.False(t, res.Success)
			assert.Equal(t, tt.want, res.Error.Code, res.Error.Message)
		})
	}
}

func TestProcessHonorsCancellation(t *testing.T) {
	path := writeFile(t, t.TempDir(), "large.xml", scoreDoc(t, 20, 2*1024*1024))
	p := New(DefaultConfig(), nil)

	t.Run("cancelled before start", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		res := p.Process(ctx, Task{JobID: "job", FilePath: path}, nil)
		require.False(t, res.Success)
		assert.Equal(t, types.CodeShutdown, res.Error.Code)
	})

	t.Run("cancelled mid stream", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		sink := SinkFunc(func(ctx context.Context, ev types.ChunkEvent) error {
			cancel()
			return ctx.Err()
		})
		res := p.Process(ctx, Task{JobID: "job", FilePath: path}, sink)
		require.False(t, res.Success)
		assert.Equal(t, types.CodeShutdown, res.Error.Code)
	})

	t.Run("deadline", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
		defer cancel()
		<-ctx.Done()
		res := p.Process(ctx, Task{JobID: "job", FilePath: path}, nil)
		require.False(t, res.Success)
		assert.Equal(t, types.CodeTimeout, res.Error.Code)
	})
}

// multiPartDoc builds a partwise score with parts x measures measure
// elements, each padded with a pad-byte comment.
func multiPartDoc(parts, measures, pad int) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n<score-partwise version=\"4.0\">\n<part-list>")
	for p := 1; p <= parts; p++ {
		fmt.Fprintf(&b, `<score-part id="P%d"/>`, p)
	}
	b.WriteString("</part-list>\n")
	for p := 1; p <= parts; p++ {
		fmt.Fprintf(&b, "<part id=\"P%d\">\n", p)
		for m := 1; m <= measures; m++ {
			fmt.Fprintf(&b, `<measure number="%d"><!--%s--></measure>`+"\n", m, strings.Repeat("x", pad))
		}
		b.WriteString("</part>\n")
	}
	b.WriteString("</score-partwise>\n")
	return b.String()
}

func TestUnitsAgreeAcrossReadPaths(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name     string
		pad      int
		streamed bool
	}{
		{"sync", 0, false},
		{"streamed", 64 * 1024, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, dir, tt.name+".musicxml", multiPartDoc(2, 10, tt.pad))
			res := New(DefaultConfig(), nil).Process(context.Background(), Task{FilePath: path}, nil)

			require.True(t, res.Success, "error: %+v", res.Error)
			assert.Equal(t, tt.streamed, res.Streamed)
			assert.Equal(t, 20, res.Units, "measures in every part count")
			require.NotNil(t, res.Metadata)
			assert.Equal(t, 10, res.Metadata.MeasureCount, "measure count follows the first part")
		})
	}
}

func TestDeclarationRuleMatchesAcrossReadPaths(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name string
		doc  string
	}{
		{"sync leading newline", "\n" + scoreDoc(t, 2, 0)},
		{"streamed leading newline", "\n" + scoreDoc(t, 20, 2*1024*1024)},
		{"sync stylesheet only", strings.Replace(scoreDoc(t, 2, 0), `<?xml version="1.0" encoding="UTF-8"?>`, `<?xml-stylesheet href="a.xsl"?>`, 1)},
		{"streamed stylesheet only", strings.Replace(scoreDoc(t, 20, 2*1024*1024), `<?xml version="1.0" encoding="UTF-8"?>`, `<?xml-stylesheet href="a.xsl"?>`, 1)},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, dir, fmt.Sprintf("doc%d.musicxml", i), tt.doc)
			res := New(DefaultConfig(), nil).Process(context.Background(), Task{FilePath: path}, nil)

			require.False(t, res.Success)
			require.NotNil(t, res.Error)
			assert.Equal(t, types.CategoryStructural, res.Error.Category(), res.Error.Message)
		})
	}
}

func TestProcessSkipMetadata(t *testing.T) {
	path := writeFile(t, t.TempDir(), "a.musicxml", scoreDoc(t, 2, 0))
	cfg := DefaultConfig()
	cfg.SkipMetadata = true

	res := New(cfg, nil).Process(context.Background(), Task{FilePath: path}, nil)
	require.True(t, res.Success)
	assert.Nil(t, res.Metadata)
	assert.Equal(t, 2, res.Units, "units are counted without metadata")
}
