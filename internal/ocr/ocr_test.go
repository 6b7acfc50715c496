package ocr

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"cloud.google.com/go/documentai/apiv1/documentaipb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/facture-cli/internal/config"
	"github.com/sells-group/facture-cli/internal/model"
)

// fakeEngine returns canned boxes per page number.
type fakeEngine struct {
	pages    map[int][]model.OcrBox
	err      error
	inFlight atomic.Int32
	maxSeen  atomic.Int32
	delay    time.Duration
}

func (f *fakeEngine) Recognize(_ context.Context, page Page) ([]model.OcrBox, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		m := f.maxSeen.Load()
		if n <= m || f.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.pages[page.Number], nil
}

// fakeRunner records invocations and returns canned output.
type fakeRunner struct {
	calls  [][]string
	stdout []byte
	stderr []byte
	err    error
	onRun  func(args []string)
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, []byte, error) {
	f.calls = append(f.calls, append([]string{name}, args...))
	if f.onRun != nil {
		f.onRun(args)
	}
	return f.stdout, f.stderr, f.err
}

func TestNewEngine_TesseractDefault(t *testing.T) {
	e, err := NewEngine(context.Background(), config.OCRConfig{})
	require.NoError(t, err)
	te, ok := e.(*TesseractEngine)
	require.True(t, ok)
	assert.Equal(t, "tesseract", te.binPath)
	assert.Equal(t, "fra", te.lang)
}

func TestNewEngine_DocumentAIRequiresProcessor(t *testing.T) {
	_, err := NewEngine(context.Background(), config.OCRConfig{Engine: "documentai"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "documentai_project")
}

func TestNewEngine_Unknown(t *testing.T) {
	_, err := NewEngine(context.Background(), config.OCRConfig{Engine: "paddle"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown engine "paddle"`)
}

func TestAdapter_ExtractText(t *testing.T) {
	eng := &fakeEngine{pages: map[int][]model.OcrBox{
		1: {
			{Text: "EDF Entreprises", Confidence: 0.9},
			{Text: "Total TTC 120,50", Confidence: 0.8},
		},
	}}
	a := NewAdapter(eng, 1, 0)

	res, err := a.ExtractText(context.Background(), Page{Number: 1})
	require.NoError(t, err)
	assert.Equal(t, "EDF Entreprises\nTotal TTC 120,50", res.Text)
	assert.InDelta(t, 0.85, res.Confidence, 1e-9)
	assert.Equal(t, []string{"EDF", "Entreprises", "Total", "TTC", "120,50"}, res.Words)
	assert.Len(t, res.Boxes, 2)
}

func TestAdapter_ExtractText_NoLines(t *testing.T) {
	a := NewAdapter(&fakeEngine{}, 1, 0)

	res, err := a.ExtractText(context.Background(), Page{Number: 1})
	require.NoError(t, err)
	assert.Empty(t, res.Text)
	assert.Zero(t, res.Confidence)
	assert.Empty(t, res.Boxes)
	assert.Empty(t, res.Words)
}

func TestAdapter_ExtractText_EngineError(t *testing.T) {
	a := NewAdapter(&fakeEngine{err: errors.New("engine crashed")}, 1, 0)

	_, err := a.ExtractText(context.Background(), Page{Number: 3})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "recognize page 3")
}

func TestAdapter_SemaphoreBoundsConcurrency(t *testing.T) {
	eng := &fakeEngine{delay: 10 * time.Millisecond}
	a := NewAdapter(eng, 1, 0)

	done := make(chan struct{})
	for i := 0; i < 4; i++ {
		go func() {
			_, _ = a.ExtractText(context.Background(), Page{Number: 1})
			done <- struct{}{}
		}()
	}
	for i := 0; i < 4; i++ {
		<-done
	}
	assert.Equal(t, int32(1), eng.maxSeen.Load())
}

func TestAdapter_ExtractText_ContextCanceledWhileWaiting(t *testing.T) {
	a := NewAdapter(&fakeEngine{}, 1, 0)
	a.sem <- struct{}{} // occupy the only slot

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := a.ExtractText(ctx, Page{Number: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAdapter_ExtractDocument_SingleImagePassthrough(t *testing.T) {
	eng := &fakeEngine{pages: map[int][]model.OcrBox{1: {{Text: "EDF", Confidence: 0.92}}}}
	a := NewAdapter(eng, 1, 0)

	res, stats, err := a.ExtractDocument(context.Background(), []Page{{Number: 1}}, false)
	require.NoError(t, err)
	assert.Equal(t, "EDF", res.Text)
	assert.NotContains(t, res.Text, "--- PAGE")
	assert.Equal(t, 1, stats.PagesWithText)
}

func TestAdapter_ExtractDocument_SingleImageEmpty(t *testing.T) {
	a := NewAdapter(&fakeEngine{}, 1, 0)

	_, _, err := a.ExtractDocument(context.Background(), []Page{{Number: 1}}, false)
	assert.ErrorIs(t, err, ErrNoText)
}

func TestAdapter_ExtractDocument_EmptySecondPage(t *testing.T) {
	eng := &fakeEngine{pages: map[int][]model.OcrBox{
		1: {{Text: "Page un", Confidence: 0.9}},
		3: {{Text: "Page trois", Confidence: 0.7}},
	}}
	a := NewAdapter(eng, 1, 0)

	res, stats, err := a.ExtractDocument(context.Background(), []Page{{Number: 1}, {Number: 2}, {Number: 3}}, true)
	require.NoError(t, err)
	assert.Equal(t, "\n--- PAGE 1 ---\nPage un\n\n--- PAGE 3 ---\nPage trois\n", res.Text)
	assert.InDelta(t, 0.8, res.Confidence, 1e-9)
	assert.Equal(t, 3, stats.TotalPages)
	assert.Equal(t, 2, stats.PagesWithText)
	assert.Equal(t, []int{2}, stats.SkippedPages)
}

func TestAggregate_AllEmpty(t *testing.T) {
	_, stats, err := Aggregate([]model.OcrResult{{}, {Text: "  \n"}})
	assert.ErrorIs(t, err, ErrNoText)
	assert.Equal(t, []int{1, 2}, stats.SkippedPages)
}

func TestAggregate_EmptyPageNotCountedAsZero(t *testing.T) {
	res, _, err := Aggregate([]model.OcrResult{
		{Text: "a", Confidence: 0.6, Words: []string{"a"}},
		{},
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.6, res.Confidence, 1e-9)
	assert.Equal(t, []string{"a"}, res.Words)
}

const sampleHOCR = `<?xml version="1.0" encoding="UTF-8"?>
<html xmlns="http://www.w3.org/1999/xhtml"><head><title></title></head>
<body>
 <div class='ocr_page' id='page_1' title='image "page.png"; bbox 0 0 2480 3508'>
  <div class='ocr_carea' id='block_1_1'>
   <p class='ocr_par' id='par_1_1'>
    <span class='ocr_line' id='line_1_1' title="bbox 100 200 600 250; baseline 0 -5">
     <span class='ocrx_word' id='word_1_1' title='bbox 100 200 300 250; x_wconf 96'>EDF</span>
     <span class='ocrx_word' id='word_1_2' title='bbox 320 200 600 250; x_wconf 90'><strong>Entreprises</strong></span>
    </span>
    <span class='ocr_header' id='line_1_2' title="bbox 100 300 500 340">
     <span class='ocrx_word' id='word_1_3' title='bbox 100 300 500 340; x_wconf 80'>PDL</span>
    </span>
    <span class='ocr_line' id='line_1_3' title="bbox 100 400 500 440">
     <span class='ocrx_word' id='word_1_4' title='bbox 100 400 500 440; x_wconf 0'> </span>
    </span>
   </p>
  </div>
 </div>
</body></html>`

func TestParseHOCR(t *testing.T) {
	boxes, err := ParseHOCR([]byte(sampleHOCR))
	require.NoError(t, err)
	require.Len(t, boxes, 2)

	assert.Equal(t, "EDF Entreprises", boxes[0].Text)
	assert.InDelta(t, 0.93, boxes[0].Confidence, 1e-9)
	assert.Equal(t, [4][2]float64{{100, 200}, {600, 200}, {600, 250}, {100, 250}}, boxes[0].BBox)

	assert.Equal(t, "PDL", boxes[1].Text)
	assert.InDelta(t, 0.8, boxes[1].Confidence, 1e-9)
}

func TestParseHOCR_Empty(t *testing.T) {
	boxes, err := ParseHOCR([]byte(`<html><body><div class="ocr_page"></div></body></html>`))
	require.NoError(t, err)
	assert.Empty(t, boxes)
}

func TestTesseract_Recognize(t *testing.T) {
	runner := &fakeRunner{stdout: []byte(sampleHOCR)}
	eng := NewTesseract("/usr/bin/tesseract", "fra")
	eng.runner = runner

	boxes, err := eng.Recognize(context.Background(), Page{Number: 1, Data: []byte("img"), MIMEType: "image/jpeg"})
	require.NoError(t, err)
	assert.Len(t, boxes, 2)

	require.Len(t, runner.calls, 1)
	call := runner.calls[0]
	assert.Equal(t, "/usr/bin/tesseract", call[0])
	assert.True(t, strings.HasSuffix(call[1], ".jpg"))
	assert.Equal(t, []string{"stdout", "-l", "fra", "hocr"}, call[2:])
}

func TestTesseract_RecognizeFailure(t *testing.T) {
	eng := NewTesseract("", "")
	eng.runner = &fakeRunner{err: errors.New("exit status 1"), stderr: []byte("Error opening data file")}

	_, err := eng.Recognize(context.Background(), Page{Number: 1, Data: []byte("img")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Error opening data file")
}

func TestIsPDF(t *testing.T) {
	assert.True(t, IsPDF([]byte("%PDF-1.7\n..."), "scan"))
	assert.True(t, IsPDF([]byte("garbage"), "https://files.example.com/facture.PDF?token=abc"))
	assert.False(t, IsPDF([]byte("\x89PNG\r\n"), "https://files.example.com/facture.png"))
}

func TestRasterizer_ImagePassthrough(t *testing.T) {
	r := NewRasterizer("", 0, 0)
	r.runner = &fakeRunner{err: errors.New("must not run")}

	png := []byte("\x89PNG\r\n\x1a\n0000")
	pages, isPDF, err := r.Pages(context.Background(), png, "facture.png")
	require.NoError(t, err)
	assert.False(t, isPDF)
	require.Len(t, pages, 1)
	assert.Equal(t, "image/png", pages[0].MIMEType)
	assert.Equal(t, 1, pages[0].Number)
}

func TestRasterizer_PDF(t *testing.T) {
	runner := &fakeRunner{}
	runner.onRun = func(args []string) {
		prefix := args[len(args)-1]
		for _, n := range []string{"2", "1"} {
			require.NoError(t, os.WriteFile(prefix+"-"+n+".png", []byte("page"+n), 0o600))
		}
	}
	r := NewRasterizer("pdftoppm", 200, 5)
	r.runner = runner

	// Not a valid PDF body: the page count fails and pdftoppm decides.
	pages, isPDF, err := r.Pages(context.Background(), []byte("%PDF-1.4 broken"), "facture.pdf")
	require.NoError(t, err)
	assert.True(t, isPDF)
	require.Len(t, pages, 2)
	assert.Equal(t, []byte("page1"), pages[0].Data)
	assert.Equal(t, 2, pages[1].Number)

	call := runner.calls[0]
	assert.Equal(t, []string{"pdftoppm", "-r", "200", "-png", "-l", "5"}, call[:6])
	assert.Equal(t, "in.pdf", filepath.Base(call[6]))
}

func TestRasterizer_NoImages(t *testing.T) {
	r := NewRasterizer("", 0, 0)
	r.runner = &fakeRunner{}

	_, _, err := r.Pages(context.Background(), []byte("%PDF-1.4"), "x.pdf")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no images")
	assert.ErrorIs(t, err, ErrNoPages)
}

func TestRasterizer_EmptyFile(t *testing.T) {
	_, _, err := NewRasterizer("", 0, 0).Pages(context.Background(), nil, "x.pdf")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoPages)
}

func TestBoxesFromDocument(t *testing.T) {
	text := "EDF SA\nTotal 120,50\n"
	doc := &documentaipb.Document{
		Text: text,
		Pages: []*documentaipb.Document_Page{{
			Dimension: &documentaipb.Document_Page_Dimension{Width: 1000, Height: 2000},
			Lines: []*documentaipb.Document_Page_Line{
				{Layout: &documentaipb.Document_Page_Layout{
					TextAnchor: &documentaipb.Document_TextAnchor{
						TextSegments: []*documentaipb.Document_TextAnchor_TextSegment{{StartIndex: 0, EndIndex: 7}},
					},
					Confidence: 0.98,
					BoundingPoly: &documentaipb.BoundingPoly{NormalizedVertices: []*documentaipb.NormalizedVertex{
						{X: 0.1, Y: 0.1}, {X: 0.5, Y: 0.1}, {X: 0.5, Y: 0.2}, {X: 0.1, Y: 0.2},
					}},
				}},
				{Layout: &documentaipb.Document_Page_Layout{
					TextAnchor: &documentaipb.Document_TextAnchor{
						TextSegments: []*documentaipb.Document_TextAnchor_TextSegment{{StartIndex: 7, EndIndex: 20}},
					},
					Confidence: 0.5,
				}},
			},
		}},
	}

	boxes := boxesFromDocument(doc)
	require.Len(t, boxes, 2)
	assert.Equal(t, "EDF SA", boxes[0].Text)
	assert.InDelta(t, 0.98, boxes[0].Confidence, 1e-6)
	assert.InDelta(t, 100, boxes[0].BBox[0][0], 1e-3)
	assert.InDelta(t, 400, boxes[0].BBox[2][1], 1e-3)
	assert.Equal(t, "Total 120,50", boxes[1].Text)
}

func TestDocumentAI_Recognize(t *testing.T) {
	var got *documentaipb.ProcessRequest
	eng := &DocumentAIEngine{
		name: "projects/p/locations/eu/processors/x",
		process: func(_ context.Context, req *documentaipb.ProcessRequest) (*documentaipb.ProcessResponse, error) {
			got = req
			return &documentaipb.ProcessResponse{Document: &documentaipb.Document{}}, nil
		},
	}

	boxes, err := eng.Recognize(context.Background(), Page{Number: 1, Data: []byte("img")})
	require.NoError(t, err)
	assert.Empty(t, boxes)
	assert.Equal(t, "projects/p/locations/eu/processors/x", got.GetName())
	assert.Equal(t, "image/png", got.GetRawDocument().GetMimeType())
	assert.NoError(t, eng.Close())
}
