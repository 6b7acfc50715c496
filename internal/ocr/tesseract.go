package ocr

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/net/html"

	"github.com/sells-group/facture-cli/internal/model"
)

// TesseractEngine recognizes pages with the tesseract CLI in hOCR mode.
type TesseractEngine struct {
	runner  Runner
	binPath string
	lang    string
}

// NewTesseract creates a TesseractEngine. Empty binPath defaults to
// "tesseract" and empty lang to "fra".
func NewTesseract(binPath, lang string) *TesseractEngine {
	if binPath == "" {
		binPath = "tesseract"
	}
	if lang == "" {
		lang = "fra"
	}
	return &TesseractEngine{runner: execRunner{}, binPath: binPath, lang: lang}
}

// Recognize writes the page to a temp file and runs
// `tesseract <in> stdout -l <lang> hocr`.
func (t *TesseractEngine) Recognize(ctx context.Context, page Page) ([]model.OcrBox, error) {
	dir, err := os.MkdirTemp("", "facture-ocr-*")
	if err != nil {
		return nil, eris.Wrap(err, "tesseract: temp dir")
	}
	defer os.RemoveAll(dir) //nolint:errcheck

	in := filepath.Join(dir, "page"+extForMIME(page.MIMEType))
	if err := os.WriteFile(in, page.Data, 0o600); err != nil {
		return nil, eris.Wrap(err, "tesseract: write page")
	}

	out, errb, err := t.runner.Run(ctx, t.binPath, in, "stdout", "-l", t.lang, "hocr")
	if err != nil {
		return nil, eris.Wrapf(err, "tesseract: run: %s", strings.TrimSpace(string(errb)))
	}
	boxes, err := ParseHOCR(out)
	if err != nil {
		return nil, eris.Wrap(err, "tesseract: parse hocr")
	}
	return boxes, nil
}

// lineClasses are the hOCR classes tesseract emits for text lines.
var lineClasses = []string{"ocr_line", "ocr_caption", "ocr_header", "ocr_textfloat"}

// ParseHOCR converts hOCR markup into one box per text line. Line
// confidence is the mean word x_wconf scaled to [0,1]; lines without
// words are dropped.
func ParseHOCR(data []byte) ([]model.OcrBox, error) {
	doc, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	var boxes []model.OcrBox
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && hasAnyClass(n, lineClasses...) {
			if box, ok := parseLine(n); ok {
				boxes = append(boxes, box)
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return boxes, nil
}

func parseLine(line *html.Node) (model.OcrBox, bool) {
	var (
		words []string
		sum   float64
	)
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && hasAnyClass(n, "ocrx_word") {
			text := strings.TrimSpace(textContent(n))
			if text == "" {
				return
			}
			words = append(words, text)
			props := parseTitle(attr(n, "title"))
			if v, ok := props["x_wconf"]; ok && len(v) > 0 {
				conf, _ := strconv.ParseFloat(v[0], 64)
				sum += conf / 100
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(line)

	if len(words) == 0 {
		return model.OcrBox{}, false
	}
	box := model.OcrBox{
		Text:       strings.Join(words, " "),
		Confidence: sum / float64(len(words)),
	}
	if bb, ok := parseTitle(attr(line, "title"))["bbox"]; ok && len(bb) >= 4 {
		var c [4]float64
		for i := range c {
			c[i], _ = strconv.ParseFloat(bb[i], 64)
		}
		box.BBox = [4][2]float64{{c[0], c[1]}, {c[2], c[1]}, {c[2], c[3]}, {c[0], c[3]}}
	}
	return box, true
}

// parseTitle splits an hOCR title such as "bbox 1 2 3 4; x_wconf 95"
// into its properties.
func parseTitle(title string) map[string][]string {
	out := make(map[string][]string)
	for _, part := range strings.Split(title, ";") {
		items := strings.Fields(part)
		if len(items) > 0 {
			out[items[0]] = items[1:]
		}
	}
	return out
}

func hasAnyClass(n *html.Node, classes ...string) bool {
	for _, c := range strings.Fields(attr(n, "class")) {
		for _, want := range classes {
			if c == want {
				return true
			}
		}
	}
	return false
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func textContent(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		b.WriteString(textContent(c))
	}
	return b.String()
}

func extForMIME(mime string) string {
	switch mime {
	case "image/jpeg":
		return ".jpg"
	case "image/tiff":
		return ".tif"
	case "image/bmp":
		return ".bmp"
	case "image/webp":
		return ".webp"
	default:
		return ".png"
	}
}
