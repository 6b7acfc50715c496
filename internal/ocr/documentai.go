package ocr

import (
	"context"
	"fmt"
	"strings"

	documentai "cloud.google.com/go/documentai/apiv1"
	"cloud.google.com/go/documentai/apiv1/documentaipb"
	"github.com/rotisserie/eris"
	"google.golang.org/api/option"

	"github.com/sells-group/facture-cli/internal/model"
)

// DocumentAIConfig identifies a Google Document AI OCR processor.
type DocumentAIConfig struct {
	ProjectID       string
	Location        string
	ProcessorID     string
	CredentialsFile string
}

type processFunc func(ctx context.Context, req *documentaipb.ProcessRequest) (*documentaipb.ProcessResponse, error)

// DocumentAIEngine recognizes pages with a Document AI OCR processor.
type DocumentAIEngine struct {
	name    string
	process processFunc
	closeFn func() error
}

// NewDocumentAI dials the regional Document AI endpoint.
func NewDocumentAI(ctx context.Context, cfg DocumentAIConfig) (*DocumentAIEngine, error) {
	if cfg.Location == "" {
		cfg.Location = "eu"
	}
	opts := []option.ClientOption{
		option.WithEndpoint(fmt.Sprintf("%s-documentai.googleapis.com:443", cfg.Location)),
	}
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := documentai.NewDocumentProcessorClient(ctx, opts...)
	if err != nil {
		return nil, eris.Wrap(err, "documentai: create client")
	}
	return &DocumentAIEngine{
		name: fmt.Sprintf("projects/%s/locations/%s/processors/%s", cfg.ProjectID, cfg.Location, cfg.ProcessorID),
		process: func(ctx context.Context, req *documentaipb.ProcessRequest) (*documentaipb.ProcessResponse, error) {
			return client.ProcessDocument(ctx, req)
		},
		closeFn: client.Close,
	}, nil
}

// Recognize sends one page image to the processor.
func (d *DocumentAIEngine) Recognize(ctx context.Context, page Page) ([]model.OcrBox, error) {
	mime := page.MIMEType
	if mime == "" {
		mime = "image/png"
	}
	resp, err := d.process(ctx, &documentaipb.ProcessRequest{
		Name: d.name,
		Source: &documentaipb.ProcessRequest_RawDocument{
			RawDocument: &documentaipb.RawDocument{Content: page.Data, MimeType: mime},
		},
		SkipHumanReview: true,
	})
	if err != nil {
		return nil, eris.Wrapf(err, "documentai: process page %d", page.Number)
	}
	return boxesFromDocument(resp.GetDocument()), nil
}

// Close releases the gRPC connection.
func (d *DocumentAIEngine) Close() error {
	if d.closeFn == nil {
		return nil
	}
	return d.closeFn()
}

// boxesFromDocument yields one box per detected line, with the normalized
// bounding polygon scaled to page pixels.
func boxesFromDocument(doc *documentaipb.Document) []model.OcrBox {
	if doc == nil {
		return nil
	}
	var boxes []model.OcrBox
	for _, page := range doc.GetPages() {
		dim := page.GetDimension()
		for _, line := range page.GetLines() {
			layout := line.GetLayout()
			text := strings.TrimSpace(anchorText(doc.GetText(), layout.GetTextAnchor()))
			if text == "" {
				continue
			}
			box := model.OcrBox{Text: text, Confidence: float64(layout.GetConfidence())}
			verts := layout.GetBoundingPoly().GetNormalizedVertices()
			if len(verts) >= 4 && dim != nil {
				for i := 0; i < 4; i++ {
					box.BBox[i] = [2]float64{
						float64(verts[i].GetX()) * float64(dim.GetWidth()),
						float64(verts[i].GetY()) * float64(dim.GetHeight()),
					}
				}
			}
			boxes = append(boxes, box)
		}
	}
	return boxes
}

func anchorText(text string, anchor *documentaipb.Document_TextAnchor) string {
	var b strings.Builder
	for _, seg := range anchor.GetTextSegments() {
		start, end := int(seg.GetStartIndex()), int(seg.GetEndIndex())
		if start < 0 || end > len(text) || start > end {
			continue
		}
		b.WriteString(text[start:end])
	}
	return b.String()
}
