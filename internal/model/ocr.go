package model

// OcrBox is one recognized text region. BBox holds the four corners of the
// region as (x, y) pairs in pixel space, clockwise from top-left.
type OcrBox struct {
	BBox       [4][2]float64 `json:"bbox"`
	Text       string        `json:"text"`
	Confidence float64       `json:"confidence"`
}

// OcrResult is the OCR output for a page or for an aggregated document.
type OcrResult struct {
	Text       string   `json:"text"`
	Confidence float64  `json:"confidence"`
	Boxes      []OcrBox `json:"boxes"`
	Words      []string `json:"words"`
}

// OcrMetadata summarizes an OcrResult for persistence and responses.
type OcrMetadata struct {
	TotalWords int `json:"total_words"`
	TotalBoxes int `json:"total_boxes"`
	TotalPages int `json:"total_pages"`
}
