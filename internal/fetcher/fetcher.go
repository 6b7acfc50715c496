// Package fetcher downloads invoice files and reads batch manifests.
package fetcher

import (
	"context"
	"io"

	"github.com/rotisserie/eris"
)

// Fetcher defines the interface for retrieving invoice files.
type Fetcher interface {
	// Download fetches the URL and returns the response body.
	Download(ctx context.Context, url string) (io.ReadCloser, error)
}

// ErrTooLarge is returned when a body exceeds the configured size cap.
var ErrTooLarge = eris.New("fetcher: file exceeds size limit")

// ReadAll downloads url and returns its full content.
func ReadAll(ctx context.Context, f Fetcher, url string) ([]byte, error) {
	body, err := f.Download(ctx, url)
	if err != nil {
		return nil, err
	}
	defer body.Close() //nolint:errcheck

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: read %s", url)
	}
	return data, nil
}

// cappedBody fails the read once more than limit bytes were produced.
type cappedBody struct {
	rc    io.ReadCloser
	limit int64
	read  int64
}

func (c *cappedBody) Read(p []byte) (int, error) {
	n, err := c.rc.Read(p)
	c.read += int64(n)
	if c.read > c.limit {
		return n, ErrTooLarge
	}
	return n, err
}

func (c *cappedBody) Close() error {
	return c.rc.Close()
}

func capBody(rc io.ReadCloser, limit int64) io.ReadCloser {
	if limit <= 0 {
		return rc
	}
	return &cappedBody{rc: rc, limit: limit}
}
