package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
)

// ProgressFunc receives upload progress in percent (0-100).
type ProgressFunc func(percent int)

// UploadFirmware streams a firmware image as multipart field "file" to the
// device. size is the image length in bytes; with size <= 0 progress stays 0.
func (c *Client) UploadFirmware(ctx context.Context, filename string, image io.Reader, size int64, progress ProgressFunc) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if _, err := mw.CreateFormFile("file", filename); err != nil {
		return fmt.Errorf("creating form file: %w", err)
	}
	headLen := buf.Len()
	if err := mw.Close(); err != nil {
		return fmt.Errorf("closing multipart writer: %w", err)
	}
	head := buf.Bytes()[:headLen]
	tail := buf.Bytes()[headLen:]

	body := io.MultiReader(bytes.NewReader(head), image, bytes.NewReader(tail))
	total := int64(-1)
	if size > 0 {
		total = int64(len(head)) + size + int64(len(tail))
	}
	if progress != nil {
		body = &progressReader{r: body, total: total, fn: progress, last: -1}
	}

	req, err := c.newRequest(ctx, http.MethodPost, PathUpload, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.ContentLength = total

	c.logger.Info("uploading firmware", "file", filename, "size", size)
	return c.do(req, nil)
}

// progressReader reports the share of total bytes read so far.
type progressReader struct {
	r     io.Reader
	total int64
	read  int64
	last  int
	fn    ProgressFunc
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.read += int64(n)
	percent := 0
	if p.total > 0 {
		percent = int(math.Round(100 * float64(p.read) / float64(p.total)))
		if percent > 100 {
			percent = 100
		}
	}
	if percent != p.last {
		p.last = percent
		p.fn(percent)
	}
	return n, err
}
