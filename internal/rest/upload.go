package rest

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
)

// UploadFile posts a file to the thread as multipart form data, streaming
// the body. progress, if non-nil, is called with the transferred
// percentage (0-100) as the file bytes are consumed.
func (c *Client) UploadFile(ctx context.Context, threadID, tempID, name, mime string, size int64, r io.Reader, progress func(int)) error {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		err := writeUploadBody(mw, threadID, tempID, name, mime, size, r, progress)
		if cerr := mw.Close(); err == nil {
			err = cerr
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/chat/upload", pr)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return c.do(req, nil)
}

func writeUploadBody(mw *multipart.Writer, threadID, tempID, name, mime string, size int64, r io.Reader, progress func(int)) error {
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition",
		fmt.Sprintf(`form-data; name="file"; filename=%q`, sanitizeFilename(name)))
	if mime == "" {
		mime = "application/octet-stream"
	}
	header.Set("Content-Type", mime)

	part, err := mw.CreatePart(header)
	if err != nil {
		return err
	}
	counted := &progressReader{r: r, total: size, report: progress}
	if _, err := io.Copy(part, counted); err != nil {
		return fmt.Errorf("copy file: %w", err)
	}

	if err := mw.WriteField("threadId", threadID); err != nil {
		return err
	}
	return mw.WriteField("tempId", tempID)
}

// progressReader reports cumulative percentage as it is read through.
type progressReader struct {
	r      io.Reader
	total  int64
	read   int64
	last   int
	report func(int)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.read += int64(n)
	if p.report != nil && p.total > 0 {
		pct := int(p.read * 100 / p.total)
		if pct > 100 {
			pct = 100
		}
		if pct != p.last {
			p.last = pct
			p.report(pct)
		}
	}
	return n, err
}

func sanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, "/", "_")
	return strings.ReplaceAll(name, "\\", "_")
}
