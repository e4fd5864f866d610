package attachment

import (
	"bytes"
	"context"
	"mime/multipart"
	"net/http"

	"github.com/aethermsg/chatcore/errors"
)

// transfer performs the actual upload against a provisioned URL: a
// presigned PUT sends ciphertext as the raw request body; a presigned
// POST assembles a multipart form whose fields are echoed verbatim from
// the policy document ahead of the file part (§4.8).
func (p *Pipeline) transfer(ctx context.Context, info *UploadInfo, ciphertext []byte, contentType string) error {
	switch info.Method {
	case "PUT":
		return p.transferPUT(ctx, info.URL, ciphertext, contentType)
	case "POST":
		return p.transferPOST(ctx, info.URL, info.Fields, ciphertext, contentType)
	default:
		return errors.Newf("attachment: unknown provisioned upload method %q", info.Method)
	}
}

func (p *Pipeline) transferPUT(ctx context.Context, url string, ciphertext []byte, contentType string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(ciphertext))
	if err != nil {
		return errors.Wrap(err, "build attachment PUT request")
	}
	req.Header.Set("Content-Type", contentType)
	return p.doUpload(req)
}

func (p *Pipeline) transferPOST(ctx context.Context, url string, fields map[string]string, ciphertext []byte, contentType string) error {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return errors.Wrap(err, "write attachment POST policy field")
		}
	}
	part, err := mw.CreateFormFile("file", "attachment")
	if err != nil {
		return errors.Wrap(err, "create attachment POST file part")
	}
	if _, err := part.Write(ciphertext); err != nil {
		return errors.Wrap(err, "write attachment POST file part")
	}
	if err := mw.Close(); err != nil {
		return errors.Wrap(err, "close attachment POST multipart body")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return errors.Wrap(err, "build attachment POST request")
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	_ = contentType // the content type of the uploaded blob itself rides in fields, not this header
	return p.doUpload(req)
}

func (p *Pipeline) doUpload(req *http.Request) error {
	resp, err := p.http.Do(req)
	if err != nil {
		return errors.WithKind(errors.Wrap(err, "attachment upload request failed"), errors.KindTransport)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.WithKind(errors.Newf("attachment upload returned status %d", resp.StatusCode), errors.KindTransport)
	}
	return nil
}
