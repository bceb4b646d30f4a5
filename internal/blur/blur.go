package blur

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/disintegration/imaging"

	"geovisio/internal/imagefs"
)

// Client calls an external blur API to anonymize pictures before they
// reach permanent storage.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		// blurring a large panorama server-side can be slow
		httpClient: &http.Client{Timeout: 2 * time.Minute},
	}
}

// Blur sends a picture to the blur API and stores the blurred result in
// the permanent store at outPath, replacing whatever was there. Returns
// the decoded blurred image, already rotated by the blur service.
func (c *Client) Blur(ctx context.Context, picture io.Reader, permanent *imagefs.Store, outPath string) (image.Image, error) {
	const op = "blur.Blur"

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("picture", "picture.jpg")
	if err != nil {
		return nil, fmt.Errorf("%s: %v", op, err)
	}
	if _, err := io.Copy(part, picture); err != nil {
		return nil, fmt.Errorf("%s: %v", op, err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("%s: %v", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/blur/", &body)
	if err != nil {
		return nil, fmt.Errorf("%s: %v", op, err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %v", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s: blur service answered %s", op, resp.Status)
	}

	blurred, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: %v", op, err)
	}

	// validate before touching the permanent store, a 200 with a garbage
	// body must not replace the artifact
	img, err := imaging.Decode(bytes.NewReader(blurred))
	if err != nil {
		return nil, fmt.Errorf("%s: decoding blurred picture: %v", op, err)
	}

	if err := permanent.Write(outPath, bytes.NewReader(blurred)); err != nil {
		return nil, fmt.Errorf("%s: %v", op, err)
	}
	return img, nil
}
