package telegram

import (
	"context"
	"io"
	"net/http"
	"net/url"

	"tvb/internal/pkg/errors"
)

type fileInfo struct {
	FileID   string `json:"file_id"`
	FilePath string `json:"file_path"`
}

// ResolveAndStream resolves a file id via getFile and streams its content.
// The returned path hint is Telegram's server-side file path, useful for
// picking an extension.
func (c *Client) ResolveAndStream(ctx context.Context, fileID string) (io.ReadCloser, string, error) {
	params := url.Values{}
	params.Set("file_id", fileID)

	var info fileInfo
	if err := c.call(ctx, "getFile", params, &info); err != nil {
		return nil, "", err
	}
	if info.FilePath == "" {
		return nil, "", errors.New(errors.CodeUnavailable, "telegram getFile: missing file_path")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.fileURL(info.FilePath), nil)
	if err != nil {
		return nil, "", errors.Wrap(err, "telegram.download", "build request failed")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", errors.WrapWithCode(err, errors.CodeUnavailable, "telegram.download", "request failed")
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, "", errors.Newf(errors.CodeUnavailable, "telegram file download failed: %s", resp.Status)
	}
	return resp.Body, info.FilePath, nil
}
