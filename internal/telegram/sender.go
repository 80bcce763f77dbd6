package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"

	"tvb/internal/pkg/errors"
)

// SendText sends a plain text message to the chat.
func (c *Client) SendText(ctx context.Context, target, text string) error {
	params := url.Values{}
	params.Set("chat_id", target)
	params.Set("text", text)
	return c.call(ctx, "sendMessage", params, nil)
}

// SendTextWithKeyboard sends a text message with an inline keyboard. Rows
// are [][]Button.
func (c *Client) SendTextWithKeyboard(ctx context.Context, target, text string, rows [][]Button) error {
	markup, err := json.Marshal(map[string]any{"inline_keyboard": rows})
	if err != nil {
		return errors.Wrap(err, "telegram.sendMessage", "keyboard marshal failed")
	}
	params := url.Values{}
	params.Set("chat_id", target)
	params.Set("text", text)
	params.Set("reply_markup", string(markup))
	return c.call(ctx, "sendMessage", params, nil)
}

// Button is one inline keyboard button.
type Button struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data"`
}

// SendMediaByPath uploads a local video file via multipart sendVideo.
func (c *Client) SendMediaByPath(ctx context.Context, target, path, caption string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "telegram.sendVideo", "open media failed")
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("chat_id", target); err != nil {
		return errors.Wrap(err, "telegram.sendVideo", "write field failed")
	}
	if caption != "" {
		if err := mw.WriteField("caption", caption); err != nil {
			return errors.Wrap(err, "telegram.sendVideo", "write field failed")
		}
	}
	part, err := mw.CreateFormFile("video", filepath.Base(path))
	if err != nil {
		return errors.Wrap(err, "telegram.sendVideo", "create form file failed")
	}
	if _, err := io.Copy(part, f); err != nil {
		return errors.Wrap(err, "telegram.sendVideo", "copy media failed")
	}
	if err := mw.Close(); err != nil {
		return errors.Wrap(err, "telegram.sendVideo", "finalize form failed")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.methodURL("sendVideo"), &buf)
	if err != nil {
		return errors.Wrap(err, "telegram.sendVideo", "build request failed")
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.WrapWithCode(err, errors.CodeUnavailable, "telegram.sendVideo", "request failed")
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	var env apiResponse
	if err := json.Unmarshal(body, &env); err != nil {
		return errors.Wrapf(err, "telegram.sendVideo", "bad response (status %d)", resp.StatusCode)
	}
	if !env.OK {
		return errors.Newf(errors.CodeUnavailable, "telegram sendVideo failed: %s", env.Description)
	}
	return nil
}
