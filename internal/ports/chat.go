package ports

import (
	"context"
	"io"
)

// MediaFetcher resolves an external media reference (a chat file id) into a
// byte stream plus the original path hint used to pick a file extension.
type MediaFetcher interface {
	ResolveAndStream(ctx context.Context, fileID string) (rc io.ReadCloser, pathHint string, err error)
}

// ChatSender delivers results back to the user. Both calls may fail;
// delivery failure is never escalated to render failure.
type ChatSender interface {
	SendText(ctx context.Context, target, text string) error
	SendMediaByPath(ctx context.Context, target, path, caption string) error
}
