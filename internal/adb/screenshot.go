package adb

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/png"
	"io"

	"github.com/zsiec/devrelay/internal/device"
)

// Screenshot captures one PNG frame with "exec-out screencap -p" and copies
// it to w. The frame is decoded far enough to validate it and read its size.
func (c *Client) Screenshot(ctx context.Context, deviceID string, w io.Writer) (device.Resolution, error) {
	out, err := c.run(ctx, deviceID, "exec-out", "screencap", "-p")
	if err != nil {
		return device.Resolution{}, err
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(out))
	if err != nil {
		return device.Resolution{}, fmt.Errorf("adb: %s: screencap output: %w", deviceID, err)
	}
	if format != "png" {
		return device.Resolution{}, fmt.Errorf("adb: %s: screencap output is %s, want png", deviceID, format)
	}
	if _, err := w.Write(out); err != nil {
		return device.Resolution{}, fmt.Errorf("adb: write screenshot: %w", err)
	}
	return device.Resolution{Width: cfg.Width, Height: cfg.Height}, nil
}
