package diagram

import (
	"context"
	"fmt"
	"strings"
)

// Format selects a renderer.
type Format string

const (
	FormatMermaid Format = "mermaid"
	FormatASCII   Format = "ascii"
	FormatPNG     Format = "png"
)

// ParseFormat accepts a format name, case-insensitively. Empty means mermaid.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FormatMermaid, nil
	case FormatMermaid, FormatASCII, FormatPNG:
		return f, nil
	default:
		return "", fmt.Errorf("diagram: unknown format %q (want mermaid, ascii or png)", s)
	}
}

// Render renders model in format and returns the bytes with their content type.
func Render(ctx context.Context, model *DiagramModel, format Format) ([]byte, string, error) {
	switch format {
	case FormatMermaid, "":
		return []byte(RenderMermaid(model)), "text/plain; charset=utf-8", nil
	case FormatASCII:
		return []byte(RenderASCII(model)), "text/plain; charset=utf-8", nil
	case FormatPNG:
		img, err := RenderImage(ctx, model)
		if err != nil {
			return nil, "", err
		}
		return img, "image/png", nil
	default:
		return nil, "", fmt.Errorf("diagram: unknown format %q", format)
	}
}
