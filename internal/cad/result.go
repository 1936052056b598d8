package cad

import (
	"encoding/base64"
	"encoding/json"
	"mime"
	"os"
	"strings"

	"github.com/lydakis/workerbus/internal/envelope"
	"github.com/lydakis/workerbus/internal/workererr"
	"github.com/mark3labs/mcp-go/mcp"
)

// decodeResult accepts both reply shapes the worker uses: a flat
// {text, isError} pair, or MCP-style {content: [...], isError}.
func decodeResult(payload envelope.Value) (*mcp.CallToolResult, error) {
	isError, _ := payload.Get("isError").BoolValue()
	result := &mcp.CallToolResult{IsError: isError}

	if items, ok := payload.Get("content").ArrayValue(); ok {
		for _, item := range items {
			result.Content = append(result.Content, decodeContent(item))
		}
		return result, nil
	}

	text, ok := payload.Get("text").StringValue()
	if !ok {
		return nil, &workererr.InvalidResponseError{Op: "call_tool", Reason: "reply has neither text nor content"}
	}
	result.Content = []mcp.Content{mcp.NewTextContent(text)}
	return result, nil
}

func decodeContent(item envelope.Value) mcp.Content {
	kind, _ := item.Get("type").StringValue()
	switch kind {
	case "text":
		text, _ := item.Get("text").StringValue()
		return mcp.NewTextContent(text)
	case "image":
		data, _ := item.Get("data").StringValue()
		mimeType, _ := item.Get("mimeType").StringValue()
		return mcp.NewImageContent(data, mimeType)
	default:
		return mcp.NewTextContent(item.String())
	}
}

// resultText joins the text blocks of result.
func resultText(result *mcp.CallToolResult) string {
	var parts []string
	for _, content := range result.Content {
		switch c := content.(type) {
		case mcp.TextContent:
			parts = append(parts, c.Text)
		case *mcp.TextContent:
			parts = append(parts, c.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// RenderResult turns a tool result into command-line output and an exit
// code. Text is printed as is; images are written to temporary files and
// their paths printed instead.
func RenderResult(result *mcp.CallToolResult) ([]byte, int) {
	if result == nil {
		return nil, workererr.ExitInternal
	}

	exitCode := workererr.ExitOK
	if result.IsError {
		exitCode = workererr.ExitToolErr
	}

	if result.StructuredContent != nil {
		if data, err := json.Marshal(result.StructuredContent); err == nil {
			return ensureTrailingNewline(data), exitCode
		}
	}

	var parts []string
	for _, content := range result.Content {
		if rendered, ok := renderContent(content); ok {
			parts = append(parts, rendered)
			continue
		}
		if raw, err := json.Marshal(content); err == nil {
			parts = append(parts, string(raw))
		}
	}
	if len(parts) == 0 {
		return nil, exitCode
	}
	return ensureTrailingNewline([]byte(strings.Join(parts, "\n"))), exitCode
}

func renderContent(content mcp.Content) (string, bool) {
	switch c := content.(type) {
	case mcp.TextContent:
		return c.Text, true
	case *mcp.TextContent:
		return c.Text, true
	case mcp.ImageContent:
		return renderImage(c.MIMEType, c.Data)
	case *mcp.ImageContent:
		return renderImage(c.MIMEType, c.Data)
	default:
		return "", false
	}
}

func renderImage(mimeType, encoded string) (string, bool) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", false
	}
	path, err := writeTempFile("workerbus-cad", mimeType, data)
	if err != nil {
		return "", false
	}
	return path, true
}

func writeTempFile(prefix, mimeType string, data []byte) (string, error) {
	f, err := os.CreateTemp("", prefix+"-*"+extForMIMEType(mimeType))
	if err != nil {
		return "", err
	}

	name := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(name)
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(name)
		return "", err
	}
	return name, nil
}

func extForMIMEType(mimeType string) string {
	mimeType = strings.TrimSpace(strings.ToLower(mimeType))
	if idx := strings.Index(mimeType, ";"); idx >= 0 {
		mimeType = strings.TrimSpace(mimeType[:idx])
	}
	switch mimeType {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	}
	if mimeType != "" {
		if exts, _ := mime.ExtensionsByType(mimeType); len(exts) > 0 {
			return exts[0]
		}
	}
	return ".bin"
}

func ensureTrailingNewline(out []byte) []byte {
	if len(out) == 0 || out[len(out)-1] == '\n' {
		return out
	}
	return append(out, '\n')
}
