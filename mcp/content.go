package mcp

import (
	"encoding/json"

	"github.com/cockroachdb/errors"
)

// ContentType is the type of a content block in a tool result
type ContentType string

const (
	// ContentTypeText is plain text content
	ContentTypeText ContentType = "text"
)

// TextContent is the payload of a text content block
type TextContent struct {
	Text string `json:"text"`
}

// Content is one block of a tool result
type Content struct {
	Type        ContentType
	TextContent *TextContent
}

// MarshalJSON flattens the content into `{"type":...,...}`
func (c *Content) MarshalJSON() ([]byte, error) {
	switch c.Type {
	case ContentTypeText:
		if c.TextContent == nil {
			return nil, errors.New("text content is missing")
		}
		return json.Marshal(struct {
			Type ContentType `json:"type"`
			Text string      `json:"text"`
		}{Type: c.Type, Text: c.TextContent.Text})
	default:
		return nil, errors.Errorf("unknown content type: %s", c.Type)
	}
}

// UnmarshalJSON implements json.Unmarshaler
func (c *Content) UnmarshalJSON(data []byte) error {
	var raw struct {
		Type ContentType `json:"type"`
		Text *string     `json:"text"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch raw.Type {
	case ContentTypeText:
		if raw.Text == nil {
			return errors.New("text content is missing")
		}
		c.Type = raw.Type
		c.TextContent = &TextContent{Text: *raw.Text}
		return nil
	default:
		return errors.Errorf("unknown content type: %s", raw.Type)
	}
}

// NewTextContent creates a text content block
func NewTextContent(text string) *Content {
	return &Content{
		Type:        ContentTypeText,
		TextContent: &TextContent{Text: text},
	}
}

// ToolResponse is the result of `tools/call`
type ToolResponse struct {
	Content []*Content `json:"content"`
	IsError bool       `json:"isError"`
}

// NewToolResponse creates a successful tool result
func NewToolResponse(content ...*Content) *ToolResponse {
	if content == nil {
		content = []*Content{}
	}
	return &ToolResponse{
		Content: content,
	}
}

// NewToolErrorResponse creates a tool result flagged with `isError`
func NewToolErrorResponse(text string) *ToolResponse {
	return &ToolResponse{
		Content: []*Content{NewTextContent(text)},
		IsError: true,
	}
}

// Text returns the concatenated text of all text blocks
func (r *ToolResponse) Text() string {
	var text string
	for _, c := range r.Content {
		if c.Type == ContentTypeText && c.TextContent != nil {
			text += c.TextContent.Text
		}
	}
	return text
}

type toolResponseSent struct {
	Response *ToolResponse
	Error    error
}

// MarshalJSON renders a handler error as an `isError` result
func (c toolResponseSent) MarshalJSON() ([]byte, error) {
	if c.Error != nil {
		return json.Marshal(NewToolErrorResponse(c.Error.Error()))
	}
	return json.Marshal(c.Response)
}

func newToolResponseSent(response *ToolResponse) *toolResponseSent {
	return &toolResponseSent{Response: response}
}

func newToolResponseSentError(err error) *toolResponseSent {
	return &toolResponseSent{Error: err}
}
