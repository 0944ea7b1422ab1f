package gemini

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/nstogner/aide/pkg/domain"
	"github.com/nstogner/aide/pkg/model"
)

// Caller implements model.Caller using the Google Gen AI SDK.
type Caller struct {
	client    *genai.Client
	modelName string
}

// Verify interface compliance.
var _ model.Caller = (*Caller)(nil)

// New creates a new Gemini caller.
func New(ctx context.Context, apiKey, modelName string) (*Caller, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return &Caller{client: client, modelName: modelName}, nil
}

// Call sends one provider-agnostic request to Gemini and classifies the
// response into message text, thought text, and tool calls.
func (c *Caller) Call(ctx context.Context, req *model.Request) (*model.Response, error) {
	slog.Debug("Gemini.Call", "model", c.modelName, "messageCount", len(req.Messages))

	contents, err := buildContents(req)
	if err != nil {
		return nil, err
	}

	config := &genai.GenerateContentConfig{
		Tools: buildToolDeclarations(req.Tools),
	}
	if req.System != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.System}},
		}
	}

	resp, err := c.client.Models.GenerateContent(ctx, c.modelName, contents, config)
	if err != nil {
		return nil, fmt.Errorf("generate content: %w", err)
	}

	var message, thought strings.Builder
	var toolCalls []domain.ToolCall
	var raw *genai.Content

	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		raw = cand.Content
		for _, part := range cand.Content.Parts {
			if part.Text != "" {
				if part.Thought {
					thought.WriteString(part.Text)
				} else {
					message.WriteString(part.Text)
				}
			}
			if part.FunctionCall != nil {
				fc := part.FunctionCall
				id := fc.ID
				if id == "" {
					id = "call-" + uuid.New().String()
				}
				toolCalls = append(toolCalls, domain.ToolCall{
					ID:        id,
					Name:      fc.Name,
					Arguments: fc.Args,
				})
			}
		}
	}

	return &model.Response{
		Message:   message.String(),
		Thought:   thought.String(),
		ToolCalls: toolCalls,
		Raw:       raw,
	}, nil
}

// buildContents converts provider-agnostic messages to genai contents.
// Image items are decoded from base64 here, at the call boundary.
func buildContents(req *model.Request) ([]*genai.Content, error) {
	var contents []*genai.Content
	toolNameByCallID := make(map[string]string)
	lastAssistantIdx := -1

	for _, msg := range req.Messages {
		var parts []*genai.Part
		for _, mc := range msg.Content {
			switch mc.Type {
			case "text":
				parts = append(parts, &genai.Part{Text: mc.Text})
			case "image":
				data, err := base64.StdEncoding.DecodeString(mc.Data)
				if err != nil {
					return nil, fmt.Errorf("decode image content: %w", err)
				}
				parts = append(parts, &genai.Part{
					InlineData: &genai.Blob{MIMEType: mc.MimeType, Data: data},
				})
			case "tool_call":
				if mc.ToolCall != nil {
					toolNameByCallID[mc.ToolCall.ID] = mc.ToolCall.Name
					parts = append(parts, &genai.Part{
						FunctionCall: &genai.FunctionCall{
							ID:   mc.ToolCall.ID,
							Name: mc.ToolCall.Name,
							Args: mc.ToolCall.Arguments,
						},
					})
				}
			case "tool_result":
				if mc.ToolResult != nil {
					parts = append(parts, toolResultParts(mc.ToolResult, toolNameByCallID)...)
				}
			}
		}

		if len(parts) == 0 {
			continue
		}

		role := genai.RoleUser
		if msg.Role == model.RoleAssistant {
			role = genai.RoleModel
			lastAssistantIdx = len(contents)
		}
		contents = append(contents, &genai.Content{Role: role, Parts: parts})
	}

	// Prefer the provider's own prior output over our reconstruction
	// of the last assistant message; it carries state (e.g. thought
	// signatures) the reconstruction cannot.
	if prev, ok := req.PreviousRaw.(*genai.Content); ok && prev != nil && lastAssistantIdx >= 0 {
		contents[lastAssistantIdx] = prev
	}

	return contents, nil
}

// toolResultParts converts a tool result to function-response parts.
// Non-text items become separate inline-data parts attached to the
// same response.
func toolResultParts(tr *domain.ToolResult, toolNameByCallID map[string]string) []*genai.Part {
	name := toolNameByCallID[tr.SourceCallID]

	var parts []*genai.Part
	parts = append(parts, &genai.Part{
		FunctionResponse: &genai.FunctionResponse{
			ID:   tr.SourceCallID,
			Name: name,
			Response: map[string]any{
				"result": domain.JoinText(tr.Content),
			},
		},
	})

	for _, item := range tr.Content {
		if item.Type != domain.ContentImage {
			continue
		}
		data, err := base64.StdEncoding.DecodeString(item.Data)
		if err != nil {
			slog.Warn("Skipping undecodable image in tool result", "callID", tr.SourceCallID, "error", err)
			continue
		}
		parts = append(parts, &genai.Part{
			InlineData: &genai.Blob{MIMEType: item.MimeType, Data: data},
		})
	}
	return parts
}

func buildToolDeclarations(specs []model.ToolSpec) []*genai.Tool {
	if len(specs) == 0 {
		return nil
	}
	var decls []*genai.FunctionDeclaration
	for _, spec := range specs {
		decls = append(decls, &genai.FunctionDeclaration{
			Name:                 spec.Name,
			Description:          spec.Description,
			ParametersJsonSchema: spec.Parameters,
		})
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}
