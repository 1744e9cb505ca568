// Package brainstorm proxies the ad-brief chat to Gemini. The model answers
// with structured JSON so the client knows when the brief is complete.
package brainstorm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"google.golang.org/genai"

	"github.com/owencairns/ad-generator-sub000/internal/observability"
)

// DefaultModel is used when GEMINI_MODEL is unset.
const DefaultModel = "gemini-2.5-flash"

const (
	maxMessages      = 50
	maxMessageLength = 4000
	roleUser         = "user"
	roleAssistant    = "assistant"
	geminiRoleUser   = "user"
	geminiRoleModel  = "model"
)

const systemInstruction = `You are a creative director helping a small business owner brief an ad.
Ask one short question at a time to learn: the product, the target audience,
the key message or offer, the visual style, and the format (aspect ratio).
Keep replies under 80 words and friendly. When you have enough to write the
brief, summarize it in the response and set isComplete to true. Otherwise set
isComplete to false.`

var (
	// ErrNotConfigured is returned when no Gemini API key is set.
	ErrNotConfigured = errors.New("chat model not configured")
	// ErrInvalidMessages is returned for an empty or malformed conversation.
	ErrInvalidMessages = errors.New("invalid messages")
)

// Message is one chat turn as the client sends it.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Reply is the model's answer.
type Reply struct {
	Response   string `json:"response"`
	IsComplete bool   `json:"isComplete"`
}

// Generator is the part of the genai client the service calls.
type Generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Service answers brainstorm chats. A zero-value Service (no Generator)
// reports ErrNotConfigured.
type Service struct {
	gen    Generator
	model  string
	config *genai.GenerateContentConfig
}

// New builds a Service over a live Gemini client. An empty apiKey yields an
// unconfigured service rather than an error so the rest of the API can start.
func New(ctx context.Context, apiKey, model string) (*Service, error) {
	if strings.TrimSpace(apiKey) == "" {
		return &Service{}, nil
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("genai client: %w", err)
	}
	return NewWithGenerator(client.Models, model), nil
}

// NewWithGenerator builds a Service over any Generator.
func NewWithGenerator(gen Generator, model string) *Service {
	if model == "" {
		model = DefaultModel
	}
	return &Service{
		gen:   gen,
		model: model,
		config: &genai.GenerateContentConfig{
			SystemInstruction: &genai.Content{Parts: []*genai.Part{{Text: systemInstruction}}},
			ResponseMIMEType:  "application/json",
			ResponseJsonSchema: map[string]any{
				"type":     "object",
				"required": []string{"response", "isComplete"},
				"properties": map[string]any{
					"response": map[string]any{
						"type":        "string",
						"description": "The assistant's reply shown to the user.",
					},
					"isComplete": map[string]any{
						"type":        "boolean",
						"description": "True once the ad brief has everything needed to generate.",
					},
				},
			},
		},
	}
}

// Configured reports whether the service can reach a model.
func (s *Service) Configured() bool { return s != nil && s.gen != nil }

// Validate checks the conversation shape.
func Validate(msgs []Message) error {
	if len(msgs) == 0 {
		return fmt.Errorf("%w: at least one message required", ErrInvalidMessages)
	}
	if len(msgs) > maxMessages {
		return fmt.Errorf("%w: at most %d messages", ErrInvalidMessages, maxMessages)
	}
	for i, m := range msgs {
		switch m.Role {
		case roleUser, roleAssistant:
		default:
			return fmt.Errorf("%w: message %d has role %q", ErrInvalidMessages, i, m.Role)
		}
		if strings.TrimSpace(m.Content) == "" {
			return fmt.Errorf("%w: message %d is empty", ErrInvalidMessages, i)
		}
		if len(m.Content) > maxMessageLength {
			return fmt.Errorf("%w: message %d is too long", ErrInvalidMessages, i)
		}
	}
	if msgs[len(msgs)-1].Role != roleUser {
		return fmt.Errorf("%w: last message must come from the user", ErrInvalidMessages)
	}
	return nil
}

// Chat sends the conversation and returns the model's reply.
func (s *Service) Chat(ctx context.Context, msgs []Message) (Reply, error) {
	if !s.Configured() {
		return Reply{}, ErrNotConfigured
	}
	if err := Validate(msgs); err != nil {
		return Reply{}, err
	}

	contents := make([]*genai.Content, 0, len(msgs))
	for _, m := range msgs {
		role := geminiRoleUser
		if m.Role == roleAssistant {
			role = geminiRoleModel
		}
		contents = append(contents, &genai.Content{
			Role:  role,
			Parts: []*genai.Part{{Text: m.Content}},
		})
	}

	start := time.Now()
	res, err := s.gen.GenerateContent(ctx, s.model, contents, s.config)
	if err != nil {
		observability.ObserveUpstream("gemini", "chat", "error", time.Since(start))
		return Reply{}, fmt.Errorf("gemini generate: %w", err)
	}
	observability.ObserveUpstream("gemini", "chat", "200", time.Since(start))
	if res == nil {
		return Reply{}, errors.New("gemini generate: empty response")
	}
	return parseReply(res.Text()), nil
}

// parseReply decodes the structured answer. A model that ignored the schema
// still gets its text through, with the brief marked incomplete.
func parseReply(raw string) Reply {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimSuffix(strings.TrimPrefix(raw, "```"), "```")
	raw = strings.TrimSpace(raw)

	var r Reply
	if err := json.Unmarshal([]byte(raw), &r); err != nil || strings.TrimSpace(r.Response) == "" {
		log.Debug().Err(err).Msg("brainstorm: unstructured model reply")
		return Reply{Response: raw}
	}
	return r
}
