package core

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"zac.app/discovery/internal/store"
)

const (
	defaultModelName = "gemini-1.5-flash-latest"

	moderationInstruction = "You moderate messages in a social voice app called Zac. " +
		"Flag toxicity, harassment or inappropriate content. Judge only the given message."

	summaryInstruction = "You summarize conversations between two people who just met on a social voice app. " +
		"Write 2-3 sentences about the main topics discussed and the overall vibe. Return only the summary."

	icebreakerInstruction = "You are an icebreaker assistant for a social voice app called Zac. " +
		"Generate short, engaging questions or prompts that help two strangers start talking."
)

// LLMService implements Judge on top of Gemini.
type LLMService struct {
	client    *genai.Client
	modelName string
	logger    *zap.Logger
}

var _ Judge = (*LLMService)(nil)

func NewLLMService(ctx context.Context, apiKey, modelName string, logger *zap.Logger) (*LLMService, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is empty")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	if modelName == "" {
		modelName = defaultModelName
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LLMService{client: client, modelName: modelName, logger: logger}, nil
}

func (s *LLMService) Close() {
	if s.client != nil {
		if err := s.client.Close(); err != nil {
			s.logger.Warn("Error closing GenAI client", zap.Error(err))
		} else {
			s.logger.Info("GenAI client closed")
		}
	}
}

func (s *LLMService) model(instruction string) *genai.GenerativeModel {
	model := s.client.GenerativeModel(s.modelName)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(instruction)},
	}
	return model
}

func (s *LLMService) Moderate(ctx context.Context, text string) (Verdict, error) {
	model := s.model(moderationInstruction)
	temp := float32(0)
	model.Temperature = &temp
	model.ResponseMIMEType = "application/json"
	model.ResponseSchema = &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"isSafe": {Type: genai.TypeBoolean},
			"reason": {Type: genai.TypeString},
		},
		Required: []string{"isSafe"},
	}

	resp, err := model.GenerateContent(ctx, genai.Text(fmt.Sprintf("Message: %q", text)))
	if err != nil {
		return Verdict{}, fmt.Errorf("gemini moderation request failed: %w", err)
	}
	raw, err := responseText(resp)
	if err != nil {
		return Verdict{}, err
	}

	var verdict Verdict
	if err := json.Unmarshal([]byte(raw), &verdict); err != nil {
		return Verdict{}, fmt.Errorf("failed to parse moderation verdict: %w", err)
	}
	return verdict, nil
}

func (s *LLMService) Summarize(ctx context.Context, transcript []Utterance) (string, error) {
	model := s.model(summaryInstruction)
	maxTokens := int32(200)
	model.MaxOutputTokens = &maxTokens

	var history strings.Builder
	for _, u := range transcript {
		fmt.Fprintf(&history, "%s: %s\n", u.Speaker, u.Text)
	}

	resp, err := model.GenerateContent(ctx, genai.Text("Conversation:\n"+history.String()))
	if err != nil {
		return "", fmt.Errorf("gemini summary request failed: %w", err)
	}
	return responseText(resp)
}

func (s *LLMService) Icebreakers(ctx context.Context, topic string, kind store.RequestKind) ([]string, error) {
	model := s.model(icebreakerInstruction)
	temp := float32(0.9)
	model.Temperature = &temp
	model.ResponseMIMEType = "application/json"
	model.ResponseSchema = &genai.Schema{
		Type:  genai.TypeArray,
		Items: &genai.Schema{Type: genai.TypeString},
	}

	prompt := fmt.Sprintf("The pair is about to talk about %q (request type: %s). Return %d prompts as a JSON array of strings.",
		topic, kind, icebreakerCount)
	resp, err := model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return nil, fmt.Errorf("gemini icebreaker request failed: %w", err)
	}
	raw, err := responseText(resp)
	if err != nil {
		return nil, err
	}

	var prompts []string
	if err := json.Unmarshal([]byte(raw), &prompts); err != nil {
		return nil, fmt.Errorf("failed to parse icebreakers: %w", err)
	}
	return prompts, nil
}

// responseText concatenates the text parts of the first candidate.
func responseText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("gemini response was empty or had no valid candidates")
	}

	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			text.WriteString(string(txt))
		}
	}
	if text.Len() == 0 {
		return "", fmt.Errorf("gemini response had no text parts")
	}
	return strings.TrimSpace(text.String()), nil
}
