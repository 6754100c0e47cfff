/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"
)

// ErrContentPolicy marks a provider refusal, which triggers one
// sanitize-and-retry cycle before falling back to the raw sentence log.
var ErrContentPolicy = errors.New("content policy rejection")

var errGenerationDisabled = errors.New("generation disabled")

const (
	fallbackOpening      = "One morning..."
	fallbackContinuation = "And the story went on..."

	maxImagePromptLength = 1000
	maxSpeechInputLength = 4000
)

// Provider is the external text/image/audio generation capability. Every
// method may fail; converting failures into fallbacks is the
// Orchestrator's job, not the caller's.
type Provider interface {
	Opening(ctx context.Context, theme string) (string, error)
	Continuation(ctx context.Context, history []string) (string, error)
	FinalStory(ctx context.Context, history []string) (string, error)
	Sanitize(ctx context.Context, history []string) ([]string, error)
	Illustration(ctx context.Context, story string) (string, error)
	Narration(ctx context.Context, story string) (string, error)
}

// Orchestrator wraps a Provider so that no error ever reaches the game
// state machine: every failure resolves to a usable fallback value.
type Orchestrator struct {
	provider Provider
}

func NewOrchestrator(provider Provider) *Orchestrator {
	return &Orchestrator{provider: provider}
}

func (o *Orchestrator) Opening(ctx context.Context, theme string) string {
	text, err := o.provider.Opening(ctx, theme)
	if err != nil || strings.TrimSpace(text) == "" {
		if err != nil && !errors.Is(err, errGenerationDisabled) {
			log.Error().Err(err).Msg("Opening generation failed")
		}
		return fallbackOpening
	}
	return strings.TrimSpace(text)
}

func (o *Orchestrator) Continuation(ctx context.Context, history []string) string {
	text, err := o.provider.Continuation(ctx, history)
	if err != nil || strings.TrimSpace(text) == "" {
		if err != nil && !errors.Is(err, errGenerationDisabled) {
			log.Error().Err(err).Msg("Continuation generation failed")
		}
		return fallbackContinuation
	}
	return ensureSentenceEnd(text)
}

// FinalStory retries once through a moderation-safe rewrite when the
// provider rejects the raw history, and degrades to the newline-joined
// sentence log when that also fails.
func (o *Orchestrator) FinalStory(ctx context.Context, history []string) string {
	story, err := o.provider.FinalStory(ctx, history)
	if errors.Is(err, ErrContentPolicy) {
		sanitized, sErr := o.provider.Sanitize(ctx, history)
		if sErr == nil && len(sanitized) > 0 {
			story, err = o.provider.FinalStory(ctx, sanitized)
		}
	}
	if err != nil || strings.TrimSpace(story) == "" {
		if err != nil && !errors.Is(err, errGenerationDisabled) {
			log.Error().Err(err).Msg("Final story generation failed")
		}
		return strings.Join(history, "\n")
	}
	return strings.TrimSpace(story)
}

// Media generates the illustration and narration concurrently. A disabled
// feature or a failed call yields an empty ref without affecting the
// other; both complete before Media returns.
func (o *Orchestrator) Media(ctx context.Context, story string, features Features) (image string, audio string) {
	var wg sync.WaitGroup

	if features.Illustration {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ref, err := o.provider.Illustration(ctx, story)
			if err != nil {
				if !errors.Is(err, errGenerationDisabled) {
					log.Error().Err(err).Msg("Illustration generation failed")
				}
				return
			}
			image = ref
		}()
	}

	if features.Narration {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ref, err := o.provider.Narration(ctx, story)
			if err != nil {
				if !errors.Is(err, errGenerationDisabled) {
					log.Error().Err(err).Msg("Narration generation failed")
				}
				return
			}
			audio = ref
		}()
	}

	wg.Wait()

	return image, audio
}

// ensureSentenceEnd trims the text and forces sentence-final punctuation.
func ensureSentenceEnd(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return text
	}
	switch r, _ := utf8.DecodeLastRuneInString(text); r {
	case '.', '!', '?', '…', '؟', '。':
		return text
	}
	return text + "."
}

func truncate(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	for limit > 0 && !utf8.RuneStart(text[limit]) {
		limit--
	}
	return text[:limit]
}

// newGenerator builds the Orchestrator from config. Without an API key
// every call degrades to its fallback, which keeps the server usable for
// local play and testing.
func newGenerator(cfg *Config) *Orchestrator {
	if cfg.openaiAPIKey == "" {
		return NewOrchestrator(disabledProvider{})
	}

	return NewOrchestrator(&openAIProvider{
		client:   openai.NewClient(cfg.openaiAPIKey),
		model:    cfg.openaiModel,
		language: cfg.language,
		audioDir: cfg.resolvedAudioDir(),
		audioURL: cfg.prefix + "/audio/",
	})
}

type disabledProvider struct{}

func (disabledProvider) Opening(context.Context, string) (string, error) {
	return "", errGenerationDisabled
}

func (disabledProvider) Continuation(context.Context, []string) (string, error) {
	return "", errGenerationDisabled
}

func (disabledProvider) FinalStory(context.Context, []string) (string, error) {
	return "", errGenerationDisabled
}

func (disabledProvider) Sanitize(context.Context, []string) ([]string, error) {
	return nil, errGenerationDisabled
}

func (disabledProvider) Illustration(context.Context, string) (string, error) {
	return "", errGenerationDisabled
}

func (disabledProvider) Narration(context.Context, string) (string, error) {
	return "", errGenerationDisabled
}

type openAIProvider struct {
	client   *openai.Client
	model    string
	language string
	audioDir string
	audioURL string
}

var themeFlavors = map[string]string{
	"adventure":    "thrilling",
	"heartwarming": "warm and heartfelt",
	"horror":       "spine-chilling",
	"mystery":      "enigmatic",
}

func (p *openAIProvider) chat(ctx context.Context, system, user string, maxTokens int) (string, error) {
	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: p.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		Temperature: 0.8,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) && apiErr.Code == "content_policy_violation" {
			return "", ErrContentPolicy
		}
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("empty completion")
	}
	choice := resp.Choices[0]
	if choice.FinishReason == openai.FinishReasonContentFilter {
		return "", ErrContentPolicy
	}
	return choice.Message.Content, nil
}

func (p *openAIProvider) Opening(ctx context.Context, theme string) (string, error) {
	flavor, ok := themeFlavors[strings.ToLower(strings.TrimSpace(theme))]
	if !ok {
		flavor = "evocative"
	}

	return p.chat(ctx,
		fmt.Sprintf("You are a creative storyteller. Write a single opening sentence in %s based on the given theme.", p.language),
		fmt.Sprintf("Write a single short %s sentence in %s that opens a story with the theme %q.", flavor, p.language, theme),
		100,
	)
}

func (p *openAIProvider) Continuation(ctx context.Context, history []string) (string, error) {
	return p.chat(ctx,
		fmt.Sprintf("You are a creative storyteller. Based on the previous sentences, generate a single engaging sentence in %s that continues the story naturally. Match the tone and style of the previous sentences. Keep the sentence concise but meaningful.", p.language),
		fmt.Sprintf("Previous sentences:\n%s\n\nGenerate one sentence to continue this story:", strings.Join(history, "\n")),
		100,
	)
}

func (p *openAIProvider) FinalStory(ctx context.Context, history []string) (string, error) {
	return p.chat(ctx,
		fmt.Sprintf("You are a creative storyteller. Take the following sentences and create a cohesive, engaging story in %s. Maintain the core narrative but enhance the flow and add descriptive elements. At the end of the story, add one or more sentences that conclude the entire story.", p.language),
		strings.Join(history, "\n"),
		1000,
	)
}

func (p *openAIProvider) Sanitize(ctx context.Context, history []string) ([]string, error) {
	text, err := p.chat(ctx,
		fmt.Sprintf("You are a careful editor. Rewrite the following story sentences so they contain no unsafe or offensive content, preserving the plot and tone as closely as possible. Respond in %s with one sentence per line and nothing else.", p.language),
		strings.Join(history, "\n"),
		1000,
	)
	if err != nil {
		return nil, err
	}

	var sanitized []string
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			sanitized = append(sanitized, line)
		}
	}
	if len(sanitized) == 0 {
		return nil, errors.New("empty rewrite")
	}
	return sanitized, nil
}

func (p *openAIProvider) Illustration(ctx context.Context, story string) (string, error) {
	resp, err := p.client.CreateImage(ctx, openai.ImageRequest{
		Prompt:         truncate("A storybook illustration for the following story: "+story, maxImagePromptLength),
		Model:          openai.CreateImageModelDallE3,
		N:              1,
		Size:           openai.CreateImageSize1024x1024,
		ResponseFormat: openai.CreateImageResponseFormatURL,
	})
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) && apiErr.Code == "content_policy_violation" {
			return "", ErrContentPolicy
		}
		return "", err
	}
	if len(resp.Data) == 0 {
		return "", errors.New("empty image response")
	}
	return resp.Data[0].URL, nil
}

func (p *openAIProvider) Narration(ctx context.Context, story string) (string, error) {
	resp, err := p.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model: openai.TTSModel1,
		Input: truncate(story, maxSpeechInputLength),
		Voice: openai.VoiceAlloy,
	})
	if err != nil {
		return "", err
	}
	defer resp.Close()

	name := uuid.NewString() + ".mp3"

	file, err := os.Create(filepath.Join(p.audioDir, name))
	if err != nil {
		return "", err
	}
	defer file.Close()

	if _, err := io.Copy(file, resp); err != nil {
		return "", err
	}

	return p.audioURL + name, nil
}
