package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	openailib "github.com/sashabaranov/go-openai"

	"github.com/agentloom/loom/internal/llm"
)

// Client implements llm.Provider over the OpenAI-compatible protocol. Works
// with any endpoint that supports the OpenAI chat completions API.
type Client struct {
	client *openailib.Client
	config *Config
}

// GetConfig returns the client's configuration.
func (c *Client) GetConfig() *Config {
	return c.config
}

// NewClient creates a new OpenAI-compatible client.
func NewClient(config *Config) (*Client, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	clientConfig := openailib.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}
	httpTimeout := time.Duration(config.HTTPTimeout) * time.Second
	clientConfig.HTTPClient = &http.Client{Timeout: httpTimeout}

	return &Client{
		client: openailib.NewClientWithConfig(clientConfig),
		config: config,
	}, nil
}

// NewClientFromEnv creates a client using environment variables.
func NewClientFromEnv() (*Client, error) {
	config, err := NewConfigFromEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}
	return NewClient(config)
}

func toOpenAIMessages(messages []llm.Message) []openailib.ChatCompletionMessage {
	out := make([]openailib.ChatCompletionMessage, len(messages))
	for i, msg := range messages {
		out[i] = openailib.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		}
		if msg.Role == llm.RoleTool && msg.ToolCallID != "" {
			out[i].ToolCallID = msg.ToolCallID
			if msg.Name != "" {
				out[i].Name = msg.Name
			}
		}
		if msg.Role == llm.RoleAssistant && len(msg.ToolCalls) > 0 {
			tcs := make([]openailib.ToolCall, len(msg.ToolCalls))
			for j, tc := range msg.ToolCalls {
				tcs[j] = openailib.ToolCall{
					ID:   tc.ID,
					Type: openailib.ToolTypeFunction,
					Function: openailib.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Arguments),
					},
				}
			}
			out[i].ToolCalls = tcs
		}
	}
	return out
}

func (c *Client) baseRequest(messages []llm.Message) openailib.ChatCompletionRequest {
	req := openailib.ChatCompletionRequest{
		Model:    c.config.Model,
		Messages: toOpenAIMessages(messages),
	}
	if c.config.Temperature != nil {
		req.Temperature = *c.config.Temperature
	}
	if c.config.MaxTokens > 0 {
		req.MaxTokens = c.config.MaxTokens
	}
	return req
}

// retryPolicy is the exponential-backoff schedule applied to every
// completion call: the first attempt plus at most the config's MaxRetries
// retries.
func (c *Client) retryPolicy() backoff.BackOff {
	return backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(c.config.MaxRetries))
}

func usageFrom(resp openailib.ChatCompletionResponse) llm.Usage {
	return llm.Usage{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	}
}

// Complete sends messages to the model and returns the full response.
func (c *Client) Complete(ctx context.Context, messages []llm.Message) (llm.Message, llm.Usage, error) {
	if len(messages) == 0 {
		return llm.Message{}, llm.Usage{}, fmt.Errorf("no messages to send")
	}
	req := c.baseRequest(messages)

	resp, err := backoff.Retry(ctx, func() (openailib.ChatCompletionResponse, error) {
		r, err := c.client.CreateChatCompletion(ctx, req)
		if err != nil {
			log.Printf("[LLM] completion attempt failed: %v", err)
		}
		return r, err
	}, backoff.WithBackOff(c.retryPolicy()))
	if err != nil {
		return llm.Message{}, llm.Usage{}, fmt.Errorf("LLM call failed after retries: %w", err)
	}
	if len(resp.Choices) == 0 {
		return llm.Message{}, llm.Usage{}, fmt.Errorf("no choices returned from LLM")
	}

	return llm.Message{
		Role:             llm.RoleAssistant,
		Content:          resp.Choices[0].Message.Content,
		ReasoningContent: resp.Choices[0].Message.ReasoningContent,
	}, usageFrom(resp), nil
}

// CompleteStream sends messages and streams the response token by token.
func (c *Client) CompleteStream(ctx context.Context, messages []llm.Message, onChunk llm.StreamCallback) (llm.Message, llm.Usage, error) {
	if onChunk == nil {
		return c.Complete(ctx, messages)
	}
	if len(messages) == 0 {
		return llm.Message{}, llm.Usage{}, fmt.Errorf("no messages to send")
	}

	req := c.baseRequest(messages)
	req.Stream = true

	stream, err := c.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		log.Printf("[LLM] stream creation failed, falling back to sync: %v", err)
		return c.Complete(ctx, messages)
	}
	defer stream.Close()

	var sb, reasoningSB strings.Builder
	for {
		chunkResp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if sb.Len() > 0 {
				log.Printf("[LLM] stream interrupted after %d chars: %v", sb.Len(), err)
				break
			}
			return llm.Message{}, llm.Usage{}, fmt.Errorf("stream recv error: %w", err)
		}
		if len(chunkResp.Choices) > 0 {
			if rc := chunkResp.Choices[0].Delta.ReasoningContent; rc != "" {
				reasoningSB.WriteString(rc)
			}
			if delta := chunkResp.Choices[0].Delta.Content; delta != "" {
				sb.WriteString(delta)
				onChunk(delta)
			}
		}
	}

	return llm.Message{
		Role:             llm.RoleAssistant,
		Content:          sb.String(),
		ReasoningContent: reasoningSB.String(),
	}, llm.Usage{}, nil
}

// CompleteWithTools sends messages with tool definitions for native function
// calling. Always uses non-streaming mode.
func (c *Client) CompleteWithTools(ctx context.Context, messages []llm.Message, tools []llm.ToolDefinition) (llm.Message, llm.Usage, error) {
	if len(messages) == 0 {
		return llm.Message{}, llm.Usage{}, fmt.Errorf("no messages to send")
	}

	req := c.baseRequest(messages)
	req.Tools = make([]openailib.Tool, len(tools))
	for i, t := range tools {
		req.Tools[i] = openailib.Tool{
			Type: openailib.ToolTypeFunction,
			Function: &openailib.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		}
	}

	resp, err := backoff.Retry(ctx, func() (openailib.ChatCompletionResponse, error) {
		r, err := c.client.CreateChatCompletion(ctx, req)
		if err != nil {
			log.Printf("[LLM] tool-call completion attempt failed: %v", err)
		}
		return r, err
	}, backoff.WithBackOff(c.retryPolicy()))
	if err != nil {
		return llm.Message{}, llm.Usage{}, fmt.Errorf("LLM tool call failed after retries: %w", err)
	}
	if len(resp.Choices) == 0 {
		return llm.Message{}, llm.Usage{}, fmt.Errorf("no choices returned from LLM (tool call)")
	}

	choice := resp.Choices[0].Message
	result := llm.Message{
		Role:             llm.RoleAssistant,
		Content:          choice.Content,
		ReasoningContent: choice.ReasoningContent,
	}
	if len(choice.ToolCalls) > 0 {
		result.ToolCalls = make([]llm.ToolCall, len(choice.ToolCalls))
		for i, tc := range choice.ToolCalls {
			result.ToolCalls[i] = llm.ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: json.RawMessage(tc.Function.Arguments),
			}
		}
		names := make([]string, len(result.ToolCalls))
		for i, tc := range result.ToolCalls {
			names[i] = tc.Name
		}
		log.Printf("[LLM] tool call returned %d call(s): %s", len(result.ToolCalls), strings.Join(names, ", "))
	}

	return result, usageFrom(resp), nil
}

// Name identifies the provider and model for logging and narrative text.
func (c *Client) Name() string {
	return fmt.Sprintf("openai-compatible (%s)", c.config.Model)
}
