package adapter

import (
	"context"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/paperchat/pkg/interfaces"
	"github.com/m-mizutani/paperchat/pkg/model"
	"golang.org/x/time/rate"
	"google.golang.org/genai"
)

const (
	DefaultGenerativeModel     = "gemini-2.5-flash"
	DefaultEmbeddingModel      = "gemini-embedding-001"
	DefaultEmbeddingDimensions = 768
)

// Gemini serves both the language model and the embedding model
type Gemini struct {
	client          *genai.Client
	generativeModel string
	embeddingModel  string
	dimensions      int
	limiter         *rate.Limiter
}

type GeminiOption func(*Gemini)

func WithGenerativeModel(model string) GeminiOption {
	return func(g *Gemini) {
		g.generativeModel = model
	}
}

func WithEmbeddingModel(model string) GeminiOption {
	return func(g *Gemini) {
		g.embeddingModel = model
	}
}

func WithEmbeddingDimensions(dimensions int) GeminiOption {
	return func(g *Gemini) {
		g.dimensions = dimensions
	}
}

// WithEmbeddingRate limits embedding requests per second. Zero or negative means no limit.
func WithEmbeddingRate(rps float64, burst int) GeminiOption {
	return func(g *Gemini) {
		if rps <= 0 {
			g.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// NewGemini creates a client on Vertex AI
func NewGemini(ctx context.Context, projectID, location string, opts ...GeminiOption) (*Gemini, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		Project:  projectID,
		Location: location,
		Backend:  genai.BackendVertexAI,
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create genai client")
	}
	return newGemini(client, opts...), nil
}

// NewGeminiWithAPIKey creates a client on the Gemini Developer API
func NewGeminiWithAPIKey(ctx context.Context, apiKey string, opts ...GeminiOption) (*Gemini, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create genai client")
	}
	return newGemini(client, opts...), nil
}

func newGemini(client *genai.Client, opts ...GeminiOption) *Gemini {
	g := &Gemini{
		client:          client,
		generativeModel: DefaultGenerativeModel,
		embeddingModel:  DefaultEmbeddingModel,
		dimensions:      DefaultEmbeddingDimensions,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// buildContents maps the conversation to Gemini turns. System messages are sent as user
// turns with a marker since Gemini has no system role inside contents.
func buildContents(prompt *model.Prompt) []*genai.Content {
	contents := make([]*genai.Content, 0, len(prompt.History)+1)
	for _, msg := range prompt.History {
		switch msg.Author {
		case model.AuthorAI:
			contents = append(contents, genai.NewContentFromText(msg.Text, genai.RoleModel))
		case model.AuthorSystem:
			contents = append(contents, genai.NewContentFromText("[system] "+msg.Text, genai.RoleUser))
		default:
			contents = append(contents, genai.NewContentFromText(msg.Text, genai.RoleUser))
		}
	}
	if prompt.Instruction != "" {
		contents = append(contents, genai.NewContentFromText(prompt.Instruction, genai.RoleUser))
	}
	return contents
}

// CompleteStructured asks for a JSON response constrained by schema and returns its text.
// A response without text is ErrModelResponseMalformed.
func (g *Gemini) CompleteStructured(ctx context.Context, prompt *model.Prompt, schema *jsonschema.Schema) ([]byte, error) {
	responseSchema, err := convertJSONSchemaToGenai(schema)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to convert response schema")
	}

	thinkingBudget := int32(0)
	config := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(prompt.System, ""),
		ResponseMIMEType:  "application/json",
		ResponseSchema:    responseSchema,
		ThinkingConfig: &genai.ThinkingConfig{
			IncludeThoughts: false,
			ThinkingBudget:  &thinkingBudget,
		},
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.generativeModel, buildContents(prompt), config)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to generate content", goerr.V("model", g.generativeModel))
	}

	text := responseText(resp)
	if text == "" {
		return nil, goerr.Wrap(model.ErrModelResponseMalformed, "empty response from model", goerr.V("model", g.generativeModel))
	}
	return []byte(text), nil
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}

	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part == nil || part.Thought {
			continue
		}
		b.WriteString(part.Text)
	}
	return b.String()
}

func (g *Gemini) Embed(ctx context.Context, text string, task interfaces.EmbedTask) ([]float32, error) {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, goerr.Wrap(err, "embedding rate limiter interrupted")
		}
	}

	dimensions := int32(g.dimensions)
	resp, err := g.client.Models.EmbedContent(ctx, g.embeddingModel, genai.Text(text), &genai.EmbedContentConfig{
		TaskType:             string(task),
		OutputDimensionality: &dimensions,
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to embed content", goerr.V("model", g.embeddingModel))
	}

	if len(resp.Embeddings) == 0 || resp.Embeddings[0] == nil || len(resp.Embeddings[0].Values) == 0 {
		return nil, goerr.New("no embedding returned", goerr.V("model", g.embeddingModel))
	}
	return resp.Embeddings[0].Values, nil
}

// Dimensions is the size of vectors returned by Embed
func (g *Gemini) Dimensions() int {
	return g.dimensions
}
