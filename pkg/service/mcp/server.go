package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/paperchat/pkg/agent"
	"github.com/m-mizutani/paperchat/pkg/model"
	"github.com/m-mizutani/paperchat/pkg/usecase/chat"
	"github.com/m-mizutani/paperchat/pkg/usecase/document"
	"github.com/m-mizutani/paperchat/pkg/utils/logging"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	ToolSearchDocuments = "search_documents"
	ToolListDocuments   = "list_documents"
	ToolAskQuestion     = "ask_question"

	maxTopK = 50
)

// Server exposes document search and question answering of one user as MCP tools
type Server struct {
	server    *mcp.Server
	documents *document.UseCase
	chat      chat.NewInput
	userID    model.UserID
	topK      int
}

// ServerInput contains parameters for building the MCP server. Chat.UserID and Chat.ChatID
// are filled per call.
type ServerInput struct {
	Name      string
	Version   string
	Documents *document.UseCase
	Chat      chat.NewInput
	UserID    model.UserID
}

func NewServer(input ServerInput) *Server {
	if input.Name == "" {
		input.Name = "paperchat"
	}
	if input.Version == "" {
		input.Version = "0.1.0"
	}

	s := &Server{
		server: mcp.NewServer(&mcp.Implementation{
			Name:    input.Name,
			Version: input.Version,
		}, nil),
		documents: input.Documents,
		chat:      input.Chat,
		userID:    input.UserID,
		topK:      input.Chat.Config.TopK,
	}
	if s.topK <= 0 {
		s.topK = chat.DefaultTopK
	}

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        ToolSearchDocuments,
		Description: "Search the uploaded documents and return the most relevant fragments with their source file and page",
	}, s.searchDocuments)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        ToolListDocuments,
		Description: "List uploaded documents",
	}, s.listDocuments)

	if input.Chat.Agent != nil {
		mcp.AddTool(s.server, &mcp.Tool{
			Name:        ToolAskQuestion,
			Description: "Ask a question in a chat. The assistant searches the documents when it needs more context and the exchange is saved to the chat history",
		}, s.askQuestion)
	}

	return s
}

// Run serves on the given transport until ctx is canceled or the peer disconnects
func (s *Server) Run(ctx context.Context, transport mcp.Transport) error {
	if err := s.server.Run(ctx, transport); err != nil {
		return goerr.Wrap(err, "MCP server stopped")
	}
	return nil
}

// RunStdio serves over stdin and stdout
func (s *Server) RunStdio(ctx context.Context) error {
	return s.Run(ctx, &mcp.StdioTransport{})
}

// Handler serves the streamable HTTP transport
func (s *Server) Handler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return s.server
	}, nil)
}

type searchParams struct {
	Query string `json:"query" jsonschema:"Text to search for"`
	TopK  int    `json:"top_k,omitempty" jsonschema:"Maximum number of fragments to return"`
}

func (s *Server) searchDocuments(ctx context.Context, req *mcp.CallToolRequest, params *searchParams) (*mcp.CallToolResult, any, error) {
	topK := params.TopK
	if topK <= 0 {
		topK = s.topK
	}
	topK = min(topK, maxTopK)

	fragments, err := s.documents.Search(ctx, s.userID, params.Query, topK)
	if err != nil {
		return toolError(ctx, ToolSearchDocuments, err), nil, nil
	}

	return textResult(agent.FormatContext(fragments)), nil, nil
}

type listParams struct{}

func (s *Server) listDocuments(ctx context.Context, req *mcp.CallToolRequest, params *listParams) (*mcp.CallToolResult, any, error) {
	docs, err := s.documents.List(ctx, s.userID)
	if err != nil {
		return toolError(ctx, ToolListDocuments, err), nil, nil
	}

	raw, err := json.MarshalIndent(docs, "", "  ")
	if err != nil {
		return nil, nil, goerr.Wrap(err, "failed to marshal documents")
	}
	return textResult(string(raw)), nil, nil
}

type askParams struct {
	ChatID   int64  `json:"chat_id" jsonschema:"ID of the chat to continue"`
	Question string `json:"question" jsonschema:"Question to ask"`
}

func (s *Server) askQuestion(ctx context.Context, req *mcp.CallToolRequest, params *askParams) (*mcp.CallToolResult, any, error) {
	input := s.chat
	input.UserID = s.userID
	input.ChatID = model.ChatID(params.ChatID)

	answer, err := chat.RunTurn(ctx, input, params.Question)
	if err != nil {
		return toolError(ctx, ToolAskQuestion, err), nil, nil
	}
	return textResult(answer), nil, nil
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: text},
		},
	}
}

// toolError reports a failure to the client as a tool result so the caller can react to it
func toolError(ctx context.Context, tool string, err error) *mcp.CallToolResult {
	logging.From(ctx).Warn("tool call failed", "tool", tool, "error", err)

	msg := "internal error"
	switch {
	case errors.Is(err, model.ErrNotFound):
		msg = "not found"
	case errors.Is(err, model.ErrInvalidInput):
		msg = "invalid input: " + err.Error()
	case errors.Is(err, model.ErrTurnTimeout):
		msg = "the answer took too long, try again"
	case chat.IsRetryable(err):
		msg = "service unavailable, try again later"
	case errors.Is(err, model.ErrModelResponseMalformed):
		msg = "the model returned an unreadable answer"
	}

	result := textResult(msg)
	result.IsError = true
	return result
}
