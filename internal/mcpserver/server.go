// Package mcpserver provides an MCP (Model Context Protocol) server
// that exposes Marginalia's library for LLM integration via stdio transport.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/hvaillaud/marginalia/internal/reading"
)

// Server wraps the MCP server with Marginalia tools.
type Server struct {
	mcp *server.MCPServer
	svc *reading.Service
}

// New creates a new MCP server with all Marginalia tools registered.
func New(svc *reading.Service) *Server {
	s := &Server{svc: svc}

	s.mcp = server.NewMCPServer(
		"Marginalia",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("list_books",
		mcp.WithDescription("List the imported books with their chapter tables of contents."),
	), s.listBooks)

	s.mcp.AddTool(mcp.NewTool("read_chapter",
		mcp.WithDescription("Read the full text of one chapter of a book."),
		mcp.WithString("book_id", mcp.Required(), mcp.Description("Book identifier from list_books")),
		mcp.WithNumber("chapter", mcp.Required(), mcp.Description("Zero-based chapter index")),
	), s.readChapter)

	s.mcp.AddTool(mcp.NewTool("read_chapter_note",
		mcp.WithDescription("Read the user's Markdown note for one chapter. "+
			"Notes follow the conventions described by the marginalia://note-conventions resource."),
		mcp.WithString("book_id", mcp.Required(), mcp.Description("Book identifier from list_books")),
		mcp.WithNumber("chapter", mcp.Required(), mcp.Description("Zero-based chapter index")),
	), s.readChapterNote)

	s.mcp.AddTool(mcp.NewTool("list_highlights",
		mcp.WithDescription("List a book's highlights with quote, comment, and chapter anchor."),
		mcp.WithString("book_id", mcp.Required(), mcp.Description("Book identifier from list_books")),
	), s.listHighlights)

	// Resource: note conventions.
	s.mcp.AddResource(
		mcp.NewResource("marginalia://note-conventions", "Note Conventions",
			mcp.WithResourceDescription("How chapter notes are laid out in the vault."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readNoteConventionsResource,
	)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

func (s *Server) listBooks(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	books, err := s.svc.ListBooks(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	var b strings.Builder
	for _, book := range books {
		fmt.Fprintf(&b, "%s: %s", book.ID, book.Title)
		if len(book.Authors) > 0 {
			fmt.Fprintf(&b, " (%s)", strings.Join(book.Authors, ", "))
		}
		b.WriteString("\n")
	}
	if b.Len() == 0 {
		return mcp.NewToolResultText("no books imported"), nil
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *Server) readChapter(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	bookID, err := req.RequireString("book_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	idx, err := req.RequireInt("chapter")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	view, err := s.svc.GetChapter(ctx, bookID, idx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("not found: %s chapter %d", bookID, idx)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("# %s\n\n%s", view.Chapter.Title, view.Chapter.Text)), nil
}

func (s *Server) readChapterNote(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	bookID, err := req.RequireString("book_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	idx, err := req.RequireInt("chapter")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	view, err := s.svc.OpenNote(ctx, bookID, idx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("not found: %s chapter %d", bookID, idx)), nil
	}
	if strings.TrimSpace(view.Content) == "" {
		return mcp.NewToolResultText("(no note yet)"), nil
	}
	return mcp.NewToolResultText(view.Content), nil
}

func (s *Server) listHighlights(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	bookID, err := req.RequireString("book_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	highlights, err := s.svc.ListHighlights(ctx, bookID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if len(highlights) == 0 {
		return mcp.NewToolResultText("no highlights"), nil
	}
	out, _ := json.MarshalIndent(highlights, "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) readNoteConventionsResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      "marginalia://note-conventions",
			MIMEType: "text/markdown",
			Text:     NoteConventions,
		},
	}, nil
}
