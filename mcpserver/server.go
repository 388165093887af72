package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/lcyt/lcyt-relay/youtube"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/tidwall/gjson"
)

const (
	ServerName     = "lcyt-mcp"
	ResourceScheme = "session://"
)

// NewServer registers the caption tools and the session resource template on a new MCP
// server. Serve it with server.ServeStdio.
func NewServer(sessions *Sessions, version string) *server.MCPServer {
	s := server.NewMCPServer(ServerName, version,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
		server.WithRecovery(),
	)
	s.AddTools(sessions.Tools()...)
	s.AddResourceTemplate(
		mcp.NewResourceTemplate(ResourceScheme+"{id}", "Caption session",
			mcp.WithTemplateDescription("JSON snapshot of the caption session state."),
			mcp.WithTemplateMIMEType("application/json"),
		),
		sessions.ReadResource,
	)
	return s
}

func sessionIDArg() mcp.ToolOption {
	return mcp.WithString("session_id", mcp.Required(), mcp.Description("Session id returned by start."))
}

// Tools are the six caption tools bound to s.
func (s *Sessions) Tools() []server.ServerTool {
	return []server.ServerTool{
		{
			Tool: mcp.NewTool("start",
				mcp.WithDescription("Create a caption sender and start a session. Returns a session_id."),
				mcp.WithString("stream_key", mcp.Required(), mcp.Description("YouTube Live stream key (cid value).")),
			),
			Handler: s.handleStart,
		},
		{
			Tool: mcp.NewTool("send_caption",
				mcp.WithDescription("Send a single caption to the live stream."),
				sessionIDArg(),
				mcp.WithString("text", mcp.Required(), mcp.Description("Caption text to send.")),
				mcp.WithString("timestamp", mcp.Description("ISO-8601 timestamp. Omit to use the current time.")),
			),
			Handler: s.handleSendCaption,
		},
		{
			Tool: mcp.NewTool("send_batch",
				mcp.WithDescription("Send multiple captions in one post."),
				sessionIDArg(),
				mcp.WithArray("captions", mcp.Required(),
					mcp.Description("Array of {text, timestamp?} objects."),
					mcp.Items(map[string]any{
						"type": "object",
						"properties": map[string]any{
							"text":      map[string]any{"type": "string"},
							"timestamp": map[string]any{"type": "string"},
						},
						"required": []string{"text"},
					}),
				),
			),
			Handler: s.handleSendBatch,
		},
		{
			Tool: mcp.NewTool("sync_clock",
				mcp.WithDescription("NTP-style round trip to YouTube to compute the clock sync offset. Returns syncOffset in ms."),
				sessionIDArg(),
			),
			Handler: s.handleSyncClock,
		},
		{
			Tool: mcp.NewTool("get_status",
				mcp.WithDescription("Return the current sequence number and sync offset for the session."),
				sessionIDArg(),
			),
			Handler: s.handleGetStatus,
		},
		{
			Tool: mcp.NewTool("stop",
				mcp.WithDescription("End the session and clean up the sender."),
				sessionIDArg(),
			),
			Handler: s.handleStop,
		},
	}
}

func jsonResult(v interface{}) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(b)), nil
}

// toolError reports caller mistakes and upstream failures as a tool error result, which the
// model can read and react to. Only broken plumbing is a protocol error.
func toolError(err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(err.Error())
}

type sendResponse struct {
	OK         bool `json:"ok"`
	Sequence   int  `json:"sequence"`
	Count      int  `json:"count,omitempty"`
	StatusCode int  `json:"statusCode"`
}

func sendResult(res youtube.SendResult, err error) (*mcp.CallToolResult, error) {
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(sendResponse{
		OK:         res.OK(),
		Sequence:   res.Sequence,
		Count:      res.Count,
		StatusCode: res.StatusCode,
	})
}

func (s *Sessions) handleStart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	streamKey, err := req.RequireString("stream_key")
	if err != nil {
		return toolError(err), nil
	}
	id, err := s.Start(ctx, streamKey)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(map[string]string{"session_id": id})
}

func (s *Sessions) handleSendCaption(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("session_id")
	if err != nil {
		return toolError(err), nil
	}
	text, err := req.RequireString("text")
	if err != nil {
		return toolError(err), nil
	}
	return sendResult(s.SendCaption(ctx, id, text, req.GetString("timestamp", "")))
}

// parseBatch reads the captions argument. Arguments arrive already decoded, so they are
// re-encoded once and walked with gjson.
func parseBatch(args map[string]any) ([]youtube.Caption, error) {
	raw, err := json.Marshal(args["captions"])
	if err != nil {
		return nil, err
	}
	items := gjson.ParseBytes(raw)
	if !items.IsArray() {
		return nil, &youtube.ValidationError{Field: "captions", Msg: "captions must be a non-empty array"}
	}
	var captions []youtube.Caption
	for i, item := range items.Array() {
		c := youtube.Caption{Text: item.Get("text").String()}
		if ts := item.Get("timestamp").String(); ts != "" {
			t, err := youtube.ParseTimestamp(ts)
			if err != nil {
				return nil, fmt.Errorf("captions[%d]: %w", i, err)
			}
			c.Time = t
		}
		captions = append(captions, c)
	}
	return captions, nil
}

func (s *Sessions) handleSendBatch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("session_id")
	if err != nil {
		return toolError(err), nil
	}
	captions, err := parseBatch(req.GetArguments())
	if err != nil {
		return toolError(err), nil
	}
	return sendResult(s.SendBatch(ctx, id, captions))
}

func (s *Sessions) handleSyncClock(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("session_id")
	if err != nil {
		return toolError(err), nil
	}
	res, err := s.SyncClock(ctx, id)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(map[string]int64{"syncOffset": res.OffsetMs, "roundTripTime": res.RoundTripMs})
}

func (s *Sessions) handleGetStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("session_id")
	if err != nil {
		return toolError(err), nil
	}
	status, err := s.Status(id)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(status)
}

func (s *Sessions) handleStop(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("session_id")
	if err != nil {
		return toolError(err), nil
	}
	if err := s.Stop(id); err != nil {
		if errors.Is(err, ErrUnknownSession) {
			return toolError(err), nil
		}
		// the session is gone either way
		logger.Debug().Err(err).Str("s", id).Msg("ending sender failed")
	}
	return jsonResult(map[string]bool{"ok": true})
}

// ReadResource serves session://{id} as a JSON snapshot.
func (s *Sessions) ReadResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	id, ok := strings.CutPrefix(req.Params.URI, ResourceScheme)
	if !ok {
		return nil, fmt.Errorf("unknown resource URI %q", req.Params.URI)
	}
	snap, err := s.Snapshot(id)
	if err != nil {
		return nil, err
	}
	b, err := json.Marshal(snap)
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      req.Params.URI,
			MIMEType: "application/json",
			Text:     string(b),
		},
	}, nil
}
