// Package mcp exposes the MASC command surface (spec §6) as MCP tools,
// grounded on teranos-QNTX/code/gopls/mcp_server.go's
// server.NewMCPServer/mcp.NewTool/AddTool registration shape. Every command
// is registered twice: once under its unqualified name (canonical, per the
// naming Open Question resolved in SPEC_FULL.md) and once under a
// `masc_`-prefixed alias for legacy callers, both routed through the same
// handler. Every handler runs through the Session & Auth Gate: a role is
// resolved from an optional `token` argument (defaulting to RoleWorker when
// absent), the Gate authorizes the command's permission tag and consumes
// one rate-limit token, and the actual Room State Engine call is wrapped in
// gate.Dispatch for its panic-safety, retry, and idempotency behavior
// (spec §4.2).
package mcp

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	masceerr "github.com/maschq/masc/internal/errors"
	"github.com/maschq/masc/internal/event"
	"github.com/maschq/masc/internal/room"
	"github.com/maschq/masc/internal/session"
	"github.com/maschq/masc/internal/streaming"
	"github.com/maschq/masc/internal/walph"
)

// Server wraps the command surface's MCP binding over one room.
type Server struct {
	engine *room.Engine
	gate   *session.Gate
	fabric *streaming.Fabric
	walph  *walph.Supervisor
	mcp    *mcpserver.MCPServer
}

// New builds an MCP server dispatching tool calls into engine/gate/fabric/walph.
func New(engine *room.Engine, gate *session.Gate, fabric *streaming.Fabric, wsup *walph.Supervisor) *Server {
	s := &Server{
		engine: engine,
		gate:   gate,
		fabric: fabric,
		walph:  wsup,
	}
	s.mcp = mcpserver.NewMCPServer("masc", "1.0.0", mcpserver.WithToolCapabilities(true))
	s.registerTools()
	return s
}

// Serve starts the MCP server using stdio transport.
func (s *Server) Serve() error {
	return mcpserver.ServeStdio(s.mcp)
}

// add registers tool under both its canonical name and its masc_-prefixed
// alias (spec's naming Open Question: unqualified is canonical), both
// sharing tool's full parameter schema.
func (s *Server) add(name string, tool mcp.Tool, handler mcpserver.ToolHandlerFunc) {
	s.mcp.AddTool(tool, handler)
	aliased := tool
	aliased.Name = "masc_" + name
	s.mcp.AddTool(aliased, handler)
}

func errResult(err error) *mcp.CallToolResult {
	var domain masceerr.Domain
	if masceerr.As(err, &domain) {
		return mcp.NewToolResultError(fmt.Sprintf("%s: %s", domain.Kind(), err.Error()))
	}
	return mcp.NewToolResultError(err.Error())
}

// authorizeAndLimit resolves a Role from req's optional `token` argument
// (RoleWorker when absent, spec §4.2), checks perm against it, and consumes
// one rate-limit token keyed on rateKey (almost always the calling agent's
// name).
func (s *Server) authorizeAndLimit(req mcp.CallToolRequest, rateKey string, perm session.Permission) error {
	role := session.RoleWorker
	if token := req.GetString("token", ""); token != "" {
		_, r, err := s.gate.Auth().Verify(token)
		if err != nil {
			return err
		}
		role = r
	}
	if err := s.gate.Authorize(rateKey, role, perm); err != nil {
		return err
	}
	return s.gate.RateLimit(rateKey)
}

// dispatch authorizes and rate-limits req under perm, then runs fn through
// the Gate's retry/panic-safety/idempotency wrapper. idempotent controls
// whether req's `idempotency_key` argument is honored (spec §4.2: only
// entity-creating commands de-duplicate).
func (s *Server) dispatch(ctx context.Context, req mcp.CallToolRequest, rateKey string, perm session.Permission, idempotent bool, fn session.Handler) (any, error) {
	if err := s.authorizeAndLimit(req, rateKey, perm); err != nil {
		return nil, err
	}
	var idemKey string
	if idempotent {
		idemKey = req.GetString("idempotency_key", "")
	}
	return s.gate.Dispatch(ctx, idemKey, fn)
}

func (s *Server) registerTools() {
	s.add("init", mcp.NewTool("init",
		mcp.WithDescription("Initialize the room, idempotently"),
		mcp.WithString("project_name", mcp.Required()),
		mcp.WithString("token"),
		mcp.WithString("idempotency_key"),
	), s.handleInit)

	s.add("reset", mcp.NewTool("reset",
		mcp.WithDescription("Wipe all tasks, agents, messages, locks, votes and portals and start a fresh room"),
		mcp.WithString("project_name", mcp.Required()),
		mcp.WithString("token"),
	), s.handleReset)

	s.add("join", mcp.NewTool("join",
		mcp.WithDescription("Join the room as an agent"),
		mcp.WithString("agent_name", mcp.Required()),
		mcp.WithString("token"),
	), s.handleJoin)

	s.add("leave", mcp.NewTool("leave",
		mcp.WithDescription("Leave the room, releasing claims and locks"),
		mcp.WithString("agent_name", mcp.Required()),
		mcp.WithString("token"),
	), s.handleLeave)

	s.add("heartbeat", mcp.NewTool("heartbeat",
		mcp.WithDescription("Refresh an agent's last-seen timestamp"),
		mcp.WithString("agent_name", mcp.Required()),
		mcp.WithString("token"),
	), s.handleHeartbeat)

	s.add("status", mcp.NewTool("status",
		mcp.WithDescription("Get room status: agents, task counts, locks"),
		mcp.WithString("agent_name"),
		mcp.WithString("token"),
	), s.handleStatus)

	s.add("add_task", mcp.NewTool("add_task",
		mcp.WithDescription("Add a task to the shared board"),
		mcp.WithString("agent_name", mcp.Required()),
		mcp.WithString("title", mcp.Required()),
		mcp.WithString("description"),
		mcp.WithNumber("priority"),
		mcp.WithString("token"),
		mcp.WithString("idempotency_key"),
	), s.handleAddTask)

	s.add("tasks", mcp.NewTool("tasks",
		mcp.WithDescription("List all tasks"),
		mcp.WithString("agent_name"),
		mcp.WithString("token"),
	), s.handleTasks)

	s.add("claim", mcp.NewTool("claim",
		mcp.WithDescription("Claim a specific task by id"),
		mcp.WithString("agent_name", mcp.Required()),
		mcp.WithString("task_id", mcp.Required()),
		mcp.WithString("token"),
	), s.handleClaim)

	s.add("claim_next", mcp.NewTool("claim_next",
		mcp.WithDescription("Claim the highest-priority unclaimed task"),
		mcp.WithString("agent_name", mcp.Required()),
		mcp.WithString("token"),
	), s.handleClaimNext)

	s.add("release", mcp.NewTool("release",
		mcp.WithDescription("Release a claimed task back to Todo"),
		mcp.WithString("agent_name", mcp.Required()),
		mcp.WithString("task_id", mcp.Required()),
		mcp.WithString("token"),
	), s.handleRelease)

	s.add("done", mcp.NewTool("done",
		mcp.WithDescription("Mark a claimed task done"),
		mcp.WithString("agent_name", mcp.Required()),
		mcp.WithString("task_id", mcp.Required()),
		mcp.WithString("notes"),
		mcp.WithString("token"),
	), s.handleDone)

	s.add("cancel_task", mcp.NewTool("cancel_task",
		mcp.WithDescription("Cancel a task"),
		mcp.WithString("agent_name", mcp.Required()),
		mcp.WithString("task_id", mcp.Required()),
		mcp.WithString("reason"),
		mcp.WithString("token"),
	), s.handleCancelTask)

	s.add("transition", mcp.NewTool("transition",
		mcp.WithDescription("Move a claimed task between Claimed and InProgress"),
		mcp.WithString("agent_name", mcp.Required()),
		mcp.WithString("task_id", mcp.Required()),
		mcp.WithString("to", mcp.Required()),
		mcp.WithString("token"),
	), s.handleTransition)

	s.add("update_priority", mcp.NewTool("update_priority",
		mcp.WithDescription("Change a non-terminal task's priority"),
		mcp.WithString("agent_name", mcp.Required()),
		mcp.WithString("task_id", mcp.Required()),
		mcp.WithNumber("priority", mcp.Required()),
		mcp.WithString("token"),
	), s.handleUpdatePriority)

	s.add("broadcast", mcp.NewTool("broadcast",
		mcp.WithDescription("Broadcast a message to the room"),
		mcp.WithString("agent_name", mcp.Required()),
		mcp.WithString("content", mcp.Required()),
		mcp.WithString("mention"),
		mcp.WithString("token"),
	), s.handleBroadcast)

	s.add("listen", mcp.NewTool("listen",
		mcp.WithDescription("Read room messages since a given seq"),
		mcp.WithString("agent_name", mcp.Required()),
		mcp.WithNumber("since_seq"),
		mcp.WithNumber("limit"),
		mcp.WithString("token"),
	), s.handleListen)

	s.add("lock", mcp.NewTool("lock",
		mcp.WithDescription("Acquire a file lock"),
		mcp.WithString("agent_name", mcp.Required()),
		mcp.WithString("resource", mcp.Required()),
		mcp.WithNumber("ttl_seconds"),
		mcp.WithString("token"),
	), s.handleLock)

	s.add("unlock", mcp.NewTool("unlock",
		mcp.WithDescription("Release a file lock"),
		mcp.WithString("agent_name", mcp.Required()),
		mcp.WithString("resource", mcp.Required()),
		mcp.WithString("token"),
	), s.handleUnlock)

	s.add("portal_open", mcp.NewTool("portal_open",
		mcp.WithDescription("Open a private portal to another agent"),
		mcp.WithString("agent_name", mcp.Required()),
		mcp.WithString("peer", mcp.Required()),
		mcp.WithString("token"),
		mcp.WithString("idempotency_key"),
	), s.handlePortalOpen)

	s.add("portal_send", mcp.NewTool("portal_send",
		mcp.WithDescription("Send a message on a portal, waiting up to deadline_seconds for it to exist"),
		mcp.WithString("agent_name", mcp.Required()),
		mcp.WithString("owner", mcp.Required()),
		mcp.WithString("content", mcp.Required()),
		mcp.WithNumber("deadline_seconds"),
		mcp.WithString("token"),
	), s.handlePortalSend)

	s.add("portal_close", mcp.NewTool("portal_close",
		mcp.WithDescription("Close a portal"),
		mcp.WithString("agent_name", mcp.Required()),
		mcp.WithString("token"),
	), s.handlePortalClose)

	s.add("portal_status", mcp.NewTool("portal_status",
		mcp.WithDescription("Get a portal's state"),
		mcp.WithString("agent_name", mcp.Required()),
		mcp.WithString("owner", mcp.Required()),
		mcp.WithString("token"),
	), s.handlePortalStatus)

	s.add("vote_create", mcp.NewTool("vote_create",
		mcp.WithDescription("Open a new room-wide vote"),
		mcp.WithString("agent_name", mcp.Required()),
		mcp.WithString("topic", mcp.Required()),
		mcp.WithString("options", mcp.Required()),
		mcp.WithNumber("required_votes"),
		mcp.WithString("token"),
		mcp.WithString("idempotency_key"),
	), s.handleVoteCreate)

	s.add("vote_cast", mcp.NewTool("vote_cast",
		mcp.WithDescription("Cast a ballot on an open vote"),
		mcp.WithString("agent_name", mcp.Required()),
		mcp.WithString("vote_id", mcp.Required()),
		mcp.WithString("option", mcp.Required()),
		mcp.WithString("token"),
	), s.handleVoteCast)

	s.add("vote_status", mcp.NewTool("vote_status",
		mcp.WithDescription("Get a vote's current state"),
		mcp.WithString("agent_name", mcp.Required()),
		mcp.WithString("vote_id", mcp.Required()),
		mcp.WithString("token"),
	), s.handleVoteStatus)

	s.add("subscribe", mcp.NewTool("subscribe",
		mcp.WithDescription("Subscribe to domain events"),
		mcp.WithString("agent_name", mcp.Required()),
		mcp.WithString("agent_filter"),
		mcp.WithString("token"),
	), s.handleSubscribe)

	s.add("poll_events", mcp.NewTool("poll_events",
		mcp.WithDescription("Poll buffered events for a subscription"),
		mcp.WithString("agent_name", mcp.Required()),
		mcp.WithString("subscription_id", mcp.Required()),
		mcp.WithBoolean("clear"),
		mcp.WithString("token"),
	), s.handlePollEvents)

	s.add("unsubscribe", mcp.NewTool("unsubscribe",
		mcp.WithDescription("Unsubscribe from domain events"),
		mcp.WithString("agent_name", mcp.Required()),
		mcp.WithString("subscription_id", mcp.Required()),
		mcp.WithString("token"),
	), s.handleUnsubscribe)

	s.add("walph_start", mcp.NewTool("walph_start",
		mcp.WithDescription("Start an agent's cooperative work loop"),
		mcp.WithString("agent_name", mcp.Required()),
		mcp.WithString("preset"),
		mcp.WithNumber("max_iterations"),
		mcp.WithString("token"),
	), s.handleWalphStart)

	s.add("walph_stop", mcp.NewTool("walph_stop",
		mcp.WithDescription("Stop an agent's work loop"),
		mcp.WithString("agent_name", mcp.Required()),
		mcp.WithString("token"),
	), s.handleWalphStop)

	s.add("walph_pause", mcp.NewTool("walph_pause",
		mcp.WithDescription("Pause an agent's work loop"),
		mcp.WithString("agent_name", mcp.Required()),
		mcp.WithString("token"),
	), s.handleWalphPause)

	s.add("walph_resume", mcp.NewTool("walph_resume",
		mcp.WithDescription("Resume a paused work loop"),
		mcp.WithString("agent_name", mcp.Required()),
		mcp.WithString("token"),
	), s.handleWalphResume)

	s.add("walph_status", mcp.NewTool("walph_status",
		mcp.WithDescription("Get an agent's work loop status"),
		mcp.WithString("agent_name", mcp.Required()),
		mcp.WithString("token"),
	), s.handleWalphStatus)

	s.add("swarm_status", mcp.NewTool("swarm_status",
		mcp.WithDescription("Get every agent's work loop status"),
		mcp.WithString("agent_name", mcp.Required()),
		mcp.WithString("token"),
	), s.handleSwarmStatus)

	s.add("swarm_stop", mcp.NewTool("swarm_stop",
		mcp.WithDescription("Stop every agent's work loop"),
		mcp.WithString("agent_name", mcp.Required()),
		mcp.WithString("token"),
	), s.handleSwarmStop)

	s.add("swarm_pause", mcp.NewTool("swarm_pause",
		mcp.WithDescription("Pause every agent's work loop"),
		mcp.WithString("agent_name", mcp.Required()),
		mcp.WithString("token"),
	), s.handleSwarmPause)

	s.add("swarm_resume", mcp.NewTool("swarm_resume",
		mcp.WithDescription("Resume every agent's paused work loop"),
		mcp.WithString("agent_name", mcp.Required()),
		mcp.WithString("token"),
	), s.handleSwarmResume)
}

func (s *Server) handleInit(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("project_name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	result, err := s.dispatch(ctx, req, name, session.CanInit, true, func(ctx context.Context) (any, error) {
		return s.engine.Init(ctx, name)
	})
	if err != nil {
		return errResult(err), nil
	}
	r := result.(*room.Room)
	return mcp.NewToolResultText(fmt.Sprintf("room initialized: %s", r.ProjectName)), nil
}

func (s *Server) handleReset(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("project_name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	result, err := s.dispatch(ctx, req, name, session.CanAdmin, false, func(ctx context.Context) (any, error) {
		return s.engine.Reset(ctx, name)
	})
	if err != nil {
		return errResult(err), nil
	}
	r := result.(*room.Room)
	return mcp.NewToolResultText(fmt.Sprintf("room reset: %s", r.ProjectName)), nil
}

func (s *Server) handleJoin(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("agent_name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	result, err := s.dispatch(ctx, req, name, session.CanJoin, false, func(ctx context.Context) (any, error) {
		return s.engine.Join(ctx, name, nil, nil)
	})
	if err != nil {
		return errResult(err), nil
	}
	ag := result.(*room.Agent)
	return mcp.NewToolResultText(fmt.Sprintf("joined as %s, status=%s", ag.Name, ag.Status)), nil
}

func (s *Server) handleLeave(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("agent_name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	_, err = s.dispatch(ctx, req, name, session.CanJoin, false, func(ctx context.Context) (any, error) {
		return nil, s.engine.Leave(ctx, name)
	})
	if err != nil {
		return errResult(err), nil
	}
	return mcp.NewToolResultText("left"), nil
}

func (s *Server) handleHeartbeat(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("agent_name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	_, err = s.dispatch(ctx, req, name, session.CanJoin, false, func(ctx context.Context) (any, error) {
		return nil, s.engine.Heartbeat(ctx, name)
	})
	if err != nil {
		return errResult(err), nil
	}
	return mcp.NewToolResultText("ok"), nil
}

func (s *Server) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	key := req.GetString("agent_name", "status")
	result, err := s.dispatch(ctx, req, key, session.CanJoin, false, func(ctx context.Context) (any, error) {
		return s.engine.GetStatus(ctx)
	})
	if err != nil {
		return errResult(err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("%+v", result)), nil
}

func (s *Server) handleAddTask(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agent, err := req.RequireString("agent_name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	title, err := req.RequireString("title")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	description := req.GetString("description", "")
	priority := int(req.GetFloat("priority", 0))
	result, err := s.dispatch(ctx, req, agent, session.CanClaimTask, true, func(ctx context.Context) (any, error) {
		return s.engine.AddTask(ctx, title, description, priority, nil)
	})
	if err != nil {
		return errResult(err), nil
	}
	task := result.(*room.Task)
	return mcp.NewToolResultText(fmt.Sprintf("task added: %s", task.TaskID)), nil
}

func (s *Server) handleTasks(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	key := req.GetString("agent_name", "tasks")
	result, err := s.dispatch(ctx, req, key, session.CanJoin, false, func(ctx context.Context) (any, error) {
		return s.engine.GetTasks(ctx)
	})
	if err != nil {
		return errResult(err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("%+v", result)), nil
}

func (s *Server) handleClaim(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agent, err := req.RequireString("agent_name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	taskID, err := req.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	result, err := s.dispatch(ctx, req, agent, session.CanClaimTask, false, func(ctx context.Context) (any, error) {
		return s.engine.Claim(ctx, agent, taskID)
	})
	if err != nil {
		return errResult(err), nil
	}
	task := result.(*room.Task)
	return mcp.NewToolResultText(fmt.Sprintf("claimed %s", task.TaskID)), nil
}

func (s *Server) handleClaimNext(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agent, err := req.RequireString("agent_name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	result, err := s.dispatch(ctx, req, agent, session.CanClaimTask, false, func(ctx context.Context) (any, error) {
		return s.engine.ClaimNext(ctx, agent)
	})
	if err != nil {
		return errResult(err), nil
	}
	task := result.(*room.Task)
	return mcp.NewToolResultText(fmt.Sprintf("claimed %s", task.TaskID)), nil
}

func (s *Server) handleRelease(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agent, err := req.RequireString("agent_name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	taskID, err := req.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	_, err = s.dispatch(ctx, req, agent, session.CanClaimTask, false, func(ctx context.Context) (any, error) {
		return s.engine.Release(ctx, agent, taskID)
	})
	if err != nil {
		return errResult(err), nil
	}
	return mcp.NewToolResultText("released"), nil
}

func (s *Server) handleDone(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agent, err := req.RequireString("agent_name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	taskID, err := req.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	notes := req.GetString("notes", "")
	_, err = s.dispatch(ctx, req, agent, session.CanClaimTask, false, func(ctx context.Context) (any, error) {
		return s.engine.Done(ctx, agent, taskID, notes)
	})
	if err != nil {
		return errResult(err), nil
	}
	return mcp.NewToolResultText("done"), nil
}

func (s *Server) handleCancelTask(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agent, err := req.RequireString("agent_name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	taskID, err := req.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	reason := req.GetString("reason", "")
	_, err = s.dispatch(ctx, req, agent, session.CanClaimTask, false, func(ctx context.Context) (any, error) {
		return s.engine.CancelTask(ctx, agent, taskID, reason)
	})
	if err != nil {
		return errResult(err), nil
	}
	return mcp.NewToolResultText("cancelled"), nil
}

func (s *Server) handleTransition(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agent, err := req.RequireString("agent_name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	taskID, err := req.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	to, err := req.RequireString("to")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	result, err := s.dispatch(ctx, req, agent, session.CanClaimTask, false, func(ctx context.Context) (any, error) {
		return s.engine.Transition(ctx, agent, taskID, room.TaskStatusKind(to))
	})
	if err != nil {
		return errResult(err), nil
	}
	task := result.(*room.Task)
	return mcp.NewToolResultText(fmt.Sprintf("task %s now %s", task.TaskID, task.Status)), nil
}

func (s *Server) handleUpdatePriority(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agent, err := req.RequireString("agent_name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	taskID, err := req.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	priority, err := req.RequireInt("priority")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	result, err := s.dispatch(ctx, req, agent, session.CanClaimTask, false, func(ctx context.Context) (any, error) {
		return s.engine.UpdatePriority(ctx, taskID, priority)
	})
	if err != nil {
		return errResult(err), nil
	}
	task := result.(*room.Task)
	return mcp.NewToolResultText(fmt.Sprintf("task %s priority now %d", task.TaskID, task.Priority)), nil
}

func (s *Server) handleBroadcast(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agent, err := req.RequireString("agent_name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	content, err := req.RequireString("content")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	mention := req.GetString("mention", "")
	result, err := s.dispatch(ctx, req, agent, session.CanBroadcast, false, func(ctx context.Context) (any, error) {
		return s.engine.Broadcast(ctx, agent, content, mention, room.MsgBroadcast)
	})
	if err != nil {
		return errResult(err), nil
	}
	msg := result.(*room.Message)
	return mcp.NewToolResultText(fmt.Sprintf("broadcast seq=%d", msg.Seq)), nil
}

func (s *Server) handleListen(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agent, err := req.RequireString("agent_name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	sinceSeq := uint64(req.GetFloat("since_seq", 0))
	limit := int(req.GetFloat("limit", 0))
	result, err := s.dispatch(ctx, req, agent, session.CanBroadcast, false, func(ctx context.Context) (any, error) {
		return s.engine.GetMessages(ctx, sinceSeq, limit)
	})
	if err != nil {
		return errResult(err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("%+v", result)), nil
}

func (s *Server) handleLock(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agent, err := req.RequireString("agent_name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	ttl := int64(req.GetFloat("ttl_seconds", float64(room.DefaultLockTTLSeconds)))
	_, err = s.dispatch(ctx, req, agent, session.CanLock, false, func(ctx context.Context) (any, error) {
		return s.engine.Lock(ctx, agent, resource, ttl)
	})
	if err != nil {
		return errResult(err), nil
	}
	return mcp.NewToolResultText("locked"), nil
}

func (s *Server) handleUnlock(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agent, err := req.RequireString("agent_name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	_, err = s.dispatch(ctx, req, agent, session.CanLock, false, func(ctx context.Context) (any, error) {
		return nil, s.engine.Unlock(ctx, agent, resource)
	})
	if err != nil {
		return errResult(err), nil
	}
	return mcp.NewToolResultText("unlocked"), nil
}

func (s *Server) handlePortalOpen(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agent, err := req.RequireString("agent_name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	peer, err := req.RequireString("peer")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	result, err := s.dispatch(ctx, req, agent, session.CanPortal, true, func(ctx context.Context) (any, error) {
		return s.engine.PortalOpen(ctx, agent, peer)
	})
	if err != nil {
		return errResult(err), nil
	}
	p := result.(*room.Portal)
	return mcp.NewToolResultText(fmt.Sprintf("portal open: %s <-> %s", p.Owner, p.Peer)), nil
}

func (s *Server) handlePortalSend(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agent, err := req.RequireString("agent_name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	owner, err := req.RequireString("owner")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	content, err := req.RequireString("content")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	deadlineSecs := req.GetFloat("deadline_seconds", 5)
	deadline := time.Now().Add(time.Duration(deadlineSecs * float64(time.Second)))
	result, err := s.dispatch(ctx, req, agent, session.CanPortal, false, func(ctx context.Context) (any, error) {
		return s.engine.PortalSend(ctx, owner, agent, content, deadline)
	})
	if err != nil {
		return errResult(err), nil
	}
	p := result.(*room.Portal)
	return mcp.NewToolResultText(fmt.Sprintf("sent on portal %s, %d messages", p.Owner, len(p.Messages))), nil
}

func (s *Server) handlePortalClose(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agent, err := req.RequireString("agent_name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	_, err = s.dispatch(ctx, req, agent, session.CanPortal, false, func(ctx context.Context) (any, error) {
		return nil, s.engine.PortalClose(ctx, agent)
	})
	if err != nil {
		return errResult(err), nil
	}
	return mcp.NewToolResultText("portal closed"), nil
}

func (s *Server) handlePortalStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agent, err := req.RequireString("agent_name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	owner, err := req.RequireString("owner")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	result, err := s.dispatch(ctx, req, agent, session.CanPortal, false, func(ctx context.Context) (any, error) {
		return s.engine.PortalStatus(ctx, owner)
	})
	if err != nil {
		return errResult(err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("%+v", result)), nil
}

func (s *Server) handleVoteCreate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agent, err := req.RequireString("agent_name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	topic, err := req.RequireString("topic")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	optionsCSV, err := req.RequireString("options")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	options := splitCSV(optionsCSV)
	requiredVotes := int(req.GetFloat("required_votes", 0))
	result, err := s.dispatch(ctx, req, agent, session.CanVote, true, func(ctx context.Context) (any, error) {
		return s.engine.VoteCreate(ctx, agent, topic, options, requiredVotes)
	})
	if err != nil {
		return errResult(err), nil
	}
	v := result.(*room.Vote)
	return mcp.NewToolResultText(fmt.Sprintf("vote opened: %s", v.VoteID)), nil
}

func (s *Server) handleVoteCast(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agent, err := req.RequireString("agent_name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	voteID, err := req.RequireString("vote_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	option, err := req.RequireString("option")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	result, err := s.dispatch(ctx, req, agent, session.CanVote, false, func(ctx context.Context) (any, error) {
		return s.engine.VoteCast(ctx, agent, voteID, option)
	})
	if err != nil {
		return errResult(err), nil
	}
	v := result.(*room.Vote)
	return mcp.NewToolResultText(fmt.Sprintf("cast, vote %s state=%s", v.VoteID, v.State)), nil
}

func (s *Server) handleVoteStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agent, err := req.RequireString("agent_name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	voteID, err := req.RequireString("vote_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	result, err := s.dispatch(ctx, req, agent, session.CanVote, false, func(ctx context.Context) (any, error) {
		return s.engine.VoteStatus(ctx, voteID)
	})
	if err != nil {
		return errResult(err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("%+v", result)), nil
}

func (s *Server) handleSubscribe(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agent, err := req.RequireString("agent_name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	filter := req.GetString("agent_filter", "")
	result, err := s.dispatch(ctx, req, agent, session.CanJoin, false, func(ctx context.Context) (any, error) {
		return s.fabric.Subscribe(filter, []event.Type{event.TaskUpdate, event.Broadcast, event.Completion, event.Error}), nil
	})
	if err != nil {
		return errResult(err), nil
	}
	return mcp.NewToolResultText(result.(string)), nil
}

func (s *Server) handlePollEvents(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agent, err := req.RequireString("agent_name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	id, err := req.RequireString("subscription_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	clear := req.GetBool("clear", true)
	result, err := s.dispatch(ctx, req, agent, session.CanJoin, false, func(ctx context.Context) (any, error) {
		return s.fabric.Poll(id, clear)
	})
	if err != nil {
		return errResult(err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("%+v", result)), nil
}

func (s *Server) handleUnsubscribe(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agent, err := req.RequireString("agent_name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	id, err := req.RequireString("subscription_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	_, err = s.dispatch(ctx, req, agent, session.CanJoin, false, func(ctx context.Context) (any, error) {
		return nil, s.fabric.Unsubscribe(id)
	})
	if err != nil {
		return errResult(err), nil
	}
	return mcp.NewToolResultText("unsubscribed"), nil
}

func (s *Server) handleWalphStart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agent, err := req.RequireString("agent_name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	preset := req.GetString("preset", "default")
	maxIter := int(req.GetFloat("max_iterations", 0))
	_, err = s.dispatch(ctx, req, agent, session.CanWalphControl, false, func(ctx context.Context) (any, error) {
		return nil, s.walph.Start(ctx, agent, preset, maxIter)
	})
	if err != nil {
		return errResult(err), nil
	}
	return mcp.NewToolResultText("started"), nil
}

func (s *Server) handleWalphStop(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agent, err := req.RequireString("agent_name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	_, err = s.dispatch(ctx, req, agent, session.CanWalphControl, false, func(ctx context.Context) (any, error) {
		return nil, s.walph.Stop(agent)
	})
	if err != nil {
		return errResult(err), nil
	}
	return mcp.NewToolResultText("stopped"), nil
}

func (s *Server) handleWalphPause(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agent, err := req.RequireString("agent_name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	_, err = s.dispatch(ctx, req, agent, session.CanWalphControl, false, func(ctx context.Context) (any, error) {
		return nil, s.walph.Pause(agent)
	})
	if err != nil {
		return errResult(err), nil
	}
	return mcp.NewToolResultText("paused"), nil
}

func (s *Server) handleWalphResume(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agent, err := req.RequireString("agent_name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	_, err = s.dispatch(ctx, req, agent, session.CanWalphControl, false, func(ctx context.Context) (any, error) {
		return nil, s.walph.Resume(agent)
	})
	if err != nil {
		return errResult(err), nil
	}
	return mcp.NewToolResultText("resumed"), nil
}

func (s *Server) handleWalphStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agent, err := req.RequireString("agent_name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	result, err := s.dispatch(ctx, req, agent, session.CanWalphControl, false, func(ctx context.Context) (any, error) {
		return s.walph.Status(agent)
	})
	if err != nil {
		return errResult(err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("%+v", result)), nil
}

func (s *Server) handleSwarmStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agent, err := req.RequireString("agent_name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	result, err := s.dispatch(ctx, req, agent, session.CanWalphControl, false, func(ctx context.Context) (any, error) {
		return s.walph.SwarmStatus(), nil
	})
	if err != nil {
		return errResult(err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("%+v", result)), nil
}

func (s *Server) handleSwarmStop(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agent, err := req.RequireString("agent_name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	_, err = s.dispatch(ctx, req, agent, session.CanWalphControl, false, func(ctx context.Context) (any, error) {
		s.walph.SwarmStop()
		return nil, nil
	})
	if err != nil {
		return errResult(err), nil
	}
	return mcp.NewToolResultText("all stopped"), nil
}

func (s *Server) handleSwarmPause(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agent, err := req.RequireString("agent_name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	_, err = s.dispatch(ctx, req, agent, session.CanWalphControl, false, func(ctx context.Context) (any, error) {
		s.walph.SwarmPause()
		return nil, nil
	})
	if err != nil {
		return errResult(err), nil
	}
	return mcp.NewToolResultText("all paused"), nil
}

func (s *Server) handleSwarmResume(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agent, err := req.RequireString("agent_name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	_, err = s.dispatch(ctx, req, agent, session.CanWalphControl, false, func(ctx context.Context) (any, error) {
		s.walph.SwarmResume()
		return nil, nil
	})
	if err != nil {
		return errResult(err), nil
	}
	return mcp.NewToolResultText("all resumed"), nil
}

// splitCSV splits a comma-separated options list, trimming surrounding
// whitespace around each entry (the wire-friendly alternative to a repeated
// mcp.WithString array parameter, which mcp-go's tool schema builder at this
// pinned version doesn't expose).
func splitCSV(s string) []string {
	var out []string
	for _, field := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(field); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
