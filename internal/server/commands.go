package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/oszuidwest/zwfm-meter/internal/config"
	"github.com/oszuidwest/zwfm-meter/internal/eventlog"
	"github.com/oszuidwest/zwfm-meter/internal/render"
)

// DefaultEventLimit is the number of events returned by events/get without a limit.
const DefaultEventLimit = 50

// WSCommand is a command received from a WebSocket client.
type WSCommand struct {
	Type string          `json:"type"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Status is the session summary returned by status/get.
type Status struct {
	State    string `json:"state"`
	Device   string `json:"device,omitempty"`
	Channels int    `json:"channels"`
	Error    string `json:"error,omitempty"`
	Version  string `json:"version"`
	Clients  int    `json:"clients"`
}

// CommandHandler processes WebSocket commands from meter pages.
type CommandHandler struct {
	painter *render.Painter
	cfg     *config.Config
	events  *eventlog.Logger
	status  func() Status
}

// NewCommandHandler creates a new command handler. events may be nil.
func NewCommandHandler(painter *render.Painter, cfg *config.Config, events *eventlog.Logger, status func() Status) *CommandHandler {
	return &CommandHandler{
		painter: painter,
		cfg:     cfg,
		events:  events,
		status:  status,
	}
}

// Handle processes a command from client and sends the result to r.
// Commands use slash-style format: namespace/action (e.g., "color/update").
func (h *CommandHandler) Handle(r Responder, client string, cmd WSCommand) {
	namespace, action, _ := strings.Cut(cmd.Type, "/")

	switch namespace {
	case "markings":
		h.handleMarkings(action, r, client, cmd)
	case "color":
		h.handleColor(action, r, client, cmd)
	case "threshold":
		h.handleThreshold(action, r, client, cmd)
	case "status":
		h.handleStatus(action, r, cmd)
	case "config":
		h.handleConfig(action, r, cmd)
	case "events":
		h.handleEvents(action, r, cmd)
	default:
		slog.Warn("unknown WebSocket command", "type", cmd.Type)
		SendError(r, cmd.Type, fmt.Errorf("unknown command %q", cmd.Type))
	}
}

func unknownAction(r Responder, cmd WSCommand) {
	slog.Warn("unknown WebSocket action", "type", cmd.Type)
	SendError(r, cmd.Type, fmt.Errorf("unknown command %q", cmd.Type))
}

func (h *CommandHandler) handleMarkings(action string, r Responder, client string, cmd WSCommand) {
	if action != "update" {
		unknownAction(r, cmd)
		return
	}
	HandleCommand(cmd, r, func(req *MarkingsRequest) error {
		visible := *req.Visible
		if err := h.cfg.SetHideMarkings(!visible); err != nil {
			return err
		}
		h.painter.SetMarkingsVisible(visible)
		h.logSetting("markings", strconv.FormatBool(visible), client)
		return nil
	})
}

func (h *CommandHandler) handleColor(action string, r Responder, client string, cmd WSCommand) {
	if action != "update" {
		unknownAction(r, cmd)
		return
	}
	HandleCommand(cmd, r, func(req *ColorRequest) error {
		c, err := render.ParseColor(req.Color)
		if err != nil {
			return err
		}
		if err := h.cfg.SetColor(req.Color); err != nil {
			return err
		}
		h.painter.SetBarColor(c)
		h.logSetting("color", c.Hex(), client)
		return nil
	})
}

func (h *CommandHandler) handleThreshold(action string, r Responder, client string, cmd WSCommand) {
	if action != "update" {
		unknownAction(r, cmd)
		return
	}
	HandleCommand(cmd, r, func(req *ThresholdRequest) error {
		if err := h.cfg.SetWarningThreshold(req.Threshold); err != nil {
			return err
		}
		h.painter.SetWarningThreshold(req.Threshold)
		h.logSetting("warning_threshold", strconv.FormatFloat(req.Threshold, 'g', -1, 64), client)
		return nil
	})
}

func (h *CommandHandler) handleStatus(action string, r Responder, cmd WSCommand) {
	if action != "get" {
		unknownAction(r, cmd)
		return
	}
	if h.status == nil {
		SendError(r, cmd.Type, errors.New("status unavailable"))
		return
	}
	SendSuccess(r, cmd.Type, h.status())
}

func (h *CommandHandler) handleConfig(action string, r Responder, cmd WSCommand) {
	if action != "get" {
		unknownAction(r, cmd)
		return
	}
	snap := h.cfg.Snapshot()
	SendSuccess(r, cmd.Type, map[string]any{
		"device":            snap.Device,
		"sink":              snap.Sink,
		"framerate":         snap.Framerate,
		"color":             snap.Color,
		"hide_markings":     snap.HideMarkings,
		"warning_threshold": snap.WarningThreshold,
		"color_presets":     render.PresetNames,
	})
}

func (h *CommandHandler) handleEvents(action string, r Responder, cmd WSCommand) {
	if action != "get" {
		unknownAction(r, cmd)
		return
	}
	var req EventsRequest
	if len(cmd.Data) > 0 && !DecodeAndValidate(cmd, r, &req) {
		return
	}
	if h.events == nil {
		SendSuccess(r, cmd.Type, map[string]any{"events": []eventlog.Event{}, "has_more": false})
		return
	}
	if req.Limit == 0 {
		req.Limit = DefaultEventLimit
	}

	events, more, err := eventlog.ReadLast(h.events.Path(), req.Limit, req.Offset, eventlog.TypeFilter(filterName(req.Filter)))
	if err != nil {
		SendError(r, cmd.Type, err)
		return
	}
	SendSuccess(r, cmd.Type, map[string]any{"events": events, "has_more": more})
}

// filterName maps the request filter to an eventlog filter; "all" is the empty filter.
func filterName(s string) string {
	if s == "all" {
		return ""
	}
	return s
}

func (h *CommandHandler) logSetting(setting, value, client string) {
	slog.Info("display setting changed", "setting", setting, "value", value, "client", client)
	if h.events == nil {
		return
	}
	if err := h.events.LogSettings(setting, value, client); err != nil {
		slog.Warn("failed to log setting change", "error", err)
	}
}
