package gateway

import (
	"context"
	"fmt"
	"strings"

	"github.com/stellarlinkco/heartflow/internal/bus"
	"github.com/stellarlinkco/heartflow/internal/heartflow"
)

const kindCommand = "command"

type commandFunc func(g *Gateway, ctx context.Context, conv string, args []string) string

var adminCommands = map[string]commandFunc{
	"/heartflow": func(g *Gateway, _ context.Context, conv string, _ []string) string {
		return heartflow.FormatStatus(g.engine.Status(conv))
	},
	"/heartflow_reset": func(g *Gateway, _ context.Context, conv string, _ []string) string {
		if g.engine.ResetState(conv) {
			return "Energy state reset."
		}
		return "No state to reset."
	},
	"/heartflow_cache": func(g *Gateway, _ context.Context, _ string, _ []string) string {
		return heartflow.FormatCache(g.engine.CacheStats())
	},
	"/heartflow_cache_clear": func(g *Gateway, _ context.Context, _ string, _ []string) string {
		return fmt.Sprintf("Cleared %d cached persona summaries.", g.engine.ClearCache())
	},
	"/heartflow_buffer": func(g *Gateway, _ context.Context, conv string, _ []string) string {
		return heartflow.FormatBuffer(conv, g.engine.BufferEntries(conv), g.engine.BufferCap())
	},
	"/heartflow_buffer_clear": func(g *Gateway, _ context.Context, conv string, _ []string) string {
		return fmt.Sprintf("Cleared %d buffered messages.", g.engine.ClearBuffer(conv))
	},
	"/heartflow_affinity": func(g *Gateway, _ context.Context, conv string, _ []string) string {
		return heartflow.FormatAffinity(conv, g.engine.AffinityUsers(conv))
	},
	"/heartflow_affinity_clear": func(g *Gateway, _ context.Context, conv string, args []string) string {
		global := len(args) > 0 && strings.EqualFold(args[0], "global")
		n := g.engine.ClearAffinity(conv, global)
		if global {
			return fmt.Sprintf("Cleared %d affinity records, including the global ledger.", n)
		}
		return fmt.Sprintf("Cleared %d affinity records.", n)
	},
	"/heartflow_save": func(g *Gateway, ctx context.Context, _ string, _ []string) string {
		ctx, cancel := context.WithTimeout(ctx, storeTimeout)
		defer cancel()
		if err := g.engine.Save(ctx); err != nil {
			return fmt.Sprintf("Save failed: %v", err)
		}
		return "Affinity saved."
	},
}

func commandName(content string) string {
	fields := strings.Fields(content)
	if len(fields) == 0 {
		return ""
	}
	return strings.ToLower(fields[0])
}

func isAdminCommand(content string) bool {
	_, ok := adminCommands[commandName(content)]
	return ok
}

// handleCommand runs an admin command. Commands from non-admins are ignored.
func (g *Gateway) handleCommand(ctx context.Context, msg bus.InboundMessage) {
	name := commandName(msg.Content)
	if !g.cfg.IsAdmin(msg.SenderID) {
		g.log.Info().Str("sender", msg.SenderID).Str("command", name).Msg("ignored admin command from non-admin")
		return
	}
	fn := adminCommands[name]
	args := strings.Fields(msg.Content)[1:]
	out := fn(g, ctx, msg.SessionKey(), args)
	g.log.Info().Str("sender", msg.SenderID).Str("command", name).Str("conv", msg.SessionKey()).Msg("admin command")

	g.send(ctx, bus.OutboundMessage{
		Channel:  msg.Channel,
		ChatID:   msg.ChatID,
		Content:  out,
		ReplyTo:  msg.MessageID,
		Metadata: map[string]any{"kind": kindCommand},
	})
}
