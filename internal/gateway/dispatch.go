package gateway

import (
	"context"
	"strings"
	"time"

	"github.com/cexll/agentsdk-go/pkg/api"
	"github.com/cexll/agentsdk-go/pkg/model"

	"github.com/stellarlinkco/heartflow/internal/bus"
	"github.com/stellarlinkco/heartflow/internal/heartflow"
)

// processLoop fans inbound messages out to one worker per conversation, so
// turns of a conversation are handled in order and conversations run in
// parallel. It is the only sender on worker queues.
func (g *Gateway) processLoop(ctx context.Context) {
	defer g.wg.Done()
	for {
		select {
		case msg := <-g.bus.Inbound:
			key := msg.SessionKey()
			queue, ok := g.workers[key]
			if !ok {
				queue = make(chan bus.InboundMessage, workerQueueSize)
				g.workers[key] = queue
				g.wg.Add(1)
				go g.worker(ctx, key, queue)
			}
			select {
			case queue <- msg:
			case <-ctx.Done():
				return
			}
		case key := <-g.retire:
			if queue, ok := g.workers[key]; ok && len(queue) == 0 {
				delete(g.workers, key)
				close(queue)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (g *Gateway) worker(ctx context.Context, key string, queue <-chan bus.InboundMessage) {
	defer g.wg.Done()
	idle := time.NewTimer(g.workerIdle)
	defer idle.Stop()
	for {
		select {
		case msg, ok := <-queue:
			if !ok {
				return
			}
			g.handle(ctx, msg)
		case <-idle.C:
			// processLoop may be blocked handing us a message
			select {
			case g.retire <- key:
			case msg, ok := <-queue:
				if !ok {
					return
				}
				g.handle(ctx, msg)
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			return
		}
		idle.Reset(g.workerIdle)
	}
}

func (g *Gateway) handle(ctx context.Context, msg bus.InboundMessage) {
	g.log.Debug().Str("channel", msg.Channel).Str("chat", msg.ChatID).Str("sender", msg.SenderID).
		Bool("addressed", msg.Addressed).Str("text", truncate(msg.Content, 80)).Msg("inbound")

	if msg.IsCommand && isAdminCommand(msg.Content) {
		g.handleCommand(ctx, msg)
		return
	}

	d := g.engine.Decide(ctx, heartflow.Turn{
		ConversationID: msg.SessionKey(),
		SenderID:       msg.SenderID,
		SenderName:     msg.SenderName,
		SelfID:         msg.SelfID,
		Text:           msg.Content,
		ImageURLs:      msg.Media,
		Addressed:      msg.Addressed,
	})

	own := msg.SelfID != "" && msg.SenderID == msg.SelfID
	if own || !(d.ShouldReply || msg.Addressed) {
		return
	}

	reply, err := g.reply(ctx, msg, d)
	if err != nil {
		// the chat only ever sees silence
		g.log.Warn().Err(err).Str("conv", msg.SessionKey()).Msg("reply generation failed")
		return
	}
	if strings.TrimSpace(reply) == "" {
		return
	}
	g.send(ctx, bus.OutboundMessage{
		Channel: msg.Channel,
		ChatID:  msg.ChatID,
		Content: reply,
		ReplyTo: msg.MessageID,
	})
}

// reply asks the runtime of the conversation's persona for an answer to msg.
func (g *Gateway) reply(ctx context.Context, msg bus.InboundMessage, d heartflow.Decision) (string, error) {
	conv := msg.SessionKey()
	id, text, err := g.personas.Resolve(conv)
	if err != nil {
		g.log.Warn().Err(err).Str("conv", conv).Msg("persona lookup failed, replying without persona")
		id, text = "", ""
	}
	rt, err := g.runtimes.get(id, text)
	if err != nil {
		return "", err
	}

	history := g.engine.RecentContext(conv, g.cfg.Heartflow.ContextMessages)
	prompt := replyPrompt(history, msg, d.Outcome == heartflow.OutcomeAccept)
	// The buffer already carries the history, so every reply runs in a
	// fresh runtime session.
	return runAgent(ctx, rt, prompt, d.ID, msg.ContentBlocks)
}

func replyPrompt(history []heartflow.ContextMessage, msg bus.InboundMessage, proactive bool) string {
	var sb strings.Builder
	// the last buffered entry is msg itself
	text := strings.TrimSpace(msg.Content)
	if n := len(history); n > 0 && text != "" && strings.HasSuffix(history[n-1].Content, text) {
		history = history[:n-1]
	}
	if len(history) > 0 {
		sb.WriteString("[Recent conversation]")
		for _, m := range history {
			sb.WriteString("\n")
			sb.WriteString(strings.TrimSpace(m.Content))
		}
		sb.WriteString("\n\n")
	}

	sb.WriteString("[Latest message]\n")
	name := msg.SenderName
	if name == "" {
		name = msg.SenderID
	}
	sb.WriteString(name)
	sb.WriteString(": ")
	sb.WriteString(text)

	if proactive {
		sb.WriteString("\n\nNobody addressed you directly; you decided to join in. Keep it brief and natural.")
	}
	return sb.String()
}

func runAgent(ctx context.Context, rt Runtime, prompt, sessionID string, contentBlocks []model.ContentBlock) (string, error) {
	// agentsdk-go drops Prompt when ContentBlocks exist, so the text goes
	// first in the blocks.
	blocks := contentBlocks
	if len(contentBlocks) > 0 && strings.TrimSpace(prompt) != "" {
		blocks = make([]model.ContentBlock, 0, len(contentBlocks)+1)
		blocks = append(blocks, model.ContentBlock{Type: model.ContentBlockText, Text: prompt})
		blocks = append(blocks, contentBlocks...)
		prompt = ""
	}

	resp, err := rt.Run(ctx, api.Request{
		Prompt:        prompt,
		ContentBlocks: blocks,
		SessionID:     sessionID,
	})
	if err != nil {
		return "", err
	}
	if resp == nil || resp.Result == nil {
		return "", nil
	}
	return resp.Result.Output, nil
}
