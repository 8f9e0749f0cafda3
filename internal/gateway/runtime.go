package gateway

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cexll/agentsdk-go/pkg/api"
	"github.com/cexll/agentsdk-go/pkg/model"

	"github.com/stellarlinkco/heartflow/internal/config"
)

// Runtime interface for agent runtime (allows mocking in tests)
type Runtime interface {
	Run(ctx context.Context, req api.Request) (*api.Response, error)
	Close()
}

// runtimeAdapter wraps api.Runtime to implement Runtime interface
type runtimeAdapter struct {
	rt *api.Runtime
}

func (r *runtimeAdapter) Run(ctx context.Context, req api.Request) (*api.Response, error) {
	return r.rt.Run(ctx, req)
}

func (r *runtimeAdapter) Close() {
	r.rt.Close()
}

// RuntimeFactory creates a Runtime speaking with the given system prompt.
type RuntimeFactory func(cfg *config.Config, sysPrompt string) (Runtime, error)

// DefaultRuntimeFactory creates the default agentsdk-go runtime
func DefaultRuntimeFactory(cfg *config.Config, sysPrompt string) (Runtime, error) {
	if strings.TrimSpace(cfg.Provider.APIKey) == "" {
		return nil, fmt.Errorf("create runtime: provider api key is required")
	}

	temp := cfg.Agent.Temperature
	var provider api.ModelFactory
	switch cfg.Provider.Type {
	case config.ProviderTypeOpenAI, config.ProviderTypeOpenAIResponses:
		provider = &model.OpenAIProvider{
			APIKey:      cfg.Provider.APIKey,
			BaseURL:     cfg.Provider.BaseURL,
			ModelName:   cfg.Agent.Model,
			MaxTokens:   cfg.Agent.MaxTokens,
			Temperature: &temp,
		}
	default: // "anthropic" or empty
		provider = &model.AnthropicProvider{
			APIKey:      cfg.Provider.APIKey,
			BaseURL:     cfg.Provider.BaseURL,
			ModelName:   cfg.Agent.Model,
			MaxTokens:   cfg.Agent.MaxTokens,
			Temperature: &temp,
		}
	}

	rt, err := api.New(context.Background(), api.Options{
		ProjectRoot:   cfg.Agent.Workspace,
		ModelFactory:  provider,
		SystemPrompt:  sysPrompt,
		MaxIterations: cfg.Agent.MaxToolIterations,
	})
	if err != nil {
		return nil, fmt.Errorf("create runtime: %w", err)
	}
	return &runtimeAdapter{rt: rt}, nil
}

// runtimePool keeps one runtime per persona so each speaks with its own
// system prompt. A persona whose text changed gets a fresh runtime; the old
// one may still be serving a reply and is closed with the pool.
type runtimePool struct {
	cfg     *config.Config
	factory RuntimeFactory

	mu       sync.Mutex
	runtimes map[string]pooledRuntime
	retired  []Runtime
}

type pooledRuntime struct {
	text string
	rt   Runtime
}

func newRuntimePool(cfg *config.Config, factory RuntimeFactory) *runtimePool {
	if factory == nil {
		factory = DefaultRuntimeFactory
	}
	return &runtimePool{cfg: cfg, factory: factory, runtimes: make(map[string]pooledRuntime)}
}

func (p *runtimePool) get(personaID, personaText string) (Runtime, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	prev, ok := p.runtimes[personaID]
	if ok && prev.text == personaText {
		return prev.rt, nil
	}
	rt, err := p.factory(p.cfg, buildSystemPrompt(p.cfg.Agent.Workspace, personaText))
	if err != nil {
		return nil, err
	}
	if ok {
		p.retired = append(p.retired, prev.rt)
	}
	p.runtimes[personaID] = pooledRuntime{text: personaText, rt: rt}
	return rt, nil
}

func (p *runtimePool) close() {
	p.mu.Lock()
	all := p.retired
	for _, e := range p.runtimes {
		all = append(all, e.rt)
	}
	p.runtimes = make(map[string]pooledRuntime)
	p.retired = nil
	p.mu.Unlock()
	for _, rt := range all {
		rt.Close()
	}
}

// buildSystemPrompt joins the workspace AGENTS.md with the persona text.
func buildSystemPrompt(workspace, persona string) string {
	var sb strings.Builder

	if workspace != "" {
		if data, err := os.ReadFile(filepath.Join(workspace, "AGENTS.md")); err == nil {
			sb.Write(data)
			sb.WriteString("\n\n")
		}
	}

	if p := strings.TrimSpace(persona); p != "" {
		sb.WriteString("# Persona\n")
		sb.WriteString(p)
		sb.WriteString("\n\n")
	}

	sb.WriteString(groupChatGuidance)
	return sb.String()
}

const groupChatGuidance = `# Group chat
You take part in a multi-party chat. Speak like one of the members: short, natural, no lists
or headings unless someone asks for them. Lines marked [peer message] come from other
members, lines marked [my prior reply] are your own earlier replies.`
