// Package persona resolves the persona text configured for each conversation.
package persona

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/stellarlinkco/heartflow/internal/logging"
)

// NoPersona in a chat mapping disables the persona for that chat.
const NoPersona = "[none]"

type Persona struct {
	ID          string `yaml:"-"`
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
	Prompt      string `yaml:"prompt"`
	Source      string `yaml:"-"`
}

// registryFile is the YAML layout of the personas file.
type registryFile struct {
	Default  string             `yaml:"default"`
	Personas map[string]Persona `yaml:"personas"`
	Chats    map[string]string  `yaml:"chats"`
}

type Options struct {
	File string
	Dir  string
	// Default overrides the default named in the file.
	Default string
}

type Registry struct {
	opts Options
	log  zerolog.Logger

	mu          sync.RWMutex
	personas    map[string]Persona
	chats       map[string]string
	fileDefault string
}

// NewRegistry loads opts.File and opts.Dir. Missing sources are treated as empty.
func NewRegistry(opts Options) (*Registry, error) {
	r := &Registry{
		opts:     opts,
		log:      logging.WithComponent("persona"),
		personas: map[string]Persona{},
		chats:    map[string]string{},
	}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload rereads every source. On error the previous contents stay active.
func (r *Registry) Reload() error {
	personas := make(map[string]Persona)
	var rf registryFile
	if path := strings.TrimSpace(r.opts.File); path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return fmt.Errorf("read personas file: %w", err)
		default:
			if err := yaml.Unmarshal(data, &rf); err != nil {
				return fmt.Errorf("parse personas file %q: %w", path, err)
			}
		}
	}
	for id, p := range rf.Personas {
		id = strings.TrimSpace(id)
		if id == "" || id == NoPersona {
			return fmt.Errorf("personas file: invalid persona id %q", id)
		}
		p.ID = id
		p.Prompt = strings.TrimSpace(p.Prompt)
		p.Source = r.opts.File
		personas[id] = p
	}

	fromDir, err := loadDir(r.opts.Dir, r.log)
	if err != nil {
		return err
	}
	for _, p := range fromDir {
		if prev, exists := personas[p.ID]; exists {
			return fmt.Errorf("duplicate persona %q in %s (already in %s)", p.ID, p.Source, prev.Source)
		}
		personas[p.ID] = p
	}

	chats := make(map[string]string, len(rf.Chats))
	for conv, id := range rf.Chats {
		chats[strings.TrimSpace(conv)] = strings.TrimSpace(id)
	}

	r.mu.Lock()
	r.personas = personas
	r.chats = chats
	r.fileDefault = strings.TrimSpace(rf.Default)
	r.mu.Unlock()
	r.log.Debug().Int("personas", len(personas)).Int("chats", len(chats)).Msg("personas loaded")
	return nil
}

// Resolve returns the persona for a conversation: its chat mapping, else the
// default. An empty text means no persona applies.
func (r *Registry) Resolve(conversationID string) (string, string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, mapped := r.chats[conversationID]
	if !mapped || id == "" {
		id = r.defaultIDLocked()
	}
	if id == "" || id == NoPersona {
		return "", "", nil
	}
	p, ok := r.personas[id]
	if !ok {
		return "", "", fmt.Errorf("persona %q not found", id)
	}
	return id, p.Prompt, nil
}

func (r *Registry) defaultIDLocked() string {
	if d := strings.TrimSpace(r.opts.Default); d != "" {
		return d
	}
	return r.fileDefault
}

func (r *Registry) Get(id string) (Persona, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.personas[id]
	return p, ok
}

// List returns all personas sorted by id.
func (r *Registry) List() []Persona {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Persona, 0, len(r.personas))
	for _, p := range r.personas {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// DefaultFile is the personas file written by onboarding.
const DefaultFile = `# Persona registry.
# default: persona used for chats without a mapping ("[none]" disables it)
# chats:   conversation id (channel:chat) -> persona id
default: companion
personas:
  companion:
    name: Companion
    description: Friendly regular of the group chat
    prompt: |
      You are a friendly regular in this group chat. You speak casually, keep
      replies short, and only chime in when you have something useful or fun
      to add. You never pretend to be human and you never lecture people.
chats: {}
`
