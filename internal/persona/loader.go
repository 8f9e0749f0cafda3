package persona

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

const personaExt = ".md"

var errInvalidPersonaYAML = errors.New("invalid persona YAML frontmatter")

type personaFrontmatter struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// loadDir reads <dir>/<id>.md files. Each holds YAML frontmatter followed by
// the persona prompt. Files with broken frontmatter are skipped with a warning.
func loadDir(dir string, log zerolog.Logger) ([]Persona, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, nil
	}

	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("stat personas dir %q: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("personas path is not a directory: %s", dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read personas dir %q: %w", dir, err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	out := make([]Persona, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != personaExt {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		p, skip, err := parsePersonaFile(path)
		if err != nil {
			if errors.Is(err, errInvalidPersonaYAML) {
				log.Warn().Str("path", path).Err(err).Msg("skip invalid persona file")
				continue
			}
			return nil, err
		}
		if skip {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func parsePersonaFile(path string) (Persona, bool, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Persona{}, true, nil
		}
		return Persona{}, false, fmt.Errorf("read persona %q: %w", path, err)
	}

	meta, body, err := parseFrontmatter(content)
	if err != nil {
		return Persona{}, false, err
	}
	body = strings.TrimSpace(body)
	if body == "" {
		return Persona{}, true, nil
	}

	id := strings.TrimSuffix(filepath.Base(path), personaExt)
	name := strings.TrimSpace(meta.Name)
	if name == "" {
		name = id
	}
	return Persona{
		ID:          id,
		Name:        name,
		Description: strings.TrimSpace(meta.Description),
		Prompt:      body,
		Source:      path,
	}, false, nil
}

// parseFrontmatter splits an optional leading "---" block from the body.
func parseFrontmatter(content []byte) (personaFrontmatter, string, error) {
	text := strings.TrimPrefix(string(content), "\uFEFF")
	text = strings.ReplaceAll(text, "\r\n", "\n")
	lines := strings.Split(text, "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != "---" {
		return personaFrontmatter{}, text, nil
	}

	end := -1
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			end = i
			break
		}
	}
	if end == -1 {
		return personaFrontmatter{}, "", fmt.Errorf("%w: missing closing separator", errInvalidPersonaYAML)
	}

	var meta personaFrontmatter
	if err := yaml.Unmarshal([]byte(strings.Join(lines[1:end], "\n")), &meta); err != nil {
		return personaFrontmatter{}, "", fmt.Errorf("%w: %v", errInvalidPersonaYAML, err)
	}
	return meta, strings.Join(lines[end+1:], "\n"), nil
}
