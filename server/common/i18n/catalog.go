package i18n

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/template"

	lru "github.com/hashicorp/golang-lru/v2"
	"gopkg.in/yaml.v3"
)

//go:embed templates.yaml
var defaultCatalog []byte

var ErrTemplateNotFound = errors.New("template not found")

// Content is a rendered title and body for one locale.
type Content struct {
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Direction Direction `json:"direction"`
	Locale    string    `json:"locale"`
}

type Renderer interface {
	Render(name, locale string, vars map[string]any) (Content, error)
}

type templateEntry struct {
	Title string `yaml:"title"`
	Body  string `yaml:"body"`
}

type catalogFile struct {
	Templates map[string]map[string]templateEntry `yaml:"templates"`
}

type compiled struct {
	locale string
	title  *template.Template
	body   *template.Template
}

// Catalog renders named templates from a YAML catalog. Parsed templates are
// kept in an LRU keyed by name and requested locale.
type Catalog struct {
	entries map[string]map[string]templateEntry
	cache   *lru.Cache[string, *compiled]
}

// LoadCatalog reads a catalog file; an empty path loads the built-in one.
func LoadCatalog(path string, cacheSize int) (*Catalog, error) {
	data := defaultCatalog
	if strings.TrimSpace(path) != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read template catalog: %w", err)
		}
		data = raw
	}
	return ParseCatalog(data, cacheSize)
}

func ParseCatalog(data []byte, cacheSize int) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse template catalog: %w", err)
	}
	if len(file.Templates) == 0 {
		return nil, errors.New("template catalog is empty")
	}
	entries := make(map[string]map[string]templateEntry, len(file.Templates))
	for name, byLocale := range file.Templates {
		normalized := make(map[string]templateEntry, len(byLocale))
		for locale, entry := range byLocale {
			normalized[Normalize(locale)] = entry
		}
		entries[name] = normalized
	}
	if cacheSize <= 0 {
		cacheSize = 256
	}
	cache, err := lru.New[string, *compiled](cacheSize)
	if err != nil {
		return nil, err
	}
	return &Catalog{entries: entries, cache: cache}, nil
}

func (c *Catalog) Has(name string) bool {
	_, ok := c.entries[name]
	return ok
}

func (c *Catalog) Render(name, locale string, vars map[string]any) (Content, error) {
	tpl, err := c.lookup(name, locale)
	if err != nil {
		return Content{}, err
	}
	title, err := execute(tpl.title, vars)
	if err != nil {
		return Content{}, fmt.Errorf("render %s title: %w", name, err)
	}
	body, err := execute(tpl.body, vars)
	if err != nil {
		return Content{}, fmt.Errorf("render %s body: %w", name, err)
	}
	return Content{Title: title, Body: body, Direction: TextDirection(tpl.locale), Locale: tpl.locale}, nil
}

func (c *Catalog) lookup(name, locale string) (*compiled, error) {
	key := name + "|" + locale
	if tpl, ok := c.cache.Get(key); ok {
		return tpl, nil
	}
	byLocale, ok := c.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, name)
	}
	for _, candidate := range Fallbacks(locale) {
		entry, ok := byLocale[candidate]
		if !ok {
			continue
		}
		title, err := template.New(name + ".title").Option("missingkey=error").Parse(entry.Title)
		if err != nil {
			return nil, fmt.Errorf("parse %s/%s title: %w", name, candidate, err)
		}
		body, err := template.New(name + ".body").Option("missingkey=error").Parse(entry.Body)
		if err != nil {
			return nil, fmt.Errorf("parse %s/%s body: %w", name, candidate, err)
		}
		tpl := &compiled{locale: candidate, title: title, body: body}
		c.cache.Add(key, tpl)
		return tpl, nil
	}
	return nil, fmt.Errorf("%w: %s (locale %s)", ErrTemplateNotFound, name, locale)
}

func execute(t *template.Template, vars map[string]any) (string, error) {
	if vars == nil {
		vars = map[string]any{}
	}
	var b strings.Builder
	if err := t.Execute(&b, vars); err != nil {
		return "", err
	}
	return b.String(), nil
}
