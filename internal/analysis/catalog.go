package analysis

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/kiranshivaraju/celljobs/pkg/models"
	"gopkg.in/yaml.v3"
)

// Catalog declares script-backed kinds beyond the built-in ones.
//
//	kinds:
//	  - kind: trajectory
//	    command: python /app/scripts/trajectory.py
//	    core_step: Inferring trajectories
//	    core_percent: 40
//	    args: [--verbose]
//	    params:
//	      - name: root_cluster
//	        flag: --root
//	        default: "0"
type Catalog struct {
	Kinds []CatalogEntry `yaml:"kinds"`
}

type CatalogEntry struct {
	Kind        string         `yaml:"kind"`
	Command     string         `yaml:"command"`
	CoreStep    string         `yaml:"core_step"`
	CorePercent int            `yaml:"core_percent"`
	PostStep    string         `yaml:"post_step"`
	Args        []string       `yaml:"args"`
	Params      []CatalogParam `yaml:"params"`
	// Fallback is used as the summary when the script writes none.
	Fallback map[string]any `yaml:"fallback_summary"`
}

// CatalogParam maps one job parameter to a command line flag.
type CatalogParam struct {
	Name     string `yaml:"name"`
	Flag     string `yaml:"flag"`
	Default  any    `yaml:"default"`
	Required bool   `yaml:"required"`
}

// LoadCatalog reads and validates a catalog file.
func LoadCatalog(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	defer f.Close()
	return ParseCatalog(f)
}

// ParseCatalog decodes a catalog and validates every entry. Unknown fields
// are rejected.
func ParseCatalog(r io.Reader) (*Catalog, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var c Catalog
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	for i := range c.Kinds {
		if err := c.Kinds[i].validate(); err != nil {
			return nil, fmt.Errorf("catalog entry %d: %w", i, err)
		}
	}
	return &c, nil
}

func (e *CatalogEntry) validate() error {
	if e.Kind == "" {
		return errors.New("kind is required")
	}
	if _, err := SplitCommand(e.Command); err != nil {
		return fmt.Errorf("%s: %w", e.Kind, err)
	}
	if e.CoreStep == "" {
		return fmt.Errorf("%s: core_step is required", e.Kind)
	}
	if e.CorePercent == 0 {
		e.CorePercent = 40
	}
	if e.CorePercent <= LoadingPercent || e.CorePercent >= PostProcessPercent {
		return fmt.Errorf("%s: core_percent must be between %d and %d", e.Kind, LoadingPercent, PostProcessPercent)
	}
	if e.PostStep == "" {
		e.PostStep = StepCollecting
	}

	seen := make(map[string]bool, len(e.Params))
	for _, p := range e.Params {
		if p.Name == "" {
			return fmt.Errorf("%s: parameter without name", e.Kind)
		}
		if seen[p.Name] {
			return fmt.Errorf("%s: duplicate parameter %q", e.Kind, p.Name)
		}
		seen[p.Name] = true
		if !strings.HasPrefix(p.Flag, "-") {
			return fmt.Errorf("%s: parameter %q flag %q must start with '-'", e.Kind, p.Name, p.Flag)
		}
		if p.Default != nil {
			if _, err := renderValue(p.Default); err != nil {
				return fmt.Errorf("%s: parameter %q default: %w", e.Kind, p.Name, err)
			}
		}
	}
	return nil
}

// Handlers builds one handler per catalog entry.
func (c *Catalog) Handlers(opts ScriptOptions) ([]Handler, error) {
	handlers := make([]Handler, 0, len(c.Kinds))
	for _, e := range c.Kinds {
		argv, err := SplitCommand(e.Command)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", e.Kind, err)
		}
		entry := e
		handlers = append(handlers, &scriptHandler{
			kind:    entry.Kind,
			command: argv,
			core:    Stage{Percent: entry.CorePercent, Step: entry.CoreStep},
			post:    Stage{Percent: PostProcessPercent, Step: entry.PostStep},
			opts:    opts,
			parse:   entry.parseParams,
			flags:   entry.flags,
			fallback: func(dir string) map[string]any {
				if len(entry.Fallback) > 0 {
					return entry.Fallback
				}
				return map[string]any{
					"message":    entry.Kind + " completed",
					"output_dir": dir,
				}
			},
		})
	}
	return handlers, nil
}

func (e *CatalogEntry) parseParams(raw json.RawMessage) (any, error) {
	in := map[string]any{}
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && !bytes.Equal(raw, []byte("null")) {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&in); err != nil {
			return nil, invalid("%v", err)
		}
	}

	out := make(models.CatalogParams, len(e.Params))
	for _, p := range e.Params {
		v, ok := in[p.Name]
		delete(in, p.Name)
		if !ok || v == nil {
			v = p.Default
		}
		if v == nil {
			if p.Required {
				return nil, invalid("%s is required", p.Name)
			}
			continue
		}
		if _, err := renderValue(v); err != nil {
			return nil, invalid("%s: %v", p.Name, err)
		}
		out[p.Name] = v
	}
	if len(in) > 0 {
		names := make([]string, 0, len(in))
		for name := range in {
			names = append(names, name)
		}
		sort.Strings(names)
		return nil, invalid("unknown parameters for kind %s: %s", e.Kind, strings.Join(names, ", "))
	}
	return out, nil
}

func (e *CatalogEntry) flags(v any) ([]string, error) {
	params, ok := v.(models.CatalogParams)
	if !ok {
		return nil, fmt.Errorf("%s: unexpected params %T", e.Kind, v)
	}
	flags := append([]string(nil), e.Args...)
	for _, p := range e.Params {
		val, ok := params[p.Name]
		if !ok {
			continue
		}
		s, err := renderValue(val)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p.Name, err)
		}
		flags = append(flags, p.Flag, s)
	}
	return flags, nil
}

// renderValue turns a scalar or a list of scalars into a flag value.
// Lists are comma-joined.
func renderValue(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case bool:
		return strconv.FormatBool(x), nil
	case int:
		return strconv.Itoa(x), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64), nil
	case json.Number:
		return x.String(), nil
	case []any:
		parts := make([]string, 0, len(x))
		for _, item := range x {
			if _, nested := item.([]any); nested {
				return "", errors.New("nested lists are not supported")
			}
			s, err := renderValue(item)
			if err != nil {
				return "", err
			}
			parts = append(parts, s)
		}
		return strings.Join(parts, ","), nil
	default:
		return "", fmt.Errorf("unsupported value type %T", v)
	}
}

// NewFromConfig is called once at startup. It registers the built-in kinds
// plus every catalog kind when catalogPath is set.
func NewFromConfig(cmds Commands, catalogPath string, opts ScriptOptions) (*Registry, error) {
	handlers, err := Builtins(cmds, opts)
	if err != nil {
		return nil, err
	}
	if catalogPath != "" {
		cat, err := LoadCatalog(catalogPath)
		if err != nil {
			return nil, err
		}
		extra, err := cat.Handlers(opts)
		if err != nil {
			return nil, err
		}
		handlers = append(handlers, extra...)
	}
	return NewRegistry(handlers...)
}
