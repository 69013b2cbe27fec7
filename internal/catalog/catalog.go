// Package catalog maps a submitted (type, action, target) to the command it
// runs and the resource key it locks.
package catalog

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"regexp"
	"slices"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/CZERTAINLY/taskd/internal/model"
)

//go:embed catalog.yaml
var defaultCatalog []byte

var placeholderRe = regexp.MustCompile(`\{[a-z_]+\}`)

var knownPlaceholders = []string{"{target}", "{action}", "{php_version}"}

type fileSpec struct {
	Types map[string]typeSpec `yaml:"types"`
}

type typeSpec struct {
	Target      string                `yaml:"target"`
	Targets     []string              `yaml:"targets"`
	PHPVersion  string                `yaml:"php_version"`
	ResourceKey string                `yaml:"resource_key"`
	Timeout     string                `yaml:"timeout"`
	Env         map[string]string     `yaml:"env"`
	Actions     map[string]actionSpec `yaml:"actions"`
}

type actionSpec struct {
	Path string   `yaml:"path"`
	Args []string `yaml:"args"`
}

type family struct {
	name        string
	target      *regexp.Regexp
	targets     []string
	phpVersion  *regexp.Regexp
	resourceKey string
	timeout     time.Duration
	env         []string
	actions     map[string]actionSpec
}

// Catalog is immutable once loaded and safe for concurrent use.
type Catalog struct {
	types map[string]family
}

// Operation is a resolved request.
type Operation struct {
	Type        string
	Action      string
	Path        string
	Args        []string
	Env         []string      // type specific extras, KEY=value
	Timeout     time.Duration // zero means the configured default
	ResourceKey string
}

// Entry describes one type for clients.
type Entry struct {
	Type          string   `json:"type"`
	Actions       []string `json:"actions"`
	Targets       []string `json:"targets,omitempty"`
	TargetPattern string   `json:"target_pattern,omitempty"`
	PHPVersion    string   `json:"php_version_pattern,omitempty"`
	ResourceKey   string   `json:"resource_key"`
}

// Default returns the embedded catalog.
func Default() *Catalog {
	c, err := Parse(defaultCatalog)
	if err != nil {
		panic(fmt.Sprintf("embedded catalog: %v", err))
	}
	return c
}

// Load reads the catalog from path. An empty path returns Default.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading catalog: %w", err)
	}
	c, err := Parse(b)
	if err != nil {
		return nil, fmt.Errorf("parsing catalog %s: %w", path, err)
	}
	return c, nil
}

// Parse decodes and validates a catalog document.
func Parse(b []byte) (*Catalog, error) {
	var doc fileSpec
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, err
	}
	if len(doc.Types) == 0 {
		return nil, errors.New("no types defined")
	}

	c := &Catalog{types: make(map[string]family, len(doc.Types))}
	var errs []error
	for name, ts := range doc.Types {
		f, err := compile(name, ts)
		if err != nil {
			errs = append(errs, fmt.Errorf("type %s: %w", name, err))
			continue
		}
		c.types[name] = f
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return c, nil
}

func compile(name string, ts typeSpec) (family, error) {
	f := family{
		name:        name,
		targets:     slices.Clone(ts.Targets),
		resourceKey: ts.ResourceKey,
		actions:     ts.Actions,
	}

	switch {
	case ts.Target != "" && len(ts.Targets) > 0:
		return f, errors.New("target and targets are mutually exclusive")
	case ts.Target != "":
		re, err := anchored(ts.Target)
		if err != nil {
			return f, fmt.Errorf("target: %w", err)
		}
		f.target = re
	case len(ts.Targets) == 0:
		return f, errors.New("target or targets is required")
	}

	if ts.PHPVersion != "" {
		re, err := anchored(ts.PHPVersion)
		if err != nil {
			return f, fmt.Errorf("php_version: %w", err)
		}
		f.phpVersion = re
	}

	if ts.Timeout != "" {
		d, err := model.ParseDuration(ts.Timeout)
		if err != nil {
			return f, fmt.Errorf("timeout: %w", err)
		}
		if d <= 0 {
			return f, errors.New("timeout: must be positive")
		}
		f.timeout = d
	}

	for k, v := range ts.Env {
		f.env = append(f.env, k+"="+v)
	}
	sort.Strings(f.env)

	if ts.ResourceKey == "" {
		return f, errors.New("resource_key is required")
	}
	if err := f.checkPlaceholders("resource_key", ts.ResourceKey); err != nil {
		return f, err
	}
	if len(ts.Actions) == 0 {
		return f, errors.New("no actions defined")
	}
	for action, as := range ts.Actions {
		if as.Path == "" {
			return f, fmt.Errorf("action %s: path is required", action)
		}
		for _, s := range append([]string{as.Path}, as.Args...) {
			if err := f.checkPlaceholders("action "+action, s); err != nil {
				return f, err
			}
		}
	}
	return f, nil
}

func (f family) checkPlaceholders(where, s string) error {
	for _, p := range placeholderRe.FindAllString(s, -1) {
		if !slices.Contains(knownPlaceholders, p) {
			return fmt.Errorf("%s: unknown placeholder %s", where, p)
		}
		if p == "{php_version}" && f.phpVersion == nil {
			return fmt.Errorf("%s: %s used without php_version pattern", where, p)
		}
	}
	return nil
}

func anchored(expr string) (*regexp.Regexp, error) {
	return regexp.Compile(`^(?:` + expr + `)$`)
}

// Resolve validates req and expands its command. Errors are
// *model.InvalidRequestError.
func (c *Catalog) Resolve(req model.Request) (Operation, error) {
	f, ok := c.types[req.Type]
	if !ok {
		return Operation{}, &model.InvalidRequestError{Field: "type", Value: req.Type, Reason: "unknown type"}
	}
	as, ok := f.actions[req.Action]
	if !ok {
		return Operation{}, &model.InvalidRequestError{
			Field:  "action",
			Value:  req.Action,
			Reason: "not supported by type " + req.Type,
		}
	}
	if err := f.validate(req); err != nil {
		return Operation{}, err
	}

	r := strings.NewReplacer(
		"{target}", req.Target,
		"{action}", req.Action,
		"{php_version}", req.PHPVersion,
	)
	args := make([]string, len(as.Args))
	for i, a := range as.Args {
		args[i] = r.Replace(a)
	}
	return Operation{
		Type:        req.Type,
		Action:      req.Action,
		Path:        r.Replace(as.Path),
		Args:        args,
		Env:         slices.Clone(f.env),
		Timeout:     f.timeout,
		ResourceKey: r.Replace(f.resourceKey),
	}, nil
}

func (f family) validate(req model.Request) error {
	switch {
	case req.Target == "":
		return &model.InvalidRequestError{Field: "target", Reason: "is required"}
	case f.target != nil && !f.target.MatchString(req.Target):
		return &model.InvalidRequestError{Field: "target", Value: req.Target, Reason: "does not match " + f.target.String()}
	case f.target == nil && !slices.Contains(f.targets, req.Target):
		return &model.InvalidRequestError{Field: "target", Value: req.Target, Reason: "not one of " + strings.Join(f.targets, ", ")}
	}

	switch {
	case f.phpVersion == nil && req.PHPVersion != "":
		return &model.InvalidRequestError{Field: "php_version", Value: req.PHPVersion, Reason: "not applicable to type " + f.name}
	case f.phpVersion == nil:
	case req.PHPVersion == "":
		return &model.InvalidRequestError{Field: "php_version", Reason: "is required for type " + f.name}
	case !f.phpVersion.MatchString(req.PHPVersion):
		return &model.InvalidRequestError{Field: "php_version", Value: req.PHPVersion, Reason: "does not match " + f.phpVersion.String()}
	}
	return nil
}

// Operations lists the known types and their actions, sorted by name.
func (c *Catalog) Operations() []Entry {
	ret := make([]Entry, 0, len(c.types))
	for name, f := range c.types {
		e := Entry{
			Type:        name,
			Targets:     f.targets,
			ResourceKey: f.resourceKey,
		}
		for action := range f.actions {
			e.Actions = append(e.Actions, action)
		}
		sort.Strings(e.Actions)
		if f.target != nil {
			e.TargetPattern = f.target.String()
		}
		if f.phpVersion != nil {
			e.PHPVersion = f.phpVersion.String()
		}
		ret = append(ret, e)
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].Type < ret[j].Type })
	return ret
}
