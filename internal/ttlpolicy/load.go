package ttlpolicy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"
)

// Load reads a policy file. The format follows the extension:
// ".cue" is evaluated with the CUE SDK, ".yaml" and ".yml" are decoded strictly.
// Built-in categories are merged in and the result is validated.
func Load(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".cue":
		return ParseCUE(data, path)
	case ".yaml", ".yml":
		return ParseYAML(data)
	default:
		return nil, fmt.Errorf("read policy: unsupported extension %q (want .cue, .yaml or .yml)", filepath.Ext(path))
	}
}

// ParseYAML decodes a YAML policy. Unknown fields are rejected so typos such as
// "rule:" instead of "rules:" fail loudly.
func ParseYAML(data []byte) (*Policy, error) {
	var p Policy
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("parse yaml policy: %w", err)
	}
	return finish(&p)
}

// ParseCUE evaluates a CUE policy. The document must be concrete; CUE
// constraints and references are resolved before decoding.
func ParseCUE(data []byte, filename string) (*Policy, error) {
	ctx := cuecontext.New()
	v := ctx.CompileBytes(data, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return nil, fmt.Errorf("compile cue policy: %w", err)
	}
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("validate cue policy: %w", err)
	}

	raw, err := v.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("export cue policy: %w", err)
	}

	var p Policy
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("decode cue policy: %w", err)
	}
	return finish(&p)
}

func finish(p *Policy) (*Policy, error) {
	merged := p.withBuiltins()
	if err := merged.Validate(); err != nil {
		return nil, err
	}
	return merged, nil
}
