package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrUndecodable is returned when request input is neither YAML nor JSON.
var ErrUndecodable = errors.New("cli: request is neither YAML nor JSON")

type decodeFunc func([]byte, any) error

// decoders returns the decoders to try for a file extension, most likely
// first. Valid JSON is also valid YAML, so YAML is the fallback.
func decoders(ext string) []decodeFunc {
	switch strings.ToLower(ext) {
	case ".json":
		return []decodeFunc{json.Unmarshal}
	case ".yaml", ".yml":
		return []decodeFunc{yaml.Unmarshal}
	default:
		return []decodeFunc{json.Unmarshal, yaml.Unmarshal}
	}
}

// LoadRequest decodes a request file into v, picking the format from the
// file extension.
func LoadRequest(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("cli: read request: %w", err)
	}
	return ParseRequest(data, path, v)
}

// ParseRequest decodes data as the format implied by filename. Files
// without a known extension are tried as JSON, then as YAML.
func ParseRequest(data []byte, filename string, v any) error {
	decs := decoders(filepath.Ext(filename))
	var last error
	for _, dec := range decs {
		if last = dec(data, v); last == nil {
			return nil
		}
	}
	if len(decs) == 1 {
		return fmt.Errorf("cli: parse %s: %w", filename, last)
	}
	return fmt.Errorf("%w: %s", ErrUndecodable, filename)
}

// LoadRequestFrom decodes a request read from r, such as stdin.
func LoadRequestFrom(r io.Reader, v any) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("cli: read request: %w", err)
	}
	return ParseRequest(data, "", v)
}
