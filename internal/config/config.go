// Package config loads and validates the server configuration. Files
// are YAML; the decoded value is validated against an embedded CUE
// schema so misconfiguration fails at startup with field-level
// diagnostics instead of surfacing mid-session.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaSource string

// Configuration error codes (C100-C199).
const (
	// ErrCodeRead means the file could not be read.
	ErrCodeRead = "C100"
	// ErrCodeParse means the YAML did not decode.
	ErrCodeParse = "C101"
	// ErrCodeSchema means a decoded value violated the schema.
	ErrCodeSchema = "C102"
)

// ValidationError is one schema violation, tagged with the field path.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// ValidationErrors aggregates all violations found in one file.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (errs ValidationErrors) Error() string {
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Error()
	}
	return strings.Join(msgs, "; ")
}

// Config is the full server configuration.
type Config struct {
	Server   Server   `yaml:"server" json:"server"`
	Storage  Storage  `yaml:"storage" json:"storage"`
	History  History  `yaml:"history" json:"history"`
	Handles  Handles  `yaml:"handles" json:"handles"`
	Executor Executor `yaml:"executor" json:"executor"`
	Logging  Logging  `yaml:"logging" json:"logging"`
}

// Server configures the listening endpoint.
type Server struct {
	Addr string `yaml:"addr" json:"addr"`
	Name string `yaml:"name" json:"name"`
}

// Storage configures the notebook database.
type Storage struct {
	Path string `yaml:"path" json:"path"`
}

// History bounds the edit history buffer.
type History struct {
	Capacity int `yaml:"capacity" json:"capacity"`
}

// Handles configures streaming-handle expiry.
type Handles struct {
	TTLSeconds   int `yaml:"ttl_seconds" json:"ttl_seconds"`
	SweepSeconds int `yaml:"sweep_seconds" json:"sweep_seconds"`
}

// Executor configures execution buffering and the optional remote
// engine endpoint.
type Executor struct {
	RingCapacity int `yaml:"ring_capacity" json:"ring_capacity"`
	// Remote is the websocket URL of an out-of-process engine; empty
	// launches in process.
	Remote string `yaml:"remote" json:"remote"`
}

// Logging configures the slog handler.
type Logging struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// Default returns the configuration used when a field (or the whole
// file) is absent.
func Default() Config {
	return Config{
		Server:   Server{Addr: "127.0.0.1:8192", Name: "quill"},
		Storage:  Storage{Path: "quill.db"},
		History:  History{Capacity: 4096},
		Handles:  Handles{TTLSeconds: 600, SweepSeconds: 60},
		Executor: Executor{RingCapacity: 1000},
		Logging:  Logging{Level: "info", Format: "text"},
	}
}

// Load reads, decodes, and validates a configuration file. Fields the
// file omits keep their defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, ValidationErrors{{Code: ErrCodeRead, Message: fmt.Sprintf("reading %s: %v", path, err)}}
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, ValidationErrors{{Code: ErrCodeParse, Message: fmt.Sprintf("parsing %s: %v", path, err)}}
	}
	if errs := Validate(cfg); len(errs) > 0 {
		return Config{}, errs
	}
	return cfg, nil
}

// Validate unifies a configuration with the schema and returns every
// violation found (does not fail fast).
func Validate(cfg Config) ValidationErrors {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource)
	if err := schema.Err(); err != nil {
		return ValidationErrors{{Code: ErrCodeSchema, Message: fmt.Sprintf("compiling schema: %v", err)}}
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))
	if err := def.Err(); err != nil {
		return ValidationErrors{{Code: ErrCodeSchema, Message: fmt.Sprintf("schema has no #Config: %v", err)}}
	}

	unified := def.Unify(ctx.Encode(cfg))
	err := unified.Validate(cue.Concrete(true))
	if err == nil {
		return nil
	}

	var errs ValidationErrors
	for _, e := range cueerrors.Errors(err) {
		field := strings.Join(e.Path(), ".")
		format, args := e.Msg()
		errs = append(errs, ValidationError{
			Field:   field,
			Message: fmt.Sprintf(format, args...),
			Code:    ErrCodeSchema,
		})
	}
	return errs
}
