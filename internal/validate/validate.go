package validate

import (
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"regexp"
	"strings"
)

// Kind selects which validator runs.
type Kind string

const (
	KindPath    Kind = "path"
	KindCommand Kind = "command"
	KindPayload Kind = "payload"
)

// Error codes carried on failed Results.
const (
	CodePathEmpty        = "path_empty"
	CodePathTooLong      = "path_too_long"
	CodePathAbsolute     = "path_absolute"
	CodePathTraversal    = "path_traversal"
	CodePathOutsideRoots = "path_outside_allowlist"
	CodeCommandEmpty     = "command_empty"
	CodeCommandTooLong   = "command_too_long"
	CodeCommandMetachar  = "command_metacharacter"
	CodeCommandNotFound  = "command_not_allowed"
	CodeCommandArgCount  = "command_too_many_args"
	CodePayloadMissing   = "payload_missing_field"
	CodePayloadBadType   = "payload_wrong_type"
	CodeUnknownKind      = "unknown_kind"
)

// shellMetacharacters are rejected outright in command strings. With these
// gone, whitespace splitting cannot change meaning under any shell.
var shellMetacharacters = []string{";", "|", "&", "$", "`", "\n", "\r", "(", ")", "<", ">"}

// identifierPattern matches namespaces and phase names: lowercase
// alphanumeric with underscores and hyphens, 1-64 chars.
var identifierPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,62}[a-z0-9]?$`)

// ErrInvalidIdentifier indicates a namespace or phase name has a bad format.
var ErrInvalidIdentifier = errors.New("invalid identifier format")

// Result is the outcome of one validation. Input is always echoed back;
// on failure Code and Detail describe the first problem found and
// Suggestion, when non-empty, is a sanitized replacement the caller may
// retry with.
type Result struct {
	Kind       Kind   `json:"kind"`
	Input      string `json:"input"`
	Valid      bool   `json:"valid"`
	Code       string `json:"code,omitempty"`
	Detail     string `json:"detail,omitempty"`
	Suggestion string `json:"suggestion,omitempty"`

	// Normalized is the rooted, cleaned form of a valid path.
	Normalized string `json:"normalized,omitempty"`

	// Argv is the exact argument vector for a valid command. It is
	// executed directly, never handed to a shell.
	Argv []string `json:"argv,omitempty"`

	// Field names the first failing payload field.
	Field string `json:"field,omitempty"`
}

// Err returns nil for a valid Result, or a *ResultError wrapping it.
func (r Result) Err() error {
	if r.Valid {
		return nil
	}
	return &ResultError{Result: r}
}

// ResultError carries a failed Result across error-returning boundaries
// so the recovery layer can classify it and read the suggestion.
type ResultError struct {
	Result Result
}

func (e *ResultError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Result.Code, e.Result.Detail)
}

// Config holds validator allow-lists and limits.
type Config struct {
	// Root is the absolute base all validated paths are joined onto.
	// Supplied by configuration so normalization never consults the
	// working directory.
	Root                string   `koanf:"root"`
	AllowedPathPrefixes []string `koanf:"allowed_path_prefixes"`
	AllowedCommands     []string `koanf:"allowed_commands"`
	MaxPathLength       int      `koanf:"max_path_length"`
	MaxArgLength        int      `koanf:"max_arg_length"`
	MaxArgs             int      `koanf:"max_args"`
}

// DefaultConfig returns the standard allow-lists.
func DefaultConfig() Config {
	return Config{
		AllowedPathPrefixes: []string{
			"specs/", "scout_outputs/", "ai_docs/", "docs/", "scripts/", "adws/", "app/",
		},
		AllowedCommands: []string{"claude", "git", "echo", "true"},
		MaxPathLength:   1024,
		MaxArgLength:    1024,
		MaxArgs:         64,
	}
}

// ApplyDefaults fills in zero values.
func (c *Config) ApplyDefaults() {
	def := DefaultConfig()
	if len(c.AllowedPathPrefixes) == 0 {
		c.AllowedPathPrefixes = def.AllowedPathPrefixes
	}
	if len(c.AllowedCommands) == 0 {
		c.AllowedCommands = def.AllowedCommands
	}
	if c.MaxPathLength == 0 {
		c.MaxPathLength = def.MaxPathLength
	}
	if c.MaxArgLength == 0 {
		c.MaxArgLength = def.MaxArgLength
	}
	if c.MaxArgs == 0 {
		c.MaxArgs = def.MaxArgs
	}
}

// Validate checks the config itself.
func (c *Config) Validate() error {
	if c.Root != "" && !filepath.IsAbs(c.Root) {
		return fmt.Errorf("root must be absolute, got %q", c.Root)
	}
	for _, p := range c.AllowedPathPrefixes {
		if p == "" {
			return errors.New("allowed path prefix cannot be empty")
		}
		if strings.HasPrefix(p, "/") || strings.Contains(p, "..") {
			return fmt.Errorf("invalid allowed path prefix: %q", p)
		}
	}
	for _, cmd := range c.AllowedCommands {
		if cmd == "" {
			return errors.New("allowed command cannot be empty")
		}
	}
	return nil
}

// Validator performs pure path, command, and payload validation.
type Validator struct {
	cfg Config
}

// New creates a Validator from config.
func New(cfg Config) (*Validator, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid validator config: %w", err)
	}
	return &Validator{cfg: cfg}, nil
}

// Validate dispatches on kind for string-valued inputs.
func (v *Validator) Validate(kind Kind, value string) Result {
	switch kind {
	case KindPath:
		return v.Path(value)
	case KindCommand:
		return v.Command(value)
	default:
		return Result{
			Kind:   kind,
			Input:  value,
			Code:   CodeUnknownKind,
			Detail: fmt.Sprintf("no validator for kind %q", kind),
		}
	}
}

// Path validates a repository-relative path against the prefix allow-list.
// On success Normalized holds the cleaned path joined onto the configured
// root. Traversal failures carry the traversal-free equivalent as
// Suggestion when that equivalent would itself be allowed.
func (v *Validator) Path(value string) Result {
	res := Result{Kind: KindPath, Input: value}

	if value == "" {
		res.Code = CodePathEmpty
		res.Detail = "path cannot be empty"
		return res
	}
	if len(value) > v.cfg.MaxPathLength {
		res.Code = CodePathTooLong
		res.Detail = fmt.Sprintf("path exceeds %d characters", v.cfg.MaxPathLength)
		return res
	}
	if strings.Contains(value, "\\") {
		res.Code = CodePathTraversal
		res.Detail = "path contains backslash"
		return res
	}
	if strings.HasPrefix(value, "/") {
		res.Code = CodePathAbsolute
		res.Detail = "absolute path not allowed"
		if s := strings.TrimLeft(value, "/"); v.allowedByPrefix(path.Clean(s)) {
			res.Suggestion = path.Clean(s)
		}
		return res
	}

	cleaned := path.Clean(value)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") || strings.Contains(cleaned, "/../") || strings.HasSuffix(cleaned, "/..") {
		res.Code = CodePathTraversal
		res.Detail = "path contains directory traversal"
		if s := traversalFree(value); s != "" && v.allowedByPrefix(s) {
			res.Suggestion = s
		}
		return res
	}

	if !v.allowedByPrefix(cleaned) {
		res.Code = CodePathOutsideRoots
		res.Detail = fmt.Sprintf("path must start with one of: %s", strings.Join(v.cfg.AllowedPathPrefixes, ", "))
		return res
	}

	res.Valid = true
	res.Normalized = cleaned
	if v.cfg.Root != "" {
		res.Normalized = filepath.Join(v.cfg.Root, cleaned)
	}
	return res
}

// Command validates a command string and returns its argument vector.
// Splitting happens only after metacharacter rejection, so the vector is
// exactly what a shell-free exec would receive.
func (v *Validator) Command(value string) Result {
	res := Result{Kind: KindCommand, Input: value}

	if strings.TrimSpace(value) == "" {
		res.Code = CodeCommandEmpty
		res.Detail = "command cannot be empty"
		return res
	}
	if len(value) > v.cfg.MaxArgLength*v.cfg.MaxArgs {
		res.Code = CodeCommandTooLong
		res.Detail = "command string too long"
		return res
	}
	for _, meta := range shellMetacharacters {
		if strings.Contains(value, meta) {
			res.Code = CodeCommandMetachar
			res.Detail = fmt.Sprintf("command contains shell metacharacter %q", meta)
			return res
		}
	}

	argv := strings.Fields(value)
	if len(argv) > v.cfg.MaxArgs {
		res.Code = CodeCommandArgCount
		res.Detail = fmt.Sprintf("command has %d arguments (max %d)", len(argv), v.cfg.MaxArgs)
		return res
	}
	for _, arg := range argv {
		if len(arg) > v.cfg.MaxArgLength {
			res.Code = CodeCommandTooLong
			res.Detail = fmt.Sprintf("argument exceeds %d characters", v.cfg.MaxArgLength)
			return res
		}
	}

	if !v.allowedCommand(argv[0]) {
		res.Code = CodeCommandNotFound
		res.Detail = fmt.Sprintf("command %q not in allow-list: %s", argv[0], strings.Join(v.cfg.AllowedCommands, ", "))
		return res
	}

	res.Valid = true
	res.Argv = argv
	return res
}

// allowedByPrefix reports whether a cleaned relative path falls under one
// of the allowed prefixes. Matching is segment-aware: prefix "specs/"
// admits "specs/plan.md" and "specs" itself, never "specs2/x".
func (v *Validator) allowedByPrefix(cleaned string) bool {
	for _, prefix := range v.cfg.AllowedPathPrefixes {
		trimmed := strings.TrimSuffix(prefix, "/")
		if cleaned == trimmed || strings.HasPrefix(cleaned, trimmed+"/") {
			return true
		}
	}
	return false
}

func (v *Validator) allowedCommand(name string) bool {
	base := path.Base(name)
	for _, allowed := range v.cfg.AllowedCommands {
		if name == allowed || base == allowed {
			return true
		}
	}
	return false
}

// traversalFree strips "." and ".." segments, yielding the path the
// caller most likely meant.
func traversalFree(p string) string {
	segments := strings.Split(p, "/")
	kept := segments[:0]
	for _, seg := range segments {
		if seg == "" || seg == "." || seg == ".." {
			continue
		}
		kept = append(kept, seg)
	}
	return strings.Join(kept, "/")
}

// ValidateIdentifier checks a namespace or phase name format.
func ValidateIdentifier(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidIdentifier)
	}
	if !identifierPattern.MatchString(id) {
		return fmt.Errorf("%w: %q must be lowercase alphanumeric with underscores or hyphens (1-64 chars)", ErrInvalidIdentifier, id)
	}
	return nil
}
