package validate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := New(Config{})
	require.NoError(t, err)
	return v
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(Config{Root: "relative/root"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "root must be absolute")

	_, err = New(Config{AllowedPathPrefixes: []string{"/abs/"}})
	require.Error(t, err)

	_, err = New(Config{AllowedPathPrefixes: []string{"a/../b/"}})
	require.Error(t, err)
}

func TestPath(t *testing.T) {
	tests := []struct {
		name       string
		input      string
		valid      bool
		code       string
		suggestion string
	}{
		{
			name:  "allowed path",
			input: "specs/plan.md",
			valid: true,
		},
		{
			name:  "allowed nested path",
			input: "docs/design/overview.md",
			valid: true,
		},
		{
			name:  "allowed prefix directory itself",
			input: "specs",
			valid: true,
		},
		{
			name:       "classic traversal",
			input:      "../../etc/passwd",
			code:       CodePathTraversal,
			suggestion: "",
		},
		{
			name:       "embedded traversal with allowed target",
			input:      "specs/../specs/plan.md",
			valid:      true, // cleans to specs/plan.md with no remaining traversal
			suggestion: "",
		},
		{
			name:       "traversal escaping allowed prefix",
			input:      "specs/../../etc/passwd",
			code:       CodePathTraversal,
			suggestion: "",
		},
		{
			name:       "traversal with recoverable suggestion",
			input:      "../specs/plan.md",
			code:       CodePathTraversal,
			suggestion: "specs/plan.md",
		},
		{
			name:  "absolute path",
			input: "/etc/passwd",
			code:  CodePathAbsolute,
		},
		{
			name:       "absolute path with allowed suffix",
			input:      "/specs/plan.md",
			code:       CodePathAbsolute,
			suggestion: "specs/plan.md",
		},
		{
			name:  "outside allow-list",
			input: "secrets/key.pem",
			code:  CodePathOutsideRoots,
		},
		{
			name:  "prefix lookalike rejected",
			input: "specs2/plan.md",
			code:  CodePathOutsideRoots,
		},
		{
			name:  "empty path",
			input: "",
			code:  CodePathEmpty,
		},
		{
			name:  "backslash rejected",
			input: "specs\\plan.md",
			code:  CodePathTraversal,
		},
	}

	v := newTestValidator(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := v.Path(tt.input)

			assert.Equal(t, tt.input, res.Input)
			assert.Equal(t, KindPath, res.Kind)
			assert.Equal(t, tt.valid, res.Valid)
			if !tt.valid {
				assert.Equal(t, tt.code, res.Code)
				assert.NotEmpty(t, res.Detail)
			}
			if tt.suggestion != "" {
				assert.Equal(t, tt.suggestion, res.Suggestion)
			}
		})
	}
}

func TestPathNormalizedWithRoot(t *testing.T) {
	v, err := New(Config{Root: "/work/repo"})
	require.NoError(t, err)

	res := v.Path("specs/plan.md")
	require.True(t, res.Valid)
	assert.Equal(t, "/work/repo/specs/plan.md", res.Normalized)
}

func TestPathNormalizedWithoutRoot(t *testing.T) {
	v := newTestValidator(t)

	res := v.Path("specs/./plan.md")
	require.True(t, res.Valid)
	assert.Equal(t, "specs/plan.md", res.Normalized)
}

func TestPathIsPure(t *testing.T) {
	v := newTestValidator(t)

	first := v.Path("specs/plan.md")
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, v.Path("specs/plan.md"))
	}

	firstBad := v.Path("../../etc/passwd")
	for i := 0; i < 10; i++ {
		assert.Equal(t, firstBad, v.Path("../../etc/passwd"))
	}
}

func TestCommand(t *testing.T) {
	tests := []struct {
		name  string
		input string
		valid bool
		code  string
		argv  []string
	}{
		{
			name:  "allowed command",
			input: "claude -p /scout",
			valid: true,
			argv:  []string{"claude", "-p", "/scout"},
		},
		{
			name:  "allowed command with path",
			input: "/usr/local/bin/claude --version",
			valid: true,
			argv:  []string{"/usr/local/bin/claude", "--version"},
		},
		{
			name:  "collapses whitespace",
			input: "  git   status  ",
			valid: true,
			argv:  []string{"git", "status"},
		},
		{
			name:  "empty command",
			input: "   ",
			code:  CodeCommandEmpty,
		},
		{
			name:  "semicolon injection",
			input: "git status; rm -rf /",
			code:  CodeCommandMetachar,
		},
		{
			name:  "pipe injection",
			input: "echo hi | sh",
			code:  CodeCommandMetachar,
		},
		{
			name:  "backtick injection",
			input: "echo `whoami`",
			code:  CodeCommandMetachar,
		},
		{
			name:  "subshell injection",
			input: "echo $(id)",
			code:  CodeCommandMetachar,
		},
		{
			name:  "redirect injection",
			input: "echo secret > /tmp/out",
			code:  CodeCommandMetachar,
		},
		{
			name:  "command not in allow-list",
			input: "curl http://example.com",
			code:  CodeCommandNotFound,
		},
	}

	v := newTestValidator(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := v.Command(tt.input)

			assert.Equal(t, tt.valid, res.Valid)
			if tt.valid {
				assert.Equal(t, tt.argv, res.Argv)
			} else {
				assert.Equal(t, tt.code, res.Code)
				assert.Empty(t, res.Argv)
			}
		})
	}
}

func TestPayload(t *testing.T) {
	schema := Schema{Fields: []FieldSpec{
		{Name: "task", Type: TypeString, Required: true},
		{Name: "attempts", Type: TypeInt, Required: true},
		{Name: "confidence", Type: TypeFloat},
		{Name: "done", Type: TypeBool},
		{Name: "files", Type: TypeList},
		{Name: "meta", Type: TypeMap},
	}}

	tests := []struct {
		name  string
		value map[string]any
		valid bool
		code  string
		field string
	}{
		{
			name: "all fields conforming",
			value: map[string]any{
				"task":       "add-pagination",
				"attempts":   2,
				"confidence": 0.75,
				"done":       true,
				"files":      []any{"specs/plan.md"},
				"meta":       map[string]any{"level": 1},
			},
			valid: true,
		},
		{
			name:  "optional fields absent",
			value: map[string]any{"task": "t", "attempts": 1},
			valid: true,
		},
		{
			name:  "required field missing",
			value: map[string]any{"task": "t"},
			code:  CodePayloadMissing,
			field: "attempts",
		},
		{
			name:  "nil counts as missing",
			value: map[string]any{"task": nil, "attempts": 1},
			code:  CodePayloadMissing,
			field: "task",
		},
		{
			name:  "string type mismatch",
			value: map[string]any{"task": 42, "attempts": 1},
			code:  CodePayloadBadType,
			field: "task",
		},
		{
			name:  "integral float accepted as int",
			value: map[string]any{"task": "t", "attempts": float64(3)},
			valid: true,
		},
		{
			name:  "fractional float rejected as int",
			value: map[string]any{"task": "t", "attempts": 2.5},
			code:  CodePayloadBadType,
			field: "attempts",
		},
		{
			name:  "int accepted as float",
			value: map[string]any{"task": "t", "attempts": 1, "confidence": 1},
			valid: true,
		},
		{
			name:  "string rejected as bool",
			value: map[string]any{"task": "t", "attempts": 1, "done": "yes"},
			code:  CodePayloadBadType,
			field: "done",
		},
		{
			name:  "scalar rejected as list",
			value: map[string]any{"task": "t", "attempts": 1, "files": "specs/plan.md"},
			code:  CodePayloadBadType,
			field: "files",
		},
		{
			name:  "list rejected as map",
			value: map[string]any{"task": "t", "attempts": 1, "meta": []any{"x"}},
			code:  CodePayloadBadType,
			field: "meta",
		},
		{
			name: "first failing field in declaration order",
			value: map[string]any{
				"task":     41,
				"attempts": "also wrong",
				"done":     "wrong too",
			},
			code:  CodePayloadBadType,
			field: "task",
		},
	}

	v := newTestValidator(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := v.Payload(tt.value, schema)

			assert.Equal(t, KindPayload, res.Kind)
			assert.Equal(t, tt.valid, res.Valid)
			if tt.valid {
				assert.Empty(t, res.Field)
			} else {
				assert.Equal(t, tt.code, res.Code)
				assert.Equal(t, tt.field, res.Field)
				assert.NotEmpty(t, res.Detail)
			}
		})
	}
}

func TestValidateDispatch(t *testing.T) {
	v := newTestValidator(t)

	assert.True(t, v.Validate(KindPath, "specs/plan.md").Valid)
	assert.True(t, v.Validate(KindCommand, "echo ok").Valid)

	res := v.Validate(Kind("regex"), "x")
	assert.False(t, res.Valid)
	assert.Equal(t, CodeUnknownKind, res.Code)
}

func TestResultErr(t *testing.T) {
	v := newTestValidator(t)

	assert.NoError(t, v.Path("specs/plan.md").Err())

	err := v.Path("../x").Err()
	require.Error(t, err)

	var resErr *ResultError
	require.ErrorAs(t, err, &resErr)
	assert.Equal(t, CodePathTraversal, resErr.Result.Code)
}

func TestValidateIdentifier(t *testing.T) {
	assert.NoError(t, ValidateIdentifier("a3f9c1d2"))
	assert.NoError(t, ValidateIdentifier("scout-plan-build"))
	assert.NoError(t, ValidateIdentifier("phase_1"))

	assert.Error(t, ValidateIdentifier(""))
	assert.Error(t, ValidateIdentifier("Has-Caps"))
	assert.Error(t, ValidateIdentifier("../escape"))
	assert.Error(t, ValidateIdentifier("has space"))
}
