package orchestrator

import (
	"fmt"
	"os"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/arkaigrowth/scout-plan-build-sub003/internal/recovery"
	"github.com/arkaigrowth/scout-plan-build-sub003/internal/validate"
)

// Phase declares one unit of work in a workflow.
type Phase struct {
	// Name uniquely identifies the phase within the spec.
	Name string `koanf:"name" json:"name"`

	// Command is an argv template. Placeholders {{task}}, {{namespace}}
	// and {{phase}} are expanded before validation; the expanded string
	// is validated into an argument vector and executed directly, never
	// through a shell.
	Command string `koanf:"command" json:"command"`

	// Timeout bounds one execution of the command.
	Timeout time.Duration `koanf:"timeout" json:"timeout"`

	// Retry overrides the recovery manager's default policy.
	Retry recovery.RetryPolicy `koanf:"retry" json:"retry"`

	// CheckpointBefore/CheckpointAfter snapshot the namespace around the
	// phase as pre_<name> / post_<name>.
	CheckpointBefore bool `koanf:"checkpoint_before" json:"checkpoint_before"`
	CheckpointAfter  bool `koanf:"checkpoint_after" json:"checkpoint_after"`

	// Group joins consecutive phases into one parallel stage.
	Group string `koanf:"group" json:"group,omitempty"`

	// DependsOn names phases whose results this phase consumes.
	DependsOn []string `koanf:"depends_on" json:"depends_on,omitempty"`

	// Critical phases halt the workflow when recovery is exhausted.
	Critical bool `koanf:"critical" json:"critical"`

	// Independent phases may be referenced before their declaration.
	Independent bool `koanf:"independent" json:"independent"`

	// OutputSchema, when set, is applied to the phase's structured
	// stdout (JSON object) after execution.
	OutputSchema *validate.Schema `koanf:"output_schema" json:"output_schema,omitempty"`
}

// WorkflowSpec is an ordered pipeline of phases.
type WorkflowSpec struct {
	ID     string  `koanf:"id" json:"id"`
	Phases []Phase `koanf:"phases" json:"phases"`
}

// LoadSpec parses a WorkflowSpec from YAML bytes.
func LoadSpec(data []byte) (*WorkflowSpec, error) {
	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(data), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to parse workflow spec: %w", err)
	}

	var spec WorkflowSpec
	if err := k.Unmarshal("", &spec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal workflow spec: %w", err)
	}

	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &spec, nil
}

// LoadSpecFile reads and parses a workflow spec file.
func LoadSpecFile(path string) (*WorkflowSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow spec: %w", err)
	}
	return LoadSpec(data)
}

const defaultPhaseTimeout = 15 * time.Minute

// ScoutPlanBuildSpec is the standard three-phase pipeline: scout the
// codebase for relevant context, plan the change, build it.
func ScoutPlanBuildSpec() WorkflowSpec {
	return WorkflowSpec{
		ID: "scout-plan-build",
		Phases: []Phase{
			{
				Name:             "scout",
				Command:          "claude -p scout {{task}}",
				Timeout:          defaultPhaseTimeout,
				CheckpointBefore: true,
				CheckpointAfter:  true,
			},
			{
				Name:             "plan",
				Command:          "claude -p plan {{task}}",
				Timeout:          defaultPhaseTimeout,
				DependsOn:        []string{"scout"},
				CheckpointBefore: true,
				CheckpointAfter:  true,
				Critical:         true,
			},
			{
				Name:             "build",
				Command:          "claude -p build {{task}}",
				Timeout:          defaultPhaseTimeout,
				DependsOn:        []string{"plan"},
				CheckpointBefore: true,
				CheckpointAfter:  true,
				Critical:         true,
			},
		},
	}
}

// SDLCSpec extends the standard pipeline with test, review, and document
// phases. Review and document run in parallel after test.
func SDLCSpec() WorkflowSpec {
	spec := ScoutPlanBuildSpec()
	spec.ID = "sdlc"
	spec.Phases = append(spec.Phases,
		Phase{
			Name:             "test",
			Command:          "claude -p test {{task}}",
			Timeout:          defaultPhaseTimeout,
			DependsOn:        []string{"build"},
			CheckpointBefore: true,
			CheckpointAfter:  true,
			Critical:         true,
		},
		Phase{
			Name:            "review",
			Command:         "claude -p review {{task}}",
			Timeout:         defaultPhaseTimeout,
			DependsOn:       []string{"test"},
			Group:           "post",
			CheckpointAfter: true,
		},
		Phase{
			Name:            "document",
			Command:         "claude -p document {{task}}",
			Timeout:         defaultPhaseTimeout,
			DependsOn:       []string{"test"},
			Group:           "post",
			CheckpointAfter: true,
		},
	)
	return spec
}

// Validate checks the spec before any phase runs: unique names, known and
// acyclic dependencies, no forward references to non-independent phases,
// and no dependency edges inside one parallel group.
func (s *WorkflowSpec) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("workflow spec: id is required")
	}
	if len(s.Phases) == 0 {
		return fmt.Errorf("workflow spec %s: at least one phase is required", s.ID)
	}

	index := make(map[string]int, len(s.Phases))
	for i, p := range s.Phases {
		if err := validate.ValidateIdentifier(p.Name); err != nil {
			return fmt.Errorf("workflow spec %s: phase %d: %w", s.ID, i, err)
		}
		if _, dup := index[p.Name]; dup {
			return fmt.Errorf("workflow spec %s: duplicate phase name %q", s.ID, p.Name)
		}
		if p.Command == "" {
			return fmt.Errorf("workflow spec %s: phase %s: command is required", s.ID, p.Name)
		}
		if p.Timeout < 0 {
			return fmt.Errorf("workflow spec %s: phase %s: timeout cannot be negative", s.ID, p.Name)
		}
		index[p.Name] = i
	}

	for i, p := range s.Phases {
		for _, dep := range p.DependsOn {
			j, ok := index[dep]
			if !ok {
				return fmt.Errorf("workflow spec %s: phase %s depends on unknown phase %q", s.ID, p.Name, dep)
			}
			if j == i {
				return fmt.Errorf("workflow spec %s: phase %s depends on itself", s.ID, p.Name)
			}
			if j > i && !s.Phases[j].Independent {
				return fmt.Errorf("workflow spec %s: phase %s references later phase %q, which is not independent", s.ID, p.Name, dep)
			}
			if p.Group != "" && p.Group == s.Phases[j].Group {
				return fmt.Errorf("workflow spec %s: phases %s and %s are in parallel group %q and cannot depend on each other", s.ID, p.Name, dep, p.Group)
			}
		}
	}

	return s.checkAcyclic(index)
}

// checkAcyclic runs Kahn's algorithm over the dependency graph.
func (s *WorkflowSpec) checkAcyclic(index map[string]int) error {
	indegree := make([]int, len(s.Phases))
	dependents := make([][]int, len(s.Phases))
	for i, p := range s.Phases {
		for _, dep := range p.DependsOn {
			j := index[dep]
			indegree[i]++
			dependents[j] = append(dependents[j], i)
		}
	}

	queue := make([]int, 0, len(s.Phases))
	for i, deg := range indegree {
		if deg == 0 {
			queue = append(queue, i)
		}
	}

	visited := 0
	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]
		visited++
		for _, j := range dependents[i] {
			indegree[j]--
			if indegree[j] == 0 {
				queue = append(queue, j)
			}
		}
	}

	if visited != len(s.Phases) {
		return fmt.Errorf("workflow spec %s: dependency cycle detected", s.ID)
	}
	return nil
}

// stages partitions the phases into execution stages. Consecutive phases
// sharing a non-empty Group form one parallel stage; every other phase is
// its own stage.
func (s *WorkflowSpec) stages() [][]Phase {
	var stages [][]Phase
	for i := 0; i < len(s.Phases); {
		p := s.Phases[i]
		if p.Group == "" {
			stages = append(stages, []Phase{p})
			i++
			continue
		}
		j := i + 1
		for j < len(s.Phases) && s.Phases[j].Group == p.Group {
			j++
		}
		stages = append(stages, s.Phases[i:j])
		i = j
	}
	return stages
}
