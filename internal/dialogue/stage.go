package dialogue

// Stage is a named phase of the conversation protocol. The progression is
// fixed: Greeting → Validation → Reflection → Tools → Next Steps.
type Stage string

const (
	StageGreeting   Stage = "Greeting"
	StageValidation Stage = "Validation"
	StageReflection Stage = "Reflection"
	StageTools      Stage = "Tools"
	StageNextSteps  Stage = "Next Steps"
)

// ToolPhase tracks progress inside the Tools stage.
type ToolPhase string

const (
	ToolPhaseNone       ToolPhase = ""
	ToolPhaseSuggesting ToolPhase = "suggesting"
	ToolPhasePracticing ToolPhase = "practicing"
	ToolPhaseWrappingUp ToolPhase = "wrapping_up"
)

// State is one conversation's position in the protocol. The step counter
// resets to 0 on every stage transition. CurrentTool is set only while a
// tool practice is active inside the Tools stage.
type State struct {
	Stage        Stage
	Step         int
	ToolPhase    ToolPhase
	CurrentTool  string
	ToolDeclined bool
}

// Input carries one turn's signals into the transition function. Text is
// the user's batched message. SelectedTool is the tool name chosen by the
// completion collaborator while suggesting. Ready is the collaborator's
// signal that the current practice is complete.
type Input struct {
	Text         string
	SelectedTool string
	Ready        bool
}

// Config bounds the loops in the protocol.
type Config struct {
	MaxReflectionSteps int // reflection turns before Tools (default 1)
	MaxToolSteps       int // practice turns before wrap-up (default 4)
}

// DefaultConfig mirrors the production tuning of the dialogue protocol.
func DefaultConfig() Config {
	return Config{MaxReflectionSteps: 1, MaxToolSteps: 4}
}

// Engine computes stage transitions. Next is a pure function of
// (state, input): it never fails and performs no I/O, so callers may run
// it under their per-conversation lock.
type Engine struct {
	cfg Config
}

func NewEngine(cfg Config) *Engine {
	if cfg.MaxReflectionSteps <= 0 {
		cfg.MaxReflectionSteps = 1
	}
	if cfg.MaxToolSteps <= 0 {
		cfg.MaxToolSteps = 4
	}
	return &Engine{cfg: cfg}
}

// Next returns the state after one user turn.
func (e *Engine) Next(s State, in Input) State {
	switch s.Stage {
	case StageGreeting:
		// Any reply advances; greeting needs no confirmation.
		return State{Stage: StageValidation}

	case StageValidation:
		// A single exchange is sufficient.
		return State{Stage: StageReflection}

	case StageReflection:
		if DetectToolTrigger(in.Text) || s.Step >= e.cfg.MaxReflectionSteps {
			return State{Stage: StageTools, ToolPhase: ToolPhaseSuggesting}
		}
		s.Step++
		return s

	case StageTools:
		return e.nextTool(s, in)

	case StageNextSteps:
		// Terminal, unless the user explicitly asks for actionable help.
		if DetectToolTrigger(in.Text) {
			return State{Stage: StageTools, ToolPhase: ToolPhaseSuggesting}
		}
		return s

	default:
		// Unknown stage (fresh conversation): start at the beginning.
		return State{Stage: StageGreeting}
	}
}

// nextTool drives the bounded Suggesting → Practicing → WrappingUp
// sub-protocol. Both suggesting and practicing terminate within
// MaxToolSteps turns even without any external signal.
func (e *Engine) nextTool(s State, in Input) State {
	switch s.ToolPhase {
	case ToolPhaseSuggesting:
		if DetectDecline(in.Text) {
			return State{Stage: StageTools, ToolPhase: ToolPhaseWrappingUp, ToolDeclined: true}
		}
		if in.SelectedTool != "" {
			return State{Stage: StageTools, ToolPhase: ToolPhasePracticing, CurrentTool: in.SelectedTool}
		}
		s.Step++
		if s.Step >= e.cfg.MaxToolSteps {
			s.ToolPhase = ToolPhaseWrappingUp
			s.Step = 0
		}
		return s

	case ToolPhasePracticing:
		if DetectDecline(in.Text) {
			return State{Stage: StageTools, ToolPhase: ToolPhaseWrappingUp, CurrentTool: s.CurrentTool, ToolDeclined: true}
		}
		s.Step++
		if in.Ready || s.Step >= e.cfg.MaxToolSteps {
			s.ToolPhase = ToolPhaseWrappingUp
			s.Step = 0
		}
		return s

	case ToolPhaseWrappingUp:
		// The wrap-up acknowledgment has been emitted; clear the tool and
		// hand the conversation to Next Steps.
		return State{Stage: StageNextSteps}

	default:
		return State{Stage: StageTools, ToolPhase: ToolPhaseSuggesting}
	}
}
