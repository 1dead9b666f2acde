package dialogue

import "testing"

func TestStageTransitions(t *testing.T) {
	e := NewEngine(Config{MaxReflectionSteps: 2, MaxToolSteps: 4})

	tests := []struct {
		name      string
		state     State
		input     Input
		wantStage Stage
		wantStep  int
	}{
		{
			name:      "greeting advances on any reply",
			state:     State{Stage: StageGreeting},
			input:     Input{Text: "hi there"},
			wantStage: StageValidation,
			wantStep:  0,
		},
		{
			name:      "validation is a single exchange",
			state:     State{Stage: StageValidation},
			input:     Input{Text: "yes, that's how I feel"},
			wantStage: StageReflection,
			wantStep:  0,
		},
		{
			name:      "reflection stays below threshold",
			state:     State{Stage: StageReflection, Step: 0},
			input:     Input{Text: "I keep thinking about it"},
			wantStage: StageReflection,
			wantStep:  1,
		},
		{
			name:      "reflection at threshold moves to tools",
			state:     State{Stage: StageReflection, Step: 2},
			input:     Input{Text: "still thinking"},
			wantStage: StageTools,
			wantStep:  0,
		},
		{
			name:      "tool trigger short-circuits reflection at step 0",
			state:     State{Stage: StageReflection, Step: 0},
			input:     Input{Text: "ok but what should I do about it?"},
			wantStage: StageTools,
			wantStep:  0,
		},
		{
			name:      "tool trigger re-enters tools from next steps",
			state:     State{Stage: StageNextSteps},
			input:     Input{Text: "any advice for next time?"},
			wantStage: StageTools,
			wantStep:  0,
		},
		{
			name:      "next steps is otherwise terminal",
			state:     State{Stage: StageNextSteps},
			input:     Input{Text: "thanks, that helped"},
			wantStage: StageNextSteps,
			wantStep:  0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := e.Next(tt.state, tt.input)
			if got.Stage != tt.wantStage || got.Step != tt.wantStep {
				t.Errorf("Next() = (%s, %d), want (%s, %d)", got.Stage, got.Step, tt.wantStage, tt.wantStep)
			}
		})
	}
}

func TestToolSubProtocol(t *testing.T) {
	e := NewEngine(DefaultConfig())

	s := State{Stage: StageTools, ToolPhase: ToolPhaseSuggesting}

	// Collaborator selects a tool: move to practicing with it recorded.
	s = e.Next(s, Input{Text: "sure, sounds good", SelectedTool: "active listening"})
	if s.ToolPhase != ToolPhasePracticing || s.CurrentTool != "active listening" {
		t.Fatalf("after selection: phase=%s tool=%q", s.ToolPhase, s.CurrentTool)
	}

	// Ready signal ends practice.
	s = e.Next(s, Input{Text: "I tried it", Ready: true})
	if s.ToolPhase != ToolPhaseWrappingUp {
		t.Fatalf("after ready: phase=%s, want wrapping_up", s.ToolPhase)
	}

	// Wrap-up hands over to Next Steps and clears the tool.
	s = e.Next(s, Input{Text: "ok"})
	if s.Stage != StageNextSteps || s.CurrentTool != "" || s.Step != 0 {
		t.Fatalf("after wrap-up: %+v, want NextSteps with no tool", s)
	}
}

func TestToolDeclineJumpsToWrapUp(t *testing.T) {
	e := NewEngine(DefaultConfig())

	s := State{Stage: StageTools, ToolPhase: ToolPhaseSuggesting}
	s = e.Next(s, Input{Text: "no thanks"})
	if s.ToolPhase != ToolPhaseWrappingUp || !s.ToolDeclined {
		t.Fatalf("decline: phase=%s declined=%v, want wrapping_up/true", s.ToolPhase, s.ToolDeclined)
	}
}

func TestToolProtocolIsBounded(t *testing.T) {
	cfg := Config{MaxReflectionSteps: 1, MaxToolSteps: 4}
	e := NewEngine(cfg)

	// Practicing without any ready signal must still terminate.
	s := State{Stage: StageTools, ToolPhase: ToolPhasePracticing, CurrentTool: "box breathing"}
	for i := 0; i < cfg.MaxToolSteps; i++ {
		if s.ToolPhase == ToolPhaseWrappingUp {
			break
		}
		s = e.Next(s, Input{Text: "still going"})
	}
	if s.ToolPhase != ToolPhaseWrappingUp {
		t.Fatalf("practice did not reach wrap-up within %d turns: %+v", cfg.MaxToolSteps, s)
	}

	// Suggesting with no selection and no decline must also terminate.
	s = State{Stage: StageTools, ToolPhase: ToolPhaseSuggesting}
	for i := 0; i < cfg.MaxToolSteps; i++ {
		if s.ToolPhase == ToolPhaseWrappingUp {
			break
		}
		s = e.Next(s, Input{Text: "hmm"})
	}
	if s.ToolPhase != ToolPhaseWrappingUp {
		t.Fatalf("suggesting did not reach wrap-up within %d turns: %+v", cfg.MaxToolSteps, s)
	}
}

func TestDetectToolTrigger(t *testing.T) {
	tests := []struct {
		text string
		want bool
	}{
		{"What should I do?", true},
		{"how do i handle this", true},
		{"is there something practical I can try", true},
		{"I'm stuck", true},
		{"she said something mean", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := DetectToolTrigger(tt.text); got != tt.want {
			t.Errorf("DetectToolTrigger(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}

func TestDetectDecline(t *testing.T) {
	tests := []struct {
		text string
		want bool
	}{
		{"no thanks", true},
		{"Nah", true},
		{"not right now", true},
		{"I'd rather not", true},
		{"yes let's try it", false},
		{"november works", false},
	}
	for _, tt := range tests {
		if got := DetectDecline(tt.text); got != tt.want {
			t.Errorf("DetectDecline(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}
