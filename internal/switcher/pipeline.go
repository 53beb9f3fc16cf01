package switcher

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/andywolf/baton/internal/agent"
	"github.com/andywolf/baton/internal/config"
	"github.com/andywolf/baton/internal/events"
	"github.com/andywolf/baton/internal/handoff"
	"github.com/andywolf/baton/internal/logging"
	"github.com/andywolf/baton/internal/notes"
	"github.com/andywolf/baton/internal/security"
	"github.com/andywolf/baton/internal/state"
	"github.com/andywolf/baton/internal/workspace"
)

// HookInput is the JSON the host writes to stdin. Unknown fields are ignored.
type HookInput struct {
	Prompt string `json:"prompt"`
}

// HookOutput is the JSON written back to stdout.
type HookOutput struct {
	Continue      bool   `json:"continue"`
	SystemMessage string `json:"system_message,omitempty"`
}

// Handover writes the handover document for a switch.
type Handover interface {
	Generate(from, to agent.Agent) (*handoff.Document, error)
}

// Rotator rotates the incoming agent's notes when they are over threshold.
type Rotator interface {
	CheckAndRotate(a agent.Agent) (*notes.Result, error)
}

// InitFunc prepares an agent's environment.
type InitFunc func(l workspace.Layout, a agent.Agent, now time.Time) (workspace.InitResult, error)

// Pipeline runs a detected switch. Environment initialisation and the state
// commit are critical; handover and rotation are best effort.
type Pipeline struct {
	layout    workspace.Layout
	store     state.Store
	validator *security.Validator
	detector  *Detector
	handover  Handover
	rotator   Rotator
	initAgent InitFunc
	logger    logging.Interface
	recorder  events.Recorder
	now       func() time.Time
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithStore replaces the file-backed state store.
func WithStore(s state.Store) Option {
	return func(p *Pipeline) { p.store = s }
}

// WithHandover replaces the handover generator.
func WithHandover(h Handover) Option {
	return func(p *Pipeline) { p.handover = h }
}

// WithRotator replaces the notes rotation engine.
func WithRotator(r Rotator) Option {
	return func(p *Pipeline) { p.rotator = r }
}

// WithInit replaces workspace.InitAgent.
func WithInit(fn InitFunc) Option {
	return func(p *Pipeline) { p.initAgent = fn }
}

// WithLogger sets the operational logger.
func WithLogger(l logging.Interface) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithRecorder sets the event sink used for switch and security events.
func WithRecorder(r events.Recorder) Option {
	return func(p *Pipeline) {
		if r != nil {
			p.recorder = r
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// NewPipeline wires a Pipeline for cfg.StateDir.
func NewPipeline(cfg *config.LifecycleConfig, opts ...Option) *Pipeline {
	layout := workspace.NewLayout(cfg.StateDir)
	p := &Pipeline{
		layout:    layout,
		initAgent: workspace.InitAgent,
		logger:    logging.Nop(),
		recorder:  events.Discard,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}

	p.validator = security.NewValidator(cfg.StateDir, p.recorder)
	p.detector = NewDetector(p.validator)
	if p.store == nil {
		p.store = state.NewFileStore(layout.StateFile())
	}
	if p.handover == nil {
		p.handover = handoff.NewGenerator(layout, handoff.WithClock(p.now))
	}
	if p.rotator == nil {
		p.rotator = notes.NewEngine(cfg,
			notes.WithLogger(p.logger),
			notes.WithRecorder(p.recorder),
			notes.WithClock(p.now),
		)
	}
	return p
}

// ProcessHook reads one hook request from r and handles it. Input is
// bounded before parsing and only the prompt is screened; other fields are
// ignored. Malformed or unsafe input that mentions a switch is refused;
// anything else passes through untouched.
func (p *Pipeline) ProcessHook(ctx context.Context, r io.Reader) HookOutput {
	raw, err := io.ReadAll(io.LimitReader(r, security.MaxJSONBytes+1))
	if err != nil {
		return p.malformed(raw, fmt.Errorf("read hook input: %w", err))
	}
	var in HookInput
	if err := p.validator.DecodeJSON(raw, 0, &in); err != nil {
		return p.malformed(raw, err)
	}
	if err := p.validator.ScreenText("prompt", in.Prompt); err != nil {
		return p.malformed([]byte(in.Prompt), err)
	}
	return p.Handle(ctx, in)
}

func (p *Pipeline) malformed(raw []byte, err error) HookOutput {
	p.logger.Log(logging.SeverityWarning, "malformed hook input", map[string]interface{}{
		"error": err,
		"bytes": len(raw),
	})
	if bytes.Contains(raw, []byte("/agent:")) {
		return HookOutput{
			Continue:      false,
			SystemMessage: "Agent switch refused: hook input was rejected as malformed or unsafe.",
		}
	}
	return HookOutput{Continue: true}
}

// Handle runs the switch requested by in.Prompt, if any.
func (p *Pipeline) Handle(ctx context.Context, in HookInput) HookOutput {
	if err := ctx.Err(); err != nil {
		return HookOutput{Continue: false, SystemMessage: "Agent switch aborted: " + err.Error()}
	}

	current := p.store.Read().CurrentAgent
	det := p.detector.Detect(in.Prompt, current)

	switch det.State {
	case NoCommand:
		return HookOutput{Continue: true}
	case SameAgent:
		return HookOutput{Continue: true, SystemMessage: fmt.Sprintf("Already working as %s.", det.Target)}
	case InvalidAgentName:
		p.logger.Log(logging.SeverityWarning, "rejected agent switch", map[string]interface{}{
			"current": current.String(),
			"error":   det.Err,
		})
		return HookOutput{
			Continue: false,
			SystemMessage: fmt.Sprintf("Agent switch refused: %s. Valid agents: %s.",
				security.NewLogSanitizer().SanitizeError(det.Err), strings.Join(workerNames(), ", ")),
		}
	}

	return p.switchTo(det)
}

func (p *Pipeline) switchTo(det Detection) HookOutput {
	from, to := det.Current, det.Target
	now := p.now()
	fields := map[string]interface{}{"from": from.String(), "to": to.String(), "state": det.State.String()}

	if _, err := p.initAgent(p.layout, to, now); err != nil {
		return p.abort("initialise "+to.String(), err, fields)
	}

	var notesMsg, warnings []string
	if det.State == ValidSwitch {
		doc, err := p.handover.Generate(from, to)
		if err != nil {
			warnings = append(warnings, "handover not written: "+err.Error())
			p.logger.Log(logging.SeverityWarning, "handover generation failed", withError(fields, err))
		} else {
			notesMsg = append(notesMsg, "Handover: "+p.relative(doc.Path))
		}

		res, err := p.rotator.CheckAndRotate(to)
		switch {
		case err != nil && res != nil:
			// Rotated and archived; only the index entry is missing.
			notesMsg = append(notesMsg, fmt.Sprintf("Rotated %s notes: %d -> %d lines (archived to %s).",
				to, res.OriginalLines, res.NewLines, res.ArchiveFile))
			warnings = append(warnings, "archive index not updated, run verify")
			p.logger.Log(logging.SeverityWarning, "archive index not updated", withError(fields, err))
		case err != nil:
			warnings = append(warnings, "notes rotation failed: "+err.Error())
			p.logger.Log(logging.SeverityWarning, "notes rotation failed", withError(fields, err))
		case res != nil:
			notesMsg = append(notesMsg, fmt.Sprintf("Rotated %s notes: %d -> %d lines (archived to %s).",
				to, res.OriginalLines, res.NewLines, res.ArchiveFile))
		}
	}

	if err := p.store.CommitAtomic(to); err != nil {
		return p.abort("commit active agent", err, fields)
	}

	p.logger.Log(logging.SeverityInfo, "switched agent", fields)
	_ = p.recorder.Record(events.Event{ //nolint:errcheck // events are best-effort
		Type:    events.TypeSwitch,
		Action:  det.State.String(),
		Agent:   to.String(),
		Message: fmt.Sprintf("%s -> %s", from, to),
		Fields:  map[string]string{"from": from.String(), "to": to.String()},
	})

	msg := fmt.Sprintf("Switched to %s.", to)
	if len(notesMsg) > 0 {
		msg += " " + strings.Join(notesMsg, " ")
	}
	for _, w := range warnings {
		msg += " Warning: " + w + "."
	}
	return HookOutput{Continue: true, SystemMessage: msg}
}

func (p *Pipeline) abort(step string, err error, fields map[string]interface{}) HookOutput {
	p.logger.Log(logging.SeverityError, "agent switch failed", withError(fields, err))
	_ = p.recorder.Record(events.Event{ //nolint:errcheck // events are best-effort
		Type:    events.TypeError,
		Action:  step,
		Message: err.Error(),
	})
	return HookOutput{
		Continue:      false,
		SystemMessage: fmt.Sprintf("Agent switch failed: could not %s: %v", step, err),
	}
}

func (p *Pipeline) relative(path string) string {
	if rel, ok := strings.CutPrefix(path, p.layout.Root+"/"); ok {
		return rel
	}
	return path
}

func withError(fields map[string]interface{}, err error) map[string]interface{} {
	out := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	out["error"] = err
	return out
}

func workerNames() []string {
	var names []string
	for _, a := range agent.Workers() {
		names = append(names, a.String())
	}
	return names
}
