// Package switcher turns a user prompt into an agent switch. Detect
// classifies the prompt; Pipeline carries out the side effects in a fixed
// order and reports the hook response.
package switcher

import (
	"regexp"
	"strings"

	"github.com/andywolf/baton/internal/agent"
	"github.com/andywolf/baton/internal/errkind"
	"github.com/andywolf/baton/internal/security"
)

// State is the outcome of detection.
type State int

const (
	// NoCommand means the prompt carries no switch request.
	NoCommand State = iota
	// SameAgent means the requested agent is already active.
	SameAgent
	// InitialSwitch is the first switch, from none.
	InitialSwitch
	// ValidSwitch moves control between two real agents.
	ValidSwitch
	// InvalidAgentName means the request named something outside the whitelist.
	InvalidAgentName
)

func (s State) String() string {
	switch s {
	case NoCommand:
		return "no_command"
	case SameAgent:
		return "same_agent"
	case InitialSwitch:
		return "initial_switch"
	case ValidSwitch:
		return "valid_switch"
	case InvalidAgentName:
		return "invalid_agent_name"
	default:
		return "unknown"
	}
}

// tokenPattern matches a switch request. The name runs to the next
// whitespace so that "hacker;rm" is validated as a whole rather than
// truncated into something acceptable.
var tokenPattern = regexp.MustCompile(`/agent:(\S*)`)

// trailingPunctuation is sentence punctuation stripped from the end of a
// name, as in "switch to /agent:builder." or "(/agent:planner)". Shell
// metacharacters are not in the set and still reject the name.
const trailingPunctuation = `.,:!?)]}"'`

// Detection is the result of Detect.
type Detection struct {
	State State
	// Requested is the raw name from the prompt.
	Requested string
	Current   agent.Agent
	Target    agent.Agent
	// Err explains an InvalidAgentName result.
	Err error
}

// Detector classifies prompts.
type Detector struct {
	validator *security.Validator
}

// NewDetector creates a Detector. Rejections are recorded through the
// validator's event recorder.
func NewDetector(v *security.Validator) *Detector {
	return &Detector{validator: v}
}

// Detect finds the first /agent:<name> token in prompt and classifies it
// against current.
func (d *Detector) Detect(prompt string, current agent.Agent) Detection {
	det := Detection{State: NoCommand, Current: current}

	m := tokenPattern.FindStringSubmatch(prompt)
	if m == nil {
		return det
	}
	det.Requested = m[1]
	name := strings.TrimRight(m[1], trailingPunctuation)

	target, err := d.validator.ValidateAgentName(name)
	if err != nil {
		det.State = InvalidAgentName
		det.Err = err
		return det
	}
	det.Target = target

	switch {
	case target == current:
		det.State = SameAgent
	case target.IsNone():
		// none is a valid identifier but not something control can pass to.
		det.State = InvalidAgentName
		det.Err = errkind.New(errkind.InvalidAgent, "detect switch", "cannot hand control to %s", target)
	case current.IsNone():
		det.State = InitialSwitch
	default:
		det.State = ValidSwitch
	}
	return det
}
