// ABOUTME: Typed instruction variants and the slash-command parser
// ABOUTME: Parse is pure; returns ErrNotInstruction for ordinary message text

package instruction

import (
	"errors"
	"fmt"
	"strings"
)

// Parse errors. ErrNotInstruction means the text is an ordinary message and
// should pass through to orchestration.
var (
	ErrNotInstruction = errors.New("not an instruction")
	ErrUnknownCommand = errors.New("unknown command")
	ErrBadArguments   = errors.New("bad arguments")
)

// Kind discriminates the closed set of instruction variants.
type Kind string

const (
	KindSetMode    Kind = "set_mode"
	KindSetModel   Kind = "set_model"
	KindClearModel Kind = "clear_model"
	KindSetPersona Kind = "set_persona"
	KindSetParam   Kind = "set_param"
	KindPin        Kind = "pin"
	KindUnpin      Kind = "unpin"
	KindReset      Kind = "reset"
	KindConfirm    Kind = "confirm"
	KindHelp       Kind = "help"
)

// Instruction is one parsed command. Which fields are meaningful depends on
// the Kind; unused fields stay zero.
type Instruction struct {
	Kind       Kind
	Mode       string // set_mode
	Model      string // set_model
	Persona    string // set_persona
	ParamKey   string // set_param
	ParamValue string // set_param
	MessageID  string // pin, unpin
	Token      string // confirm
}

// Valid conversation modes.
var validModes = map[string]bool{
	"chat":     true,
	"analysis": true,
	"task":     true,
}

// Parse turns slash-command text into a typed Instruction. Text without the
// command prefix returns ErrNotInstruction. Malformed commands return
// ErrUnknownCommand or ErrBadArguments wrapped with detail.
func Parse(text string) (*Instruction, error) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "/") || strings.HasPrefix(trimmed, "//") || len(trimmed) < 2 {
		return nil, ErrNotInstruction
	}

	fields := strings.Fields(trimmed[1:])
	if len(fields) == 0 {
		return nil, ErrNotInstruction
	}

	cmd := strings.ToLower(fields[0])
	args := fields[1:]

	switch cmd {
	case "set":
		return parseSet(args, trimmed)
	case "clear":
		if len(args) != 1 || strings.ToLower(args[0]) != "model" {
			return nil, fmt.Errorf("%w: usage /clear model", ErrBadArguments)
		}
		return &Instruction{Kind: KindClearModel}, nil
	case "pin":
		if len(args) != 1 {
			return nil, fmt.Errorf("%w: usage /pin <message-id>", ErrBadArguments)
		}
		return &Instruction{Kind: KindPin, MessageID: args[0]}, nil
	case "unpin":
		if len(args) != 1 {
			return nil, fmt.Errorf("%w: usage /unpin <message-id>", ErrBadArguments)
		}
		return &Instruction{Kind: KindUnpin, MessageID: args[0]}, nil
	case "reset":
		if len(args) != 0 {
			return nil, fmt.Errorf("%w: /reset takes no arguments", ErrBadArguments)
		}
		return &Instruction{Kind: KindReset}, nil
	case "confirm":
		if len(args) != 1 {
			return nil, fmt.Errorf("%w: usage /confirm <token>", ErrBadArguments)
		}
		return &Instruction{Kind: KindConfirm, Token: args[0]}, nil
	case "help":
		return &Instruction{Kind: KindHelp}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, cmd)
	}
}

func parseSet(args []string, raw string) (*Instruction, error) {
	if len(args) < 2 {
		return nil, fmt.Errorf("%w: usage /set <mode|model|persona|param> ...", ErrBadArguments)
	}

	switch strings.ToLower(args[0]) {
	case "mode":
		mode := strings.ToLower(args[1])
		if !validModes[mode] {
			return nil, fmt.Errorf("%w: unknown mode %q", ErrBadArguments, args[1])
		}
		return &Instruction{Kind: KindSetMode, Mode: mode}, nil
	case "model":
		return &Instruction{Kind: KindSetModel, Model: args[1]}, nil
	case "persona":
		// Personas can be multi-word; take everything after "persona"
		idx := strings.Index(strings.ToLower(raw), "persona")
		persona := strings.TrimSpace(raw[idx+len("persona"):])
		return &Instruction{Kind: KindSetPersona, Persona: persona}, nil
	case "param":
		if len(args) != 3 {
			return nil, fmt.Errorf("%w: usage /set param <key> <value>", ErrBadArguments)
		}
		return &Instruction{Kind: KindSetParam, ParamKey: args[1], ParamValue: args[2]}, nil
	default:
		return nil, fmt.Errorf("%w: cannot set %q", ErrBadArguments, args[0])
	}
}

// RequiredRole maps an instruction kind to the role that may execute it.
// Confirm and help carry no role of their own: confirm re-checks the role of
// the pending instruction it applies, and help is open to everyone.
func RequiredRole(kind Kind) string {
	switch kind {
	case KindSetMode:
		return "chat.mode.switch"
	case KindSetModel, KindClearModel:
		return "chat.model.override"
	case KindSetPersona:
		return "chat.persona.set"
	case KindSetParam:
		return "chat.context.tune"
	case KindPin, KindUnpin:
		return "chat.pin"
	case KindReset:
		return "chat.reset"
	default:
		return ""
	}
}

// RequiresConfirmation reports whether a kind needs a follow-up /confirm
// before it applies. Reset discards accumulated configuration, so it is
// gated; everything else applies immediately.
func RequiresConfirmation(kind Kind) bool {
	return kind == KindReset
}
