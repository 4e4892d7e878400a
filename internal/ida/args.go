package ida

import (
	"fmt"
	"strings"
)

// Args builds the IDA argument vector for the job, without the executable
// itself. The order is fixed:
//
//	-A [-o<db>] [-S<script> <params> | -O<opt>...] <target>
//
// -A runs IDA in non interactive batch mode. The -S value is a single
// argument, script path and parameters joined by spaces, which is how IDA
// expects it.
func (j *Job) Args() []string {
	args := []string{"-A"}

	if j.outputDB != "" {
		args = append(args, "-o"+j.outputDB)
	}

	switch j.mode {
	case ModeScript:
		token := "-S" + j.script
		if len(j.params) > 0 {
			token += " " + strings.Join(j.params, " ")
		}
		args = append(args, token)
	case ModeDirect:
		for _, o := range j.options {
			args = append(args, "-O"+o)
		}
	}

	return append(args, j.target)
}

// Invocation is the decoded form of an IDA argument vector.
type Invocation struct {
	Target   string
	Mode     Mode
	Script   string
	Params   []string
	Options  []string
	OutputDB string
}

// ParseArgs reverses Args. It exists so a built command line can be
// inspected and checked for reversibility, mostly in tests and debugging.
func ParseArgs(args []string) (Invocation, error) {
	var inv Invocation
	if len(args) < 2 || args[0] != "-A" {
		return inv, fmt.Errorf("argument vector must start with -A and name a target: %q", args)
	}

	inv.Target = args[len(args)-1]
	for _, arg := range args[1 : len(args)-1] {
		switch {
		case strings.HasPrefix(arg, "-o"):
			inv.OutputDB = arg[2:]
		case strings.HasPrefix(arg, "-S"):
			if inv.Mode == ModeDirect {
				return inv, ErrModeConflict
			}
			fields := strings.Split(arg[2:], " ")
			inv.Script = fields[0]
			for _, f := range fields[1:] {
				inv.Params = append(inv.Params, unescapeParam(f))
			}
			inv.Mode = ModeScript
		case strings.HasPrefix(arg, "-O"):
			if inv.Mode == ModeScript {
				return inv, ErrModeConflict
			}
			inv.Options = append(inv.Options, arg[2:])
			inv.Mode = ModeDirect
		default:
			return inv, fmt.Errorf("unexpected argument %q", arg)
		}
	}
	return inv, nil
}

func escapeParam(s string) string {
	return strings.ReplaceAll(s, `"`, `\"`)
}

func unescapeParam(s string) string {
	return strings.ReplaceAll(s, `\"`, `"`)
}
