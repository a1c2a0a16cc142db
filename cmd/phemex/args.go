package main

import (
	"flag"
	"fmt"
	"io"
	"strings"

	"phemex-tools/internal/tools"
)

// Commands and flags use dashes; tool and parameter names use underscores.
func commandName(tool string) string { return strings.ReplaceAll(tool, "_", "-") }

func flagName(param string) string { return strings.ReplaceAll(param, "_", "-") }

func toolByCommand(command string) (tools.Descriptor, bool) {
	return tools.Lookup(strings.ReplaceAll(strings.ToLower(command), "-", "_"))
}

// parseToolArgs turns command flags into tool arguments. Only flags given
// on the command line are passed, so tool defaults stay in effect.
func parseToolArgs(d tools.Descriptor, args []string, errOut io.Writer) (tools.Args, error) {
	fs := flag.NewFlagSet(commandName(d.Name), flag.ContinueOnError)
	fs.SetOutput(errOut)
	strs := map[string]*string{}
	bools := map[string]*bool{}
	for _, p := range d.Params {
		desc := p.Description
		if len(p.Enum) > 0 {
			desc += " [" + strings.Join(p.Enum, "|") + "]"
		}
		if p.Type == tools.ParamBool {
			bools[p.Name] = fs.Bool(flagName(p.Name), false, desc)
		} else {
			strs[p.Name] = fs.String(flagName(p.Name), "", desc)
		}
	}
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("%w: unexpected argument %q", tools.ErrInvalidRequest, fs.Arg(0))
	}

	out := tools.Args{}
	fs.Visit(func(f *flag.Flag) {
		name := strings.ReplaceAll(f.Name, "-", "_")
		if v, ok := strs[name]; ok {
			out[name] = *v
		}
		if v, ok := bools[name]; ok {
			out[name] = *v
		}
	})
	for _, p := range d.Params {
		if p.Required && strings.TrimSpace(out.String(p.Name)) == "" {
			return nil, fmt.Errorf("%w: -%s is required", tools.ErrInvalidRequest, flagName(p.Name))
		}
	}
	return out, nil
}
