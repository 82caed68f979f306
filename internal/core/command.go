package core

import "strings"

// CommandScript is an ordered list of shell command lines bound to a name.
type CommandScript struct {
	Name  string   `json:"name"`
	Lines []string `json:"lines"`
}

// Flatten joins the script lines into a single newline terminated body.
func (c CommandScript) Flatten() string {
	if len(c.Lines) == 0 {
		return ""
	}
	return strings.Join(c.Lines, "\n") + "\n"
}

func (c CommandScript) clone() CommandScript {
	return CommandScript{Name: c.Name, Lines: append([]string(nil), c.Lines...)}
}

// CommandTable maps command names to scripts.
type CommandTable map[string]CommandScript

// Lookup returns the script registered under name.
func (t CommandTable) Lookup(name string) (CommandScript, bool) {
	if t == nil {
		return CommandScript{}, false
	}
	script, ok := t[name]
	return script, ok
}

// Set registers lines under name, replacing any previous script.
func (t CommandTable) Set(name string, lines ...string) {
	t[name] = CommandScript{Name: name, Lines: append([]string(nil), lines...)}
}

func (t CommandTable) clone() CommandTable {
	out := make(CommandTable, len(t))
	for name, script := range t {
		out[name] = script.clone()
	}
	return out
}

// CommandLookup is the read side of a command table.
type CommandLookup interface {
	Lookup(name string) (CommandScript, bool)
}

// Resolver maps command names to scripts: project-local first, then global.
type Resolver struct {
	Global CommandLookup
}

// NewResolver returns a resolver falling back to global.
func NewResolver(global CommandLookup) *Resolver {
	return &Resolver{Global: global}
}

// Resolve looks the command up in the project's own table and then in the global table.
func (r *Resolver) Resolve(project *Project, name string) (CommandScript, error) {
	var projectName string
	if project != nil {
		projectName = project.Name()
	}
	if name == "" {
		return CommandScript{}, &CommandNotFoundError{Project: projectName, Name: name}
	}
	if project != nil {
		if script, ok := project.Commands.Lookup(name); ok {
			return script, nil
		}
	}
	if r != nil && r.Global != nil {
		if script, ok := r.Global.Lookup(name); ok {
			return script, nil
		}
	}
	return CommandScript{}, &CommandNotFoundError{Project: projectName, Name: name}
}
