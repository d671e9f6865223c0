package cmd

import (
	"fmt"
	"reflect"
	"sort"

	"github.com/lunixbochs/argjoy"
	"github.com/mattn/go-shellwords"
)

type Command struct {
	Name    string
	Aliases []string
	Desc    string
	// Run is a func taking *Context first; remaining arguments are converted
	// from the command line words.
	Run interface{}
}

var Commands = make(map[string]*Command)

func cmd(c *Command) *Command {
	fn := reflect.ValueOf(c.Run)
	if !fn.IsValid() || fn.Kind() != reflect.Func {
		panic(fmt.Sprintf("Command.Run must be a func: got (%T) %#v\n", c.Run, c.Run))
	}
	Commands[c.Name] = c
	for _, alias := range c.Aliases {
		Commands[alias] = c
	}
	return c
}

// Register adds a command from outside this package.
func Register(c *Command) *Command { return cmd(c) }

func Lookup(name string) (*Command, bool) {
	c, ok := Commands[name]
	return c, ok
}

// Sorted lists each command once, by name.
func Sorted() []*Command {
	var out []*Command
	for name, c := range Commands {
		if name == c.Name {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// IsCommand reports whether line starts with a known command name.
func IsCommand(line string) bool {
	args, err := shellwords.Parse(line)
	if err != nil || len(args) == 0 {
		return false
	}
	_, ok := Commands[args[0]]
	return ok
}

func Run(c *Context, line string) error {
	args, err := shellwords.Parse(line)
	if err != nil {
		c.Printf("parse error: %v\n", err)
		return nil
	}
	if len(args) == 0 {
		return nil
	}
	name, args := args[0], args[1:]
	cmd, ok := Commands[name]
	if !ok {
		c.Printf("command not found.\n")
		return nil
	}
	aj := argjoy.NewArgjoy()
	aj.Register(c.codec)
	aj.Register(argjoy.IntToInt)
	vals := []interface{}{c}
	for _, a := range args {
		vals = append(vals, a)
	}
	out, err := aj.Call(cmd.Run, vals...)
	if err != nil {
		c.Printf("usage error: %v\n", err)
		return nil
	}
	if len(out) > 0 {
		if err, ok := out[0].(error); ok && err != nil {
			// the session is gone, the caller has to stop
			if isFatal(err) {
				return err
			}
			c.Printf("error: %v\n", err)
		}
	}
	return nil
}

var HelpCmd = cmd(&Command{
	Name:    "help",
	Aliases: []string{"?"},
	Desc:    "List commands.",
	Run: func(c *Context) error {
		for _, cmd := range Sorted() {
			c.Printf("  %-10s %s\n", cmd.Name, cmd.Desc)
		}
		c.Printf("\nAnything else is evaluated as lua.\n")
		return nil
	},
})
