// Package interactive provides the interactive command-line interface
// for hubctl.
package interactive

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chzyer/readline"

	"github.com/statehub-protocol/statehub-go/pkg/engine"
	"github.com/statehub-protocol/statehub-go/pkg/model"
	"github.com/statehub-protocol/statehub-go/pkg/subscription"
)

// ShellConfig provides configuration information to the interactive
// shell. This interface allows the interactive layer to access settings
// without depending on the main package's config structure.
type ShellConfig interface {
	// HubURL returns the WebSocket endpoint the engine is connected to.
	HubURL() string
}

// Shell handles interactive mode for hubctl.
type Shell struct {
	eng    *engine.Engine
	config ShellConfig
	rl     *readline.Instance

	mu      sync.Mutex
	watches map[string]*subscription.Handle
}

// New creates a new interactive shell.
func New(eng *engine.Engine, cfg ShellConfig) (*Shell, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "hub> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}

	return &Shell{
		eng:     eng,
		config:  cfg,
		rl:      rl,
		watches: make(map[string]*subscription.Handle),
	}, nil
}

// Stdout returns a writer that properly coordinates with the readline
// input. Use this for log output to avoid interfering with the prompt.
func (s *Shell) Stdout() io.Writer {
	return s.rl.Stdout()
}

// Stderr returns a writer that properly coordinates with the readline input.
func (s *Shell) Stderr() io.Writer {
	return s.rl.Stderr()
}

// Run starts the interactive command loop.
func (s *Shell) Run(ctx context.Context, cancel context.CancelFunc) {
	defer s.rl.Close()

	s.printHelp()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := s.rl.Readline()
		if err != nil {
			// EOF or interrupt
			if err == readline.ErrInterrupt {
				continue
			}
			fmt.Fprintln(s.rl.Stdout(), "Exiting...")
			cancel()
			return
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}

		parts := strings.Fields(input)
		cmd := strings.ToLower(parts[0])
		args := parts[1:]

		switch cmd {
		case "help", "?":
			s.printHelp()

		case "state", "s":
			s.cmdState(ctx, args)

		case "states":
			s.cmdStates(ctx, args)

		case "object", "o":
			s.cmdObject(ctx, args)

		case "objects":
			s.cmdObjects(ctx, args)

		case "watch", "w":
			s.cmdWatch(args)

		case "unwatch":
			s.cmdUnwatch(args)

		case "send":
			s.cmdSend(ctx, args)

		case "version":
			s.cmdVersion(ctx)

		case "status":
			s.cmdStatus()

		case "quit", "exit", "q":
			fmt.Fprintln(s.rl.Stdout(), "Exiting...")
			cancel()
			return

		default:
			fmt.Fprintf(s.rl.Stdout(), "Unknown command: %s (try 'help')\n", cmd)
		}
	}
}

func (s *Shell) printHelp() {
	fmt.Fprint(s.rl.Stdout(), `
Commands:
  state get <id>          - Read one state
  state set <id> <value>  - Write a state value
  states <pattern>        - Read all states matching a pattern
  object get <id>         - Read one object
  objects <pattern>       - Read all objects matching a pattern
  watch <pattern>         - Subscribe to state changes
  unwatch <pattern>       - Remove a watch
  send <inst> <cmd> [js]  - Send a command to an adapter instance
  version                 - Show hub version
  status                  - Show connection status
  help                    - Show this help
  quit                    - Exit
`)
}

func (s *Shell) cmdState(ctx context.Context, args []string) {
	if len(args) < 2 {
		fmt.Fprintln(s.rl.Stdout(), "Usage: state get <id> | state set <id> <value>")
		return
	}

	switch strings.ToLower(args[0]) {
	case "get":
		st, err := s.eng.GetState(ctx, args[1])
		if err != nil {
			fmt.Fprintf(s.rl.Stdout(), "Error: %v\n", err)
			return
		}
		fmt.Fprintf(s.rl.Stdout(), "%s = %s\n", args[1], formatState(st))

	case "set":
		if len(args) < 3 {
			fmt.Fprintln(s.rl.Stdout(), "Usage: state set <id> <value>")
			return
		}
		val := parseValue(strings.Join(args[2:], " "))
		if err := s.eng.SetValue(ctx, args[1], val); err != nil {
			fmt.Fprintf(s.rl.Stdout(), "Error: %v\n", err)
			return
		}
		fmt.Fprintf(s.rl.Stdout(), "OK %s = %v\n", args[1], val)

	default:
		fmt.Fprintln(s.rl.Stdout(), "Usage: state get <id> | state set <id> <value>")
	}
}

func (s *Shell) cmdStates(ctx context.Context, args []string) {
	if len(args) < 1 {
		fmt.Fprintln(s.rl.Stdout(), "Usage: states <pattern>")
		return
	}

	states, err := s.eng.GetStates(ctx, args[0])
	if err != nil {
		fmt.Fprintf(s.rl.Stdout(), "Error: %v\n", err)
		return
	}
	if len(states) == 0 {
		fmt.Fprintln(s.rl.Stdout(), "No matching states")
		return
	}

	ids := make([]string, 0, len(states))
	for id := range states {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		fmt.Fprintf(s.rl.Stdout(), "  %-40s %s\n", id, formatState(states[id]))
	}
	fmt.Fprintf(s.rl.Stdout(), "%d state(s)\n", len(ids))
}

func (s *Shell) cmdObject(ctx context.Context, args []string) {
	if len(args) < 2 || strings.ToLower(args[0]) != "get" {
		fmt.Fprintln(s.rl.Stdout(), "Usage: object get <id>")
		return
	}

	obj, err := s.eng.GetObject(ctx, args[1])
	if err != nil {
		fmt.Fprintf(s.rl.Stdout(), "Error: %v\n", err)
		return
	}
	s.printObject(obj)
}

func (s *Shell) cmdObjects(ctx context.Context, args []string) {
	if len(args) < 1 {
		fmt.Fprintln(s.rl.Stdout(), "Usage: objects <pattern>")
		return
	}

	objects, err := s.eng.GetObjects(ctx, args[0])
	if err != nil {
		fmt.Fprintf(s.rl.Stdout(), "Error: %v\n", err)
		return
	}
	if len(objects) == 0 {
		fmt.Fprintln(s.rl.Stdout(), "No matching objects")
		return
	}

	ids := make([]string, 0, len(objects))
	for id := range objects {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		obj := objects[id]
		fmt.Fprintf(s.rl.Stdout(), "  %-40s %-10s %s\n", id, obj.Type, obj.CommonString("name"))
	}
	fmt.Fprintf(s.rl.Stdout(), "%d object(s)\n", len(ids))
}

func (s *Shell) printObject(obj *model.Object) {
	fmt.Fprintf(s.rl.Stdout(), "ID:   %s\n", obj.ID)
	fmt.Fprintf(s.rl.Stdout(), "Type: %s\n", obj.Type)
	if name := obj.CommonString("name"); name != "" {
		fmt.Fprintf(s.rl.Stdout(), "Name: %s\n", name)
	}
	if role := obj.CommonString("role"); role != "" {
		fmt.Fprintf(s.rl.Stdout(), "Role: %s\n", role)
	}
	if len(obj.Common) > 0 {
		if data, err := json.MarshalIndent(obj.Common, "", "  "); err == nil {
			fmt.Fprintf(s.rl.Stdout(), "Common: %s\n", data)
		}
	}
}

func (s *Shell) cmdWatch(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(s.rl.Stdout(), "Usage: watch <pattern>")
		return
	}
	pat := args[0]

	s.mu.Lock()
	if _, dup := s.watches[pat]; dup {
		s.mu.Unlock()
		fmt.Fprintf(s.rl.Stdout(), "Already watching %s\n", pat)
		return
	}
	s.mu.Unlock()

	h, err := s.eng.SubscribeStates(pat, func(ev subscription.Event) error {
		st, _ := ev.Payload.(*model.State)
		if st == nil {
			fmt.Fprintf(s.rl.Stdout(), "[watch] %s deleted\n", ev.ID)
			return nil
		}
		fmt.Fprintf(s.rl.Stdout(), "[watch] %s = %s\n", ev.ID, formatState(st))
		return nil
	})
	if err != nil {
		fmt.Fprintf(s.rl.Stdout(), "Error: %v\n", err)
		return
	}

	s.mu.Lock()
	s.watches[pat] = h
	s.mu.Unlock()
	fmt.Fprintf(s.rl.Stdout(), "Watching %s\n", pat)
}

func (s *Shell) cmdUnwatch(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(s.rl.Stdout(), "Usage: unwatch <pattern>")
		return
	}
	pat := args[0]

	s.mu.Lock()
	h, ok := s.watches[pat]
	delete(s.watches, pat)
	s.mu.Unlock()

	if !ok {
		fmt.Fprintf(s.rl.Stdout(), "Not watching %s\n", pat)
		return
	}
	if err := s.eng.Unsubscribe(h); err != nil {
		fmt.Fprintf(s.rl.Stdout(), "Error: %v\n", err)
		return
	}
	fmt.Fprintf(s.rl.Stdout(), "Stopped watching %s\n", pat)
}

func (s *Shell) cmdSend(ctx context.Context, args []string) {
	if len(args) < 2 {
		fmt.Fprintln(s.rl.Stdout(), "Usage: send <instance> <command> [json-data]")
		return
	}

	var data any
	if len(args) > 2 {
		raw := strings.Join(args[2:], " ")
		if err := json.Unmarshal([]byte(raw), &data); err != nil {
			// Not JSON; send as plain string.
			data = raw
		}
	}

	result, err := s.eng.SendTo(ctx, args[0], args[1], data)
	if err != nil {
		fmt.Fprintf(s.rl.Stdout(), "Error: %v\n", err)
		return
	}
	if out, err := json.Marshal(result); err == nil {
		fmt.Fprintf(s.rl.Stdout(), "Reply: %s\n", out)
	} else {
		fmt.Fprintf(s.rl.Stdout(), "Reply: %v\n", result)
	}
}

func (s *Shell) cmdVersion(ctx context.Context) {
	v, err := s.eng.Version(ctx)
	if err != nil {
		fmt.Fprintf(s.rl.Stdout(), "Error: %v\n", err)
		return
	}
	fmt.Fprintf(s.rl.Stdout(), "Hub version: %s\n", v)
}

func (s *Shell) cmdStatus() {
	out := s.rl.Stdout()
	fmt.Fprintln(out, "Connection Status:")
	fmt.Fprintf(out, "  Hub:      %s\n", s.config.HubURL())
	fmt.Fprintf(out, "  State:    %s\n", s.eng.State())
	fmt.Fprintf(out, "  Instance: %s\n", s.eng.InstanceID())
	fmt.Fprintf(out, "  Locale:   %s\n", s.eng.Locale())

	s.mu.Lock()
	pats := make([]string, 0, len(s.watches))
	for pat := range s.watches {
		pats = append(pats, pat)
	}
	s.mu.Unlock()
	sort.Strings(pats)

	fmt.Fprintf(out, "  Watches:  %d\n", len(pats))
	for _, pat := range pats {
		fmt.Fprintf(out, "    %s\n", pat)
	}
}

// parseValue interprets a command argument as bool, number, JSON, or
// plain string, in that order.
func parseValue(raw string) any {
	switch raw {
	case "true":
		return true
	case "false":
		return false
	case "null":
		return nil
	}
	if n, err := strconv.ParseFloat(raw, 64); err == nil {
		return n
	}
	if strings.HasPrefix(raw, "{") || strings.HasPrefix(raw, "[") {
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err == nil {
			return v
		}
	}
	return raw
}

func formatState(st *model.State) string {
	if st == nil {
		return "<null>"
	}
	ack := "cmd"
	if st.Ack {
		ack = "ack"
	}
	ts := time.UnixMilli(st.TS).Format("15:04:05")
	return fmt.Sprintf("%v (%s, q=%d, %s)", st.Val, ack, st.Quality, ts)
}
