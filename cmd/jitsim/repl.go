package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/colorfulnotion/tierjit/jit/compiler"
	"github.com/colorfulnotion/tierjit/sim"
)

const replHelp = `commands:
  step [n]               execute n guest blocks (default 1)
  cpu                    show registers
  stats                  show the runtime report
  block <rip>            decode the block at rip and show its cache state
  cache                  list cached blocks, least recently used first
  compile <rip>          compile and install rip now
  invalidate <rip>       drop the cached block at rip
  write <addr> <value>   32-bit store from the cpu
  dma <addr> <value>     32-bit store from a device, applied at the next step
  help                   this text
  exit                   leave`

var errQuit = errors.New("quit")

// console executes REPL commands against a simulator. It runs on the
// goroutine that owns the simulator.
type console struct {
	ctx context.Context
	s   *sim.Simulator
	out io.Writer
}

func parseUint(s string) (uint64, error) {
	return strconv.ParseUint(s, 0, 64)
}

func (c *console) exec(line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	args := fields[1:]
	need := func(n int) error {
		if len(args) < n {
			return fmt.Errorf("%s needs %d argument(s)", fields[0], n)
		}
		return nil
	}
	rt := c.s.Runtime()

	switch fields[0] {
	case "exit", "quit":
		return errQuit
	case "help":
		fmt.Fprintln(c.out, replHelp)
	case "step":
		n := uint64(1)
		if len(args) > 0 {
			v, err := parseUint(args[0])
			if err != nil {
				return err
			}
			n = v
		}
		for i := uint64(0); i < n; i++ {
			if err := c.s.Step(); err != nil {
				return err
			}
		}
		fmt.Fprintln(c.out, c.s.CPU())
	case "cpu":
		fmt.Fprintln(c.out, c.s.CPU())
	case "stats":
		fmt.Fprintln(c.out, reportTree(c.s.Report()).String())
	case "block":
		if err := need(1); err != nil {
			return err
		}
		rip, err := parseUint(args[0])
		if err != nil {
			return err
		}
		b, err := compiler.DiscoverBlock(c.s.RAM(), rip, c.s.Config().Compiler.Limits)
		if err != nil {
			return err
		}
		fmt.Fprintln(c.out, b)
		fmt.Fprint(c.out, compiler.Disassemble(b.Bytes, b.EntryRIP))
		fmt.Fprintf(c.out, "compiled: %v hotness: %d\n", rt.IsCompiled(rip), rt.Hotness(rip))
	case "cache":
		for _, h := range rt.ExportState().Blocks {
			fmt.Fprintln(c.out, h)
		}
	case "compile":
		if err := need(1); err != nil {
			return err
		}
		rip, err := parseUint(args[0])
		if err != nil {
			return err
		}
		h, err := c.s.Service().CompileSync(c.ctx, rip)
		if err != nil {
			return err
		}
		fmt.Fprintln(c.out, "installed", h)
	case "invalidate":
		if err := need(1); err != nil {
			return err
		}
		rip, err := parseUint(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(c.out, "invalidated:", rt.InvalidateBlock(rip))
	case "write", "dma":
		if err := need(2); err != nil {
			return err
		}
		addr, err := parseUint(args[0])
		if err != nil {
			return err
		}
		v, err := strconv.ParseUint(args[1], 0, 32)
		if err != nil {
			return err
		}
		if fields[0] == "write" {
			return c.s.RAM().WriteUint32(addr, uint32(v))
		}
		data := []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
		return c.s.RAM().WriteExternal(addr, data, c.s.WriteLog())
	default:
		return fmt.Errorf("unknown command %q, try help", fields[0])
	}
	return nil
}

func newReplCmd(g *globalOptions) *cobra.Command {
	o := &runOptions{}
	var history string
	cmd := &cobra.Command{
		Use:   "repl",
		Short: "Step a generated program interactively",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			o.apply(cmd, &cfg)
			s, err := sim.New(cfg)
			if err != nil {
				return err
			}

			rl, err := readline.NewEx(&readline.Config{
				Prompt:      "jit> ",
				HistoryFile: history,
			})
			if err != nil {
				return fmt.Errorf("readline: %w", err)
			}
			defer rl.Close()

			ctx := context.Background()
			stop := s.Start(ctx)
			defer stop()

			c := &console{ctx: ctx, s: s, out: rl.Stdout()}
			fmt.Fprintf(c.out, "program at %#x, %d loops, %d bytes; type help\n", s.Program().Base, len(s.Program().Loops), len(s.Program().Code))
			for {
				line, err := rl.Readline()
				if err != nil {
					return nil
				}
				if err := c.exec(line); err != nil {
					if errors.Is(err, errQuit) {
						return nil
					}
					fmt.Fprintln(c.out, "error:", err)
				}
			}
		},
	}
	addSimFlags(cmd, o)
	cmd.Flags().StringVar(&history, "history", "/tmp/jitsim_history.txt", "readline history file")
	return cmd
}
