package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/colorfulnotion/tierjit/jit/compiler"
	"github.com/colorfulnotion/tierjit/sim"
)

func newDisasmCmd(g *globalOptions) *cobra.Command {
	o := &runOptions{}
	cmd := &cobra.Command{
		Use:   "disasm",
		Short: "List the generated program block by block",
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
			return listBlocks(os.Stdout, s)
		},
	}
	addSimFlags(cmd, o)
	return cmd
}

func listBlocks(w io.Writer, s *sim.Simulator) error {
	limits := s.Config().Compiler.Limits
	for _, rip := range s.Program().EntryRIPs() {
		b, err := compiler.DiscoverBlock(s.RAM(), rip, limits)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "; %s\n", b)
		fmt.Fprint(w, compiler.Disassemble(b.Bytes, b.EntryRIP))
	}
	return nil
}
