package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/arch/arm64/arm64asm"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"relift/internal/binary"
	"relift/internal/config"
	"relift/internal/decode"
	"relift/internal/ir"
	"relift/internal/jtm"
	glog "relift/internal/log"
	"relift/internal/trace"
	"relift/internal/ui/colorize"
)

var (
	verbose    bool
	quiet      bool
	configPath string
	maxInsn    int
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "relift [binary]",
		Short: "Recover the control-flow graph of an ARM64 binary",
		Long: `Relift lifts ARM64 machine code to an intermediate representation,
discovering basic blocks as it goes. It does not assume the set of
entry points is known: direct branches, computed jumps, and code
pointers found in data all feed a worklist until no new target
appears.

Direct branches become direct edges. Jumps the decoder cannot follow
are routed through a dispatcher block that switches on the program
counter, with one case per discovered target.

Examples:
  relift libnative.so              # lift with colorized discovery log
  relift libnative.so -q           # quiet mode, summary only
  relift libnative.so -v           # verbose debug output
  relift info libnative.so         # show binary info`,
		Args:                  cobra.MaximumNArgs(1),
		DisableFlagsInUseLine: true,
		RunE:                  runLift,
	}

	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "verbose debug output")
	rootCmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "quiet mode (summary only)")
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "relift.yaml", "configuration file")
	rootCmd.Flags().IntVarP(&maxInsn, "num", "n", 0, "max instructions to decode (0 = from config)")

	infoCmd := &cobra.Command{
		Use:   "info <binary>",
		Short: "Show binary information",
		Args:  cobra.ExactArgs(1),
		RunE:  showInfo,
	}
	rootCmd.AddCommand(infoCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runLift(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return cmd.Help()
	}
	glog.Init(verbose)

	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if maxInsn > 0 {
		cfg.MaxInstructions = maxInsn
	}

	img, err := binary.LoadELF(args[0], cfg.Base)
	if err != nil {
		return fmt.Errorf("load ELF: %w", err)
	}

	runID := uuid.NewString()
	glog.L.Info("lift",
		zap.String("run", runID),
		zap.String("binary", filepath.Base(img.Path)),
		zap.String("arch", cfg.Arch),
	)

	mgr := jtm.NewManager(img.Index, glog.L, jtm.Options{
		SumJumps:    cfg.SumJumps,
		HarvestData: cfg.HarvestData,
	})
	if !quiet {
		mgr.SetSink(printEvent)
	}

	lifter := decode.NewLifter(mgr, img.Index, glog.L)
	lifter.MaxInstructions = cfg.MaxInstructions

	entries := cfg.Entries
	if len(entries) == 0 && img.Entry != 0 {
		entries = []uint64{img.Entry}
	}
	if len(entries) == 0 {
		return fmt.Errorf("no entry point: the binary has none and the config names none")
	}

	start := time.Now()
	lifter.Run(entries)

	if !quiet {
		printListing(mgr, img)
	}
	printSummary(mgr, lifter, time.Since(start))
	return nil
}

func printEvent(e *trace.Event) {
	parts := []string{colorize.Address(e.PC), colorize.Tag(e.PrimaryTag())}
	if e.Tags.Has(trace.Reliable) {
		parts = append(parts, colorize.Reliable("!"))
	}
	if e.Block != "" {
		parts = append(parts, colorize.FuncName(e.Block))
	}
	if e.Detail != "" {
		parts = append(parts, colorize.Detail(e.Detail))
	}
	fmt.Println(strings.Join(parts, " "))
}

// printListing renders every recovered block in address order, with
// the original instructions disassembled next to their markers.
func printListing(mgr *jtm.Manager, img *binary.Image) {
	f := mgr.Func()
	labels := make(map[ir.BlockID]string)
	for _, pc := range mgr.Addresses() {
		labels[mgr.BlockAt(pc)] = blockLabel(img, pc)
	}

	fmt.Println()
	fmt.Println(colorize.Border(strings.Repeat("-", 72)))
	for _, pc := range mgr.Addresses() {
		blk := f.Block(mgr.BlockAt(pc))
		fmt.Printf("%s\n", colorize.FuncName(labels[blk.ID]+":"))
		for _, in := range blk.Instrs {
			switch in.Op {
			case ir.OpMarker:
				fmt.Printf("  %s  %s\n",
					colorize.Address(in.Addr),
					colorize.Instruction(disasm(img.Index.ReadBytes(in.Addr, 4))))
			case ir.OpBr:
				fmt.Printf("            %s %s\n",
					colorize.Comment("-> "), blockTarget(f, labels, in.Target))
			case ir.OpCondBr:
				fmt.Printf("            %s %s | %s\n",
					colorize.Comment("=> "),
					blockTarget(f, labels, in.Target),
					blockTarget(f, labels, in.Else))
			case ir.OpAbort:
				fmt.Printf("            %s\n", colorize.Error("abort"))
			}
		}
	}
	fmt.Println(colorize.Border(strings.Repeat("-", 72)))
}

func blockLabel(img *binary.Image, pc uint64) string {
	for name, addr := range img.Symbols {
		if addr == pc {
			return name
		}
	}
	return fmt.Sprintf("loc_%x", pc)
}

func blockTarget(f *ir.Func, labels map[ir.BlockID]string, b ir.BlockID) string {
	if name, ok := labels[b]; ok {
		return name
	}
	return f.Block(b).Name
}

func printSummary(mgr *jtm.Manager, lifter *decode.Lifter, elapsed time.Duration) {
	addrs := mgr.Addresses()
	reliable := 0
	for _, pc := range addrs {
		if mgr.IsReliable(pc) {
			reliable++
		}
	}
	fmt.Println()
	fmt.Printf("%s %d blocks (%d reliable), %d instructions, %s\n",
		colorize.Header("recovered"), len(addrs), reliable, lifter.Decoded(),
		elapsed.Round(time.Millisecond))
	if pending := mgr.PendingCount(); pending > 0 {
		fmt.Printf("%s %d targets left pending (instruction budget)\n",
			colorize.Error("warning:"), pending)
	}
}

func disasm(code []byte) string {
	if len(code) < 4 {
		return "???"
	}
	inst, err := arm64asm.Decode(code)
	if err != nil {
		return fmt.Sprintf(".word 0x%08x", uint32(code[0])|uint32(code[1])<<8|uint32(code[2])<<16|uint32(code[3])<<24)
	}
	return strings.ToLower(inst.String())
}

func showInfo(cmd *cobra.Command, args []string) error {
	absPath, err := filepath.Abs(args[0])
	if err != nil {
		return fmt.Errorf("resolve path: %w", err)
	}
	if _, err := os.Stat(absPath); err != nil {
		return fmt.Errorf("file not found: %s", absPath)
	}

	img, err := binary.LoadELF(absPath, 0)
	if err != nil {
		return fmt.Errorf("load binary: %w", err)
	}

	fmt.Printf("Binary:  %s\n", filepath.Base(absPath))
	fmt.Printf("Machine: %s\n", img.Machine)
	fmt.Printf("Base:    0x%x\n", img.BaseAddr)
	fmt.Printf("End:     0x%x\n", img.EndAddr)
	fmt.Printf("Entry:   0x%x\n", img.Entry)
	fmt.Printf("Symbols: %d\n", len(img.Symbols))

	fmt.Println("\nSegments:")
	segs := img.Index.Segments()
	sort.Slice(segs, func(i, j int) bool { return segs[i].Start < segs[j].Start })
	for _, s := range segs {
		perms := [3]byte{'-', '-', '-'}
		if s.Readable {
			perms[0] = 'r'
		}
		if s.Writable {
			perms[1] = 'w'
		}
		if s.Executable {
			perms[2] = 'x'
		}
		fmt.Printf("  0x%08x-0x%08x %s %8d bytes\n", s.Start, s.End, perms, len(s.Data))
	}
	return nil
}
