// Package cmds implements the binmap command line interface.
package cmds

import (
	"fmt"
	"sort"

	"github.com/davecgh/go-spew/spew"
	"github.com/spf13/cobra"

	"github.com/binmap/binmap/pkg/config"
	"github.com/binmap/binmap/pkg/loader"
	"github.com/binmap/binmap/pkg/loader/pe"
	"github.com/binmap/binmap/pkg/logflags"
	"github.com/binmap/binmap/pkg/version"
)

var (
	log       bool
	logOutput string
	logDest   string

	searchPaths []string
	noAutoLoad  bool
	lenient     bool

	symbolPrefix string
	disasmCount  int

	conf *config.Config
)

// New returns the root binmap command.
func New() *cobra.Command {
	rootCommand := &cobra.Command{
		Use:   "binmap",
		Short: "binmap maps binary images into a simulated address space.",
		Long: `binmap loads one or more executables and shared libraries, places them
into a single simulated address space without collisions, resolves
cross-object imports, and applies relocations, producing the memory
model the OS loader would have built, without running anything.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return logflags.Setup(log, logOutput, logDest)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			logflags.Close()
		},
	}
	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable debug logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", "Comma separated list of layers to log (loader,pe,reloc).")
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Write logs to the specified file or file descriptor.")
	rootCommand.PersistentFlags().StringArrayVarP(&searchPaths, "search-path", "L", nil, "Additional directory to search for dependency libraries.")
	rootCommand.PersistentFlags().BoolVarP(&noAutoLoad, "no-auto-load", "", false, "Do not load dependency libraries automatically.")
	rootCommand.PersistentFlags().BoolVarP(&lenient, "lenient", "", false, "Bind imports against any exporter when the named provider is missing.")

	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("binmap %s\n%s\n", version.BinmapVersion, version.BuildInfo())
		},
	}
	rootCommand.AddCommand(versionCommand)

	mapCommand := &cobra.Command{
		Use:   "map <binary> [libraries...]",
		Short: "Place the binary and its libraries and print the address space.",
		Args:  cobra.MinimumNArgs(1),
		RunE:  mapCmd,
	}
	rootCommand.AddCommand(mapCommand)

	symbolsCommand := &cobra.Command{
		Use:   "symbols <binary>",
		Short: "Print the exported symbols of the loaded objects.",
		Args:  cobra.MinimumNArgs(1),
		RunE:  symbolsCmd,
	}
	symbolsCommand.Flags().StringVarP(&symbolPrefix, "prefix", "p", "", "Only list symbols starting with prefix.")
	rootCommand.AddCommand(symbolsCommand)

	importsCommand := &cobra.Command{
		Use:   "imports <binary>",
		Short: "Print the binary's imports and their resolution state.",
		Args:  cobra.MinimumNArgs(1),
		RunE:  importsCmd,
	}
	rootCommand.AddCommand(importsCommand)

	relocsCommand := &cobra.Command{
		Use:   "relocs <binary>",
		Short: "Print the binary's relocations.",
		Args:  cobra.MinimumNArgs(1),
		RunE:  relocsCmd,
	}
	rootCommand.AddCommand(relocsCommand)

	tlsCommand := &cobra.Command{
		Use:   "tls <binary>",
		Short: "Print the binary's thread-local storage descriptor.",
		Args:  cobra.MinimumNArgs(1),
		RunE:  tlsCmd,
	}
	rootCommand.AddCommand(tlsCommand)

	entryCommand := &cobra.Command{
		Use:   "entry <binary>",
		Short: "Disassemble the first instructions at the mapped entry point.",
		Args:  cobra.MinimumNArgs(1),
		RunE:  entryCmd,
	}
	entryCommand.Flags().IntVarP(&disasmCount, "count", "n", 8, "Number of instructions to decode.")
	rootCommand.AddCommand(entryCommand)

	dumpCommand := &cobra.Command{
		Use:   "dump <binary>",
		Short: "Dump the parsed object model for debugging.",
		Args:  cobra.MinimumNArgs(1),
		RunE:  dumpCmd,
	}
	rootCommand.AddCommand(dumpCommand)

	conf = config.LoadConfig()
	return rootCommand
}

// load places args[0] as the main binary and every further argument as
// an additional object, then resolves.
func load(args []string) (*loader.Loader, loader.Backend, error) {
	opts := loader.Options{
		Formats:       []loader.Format{pe.Format()},
		AutoLoadLibs:  conf.AutoLoad() && !noAutoLoad,
		SearchPaths:   append(append([]string{}, conf.SearchPaths...), searchPaths...),
		LenientLookup: lenient,
	}
	ld := loader.New(opts)
	main, err := ld.Load(args[0])
	if err != nil {
		return nil, nil, err
	}
	for _, extra := range args[1:] {
		if _, err := ld.Load(extra); err != nil {
			return nil, nil, err
		}
	}
	return ld, main, nil
}

func mapCmd(cmd *cobra.Command, args []string) error {
	ld, _, err := load(args)
	if err != nil {
		return err
	}
	fmt.Printf("%-28s %-12s %-12s %-10s\n", "object", "link base", "mapped base", "extent")
	for _, obj := range ld.Objects() {
		name := obj.Provides()
		if name == "" {
			name = obj.Binary()
		}
		fmt.Printf("%-28s %#-12x %#-12x %#-10x\n", name, obj.LinkBase(), obj.MappedBase(), obj.ImageSize())
	}
	if unresolved := ld.Unresolved(); len(unresolved) > 0 {
		fmt.Printf("\n%d relocations unresolved\n", len(unresolved))
	}
	return nil
}

func symbolsCmd(cmd *cobra.Command, args []string) error {
	ld, _, err := load(args)
	if err != nil {
		return err
	}
	if symbolPrefix != "" {
		for _, sym := range ld.SymbolsByPrefix(symbolPrefix) {
			printSymbol(sym)
		}
		return nil
	}
	for _, obj := range ld.Objects() {
		names := make([]string, 0, len(obj.ExportedSymbols()))
		for name := range obj.ExportedSymbols() {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			printSymbol(obj.ExportedSymbol(name))
		}
	}
	return nil
}

func printSymbol(sym *loader.Symbol) {
	fmt.Printf("%#16x %-8s %s (%s)\n", sym.RebasedAddr(), sym.Kind, sym.Name, objName(sym.Owner))
}

func importsCmd(cmd *cobra.Command, args []string) error {
	_, main, err := load(args)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(main.ImportRelocations()))
	for name := range main.ImportRelocations() {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		r := main.ImportRelocations()[name]
		state := r.State().String()
		target := "-"
		if r.State() == loader.RelocResolved {
			target = fmt.Sprintf("%#x", r.Value())
		}
		fmt.Printf("%-40s from %-20s %-10s %s\n", name, r.ResolveWith(), state, target)
	}
	return nil
}

func relocsCmd(cmd *cobra.Command, args []string) error {
	_, main, err := load(args)
	if err != nil {
		return err
	}
	for _, r := range main.Relocations() {
		kind := "import"
		if wr, ok := r.(*pe.WinReloc); ok {
			if code, hasKind := wr.Kind(); hasKind {
				kind = fmt.Sprintf("type %d", code)
				if wr.Unsupported() {
					kind += " (unsupported)"
				}
			}
		}
		fmt.Printf("%#12x %-20s %s\n", r.Addr(), kind, r.State())
	}
	return nil
}

func tlsCmd(cmd *cobra.Command, args []string) error {
	_, main, err := load(args)
	if err != nil {
		return err
	}
	tls := main.TLS()
	if tls == nil {
		fmt.Println("no TLS directory")
		return nil
	}
	fmt.Printf("data start   %#x\n", tls.DataStart)
	fmt.Printf("data size    %#x\n", tls.DataSize)
	fmt.Printf("index addr   %#x\n", tls.IndexAddr)
	fmt.Printf("zero fill    %#x\n", tls.ZeroFillSize)
	for i, cb := range tls.Callbacks {
		fmt.Printf("callback %2d  rva %#x (mva %#x)\n", i, cb, main.RVAToMVA(cb))
	}
	return nil
}

func entryCmd(cmd *cobra.Command, args []string) error {
	_, main, err := load(args)
	if err != nil {
		return err
	}
	rva := main.LVAToRVA(main.EntryPoint())
	pc := main.RVAToMVA(rva)
	for i := 0; i < disasmCount; i++ {
		mem, err := main.Memory().ReadBytes(rva, 16)
		if err != nil {
			return err
		}
		inst, err := main.Arch().Decode(mem, pc)
		if err != nil {
			return fmt.Errorf("decoding at %#x: %v", pc, err)
		}
		fmt.Printf("%#12x  %-24x %s\n", pc, inst.Bytes, inst.Text)
		rva += uint64(inst.Size)
		pc += uint64(inst.Size)
	}
	return nil
}

func dumpCmd(cmd *cobra.Command, args []string) error {
	ld, _, err := load(args)
	if err != nil {
		return err
	}
	cfg := spew.ConfigState{Indent: "  ", MaxDepth: 4, SortKeys: true}
	for _, obj := range ld.Objects() {
		type objectDump struct {
			Binary     string
			Provides   string
			Arch       string
			LinkBase   uint64
			MappedBase uint64
			ImageSize  uint64
			Deps       []string
			Sections   []*loader.Section
			TLS        *loader.TLSDescriptor
			Exports    int
			Imports    int
			Relocs     int
		}
		cfg.Dump(objectDump{
			Binary:     obj.Binary(),
			Provides:   obj.Provides(),
			Arch:       obj.Arch().Name,
			LinkBase:   obj.LinkBase(),
			MappedBase: obj.MappedBase(),
			ImageSize:  obj.ImageSize(),
			Deps:       obj.Dependencies(),
			Sections:   obj.Sections(),
			TLS:        obj.TLS(),
			Exports:    len(obj.ExportedSymbols()),
			Imports:    len(obj.ImportRelocations()),
			Relocs:     len(obj.Relocations()),
		})
	}
	return nil
}

func objName(obj loader.Backend) string {
	if obj.Provides() != "" {
		return obj.Provides()
	}
	if obj.Binary() != "" {
		return obj.Binary()
	}
	return "?"
}
