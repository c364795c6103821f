package cmds

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/chrisc11/chainwalk/cmd/chainwalk/cmds/helphelpers"
	"github.com/chrisc11/chainwalk/pkg/chain"
	"github.com/chrisc11/chainwalk/pkg/config"
	"github.com/chrisc11/chainwalk/pkg/inspect/image"
	"github.com/chrisc11/chainwalk/pkg/logflags"
	"github.com/chrisc11/chainwalk/pkg/terminal"
	"github.com/chrisc11/chainwalk/pkg/version"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string
	// initFile is the path to initialization file.
	initFile string

	// walkRoot is the root symbol of a one shot walk.
	walkRoot string
	// walkNext is the link field of a one shot walk.
	walkNext string
	// walkPayload is the payload field of a one shot walk.
	walkPayload string

	// genNodes is the number of records linked into a generated image.
	genNodes int
	// genSeed seeds the payload generator of a generated image.
	genSeed uint32
	// genBase is the load address of a generated image.
	genBase uint64

	// verbose is whether the version command prints build details.
	verbose bool

	// rootCommand is the root of the command tree.
	rootCommand *cobra.Command

	conf *config.Config
)

const chainwalkCommandLongDesc = `Chainwalk is an inspector for linked data structures in the memory of stopped programs.

Chainwalk enables you to resolve the global variables of a target, follow
pointer chains record by record, and examine raw memory, either from a saved
memory image or over a live debug adapter connection.

The goal of this tool is to provide a simple yet scriptable interface for
inspecting intrusive linked lists without stepping through them by hand.`

// New returns an initialized command tree.
func New(docCall bool) *cobra.Command {
	// Config setup and load.
	conf = config.LoadConfig()

	// Main chainwalk root command.
	rootCommand = &cobra.Command{
		Use:   "chainwalk",
		Short: "Chainwalk is an inspector for linked data structures in stopped programs.",
		Long:  chainwalkCommandLongDesc,
	}

	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output (see 'chainwalk help log')`)
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor (see 'chainwalk help log').")
	rootCommand.PersistentFlags().StringVar(&initFile, "init", "", "Init file, executed by the terminal client.")

	// 'open' subcommand.
	openCommand := &cobra.Command{
		Use:   "open <path/to/image>",
		Short: "Open a memory image and begin an inspection session.",
		Long: `Open a memory image and begin an inspection session.

This command will cause Chainwalk to load the given chain image, make the
memory and symbols captured in it the current target, and drop you at the
terminal prompt. Images are produced by 'chainwalk gen' or by external
tooling that dumps a stopped process.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return errors.New("you must provide a path to a memory image")
			}
			return nil
		},
		Run: openCmd,
	}
	rootCommand.AddCommand(openCommand)

	// 'connect' subcommand.
	connectCommand := &cobra.Command{
		Use:   "connect addr",
		Short: "Connect to a debug adapter serving a stopped target.",
		Long: `Connect to a running Debug Adapter Protocol server.

The target must already be stopped: chainwalk reads variables through the
adapter but never resumes or halts execution.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return errors.New("you must provide an address as the first argument")
			}
			return nil
		},
		Run: connectCmd,
	}
	rootCommand.AddCommand(connectCommand)

	// 'walk' subcommand.
	walkCommand := &cobra.Command{
		Use:   "walk <path/to/image>",
		Short: "Walk the linked list captured in a memory image and exit.",
		Long: `Walk the linked list captured in a memory image and exit.

This is the one shot form of the walklist terminal command, for scripts and
pipelines. The root symbol and field names default to the configuration
file. On a broken chain the records reached before the failure are still
printed and the exit status is nonzero.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return errors.New("you must provide a path to a memory image")
			}
			return nil
		},
		Run: walkCmd,
	}
	walkCommand.Flags().StringVar(&walkRoot, "root", "", "Root symbol of the chain.")
	walkCommand.Flags().StringVar(&walkNext, "next-field", "", "Link field followed from record to record.")
	walkCommand.Flags().StringVar(&walkPayload, "payload-field", "", "Payload field printed for every record.")
	rootCommand.AddCommand(walkCommand)

	// 'gen' subcommand.
	genCommand := &cobra.Command{
		Use:   "gen <path/to/image>",
		Short: "Generate a demo memory image.",
		Long: `Generate a memory image holding a linked chain of records.

The generated image uses the layout of the demo firmware: a ` + "`s_list_head`" + `
global pointing at the newest record, a ` + "`s_node_count`" + ` global holding the
number of records, and 16 byte ` + "`node`" + ` records carrying a pseudo random
payload and the address of the next record. It is meant for trying out the
terminal commands and for test fixtures.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return errors.New("you must provide an output path for the image")
			}
			return nil
		},
		Run: genCmd,
	}
	genCommand.Flags().IntVar(&genNodes, "nodes", 5, "Number of records linked into the chain.")
	genCommand.Flags().Uint32Var(&genSeed, "seed", 1, "Seed for the payload generator.")
	genCommand.Flags().Uint64Var(&genBase, "base", 0x20001000, "Load address of the generated memory.")
	rootCommand.AddCommand(genCommand)

	// 'version' subcommand.
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Chainwalk Inspector\n%s\n", version.ChainwalkVersion)
			if verbose {
				fmt.Printf("Build Details: %s\n", version.BuildInfo())
			}
		},
	}
	versionCommand.Flags().BoolVarP(&verbose, "verbose", "v", false, "print verbose version info")
	rootCommand.AddCommand(versionCommand)

	rootCommand.AddCommand(&cobra.Command{
		Use:   "log",
		Short: "Help about logging flags.",
		Long: `Logging can be enabled by specifying the --log flag and using the
--log-output flag to select which components should produce logs.

The argument of --log-output must be a comma separated list of component
names selected from this list:


	walker		Log chain walks
	image		Log memory image loading
	dap		Log all DAP messages
	script		Log Starlark script execution

Additionally --log-dest can be used to specify where the logs should be
written.
If the argument is a number it will be interpreted as a file descriptor,
otherwise as a file path.

`,
	})

	rootCommand.SetHelpFunc(func(cmd *cobra.Command, args []string) {
		helphelpers.Prepare(cmd)
		cmd.Root().SetHelpFunc(nil)
		cmd.Help()
	})

	rootCommand.SetUsageFunc(func(cmd *cobra.Command) error {
		helphelpers.Prepare(cmd)
		cmd.Root().SetUsageFunc(nil)
		return cmd.Usage()
	})

	rootCommand.DisableAutoGenTag = true

	return rootCommand
}

func openCmd(cmd *cobra.Command, args []string) {
	os.Exit(execute(args[0], conf))
}

func connectCmd(cmd *cobra.Command, args []string) {
	addr := args[0]
	if addr == "" {
		fmt.Fprint(os.Stderr, "An empty address was provided. You must provide an address as the first argument.\n")
		os.Exit(1)
	}
	os.Exit(connect(addr, conf))
}

func walkCmd(cmd *cobra.Command, args []string) {
	status := func() int {
		if err := logflags.Setup(log, logOutput, logDest); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		defer logflags.Close()

		root := walkRoot
		w := &chain.Walker{NextField: walkNext, PayloadField: walkPayload}
		if conf != nil {
			if root == "" {
				root = conf.RootSymbol
			}
			if w.NextField == "" {
				w.NextField = conf.NextField
			}
			if w.PayloadField == "" {
				w.PayloadField = conf.PayloadField
			}
			if conf.MaxWalkNodes != nil {
				w.MaxNodes = *conf.MaxWalkNodes
			}
		}
		if err := walkImage(os.Stdout, args[0], root, w); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		return 0
	}()
	os.Exit(status)
}

// walkImage opens the image at path and writes the rendering of one walk to
// w. A failed walk writes the records reached before the failure, without
// the summary line, and returns the error.
func walkImage(w io.Writer, path, root string, walker *chain.Walker) error {
	sess, err := image.Open(path)
	if err != nil {
		return err
	}
	defer sess.Close()

	res, walkErr := walker.Walk(sess, root, "")
	if res == nil {
		return walkErr
	}
	if walkErr != nil {
		for i := range res.Nodes {
			fmt.Fprintln(w, res.Nodes[i].String())
		}
		return walkErr
	}
	_, err = res.WriteTo(w)
	return err
}

func genCmd(cmd *cobra.Command, args []string) {
	status := func() int {
		if err := logflags.Setup(log, logOutput, logDest); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		defer logflags.Close()

		if err := genImage(args[0], genNodes, genSeed, genBase); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		fmt.Printf("Wrote %s: chain of %d nodes at %#x\n", args[0], genNodes, genBase)
		return 0
	}()
	os.Exit(status)
}

// genImage writes a chain image to path. The layout matches the demo
// firmware the walklist defaults come from, so the generated image works
// with a bare 'walklist'.
func genImage(path string, nodes int, seed uint32, base uint64) error {
	if nodes < 0 {
		return fmt.Errorf("invalid node count %d", nodes)
	}
	b := image.NewBuilder("node", base)
	b.DefineField(chain.DefaultPayloadField, 4, image.KindUint)
	b.Pad(4)
	b.DefineField(chain.DefaultNextField, 8, image.KindPointer)

	b.AddSymbol(chain.DefaultRootSymbol)
	b.AddUintSymbol("s_node_count", 4)
	b.Alloc(4) // records start 16 byte aligned, like the target allocator left them

	rng := image.NewMinstd(seed)
	for i := 0; i < nodes; i++ {
		b.Push(chain.DefaultRootSymbol, chain.DefaultNextField, map[string]uint64{
			chain.DefaultPayloadField: uint64(rng.Next()),
		})
	}
	b.SetSymbol("s_node_count", uint64(nodes))
	return b.WriteFile(path)
}

// connect creates a terminal attached to a running debug adapter.
func connect(addr string, conf *config.Config) int {
	if err := logflags.Setup(log, logOutput, logDest); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer logflags.Close()

	term := terminal.New(conf)
	defer term.Close()
	term.InitFile = initFile
	if err := term.Connect(addr); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	status, err := term.Run()
	if err != nil {
		fmt.Println(err)
	}
	return status
}

func execute(imagePath string, conf *config.Config) int {
	if err := logflags.Setup(log, logOutput, logDest); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer logflags.Close()

	term := terminal.New(conf)
	defer term.Close()
	term.InitFile = initFile
	if err := term.OpenImage(imagePath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	status, err := term.Run()
	if err != nil {
		fmt.Println(err)
	}
	return status
}
