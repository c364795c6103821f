// Package terminal implements functions for responding to user
// input and dispatching to the appropriate list inspection commands.
package terminal

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/cosiner/argv"

	"github.com/chrisc11/chainwalk/pkg/chain"
	"github.com/chrisc11/chainwalk/pkg/inspect"
)

type callContext struct {
	// Frame is the stack frame symbols are resolved in. It is only
	// meaningful for debug adapter sessions, memory images have no stack.
	Frame int
}

type cmdfunc func(t *Term, ctx callContext, args string) error

type command struct {
	aliases        []string
	builtinAliases []string
	group          commandGroup
	helpMsg        string
	cmdFn          cmdfunc
}

// Returns true if the command string matches one of the aliases for this command
func (c command) match(cmdstr string) bool {
	for _, v := range c.aliases {
		if v == cmdstr {
			return true
		}
	}
	return false
}

// Commands represents the commands for the chainwalk terminal process.
type Commands struct {
	cmds  []command
	frame int // Current resolution frame as set by the frame command.
}

// byFirstAlias will sort by the first
// alias of a command.
type byFirstAlias []command

func (a byFirstAlias) Len() int           { return len(a) }
func (a byFirstAlias) Swap(i, j int)      { a[i], a[j] = a[j], a[i] }
func (a byFirstAlias) Less(i, j int) bool { return a[i].aliases[0] < a[j].aliases[0] }

// DefaultCommands returns a Commands struct with default commands defined.
func DefaultCommands() *Commands {
	c := &Commands{}

	c.cmds = []command{
		{aliases: []string{"help", "h"}, cmdFn: c.help, helpMsg: `Prints the help message.

	help [command]

Type "help" followed by the name of a command for more information about it.`},
		{aliases: []string{"open", "o"}, group: sessionCmds, cmdFn: openCommand, helpMsg: `Opens a memory image file.

	open <path>

The path can be quoted if it contains spaces. If the path is relative and does not exist it is also searched for in the directories listed in the image-search-paths configuration.`},
		{aliases: []string{"connect"}, group: sessionCmds, cmdFn: connectCommand, helpMsg: `Connects to a debug adapter.

	connect <address>

Address must be the host:port of a running DAP server with a stopped target. Symbols are resolved by evaluating expressions in the stopped frame.`},
		{aliases: []string{"close"}, group: sessionCmds, cmdFn: closeCommand, helpMsg: "Closes the current session without exiting."},
		{aliases: []string{"walklist", "wl"}, group: walkCmds, cmdFn: walklistCommand, helpMsg: `Walks a singly linked list and prints every node.

	walklist [<root symbol> [<next field> [<payload field>]]]

Starts at the pointer stored in root symbol and follows the next field of each node until it is null, printing the address and payload of every node. Defaults not overridden on the command line are taken from the configuration, falling back to s_list_head, next and random_value.

The walk does not detect cycles: set max-walk-nodes if the target is untrusted.`},
		{aliases: []string{"frame"}, group: walkCmds, cmdFn: c.frameCommand, helpMsg: `Sets the frame used to resolve symbols, or runs a command on a different frame.

	frame
	frame <m>
	frame <m> <command>

The first form prints the current resolution frame. The second form sets the frame used by subsequent commands. The third form runs the command on the given frame without changing the default. Only debug adapter sessions have frames.`},
		{aliases: []string{"symbols", "sym"}, group: dataCmds, cmdFn: symbolsCommand, helpMsg: `Prints the symbols of the current target.

	symbols [<prefix>]
	symbols -f <pattern>

If prefix is specified only symbols starting with it are returned. With -f a fuzzy match is used instead of a prefix match; fuzzy matching requires a memory image session.`},
		{aliases: []string{"print", "p"}, group: dataCmds, cmdFn: printCommand, helpMsg: `Prints the value of a symbol.

	print <symbol>

Pointer symbols print the address of the record they point at, integer symbols print their value.`},
		{aliases: []string{"whatis"}, group: dataCmds, cmdFn: whatisCommand, helpMsg: `Prints the type of a symbol.

	whatis <symbol>`},
		{aliases: []string{"examinemem", "examine", "x"}, group: dataCmds, cmdFn: examineMemoryCmd, helpMsg: `Examine raw memory at the given address.

	examinemem [-count <count>] [-size <size>] <address>

Prints count values of size bytes each, read starting at address. Size defaults to 1 and count to 16. Only memory image sessions support raw reads.`},
		{aliases: []string{"config"}, cmdFn: configureCmd, helpMsg: `Changes configuration parameters.

	config -list

Show all configuration parameters.

	config -save

Saves the configuration file to disk, overwriting the current configuration file.

	config <parameter> <value>

Changes the value of a configuration parameter.

	config alias <command> <alias>
	config alias <alias>

Defines <alias> as an alias of <command> or removes an alias.

	config image-search-paths <dir>
	config image-search-paths -rm <dir>
	config image-search-paths -clear

Adds or removes a directory searched by the open command.`},
		{aliases: []string{"source"}, cmdFn: c.sourceCommand, helpMsg: `Executes a file containing a list of commands.

	source <path>

If path ends with the .star extension it will be interpreted as a starlark script. See Documentation/cli/starlark.md for the syntax.

If path is a single '-' character an interactive starlark interpreter will start instead. Type 'exit' to exit.`},
		{aliases: []string{"transcript"}, cmdFn: transcriptCmd, helpMsg: `Appends command output to a file.

	transcript [-t] [-x] <output file>
	transcript -off

Output of the session is appended to the specified output file. If '-t' is specified the file is truncated instead. If '-x' is specified output to stdout is suppressed instead.

Using the -off option disables the transcript.`},
		{aliases: []string{"exit", "quit", "q"}, cmdFn: exitCommand, helpMsg: "Exit the inspector."},
	}

	sort.Sort(byFirstAlias(c.cmds))
	return c
}

// Register adds a custom command. Expects cf to be a func of type cmdfunc,
// returning only an error. It returns an error if cmdstr is already the
// name or an alias of an existing command.
func (c *Commands) Register(cmdstr string, cf cmdfunc, helpMsg string) error {
	for _, v := range c.cmds {
		if v.match(cmdstr) {
			return fmt.Errorf("command %q already exists", cmdstr)
		}
	}

	c.cmds = append(c.cmds, command{aliases: []string{cmdstr}, cmdFn: cf, helpMsg: helpMsg})
	return nil
}

// Find will look up the command function for the given command input.
// If it cannot find the command it will default to noCmdAvailable().
// If the command is an empty string it will replay the last command.
func (c *Commands) Find(cmdstr string) cmdfunc {
	// If <enter> use last command, if there was one.
	if cmdstr == "" {
		return nullCommand
	}

	for _, v := range c.cmds {
		if v.match(cmdstr) {
			return v.cmdFn
		}
	}

	return noCmdAvailable
}

// CallWithContext takes a command and a context that command should be executed in.
func (c *Commands) CallWithContext(cmdstr string, t *Term, ctx callContext) error {
	vals := strings.SplitN(strings.TrimSpace(cmdstr), " ", 2)
	cmdname := vals[0]
	var args string
	if len(vals) > 1 {
		args = strings.TrimSpace(vals[1])
	}
	return c.Find(cmdname)(t, ctx, args)
}

// Call takes a command to execute.
func (c *Commands) Call(cmdstr string, t *Term) error {
	ctx := callContext{Frame: c.frame}
	return c.CallWithContext(cmdstr, t, ctx)
}

// Merge takes aliases defined in the config struct and merges them with the default aliases.
func (c *Commands) Merge(allAliases map[string][]string) {
	for i := range c.cmds {
		if c.cmds[i].builtinAliases != nil {
			c.cmds[i].aliases = append(c.cmds[i].aliases[:0], c.cmds[i].builtinAliases...)
		}
	}
	for i := range c.cmds {
		if aliases, ok := allAliases[c.cmds[i].aliases[0]]; ok {
			if c.cmds[i].builtinAliases == nil {
				c.cmds[i].builtinAliases = make([]string, len(c.cmds[i].aliases))
				copy(c.cmds[i].builtinAliases, c.cmds[i].aliases)
			}
			c.cmds[i].aliases = append(c.cmds[i].aliases, aliases...)
		}
	}
}

var noCmdError = errors.New("command not available")

func noCmdAvailable(t *Term, ctx callContext, args string) error {
	return noCmdError
}

func nullCommand(t *Term, ctx callContext, args string) error {
	return nil
}

func (c *Commands) help(t *Term, ctx callContext, args string) error {
	if args != "" {
		for _, cmd := range c.cmds {
			for _, alias := range cmd.aliases {
				if alias == args {
					fmt.Fprintln(t.stdout, cmd.helpMsg)
					return nil
				}
			}
		}
		return noCmdError
	}

	fmt.Fprintln(t.stdout, "The following commands are available:")

	for _, cgd := range commandGroupDescriptions {
		fmt.Fprintf(t.stdout, "\n%s:\n", cgd.description)
		w := new(tabwriter.Writer)
		w.Init(t.stdout, 0, 8, 0, '-', 0)
		for _, cmd := range c.cmds {
			if cmd.group != cgd.group {
				continue
			}
			h := cmd.helpMsg
			if idx := strings.Index(h, "\n"); idx >= 0 {
				h = h[:idx]
			}
			if len(cmd.aliases) > 1 {
				fmt.Fprintf(w, "    %s (alias: %s) \t %s\n", cmd.aliases[0], strings.Join(cmd.aliases[1:], " | "), h)
			} else {
				fmt.Fprintf(w, "    %s \t %s\n", cmd.aliases[0], h)
			}
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}

	fmt.Fprintln(t.stdout)
	fmt.Fprintln(t.stdout, "Type help followed by a command for full documentation.")
	return nil
}

var errNoSession = errors.New("no open session, use open or connect first")

// session returns the current inspection session, applying the resolution
// frame of ctx if the backend supports frames.
func (t *Term) session(ctx callContext) (inspect.Session, error) {
	if t.sess == nil {
		return nil, errNoSession
	}
	if fs, ok := t.sess.(interface{ SetFrameID(int) }); ok {
		fs.SetFrameID(ctx.Frame)
	}
	return t.sess, nil
}

func (c *Commands) frameCommand(t *Term, ctx callContext, argstr string) error {
	if argstr == "" {
		fmt.Fprintf(t.stdout, "Resolution frame %d\n", c.frame)
		return nil
	}
	args := split2PartsBySpace(argstr)
	frame, err := strconv.Atoi(args[0])
	if err != nil {
		return err
	}
	if frame < 0 {
		return fmt.Errorf("invalid frame %d", frame)
	}
	if len(args) > 1 && args[1] != "" {
		ctx.Frame = frame
		return c.CallWithContext(args[1], t, ctx)
	}
	c.frame = frame
	return nil
}

func openCommand(t *Term, ctx callContext, args string) error {
	path, err := parsePathArg(args)
	if err != nil {
		return err
	}
	if path == "" {
		return errors.New("wrong number of arguments: open <path>")
	}
	return t.OpenImage(t.findImage(path))
}

// parsePathArg parses a single, possibly quoted, path argument.
func parsePathArg(args string) (string, error) {
	if args == "" {
		return "", nil
	}
	v, err := argv.Argv(args,
		func(s string) (string, error) {
			return "", fmt.Errorf("Backtick not supported in '%s'", s)
		},
		nil)
	if err != nil {
		return "", err
	}
	if len(v) != 1 || len(v[0]) != 1 {
		return "", fmt.Errorf("illegal argument '%s'", args)
	}
	return v[0][0], nil
}

// findImage looks up path in the configured image search paths. The path is
// returned unchanged if it exists, is absolute, or no search path matches.
func (t *Term) findImage(path string) string {
	if _, err := os.Stat(path); err == nil || filepath.IsAbs(path) || t.conf == nil {
		return path
	}
	for _, dir := range t.conf.ImageSearchPaths {
		fullpath := filepath.Join(dir, path)
		if _, err := os.Stat(fullpath); err == nil {
			return fullpath
		}
	}
	return path
}

func connectCommand(t *Term, ctx callContext, args string) error {
	if args == "" {
		return errors.New("wrong number of arguments: connect <address>")
	}
	return t.Connect(args)
}

func closeCommand(t *Term, ctx callContext, args string) error {
	if t.sess == nil {
		return errNoSession
	}
	return t.CloseSession()
}

func walklistCommand(t *Term, ctx callContext, args string) error {
	sess, err := t.session(ctx)
	if err != nil {
		return err
	}

	w := t.walker()
	root := ""
	if t.conf != nil {
		root = t.conf.RootSymbol
	}
	fields := strings.Fields(args)
	switch {
	case len(fields) > 3:
		return errors.New("wrong number of arguments: walklist [<root symbol> [<next field> [<payload field>]]]")
	case len(fields) == 3:
		w.PayloadField = fields[2]
		fallthrough
	case len(fields) == 2:
		w.NextField = fields[1]
		fallthrough
	case len(fields) == 1:
		root = fields[0]
	}

	res, walkErr := w.Walk(sess, root, args)
	if res == nil {
		return walkErr
	}
	if walkErr != nil {
		// A failed walk still prints the nodes reached before the failure,
		// but no summary line.
		for i := range res.Nodes {
			fmt.Fprintln(t.stdout, res.Nodes[i].String())
		}
		return walkErr
	}

	t.stdout.pw.PageMaybe(nil)
	_, err = res.WriteTo(t.stdout)
	return err
}

func symbolsCommand(t *Term, ctx callContext, args string) error {
	sess, err := t.session(ctx)
	if err != nil {
		return err
	}

	fuzzy := false
	if args == "-f" || strings.HasPrefix(args, "-f ") {
		fuzzy = true
		args = strings.TrimSpace(args[len("-f"):])
	}

	var syms []string
	if fuzzy {
		if t.symtab == nil {
			return errors.New("fuzzy matching requires a memory image session")
		}
		syms = t.symtab.Fuzzy(args)
	} else {
		syms, err = sess.Symbols(args)
		if err != nil {
			return err
		}
	}

	t.stdout.pw.PageMaybe(nil)
	for _, sym := range syms {
		fmt.Fprintln(t.stdout, sym)
	}
	return nil
}

func printCommand(t *Term, ctx callContext, args string) error {
	if args == "" {
		return errors.New("wrong number of arguments: print <symbol>")
	}
	sess, err := t.session(ctx)
	if err != nil {
		return err
	}
	v, err := sess.ResolveSymbol(args)
	if err != nil {
		return err
	}
	fmt.Fprintln(t.stdout, formatValue(v))
	return nil
}

// formatValue renders a resolved symbol for the print command.
func formatValue(v inspect.Value) string {
	typ := v.TypeString()
	if strings.HasSuffix(typ, "*") {
		if v.IsNull() {
			return fmt.Sprintf("(%s) nil", typ)
		}
		return fmt.Sprintf("(%s) %#x", typ, v.Addr())
	}
	n, err := v.Uint()
	if err != nil {
		return typ
	}
	return strconv.FormatUint(n, 10)
}

func whatisCommand(t *Term, ctx callContext, args string) error {
	if args == "" {
		return errors.New("wrong number of arguments: whatis <symbol>")
	}
	sess, err := t.session(ctx)
	if err != nil {
		return err
	}
	v, err := sess.ResolveSymbol(args)
	if err != nil {
		return err
	}
	fmt.Fprintln(t.stdout, v.TypeString())
	return nil
}

var examineMemoryUsageError = errors.New("wrong number of arguments: examinemem [-count <count>] [-size <size>] <address>")

func examineMemoryCmd(t *Term, ctx callContext, argstr string) error {
	if t.sess == nil {
		return errNoSession
	}
	mem, ok := t.sess.(inspect.MemoryReader)
	if !ok {
		return errors.New("raw memory reads are not supported by this session")
	}

	v := strings.Fields(argstr)
	var (
		address uint64
		size    = 1
		count   = 16
		err     error
	)

	for i := 0; i < len(v); i++ {
		switch v[i] {
		case "-count", "-len":
			i++
			if i >= len(v) {
				return examineMemoryUsageError
			}
			count, err = strconv.Atoi(v[i])
			if err != nil || count <= 0 {
				return fmt.Errorf("invalid count value %q", v[i])
			}
		case "-size":
			i++
			if i >= len(v) {
				return examineMemoryUsageError
			}
			size, err = strconv.Atoi(v[i])
			if err != nil || (size != 1 && size != 2 && size != 4 && size != 8) {
				return fmt.Errorf("invalid size value %q, must be 1, 2, 4 or 8", v[i])
			}
		default:
			if address != 0 || strings.HasPrefix(v[i], "-") {
				return examineMemoryUsageError
			}
			address, err = strconv.ParseUint(v[i], 0, 64)
			if err != nil {
				return fmt.Errorf("convert address into uintptr type failed, %v", err)
			}
		}
	}
	if address == 0 {
		return examineMemoryUsageError
	}

	buf := make([]byte, count*size)
	n, err := mem.ReadMemory(buf, address)
	if err != nil {
		return err
	}

	printMemory(t.stdout, address, buf[:n-n%size], size)
	return nil
}

// printMemory prints a hex dump of mem in units of size bytes, decoded
// little-endian, eight units per row.
func printMemory(out io.Writer, address uint64, mem []byte, size int) {
	perRow := 8
	for i := 0; i+size <= len(mem); i += size {
		if (i/size)%perRow == 0 {
			if i > 0 {
				fmt.Fprintln(out)
			}
			fmt.Fprintf(out, "%#x:", address+uint64(i))
		}
		val := uint64(0)
		for j := size - 1; j >= 0; j-- {
			val = val<<8 | uint64(mem[i+j])
		}
		fmt.Fprintf(out, "   %#0*x", size*2+2, val)
	}
	fmt.Fprintln(out)
}

func (c *Commands) sourceCommand(t *Term, ctx callContext, args string) error {
	if len(args) == 0 {
		return fmt.Errorf("wrong number of arguments: source <filename>")
	}

	if filepath.Ext(args) == ".star" {
		_, err := t.starlarkEnv.Execute(args, nil, "main", nil)
		return err
	}

	if args == "-" {
		return t.starlarkEnv.REPL()
	}

	return c.executeFile(t, args)
}

func transcriptCmd(t *Term, ctx callContext, argstr string) error {
	var (
		fileOnly = false
		truncate = false
		disable  = false
		path     = ""
	)
	for _, arg := range strings.Fields(argstr) {
		switch arg {
		case "-x":
			fileOnly = true
		case "-t":
			truncate = true
		case "-off":
			disable = true
		default:
			if path != "" || strings.HasPrefix(arg, "-") {
				return fmt.Errorf("unrecognized option %q", arg)
			}
			path = arg
		}
	}

	if disable {
		if path != "" || truncate || fileOnly {
			return errors.New("-off can not be used with other options")
		}
		return t.stdout.CloseTranscript()
	}

	if path == "" {
		return errors.New("wrong number of arguments: transcript [-t] [-x] <output file>")
	}

	flags := os.O_APPEND | os.O_WRONLY | os.O_CREATE
	if truncate {
		flags |= os.O_TRUNC
	}
	fh, err := os.OpenFile(path, flags, 0660)
	if err != nil {
		return err
	}

	t.stdout.TranscribeTo(fh, fileOnly)
	return nil
}

// ExitRequestError is returned when the user
// exits the inspector.
type ExitRequestError struct{}

func (ere ExitRequestError) Error() string {
	return ""
}

func exitCommand(t *Term, ctx callContext, args string) error {
	return ExitRequestError{}
}

func (c *Commands) executeFile(t *Term, name string) error {
	fh, err := os.Open(name)
	if err != nil {
		return err
	}
	defer fh.Close()

	scanner := bufio.NewScanner(fh)
	lineno := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		lineno++

		if line == "" || line[0] == '#' {
			continue
		}

		if err := c.Call(line, t); err != nil {
			if _, isExitRequest := err.(ExitRequestError); isExitRequest {
				return err
			}
			fmt.Printf("%s:%d: %v\n", name, lineno, err)
		}
	}

	return scanner.Err()
}

func split2PartsBySpace(s string) []string {
	v := strings.SplitN(s, " ", 2)
	for i := range v {
		v[i] = strings.TrimSpace(v[i])
	}
	return v
}

// walker returns a Walker configured from the terminal configuration.
func (t *Term) walker() *chain.Walker {
	w := &chain.Walker{}
	if t.conf != nil {
		w.NextField = t.conf.NextField
		w.PayloadField = t.conf.PayloadField
		if t.conf.MaxWalkNodes != nil {
			w.MaxNodes = *t.conf.MaxWalkNodes
		}
	}
	return w
}
