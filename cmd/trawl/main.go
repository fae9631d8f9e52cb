// Command trawl serves the deep-research agent over OpenAI-compatible
// chat endpoints, or runs single research tasks from the terminal.
//
// Usage:
//
//	trawl serve --config trawl.yaml
//	trawl run "Who proved the four color theorem, and when?"
//	trawl validate trawl.yaml
package main

import (
	"errors"
	"fmt"
	"os"
	"runtime/debug"

	"github.com/alecthomas/kong"
	"golang.org/x/term"

	"github.com/veritylab/trawl/pkg/config"
	"github.com/veritylab/trawl/pkg/logger"
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Serve    ServeCmd    `cmd:"" help:"Start the chat-completions server."`
	Run      RunCmd      `cmd:"" help:"Run one research task from the terminal."`
	Validate ValidateCmd `cmd:"" help:"Validate a configuration file."`
	Schema   SchemaCmd   `cmd:"" help:"Generate the configuration JSON Schema."`

	Config    string `short:"c" help:"Path to config file (empty = environment only)." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info" env:"LOG_LEVEL"`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (simple or verbose)." default:"simple"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("trawl version %s\n", version)
	return nil
}

// configError marks failures of the load-and-validate phase. They exit
// with code 1; all other failures exit with code 2.
type configError struct{ err error }

func (e configError) Error() string { return e.err.Error() }
func (e configError) Unwrap() error { return e.err }

func configErrorf(format string, args ...any) error {
	return configError{err: fmt.Errorf(format, args...)}
}

func printBanner() {
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return
	}
	blue := "\033[38;2;56;152;236m"
	reset := "\033[0m"
	fmt.Printf("\n%strawl%s · deep-research agent server\n", blue, reset)
}

func hasCommand(args []string, name string) bool {
	for _, arg := range args[1:] {
		if arg == name {
			return true
		}
	}
	return false
}

func main() {
	os.Exit(run())
}

func run() int {
	if hasCommand(os.Args, "serve") {
		printBanner()
	}

	// Before flag parsing so env-tagged flags see .env values.
	_ = config.LoadEnvFiles()

	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("trawl"),
		kong.Description("trawl - LLM deep-research agent server"),
		kong.UsageOnError(),
	)

	level, _ := logger.ParseLevel(cli.LogLevel)
	output := os.Stderr
	if cli.LogFile != "" {
		file, closeFile, err := logger.OpenLogFile(cli.LogFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "trawl: %v\n", err)
			return 1
		}
		defer closeFile()
		output = file
	}
	logger.Init(level, output, cli.LogFormat)

	if err := ctx.Run(&cli); err != nil {
		fmt.Fprintf(os.Stderr, "trawl: %v\n", err)
		var cfgErr configError
		if errors.As(err, &cfgErr) {
			return 1
		}
		return 2
	}
	return 0
}
