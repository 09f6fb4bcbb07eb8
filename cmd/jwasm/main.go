package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Frontrider/JWebAssembly/pkg/compiler"
	"github.com/Frontrider/JWebAssembly/pkg/version"
	"github.com/Frontrider/JWebAssembly/pkg/wasm"
	"github.com/spf13/cobra"
)

var (
	outputFile  string
	format      string
	debug       bool
	listFormats bool
	showVersion bool
)

var rootCmd = &cobra.Command{
	Use:   "jwasm [class files...]",
	Short: "JWebAssembly compiler " + version.GetVersion(),
	Long: `JWebAssembly - Java bytecode to WebAssembly compiler

Compiles methods annotated with @Export from one or more class files
into a single WebAssembly module.

OUTPUT FORMATS:
  wasm - WebAssembly binary format (default)
  wat  - WebAssembly text format

EXAMPLES:
  jwasm Math.class                     # Compile to Math.wasm
  jwasm -o app.wasm A.class B.class    # Combine two classes
  jwasm --format wat Math.class        # Emit the text format`,
	Args: cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if showVersion {
			fmt.Println(version.GetFullVersion())
			return nil
		}
		if listFormats {
			for _, name := range wasm.ListFormats() {
				fmt.Println(name)
			}
			return nil
		}
		if len(args) == 0 {
			return fmt.Errorf("no class files given")
		}
		return compile(args)
	},
	SilenceUsage: true,
}

func compile(paths []string) error {
	out := outputFile
	if out == "" {
		base := strings.TrimSuffix(paths[0], filepath.Ext(paths[0]))
		out = base + "." + format
	}
	f, err := os.Create(out)
	if err != nil {
		return fmt.Errorf("creating %s: %w", out, err)
	}
	defer f.Close()

	writer := wasm.GetWriter(format, f)
	if writer == nil {
		return fmt.Errorf("unknown output format %q, have: %s", format, strings.Join(wasm.ListFormats(), ", "))
	}
	c := compiler.New(writer, &compiler.Options{Debug: debug})
	for _, path := range paths {
		if err := c.CompileFile(path); err != nil {
			os.Remove(out)
			return err
		}
	}
	if err := c.Close(); err != nil {
		os.Remove(out)
		return err
	}
	if debug {
		fmt.Fprintf(os.Stderr, "wrote %s\n", out)
	}
	return nil
}

func init() {
	rootCmd.Flags().StringVarP(&outputFile, "output", "o", "", "output file (defaults to the first input with the format extension)")
	rootCmd.Flags().StringVarP(&format, "format", "f", "wasm", "output format (wasm, wat)")
	rootCmd.Flags().BoolVarP(&debug, "debug", "d", false, "show compilation details")
	rootCmd.Flags().BoolVar(&listFormats, "list-formats", false, "list all output formats")
	rootCmd.Flags().BoolVar(&showVersion, "version", false, "show version information")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
