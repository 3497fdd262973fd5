package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/xyproto/env/v2"

	"github.com/moralrecordings/tex3-mouselook/internal/patch"
)

// Version is the patcher release number.
const Version = "1.2.0"

func usage() {
	fmt.Fprintln(os.Stderr, `usage: tex3patch [options] INPUT OUTPUT

Apply mods to Under a Killing Moon/The Pandora Directive.
INPUT is either tex3.exe or tex4.exe; OUTPUT is the patched executable.

options:`)
	flag.PrintDefaults()
	os.Exit(1)
}

func main() {
	fixSpeed := flag.Bool("fix-speed", false,
		"Fix bug where Tex rockets around in areas of low geometric complexity on Pentium/DOSBox.")
	mouselook := flag.Bool("mouselook", false,
		"Replace bonkers movement controls with WASD + mouselook.")
	invertY := flag.Bool("invert-y", false,
		"Invert Y-axis movement for mouselook.")
	showVersion := flag.Bool("version", false,
		"Show program's version number and exit.")
	flag.Usage = usage
	flag.Parse()

	if *showVersion {
		fmt.Printf("tex3patch %s\n", Version)
		return
	}
	if flag.NArg() != 2 {
		usage()
	}
	input := filepath.Clean(flag.Arg(0))
	output := filepath.Clean(flag.Arg(1))

	data, err := os.ReadFile(input)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	var progress io.Writer = os.Stdout
	if env.Bool("TEX3PATCH_QUIET") {
		progress = io.Discard
	}

	engine := patch.New(progress)
	patched, err := engine.Run(data, patch.Options{
		FixSpeed:  *fixSpeed,
		Mouselook: *mouselook,
		InvertY:   *invertY,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if err := os.WriteFile(output, patched, 0o644); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
