// Copyright 2018 Brett Vickers. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/beevik/term"
	"github.com/crystalis-randomizer/go65/host"
)

var (
	output      string
	rom         string
	romOffset   int
	module      bool
	verbose     bool
	interactive bool
	script      string
)

func init() {
	flag.StringVar(&output, "o", "", "output file (default stdout)")
	flag.StringVar(&rom, "rom", "", "base image to patch")
	flag.IntVar(&romOffset, "rom-offset", 0, "offset of the image within the base file")
	flag.BoolVar(&module, "module", false, "write the assembled module instead of linking")
	flag.BoolVar(&verbose, "v", false, "verbose output")
	flag.BoolVar(&interactive, "i", false, "run the interactive shell")
	flag.StringVar(&script, "x", "", "run host commands from a script file")
	flag.CommandLine.Usage = func() {
		fmt.Println("Usage: go65 [options] [file ...]\nOptions:")
		flag.PrintDefaults()
	}
}

func main() {
	flag.Parse()

	// Run the command shell if requested, or if there is nothing to build
	// and a user is at the terminal.
	args := flag.Args()
	if script != "" || interactive || (len(args) == 0 && term.IsTerminal(int(os.Stdin.Fd()))) {
		runShell()
		return
	}

	c := &host.Config{
		Inputs:    args,
		Output:    output,
		Rom:       rom,
		RomOffset: romOffset,
		Module:    module,
		Verbose:   verbose,
	}
	if err := host.Build(c, os.Stderr); err != nil {
		exitOnError(err)
	}
}

func runShell() {
	h := host.New()

	// Run commands contained in the script file.
	if script != "" {
		file, err := os.Open(script)
		if err != nil {
			exitOnError(err)
		}
		h.RunCommands(file, os.Stdout, false)
		file.Close()
		if !interactive {
			return
		}
	}

	// Run commands interactively.
	h.RunCommands(os.Stdin, os.Stdout, true)
}

func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
	os.Exit(1)
}
