package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
)

var (
	okFmt   = color.New(color.FgGreen).SprintFunc()
	infoFmt = color.New(color.FgYellow).SprintFunc()
	msgFmt  = color.New(color.FgCyan).SprintFunc()
	dimFmt  = color.New(color.Faint).SprintFunc()
	errFmt  = color.New(color.FgRed, color.Bold).SprintFunc()
)

func printOK(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "%s %s\n", okFmt("✓"), fmt.Sprintf(format, args...))
}

func printInfo(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "%s %s\n", infoFmt("•"), fmt.Sprintf(format, args...))
}

func printErr(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "%s %s\n", errFmt("✗"), fmt.Sprintf(format, args...))
}

// printMessage writes a received message to stdout so it can be piped.
func printMessage(from, text string) {
	if color.NoColor {
		fmt.Printf("%s %s\n", from, text)
		return
	}
	fmt.Printf("%s %s\n", dimFmt(from), msgFmt(text))
}
