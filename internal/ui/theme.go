// Package ui styles btlited's terminal output
package ui

import (
	"os"

	"golang.org/x/term"
)

// ANSI color codes
const (
	Reset   = "\033[0m"
	Bold    = "\033[1m"
	Dim     = "\033[2m"
	Cyan    = "\033[36m"
	Green   = "\033[32m"
	Yellow  = "\033[33m"
	Red     = "\033[31m"
	Blue    = "\033[34m"
	Magenta = "\033[35m"
	White   = "\033[37m"
)

// Box drawing characters
const (
	BoxTopLeft     = "╭"
	BoxTopRight    = "╮"
	BoxBottomLeft  = "╰"
	BoxBottomRight = "╯"
	BoxHorizontal  = "─"
	BoxVertical    = "│"
)

var (
	isTTY        = term.IsTerminal(int(os.Stdout.Fd()))
	colorEnabled = detectColor(isTTY)
)

// detectColor honors https://no-color.org/ and disables color off a terminal
func detectColor(tty bool) bool {
	return tty && os.Getenv("NO_COLOR") == ""
}

func setColor(on bool) {
	colorEnabled = on
}

// SetNoColor disables color output
func SetNoColor(disable bool) {
	if disable {
		setColor(false)
	}
}

// SetColors overrides terminal detection; nil keeps the detected setting
func SetColors(on *bool) {
	if on != nil {
		setColor(*on)
	}
}

// IsColorEnabled returns whether color output is enabled
func IsColorEnabled() bool {
	return colorEnabled
}

// IsTTY returns whether stdout is a terminal
func IsTTY() bool {
	return isTTY
}

// Color wraps text with an ANSI color code
func Color(code, text string) string {
	if !colorEnabled {
		return text
	}
	return code + text + Reset
}
