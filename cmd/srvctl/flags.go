package main

import "time"

// GlobalFlags holds persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
	LogLevel   string
}

// StartFlags Flag structs to decouple cobra from logic for testing.
type StartFlags struct {
	BaseDir    string
	Foreground bool
	Debug      bool
	LogDir     string
	Build      bool
	PIDFile    string
	Wrapper    string
	Render     string
	Force      bool
	NoSudo     bool
}

type StopFlags struct {
	BaseDir string
	PIDFile string
	NoSudo  bool
}

type KillTreeFlags struct {
	Grace    time.Duration
	KillWait time.Duration
}

type StatusFlags struct {
	BaseDir string
	PIDFile string
	JSON    bool
}

type RenderFlags struct {
	BaseDir string
}

type InitFlags struct {
	Type    string
	BaseDir string
	Output  string
	Force   bool
}
