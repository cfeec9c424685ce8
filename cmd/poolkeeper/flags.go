package main

import "time"

// GlobalFlags are the persistent flags shared by every subcommand.
type GlobalFlags struct {
	ConfigPath string
	APIUrl     string
	APITimeout time.Duration
	Token      string
	Insecure   bool
}

type ServeFlags struct {
	Daemonize bool
	PidFile   string
	LogFile   string
}

type StopFlags struct {
	PID  int
	Wait time.Duration
}

type LogsFlags struct {
	Reset  bool
	Output string
}

// BeatFlags describe one record appended by the beat command.
type BeatFlags struct {
	Kind   string
	Detail string
	PID    int
	Log    string
	Level  string
}
