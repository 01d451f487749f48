package main

import "github.com/busybox42/sendline/cmd/sendline/commands"

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	commands.SetVersion(version, commit, date)
	commands.Execute()
}
