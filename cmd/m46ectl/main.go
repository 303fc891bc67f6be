// Command m46ectl is the external control-plane client: it connects to
// a running m46ed's abstract-namespace external socket, sends one
// command frame, prints the reply, and exits. Every subcommand maps
// directly onto a command.Code; argument parsing is kept to a thin
// switch rather than a subcommand framework since the surface is small
// and flat.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/m46e/m46ed/command"
)

func usage() {
	fmt.Fprintf(os.Stderr, `usage: %s -plane NAME <command> [args...]

commands:
  show-statistic
  show-conf
  show-pmtu
  show-pr-entry
  show-route
  add-pr-entry v4net/cidr,pr_prefix/v6cidr
  del-pr-entry v4net/cidr
  delall-pr-entry
  enable-pr-entry v4net/cidr
  disable-pr-entry v4net/cidr
  set-debug-log true|false
  set-force-frag true|false
  set-pmtud-mode none|tunnel|host
  set-pmtud-exptime seconds
  set-device-mtu name=mtu
  shutdown
  restart
`, os.Args[0])
}

var subcommands = map[string]command.Code{
	"show-statistic":    command.CodeShowStatistic,
	"show-conf":         command.CodeShowConf,
	"show-pmtu":         command.CodeShowPMTU,
	"show-pr-entry":     command.CodeShowPREntry,
	"show-route":        command.CodeShowRoute,
	"add-pr-entry":      command.CodeAddPREntry,
	"del-pr-entry":      command.CodeDelPREntry,
	"delall-pr-entry":   command.CodeDelAllPREntry,
	"enable-pr-entry":   command.CodeEnablePREntry,
	"disable-pr-entry":  command.CodeDisablePREntry,
	"set-debug-log":     command.CodeSetDebugLog,
	"set-force-frag":    command.CodeSetForceFrag,
	"set-pmtud-mode":    command.CodeSetPMTUDMode,
	"set-pmtud-exptime": command.CodeSetPMTUDExpTime,
	"set-device-mtu":    command.CodeSetDeviceMTU,
	"shutdown":          command.CodeShutdown,
	"restart":           command.CodeRestart,
}

func main() {
	var plane string
	flag.StringVar(&plane, "plane", "", "plane name of the target m46ed instance")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if plane == "" || len(args) == 0 {
		usage()
		os.Exit(2)
	}

	code, ok := subcommands[args[0]]
	if !ok {
		fmt.Fprintf(os.Stderr, "m46ectl: unknown command %q\n", args[0])
		usage()
		os.Exit(2)
	}

	body := strings.Join(args[1:], " ")

	conn, err := command.DialExternal(plane)
	if err != nil {
		fmt.Fprintf(os.Stderr, "m46ectl: connect to plane %q: %v\n", plane, err)
		os.Exit(1)
	}
	defer conn.Close()

	if err := conn.Send(command.Frame{Code: code, Body: []byte(body)}); err != nil {
		fmt.Fprintf(os.Stderr, "m46ectl: send: %v\n", err)
		os.Exit(1)
	}

	reply, err := conn.Recv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "m46ectl: recv: %v\n", err)
		os.Exit(1)
	}

	result, err := command.UnmarshalResult(reply.Body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "m46ectl: malformed reply: %v\n", err)
		os.Exit(1)
	}

	if !result.OK {
		fmt.Fprintln(os.Stderr, result.Message)
		os.Exit(1)
	}
	if result.Message != "" {
		fmt.Print(result.Message)
	}
}
