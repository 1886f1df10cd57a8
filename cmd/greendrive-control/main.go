package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/shlex"

	"github.com/greendrive/vehicle-score/internal/log"
	"github.com/greendrive/vehicle-score/pkg/account"
	"github.com/greendrive/vehicle-score/pkg/cli"
	"github.com/greendrive/vehicle-score/pkg/fleetapi"
)

func writeErr(format string, a ...interface{}) {
	fmt.Fprintf(os.Stderr, format, a...)
	fmt.Fprintf(os.Stderr, "\n")
}

const usage = `
 * Commands that read vehicle data require a token (-token-name or -token-file).
 * Score history commands require -history-db.
 * Run without a COMMAND to start an interactive shell.`

func Usage() {
	fmt.Printf("Usage: %s [OPTION...] COMMAND [ARG...]\n", os.Args[0])
	fmt.Printf("\nRun %s help COMMAND for more information. Valid COMMANDs are listed below.", os.Args[0])
	fmt.Println("")
	fmt.Println(usage)
	fmt.Println("")

	fmt.Printf("Available OPTIONs:\n")
	flag.PrintDefaults()
	fmt.Println("")
	fmt.Printf("Available COMMANDs:\n")
	maxLength := 0
	var labels []string
	for command := range commands {
		labels = append(labels, command)
		if len(command) > maxLength {
			maxLength = len(command)
		}
	}
	sort.Strings(labels)
	for _, command := range labels {
		info := commands[command]
		fmt.Printf("  %s%s %s\n", command, strings.Repeat(" ", maxLength-len(command)), info.help)
	}
}

func runCommand(env *environment, args []string, timeout time.Duration) int {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := execute(ctx, env, args); err != nil {
		switch {
		case errors.Is(err, fleetapi.ErrAuthExpired):
			writeErr("OAuth token expired and could not be refreshed; import a new one with greendrive-auth-token")
		case errors.Is(err, fleetapi.ErrVehicleUnreachable):
			writeErr("Vehicle did not come online: %s", err)
		case errors.Is(err, account.ErrInvalidVIN):
			writeErr("VIN must be 17 characters (A-Z excluding I, O and Q, and 0-9)")
		default:
			writeErr("Failed to execute command: %s", err)
		}
		return 1
	}
	return 0
}

func runInteractiveShell(env *environment, timeout time.Duration) int {
	scanner := bufio.NewScanner(os.Stdin)
	for fmt.Printf("> "); scanner.Scan(); fmt.Printf("> ") {
		args, err := shlex.Split(scanner.Text())
		if len(args) == 0 {
			continue
		}
		if args[0] == "exit" {
			return 0
		}
		if err != nil {
			writeErr("Invalid command: %s", err)
			continue
		}
		runCommand(env, args, timeout)
	}
	if err := scanner.Err(); err != nil {
		writeErr("Error reading command: %s", err)
		return 1
	}
	return 0
}

func main() {
	status := 1
	defer func() {
		os.Exit(status)
	}()

	var (
		debug          bool
		commandTimeout time.Duration
	)
	config, err := cli.NewConfig(cli.FlagOAuth | cli.FlagCache | cli.FlagHistory)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load credential configuration: %s\n", err)
		os.Exit(1)
	}
	flag.Usage = Usage
	flag.BoolVar(&debug, "debug", false, "Enable verbose debugging messages")
	flag.DurationVar(&commandTimeout, "command-timeout", 45*time.Second, "Set timeout for each command, including time spent waking the vehicle.")

	config.RegisterCommandLineFlags()
	flag.Parse()
	if !debug {
		if debugEnv, ok := os.LookupEnv("GREENDRIVE_VERBOSE"); ok {
			debug = debugEnv != "false" && debugEnv != "0"
		}
	}
	if debug {
		log.SetLevel(log.LevelDebug)
	}
	config.ReadFromEnvironment()
	if err := config.ReadFromFile(); err != nil {
		writeErr("Error loading configuration: %s", err)
		return
	}

	args := flag.Args()
	if len(args) > 0 {
		if args[0] == "help" {
			if len(args) == 1 {
				Usage()
				status = 0
				return
			}
			info, ok := commands[args[1]]
			if !ok {
				writeErr("Unrecognized command: %s", args[1])
				return
			}
			info.Usage(args[1])
			status = 0
			return
		}
		if err := configureFlags(config, args[0]); err != nil {
			writeErr("Missing required flag: %s", err)
			return
		}
	}

	env := &environment{out: os.Stdout}
	if err := config.LoadCredentials(); err != nil {
		if len(args) > 0 || !errors.Is(err, cli.ErrNoTokenSpecified) {
			writeErr("Error loading credentials: %s", err)
			return
		}
		log.Warning("No OAuth token configured; only offline commands are available")
	} else if config.Flags&cli.FlagOAuth != 0 {
		if env.acct, err = config.Account(); err != nil {
			writeErr("Error: %s", err)
			return
		}
		defer config.UpdateCachedSnapshots()
	}

	if env.scores, err = config.History(); err != nil {
		writeErr("Error opening score history: %s", err)
		return
	}
	if env.scores != nil {
		defer env.scores.Close()
	}

	if flag.NArg() > 0 {
		status = runCommand(env, flag.Args(), commandTimeout)
	} else {
		status = runInteractiveShell(env, commandTimeout)
	}
}
