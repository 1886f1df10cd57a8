package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/greendrive/vehicle-score/pkg/account"
	"github.com/greendrive/vehicle-score/pkg/cli"
	"github.com/greendrive/vehicle-score/pkg/history"
	"github.com/greendrive/vehicle-score/pkg/score"
)

var (
	ErrCommandLineArgs = errors.New("invalid command line arguments")
	ErrRequiresOAuth   = errors.New("command requires a FleetAPI OAuth token")
	ErrRequiresHistory = errors.New("command requires a score history database (-history-db)")
	ErrUnknownCommand  = errors.New("unrecognized command")
	ErrUnknownFormat   = errors.New("FORMAT must be text or json")
)

type Argument struct {
	name string
	help string
}

// environment holds what a command may act on. Fields are nil when not configured.
type environment struct {
	acct   *account.Account
	scores *history.Store
	out    io.Writer
}

type Handler func(ctx context.Context, env *environment, args map[string]string) error

type Command struct {
	help             string
	requiresFleetAPI bool // True if command requires client-to-server authentication (OAuth token)
	requiresHistory  bool // True if command reads the score history
	args             []Argument
	optional         []Argument
	handler          Handler
}

// configureFlags verifies that c contains all the information required to execute a command.
func configureFlags(c *cli.Config, commandName string) error {
	info, ok := commands[commandName]
	if !ok {
		return ErrUnknownCommand
	}
	haveOAuth := !(c.KeyringTokenName == "" && c.TokenFilename == "")
	_, err := checkReadiness(commandName, haveOAuth, c.HistoryDB != "")
	if err != nil {
		return err
	}
	if !info.requiresFleetAPI {
		c.Flags &^= cli.FlagOAuth
	}
	return nil
}

func checkReadiness(commandName string, haveOAuth, haveHistory bool) (*Command, error) {
	info, ok := commands[commandName]
	if !ok {
		return nil, ErrUnknownCommand
	}
	if info.requiresFleetAPI && !haveOAuth {
		return nil, ErrRequiresOAuth
	}
	if info.requiresHistory && !haveHistory {
		return nil, ErrRequiresHistory
	}
	return info, nil
}

func execute(ctx context.Context, env *environment, args []string) error {
	if len(args) == 0 {
		return errors.New("missing COMMAND")
	}

	info, err := checkReadiness(args[0], env.acct != nil, env.scores != nil)
	if err != nil {
		return err
	}

	if len(args)-1 < len(info.args) || len(args)-1 > len(info.args)+len(info.optional) {
		writeErr("Invalid number of command line arguments: %d (%d required, %d optional).", len(args)-1, len(info.args), len(info.optional))
		err = ErrCommandLineArgs
	} else {
		keywords := make(map[string]string)
		for i, argInfo := range info.args {
			keywords[argInfo.name] = args[i+1]
		}
		index := len(info.args) + 1
		for _, argInfo := range info.optional {
			if index >= len(args) {
				break
			}
			keywords[argInfo.name] = args[index]
			index++
		}
		err = info.handler(ctx, env, keywords)
	}

	// Print command-specific help
	if errors.Is(err, ErrCommandLineArgs) {
		info.Usage(args[0])
	}
	return err
}

func (c *Command) Usage(name string) {
	fmt.Printf("Usage: %s", name)
	maxLength := 0
	for _, arg := range c.args {
		fmt.Printf(" %s", arg.name)
		if len(arg.name) > maxLength {
			maxLength = len(arg.name)
		}
	}
	if len(c.optional) > 0 {
		fmt.Printf(" [")
	}
	for _, arg := range c.optional {
		fmt.Printf(" %s", arg.name)
		if len(arg.name) > maxLength {
			maxLength = len(arg.name)
		}
	}
	if len(c.optional) > 0 {
		fmt.Printf(" ]")
	}
	fmt.Printf("\n%s\n", c.help)
	maxLength++
	for _, arg := range c.args {
		fmt.Printf("    %s:%s%s\n", arg.name, strings.Repeat(" ", maxLength-len(arg.name)), arg.help)
	}
	for _, arg := range c.optional {
		fmt.Printf("    %s:%s%s\n", arg.name, strings.Repeat(" ", maxLength-len(arg.name)), arg.help)
	}
}

func printJSON(w io.Writer, v interface{}) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func parseFormat(args map[string]string) (asJSON bool, err error) {
	switch strings.ToLower(args["FORMAT"]) {
	case "", "text":
		return false, nil
	case "json":
		return true, nil
	}
	return false, fmt.Errorf("%w: %w", ErrCommandLineArgs, ErrUnknownFormat)
}

func printScore(w io.Writer, gs *score.GreenScore) error {
	fmt.Fprintf(w, "VIN:   %s\n", gs.VIN)
	fmt.Fprintf(w, "Model: %s\n", gs.Model)
	fmt.Fprintf(w, "Score: %d/%d (%s, %.2f%% rate reduction)\n\n", gs.TotalScore, gs.MaxPossible, gs.Tier, gs.RateReduction)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, category := range score.Categories() {
		entry := gs.Breakdown[category]
		fmt.Fprintf(tw, "  %s\t%d/%d\t%s\n", category, entry.Score, entry.Max, entry.Detail)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if len(gs.Suggestions) > 0 {
		fmt.Fprintln(w, "\nSuggestions:")
		for _, s := range gs.Suggestions {
			fmt.Fprintf(w, "  +%-3d %s\n", s.PotentialPoints, s.Action)
		}
	}
	return nil
}

var formatArgument = Argument{name: "FORMAT", help: "text (default) or json"}

var commands = map[string]*Command{
	"vehicles": &Command{
		help:             "List vehicles on the account",
		requiresFleetAPI: true,
		handler: func(ctx context.Context, env *environment, args map[string]string) error {
			vehicles, err := env.acct.Vehicles(ctx)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(env.out, 0, 4, 2, ' ', 0)
			for _, v := range vehicles {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", v.VIN, v.DisplayName, v.State)
			}
			return tw.Flush()
		},
	},
	"vehicle-data": &Command{
		help:             "Fetch the latest dashboard data of a vehicle, waking it if needed",
		requiresFleetAPI: true,
		args: []Argument{
			Argument{name: "VIN", help: "Vehicle Identification Number"},
		},
		handler: func(ctx context.Context, env *environment, args map[string]string) error {
			snapshot, err := env.acct.VehicleSnapshot(ctx, args["VIN"])
			if err != nil {
				return err
			}
			return printJSON(env.out, snapshot)
		},
	},
	"score": &Command{
		help:             "Compute the GreenDrive Score of a vehicle",
		requiresFleetAPI: true,
		args: []Argument{
			Argument{name: "VIN", help: "Vehicle Identification Number"},
		},
		optional: []Argument{formatArgument},
		handler: func(ctx context.Context, env *environment, args map[string]string) error {
			asJSON, err := parseFormat(args)
			if err != nil {
				return err
			}
			gs, fresh, err := env.acct.GreenScore(ctx, args["VIN"])
			if err != nil {
				return err
			}
			if fresh && env.scores != nil {
				if _, err := env.scores.Append(ctx, gs); err != nil {
					writeErr("Failed to record score: %s", err)
				}
			}
			if asJSON {
				return printJSON(env.out, gs)
			}
			return printScore(env.out, gs)
		},
	},
	"score-history": &Command{
		help:            "List recorded GreenDrive Scores of a vehicle, most recent first",
		requiresHistory: true,
		args: []Argument{
			Argument{name: "VIN", help: "Vehicle Identification Number"},
		},
		optional: []Argument{
			Argument{name: "LIMIT", help: "Maximum number of scores to list (default " + strconv.Itoa(history.DefaultLimit) + ")"},
		},
		handler: func(ctx context.Context, env *environment, args map[string]string) error {
			limit := 0
			if v, ok := args["LIMIT"]; ok {
				n, err := strconv.Atoi(v)
				if err != nil || n <= 0 {
					return fmt.Errorf("%w: LIMIT must be a positive integer", ErrCommandLineArgs)
				}
				limit = n
			}
			records, err := env.scores.List(ctx, args["VIN"], limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(env.out, 0, 4, 2, ' ', 0)
			for _, r := range records {
				fmt.Fprintf(tw, "%s\t%d\t%s\n", r.ComputedAt.Format("2006-01-02 15:04:05"), r.TotalScore, r.Tier)
			}
			return tw.Flush()
		},
	},
	"charge-history": &Command{
		help:             "Fetch the charging history of a vehicle",
		requiresFleetAPI: true,
		args: []Argument{
			Argument{name: "VIN", help: "Vehicle Identification Number"},
		},
		handler: func(ctx context.Context, env *environment, args map[string]string) error {
			h, err := env.acct.ChargeHistory(ctx, args["VIN"])
			if err != nil {
				return err
			}
			return printJSON(env.out, h)
		},
	},
	"wake": &Command{
		help:             "Wake up a vehicle and wait until it's online",
		requiresFleetAPI: true,
		args: []Argument{
			Argument{name: "VIN", help: "Vehicle Identification Number"},
		},
		handler: func(ctx context.Context, env *environment, args map[string]string) error {
			if err := env.acct.Wake(ctx, args["VIN"]); err != nil {
				return err
			}
			fmt.Fprintln(env.out, "online")
			return nil
		},
	},
	"tiers": &Command{
		help: "List GreenDrive tiers and their loan rate reductions",
		handler: func(ctx context.Context, env *environment, args map[string]string) error {
			tw := tabwriter.NewWriter(env.out, 0, 4, 2, ' ', 0)
			for _, tier := range score.DefaultTiers {
				fmt.Fprintf(tw, "%s\t%d-%d\t%.2f%%\t%s\n", tier.Name, tier.MinScore, tier.MaxScore, tier.RateReduction, tier.Color)
			}
			return tw.Flush()
		},
	},
	"get": &Command{
		help:             "GET a Fleet API http ENDPOINT. Hostname will be taken from -region.",
		requiresFleetAPI: true,
		args: []Argument{
			Argument{name: "ENDPOINT", help: "Fleet API endpoint"},
		},
		handler: func(ctx context.Context, env *environment, args map[string]string) error {
			reply, err := env.acct.Get(ctx, args["ENDPOINT"])
			if err != nil {
				return err
			}
			fmt.Fprintln(env.out, string(reply))
			return nil
		},
	},
	"clear-cache": &Command{
		help:             "Discard cached vehicle data and scores",
		requiresFleetAPI: true,
		handler: func(ctx context.Context, env *environment, args map[string]string) error {
			env.acct.ClearCache()
			return nil
		},
	},
}
