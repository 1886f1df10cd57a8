// Utility for importing OAuth tokens

package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/greendrive/vehicle-score/pkg/cli"
	"github.com/greendrive/vehicle-score/pkg/credential"
)

func usage() {
	w := flag.CommandLine.Output()
	fmt.Fprintf(w, "usage: %s [-token-name token_name] [file]\n", filepath.Base(os.Args[0]))
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Reads an OAuth token response (a JSON object with access_token, refresh_token and")
	fmt.Fprintln(w, "expires_in) from stdin or file and saves it under token_name in the system keyring.")
	fmt.Fprintf(w, "The token_name defaults to $%s.\n", cli.EnvTokenName)
	fmt.Fprintln(w, "")
	flag.PrintDefaults()
}

func main() {
	returnCode := 1
	defer func() {
		os.Exit(returnCode)
	}()

	config, err := cli.NewConfig(cli.FlagOAuth)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load credential configuration: %s\n", err)
		return
	}

	var remove bool
	flag.BoolVar(&remove, "delete", false, "Remove the token from the keyring instead of saving one")
	config.RegisterCommandLineFlags()
	flag.Usage = usage
	flag.Parse()
	config.ReadFromEnvironment()
	if err := config.ReadFromFile(); err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %s\n", err)
		return
	}

	if config.KeyringTokenName == "" {
		fmt.Fprintf(os.Stderr, "Must provide system keyring name to save OAuth token under using -token-name or $%s\n", cli.EnvTokenName)
		return
	}

	if remove {
		if err := config.DeleteTokenFromKeyring(); err != nil {
			fmt.Fprintf(os.Stderr, "Error removing token from keyring: %s\n", err)
			return
		}
		returnCode = 0
		return
	}

	var data []byte
	switch flag.NArg() {
	case 0:
		data, err = io.ReadAll(os.Stdin)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading token from stdin: %s\n", err)
			return
		}
	case 1:
		data, err = os.ReadFile(flag.Arg(0))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading token from file: %s\n", err)
			return
		}
	default:
		fmt.Fprintln(os.Stderr, "Too many command-line arguments")
		return
	}

	token, err := cli.ParseToken(data)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing token: %s\n", err)
		return
	}
	store := credential.NewStore(nil)
	if err := token.Load(store); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing token: %s\n", err)
		return
	}
	if token.RefreshToken == "" {
		fmt.Fprintln(os.Stderr, "Warning: token has no refresh_token and cannot be renewed once it expires")
	}

	// Only the keyring is written, even if -token-file is also set.
	config.TokenFilename = ""
	if err := config.SaveCredentials(store.Get()); err != nil {
		fmt.Fprintf(os.Stderr, "Error saving token to keyring: %s\n", err)
		return
	}

	returnCode = 0
}
