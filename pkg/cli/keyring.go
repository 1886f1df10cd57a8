package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/99designs/keyring"
	"golang.org/x/term"
)

const (
	keyringServiceName  = "com.greendrive.auth"
	keyringTokenService = "oauthtoken"
	keyringDirectory    = "~/.greendrive_keys"
)

type backendType struct {
	config *Config
}

func (b backendType) String() string {
	if b.config == nil || len(b.config.Backend.AllowedBackends) == 0 {
		return string(keyring.InvalidBackend)
	}
	return string(b.config.Backend.AllowedBackends[0])
}

func (b backendType) Set(v string) error {
	value := keyring.BackendType(v)
	if b.config == nil {
		return fmt.Errorf("invalid backendType")
	}
	if v == "" {
		return nil
	}
	for _, name := range keyring.AvailableBackends() {
		if name == value {
			b.config.Backend.AllowedBackends = []keyring.BackendType{name}
			return nil
		}
	}
	return fmt.Errorf("unsupported credential storage")
}

func (c *Config) getPassword(prompt string) (string, error) {
	if c.password != nil && *c.password != "" {
		return *c.password, nil
	}

	var w io.Writer
	fd := int(os.Stdout.Fd())
	if !term.IsTerminal(fd) {
		fd = int(os.Stderr.Fd())
		if !term.IsTerminal(fd) {
			return "", fmt.Errorf("no terminal output available for password prompt")
		}
		w = os.Stderr
	} else {
		w = os.Stdout
	}

	fmt.Fprintf(w, "%s: ", prompt)
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	if err != nil {
		return "", err
	}
	fmt.Fprintln(w)
	password := string(b)
	c.password = &password
	return password, nil
}

func (c *Config) openKeyring() (keyring.Keyring, error) {
	if c.Backend.FileDir == "" {
		c.Backend.FileDir = keyringDirectory
	}
	keyring.Debug = c.Debug
	return keyring.Open(c.Backend)
}

func (c *Config) fullTokenName() string {
	return keyringTokenService + "." + c.KeyringTokenName
}

// LoadTokenFromKeyring loads a serialized OAuth [Token] from the system keyring.
//
// The user must match the value provided to SaveTokenToKeyring.
func (c *Config) LoadTokenFromKeyring() ([]byte, error) {
	kr, err := c.openKeyring()
	if err != nil {
		return nil, err
	}

	item, err := kr.Get(c.fullTokenName())
	if err != nil {
		return nil, fmt.Errorf("could not load token: %w", err)
	}
	return item.Data, nil
}

// SaveTokenToKeyring writes a serialized OAuth [Token] to the system keyring.
//
// c.KeyringTokenName identifies the token for future use with LoadTokenFromKeyring and does not
// necessarily need to match the system username.
func (c *Config) SaveTokenToKeyring(token []byte) error {
	kr, err := c.openKeyring()
	if err != nil {
		return err
	}

	if err := kr.Set(keyring.Item{
		Key:   c.fullTokenName(),
		Data:  token,
		Label: "GreenDrive OAuth token",
	}); err != nil {
		return fmt.Errorf("failed to enroll token in keyring: %s", err)
	}
	return nil
}

// DeleteTokenFromKeyring removes the OAuth token from the system keyring.
func (c *Config) DeleteTokenFromKeyring() error {
	kr, err := c.openKeyring()
	if err != nil {
		return err
	}
	return kr.Remove(c.fullTokenName())
}
