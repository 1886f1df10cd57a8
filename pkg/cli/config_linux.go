package cli

import "flag"

func (c *Config) registerFlagsOsSpecific(fs *flag.FlagSet) {
	fs.StringVar(&c.Backend.KeyCtlScope, "keyring-keyctl-scope", c.Backend.KeyCtlScope, "Kernel keyring `scope` (user|session|process|thread) for the keyctl keyring type")
}
