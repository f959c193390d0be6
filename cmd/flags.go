package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// portValue is a pflag.Value that only accepts TCP ports. Port 0 asks the
// system for a free one.
type portValue int

var _ pflag.Value = (*portValue)(nil)

func newPortValue(def int) *portValue {
	p := portValue(def)
	return &p
}

func (p *portValue) String() string {
	return strconv.Itoa(int(*p))
}

func (p *portValue) Set(s string) error {
	port, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("invalid port number: %q", s)
	}
	if port < 0 || port > 65535 {
		return fmt.Errorf("port must be between 0 and 65535, got %d", port)
	}
	*p = portValue(port)
	return nil
}

// Type reports int so that Viper converts the bound value like an int flag.
func (p *portValue) Type() string {
	return "int"
}

// bindFlags binds each named flag to its configuration key.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet, keys map[string]string) error {
	for name, key := range keys {
		flag := flags.Lookup(name)
		if flag == nil {
			return fmt.Errorf("unknown flag %q", name)
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("binding --%s to %s: %w", name, key, err)
		}
	}
	return nil
}
