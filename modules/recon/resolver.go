//go:build ignore

// Resolves the configured hostnames and prints every address found.
package resolver

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/tldr-it-stepankutaj/mop/pkg/modkit"
)

const Revision = "0.1.0"

var settings = map[string]*modkit.Setting{
	"hosts": {Value: "", Required: true, Description: "Hostnames to resolve, comma separated"},
}

func Params() map[string]*modkit.Setting { return settings }

func Set(key, value string) error {
	s, ok := settings[key]
	if !ok {
		return modkit.UnknownSetting(key)
	}
	s.Value = value
	return nil
}

func Run(ctx context.Context) error {
	var r net.Resolver
	for _, host := range strings.Split(fmt.Sprint(settings["hosts"].Value), ",") {
		host = strings.TrimSpace(host)
		if host == "" {
			continue
		}
		addrs, err := r.LookupHost(ctx, host)
		if err != nil {
			fmt.Printf("[!] %s: %v\n", host, err)
			continue
		}
		fmt.Printf("%s: %s\n", host, strings.Join(addrs, ", "))
	}
	return nil
}
