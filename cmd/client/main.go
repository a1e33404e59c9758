package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"ttun/internal/config"
	"ttun/internal/inspect"
)

// Set with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var v *viper.Viper

	cmd := &cobra.Command{
		Use:          "ttun <port>",
		Short:        "Expose a local port through a ttun server",
		Version:      version,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := resolveOptions(v, args[0])
			if err != nil {
				return err
			}
			return run(cmd.Context(), opts, cmd.OutOrStdout())
		},
	}

	f := cmd.Flags()
	f.String("server", "", "tunnel server URL (default from the settings file)")
	f.StringP("subdomain", "s", "", "requested subdomain")
	f.StringP("to", "t", "127.0.0.1", "host to proxy requests to")
	f.Bool("https", false, "the local target speaks https")
	f.StringArrayP("header", "H", nil, `extra header added to every proxied request, "Name: value" (repeatable)`)
	f.String("inspect-host", "127.0.0.1", "inspection server bind address")
	f.Int("inspect-port", inspect.DefaultPort, "first port tried for the inspection server")
	f.String("log-store", config.LogStoreMemory, "exchange log backend: memory or sqlite")
	f.String("log-level", "info", "debug, info, warn or error")
	f.Bool("reconnect", false, "reconnect with backoff when the tunnel drops")
	f.String("config", config.DefaultPath(), "settings file")

	v = newViper(f)
	return cmd
}

// newViper layers TTUN_* environment variables under the flags.
func newViper(f *pflag.FlagSet) *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("TTUN")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	v.BindPFlags(f)
	return v
}

func resolveOptions(v *viper.Viper, portArg string) (config.Options, error) {
	port, err := config.ParsePort(portArg)
	if err != nil {
		return config.Options{}, err
	}
	level, err := config.ParseLevel(v.GetString("log-level"))
	if err != nil {
		return config.Options{}, err
	}
	headers, err := config.ParseHeaders(v.GetStringSlice("header"))
	if err != nil {
		return config.Options{}, err
	}

	server := v.GetString("server")
	if server == "" {
		path := v.GetString("config")
		settings, err := config.Load(path)
		if err != nil {
			return config.Options{}, err
		}
		server, err = settings.ServerURL()
		if err != nil {
			return config.Options{}, fmt.Errorf("%w: pass --server or add a valid server hostname in %s", err, path)
		}
	}

	opts := config.Options{
		Port:        port,
		Server:      server,
		Subdomain:   v.GetString("subdomain"),
		To:          v.GetString("to"),
		HTTPS:       v.GetBool("https"),
		Headers:     headers,
		InspectHost: v.GetString("inspect-host"),
		InspectPort: v.GetInt("inspect-port"),
		LogStore:    v.GetString("log-store"),
		LogLevel:    level,
		Reconnect:   v.GetBool("reconnect"),
	}
	return opts, opts.Validate()
}
