/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	audioDir        string
	bind            string
	language        string
	openaiAPIKey    string
	openaiModel     string
	port            int
	prefix          string
	profile         bool
	roomTimeout     time.Duration
	tlsCert         string
	tlsKey          string
	transitionDelay time.Duration
	verbose         bool
	version         bool
}

func (c *Config) validate() error {
	if (c.tlsCert == "") != (c.tlsKey == "") {
		return errors.New("both --tls-cert and --tls-key must be provided together")
	}
	if c.port < 1 || c.port > 65535 {
		return fmt.Errorf("invalid port (must be between 1-65535 inclusive): %d", c.port)
	}
	if c.transitionDelay < 0 {
		return fmt.Errorf("invalid transition delay: %s", c.transitionDelay)
	}
	return nil
}

func (c *Config) scheme() string {
	if c.tlsCert != "" && c.tlsKey != "" {
		return "https"
	}
	return "http"
}

func newCmd(cfg *Config) *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("STORYBOX")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "storybox",
		Short:         "A collaborative AI storytelling party game, served over WebSockets.",
		Args:          cobra.ExactArgs(0),
		SilenceErrors: true,
		Version:       releaseVersion,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.validate(); err != nil {
				return err
			}
			return ServePage(cmd.Context(), cfg, args)
		},
	}

	fs := cmd.Flags()

	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	fs.StringVar(&cfg.audioDir, "audio-dir", "", "directory for generated narration files, empty to use a temp dir (env: STORYBOX_AUDIO_DIR)")
	fs.StringVarP(&cfg.bind, "bind", "b", "0.0.0.0", "address to bind to (env: STORYBOX_BIND)")
	fs.StringVar(&cfg.language, "language", "Persian (Farsi)", "language stories are generated in (env: STORYBOX_LANGUAGE)")
	fs.StringVar(&cfg.openaiAPIKey, "openai-api-key", "", "OpenAI API key, empty to disable generation (env: STORYBOX_OPENAI_API_KEY)")
	fs.StringVar(&cfg.openaiModel, "openai-model", "gpt-3.5-turbo", "chat model used for story generation (env: STORYBOX_OPENAI_MODEL)")
	fs.IntVarP(&cfg.port, "port", "p", 8081, "port to listen on (env: STORYBOX_PORT)")
	fs.StringVar(&cfg.prefix, "prefix", "", "path to prepend to all URLs, for use behind reverse proxy (env: STORYBOX_PREFIX)")
	fs.BoolVar(&cfg.profile, "profile", false, "register net/http/pprof handlers (env: STORYBOX_PROFILE)")
	fs.DurationVar(&cfg.roomTimeout, "room-timeout", 60*time.Minute, "time before idle game rooms are ended (env: STORYBOX_ROOM_TIMEOUT)")
	fs.StringVar(&cfg.tlsCert, "tls-cert", "", "path to tls certificate (env: STORYBOX_TLS_CERT)")
	fs.StringVar(&cfg.tlsKey, "tls-key", "", "path to tls keyfile (env: STORYBOX_TLS_KEY)")
	fs.DurationVar(&cfg.transitionDelay, "transition-delay", 2*time.Second, "duration of the round transition banner (env: STORYBOX_TRANSITION_DELAY)")
	fs.BoolVarP(&cfg.verbose, "verbose", "v", false, "display additional output (env: STORYBOX_VERBOSE)")
	fs.BoolVarP(&cfg.version, "version", "V", false, "display version and exit (env: STORYBOX_VERSION)")

	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			_ = fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name)))
		}
	})

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	cmd.SetVersionTemplate("storybox v{{.Version}}\n")

	cmd.SilenceErrors = true
	cmd.SilenceUsage = true

	return cmd
}
