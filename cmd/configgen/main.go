package main

import (
	"flag"

	"github.com/danmuck/zonectl/internal/config"
	"github.com/danmuck/zonectl/internal/logging"
	"github.com/rs/zerolog/log"
)

func main() {
	kind := flag.String("kind", "host", "config kind: host|zone")
	output := flag.String("output", "", "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing config file")
	input := flag.String("input", "", "config path for validation (defaults to cmd/zonectl/ex.config.toml)")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()
	logging.ConfigureRuntime()

	if *validate {
		path := *input
		if path == "" {
			path = "cmd/zonectl/ex.config.toml"
		}
		if _, err := config.Load(path); err != nil {
			log.Fatal().Err(err).Msg("configgen")
		}
		log.Info().Msgf("configgen validated path=%s", path)
		return
	}

	target := *output
	if target == "" {
		switch *kind {
		case "host":
			target = "cmd/zonectl/config.toml"
		case "zone":
			target = "cmd/zonectl/zone.config.toml"
		default:
			log.Fatal().Msgf("configgen unknown kind=%s", *kind)
		}
	}

	if err := config.WriteTemplate(target, *kind, *force); err != nil {
		log.Fatal().Err(err).Msg("configgen")
	}
	log.Info().Msgf("configgen wrote kind=%s path=%s", *kind, target)
}
