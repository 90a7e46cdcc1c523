// Command newsletter runs the newsletter API server, the background delivery
// worker and a handful of operator tasks against the same database.
//
//	@title          Newsletter API
//	@version        1.0
//	@description    Subscriptions, idempotent newsletter publishing and delivery queue administration.
//	@BasePath       /api/v1
package main

import (
	"os"

	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-newsletter-backend/cmd/newsletter/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Error().Err(err).Msg("newsletter exited with error")
		os.Exit(1)
	}
}
