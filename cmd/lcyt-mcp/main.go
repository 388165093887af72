// Command lcyt-mcp serves the caption tools over the Model Context Protocol on stdio.
package main

import (
	"fmt"
	"os"

	relay "github.com/lcyt/lcyt-relay"
	"github.com/lcyt/lcyt-relay/mcpserver"
	"github.com/lcyt/lcyt-relay/youtube"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

var (
	flagBaseURL = pflag.String("base-url", "", "Caption ingestion URL (default "+youtube.DefaultBaseURL+")")
	flagRegion  = pflag.Bool("region", false, "Prefix captions with the region and cue identifiers")
	flagVerbose = pflag.BoolP("verbose", "v", false, "Verbose logging to stderr")
	flagVersion = pflag.Bool("version", false, "Print the version and exit")
)

// stdout carries the protocol, logs go to stderr
var logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

func main() {
	pflag.Parse()
	if *flagVersion {
		fmt.Println(relay.Version)
		return
	}
	zerolog.SetGlobalLevel(zerolog.WarnLevel)
	if *flagVerbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	youtube.Version = relay.Version

	sessions := mcpserver.NewSessions(func(streamKey string) mcpserver.Sender {
		return youtube.NewSender(youtube.Options{
			StreamKey: streamKey,
			BaseURL:   *flagBaseURL,
			UseRegion: *flagRegion,
		})
	}, nil)
	err := server.ServeStdio(mcpserver.NewServer(sessions, relay.Version))
	if n := sessions.Close(); n > 0 {
		logger.Info().Int("sessions", n).Msg("ended open sessions")
	}
	if err != nil {
		logger.Error().Err(err).Msg("mcp server stopped")
		os.Exit(1)
	}
}
