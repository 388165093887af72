// Command lcyt sends a caption, heartbeat or clock sync to YouTube, either directly or
// through a relay.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/lcyt/lcyt-relay/client"
	"github.com/lcyt/lcyt-relay/youtube"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

var (
	flagConfig    = pflag.String("config", "", "Client config file (default ~/.lcyt-config.json)")
	flagStreamKey = pflag.StringP("stream-key", "k", "", "YouTube stream key, overrides the config file")
	flagBaseURL   = pflag.String("base-url", "", "Caption ingestion URL, overrides the config file")
	flagRegion    = pflag.Bool("region", false, "Prefix captions with the region and cue identifiers")
	flagSequence  = pflag.Int("sequence", -1, "Sequence number to send with, overrides the config file")
	flagTimestamp = pflag.StringP("timestamp", "t", "", "ISO 8601 caption timestamp (default now)")
	flagHeartbeat = pflag.Bool("heartbeat", false, "Send a heartbeat instead of a caption")
	flagSync      = pflag.Bool("sync", false, "Estimate the clock offset to the ingestion server")
	flagTest      = pflag.Bool("test", false, "Send the two line test caption")
	flagSave      = pflag.Bool("save", false, "Write the stream key and next sequence back to the config file")

	flagBackend = pflag.String("backend", "", "Relay base URL. Captions go through the relay when set")
	flagAPIKey  = pflag.String("api-key", "", "Relay API key")
	flagDomain  = pflag.String("domain", client.DefaultDomain, "Origin to bind the relay session to")
	flagEnd     = pflag.Bool("end", false, "End the relay session after sending")

	flagVerbose = pflag.BoolP("verbose", "v", false, "Verbose logging")
)

func main() {
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: lcyt [flags] [caption text]\n")
		pflag.PrintDefaults()
	}
	pflag.Parse()
	zerolog.SetGlobalLevel(zerolog.WarnLevel)
	if *flagVerbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	text := strings.Join(pflag.Args(), " ")
	if text == "" && !*flagHeartbeat && !*flagSync && !*flagTest {
		pflag.Usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	var err error
	if *flagBackend != "" {
		err = viaRelay(ctx, text)
	} else {
		err = direct(ctx, text)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "lcyt:", err)
		os.Exit(1)
	}
}

func configPath() (string, error) {
	if *flagConfig != "" {
		return *flagConfig, nil
	}
	return youtube.DefaultConfigPath()
}

func direct(ctx context.Context, text string) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	cfg, err := youtube.LoadConfig(path)
	if err != nil {
		return err
	}
	if *flagStreamKey != "" {
		cfg.StreamKey = *flagStreamKey
	}
	if *flagBaseURL != "" {
		cfg.BaseURL = *flagBaseURL
	}
	if *flagSequence >= 0 {
		cfg.Sequence = *flagSequence
	}
	sender := youtube.NewSender(youtube.Options{
		StreamKey: cfg.StreamKey,
		BaseURL:   cfg.BaseURL,
		Region:    cfg.Region,
		Cue:       cfg.Cue,
		UseRegion: *flagRegion,
		Sequence:  cfg.Sequence,
	})
	if err := sender.Start(); err != nil {
		return err
	}
	defer sender.End()

	switch {
	case *flagSync:
		res, err := sender.Sync(ctx)
		if err != nil {
			return err
		}
		return printJSON(res)
	case *flagHeartbeat:
		res, err := sender.Heartbeat(ctx)
		if err != nil {
			return err
		}
		return printJSON(res)
	case *flagTest:
		res, err := sender.SendTest(ctx)
		if err != nil {
			return err
		}
		if err := printJSON(res); err != nil {
			return err
		}
	default:
		var ts time.Time
		if *flagTimestamp != "" {
			if ts, err = youtube.ParseTimestamp(*flagTimestamp); err != nil {
				return err
			}
		}
		res, err := sender.Send(ctx, text, ts)
		if err != nil {
			return err
		}
		if err := printJSON(res); err != nil {
			return err
		}
		if !res.OK() {
			return fmt.Errorf("YouTube returned status %d", res.StatusCode)
		}
	}
	if *flagSave {
		cfg.Sequence = sender.Sequence()
		return youtube.SaveConfig(cfg, path)
	}
	return nil
}

func viaRelay(ctx context.Context, text string) error {
	if *flagAPIKey == "" || *flagStreamKey == "" {
		return fmt.Errorf("--api-key and --stream-key are required with --backend")
	}
	seq := 0
	if *flagSequence >= 0 {
		seq = *flagSequence
	}
	sender := client.NewSender(client.Options{
		BaseURL:   *flagBackend,
		APIKey:    *flagAPIKey,
		StreamKey: *flagStreamKey,
		Domain:    *flagDomain,
		Sequence:  seq,
	})
	if err := sender.Start(ctx); err != nil {
		return err
	}
	var out interface{}
	var err error
	switch {
	case *flagSync:
		out, err = sender.Sync(ctx)
	case *flagHeartbeat:
		out, err = sender.Heartbeat(ctx)
	default:
		if *flagTest {
			text = "HELLO"
		}
		out, err = sender.Send(ctx, client.Caption{Text: text, Timestamp: *flagTimestamp})
	}
	if err != nil {
		return err
	}
	if err := printJSON(out); err != nil {
		return err
	}
	if *flagEnd {
		return sender.End(ctx)
	}
	return nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
