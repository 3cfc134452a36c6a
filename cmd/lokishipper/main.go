// Command lokishipper runs a standalone loki-shipper handler: it reads
// newline-delimited JSON events from stdin (the shape a host logging
// facade would hand the agent) and ships them to Loki in batches, exactly
// as a HandlerInstance would inside a larger process.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/prime-radiant-inc/loki-shipper/internal/shipper"
)

// cliFlags is a small flag.FlagSet wrapper: no cobra, one struct the rest
// of main() reads from.
type cliFlags struct {
	ID         string
	ConfigPath string
	LokiURL    string
	Storage    string
	DataDir    string
	Status     bool
}

func parseCLIFlags(args []string) (cliFlags, error) {
	fs := flag.NewFlagSet("lokishipper", flag.ContinueOnError)

	var flags cliFlags
	fs.StringVar(&flags.ID, "id", "", "Handler id (default: a generated uuid)")
	fs.StringVar(&flags.ConfigPath, "config", "", "Path to a HandlerConfig TOML file")
	fs.StringVar(&flags.LokiURL, "loki-url", "", "Loki push base URL")
	fs.StringVar(&flags.Storage, "storage", "", "Buffer backend: disk or memory")
	fs.StringVar(&flags.DataDir, "data-dir", "", "Persistent backend directory")
	fs.BoolVar(&flags.Status, "status", false, "Print the attached handler's id and configuration and exit")

	if err := fs.Parse(args); err != nil {
		return cliFlags{}, err
	}
	return flags, nil
}

func loadConfig(flags cliFlags) (shipper.HandlerConfig, error) {
	cfg := shipper.DefaultHandlerConfig()

	if flags.ConfigPath != "" {
		data, err := os.ReadFile(flags.ConfigPath)
		if err != nil {
			return shipper.HandlerConfig{}, fmt.Errorf("read config: %w", err)
		}
		cfg, err = shipper.LoadHandlerConfigTOML(data)
		if err != nil {
			return shipper.HandlerConfig{}, err
		}
	}

	cfg = shipper.ApplyEnvOverrides(cfg, "LOKISHIPPER_", os.LookupEnv)

	if flags.LokiURL != "" {
		cfg.LokiURL = flags.LokiURL
	}
	if flags.Storage != "" {
		cfg.Storage = shipper.StorageBackend(flags.Storage)
	}
	if flags.DataDir != "" {
		cfg.DataDir = flags.DataDir
	}

	return cfg, nil
}

func main() {
	flags, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error parsing flags: %v\n", err)
		os.Exit(1)
	}

	cfg, err := loadConfig(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}

	id := flags.ID
	if id == "" {
		id = uuid.New().String()
	}

	registry := shipper.NewRegistry(log.Default())

	handler, err := registry.Attach(id, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error attaching handler: %v\n", err)
		os.Exit(1)
	}
	defer registry.Detach(id)

	if flags.Status {
		printStatus(handler)
		return
	}

	log.Printf("lokishipper: attached id=%s loki_url=%s storage=%s", id, cfg.LokiURL, cfg.Storage)
	log.Printf("lokishipper: reading newline-delimited events from stdin")

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var event rawEvent
		if err := json.Unmarshal(line, &event); err != nil {
			log.Printf("lokishipper: skipping malformed event: %v", err)
			continue
		}
		handler.StoreEvent(event.toEvent())
	}
	if err := scanner.Err(); err != nil {
		log.Printf("lokishipper: stdin read error: %v", err)
	}

	if err := handler.Flush(); err != nil {
		log.Printf("lokishipper: final flush failed: %v", err)
	}
}

// rawEvent is the JSON wire shape of shipper.Event: level, msg (plain
// string), and an arbitrary meta map.
type rawEvent struct {
	Level string                 `json:"level"`
	Msg   string                 `json:"msg"`
	Meta  map[string]interface{} `json:"meta"`
}

func (r rawEvent) toEvent() shipper.Event {
	return shipper.Event{
		Level: shipper.Level(r.Level),
		Msg:   shipper.NewTextMessage(r.Msg),
		Meta:  r.Meta,
	}
}

// printStatus prints the attached handler's id and current config, with
// large counts humanized via go-humanize. It does not report how many
// entries are currently buffered.
func printStatus(h *shipper.HandlerInstance) {
	cfg := h.GetConfig()
	fmt.Printf("handler:        %s\n", h.ID())
	fmt.Printf("loki url:       %s\n", cfg.LokiURL)
	fmt.Printf("storage:        %s\n", cfg.Storage)
	fmt.Printf("max buffer:     %s entries\n", humanize.Comma(int64(cfg.MaxBufferSize)))
	fmt.Printf("batch size:     %s entries\n", humanize.Comma(int64(cfg.BatchSize)))
	fmt.Printf("batch interval: %v\n", cfg.BatchInterval())
}
