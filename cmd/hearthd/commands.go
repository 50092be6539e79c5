package main

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/hearthd/hearth/internal/config"
	"github.com/hearthd/hearth/internal/gateway"
	"github.com/hearthd/hearth/internal/observability"
)

const defaultConfigName = "hearth.yaml"

// loadConfig reads the config file, falling back to built-in defaults when
// the default file does not exist. An explicitly named file must exist.
func loadConfig(path string, explicit bool) (*config.Config, error) {
	if !explicit {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return config.Default(), nil
		}
	}
	return config.Load(path)
}

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Hearth gateway daemon",
		Long: `Start the gateway: the WebSocket control plane, the metrics endpoint,
the complexity router, and both backend paths.

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  hearthd serve

  # Start with a custom config and debug logging
  hearthd serve --config /etc/hearth/hearth.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath, cmd.Flags().Changed("config"))
			if err != nil {
				return err
			}
			level := cfg.Logging.Level
			if debug {
				level = "debug"
			}
			logger := observability.NewLogger(observability.LogConfig{
				Level:  level,
				Format: cfg.Logging.Format,
				Output: os.Stderr,
			})

			srv, err := gateway.New(cfg, logger, version)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return srv.Run(ctx)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigName, "Path to configuration file (YAML or JSON5)")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and initialize configuration",
	}
	cmd.AddCommand(buildConfigShowCmd(), buildConfigInitCmd())
	return cmd
}

func buildConfigShowCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath, cmd.Flags().Changed("config"))
			if err != nil {
				return err
			}
			payload, err := yaml.Marshal(cfg.Redacted())
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), string(payload))
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigName, "Path to configuration file (YAML or JSON5)")
	return cmd
}

// configTemplate is the starter file written by "config init". Durations use
// Go duration syntax; omitted keys fall back to built-in defaults.
const configTemplate = `server:
  host: 127.0.0.1
  port: 8765
  metrics_port: 9465

auth:
  # Shared secret clients present during the connect handshake.
  # Leave empty to accept any client on loopback.
  token: ""
  allowed_clients: []

router:
  # Prompts scoring at or above the threshold go to the heavy backend.
  threshold: 0.5

admission:
  max_concurrent: 2

heavy:
  command: claude
  max_turns: 25
  timeout: 5m

light:
  # "native" for an Ollama-style /api/chat server, "openai" for an
  # OpenAI-compatible one (llama.cpp server, LM Studio, vLLM).
  mode: native
  base_url: http://localhost:11434
  model: qwen2.5:7b

tools:
  workspace: .
  memory_file: hearth-memory.jsonl

logging:
  level: info
  format: json
`

func buildConfigInitCmd() *cobra.Command {
	var (
		configPath string
		force      bool
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !force {
				if _, err := os.Stat(configPath); err == nil {
					return fmt.Errorf("%s already exists (use --force to overwrite)", configPath)
				}
			}
			if err := os.WriteFile(configPath, []byte(configTemplate), 0o600); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Config written: %s\n", configPath)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigName, "Path to write")
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")
	return cmd
}

func buildStatusCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Query a running daemon over its control plane",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath, cmd.Flags().Changed("config"))
			if err != nil {
				return err
			}
			health, err := fetchHealth(cfg)
			if err != nil {
				return fmt.Errorf("daemon not reachable: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Status:      %s\n", health.Status)
			fmt.Fprintf(out, "Uptime:      %s\n", (time.Duration(health.UptimeMs) * time.Millisecond).Round(time.Second))
			fmt.Fprintf(out, "Heavy:       %s\n", availabilityLabel(health.Backends.Heavy.Available))
			fmt.Fprintf(out, "Light:       %s\n", availabilityLabel(health.Backends.Light.Available))
			fmt.Fprintf(out, "Sessions:    %d\n", health.Sessions)
			fmt.Fprintf(out, "Connections: %d\n", health.Connections)
			fmt.Fprintf(out, "Admission:   %d active, %d waiting (max %d)\n",
				health.Admission.Active, health.Admission.Waiting, health.Admission.Max)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigName, "Path to configuration file (YAML or JSON5)")
	return cmd
}

func availabilityLabel(up bool) string {
	if up {
		return "available"
	}
	return "unreachable"
}

type healthReport struct {
	Status   string `json:"status"`
	UptimeMs int64  `json:"uptimeMs"`
	Backends struct {
		Heavy struct {
			Available bool `json:"available"`
		} `json:"heavy"`
		Light struct {
			Available bool `json:"available"`
		} `json:"light"`
	} `json:"backends"`
	Sessions  int `json:"sessions"`
	Admission struct {
		Active  int `json:"active"`
		Waiting int `json:"waiting"`
		Max     int `json:"max"`
	} `json:"admission"`
	Connections int `json:"connections"`
}

type cliFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Event   string          `json:"event,omitempty"`
	OK      *bool           `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// fetchHealth performs a minimal protocol exchange: wait for the challenge,
// connect, then issue a health request.
func fetchHealth(cfg *config.Config) (*healthReport, error) {
	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws", nil)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	deadline := time.Now().Add(10 * time.Second)
	_ = conn.SetReadDeadline(deadline)
	_ = conn.SetWriteDeadline(deadline)

	var challenge cliFrame
	if err := conn.ReadJSON(&challenge); err != nil {
		return nil, err
	}

	connectParams, _ := json.Marshal(map[string]any{
		"minProtocol": 1,
		"maxProtocol": 1,
		"client":      map[string]any{"id": "terminal", "version": version},
		"auth":        map[string]any{"token": cfg.Auth.Token},
	})
	res, err := roundTrip(conn, "connect", connectParams)
	if err != nil {
		return nil, err
	}
	if res.OK == nil || !*res.OK {
		if res.Error != nil {
			return nil, fmt.Errorf("connect rejected: %s", res.Error.Message)
		}
		return nil, fmt.Errorf("connect rejected")
	}

	res, err = roundTrip(conn, "health", nil)
	if err != nil {
		return nil, err
	}
	if res.OK == nil || !*res.OK {
		return nil, fmt.Errorf("health request failed")
	}
	var report healthReport
	if err := json.Unmarshal(res.Payload, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

func roundTrip(conn *websocket.Conn, method string, params json.RawMessage) (*cliFrame, error) {
	id := uuid.NewString()
	if err := conn.WriteJSON(cliFrame{Type: "req", ID: id, Method: method, Params: params}); err != nil {
		return nil, err
	}
	for {
		var frame cliFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return nil, err
		}
		if frame.Type == "res" && frame.ID == id {
			return &frame, nil
		}
		// Events and server-initiated requests are skipped; the deadline
		// bounds the whole exchange.
	}
}
