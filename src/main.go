package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/peterh/liner"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var (
	flagLogLevel    string
	flagTopology    string
	flagMetricsAddr string
)

// Global topology state shared by the shell commands.
var (
	topoMu          sync.Mutex
	currentTopology *Topology
	currentRegistry = prometheus.NewRegistry()
)

var rootCmd = &cobra.Command{
	Use:           "vrouter",
	Short:         "An emulated IPv4 router network with ARP, ICMP and RIPv2",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return SetLogLevel(flagLogLevel)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		startMetricsServer()
		if flagTopology != "" {
			if err := loadTopology(flagTopology); err != nil {
				return err
			}
		}
		startInteractiveShell()
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the topology until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		if flagTopology == "" {
			return errors.New("--topology is required")
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		startMetricsServer()
		if err := loadTopology(flagTopology); err != nil {
			return err
		}
		<-ctx.Done()
		LogInfo("Received interrupt signal. Cleaning up...")
		return nil
	},
}

var loadCmd = &cobra.Command{
	Use:   "load",
	Short: "Load topology from YAML file",
}

var loadTopologyCmd = &cobra.Command{
	Use:   "topology [filename]",
	Short: "Load topology from YAML file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := loadTopology(args[0]); err != nil {
			return err
		}
		topo, err := requireTopology()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Successfully loaded topology: %s\n", topo.Name())
		return nil
	},
}

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Show commands",
}

var showTopologyCmd = &cobra.Command{
	Use:   "topology",
	Short: "Show network topology",
	RunE: func(cmd *cobra.Command, args []string) error {
		topo, err := requireTopology()
		if err != nil {
			return err
		}
		topo.Dump(cmd.OutOrStdout())
		return nil
	},
}

var showRouteCmd = &cobra.Command{
	Use:   "route [node-name]",
	Short: "Show the routing table of a node",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		node, err := requireNode(args[0])
		if err != nil {
			return err
		}
		r := node.Router()
		fmt.Fprintf(cmd.OutOrStdout(), "=== Routing Table for Node: %s ===\n", node.Name())
		r.Routes().DumpRoutingTable(cmd.OutOrStdout(), r.cfg.Now())
		return nil
	},
}

var showArpCmd = &cobra.Command{
	Use:   "arp [node-name]",
	Short: "Show the ARP cache of a node",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		node, err := requireNode(args[0])
		if err != nil {
			return err
		}
		r := node.Router()
		fmt.Fprintf(cmd.OutOrStdout(), "=== ARP Cache for Node: %s ===\n", node.Name())
		r.ArpCache().Dump(cmd.OutOrStdout(), r.cfg.Now())
		return nil
	},
}

var showStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show frame counters of all nodes",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := requireTopology(); err != nil {
			return err
		}
		return dumpStats(cmd)
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run commands on nodes",
}

var runPingCmd = &cobra.Command{
	Use:   "ping [node-name] [ip-address]",
	Short: "Send an ICMP echo request from a node",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		node, err := requireNode(args[0])
		if err != nil {
			return err
		}
		dst, err := parseIPv4(args[1])
		if err != nil {
			return err
		}
		return node.Router().Ping(dst)
	},
}

func loadTopology(filename string) error {
	LogInfo("Loading topology: %s...", filename)
	reg := prometheus.NewRegistry()
	topo, err := LoadTopology(filename, reg)
	if err != nil {
		return errors.Wrap(err, "loading topology")
	}

	topoMu.Lock()
	defer topoMu.Unlock()
	if currentTopology != nil {
		if err := currentTopology.Close(); err != nil {
			LogWarn("Error stopping topology %s: %v", currentTopology.Name(), err)
		}
	}
	currentTopology = topo
	currentRegistry = reg
	topo.Start(context.Background())
	LogInfo("Successfully loaded topology: %s", topo.Name())
	return nil
}

func requireTopology() (*Topology, error) {
	topoMu.Lock()
	defer topoMu.Unlock()
	if currentTopology == nil {
		return nil, errors.New("no topology loaded, use 'load topology [filename]' first")
	}
	return currentTopology, nil
}

func requireNode(name string) (*Node, error) {
	topo, err := requireTopology()
	if err != nil {
		return nil, err
	}
	node := topo.Node(name)
	if node == nil {
		return nil, errors.Errorf("node '%s' not found in topology", name)
	}
	return node, nil
}

// gatherCurrent gathers the metrics of the loaded topology.
func gatherCurrent() ([]*dto.MetricFamily, error) {
	topoMu.Lock()
	reg := currentRegistry
	topoMu.Unlock()
	return reg.Gather()
}

func dumpStats(cmd *cobra.Command) error {
	families, err := gatherCurrent()
	if err != nil {
		return err
	}
	rows := make([][]string, 0)
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			labels := make([]string, 0, len(m.GetLabel()))
			for _, lp := range m.GetLabel() {
				labels = append(labels, lp.GetName()+"="+lp.GetValue())
			}
			value := m.GetCounter().GetValue()
			if g := m.GetGauge(); g != nil {
				value = g.GetValue()
			}
			rows = append(rows, []string{mf.GetName(), strings.Join(labels, ","), fmt.Sprintf("%g", value)})
		}
	}
	renderTable(cmd.OutOrStdout(), []string{"METRIC", "LABELS", "VALUE"}, rows)
	return nil
}

var metricsOnce sync.Once

func startMetricsServer() {
	if flagMetricsAddr == "" {
		return
	}
	metricsOnce.Do(func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(prometheus.GathererFunc(gatherCurrent), promhttp.HandlerOpts{}))
		go func() {
			LogInfo("Serving metrics on %s/metrics", flagMetricsAddr)
			if err := http.ListenAndServe(flagMetricsAddr, mux); err != nil {
				LogError("Metrics server: %v", err)
			}
		}()
	})
}

func startInteractiveShell() {
	username := os.Getenv("USER")
	if username == "" {
		username = "user"
	}

	// Liner is used for command history and other interactive CLI features
	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	historyFile := filepath.Join(os.Getenv("HOME"), ".vrouter_history")
	if f, err := os.Open(historyFile); err == nil {
		line.ReadHistory(f)
		f.Close()
	}

	fmt.Printf("Welcome to the vrouter CLI\n")
	fmt.Printf("Type 'help' for available commands or 'exit' to quit.\n\n")

	for {
		input, err := line.Prompt(fmt.Sprintf("%s@vrouter> ", username))
		if err != nil {
			if err == liner.ErrPromptAborted {
				fmt.Println("\nUse 'exit' to quit")
				continue
			}
			break
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		if input == "exit" || input == "quit" {
			fmt.Println("Goodbye!")
			break
		}
		executeCommand(input)
	}

	if f, err := os.Create(historyFile); err == nil {
		line.WriteHistory(f)
		f.Close()
	}
}

func executeCommand(input string) {
	args := strings.Fields(input)
	if len(args) == 0 {
		return
	}

	// A fresh root per line, so flags and errors don't leak between commands.
	cmd := &cobra.Command{SilenceUsage: true, SilenceErrors: true}
	cmd.AddCommand(showCmd)
	cmd.AddCommand(loadCmd)
	cmd.AddCommand(runCmd)
	cmd.AddCommand(&cobra.Command{
		Use:   "help",
		Short: "Help about any command",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("Available commands:")
			fmt.Println("  load topology <file>        - Load topology from YAML file")
			fmt.Println("  show topology               - Display loaded network topology")
			fmt.Println("  show route <node-name>      - Show the routing table of a node")
			fmt.Println("  show arp <node-name>        - Show the ARP cache of a node")
			fmt.Println("  show stats                  - Show frame counters")
			fmt.Println("  run ping <node-name> <ip>   - Send an ICMP echo request from a node")
			fmt.Println("  help                        - Show this help message")
			fmt.Println("  exit                        - Exit the shell")
		},
	})

	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		fmt.Printf("Error: %v\n", err)
	}
}

// normalizeFlag accepts --log_level style spellings for dashed flags.
func normalizeFlag(f *pflag.FlagSet, name string) pflag.NormalizedName {
	return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.SetNormalizeFunc(normalizeFlag)
	flags.StringVar(&flagLogLevel, "log-level", "info", "log level (debug, info, warn, error)")
	flags.StringVar(&flagTopology, "topology", "", "topology YAML file to load at startup")
	flags.StringVar(&flagMetricsAddr, "metrics-addr", "", "address to serve Prometheus metrics on, e.g. :9100")

	rootCmd.AddCommand(serveCmd)
	showCmd.AddCommand(showTopologyCmd, showRouteCmd, showArpCmd, showStatsCmd)
	loadCmd.AddCommand(loadTopologyCmd)
	runCmd.AddCommand(runPingCmd)
}

func main() {
	err := rootCmd.Execute()
	cleanup()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// cleanup stops the loaded topology before exit.
func cleanup() {
	topoMu.Lock()
	defer topoMu.Unlock()
	if currentTopology != nil {
		if err := currentTopology.Close(); err != nil {
			LogError("Error stopping topology: %v", err)
		}
		currentTopology = nil
	}
	syncLogger()
}
