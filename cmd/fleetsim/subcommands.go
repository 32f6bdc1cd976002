package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/3cpo-dev/fleetsim/internal/client"
	"github.com/3cpo-dev/fleetsim/internal/core"
	"github.com/3cpo-dev/fleetsim/internal/sim"
	fssh "github.com/3cpo-dev/fleetsim/internal/ssh"
)

// Resolve the API client from flags, falling back to the config token
func resolveClient(cmd *cobra.Command) (*client.Client, error) {
	server, _ := cmd.Flags().GetString("server")
	token, _ := cmd.Flags().GetString("token")
	if token == "" {
		cfgPath, _ := cmd.Flags().GetString("config")
		cfg, err := core.LoadConfig(cfgPath)
		if err != nil {
			return nil, err
		}
		token = cfg.Server.Token
	}
	return client.New(server, client.WithToken(token))
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printMachine(m sim.Machine) {
	fmt.Printf("%s\t%s\t%s/%s\t%s\t%s\t%s\n", m.ID, m.Name, m.Namespace, m.Fleet, m.NodeID, m.Status, m.Image)
}

// Create a machine
func newCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Place a new machine on the cluster",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := resolveClient(cmd)
			if err != nil {
				return err
			}
			var req sim.CreateRequest
			req.Namespace, _ = cmd.Flags().GetString("namespace")
			req.Fleet, _ = cmd.Flags().GetString("fleet")
			req.Image, _ = cmd.Flags().GetString("image")
			req.Name, _ = cmd.Flags().GetString("name")
			req.Resources.CPU, _ = cmd.Flags().GetInt("cpu")
			req.Resources.Memory, _ = cmd.Flags().GetInt("memory")
			req.Resources.Network, _ = cmd.Flags().GetInt("network")
			m, err := c.CreateMachine(cmd.Context(), req)
			if err != nil {
				return err
			}
			printMachine(m)
			return nil
		},
	}
	cmd.Flags().String("namespace", "default", "machine namespace")
	cmd.Flags().String("fleet", "", "fleet the machine belongs to")
	cmd.Flags().String("image", "", "container image")
	cmd.Flags().String("name", "", "machine name (generated when empty)")
	cmd.Flags().Int("cpu", 1000, "CPU in MHz")
	cmd.Flags().Int("memory", 1024, "memory in MB")
	cmd.Flags().Int("network", 1, "network interfaces")
	_ = cmd.MarkFlagRequired("fleet")
	_ = cmd.MarkFlagRequired("image")
	return cmd
}

// Start a stopped machine
func newStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start ID",
		Short: "Start a stopped machine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := resolveClient(cmd)
			if err != nil {
				return err
			}
			m, err := c.StartMachine(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printMachine(m)
			return nil
		},
	}
}

// Stop a running machine
func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop ID",
		Short: "Stop a running machine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := resolveClient(cmd)
			if err != nil {
				return err
			}
			m, err := c.StopMachine(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printMachine(m)
			return nil
		},
	}
}

// Destroy machines
func newDestroyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "destroy ID...",
		Short: "Destroy one or more machines",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := resolveClient(cmd)
			if err != nil {
				return err
			}
			for _, id := range args {
				m, err := c.DestroyMachine(cmd.Context(), id)
				if err != nil {
					return fmt.Errorf("destroy %s: %w", id, err)
				}
				printMachine(m)
			}
			return nil
		},
	}
}

// List machines
func newLsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ls",
		Short: "List machines",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := resolveClient(cmd)
			if err != nil {
				return err
			}
			var f sim.MachineFilter
			f.Namespace, _ = cmd.Flags().GetString("namespace")
			f.Fleet, _ = cmd.Flags().GetString("fleet")
			f.NodeID, _ = cmd.Flags().GetString("node")
			status, _ := cmd.Flags().GetString("status")
			f.Status = sim.MachineStatus(status)
			ms, err := c.Machines(cmd.Context(), f)
			if err != nil {
				return err
			}
			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				return printJSON(ms)
			}
			for _, m := range ms {
				printMachine(m)
			}
			return nil
		},
	}
	cmd.Flags().String("namespace", "", "filter by namespace")
	cmd.Flags().String("fleet", "", "filter by fleet")
	cmd.Flags().String("node", "", "filter by node id")
	cmd.Flags().String("status", "", "filter by status")
	cmd.Flags().Bool("json", false, "print JSON")
	return cmd
}

// Inspect and drain nodes
func newNodesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "nodes",
		Short: "List nodes and their capacity",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := resolveClient(cmd)
			if err != nil {
				return err
			}
			region, _ := cmd.Flags().GetString("region")
			nodes, err := c.Nodes(cmd.Context(), region)
			if err != nil {
				return err
			}
			for _, n := range nodes {
				fmt.Printf("%s\t%s\t%s\tcpu %d/%d\tmem %d/%d\tnet %d/%d\t%d machines\n",
					n.ID, n.Region, n.Status,
					n.Used.CPU, n.Total.CPU, n.Used.Memory, n.Total.Memory, n.Used.Network, n.Total.Network,
					n.Machines)
			}
			return nil
		},
	}
	cmd.Flags().String("region", "", "only nodes in this region")
	cmd.AddCommand(newNodeToggleCmd("offline", true), newNodeToggleCmd("online", false))
	return cmd
}

func newNodeToggleCmd(use string, offline bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " NODE",
		Short: "Mark a node " + use,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := resolveClient(cmd)
			if err != nil {
				return err
			}
			n, err := c.SetNodeOffline(cmd.Context(), args[0], offline)
			if err != nil {
				return err
			}
			fmt.Printf("%s\t%s\n", n.ID, n.Status)
			return nil
		},
	}
}

// Cluster statistics
func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show cluster statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := resolveClient(cmd)
			if err != nil {
				return err
			}
			s, err := c.Stats(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(s)
		},
	}
}

// Show or follow the event log
func newEventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events [MACHINE]",
		Short: "Show recent machine events",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := resolveClient(cmd)
			if err != nil {
				return err
			}
			printEvent := func(e sim.MachineEvent) error {
				fmt.Printf("%s\t%s\t%s\t%s\n", e.Timestamp.Format(time.RFC3339Nano), e.MachineID, e.Type, e.Message)
				return nil
			}
			if follow, _ := cmd.Flags().GetBool("follow"); follow {
				replay, _ := cmd.Flags().GetBool("replay")
				return c.Stream(cmd.Context(), replay, printEvent)
			}
			var evs []sim.MachineEvent
			if len(args) == 1 {
				evs, err = c.MachineEvents(cmd.Context(), args[0])
			} else {
				limit, _ := cmd.Flags().GetInt("limit")
				source, _ := cmd.Flags().GetString("source")
				evs, err = c.Events(cmd.Context(), limit, source)
			}
			if err != nil {
				return err
			}
			for _, e := range evs {
				_ = printEvent(e)
			}
			return nil
		},
	}
	cmd.Flags().IntP("limit", "n", 100, "number of events")
	cmd.Flags().String("source", "memory", "event source: memory or journal")
	cmd.Flags().BoolP("follow", "f", false, "stream new events")
	cmd.Flags().Bool("replay", false, "with --follow, print the retained log first")
	return cmd
}

// Export a snapshot
func newExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Save a cluster snapshot and optionally push it over SFTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := resolveClient(cmd)
			if err != nil {
				return err
			}
			snap, err := c.Snapshot(cmd.Context())
			if err != nil {
				return err
			}
			data, err := json.MarshalIndent(snap, "", "  ")
			if err != nil {
				return err
			}
			out, _ := cmd.Flags().GetString("out")
			if out == "" {
				out = "fleetsim-snapshot-" + strconv.FormatInt(snap.TakenAt.Unix(), 10) + ".json"
			}
			if err := os.WriteFile(out, data, 0o644); err != nil {
				return fmt.Errorf("write snapshot: %w", err)
			}
			log.Info().Str("path", out).Int("machines", len(snap.Machines)).Msg("Snapshot written")

			if push, _ := cmd.Flags().GetBool("push"); !push {
				return nil
			}
			cfgPath, _ := cmd.Flags().GetString("config")
			cfg, err := core.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			exp, err := newExporter(cfg.Export)
			if err != nil {
				return err
			}
			remote, err := exp.UploadFile(cmd.Context(), out)
			if err != nil {
				return err
			}
			fmt.Printf("pushed %s to %s:%s\n", filepath.Base(out), exp.Client.Addr, remote)
			return nil
		},
	}
	cmd.Flags().StringP("out", "o", "", "snapshot file (default fleetsim-snapshot-<unix>.json)")
	cmd.Flags().Bool("push", false, "upload the snapshot to export.host over SFTP")
	return cmd
}

func newExporter(cfg core.ExportConfig) (*fssh.Exporter, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("export.host is not configured")
	}
	signer, err := fssh.LoadPrivateKeySigner(cfg.KeyPath)
	if err != nil {
		return nil, err
	}
	kh, err := fssh.LoadKnownHostsCallback(cfg.KnownHosts)
	if err != nil {
		return nil, err
	}
	return &fssh.Exporter{
		Client: &fssh.Client{
			Addr:       fssh.TargetAddr(cfg.Host, cfg.Port),
			User:       cfg.User,
			Signer:     signer,
			KnownHosts: kh,
			Timeout:    15 * time.Second,
			Retries:    2,
			Backoff:    500 * time.Millisecond,
		},
		RemoteDir: cfg.RemoteDir,
	}, nil
}

// Initialize configuration and export keys
func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config and generate the export SSH key. Run this the first time.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			if cfgPath == "" {
				cfgPath = core.DefaultConfigPath()
			}
			force, _ := cmd.Flags().GetBool("force")
			cfg := core.DefaultConfig()
			if _, err := os.Stat(cfgPath); err == nil && !force {
				fmt.Printf("config exists at %s\n", cfgPath)
				if cfg, err = core.LoadConfig(cfgPath); err != nil {
					return err
				}
			} else {
				if err := core.WriteConfig(cfgPath, cfg); err != nil {
					return err
				}
				fmt.Printf("wrote default config to %s\n", cfgPath)
			}
			if err := fssh.EnsureKnownHostsFile(cfg.Export.KnownHosts); err != nil {
				return err
			}
			if _, err := os.Stat(cfg.Export.KeyPath); err == nil {
				fmt.Printf("export key exists at %s\n", cfg.Export.KeyPath)
				return nil
			}
			pub, err := fssh.GenerateEd25519Keypair(cfg.Export.KeyPath)
			if err != nil {
				return err
			}
			fmt.Printf("generated export key %s\n%s", cfg.Export.KeyPath, pub)
			return nil
		},
	}
	cmd.Flags().Bool("force", false, "overwrite an existing config file")
	return cmd
}

// Trust an export host key
func newTrustCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "trust HOST[:PORT] PUBKEY_FILE",
		Short: "Add an export host key to known_hosts",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			cfg, err := core.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			key, err := os.ReadFile(args[1])
			if err != nil {
				return fmt.Errorf("read host key: %w", err)
			}
			addr := fssh.TargetAddr(args[0], cfg.Export.Port)
			added, err := fssh.TrustHost(cfg.Export.KnownHosts, addr, string(key))
			if err != nil {
				return err
			}
			if !added {
				fmt.Printf("%s already trusted in %s\n", addr, cfg.Export.KnownHosts)
				return nil
			}
			fmt.Printf("trusted %s in %s\n", addr, cfg.Export.KnownHosts)
			return nil
		},
	}
}
