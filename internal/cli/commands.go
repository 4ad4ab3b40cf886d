package cli

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/worldland/gpu-fleet/internal/api"
	"github.com/worldland/gpu-fleet/internal/client"
	"github.com/worldland/gpu-fleet/internal/jobs"
)

// ExitCodeError carries a remote command's non-zero exit status.
type ExitCodeError struct {
	Host string
	Code int
}

func (e *ExitCodeError) Error() string {
	return fmt.Sprintf("command on %s exited with code %d", e.Host, e.Code)
}

var serversCmd = &cobra.Command{
	Use:   "servers",
	Short: "List servers and their GPUs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		servers, err := masterClient().ListServers(commandContext(cmd))
		if err != nil {
			return err
		}
		if jsonFlag {
			return PrintJSON(cmd.OutOrStdout(), servers)
		}
		PrintServersTable(cmd.OutOrStdout(), servers)
		return nil
	},
}

var experimentsCmd = &cobra.Command{
	Use:     "experiments",
	Aliases: []string{"exp"},
	Short:   "Create and inspect experiments",
}

var experimentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List experiments, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		exps, err := masterClient().ListExperiments(commandContext(cmd))
		if err != nil {
			return err
		}
		if jsonFlag {
			return PrintJSON(cmd.OutOrStdout(), exps)
		}
		PrintExperimentsTable(cmd.OutOrStdout(), exps)
		return nil
	},
}

var experimentsGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show one experiment with its log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid experiment id %q", args[0])
		}
		exp, err := masterClient().GetExperiment(commandContext(cmd), id)
		if err != nil {
			return err
		}
		if jsonFlag {
			return PrintJSON(cmd.OutOrStdout(), exp)
		}
		PrintExperiment(cmd.OutOrStdout(), exp)
		return nil
	},
}

var (
	createHost    string
	createRepo    string
	createCommit  string
	createImage   string
	createTimeout time.Duration
)

var experimentsCreateCmd = &cobra.Command{
	Use:   "create --host <hostname> [flags] -- <command>",
	Short: "Create an experiment and dispatch it to a server",
	Long: `Create an experiment on the named server.

The command is run by the agent's shell in a fresh workspace. With --repo
the repository is cloned first, and --commit checks out a revision. With
--image the command runs inside that container image.

Examples:
  fleetctl experiments create --host gpu-01 -- nvidia-smi
  fleetctl experiments create --host gpu-01 --repo https://git.example/x.git -- make train`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		spec := jobs.JobSpec{
			ServerHostname: createHost,
			Command:        strings.Join(args, " "),
			TimeoutSeconds: int(createTimeout.Seconds()),
		}
		if createRepo != "" {
			spec.GitRepo = &createRepo
		}
		if createCommit != "" {
			spec.GitCommit = &createCommit
		}
		if createImage != "" {
			spec.Image = &createImage
		}

		exp, err := masterClient().CreateExperiment(commandContext(cmd), spec)
		if err != nil {
			if exp != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "Experiment %d recorded as %s\n", exp.ID, exp.Status)
			}
			return err
		}
		if jsonFlag {
			return PrintJSON(cmd.OutOrStdout(), exp)
		}
		PrintSuccess(cmd.OutOrStdout(), fmt.Sprintf("Experiment %d dispatched to %s", exp.ID, exp.ServerHostname))
		return nil
	},
}

var (
	discoverPort    int
	discoverTimeout time.Duration
	discoverWorkers int
)

var discoverCmd = &cobra.Command{
	Use:   "discover <subnet>",
	Short: "Find hosts with an open SSH port",
	Long: `Probe every host address in an IPv4 or IPv6 CIDR block and list the
ones accepting TCP connections on the SSH port.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hosts, err := masterClient().Discover(commandContext(cmd), client.DiscoverParams{
			Subnet:  args[0],
			Port:    discoverPort,
			Timeout: discoverTimeout,
			Workers: discoverWorkers,
		})
		if err != nil {
			return err
		}
		if jsonFlag {
			return PrintJSON(cmd.OutOrStdout(), hosts)
		}
		PrintList(cmd.OutOrStdout(), "Reachable hosts", hosts)
		return nil
	},
}

var (
	connectUser          string
	connectPort          int
	connectPrincipal     string
	connectKinitPassword string
	connectKey           string
	connectPassword      string
	connectTimeout       time.Duration
)

var connectCmd = &cobra.Command{
	Use:   "connect <host>",
	Short: "Open an SSH session from the master to a host",
	Long: `Open an SSH session held by the master, replacing any existing one.

Authentication is chosen from the flags given: --principal alone selects
Kerberos, --key selects public key, otherwise --password is used.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		err := masterClient().Connect(commandContext(cmd), api.ConnectRequest{
			Host:          args[0],
			SSHUser:       connectUser,
			Port:          connectPort,
			Principal:     connectPrincipal,
			KinitPassword: connectKinitPassword,
			KeyPath:       connectKey,
			Password:      connectPassword,
			Timeout:       connectTimeout.Seconds(),
		})
		if err != nil {
			return err
		}
		PrintSuccess(cmd.OutOrStdout(), fmt.Sprintf("Connected to %s", args[0]))
		return nil
	},
}

var execTimeout time.Duration

var execCmd = &cobra.Command{
	Use:   "exec <host> -- <command>",
	Short: "Run a command over the master's SSH session",
	Long: `Run a command on a connected host and print its output. fleetctl
exits non-zero when the remote command does.`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		host := args[0]
		result, err := masterClient().Exec(commandContext(cmd), host, strings.Join(args[1:], " "), execTimeout)
		if err != nil {
			return err
		}
		if jsonFlag {
			if err := PrintJSON(cmd.OutOrStdout(), result); err != nil {
				return err
			}
		} else {
			PrintExecResult(cmd.OutOrStdout(), cmd.ErrOrStderr(), result)
		}
		if result.ExitCode != 0 {
			return &ExitCodeError{Host: host, Code: result.ExitCode}
		}
		return nil
	},
}

var disconnectCmd = &cobra.Command{
	Use:   "disconnect <host>",
	Short: "Close the master's SSH session to a host",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := masterClient().Disconnect(commandContext(cmd), args[0]); err != nil {
			return err
		}
		PrintSuccess(cmd.OutOrStdout(), fmt.Sprintf("Disconnected from %s", args[0]))
		return nil
	},
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List hosts with an open SSH session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		hosts, err := masterClient().Sessions(commandContext(cmd))
		if err != nil {
			return err
		}
		if jsonFlag {
			return PrintJSON(cmd.OutOrStdout(), hosts)
		}
		PrintList(cmd.OutOrStdout(), "Sessions", hosts)
		return nil
	},
}

func init() {
	experimentsCreateCmd.Flags().StringVar(&createHost, "host", "", "hostname of the target server (required)")
	experimentsCreateCmd.Flags().StringVar(&createRepo, "repo", "", "git repository to clone")
	experimentsCreateCmd.Flags().StringVar(&createCommit, "commit", "", "revision to check out")
	experimentsCreateCmd.Flags().StringVar(&createImage, "image", "", "run inside this container image")
	experimentsCreateCmd.Flags().DurationVar(&createTimeout, "job-timeout", 0, "kill the job after this long (0 for none)")
	_ = experimentsCreateCmd.MarkFlagRequired("host")

	experimentsCmd.AddCommand(experimentsListCmd, experimentsGetCmd, experimentsCreateCmd)

	discoverCmd.Flags().IntVar(&discoverPort, "port", 0, "port to probe (master default 22)")
	discoverCmd.Flags().DurationVar(&discoverTimeout, "probe-timeout", 0, "per-host probe timeout")
	discoverCmd.Flags().IntVar(&discoverWorkers, "workers", 0, "concurrent probes")

	connectCmd.Flags().StringVarP(&connectUser, "user", "u", "", "SSH login user")
	connectCmd.Flags().IntVarP(&connectPort, "port", "p", 22, "SSH port")
	connectCmd.Flags().StringVar(&connectPrincipal, "principal", "", "Kerberos principal")
	connectCmd.Flags().StringVar(&connectKinitPassword, "kinit-password", "", "password for kinit")
	connectCmd.Flags().StringVarP(&connectKey, "key", "i", "", "private key path on the master")
	connectCmd.Flags().StringVar(&connectPassword, "password", "", "SSH password")
	connectCmd.Flags().DurationVar(&connectTimeout, "connect-timeout", 0, "connect timeout (master default when 0)")

	execCmd.Flags().DurationVar(&execTimeout, "exec-timeout", 0, "command timeout (master default when 0)")

	rootCmd.AddCommand(serversCmd)
	rootCmd.AddCommand(experimentsCmd)
	rootCmd.AddCommand(discoverCmd)
	rootCmd.AddCommand(connectCmd)
	rootCmd.AddCommand(execCmd)
	rootCmd.AddCommand(disconnectCmd)
	rootCmd.AddCommand(sessionsCmd)
}

// ExitCode maps an Execute error to a process exit status.
func ExitCode(err error) int {
	var exitErr *ExitCodeError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return 1
}
