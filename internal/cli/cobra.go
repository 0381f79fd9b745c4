package cli

import (
	"log/slog"

	"cellflow/internal/config"
	"cellflow/internal/metrics"
	"cellflow/internal/pipeline"
	"cellflow/internal/storage"
	"cellflow/internal/tasks"

	"github.com/spf13/cobra"
)

// NewRootCmd creates the root Cobra command
func NewRootCmd(cfg *config.Config, log *slog.Logger, store *storage.Store, pipe *pipeline.Pipeline, svc *tasks.Service, m *metrics.Metrics) *cobra.Command {
	return newCommandTree(NewRoot(pipe, svc, cfg, log, store, m))
}

func newCommandTree(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "cellflow",
		Short: "CellFlow computes optical flow for time-lapse microscopy stacks",
		Long: `CellFlow ingests multi-channel TIFF stacks from an inbox, computes dense
optical flow per channel, derives trajectories and renders vector-field videos.
Artifacts are stored under the data root, one directory per stack.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newInitCmd(root))
	rootCmd.AddCommand(newFlowCmd(root))
	rootCmd.AddCommand(newTrajectoryCmd(root))
	rootCmd.AddCommand(newVideoCmd(root))
	rootCmd.AddCommand(newStacksCmd(root))
	rootCmd.AddCommand(newTypesCmd(root))
	rootCmd.AddCommand(newWatchCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

func newInitCmd(root *Root) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the data root, inbox and parameter registry",
		Long: `Create the data root and its inbox. With --force the stack-type
registry is reset to empty; stored stacks are kept.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.cmdInit(cmd.OutOrStdout(), force)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Reset the stack-type registry")
	return cmd
}

func addModeFlags(cmd *cobra.Command, useDefault, tune *bool) {
	cmd.Flags().BoolVar(useDefault, "default", false, "Use built-in parameters without touching the registry")
	cmd.Flags().BoolVar(tune, "tune", false, "Tune parameters interactively (not implemented)")
	cmd.MarkFlagsMutuallyExclusive("default", "tune")
}

func newFlowCmd(root *Root) *cobra.Command {
	var (
		stackType  string
		name       string
		useDefault bool
		tune       bool
	)
	cmd := &cobra.Command{
		Use:   "flow",
		Short: "Compute optical flow for every stack in the inbox",
		Long: `Process every TIFF stack in the inbox: preprocess the frames, compute
dense optical flow for the configured channels and store the combined motion
field as the next flow tag (f0, f1, ...).

Examples:
  cellflow flow --type membrane
  cellflow flow --type membrane --name run7 --default`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := modeFromFlags(useDefault, tune)
			if err != nil {
				return err
			}
			return root.cmdFlow(cmd.Context(), cmd.OutOrStdout(), stackType, name, mode)
		},
	}
	cmd.Flags().StringVarP(&stackType, "type", "t", "", "Stack type whose parameters are used")
	cmd.Flags().StringVarP(&name, "name", "n", "", "Store the stack under this name (single inbox file only)")
	addModeFlags(cmd, &useDefault, &tune)
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func newTrajectoryCmd(root *Root) *cobra.Command {
	var (
		flowTag    string
		useDefault bool
		tune       bool
	)
	cmd := &cobra.Command{
		Use:     "traj [stack]",
		Aliases: []string{"trajectory"},
		Short:   "Derive a trajectory from a stored flow",
		Long: `Integrate a stored flow field into a trajectory (tf0a, tf0b, ...).
Without arguments the stack and flow tag are chosen interactively.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := modeFromFlags(useDefault, tune)
			if err != nil {
				return err
			}
			var stack string
			if len(args) == 1 {
				stack = args[0]
			}
			return root.cmdTrajectory(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), stack, flowTag, mode)
		},
	}
	cmd.Flags().StringVar(&flowTag, "flow", "", "Flow tag to integrate, e.g. f0")
	addModeFlags(cmd, &useDefault, &tune)
	return cmd
}

func newVideoCmd(root *Root) *cobra.Command {
	var (
		tag   string
		fps   int
		step  int
		plane int
	)
	cmd := &cobra.Command{
		Use:   "video [stack]",
		Short: "Render a stored flow or trajectory as a vector-field video",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var stack string
			if len(args) == 1 {
				stack = args[0]
			}
			return root.cmdVideo(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), stack, tag, fps, step, plane)
		},
	}
	cmd.Flags().StringVar(&tag, "tag", "", "Flow or trajectory tag to render")
	cmd.Flags().IntVar(&fps, "fps", root.cfg.Video.FPS, "Frames per second")
	cmd.Flags().IntVar(&step, "step", root.cfg.Video.Step, "Arrow spacing in pixels")
	cmd.Flags().IntVar(&plane, "plane", 0, "Field plane to draw (0 combined, 1 and 2 per channel)")
	return cmd
}

func newStacksCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "stacks",
		Short: "List stored stacks and their artifacts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.cmdStacks(cmd.OutOrStdout())
		},
	}
}

func newTypesCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "types",
		Short: "List registered stack types",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.cmdTypes(cmd.OutOrStdout(), "")
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show <type>",
		Short: "Print the stored parameters of a stack type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.cmdTypes(cmd.OutOrStdout(), args[0])
		},
	})
	return cmd
}

func newWatchCmd(root *Root) *cobra.Command {
	var (
		stackType  string
		useDefault bool
		tune       bool
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Process stacks as they land in the inbox",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := modeFromFlags(useDefault, tune)
			if err != nil {
				return err
			}
			return root.cmdWatch(cmd.Context(), cmd.OutOrStdout(), stackType, mode)
		},
	}
	cmd.Flags().StringVarP(&stackType, "type", "t", "", "Stack type for incoming stacks")
	addModeFlags(cmd, &useDefault, &tune)
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func newServeCmd(root *Root) *cobra.Command {
	var (
		addr     string
		grpcAddr string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP job API and gRPC health service",
		Long: `Start an HTTP server for submitting jobs and browsing stacks, artifacts
and metrics, plus a gRPC health service.

Examples:
  cellflow serve --addr :8090
  cellflow serve --addr :8090 --grpc-addr ""`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Server{Addr: addr, GRPCAddr: grpcAddr}
			root.log.Info("starting server", "addr", cfg.Addr, "grpc_addr", cfg.GRPCAddr)
			return root.serveFn(cmd.Context(), cfg, root)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", root.cfg.Server.Addr, "HTTP listen address")
	cmd.Flags().StringVar(&grpcAddr, "grpc-addr", root.cfg.Server.GRPCAddr, "gRPC health listen address, empty to disable")
	return cmd
}

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration settings",
		Long:  "Show or validate cellflow configuration",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.configShow(cmd.OutOrStdout())
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.configValidate(cmd.Context(), cmd.OutOrStdout())
		},
	}

	cmd.AddCommand(showCmd, validateCmd)
	return cmd
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			root.cmdVersion(cmd.Context(), cmd.OutOrStdout())
		},
	}
}
