package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/davidthor/stackctl/pkg/secrets"
	"github.com/davidthor/stackctl/pkg/utility"
	"github.com/spf13/cobra"
)

// utilityFlags are shared by the utility commands.
type utilityFlags struct {
	registryUser    string
	registryPwd     string
	version         string
	dockerConfig    string
	trustedRegistry string
}

func newUtilitiesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "utilities",
		Aliases: []string{"utility"},
		Short:   "Utilities to streamline manual operations",
	}

	cmd.AddCommand(newPrepullImagesCmd())
	cmd.AddCommand(newActivateOfflineModeCmd())
	cmd.AddCommand(newUtilityStatusCmd())

	return cmd
}

func addUtilityFlags(cmd *cobra.Command, f *utilityFlags) {
	cmd.Flags().StringVar(&f.registryUser, "syntho-registry-user", "", "Syntho image registry user")
	cmd.Flags().StringVar(&f.registryPwd, "syntho-registry-pwd", "", "Syntho image registry password (prompted when omitted)")
	cmd.Flags().StringVar(&f.version, "version", "", "Syntho stack version")
	cmd.Flags().StringVar(&f.dockerConfig, "docker-config", "", "Docker config.json path (default is ~/.docker/config.json)")
	_ = cmd.MarkFlagRequired("syntho-registry-user")
	_ = cmd.MarkFlagRequired("version")
}

func newPrepullImagesCmd() *cobra.Command {
	f := &utilityFlags{}

	cmd := &cobra.Command{
		Use:   "prepull-images",
		Short: "Pulls Syntho's images into a trusted registry",
		Long: `Pulls the images of a Syntho release into a trusted registry, so that
deployments can use --use-trusted-registry instead of Syntho's registry.

Examples:
  stackctl utilities prepull-images --trusted-registry registry.internal:5000 --syntho-registry-user robot --version 1.2.0`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUtility(cmd, f, "pulling images into a trusted registry", "Error pulling images",
				func(ctx context.Context, u *utility.Runner, req *utility.Request) error {
					return u.PrepullImages(ctx, req)
				},
				func(out io.Writer) {
					fmt.Fprintln(out, "Images have been pulled into the given trusted registry. See helpful commands below.")
					fmt.Fprintln(out)
					fmt.Fprintln(out, "Kubernetes deployment from a trusted registry: stackctl k8s deployment --help")
					fmt.Fprintln(out, "Docker compose deployment from a trusted registry: stackctl dc deployment --help")
				})
		},
	}

	cmd.Flags().StringVar(&f.trustedRegistry, "trusted-registry", "", "Registry the images are pulled into")
	_ = cmd.MarkFlagRequired("trusted-registry")
	addUtilityFlags(cmd, f)

	return cmd
}

func newActivateOfflineModeCmd() *cobra.Command {
	f := &utilityFlags{}

	cmd := &cobra.Command{
		Use:   "activate-offline-mode",
		Short: "Prepares deployments to hosts without internet access",
		Long: `Builds a registry holding the images of a Syntho release and packages it,
so that Docker Compose deployments can use --use-offline-registry on hosts
without outbound internet access.

Examples:
  stackctl utilities activate-offline-mode --syntho-registry-user robot --version 1.2.0`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUtility(cmd, f, "activating offline mode", "Error activating offline mode",
				func(ctx context.Context, u *utility.Runner, req *utility.Request) error {
					return u.ActivateOfflineMode(ctx, req)
				},
				func(out io.Writer) {
					fmt.Fprintln(out, "Offline registry has been prepared and now it can be deployed to a docker host that doesn't have an active internet connection. See helpful commands below.")
					fmt.Fprintln(out)
					fmt.Fprintln(out, "Docker compose deployment from an offline registry: stackctl dc deployment --help")
				})
		},
	}

	addUtilityFlags(cmd, f)

	return cmd
}

func runUtility(
	cmd *cobra.Command,
	f *utilityFlags,
	action, failure string,
	run func(ctx context.Context, u *utility.Runner, req *utility.Request) error,
	success func(out io.Writer),
) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	sess, err := newSession(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	if err := sess.requireScripts(); err != nil {
		return err
	}

	arch, err := detectArch()
	if err != nil {
		return err
	}
	dockerConfig, err := validateDockerConfig(f.dockerConfig)
	if err != nil {
		return err
	}

	pwd := f.registryPwd
	if pwd == "" {
		if pwd, err = promptPassword(out, "syntho-registry-pwd"); err != nil {
			return err
		}
	}
	if pwd, err = resolveSecret(ctx, secrets.DefaultManager(), "syntho-registry-pwd", pwd); err != nil {
		return err
	}

	fmt.Fprintf(out, "-- Syntho stack is going to be %s (%s) --\n\n", action, archText(arch))

	progress := NewProgressTable(out, "Utility")
	u := utility.NewRunner(sess.scriptsDir,
		utility.WithLogger(sess.log),
		utility.WithObserver(progress),
	)
	err = run(ctx, u, &utility.Request{
		Version:          f.version,
		Arch:             arch,
		RegistryUser:     f.registryUser,
		RegistryPwd:      pwd,
		DockerConfigPath: dockerConfig,
		TrustedRegistry:  f.trustedRegistry,
	})
	progress.Finish(err)
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "\n\n%s. Error: %v\n", failure, err)
		return fmt.Errorf("%s: %w", failure, err)
	}

	fmt.Fprintln(out)
	success(out)
	return nil
}

func newUtilityStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <name>",
		Short: "Shows the last recorded step of a utility",
		Long: `Shows the last recorded step of a utility: prepull-images or
activate-offline-mode. A utility that never ran reports "unknown".`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, err := utility.ParseName(args[0])
			if err != nil {
				return err
			}
			sess, err := newSession(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), utility.Status(sess.scriptsDir, name))
			return nil
		},
	}

	return cmd
}
