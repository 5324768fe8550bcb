package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/davidthor/stackctl/pkg/deployment"
	"github.com/davidthor/stackctl/pkg/errors"
	"github.com/davidthor/stackctl/pkg/secrets"
	"github.com/davidthor/stackctl/pkg/state/types"
	"github.com/davidthor/stackctl/pkg/utility"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// platformCLI describes how one deployment kind is exposed on the command line.
type platformCLI struct {
	kind  types.Kind
	short string
	// title appears in the start banner, target in failure messages.
	title  string
	target string

	addDeployFlags func(cmd *cobra.Command, f *deployFlags)
	// prepare validates kind-specific flags and fills the request.
	prepare func(f *deployFlags, req *deployment.Request) error
	// describe prints extra status information for a deployment.
	describe func(ctx context.Context, out io.Writer, d *types.Deployment)
}

// deployFlags holds the flags of both platforms' deployment commands.
type deployFlags struct {
	registryFlags
	licenseKey        string
	version           string
	skipConfiguration bool

	dockerHost              string
	dockerSSHUserPrivateKey string
	dockerConfig            string
	dryRun                  bool

	kubeconfig string
}

func newPlatformCmd(p *platformCLI) *cobra.Command {
	cmd := &cobra.Command{
		Use:   string(p.kind),
		Short: p.short,
	}

	cmd.AddCommand(newDeploymentCmd(p))
	cmd.AddCommand(newStatusCmd(p))
	cmd.AddCommand(newDestroyCmd(p))
	cmd.AddCommand(newDeploymentsCmd(p))
	cmd.AddCommand(newUpdateCmd(p))
	cmd.AddCommand(newRestoreCmd(p))

	return cmd
}

func newDeploymentCmd(p *platformCLI) *cobra.Command {
	f := &deployFlags{}

	cmd := &cobra.Command{
		Use:   "deployment",
		Short: "Deploys the Syntho stack to the " + p.title + " target",
		Long: fmt.Sprintf(`Deploys the Syntho stack to the %s target.

--license-key and --registry-pwd accept references that are resolved
before the run: env:NAME, file:PATH or awssm:SECRET_ID[#field].

Examples:
  stackctl %s deployment --license-key env:SYNTHO_LICENSE --registry-user robot --registry-pwd file:~/.syntho/pwd`, p.title, p.kind),
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			sess, err := newSession(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			req, err := buildRequest(ctx, p, f, sess.scriptsDir)
			if err != nil {
				return err
			}
			if err := sess.requireScripts(); err != nil {
				return err
			}
			return runDeployment(ctx, cmd.OutOrStdout(), cmd.ErrOrStderr(), sess, p, req)
		},
	}

	cmd.Flags().StringVar(&f.licenseKey, "license-key", "", "License key provided by Syntho")
	cmd.Flags().StringVar(&f.registryUser, "registry-user", "", "Image registry user provided by Syntho")
	cmd.Flags().StringVar(&f.registryPwd, "registry-pwd", "", "Image registry password provided by Syntho")
	cmd.Flags().BoolVar(&f.skipConfiguration, "skip-configuration", false, "Skip configuration and deploy with the default configuration")
	cmd.Flags().BoolVar(&f.useTrustedRegistry, "use-trusted-registry", false, "Pull images from a trusted registry (see 'stackctl utilities prepull-images --help')")
	_ = cmd.MarkFlagRequired("license-key")
	p.addDeployFlags(cmd, f)

	return cmd
}

func buildRequest(ctx context.Context, p *platformCLI, f *deployFlags, scriptsDir string) (*deployment.Request, error) {
	if err := f.registryFlags.validate(p.kind); err != nil {
		return nil, err
	}
	if f.useTrustedRegistry {
		if err := utility.Ready(scriptsDir, utility.PrepullImages); err != nil {
			return nil, err
		}
	}
	if f.useOfflineRegistry {
		if err := utility.Ready(scriptsDir, utility.ActivateOfflineMode); err != nil {
			return nil, err
		}
	}

	arch, err := detectArch()
	if err != nil {
		return nil, err
	}

	sm := secrets.DefaultManager()
	licenseKey, err := resolveSecret(ctx, sm, "license-key", f.licenseKey)
	if err != nil {
		return nil, err
	}
	registryPwd, err := resolveSecret(ctx, sm, "registry-pwd", f.registryPwd)
	if err != nil {
		return nil, err
	}

	req := &deployment.Request{
		LicenseKey:             licenseKey,
		RegistryUser:           f.registryUser,
		RegistryPwd:            registryPwd,
		Arch:                   arch,
		Version:                f.version,
		DeploymentToolsVersion: Version,
		SkipConfiguration:      f.skipConfiguration,
		UseTrustedRegistry:     f.useTrustedRegistry,
		UseOfflineRegistry:     f.useOfflineRegistry,
	}
	if err := p.prepare(f, req); err != nil {
		return nil, err
	}
	return req, nil
}

// runDeployment starts a deployment and cleans up after a failed run.
func runDeployment(ctx context.Context, out, errOut io.Writer, sess *session, p *platformCLI, req *deployment.Request) error {
	fmt.Fprintf(out, "-- Syntho stack is going to be deployed (%s) (%s) --\n\n", p.title, archText(req.Arch))

	progress := NewProgressTable(out, "Deployment")
	m, err := sess.machine(p.kind, out, progress)
	if err != nil {
		return err
	}

	res := m.Start(ctx, req)
	if res.Succeeded {
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Deployment is successful. See helpful commands below.")
		fmt.Fprintln(out)
		fmt.Fprintf(out, "Deployment status: stackctl %s status --deployment-id %s\n", p.kind, res.DeploymentID)
		fmt.Fprintf(out, "Destroy deployment: stackctl %s destroy --deployment-id %s\n", p.kind, res.DeploymentID)
		return nil
	}

	if len(progress.Steps()) > 0 {
		progress.PrintFinalSummary()
	}

	switch {
	case errors.Is(res.Err, errors.ErrCodeUserInterrupted):
		fmt.Fprintf(errOut, "\n\nDeployment to %s was interrupted - Cleaning things up\n", p.target)
	case errors.Is(res.Err, errors.ErrCodeUnfinished), res.DeploymentID == "":
		// A previous run owns the leftovers; only an explicit destroy removes them.
		if res.DeploymentID != "" {
			fmt.Fprintf(errOut, "\nDeployment %s remained unfinished. Please run `stackctl %s destroy --deployment-id %s` before deploying again\n",
				res.DeploymentID, p.kind, res.DeploymentID)
		}
		return fmt.Errorf("error deploying to %s: %w", p.target, res.Err)
	default:
		fmt.Fprintf(errOut, "\n\nError deploying to %s: %v - Cleaning things up\n", p.target, res.Err)
	}

	// The operator's interrupt must not abort the cleanup it triggered.
	if err := m.Cleanup(context.WithoutCancel(ctx), res.DeploymentID, res.CleanupLevel, false); err != nil {
		printForceDestroy(errOut, p, res.DeploymentID)
	}
	return fmt.Errorf("error deploying to %s: %w", p.target, res.Err)
}

func printForceDestroy(w io.Writer, p *platformCLI, id string) {
	fmt.Fprintf(w, "\n\nError destroying deployment\nPlease run `stackctl %s destroy --deployment-id %s --force` to forcefully destroy the deployment\n", p.kind, id)
}

func newStatusCmd(p *platformCLI) *cobra.Command {
	var id string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Shows the deployment status of the given deployment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			sess, err := newSession(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			m, err := sess.machine(p.kind, cmd.OutOrStdout(), nil)
			if err != nil {
				return err
			}
			if err := requireDeploymentID(ctx, m, id); err != nil {
				return err
			}

			d, err := m.Get(ctx, id)
			if err != nil {
				return err
			}
			if err := printYAML(cmd.OutOrStdout(), d); err != nil {
				return err
			}
			if p.describe != nil {
				p.describe(ctx, cmd.OutOrStdout(), d)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&id, "deployment-id", "", "Deployment id to check")

	return cmd
}

func newDestroyCmd(p *platformCLI) *cobra.Command {
	var (
		id    string
		force bool
	)

	cmd := &cobra.Command{
		Use:   "destroy",
		Short: "Destroys a deployment and its components",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			sess, err := newSession(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			m, err := sess.machine(p.kind, cmd.OutOrStdout(), nil)
			if err != nil {
				return err
			}
			if err := requireDeploymentID(ctx, m, id); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			found, err := m.Destroy(context.WithoutCancel(ctx), id, force)
			if err != nil {
				printForceDestroy(cmd.ErrOrStderr(), p, id)
				return fmt.Errorf("failed to destroy deployment %s: %w", id, err)
			}
			if !found {
				fmt.Fprintf(out, "Deployment(%s) couldn't be found\n", id)
				return nil
			}
			fmt.Fprintf(out, "Deployment(%s) is destroyed and all its components have been removed\n", id)
			return nil
		},
	}

	cmd.Flags().StringVar(&id, "deployment-id", "", "Deployment id to destroy")
	cmd.Flags().BoolVar(&force, "force", false, "Forcefully destroy all the deployed components")

	return cmd
}

func newDeploymentsCmd(p *platformCLI) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deployments",
		Short: "Shows existing deployments and their statuses",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := newSession(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			m, err := sess.machine(p.kind, cmd.OutOrStdout(), nil)
			if err != nil {
				return err
			}
			reg, err := m.List(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(reg.Deployments) == 0 {
				fmt.Fprintln(out, "There is no deployment yet. See helpful commands below.")
				fmt.Fprintln(out)
				fmt.Fprintf(out, "%s: stackctl %s --help\n", p.title, p.kind)
				return nil
			}
			return printYAML(out, reg)
		},
	}

	return cmd
}

func newUpdateCmd(p *platformCLI) *cobra.Command {
	var (
		id          string
		version     string
		reconfigure bool
	)

	cmd := &cobra.Command{
		Use:   "update",
		Short: "Updates a completed deployment to a new release",
		Long: fmt.Sprintf(`Updates a completed deployment to a new release.

The scripts check that the current and new versions are compatible before
rolling out. With --reconfigure the configuration questions of the new
release are asked again, offering the previous answers as defaults.

Examples:
  stackctl %s update --deployment-id <id> --version 1.2.0`, p.kind),
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			sess, err := newSession(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if err := sess.requireScripts(); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			progress := NewProgressTable(out, "Update")
			m, err := sess.machine(p.kind, out, progress)
			if err != nil {
				return err
			}
			if err := requireDeploymentID(ctx, m, id); err != nil {
				return err
			}

			res := m.Update(ctx, id, version, deployment.UpdateOptions{Reconfigure: reconfigure})
			if len(progress.Steps()) > 0 {
				progress.PrintFinalSummary()
			}
			if !res.Succeeded {
				return fmt.Errorf("error updating deployment %s: %w", id, res.Err)
			}
			fmt.Fprintln(out)
			fmt.Fprintf(out, "Deployment(%s) is updated to version %s\n", id, version)
			return nil
		},
	}

	cmd.Flags().StringVar(&id, "deployment-id", "", "Deployment id to update")
	cmd.Flags().StringVar(&version, "version", "", "Release to update to")
	cmd.Flags().BoolVar(&reconfigure, "reconfigure", false, "Ask the configuration questions of the new release again")
	_ = cmd.MarkFlagRequired("version")

	return cmd
}

func newRestoreCmd(p *platformCLI) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Restores the deployment registry from the state mirror",
		Long: fmt.Sprintf(`Restores the deployment registry from the configured state mirror, for
example after moving to a new operator machine. A local registry that
still holds deployments is left untouched.

Examples:
  stackctl config set state-mirror s3
  stackctl config set state-mirror-config bucket=ops-state,region=eu-west-1
  stackctl %s restore`, p.kind),
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := newSession(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			store, err := sess.store(p.kind)
			if err != nil {
				return err
			}
			if store.MirrorType() == "" {
				return fmt.Errorf("no state mirror is configured\n\nSet one using:\n  stackctl config set state-mirror <s3|gcs|azurerm|local>")
			}

			restored, err := store.Restore(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !restored {
				fmt.Fprintf(out, "There is no mirrored registry to restore in the %s mirror\n", store.MirrorType())
				return nil
			}
			fmt.Fprintf(out, "Deployment registry restored from the %s mirror\n", store.MirrorType())
			fmt.Fprintf(out, "Deployments: stackctl %s deployments\n", p.kind)
			return nil
		},
	}

	return cmd
}

// requireDeploymentID fails with the known deployments listed when id is empty.
func requireDeploymentID(ctx context.Context, m *deployment.Machine, id string) error {
	if id != "" {
		return nil
	}
	reg, err := m.List(ctx)
	if err != nil {
		return err
	}
	if len(reg.Deployments) == 0 {
		return fmt.Errorf("--deployment-id isn't provided! Also, there is currently no active deployment")
	}
	data, err := yaml.Marshal(reg)
	if err != nil {
		return err
	}
	return fmt.Errorf("--deployment-id isn't provided! Please see active deployments below.\n\n%s", data)
}

func printYAML(w io.Writer, v interface{}) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}
