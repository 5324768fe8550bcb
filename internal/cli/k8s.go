package cli

import (
	"github.com/davidthor/stackctl/pkg/deployment"
	"github.com/davidthor/stackctl/pkg/state/types"
	"github.com/spf13/cobra"
)

var kubernetesCLI = &platformCLI{
	kind:   types.KindKubernetes,
	short:  "Manages Kubernetes deployments",
	title:  "Kubernetes",
	target: "kubernetes",

	addDeployFlags: func(cmd *cobra.Command, f *deployFlags) {
		cmd.Flags().StringVar(&f.version, "version", "stable", "Syntho stack version to deploy")
		cmd.Flags().StringVar(&f.kubeconfig, "kubeconfig", "", "Kubeconfig of the target cluster, as content or a file path")
		cmd.Flags().StringVar(&f.imagePullSecret, "trusted-registry-image-pull-secret", "", "Image pull secret name for trusted registry access")
		_ = cmd.MarkFlagRequired("kubeconfig")
	},

	prepare: func(f *deployFlags, req *deployment.Request) error {
		if err := validateKubeconfig(f.kubeconfig); err != nil {
			return err
		}
		req.Kubeconfig = f.kubeconfig
		req.ImagePullSecret = f.imagePullSecret
		return nil
	},
}
