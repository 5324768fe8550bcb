// Package types defines the data structures persisted in the deployment registry.
package types

import (
	"fmt"
	"time"
)

// Kind discriminates the target platform of a deployment.
type Kind string

const (
	KindDockerCompose Kind = "dc"
	KindKubernetes    Kind = "k8s"
)

// Validate reports whether k is a known kind.
func (k Kind) Validate() error {
	switch k {
	case KindDockerCompose, KindKubernetes:
		return nil
	default:
		return fmt.Errorf("unknown deployment kind %q", string(k))
	}
}

// Status is the persisted progress marker of a deployment.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusPreparingEnv Status = "preparing-env"
	StatusInitialized  Status = "initialized"

	StatusPreReqCheckInProgress Status = "pre-req-check-in-progress"
	StatusPreReqCheckSucceeded  Status = "pre-req-check-succeeded"
	StatusPreReqCheckFailed     Status = "pre-req-check-failed"

	StatusPreDeploymentOpsInProgress Status = "pre-deployment-operations-in-progress"
	StatusPreDeploymentOpsSucceeded  Status = "pre-deployment-operations-succeeded"
	StatusPreDeploymentOpsFailed     Status = "pre-deployment-operations-failed"

	StatusDeploymentInProgress Status = "deployment-in-progress"
	StatusDeploymentSucceeded  Status = "deployment-succeeded"
	StatusDeploymentFailed     Status = "deployment-failed"

	StatusCompleted Status = "completed"
)

// Statuses lists every status in forward order.
var Statuses = []Status{
	StatusInitializing,
	StatusPreparingEnv,
	StatusInitialized,
	StatusPreReqCheckInProgress,
	StatusPreReqCheckSucceeded,
	StatusPreReqCheckFailed,
	StatusPreDeploymentOpsInProgress,
	StatusPreDeploymentOpsSucceeded,
	StatusPreDeploymentOpsFailed,
	StatusDeploymentInProgress,
	StatusDeploymentSucceeded,
	StatusDeploymentFailed,
	StatusCompleted,
}

// Validate reports whether s is a known status.
func (s Status) Validate() error {
	for _, known := range Statuses {
		if s == known {
			return nil
		}
	}
	return fmt.Errorf("unknown deployment status %q", string(s))
}

// Deployment is one registry entry.
type Deployment struct {
	ID                 string     `yaml:"id"`
	Kind               Kind       `yaml:"kind"`
	Status             Status     `yaml:"status"`
	InitialVersion     string     `yaml:"initial_version"`
	Version            string     `yaml:"version"`
	StartedAt          time.Time  `yaml:"started_at"`
	FinishedAt         *time.Time `yaml:"finished_at"`
	HostName           string     `yaml:"host_name"`
	IsLocal            bool       `yaml:"is_local"`
	UseTrustedRegistry bool       `yaml:"use_trusted_registry"`
	UseOfflineRegistry bool       `yaml:"use_offline_registry"`
	ClusterName        string     `yaml:"cluster_name,omitempty"`
}

// Registry is the whole-store snapshot for one deployment kind.
type Registry struct {
	ActiveDeploymentID string        `yaml:"active_deployment_id"`
	Deployments        []*Deployment `yaml:"deployments"`
}

// Get returns the entry with the given id, or nil.
func (r *Registry) Get(id string) *Deployment {
	for _, d := range r.Deployments {
		if d.ID == id {
			return d
		}
	}
	return nil
}

// Add appends d and makes it the active deployment.
func (r *Registry) Add(d *Deployment) error {
	if r.Get(d.ID) != nil {
		return fmt.Errorf("deployment %q already exists", d.ID)
	}
	r.Deployments = append(r.Deployments, d)
	r.ActiveDeploymentID = d.ID
	return nil
}

// Remove deletes the entry with the given id. The active id moves to the
// last remaining entry, or is cleared when none remain.
func (r *Registry) Remove(id string) bool {
	for i, d := range r.Deployments {
		if d.ID != id {
			continue
		}
		r.Deployments = append(r.Deployments[:i], r.Deployments[i+1:]...)
		if len(r.Deployments) > 0 {
			r.ActiveDeploymentID = r.Deployments[len(r.Deployments)-1].ID
		} else {
			r.ActiveDeploymentID = ""
		}
		return true
	}
	return false
}

// Validate checks id uniqueness and that the active id references an entry.
func (r *Registry) Validate() error {
	seen := make(map[string]bool, len(r.Deployments))
	for _, d := range r.Deployments {
		if d.ID == "" {
			return fmt.Errorf("deployment with empty id")
		}
		if seen[d.ID] {
			return fmt.Errorf("duplicate deployment id %q", d.ID)
		}
		seen[d.ID] = true
	}
	if r.ActiveDeploymentID != "" && !seen[r.ActiveDeploymentID] {
		return fmt.Errorf("active deployment %q is not in the registry", r.ActiveDeploymentID)
	}
	return nil
}
