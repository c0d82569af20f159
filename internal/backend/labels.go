package backend

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// Platform-owned labels attached to every created container. List() filters
// by LabelManagedBy; the other labels are sufficient to reconstruct a
// deployment record from the runtime alone.
const (
	LabelTemplate     = "mcp.template"
	LabelDeploymentID = "mcp.deployment_id"
	LabelCreatedAt    = "mcp.created_at"
	LabelManagedBy    = "mcp.managed_by"
	LabelConfigHash   = "mcp.config_hash"

	ManagedByValue = "mcp-platform"
)

// deploymentLabels builds the label set for a new container.
func deploymentLabels(templateID, deploymentID, configHash string, createdAt time.Time) map[string]string {
	labels := map[string]string{
		LabelTemplate:     templateID,
		LabelDeploymentID: deploymentID,
		LabelCreatedAt:    createdAt.UTC().Format(time.RFC3339),
		LabelManagedBy:    ManagedByValue,
	}
	if configHash != "" {
		labels[LabelConfigHash] = configHash
	}
	return labels
}

// containerName builds a human-readable name embedding the template id and
// a short random suffix. Uniqueness is guaranteed by the deployment id
// label, not by the name.
func containerName(templateID string) string {
	return fmt.Sprintf("mcp-%s-%s", templateID, shortID())
}

func shortID() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
