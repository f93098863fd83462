// Package task defines the task contract: namespaces, the execution
// context, the Task interface, and the process-wide constructor registry.
package task

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

const (
	// DefaultTenant is the tenant used when none is specified.
	DefaultTenant = "public"
	// DefaultPackage is the package used for tasks compiled into the binary.
	DefaultPackage = "embedded"
)

// Namespace is the four-part identity of a task:
// tenant::package::workflow::task. Namespaces are the only identity
// used in persistent records.
type Namespace struct {
	TenantID   string
	PackageID  string
	WorkflowID string
	TaskID     string
}

// NewNamespace creates a fully-qualified namespace.
func NewNamespace(tenantID, packageID, workflowID, taskID string) Namespace {
	return Namespace{
		TenantID:   tenantID,
		PackageID:  packageID,
		WorkflowID: workflowID,
		TaskID:     taskID,
	}
}

// EmbeddedNamespace creates a namespace for a task compiled into the
// binary, under the public tenant.
func EmbeddedNamespace(workflowID, taskID string) Namespace {
	return NewNamespace(DefaultTenant, DefaultPackage, workflowID, taskID)
}

// PackagedNamespace creates a namespace for a task loaded from a
// workflow package, under the public tenant.
func PackagedNamespace(packageID, workflowID, taskID string) Namespace {
	return NewNamespace(DefaultTenant, packageID, workflowID, taskID)
}

// ParseNamespace parses "tenant::package::workflow::task". Exactly four
// non-empty components are required; any other shape is rejected.
func ParseNamespace(s string) (Namespace, error) {
	parts := strings.Split(s, "::")
	if len(parts) != 4 {
		return Namespace{}, errors.Errorf("invalid namespace format: %q, expected tenant::package::workflow::task", s)
	}
	for _, part := range parts {
		if part == "" {
			return Namespace{}, errors.Errorf("invalid namespace format: %q, components must be non-empty", s)
		}
	}
	return NewNamespace(parts[0], parts[1], parts[2], parts[3]), nil
}

func (n Namespace) String() string {
	return fmt.Sprintf("%s::%s::%s::%s", n.TenantID, n.PackageID, n.WorkflowID, n.TaskID)
}

// IsPublic reports whether the namespace belongs to the public tenant.
func (n Namespace) IsPublic() bool {
	return n.TenantID == DefaultTenant
}

// IsEmbedded reports whether the task is compiled into the binary.
func (n Namespace) IsEmbedded() bool {
	return n.PackageID == DefaultPackage
}

// WorkflowScope returns the namespace with the task component cleared,
// identifying the owning workflow.
func (n Namespace) WorkflowScope() Namespace {
	scoped := n
	scoped.TaskID = ""
	return scoped
}

// PublicFallback returns the equivalent public-tenant namespace, or
// false when the namespace is already public.
func (n Namespace) PublicFallback() (Namespace, bool) {
	if n.IsPublic() {
		return Namespace{}, false
	}
	fallback := n
	fallback.TenantID = DefaultTenant
	return fallback, true
}
