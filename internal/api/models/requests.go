package models

import (
	"strings"

	"github.com/nkkko/chatwatch/internal/api/errors"
	"github.com/nkkko/chatwatch/internal/api/validation"
	"github.com/nkkko/chatwatch/internal/domain"
)

// MaxResources bounds the number of resources in one watch request
const MaxResources = 16

// ResourceRequest is one resource to subscribe to
type ResourceRequest struct {
	Resource   string `json:"resource"`
	ChangeType string `json:"change_type,omitempty"`
}

// WatchRequest is the optional body of PUT /watches/{owner}
type WatchRequest struct {
	Resources []ResourceRequest `json:"resources"`
}

// Validate validates the request
func (r *WatchRequest) Validate() error {
	if len(r.Resources) == 0 {
		return errors.ValidationError("missing_resources", "At least one resource is required")
	}
	if err := validation.Max("resources", len(r.Resources), MaxResources); err != nil {
		return err
	}

	seen := make(map[string]bool, len(r.Resources))
	for _, res := range r.Resources {
		if err := validation.Required("resource", res.Resource); err != nil {
			return err
		}
		if err := validation.MaxLength("resource", res.Resource, 512); err != nil {
			return err
		}
		if !strings.HasPrefix(res.Resource, "/") {
			return errors.ValidationError("invalid_resource", "Resource must start with /: "+res.Resource)
		}
		if seen[res.Resource] {
			return errors.ValidationError("duplicate_resource", "Resource listed twice: "+res.Resource)
		}
		seen[res.Resource] = true

		if _, err := domain.ParseChangeKinds(res.ChangeType); err != nil {
			return errors.ValidationError("invalid_change_type", err.Error())
		}
	}
	return nil
}

// ToSpecs converts the request to resource specs. A resource without a
// change type is watched for every change kind.
func (r *WatchRequest) ToSpecs() []domain.ResourceSpec {
	specs := make([]domain.ResourceSpec, 0, len(r.Resources))
	for _, res := range r.Resources {
		kinds, _ := domain.ParseChangeKinds(res.ChangeType)
		if len(kinds) == 0 {
			kinds = domain.AllChangeKinds
		}
		specs = append(specs, domain.ResourceSpec{ResourcePath: res.Resource, ChangeKinds: kinds})
	}
	return specs
}
