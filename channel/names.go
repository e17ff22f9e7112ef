package channel

import (
	"regexp"

	"google.golang.org/grpc/codes"
)

const maxIDLength = 63

var idPattern = regexp.MustCompile(`^[a-z][a-z0-9-]*$`)

// ValidateID checks a platform identifier: lowercase letter first, then
// lowercase letters, digits or hyphens, at most 63 characters.
func ValidateID(kind, id string) error {
	if id == "" {
		return Errorf(codes.InvalidArgument, "%s id is required", kind)
	}
	if len(id) > maxIDLength {
		return Errorf(codes.InvalidArgument, "%s id %q exceeds %d characters", kind, id, maxIDLength)
	}
	if !idPattern.MatchString(id) {
		return Errorf(codes.InvalidArgument, "%s id %q must start with a lowercase letter and contain only lowercase letters, digits and hyphens", kind, id)
	}
	return nil
}

// Name is the parent scope of platform resources.
type Name struct {
	Project  string
	Location string
	Cluster  string
}

func (n Name) validate() error {
	if err := ValidateID("project", n.Project); err != nil {
		return err
	}
	if err := ValidateID("location", n.Location); err != nil {
		return err
	}
	return ValidateID("cluster", n.Cluster)
}

func (n Name) ClusterName() (string, error) {
	if err := n.validate(); err != nil {
		return "", err
	}
	return "projects/" + n.Project + "/locations/" + n.Location + "/clusters/" + n.Cluster, nil
}

func (n Name) StreamName(streamID string) (string, error) {
	return n.child("streams", "stream", streamID)
}

func (n Name) EventName(eventID string) (string, error) {
	return n.child("events", "event", eventID)
}

func (n Name) child(collection, kind, id string) (string, error) {
	parent, err := n.ClusterName()
	if err != nil {
		return "", err
	}
	if err := ValidateID(kind, id); err != nil {
		return "", err
	}
	return parent + "/" + collection + "/" + id, nil
}
