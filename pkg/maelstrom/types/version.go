package types

import (
	"fmt"

	"github.com/hashicorp/go-version"
)

// CheckProtocolVersion reports whether remote (the version string an init
// body arrived with) is compatible with this node's ProtocolVersion. An
// empty remote version is treated as compatible -- most harnesses never
// send one at all. Compatibility is "same major version", a range rather
// than strict equality since this protocol has no breaking revision yet.
func CheckProtocolVersion(remote string) error {
	if remote == "" {
		return nil
	}
	want, err := version.NewVersion(ProtocolVersion)
	if err != nil {
		return nil
	}
	constraint, err := version.NewConstraint(fmt.Sprintf("~> %d.0", want.Segments()[0]))
	if err != nil {
		return nil
	}
	got, err := version.NewVersion(remote)
	if err != nil {
		return NewRPCError(ErrMalformedRequest, "unparseable protocol version: "+remote)
	}
	if !constraint.Check(got) {
		return NewRPCError(ErrCrash, "incompatible protocol version: "+remote)
	}
	return nil
}
