// Package bpfutil provides utilities for BPF filter construction.
package bpfutil

import (
	"fmt"
	"strings"

	"github.com/endorses/lagswitch/internal/pkg/intercept"
)

// Expression builds the BPF filter selecting the outbound packets of a flow:
// its source port on the local side and its destination host on the remote
// side.
func Expression(spec intercept.FilterSpec) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", err
	}

	protos := spec.Protocols()
	var parts []string
	if len(protos) == 1 {
		parts = append(parts, protos[0])
	} else {
		parts = append(parts, "("+strings.Join(protos, " or ")+")")
	}
	if spec.LocalPort != 0 {
		parts = append(parts, fmt.Sprintf("src port %d", spec.LocalPort))
	}
	if spec.RemoteAddr != "" {
		parts = append(parts, "dst host "+spec.RemoteAddr)
	}
	return strings.Join(parts, " and "), nil
}
