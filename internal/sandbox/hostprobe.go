package sandbox

import (
	"os/exec"
)

// HostCapabilities reports which external script runtimes are available on
// the host. The sandbox's only engine is the expr-lang evaluator in
// sandbox.go, and nothing in this module calls ProbeHostCapabilities.
// Adapted from the
// teacher's internal/runtime/probe.go (Node.js/tsx detection for its own
// coding-agent tool selection) down to a synchronous PATH probe: this
// engine never writes to the host (no background installs), so the
// asynchronous tsx-install half of the original has no equivalent here.
type HostCapabilities struct {
	NodeAvailable bool
}

// ProbeHostCapabilities performs a synchronous, millisecond-level PATH
// check for the node script runtime.
func ProbeHostCapabilities() HostCapabilities {
	var caps HostCapabilities
	if _, err := exec.LookPath("node"); err == nil {
		caps.NodeAvailable = true
	}
	return caps
}
