//go:build !unix

package altopt

import "os/exec"

// setProcessGroup keeps the default of killing only the direct child.
func setProcessGroup(*exec.Cmd) {}
