//go:build !unix

package capture

import "os/exec"

func isolateProcessGroup(cmd *exec.Cmd) {}
