//go:build !linux

package supervisor

import "os/exec"

func configureDetached(cmd *exec.Cmd) {}
