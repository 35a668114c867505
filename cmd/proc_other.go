//go:build !unix

package cmd

import "os/exec"

func setProcAttr(_ *exec.Cmd) {}
