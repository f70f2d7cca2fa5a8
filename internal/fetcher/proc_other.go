//go:build !unix

package fetcher

import "os/exec"

func configureProcess(*exec.Cmd) {}
