//go:build !windows
// +build !windows

package gpu

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
)

func getChildPids(pid int) ([]int, error) {
	out, err := exec.Command("pgrep", "-P", strconv.Itoa(pid)).CombinedOutput()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			if exitErr.ExitCode() == 1 {
				// pgrep found no matches, meaning no children
				return []int{}, nil
			}
			return nil, fmt.Errorf("error calling pgrep -P %d: %w, %s", pid, err, out)
		}
		return nil, fmt.Errorf("error calling pgrep -P %d: %w, %s", pid, err, out)
	}

	var pids []int
	for _, pidStr := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if pidStr != "" {
			p, _ := strconv.Atoi(pidStr)
			pids = append(pids, p)
		}
	}
	return pids, nil
}

func getAllDescendants(pid int) ([]int, error) {
	children, err := getChildPids(pid)
	if err != nil {
		return nil, err
	}

	var descendants []int
	for _, child := range children {
		descendants = append(descendants, child)
		grandchildren, err := getAllDescendants(child)
		if err != nil {
			return nil, err
		}
		descendants = append(descendants, grandchildren...)
	}
	return descendants, nil
}

// killProcessTree terminates a worker and every descendant it spawned
// (ffmpeg/model subprocesses), escalating to SIGKILL after a grace period.
// Used when a task is cancelled or its TranscriptionTimeout expires.
func killProcessTree(pid int) error {
	descendants, err := getAllDescendants(pid)
	if err != nil {
		return err
	}

	allPids := append(descendants, pid)

	log.Info().Ints("pids", allPids).Msg("killing worker process tree")
	for _, p := range allPids {
		if err := syscall.Kill(p, syscall.SIGTERM); err != nil {
			log.Error().Err(err).Int("pid", p).Msg("failed to send SIGTERM to process")
		}
	}

	timeout := time.After(5 * time.Second)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-timeout:
			for _, p := range allPids {
				log.Info().Int("pid", p).Msg("force killing process")
				if err := syscall.Kill(p, syscall.SIGKILL); err != nil {
					log.Error().Err(err).Int("pid", p).Msg("failed to send SIGKILL to process")
				}
			}
			return nil
		case <-ticker.C:
			allExited := true
			for _, p := range allPids {
				if err := syscall.Kill(p, 0); err == nil {
					allExited = false
					break
				}
			}
			if allExited {
				return nil
			}
		}
	}
}
