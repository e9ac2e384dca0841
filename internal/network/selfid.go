package network

import (
	"errors"
	"fmt"
	"os"
	"regexp"
)

var (
	cpusetIDPattern = regexp.MustCompile(`(?m)^/docker/([0-9a-f]+)\s*$`)
	cgroupIDPattern = regexp.MustCompile(`(?m)(?:/docker/|/docker-)([0-9a-f]{12,})(?:\.scope)?\s*$`)
)

var ErrNotInContainer = errors.New("not running inside a docker container")

// ReadSelfID returns the id of the container this process runs in, read from its control-group files.
func ReadSelfID(cpusetFile, cgroupFile string) (string, error) {
	var errs []error
	for _, candidate := range []struct {
		path    string
		pattern *regexp.Regexp
	}{
		{cpusetFile, cpusetIDPattern},
		{cgroupFile, cgroupIDPattern},
	} {
		if candidate.path == "" {
			continue
		}
		data, err := os.ReadFile(candidate.path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if id := parseSelfID(string(data), candidate.pattern); id != "" {
			return id, nil
		}
	}
	if len(errs) > 0 {
		return "", fmt.Errorf("%w: %w", ErrNotInContainer, errors.Join(errs...))
	}
	return "", ErrNotInContainer
}

func parseSelfID(content string, pattern *regexp.Regexp) string {
	m := pattern.FindStringSubmatch(content)
	if m == nil {
		return ""
	}
	return m[1]
}
