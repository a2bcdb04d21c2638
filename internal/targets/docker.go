package targets

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/client"

	"github.com/yorozuya-cybersecurity/yorosec-analyzer/internal/schema"
)

// ContainerStatus is the health report of a target's containers
type ContainerStatus struct {
	Running bool   `json:"running"`
	Detail  string `json:"detail"`
}

// StatusProvider reports whether a target's containers are up
type StatusProvider interface {
	Status(ctx context.Context, t schema.TargetRef) ContainerStatus
}

type containerLister interface {
	ContainerList(ctx context.Context, options types.ContainerListOptions) ([]types.Container, error)
}

// DockerStatus inspects the local Docker daemon for the containers of a target
type DockerStatus struct {
	cli     containerLister
	closer  func() error
	pattern string
	parts   []string
}

// NewDockerStatus connects with the environment's Docker settings. pattern
// names containers with {model}, {app} and {part} placeholders.
func NewDockerStatus(pattern string) (*DockerStatus, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}
	return &DockerStatus{cli: cli, closer: cli.Close, pattern: pattern, parts: []string{"backend", "frontend"}}, nil
}

func (d *DockerStatus) Close() error {
	if d.closer != nil {
		return d.closer()
	}
	return nil
}

// ContainerName renders the container name of one part of t
func (d *DockerStatus) ContainerName(t schema.TargetRef, part string) string {
	return strings.NewReplacer(
		"{model}", t.Model,
		"{app}", strconv.Itoa(t.App),
		"{part}", part,
	).Replace(d.pattern)
}

// Status never fails: daemon errors become a not-running status with the
// error text as detail.
func (d *DockerStatus) Status(ctx context.Context, t schema.TargetRef) ContainerStatus {
	containers, err := d.cli.ContainerList(ctx, types.ContainerListOptions{All: true})
	if err != nil {
		return ContainerStatus{Detail: fmt.Sprintf("docker unavailable: %v", err)}
	}

	states := make(map[string]string, len(containers))
	for _, c := range containers {
		for _, name := range c.Names {
			states[strings.TrimPrefix(name, "/")] = c.State
		}
	}

	var found, running int
	var details []string
	for _, part := range d.parts {
		name := d.ContainerName(t, part)
		state, ok := states[name]
		switch {
		case !ok:
			details = append(details, name+": missing")
		case state == "running":
			found++
			running++
			details = append(details, name+": running")
		default:
			found++
			details = append(details, name+": "+state)
		}
	}
	return ContainerStatus{
		Running: found > 0 && running == found,
		Detail:  strings.Join(details, ", "),
	}
}

// NoContainers is used when Docker integration is disabled
type NoContainers struct{}

func (NoContainers) Status(context.Context, schema.TargetRef) ContainerStatus {
	return ContainerStatus{Running: true, Detail: "container checks disabled"}
}
