// Package docker runs the iperf3 servers that benchmarks connect to as
// containers on the host network, one per derived port.
package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-units"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

const labelPrefix = "tunnelbench."

// engine is the subset of the Docker API the target servers need.
type engine interface {
	Ping(ctx context.Context) (types.Ping, error)
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
		networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	Close() error
}

type Client struct {
	docker engine
	image  string
	logger *slog.Logger
}

func New(serverImage string, logger *slog.Logger) (*Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &Client{docker: cli, image: serverImage, logger: logger}, nil
}

func (c *Client) Close() error {
	return c.docker.Close()
}

// Ping verifies the Docker daemon is reachable.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.docker.Ping(ctx)
	return err
}

// Pull fetches the server image and waits for the pull to complete.
func (c *Client) Pull(ctx context.Context) error {
	rc, err := c.docker.ImagePull(ctx, c.image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("image pull %s: %w", c.image, err)
	}
	defer rc.Close()
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("image pull %s: %w", c.image, err)
	}
	return nil
}

// Server is one running iperf3 server container.
type Server struct {
	ContainerID string
	SessionID   string
	Port        int
}

// StartServers starts one server per port. On error, servers already started
// are removed again.
func (c *Client) StartServers(ctx context.Context, sessionID string, ports []int) ([]Server, error) {
	servers := make([]Server, 0, len(ports))
	for _, port := range ports {
		id, err := c.startServer(ctx, sessionID, port)
		if err != nil {
			if rerr := c.RemoveServers(context.WithoutCancel(ctx), servers); rerr != nil {
				c.logger.Warn("remove partial target servers", "error", rerr)
			}
			return nil, err
		}
		c.logger.Debug("target server started", "session_id", sessionID, "port", port, "container", shortID(id))
		servers = append(servers, Server{ContainerID: id, SessionID: sessionID, Port: port})
	}
	return servers, nil
}

func (c *Client) startServer(ctx context.Context, sessionID string, port int) (string, error) {
	cfg, hostCfg := serverConfig(c.image, sessionID, port)
	resp, err := c.docker.ContainerCreate(ctx, cfg, hostCfg, nil, nil, containerName(sessionID, port))
	if err != nil {
		return "", fmt.Errorf("container create: %w", err)
	}
	if err := c.docker.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Clean up on start failure.
		c.docker.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("container start: %w", err)
	}
	return resp.ID, nil
}

// RemoveServers force-removes the given containers. Missing containers are
// not an error.
func (c *Client) RemoveServers(ctx context.Context, servers []Server) error {
	var errs []error
	for _, s := range servers {
		err := c.docker.ContainerRemove(ctx, s.ContainerID, container.RemoveOptions{Force: true})
		if err != nil && !client.IsErrNotFound(err) {
			errs = append(errs, fmt.Errorf("container remove %s: %w", shortID(s.ContainerID), err))
		}
	}
	return errors.Join(errs...)
}

// ListServers returns every container this tool started, including ones
// left behind by a crashed run.
func (c *Client) ListServers(ctx context.Context) ([]Server, error) {
	f := filters.NewArgs()
	f.Add("label", labelPrefix+"managed=true")

	containers, err := c.docker.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: f,
	})
	if err != nil {
		return nil, fmt.Errorf("container list: %w", err)
	}

	var result []Server
	for _, ctr := range containers {
		sessionID := ctr.Labels[labelPrefix+"session_id"]
		if sessionID == "" {
			continue
		}
		port, _ := strconv.Atoi(ctr.Labels[labelPrefix+"port"])
		result = append(result, Server{ContainerID: ctr.ID, SessionID: sessionID, Port: port})
	}
	return result, nil
}

// IsContainerRunning checks if a container is currently running.
func (c *Client) IsContainerRunning(ctx context.Context, containerID string) (bool, error) {
	info, err := c.docker.ContainerInspect(ctx, containerID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return info.ContainerJSONBase != nil && info.State != nil && info.State.Running, nil
}

func serverConfig(serverImage, sessionID string, port int) (*container.Config, *container.HostConfig) {
	cfg := &container.Config{
		Image: serverImage,
		Cmd:   []string{"-s", "-p", strconv.Itoa(port)},
		Labels: map[string]string{
			labelPrefix + "managed":    "true",
			labelPrefix + "session_id": sessionID,
			labelPrefix + "port":       strconv.Itoa(port),
		},
		Tty: false,
	}
	hostCfg := &container.HostConfig{
		// The server must be reachable on the bridge address the
		// namespaces route to.
		NetworkMode: "host",
		AutoRemove:  false,
		Resources: container.Resources{
			Memory: 256 * units.MiB,
		},
		SecurityOpt: []string{"no-new-privileges"},
	}
	return cfg, hostCfg
}

func containerName(sessionID string, port int) string {
	return fmt.Sprintf("tunnelbench-%s-%d", sessionID, port)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
