// Package sandbox manages one container per user in which the agent's shell
// commands run. All sessions of a user share the container; the session's
// workspace is selected per exec via the working directory.
package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/go-units"

	"github.com/pi-dev/pi-server/internal/config"
)

const labelPrefix = "pi-server."

// ContainerWorkspacesRoot is where the host workspaces root is mounted inside
// every sandbox container.
const ContainerWorkspacesRoot = "/workspaces"

// maxContainerNameLen caps the canonical container name so arbitrary user IDs
// stay within runtime limits.
const maxContainerNameLen = 60

type Status string

const (
	StatusRunning  Status = "running"
	StatusStopped  Status = "stopped"
	StatusNotFound Status = "not_found"
)

// Info describes one user's container.
type Info struct {
	UserID      string `json:"user_id"`
	ContainerID string `json:"container_id"`
	Status      Status `json:"status"`
}

// Manager owns the per-user container map. Safe for concurrent use.
type Manager struct {
	cfg            config.Sandbox
	workspacesRoot string
	skillsDir      string
	docker         *client.Client
	logger         *slog.Logger

	mu         sync.Mutex
	containers map[string]string // userID -> containerID
}

func NewManager(cfg config.Sandbox, workspacesRoot, skillsDir string, logger *slog.Logger) (*Manager, error) {
	m := &Manager{
		cfg:            cfg,
		workspacesRoot: workspacesRoot,
		skillsDir:      skillsDir,
		logger:         logger,
		containers:     map[string]string{},
	}
	if !cfg.Enabled {
		return m, nil
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	m.docker = cli
	return m, nil
}

func (m *Manager) Close() error {
	if m.docker == nil {
		return nil
	}
	return m.docker.Close()
}

// Enabled reports whether sandboxing is configured on. When false, callers
// fall back to host execution.
func (m *Manager) Enabled() bool {
	return m.cfg.Enabled
}

// Available probes the runtime daemon with a short timeout.
func (m *Manager) Available(ctx context.Context) bool {
	if m.docker == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := m.docker.Ping(ctx)
	return err == nil
}

// ImageAvailable checks that the configured image exists locally.
func (m *Manager) ImageAvailable(ctx context.Context) bool {
	if m.docker == nil {
		return false
	}
	_, err := m.docker.ImageInspect(ctx, m.cfg.Image)
	return err == nil
}

// sanitizeUserID maps a user ID onto the container-name alphabet.
func sanitizeUserID(userID string) string {
	var b strings.Builder
	for _, r := range userID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	s := b.String()
	if len(s) > maxContainerNameLen {
		s = s[:maxContainerNameLen]
	}
	return s
}

// ContainerName is the canonical name for a user's container. Deterministic,
// so containers survive a server restart and are re-discovered by name.
func (m *Manager) ContainerName(userID string) string {
	return m.cfg.NamePrefix + "-" + sanitizeUserID(userID)
}

// ContainerPath rewrites a host path under the workspaces root to its
// location inside the container. Paths outside the bind mount pass through
// with a warning; commands there will not see the host files.
func (m *Manager) ContainerPath(hostPath string) string {
	rel, err := filepath.Rel(m.workspacesRoot, hostPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		m.logger.Warn("path outside workspaces mount, using as-is", "path", hostPath)
		return hostPath
	}
	if rel == "." {
		return ContainerWorkspacesRoot
	}
	return ContainerWorkspacesRoot + "/" + filepath.ToSlash(rel)
}

// Ensure returns the ID of a running container for the user, creating or
// restarting one as needed. Idempotent.
func (m *Manager) Ensure(ctx context.Context, userID string) (string, error) {
	if m.docker == nil {
		return "", ErrRuntimeUnavailable
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Cached and still running?
	if id, ok := m.containers[userID]; ok {
		info, err := m.docker.ContainerInspect(ctx, id)
		if err == nil && info.State != nil && info.State.Running {
			return id, nil
		}
		delete(m.containers, userID)
	}

	// Known by canonical name from a previous run?
	name := m.ContainerName(userID)
	info, err := m.docker.ContainerInspect(ctx, name)
	if err == nil {
		if info.State == nil || !info.State.Running {
			if err := m.docker.ContainerStart(ctx, info.ID, container.StartOptions{}); err != nil {
				return "", fmt.Errorf("restarting container %s: %w", name, err)
			}
			m.logger.Info("restarted sandbox container", "user_id", userID, "container_id", info.ID)
		}
		m.containers[userID] = info.ID
		return info.ID, nil
	}
	if !client.IsErrNotFound(err) {
		return "", fmt.Errorf("%w: %v", ErrRuntimeUnavailable, err)
	}

	id, err := m.createContainer(ctx, userID, name)
	if err != nil {
		return "", err
	}
	m.containers[userID] = id
	m.logger.Info("created sandbox container", "user_id", userID, "container_id", id, "image", m.cfg.Image)
	return id, nil
}

func (m *Manager) createContainer(ctx context.Context, userID, name string) (string, error) {
	if !m.ImageAvailable(ctx) {
		return "", fmt.Errorf("%w: %s", ErrImageMissing, m.cfg.Image)
	}

	memBytes, err := units.RAMInBytes(m.cfg.Memory)
	if err != nil {
		return "", fmt.Errorf("parsing memory limit %q: %w", m.cfg.Memory, err)
	}

	mounts := []mount.Mount{
		{
			Type:   mount.TypeBind,
			Source: m.workspacesRoot,
			Target: ContainerWorkspacesRoot,
		},
	}
	if m.skillsDir != "" {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.skillsDir,
			Target:   m.skillsDir,
			ReadOnly: true,
		})
		for _, dir := range skillSymlinkTargetDirs(m.skillsDir) {
			mounts = append(mounts, mount.Mount{
				Type:     mount.TypeBind,
				Source:   dir,
				Target:   dir,
				ReadOnly: true,
			})
		}
	}

	hostCfg := &container.HostConfig{
		Resources: container.Resources{
			NanoCPUs: int64(m.cfg.CPUs * 1e9),
			Memory:   memBytes,
		},
		SecurityOpt: []string{"no-new-privileges"},
		CapDrop:     []string{"ALL"},
		NetworkMode: container.NetworkMode(m.cfg.NetworkMode),
		Mounts:      mounts,
	}

	containerCfg := &container.Config{
		Image: m.cfg.Image,
		Cmd:   []string{"sleep", "infinity"},
		Labels: map[string]string{
			labelPrefix + "managed": "true",
			labelPrefix + "user_id": userID,
		},
	}

	resp, err := m.docker.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	if err != nil {
		return "", fmt.Errorf("container create: %w", err)
	}
	if err := m.docker.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		m.docker.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("container start: %w", err)
	}
	return resp.ID, nil
}

// skillSymlinkTargetDirs resolves symlinks under the skills directory and
// returns the distinct parent directories of their targets. These get
// read-only mounts so skill files referenced by host absolute paths resolve
// inside the container. Unresolvable links are skipped.
func skillSymlinkTargetDirs(skillsDir string) []string {
	entries, err := os.ReadDir(skillsDir)
	if err != nil {
		return nil
	}
	seen := map[string]bool{}
	var dirs []string
	for _, entry := range entries {
		if entry.Type()&os.ModeSymlink == 0 {
			continue
		}
		target, err := filepath.EvalSymlinks(filepath.Join(skillsDir, entry.Name()))
		if err != nil {
			continue
		}
		dir := filepath.Dir(target)
		if !seen[dir] {
			seen[dir] = true
			dirs = append(dirs, dir)
		}
	}
	return dirs
}

// Remove stops and removes the user's container. Tolerates "already gone".
func (m *Manager) Remove(ctx context.Context, userID string) error {
	if m.docker == nil {
		return nil
	}

	m.mu.Lock()
	id, ok := m.containers[userID]
	delete(m.containers, userID)
	m.mu.Unlock()

	if !ok {
		id = m.ContainerName(userID)
	}
	err := m.docker.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("container remove: %w", err)
	}
	return nil
}

// List reads all managed containers by label, including stopped ones.
func (m *Manager) List(ctx context.Context) ([]Info, error) {
	if m.docker == nil {
		return nil, ErrRuntimeUnavailable
	}

	f := filters.NewArgs()
	f.Add("label", labelPrefix+"managed=true")
	containers, err := m.docker.ContainerList(ctx, container.ListOptions{All: true, Filters: f})
	if err != nil {
		return nil, fmt.Errorf("container list: %w", err)
	}

	var out []Info
	for _, ctr := range containers {
		userID := ctr.Labels[labelPrefix+"user_id"]
		if userID == "" {
			continue
		}
		status := StatusStopped
		if ctr.State == "running" {
			status = StatusRunning
		}
		out = append(out, Info{UserID: userID, ContainerID: ctr.ID, Status: status})
	}
	return out, nil
}

// RemoveAll force-removes every managed container.
func (m *Manager) RemoveAll(ctx context.Context) error {
	infos, err := m.List(ctx)
	if err != nil {
		return err
	}
	for _, info := range infos {
		if err := m.Remove(ctx, info.UserID); err != nil {
			m.logger.Warn("removing sandbox container", "user_id", info.UserID, "error", err)
		}
	}
	m.mu.Lock()
	m.containers = map[string]string{}
	m.mu.Unlock()
	return nil
}

// Info reports the user's container status without mutating anything.
func (m *Manager) Info(ctx context.Context, userID string) (Info, error) {
	out := Info{UserID: userID, Status: StatusNotFound}
	if m.docker == nil {
		return out, ErrRuntimeUnavailable
	}

	m.mu.Lock()
	id, ok := m.containers[userID]
	m.mu.Unlock()
	if !ok {
		id = m.ContainerName(userID)
	}

	info, err := m.docker.ContainerInspect(ctx, id)
	if client.IsErrNotFound(err) {
		return out, nil
	}
	if err != nil {
		return out, fmt.Errorf("container inspect: %w", err)
	}
	out.ContainerID = info.ID
	if info.State != nil && info.State.Running {
		out.Status = StatusRunning
	} else {
		out.Status = StatusStopped
	}
	return out, nil
}

// cachedContainer returns the container ID from the in-memory map only.
// Exec requires this so a crashed or never-ensured sandbox fails fast.
func (m *Manager) cachedContainer(userID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.containers[userID]
	return id, ok
}
