package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// MCPServer describes one remote-tool server. Stdio servers carry a command
// with args and env; HTTP-ish transports carry a URL with headers.
type MCPServer struct {
	Name      string            `json:"name"`
	Command   string            `json:"command,omitempty"`
	URL       string            `json:"url,omitempty"`
	Args      []string          `json:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Transport string            `json:"transport"`
	Enabled   bool              `json:"enabled"`
	CreatedAt time.Time         `json:"created_at"`
}

func (s *Store) CreateMCPServer(server *MCPServer) error {
	if server.Transport == "" {
		server.Transport = "stdio"
	}
	if server.CreatedAt.IsZero() {
		server.CreatedAt = time.Now().UTC()
	}
	args, env, headers, err := encodeMCPFields(server)
	if err != nil {
		return err
	}

	err = retryOnBusy(func() error {
		_, e := s.db.Exec(
			`INSERT INTO mcp_servers (name, command, url, args, env, headers, transport, enabled, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			server.Name, server.Command, server.URL, args, env, headers,
			server.Transport, server.Enabled, server.CreatedAt,
		)
		return e
	})
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") || strings.Contains(err.Error(), "PRIMARY") {
			return fmt.Errorf("mcp server %q: %w", server.Name, ErrExists)
		}
		return fmt.Errorf("inserting mcp server: %w", err)
	}
	return nil
}

func (s *Store) GetMCPServer(name string) (*MCPServer, error) {
	row := s.db.QueryRow(
		`SELECT name, command, url, args, env, headers, transport, enabled, created_at
		 FROM mcp_servers WHERE name = ?`, name,
	)
	return scanMCPServer(row)
}

func (s *Store) ListMCPServers() ([]*MCPServer, error) {
	rows, err := s.db.Query(
		`SELECT name, command, url, args, env, headers, transport, enabled, created_at
		 FROM mcp_servers ORDER BY name`,
	)
	if err != nil {
		return nil, fmt.Errorf("listing mcp servers: %w", err)
	}
	defer rows.Close()

	var servers []*MCPServer
	for rows.Next() {
		server, err := scanMCPServer(rows)
		if err != nil {
			return nil, err
		}
		servers = append(servers, server)
	}
	return servers, rows.Err()
}

// UpdateMCPServer replaces the named record in place, keeping its created_at.
func (s *Store) UpdateMCPServer(server *MCPServer) error {
	args, env, headers, err := encodeMCPFields(server)
	if err != nil {
		return err
	}

	var result sql.Result
	err = retryOnBusy(func() error {
		var e error
		result, e = s.db.Exec(
			`UPDATE mcp_servers SET command = ?, url = ?, args = ?, env = ?, headers = ?,
			 transport = ?, enabled = ? WHERE name = ?`,
			server.Command, server.URL, args, env, headers,
			server.Transport, server.Enabled, server.Name,
		)
		return e
	})
	if err != nil {
		return fmt.Errorf("updating mcp server: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("mcp server %q: %w", server.Name, ErrNotFound)
	}
	return nil
}

func (s *Store) DeleteMCPServer(name string) error {
	var result sql.Result
	err := retryOnBusy(func() error {
		var e error
		result, e = s.db.Exec(`DELETE FROM mcp_servers WHERE name = ?`, name)
		return e
	})
	if err != nil {
		return fmt.Errorf("deleting mcp server: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("mcp server %q: %w", name, ErrNotFound)
	}
	return nil
}

// mcpConfig is the on-disk shape of {workspace}/.pi/mcp.json, read by the
// agent's MCP client.
type mcpConfig struct {
	Servers map[string]mcpConfigEntry `json:"servers"`
}

type mcpConfigEntry struct {
	Command string            `json:"command,omitempty"`
	URL     string            `json:"url,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Type    string            `json:"type,omitempty"`
}

// WriteMCPConfig materializes the enabled server records into the workspace's
// .pi/mcp.json. Disabled servers are left out entirely.
func (s *Store) WriteMCPConfig(workspaceDir string) error {
	servers, err := s.ListMCPServers()
	if err != nil {
		return err
	}

	cfg := mcpConfig{Servers: map[string]mcpConfigEntry{}}
	for _, server := range servers {
		if !server.Enabled {
			continue
		}
		entry := mcpConfigEntry{
			Command: server.Command,
			URL:     server.URL,
			Args:    server.Args,
			Env:     server.Env,
			Headers: server.Headers,
		}
		if server.Transport != "" && server.Transport != "stdio" {
			entry.Type = server.Transport
		}
		if len(entry.Env) == 0 {
			entry.Env = nil
		}
		if len(entry.Headers) == 0 {
			entry.Headers = nil
		}
		cfg.Servers[server.Name] = entry
	}

	dir := filepath.Join(workspaceDir, ".pi")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding mcp config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "mcp.json"), append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("writing mcp config: %w", err)
	}
	return nil
}

// ReadMCPConfig parses the workspace's .pi/mcp.json back into server records,
// sorted by name. A missing file reads as an empty list.
func (s *Store) ReadMCPConfig(workspaceDir string) ([]*MCPServer, error) {
	data, err := os.ReadFile(filepath.Join(workspaceDir, ".pi", "mcp.json"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading mcp config: %w", err)
	}

	var cfg mcpConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing mcp config: %w", err)
	}

	names := make([]string, 0, len(cfg.Servers))
	for name := range cfg.Servers {
		names = append(names, name)
	}
	sort.Strings(names)

	servers := make([]*MCPServer, 0, len(names))
	for _, name := range names {
		entry := cfg.Servers[name]
		transport := entry.Type
		if transport == "" {
			transport = "stdio"
		}
		servers = append(servers, &MCPServer{
			Name:      name,
			Command:   entry.Command,
			URL:       entry.URL,
			Args:      entry.Args,
			Env:       entry.Env,
			Headers:   entry.Headers,
			Transport: transport,
			Enabled:   true,
		})
	}
	return servers, nil
}

func encodeMCPFields(server *MCPServer) (args, env, headers string, err error) {
	a := server.Args
	if a == nil {
		a = []string{}
	}
	e := server.Env
	if e == nil {
		e = map[string]string{}
	}
	h := server.Headers
	if h == nil {
		h = map[string]string{}
	}
	ab, err := json.Marshal(a)
	if err != nil {
		return "", "", "", fmt.Errorf("encoding args: %w", err)
	}
	eb, err := json.Marshal(e)
	if err != nil {
		return "", "", "", fmt.Errorf("encoding env: %w", err)
	}
	hb, err := json.Marshal(h)
	if err != nil {
		return "", "", "", fmt.Errorf("encoding headers: %w", err)
	}
	return string(ab), string(eb), string(hb), nil
}

func scanMCPServer(row scannable) (*MCPServer, error) {
	var server MCPServer
	var args, env, headers string
	err := row.Scan(&server.Name, &server.Command, &server.URL, &args, &env, &headers,
		&server.Transport, &server.Enabled, &server.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning mcp server: %w", err)
	}
	if err := json.Unmarshal([]byte(args), &server.Args); err != nil {
		return nil, fmt.Errorf("decoding args: %w", err)
	}
	if err := json.Unmarshal([]byte(env), &server.Env); err != nil {
		return nil, fmt.Errorf("decoding env: %w", err)
	}
	if err := json.Unmarshal([]byte(headers), &server.Headers); err != nil {
		return nil, fmt.Errorf("decoding headers: %w", err)
	}
	if len(server.Args) == 0 {
		server.Args = nil
	}
	if len(server.Env) == 0 {
		server.Env = nil
	}
	if len(server.Headers) == 0 {
		server.Headers = nil
	}
	return &server, nil
}
